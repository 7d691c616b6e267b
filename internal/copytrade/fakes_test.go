package copytrade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/gateway"
	"github.com/Spot-Canvas/copytrade/internal/store"
	"github.com/Spot-Canvas/copytrade/internal/tasks"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

// fakeStore keeps ledger state in memory with the same uniqueness and
// transition rules as the Postgres repository.
type fakeStore struct {
	mu        sync.Mutex
	users     map[int64]*domain.User
	accounts  map[domain.AccountRef]*domain.Account
	followers map[int64]*domain.FollowerAccount
	symbols   map[string]*domain.GroupSymbol
	masters   map[string]*domain.MasterOrder
	orders    map[string]*domain.FollowerOrder
	dailyLoss map[int64]decimal.Decimal

	accountErr error
	cancelErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int64]*domain.User),
		accounts:  make(map[domain.AccountRef]*domain.Account),
		followers: make(map[int64]*domain.FollowerAccount),
		symbols:   make(map[string]*domain.GroupSymbol),
		masters:   make(map[string]*domain.MasterOrder),
		orders:    make(map[string]*domain.FollowerOrder),
		dailyLoss: make(map[int64]decimal.Decimal),
	}
}

func (s *fakeStore) addProvider(id int64, wallet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := domain.AccountRef{Type: domain.AccountTypeStrategyProvider, ID: id}
	s.accounts[ref] = &domain.Account{Ref: ref, UserID: id, Status: true, IsActive: true, WalletBalance: dec(wallet), Group: "Standard"}
}

func (s *fakeStore) addFollower(id, providerID int64, investment string, mod func(*domain.FollowerAccount)) *domain.FollowerAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := domain.AccountRef{Type: domain.AccountTypeCopyFollower, ID: id}
	f := &domain.FollowerAccount{
		Account: domain.Account{
			Ref: ref, UserID: 1000 + id, Status: true, IsActive: true,
			WalletBalance: dec(investment), Group: "Standard",
		},
		StrategyProviderID: providerID,
		InvestmentAmount:   dec(investment),
		InitialInvestment:  dec(investment),
		CopySLMode:         domain.RiskModeNone,
		CopyTPMode:         domain.RiskModeNone,
		CopyStatus:         domain.AccountCopyActive,
	}
	if mod != nil {
		mod(f)
	}
	s.followers[id] = f
	acct := f.Account
	s.accounts[ref] = &acct
	s.users[f.UserID] = &domain.User{ID: f.UserID, IsActive: true}
	return f
}

func (s *fakeStore) GetAccount(_ context.Context, ref domain.AccountRef) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	a, ok := s.accounts[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) GetGroupSymbol(_ context.Context, group, symbol string) (*domain.GroupSymbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.symbols[group+"/"+symbol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *gs
	return &cp, nil
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetFollowerAccount(_ context.Context, id int64) (*domain.FollowerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.followers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) ListEligibleFollowers(_ context.Context, providerID int64) ([]domain.FollowerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FollowerAccount
	for id := int64(0); id < 10000; id++ {
		f, ok := s.followers[id]
		if ok && f.StrategyProviderID == providerID {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (s *fakeStore) DailyRealizedLoss(_ context.Context, accountID int64, _ time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyLoss[accountID], nil
}

func (s *fakeStore) GetMasterOrder(_ context.Context, orderID string) (*domain.MasterOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) SetMasterDistribution(_ context.Context, orderID string, status domain.DistributionStatus, total, successful, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[orderID]
	if !ok {
		m = &domain.MasterOrder{OrderID: orderID}
		s.masters[orderID] = m
	}
	m.DistributionStatus, m.TotalFollowers, m.SuccessfulCopies, m.FailedCopies = status, total, successful, failed
	return nil
}

func (s *fakeStore) InsertFollowerOrder(_ context.Context, o *domain.FollowerOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.ConsistentStatus(o.CopyStatus, o.OrderStatus) {
		return fmt.Errorf("inconsistent status %s/%s", o.CopyStatus, o.OrderStatus)
	}
	if _, ok := s.orders[o.OrderID]; ok {
		return domain.ErrDuplicateKey
	}
	for _, existing := range s.orders {
		if existing.MasterOrderID == o.MasterOrderID && existing.FollowerAccountID == o.FollowerAccountID {
			return domain.ErrAlreadyReplicated
		}
	}
	cp := *o
	s.orders[o.OrderID] = &cp
	return nil
}

func (s *fakeStore) GetFollowerOrder(_ context.Context, orderID string) (*domain.FollowerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) GetFollowerOrderForMaster(_ context.Context, masterOrderID string, accountID int64) (*domain.FollowerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.MasterOrderID == masterOrderID && o.FollowerAccountID == accountID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) order(orderID string) domain.FollowerOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[orderID]
}

func (s *fakeStore) ordersFor(masterOrderID string) []domain.FollowerOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FollowerOrder
	for _, o := range s.orders {
		if o.MasterOrderID == masterOrderID {
			out = append(out, *o)
		}
	}
	return out
}

func (s *fakeStore) ListPropagatableOrders(_ context.Context, masterOrderID string) ([]domain.FollowerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FollowerOrder
	for _, o := range s.orders {
		if o.MasterOrderID != masterOrderID {
			continue
		}
		switch o.CopyStatus {
		case domain.CopyStatusCopied, domain.CopyStatusPending, domain.CopyStatusFailed:
		default:
			continue
		}
		switch o.OrderStatus {
		case domain.OrderStatusClosed, domain.OrderStatusCancelled, domain.OrderStatusSkipped:
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (s *fakeStore) MarkFollowerOrderFailed(_ context.Context, orderID string, cs domain.CopyStatus, os domain.OrderStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if o.OrderStatus != domain.OrderStatusQueued && o.OrderStatus != domain.OrderStatusPending {
		return domain.ErrOrderTerminal
	}
	o.CopyStatus, o.OrderStatus, o.FailureReason = cs, os, reason
	return nil
}

func (s *fakeStore) RecordQueuedExecution(_ context.Context, orderID string, fill store.ExecutionFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	o.CopyStatus, o.OrderStatus, o.Flow, o.Price = domain.CopyStatusCopied, fill.OrderStatus, fill.Flow, fill.Price
	return nil
}

func (s *fakeStore) ApplyExecutionFill(_ context.Context, orderID string, fill store.ExecutionFill) (*domain.FollowerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if o.OrderStatus != domain.OrderStatusQueued && o.OrderStatus != domain.OrderStatusPending {
		return nil, domain.ErrOrderTerminal
	}
	acct := s.accounts[o.Follower()]
	acct.Margin = acct.Margin.Add(fill.Margin)
	o.CopyStatus, o.OrderStatus, o.Flow = domain.CopyStatusCopied, domain.OrderStatusOpen, fill.Flow
	o.Price, o.Margin, o.ContractValue, o.Commission = fill.Price, fill.Margin, fill.ContractValue, fill.Commission
	cp := *o
	return &cp, nil
}

func (s *fakeStore) ApplyCloseFill(_ context.Context, orderID string, fill store.CloseFill, newID func() (string, error)) (*domain.FollowerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if o.OrderStatus.Terminal() {
		return nil, domain.ErrOrderTerminal
	}
	if _, err := newID(); err != nil {
		return nil, err
	}
	acct := s.accounts[o.Follower()]
	acct.Margin = decimal.Max(acct.Margin.Sub(o.Margin), decimal.Zero)
	acct.WalletBalance = acct.WalletBalance.Add(fill.NetProfit)
	acct.NetProfit = acct.NetProfit.Add(fill.NetProfit)
	o.OrderStatus, o.ClosePrice, o.NetProfit, o.Swap, o.Flow = domain.OrderStatusClosed, fill.ClosePrice, fill.NetProfit, fill.Swap, fill.Flow
	cp := *o
	return &cp, nil
}

func (s *fakeStore) CancelFollowerOrder(_ context.Context, orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return s.cancelErr
	}
	o, ok := s.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	switch o.OrderStatus {
	case domain.OrderStatusQueued, domain.OrderStatusPending, domain.OrderStatusOpen, domain.OrderStatusRejected:
	default:
		return domain.ErrOrderTerminal
	}
	o.CopyStatus, o.OrderStatus = domain.CopyStatusCancelled, domain.OrderStatusCancelled
	if o.FailureReason == "" {
		o.FailureReason = reason
	}
	return nil
}

func (s *fakeStore) UpdateRiskLevels(_ context.Context, orderID string, sl, tp decimal.NullDecimal, slModified, tpModified bool, slMod, tpMod domain.RiskMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	o.StopLoss, o.TakeProfit, o.SLModified, o.TPModified, o.SLModType, o.TPModType = sl, tp, slModified, tpModified, slMod, tpMod
	return nil
}

// fakeCache records mirror writes.
type fakeCache struct {
	mu        sync.Mutex
	equity    map[domain.AccountRef]decimal.Decimal
	equityErr error
	mirrorErr error
	orders    map[string]domain.FollowerOrder
	balances  map[domain.AccountRef]domain.Account
	dirty     map[domain.AccountRef]string
	published []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		equity:   make(map[domain.AccountRef]decimal.Decimal),
		orders:   make(map[string]domain.FollowerOrder),
		balances: make(map[domain.AccountRef]domain.Account),
		dirty:    make(map[domain.AccountRef]string),
	}
}

func (c *fakeCache) PortfolioEquity(_ context.Context, ref domain.AccountRef) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.equityErr != nil {
		return decimal.Zero, false, c.equityErr
	}
	e, ok := c.equity[ref]
	return e, ok, nil
}

func (c *fakeCache) MirrorOrder(_ context.Context, o *domain.FollowerOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mirrorErr != nil {
		return c.mirrorErr
	}
	if o.OrderStatus.Terminal() {
		delete(c.orders, o.OrderID)
		return nil
	}
	c.orders[o.OrderID] = *o
	return nil
}

func (c *fakeCache) MirrorBalance(_ context.Context, acct *domain.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[acct.Ref] = *acct
	return nil
}

func (c *fakeCache) MarkDirty(_ context.Context, ref domain.AccountRef, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[ref] = reason
	return nil
}

func (c *fakeCache) PublishBalanceChange(_ context.Context, acct *domain.Account, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, acct.Ref.Key()+":"+reason)
	return nil
}

// fakeGateway answers with per-account scripted results.
type fakeGateway struct {
	mu        sync.Mutex
	execute   func(req gateway.OrderRequest) (gateway.ExecuteResult, error)
	closeFn   func(req gateway.CloseRequest) (gateway.CloseResult, error)
	cancelFn  func(req gateway.CancelRequest) (gateway.CancelResult, error)
	executed  []gateway.OrderRequest
	closed    []gateway.CloseRequest
	cancelled []gateway.CancelRequest
	levels    []gateway.LevelRequest
}

func localFill(price string) func(gateway.OrderRequest) (gateway.ExecuteResult, error) {
	return func(req gateway.OrderRequest) (gateway.ExecuteResult, error) {
		return gateway.ExecuteResult{
			Success:        true,
			Flow:           domain.FlowLocal,
			ExecutionPrice: dec(price),
			Margin:         req.Quantity.Mul(dec("100")),
		}, nil
	}
}

func (g *fakeGateway) Execute(_ context.Context, req gateway.OrderRequest) (gateway.ExecuteResult, error) {
	g.mu.Lock()
	g.executed = append(g.executed, req)
	fn := g.execute
	g.mu.Unlock()
	return fn(req)
}

func (g *fakeGateway) Close(_ context.Context, req gateway.CloseRequest) (gateway.CloseResult, error) {
	g.mu.Lock()
	g.closed = append(g.closed, req)
	fn := g.closeFn
	g.mu.Unlock()
	return fn(req)
}

func (g *fakeGateway) Cancel(_ context.Context, req gateway.CancelRequest) (gateway.CancelResult, error) {
	g.mu.Lock()
	g.cancelled = append(g.cancelled, req)
	fn := g.cancelFn
	g.mu.Unlock()
	if fn == nil {
		return gateway.CancelResult{Success: true, Flow: domain.FlowLocal}, nil
	}
	return fn(req)
}

func (g *fakeGateway) SetStopLoss(_ context.Context, req gateway.LevelRequest) (gateway.LevelResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.levels = append(g.levels, req)
	return gateway.LevelResult{Success: true}, nil
}

func (g *fakeGateway) SetTakeProfit(_ context.Context, req gateway.LevelRequest) (gateway.LevelResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.levels = append(g.levels, req)
	return gateway.LevelResult{Success: true}, nil
}

func (g *fakeGateway) executedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.executed)
}

type fakeFees struct {
	mu      sync.Mutex
	settled []string
}

func (f *fakeFees) Settle(_ context.Context, orderID string) (*store.FeeSettlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, orderID)
	return &store.FeeSettlement{OrderID: orderID, Settled: true}, nil
}

// syncTasks runs submitted tasks inline.
type syncTasks struct{}

func (syncTasks) Submit(ctx context.Context, _ string, fn tasks.Func) error {
	return fn(ctx)
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NextString() (string, error) {
	return fmt.Sprintf("%019d", s.n.Add(1)), nil
}

type harness struct {
	store   *fakeStore
	cache   *fakeCache
	gateway *fakeGateway
	fees    *fakeFees
	p       *Pipeline
}

func newHarness() *harness {
	h := &harness{
		store:   newFakeStore(),
		cache:   newFakeCache(),
		gateway: &fakeGateway{execute: localFill("1.1000")},
		fees:    &fakeFees{},
	}
	h.p = NewPipeline(Deps{
		Store:   h.store,
		Cache:   h.cache,
		Gateway: h.gateway,
		Fees:    h.fees,
		Tasks:   syncTasks{},
		IDs:     &seqIDs{},
	}, Config{
		Concurrency:         4,
		DefaultContractSize: dec("100000"),
		DefaultMinLot:       dec("0.01"),
		DefaultMaxLot:       dec("100"),
	})
	h.p.clock = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return h
}

func masterOrder(id string, providerID int64, qty string) *domain.MasterOrder {
	return &domain.MasterOrder{
		OrderID:            id,
		ProviderAccountID:  providerID,
		Symbol:             "EURUSD",
		OrderType:          domain.OrderTypeBuy,
		OrderStatus:        domain.OrderStatusOpen,
		Quantity:           dec(qty),
		Price:              dec("1.1000"),
		DistributionStatus: domain.DistributionPending,
	}
}
