package copytrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/gateway"
	"github.com/Spot-Canvas/copytrade/internal/metrics"
	"github.com/Spot-Canvas/copytrade/internal/store"
	"github.com/Spot-Canvas/copytrade/internal/tasks"
)

const idAttempts = 3

// Outcome is the result of replicating a master order to one follower.
type Outcome string

const (
	OutcomeCopied   Outcome = "copied"
	OutcomeQueued   Outcome = "queued"
	OutcomePending  Outcome = "pending"
	OutcomeRejected Outcome = "rejected"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// FollowerResult is one follower's replication result.
type FollowerResult struct {
	FollowerID int64           `json:"copy_follower_account_id"`
	OrderID    string          `json:"order_id,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	LotSize    decimal.Decimal `json:"final_lot_size"`
	Reason     string          `json:"reason,omitempty"`
	// Existing is set when the copy was recorded by an earlier run.
	Existing   bool            `json:"existing,omitempty"`
}

// Summary aggregates a fan-out onto the master order.
type Summary struct {
	MasterOrderID string                    `json:"master_order_id"`
	Status        domain.DistributionStatus `json:"copy_distribution_status"`
	Total         int                       `json:"total_followers_copied"`
	Successful    int                       `json:"successful_copies_count"`
	Failed        int                       `json:"failed_copies_count"`
	Pending       int                       `json:"pending_copies_count"`
	Results       []FollowerResult          `json:"results,omitempty"`
}

// Config tunes the pipeline.
type Config struct {
	Concurrency         int
	DefaultContractSize decimal.Decimal
	DefaultMinLot       decimal.Decimal
	DefaultMaxLot       decimal.Decimal
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store   Store
	Cache   Cache
	Gateway ExecutionGateway
	Fees    FeeSettler
	Tasks   Submitter
	IDs     IDGenerator
}

// Pipeline fans master order events out to follower accounts. Each follower is
// processed independently; one follower's failure never affects another.
type Pipeline struct {
	store       Store
	cache       Cache
	gateway     ExecutionGateway
	fees        FeeSettler
	tasks       Submitter
	ids         IDGenerator
	equity      *EquityResolver
	symbols     *SymbolParams
	lots        *LotSizer
	concurrency int64
	clock       func() time.Time
	logger      zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps Deps, cfg Config) *Pipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	equity := NewEquityResolver(deps.Cache, deps.Store)
	symbols := NewSymbolParams(deps.Store, cfg.DefaultContractSize, cfg.DefaultMinLot, cfg.DefaultMaxLot)
	return &Pipeline{
		store:       deps.Store,
		cache:       deps.Cache,
		gateway:     deps.Gateway,
		fees:        deps.Fees,
		tasks:       deps.Tasks,
		ids:         deps.IDs,
		equity:      equity,
		symbols:     symbols,
		lots:        NewLotSizer(equity, symbols),
		concurrency: int64(cfg.Concurrency),
		clock:       time.Now,
		logger:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Equity exposes the pipeline's equity resolver.
func (p *Pipeline) Equity() *EquityResolver {
	return p.equity
}

// ReplicateMasterOrder copies a new master order into every eligible follower
// and records the aggregate counters. Per-follower failures are captured in
// the follower rows; only failures to load followers or to record the
// aggregate are returned. A master order already distributed is not copied again.
func (p *Pipeline) ReplicateMasterOrder(ctx context.Context, master *domain.MasterOrder) (*Summary, error) {
	logger := p.logger.With().Str("master_order_id", master.OrderID).Str("symbol", master.Symbol).Logger()

	if master.OrderStatus.Terminal() {
		return nil, domain.NewValidationError("master order %s is %s", master.OrderID, master.OrderStatus)
	}
	if master.DistributionStatus == domain.DistributionCompleted || master.DistributionStatus == domain.DistributionFailed {
		logger.Info().Str("status", string(master.DistributionStatus)).Msg("master order already distributed")
		return &Summary{
			MasterOrderID: master.OrderID,
			Status:        master.DistributionStatus,
			Total:         master.TotalFollowers,
			Successful:    master.SuccessfulCopies,
			Failed:        master.FailedCopies,
		}, nil
	}

	if err := p.store.SetMasterDistribution(ctx, master.OrderID, domain.DistributionDistributing, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("mark distributing: %w", err)
	}

	followers, err := p.store.ListEligibleFollowers(ctx, master.ProviderAccountID)
	if err != nil {
		if serr := p.store.SetMasterDistribution(ctx, master.OrderID, domain.DistributionFailed, 0, 0, 0); serr != nil {
			logger.Error().Err(serr).Msg("failed to mark distribution failed")
		}
		return nil, fmt.Errorf("load followers: %w", err)
	}

	start := time.Now()
	results := make([]FollowerResult, len(followers))
	p.fanOut(ctx, len(followers), func(i int) {
		results[i] = p.replicateOne(ctx, master, &followers[i])
	}, func(i int, r any) {
		results[i] = FollowerResult{
			FollowerID: followers[i].Ref.ID,
			Outcome:    OutcomeFailed,
			Reason:     fmt.Sprintf("internal error: %v", r),
		}
	})

	summary := summarize(master.OrderID, results)
	for _, r := range results {
		metrics.ReplicationOutcomes.WithLabelValues(string(r.Outcome)).Inc()
	}

	if err := p.store.SetMasterDistribution(ctx, master.OrderID, summary.Status,
		summary.Total, summary.Successful, summary.Failed); err != nil {
		return summary, fmt.Errorf("record distribution: %w", err)
	}

	logger.Info().
		Int("followers", summary.Total).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Int("pending", summary.Pending).
		Dur("elapsed", time.Since(start)).
		Msg("replicated master order")
	return summary, nil
}

func summarize(masterOrderID string, results []FollowerResult) *Summary {
	s := &Summary{MasterOrderID: masterOrderID, Total: len(results), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeCopied, OutcomeQueued:
			s.Successful++
		case OutcomePending:
			s.Pending++
		case OutcomeRejected, OutcomeSkipped, OutcomeFailed:
			s.Failed++
		}
	}
	s.Status = domain.DistributionCompleted
	if s.Total > 0 && s.Failed == s.Total {
		s.Status = domain.DistributionFailed
	}
	return s
}

// fanOut runs fn for 0..n-1 with bounded parallelism and waits for every call
// to settle. A panicking call is reported through recovered and does not
// affect the others.
func (p *Pipeline) fanOut(ctx context.Context, n int, fn func(i int), recovered func(i int, r any)) {
	sem := semaphore.NewWeighted(p.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context done: the remaining items are reported, not skipped silently.
			for j := i; j < n; j++ {
				recovered(j, err)
			}
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().Interface("panic", r).Int("index", i).Msg("fan-out task panicked")
					recovered(i, r)
				}
			}()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) replicateOne(ctx context.Context, master *domain.MasterOrder, f *domain.FollowerAccount) FollowerResult {
	res := FollowerResult{FollowerID: f.Ref.ID}
	logger := p.logger.With().
		Str("master_order_id", master.OrderID).
		Int64("account_id", f.Ref.ID).
		Logger()

	order := &domain.FollowerOrder{
		MasterOrderID:            master.OrderID,
		FollowerAccountID:        f.Ref.ID,
		ProviderAccountID:        master.ProviderAccountID,
		Symbol:                   master.Symbol,
		OrderType:                master.OrderType,
		Price:                    master.Price,
		StopLoss:                 master.StopLoss,
		TakeProfit:               master.TakeProfit,
		MasterLotSize:            master.Quantity,
		FollowerInvestmentAtCopy: f.InvestmentAmount,
	}

	if err := p.validateFollower(ctx, f); err != nil {
		res.Outcome, res.Reason = OutcomeRejected, domain.FailureReason(err)
		order.CopyStatus, order.OrderStatus = domain.CopyStatusRejected, domain.OrderStatusRejected
		if !domain.IsValidation(err) {
			res.Outcome = OutcomeFailed
			order.CopyStatus = domain.CopyStatusFailed
		}
		order.FailureReason = res.Reason
		logger.Info().Str("reason", res.Reason).Msg("follower not eligible")
		return p.recordAudit(ctx, order, res, logger)
	}

	calc, err := p.lots.Calculate(ctx, master, f)
	if err != nil {
		res.Outcome, res.Reason = OutcomeFailed, domain.FailureReason(err)
		order.CopyStatus, order.OrderStatus = domain.CopyStatusFailed, domain.OrderStatusRejected
		order.FailureReason = res.Reason
		logger.Error().Err(err).Msg("lot sizing failed")
		return p.recordAudit(ctx, order, res, logger)
	}
	order.MasterEquityAtCopy = calc.MasterEquity
	order.LotRatio = calc.Ratio
	order.CalculatedLotSize = calc.CalculatedLotSize
	order.FinalLotSize = calc.FinalLotSize
	order.Quantity = calc.FinalLotSize
	res.LotSize = calc.FinalLotSize

	if calc.BelowMinimum {
		res.Outcome = OutcomeSkipped
		res.Reason = fmt.Sprintf("lot size %s below minimum %s", calc.FinalLotSize, calc.MinLot)
		order.CopyStatus, order.OrderStatus = domain.CopyStatusFailed, domain.OrderStatusSkipped
		order.FailureReason = res.Reason
		logger.Info().Str("reason", res.Reason).Msg("copy skipped")
		return p.recordAudit(ctx, order, res, logger)
	}

	ov := ComputeOverrides(master, f, calc.FinalLotSize, calc.ContractSize)
	order.StopLoss, order.TakeProfit = ov.StopLoss, ov.TakeProfit
	order.SLModified, order.TPModified = ov.SLModified, ov.TPModified
	order.SLModType, order.TPModType = ov.SLModType, ov.TPModType
	order.CopyStatus, order.OrderStatus = domain.CopyStatusPending, domain.OrderStatusQueued

	if err := p.insertOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrAlreadyReplicated) {
			return p.resumeExisting(ctx, master.OrderID, res, logger)
		}
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		logger.Error().Err(err).Msg("failed to record pending copy")
		return res
	}
	res.OrderID = order.OrderID
	logger = logger.With().Str("order_id", order.OrderID).Logger()
	p.mirrorOrder(ctx, order)

	return p.execute(ctx, order, res, logger)
}

// execute calls the gateway for a pending order and reconciles the answer.
func (p *Pipeline) execute(ctx context.Context, order *domain.FollowerOrder, res FollowerResult, logger zerolog.Logger) FollowerResult {
	reply, err := p.gateway.Execute(ctx, gateway.OrderRequest{
		OrderID:       order.OrderID,
		MasterOrderID: order.MasterOrderID,
		AccountType:   domain.AccountTypeCopyFollower,
		AccountID:     order.FollowerAccountID,
		Symbol:        order.Symbol,
		OrderType:     order.OrderType,
		Quantity:      order.Quantity,
		Price:         order.Price,
		StopLoss:      order.StopLoss,
		TakeProfit:    order.TakeProfit,
	})

	switch {
	case errors.Is(err, domain.ErrRemoteTimeout):
		// Outcome unknown: the order stays queued for reconciliation.
		res.Outcome, res.Reason = OutcomePending, err.Error()
		logger.Warn().Err(err).Msg("gateway outcome unknown, copy left pending")
		return res
	case err != nil:
		return p.failPending(ctx, order, res, err.Error(), logger)
	case !reply.Success:
		reason := reply.Reason
		if reason == "" {
			reason = "rejected by execution gateway"
		}
		return p.failPending(ctx, order, res, reason, logger)
	}

	fill := store.ExecutionFill{
		Flow:          reply.Flow,
		OrderStatus:   reply.OrderStatus,
		Price:         reply.ExecutionPrice,
		Margin:        reply.Margin,
		ContractValue: reply.ContractValue,
		Commission:    reply.Commission,
	}
	if fill.Price.IsZero() {
		fill.Price = order.Price
	}

	if reply.Flow == domain.FlowProvider {
		if fill.OrderStatus != domain.OrderStatusPending {
			fill.OrderStatus = domain.OrderStatusQueued
		}
		if err := p.store.RecordQueuedExecution(ctx, order.OrderID, fill); err != nil {
			res.Outcome, res.Reason = OutcomeFailed, err.Error()
			logger.Error().Err(err).Msg("failed to record queued execution")
			p.markDirty(ctx, order.Follower(), "queued execution not recorded")
			return res
		}
		order.CopyStatus, order.OrderStatus, order.Price, order.Flow =
			domain.CopyStatusCopied, fill.OrderStatus, fill.Price, domain.FlowProvider
		p.mirrorOrder(ctx, order)
		res.Outcome = OutcomeQueued
		logger.Info().Str("flow", string(reply.Flow)).Msg("copy queued with provider")
		return res
	}

	fill.Flow = domain.FlowLocal
	opened, err := p.store.ApplyExecutionFill(ctx, order.OrderID, fill)
	if err != nil {
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		logger.Error().Err(err).Msg("failed to record execution")
		p.markDirty(ctx, order.Follower(), "execution not recorded")
		return res
	}
	p.mirrorOrder(ctx, opened)
	p.refreshAccount(ctx, opened.Follower(), "copy opened", false)

	res.Outcome = OutcomeCopied
	logger.Info().
		Str("flow", string(fill.Flow)).
		Str("price", fill.Price.String()).
		Str("lot", order.Quantity.String()).
		Msg("copy opened")
	return res
}

func (p *Pipeline) failPending(ctx context.Context, order *domain.FollowerOrder, res FollowerResult, reason string, logger zerolog.Logger) FollowerResult {
	res.Outcome, res.Reason = OutcomeFailed, reason
	logger.Error().Str("reason", reason).Msg("copy rejected by gateway")
	if err := p.store.MarkFollowerOrderFailed(ctx, order.OrderID, domain.CopyStatusFailed, domain.OrderStatusRejected, reason); err != nil {
		logger.Error().Err(err).Msg("failed to record rejection")
		p.markDirty(ctx, order.Follower(), "rejection not recorded")
		return res
	}
	order.CopyStatus, order.OrderStatus, order.FailureReason = domain.CopyStatusFailed, domain.OrderStatusRejected, reason
	p.mirrorOrder(ctx, order)
	return res
}

// recordAudit persists a copy that never reaches the gateway.
func (p *Pipeline) recordAudit(ctx context.Context, order *domain.FollowerOrder, res FollowerResult, logger zerolog.Logger) FollowerResult {
	if err := p.insertOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrAlreadyReplicated) {
			return p.resumeExisting(ctx, order.MasterOrderID, res, logger)
		}
		logger.Error().Err(err).Msg("failed to record audit row")
		return res
	}
	res.OrderID = order.OrderID
	return res
}

// resumeExisting reports a copy recorded by an earlier run from its persisted
// state. A copy still queued without a gateway answer is sent again under its
// original order id.
func (p *Pipeline) resumeExisting(ctx context.Context, masterOrderID string, res FollowerResult, logger zerolog.Logger) FollowerResult {
	existing, err := p.store.GetFollowerOrderForMaster(ctx, masterOrderID, res.FollowerID)
	if err != nil {
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		logger.Error().Err(err).Msg("failed to load existing copy")
		return res
	}
	res.OrderID, res.LotSize, res.Reason, res.Existing =
		existing.OrderID, existing.FinalLotSize, existing.FailureReason, true
	logger = logger.With().Str("order_id", existing.OrderID).Logger()

	switch existing.CopyStatus {
	case domain.CopyStatusCopied:
		res.Outcome = OutcomeCopied
		if existing.Flow == domain.FlowProvider {
			res.Outcome = OutcomeQueued
		}
	case domain.CopyStatusPending:
		if existing.OrderStatus == domain.OrderStatusQueued {
			logger.Info().Msg("resuming pending copy")
			return p.execute(ctx, existing, res, logger)
		}
		res.Outcome = OutcomePending
	case domain.CopyStatusRejected:
		res.Outcome = OutcomeRejected
	default:
		res.Outcome = OutcomeFailed
		if existing.OrderStatus == domain.OrderStatusSkipped {
			res.Outcome = OutcomeSkipped
		}
	}
	logger.Info().Str("outcome", string(res.Outcome)).Msg("follower already holds a copy")
	return res
}

// insertOrder assigns a fresh id and inserts, regenerating on id collisions.
func (p *Pipeline) insertOrder(ctx context.Context, order *domain.FollowerOrder) error {
	var err error
	for attempt := 0; attempt < idAttempts; attempt++ {
		order.OrderID, err = p.ids.NextString()
		if err != nil {
			return fmt.Errorf("generate order id: %w", err)
		}
		err = p.store.InsertFollowerOrder(ctx, order)
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return err
		}
		p.logger.Warn().Str("order_id", order.OrderID).Msg("order id collision, regenerating")
	}
	return err
}

// mirrorOrder writes the order to the cache; failures mark the account dirty.
func (p *Pipeline) mirrorOrder(ctx context.Context, order *domain.FollowerOrder) {
	if err := p.cache.MirrorOrder(ctx, order); err != nil {
		metrics.CacheDegraded.WithLabelValues("mirror_order").Inc()
		p.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("order mirror failed")
		p.markDirty(ctx, order.Follower(), "order mirror failed")
	}
}

func (p *Pipeline) markDirty(ctx context.Context, ref domain.AccountRef, reason string) {
	if err := p.cache.MarkDirty(ctx, ref, reason); err != nil {
		p.logger.Warn().Err(err).Str("account", ref.Key()).Msg("failed to mark account dirty")
	}
}

// refreshAccount schedules a balance mirror refresh and, when notify is set, a
// balance-change notification. Both read committed ledger state.
func (p *Pipeline) refreshAccount(ctx context.Context, ref domain.AccountRef, reason string, notify bool) {
	err := p.tasks.Submit(ctx, "refresh_balance", tasks.Func(func(ctx context.Context) error {
		acct, err := p.store.GetAccount(ctx, ref)
		if err != nil {
			return fmt.Errorf("load %s: %w", ref.Key(), err)
		}
		if err := p.cache.MirrorBalance(ctx, acct); err != nil {
			metrics.CacheDegraded.WithLabelValues("mirror_balance").Inc()
			p.markDirty(ctx, ref, "balance mirror failed")
			return err
		}
		if notify {
			return p.cache.PublishBalanceChange(ctx, acct, reason)
		}
		return nil
	}))
	if err != nil {
		p.logger.Warn().Err(err).Str("account", ref.Key()).Msg("balance refresh not scheduled")
		p.markDirty(ctx, ref, "balance refresh not scheduled")
	}
}
