package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/idempotency"
	"github.com/Spot-Canvas/copytrade/internal/repair"
	"github.com/Spot-Canvas/copytrade/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	pingErr error
	masters map[string]*domain.MasterOrder
}

func newFakeStore() *fakeStore {
	return &fakeStore{masters: make(map[string]*domain.MasterOrder)}
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) UpsertMasterOrder(_ context.Context, m *domain.MasterOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.masters[m.OrderID] = &cp
	return nil
}

func (s *fakeStore) GetMasterOrder(_ context.Context, id string) (*domain.MasterOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[id]
	if !ok {
		return nil, fmt.Errorf("master order %s: %w", id, domain.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakePipeline struct {
	mu         sync.Mutex
	replicated int
	propagated int
	err        error
}

func (p *fakePipeline) ReplicateMasterOrder(_ context.Context, m *domain.MasterOrder) (*copytrade.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.replicated++
	return &copytrade.Summary{MasterOrderID: m.OrderID, Status: domain.DistributionCompleted, Total: 3, Successful: 2, Failed: 1}, nil
}

func (p *fakePipeline) PropagateMasterOrderUpdate(_ context.Context, m *domain.MasterOrder) (*copytrade.PropagationSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.propagated++
	return &copytrade.PropagationSummary{MasterOrderID: m.OrderID, MasterStatus: m.OrderStatus}, nil
}

type fakeFees struct {
	calls int
	err   error
}

func (f *fakeFees) Settle(_ context.Context, orderID string) (*store.FeeSettlement, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &store.FeeSettlement{OrderID: orderID, Settled: true, FeeAmount: decimal.NewFromInt(200)}, nil
}

type fakeRepair struct {
	refs    []domain.AccountRef
	mode    string
	symbols []string
}

func (f *fakeRepair) RepairAccountIndices(_ context.Context, ref domain.AccountRef) (*repair.Report, error) {
	f.refs, f.mode = append(f.refs, ref), "indices"
	return &repair.Report{Account: ref.Key(), Added: []string{"1"}}, nil
}

func (f *fakeRepair) RepairSymbolHolders(_ context.Context, symbol string) (*repair.Report, error) {
	f.symbols = append(f.symbols, symbol)
	return &repair.Report{Symbol: symbol}, nil
}

func (f *fakeRepair) RebuildAccountFromLedger(_ context.Context, ref domain.AccountRef) (*repair.Report, error) {
	f.refs, f.mode = append(f.refs, ref), "rebuild"
	return &repair.Report{Account: ref.Key()}, nil
}

// memIdempotency is an in-memory idempotency.Store so handlers run against
// the real Guard.
type memIdempotency struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
}

func (m *memIdempotency) InsertIdempotencyRecord(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	m.records[key] = &domain.IdempotencyRecord{Key: key, Status: domain.IdempotencyProcessing, ExpiresAt: expiresAt}
	return true, nil
}

func (m *memIdempotency) GetIdempotencyRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memIdempotency) DeleteStaleIdempotencyRecord(_ context.Context, key string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *memIdempotency) FinishIdempotencyRecord(_ context.Context, key string, status domain.IdempotencyStatus, response []byte, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status, rec.Response, rec.Error = status, response, errMsg
	return nil
}

func (m *memIdempotency) PurgeExpiredIdempotencyRecords(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fixture struct {
	store    *fakeStore
	pipeline *fakePipeline
	fees     *fakeFees
	repair   *fakeRepair
	router   http.Handler
}

func newFixture() *fixture {
	fx := &fixture{
		store:    newFakeStore(),
		pipeline: &fakePipeline{},
		fees:     &fakeFees{},
		repair:   &fakeRepair{},
	}
	guard := idempotency.NewGuard(&memIdempotency{records: make(map[string]*domain.IdempotencyRecord)}, time.Hour)
	fx.router = NewServer(Deps{
		Store:    fx.store,
		Cache:    fakePinger{},
		Pipeline: fx.pipeline,
		Fees:     fx.fees,
		Repair:   fx.repair,
		Guard:    guard,
	}).Router()
	return fx
}

func (fx *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func (fx *fixture) seedMaster(id string, status domain.OrderStatus) {
	fx.store.masters[id] = &domain.MasterOrder{
		OrderID: id, ProviderAccountID: 3, Symbol: "EURUSD",
		OrderType: domain.OrderTypeBuy, OrderStatus: status,
		Quantity: decimal.NewFromInt(1), Price: decimal.RequireFromString("1.1"),
	}
}

func TestHealthEndpoint_NilStore(t *testing.T) {
	srv := &Server{}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthEndpoint_CacheDegraded(t *testing.T) {
	srv := NewServer(Deps{Store: newFakeStore(), Cache: fakePinger{err: errors.New("down")}})
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture()
	w := fx.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "copytrade_task_queue_depth")
}

func TestMethodNotAllowed(t *testing.T) {
	fx := newFixture()
	paths := []string{
		"/api/v1/master-orders/1/replicate",
		"/api/v1/master-orders/1/propagate",
		"/api/v1/follower-orders/1/settle-fee",
		"/api/v1/accounts/copy_follower/1/repair",
		"/api/v1/idempotency/check",
		"/api/v1/master-orders/import",
	}
	for _, method := range []string{"PUT", "DELETE", "PATCH"} {
		for _, path := range paths {
			w := fx.do(method, path, "")
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", method, path)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		}
	}
}

func TestReplicate_ReplaysWithSameKey(t *testing.T) {
	fx := newFixture()
	fx.seedMaster("m1", domain.OrderStatusOpen)

	first := fx.do("POST", "/api/v1/master-orders/m1/replicate", "", IdempotencyHeader, "abc")
	require.Equal(t, http.StatusOK, first.Code)
	second := fx.do("POST", "/api/v1/master-orders/m1/replicate", "", IdempotencyHeader, "abc")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 1, fx.pipeline.replicated)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	var summary copytrade.Summary
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Successful)
}

func TestReplicate_DerivedKeyDeduplicates(t *testing.T) {
	fx := newFixture()
	fx.seedMaster("m1", domain.OrderStatusOpen)

	fx.do("POST", "/api/v1/master-orders/m1/replicate", "")
	fx.do("POST", "/api/v1/master-orders/m1/replicate", "")
	assert.Equal(t, 1, fx.pipeline.replicated)
}

func TestReplicate_Errors(t *testing.T) {
	fx := newFixture()
	w := fx.do("POST", "/api/v1/master-orders/missing/replicate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	fx.seedMaster("m2", domain.OrderStatusClosed)
	fx.pipeline.err = domain.NewValidationError("master order m2 is CLOSED")
	w = fx.do("POST", "/api/v1/master-orders/m2/replicate", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "is CLOSED")

	// A failed attempt releases the key.
	fx.pipeline.err = nil
	w = fx.do("POST", "/api/v1/master-orders/m2/replicate", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPropagate_NewStatePropagatesAgain(t *testing.T) {
	fx := newFixture()
	fx.seedMaster("m1", domain.OrderStatusOpen)

	fx.do("POST", "/api/v1/master-orders/m1/propagate", "")
	fx.do("POST", "/api/v1/master-orders/m1/propagate", "")
	assert.Equal(t, 1, fx.pipeline.propagated)

	fx.store.masters["m1"].OrderStatus = domain.OrderStatusClosed
	w := fx.do("POST", "/api/v1/master-orders/m1/propagate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, fx.pipeline.propagated)
}

func TestSettleFee(t *testing.T) {
	fx := newFixture()
	w := fx.do("POST", "/api/v1/follower-orders/f1/settle-fee", "")
	require.Equal(t, http.StatusOK, w.Code)
	fx.do("POST", "/api/v1/follower-orders/f1/settle-fee", "")
	assert.Equal(t, 1, fx.fees.calls)

	fx.fees.err = fmt.Errorf("settle: %w", domain.ErrInsufficientBalance)
	w = fx.do("POST", "/api/v1/follower-orders/f2/settle-fee", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRepairAccount(t *testing.T) {
	fx := newFixture()

	w := fx.do("POST", "/api/v1/accounts/copy_follower/42/repair", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "indices", fx.repair.mode)
	assert.Equal(t, domain.AccountRef{Type: domain.AccountTypeCopyFollower, ID: 42}, fx.repair.refs[0])

	w = fx.do("POST", "/api/v1/accounts/strategy_provider/3/repair?mode=rebuild", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rebuild", fx.repair.mode)

	assert.Equal(t, http.StatusBadRequest, fx.do("POST", "/api/v1/accounts/savings/1/repair", "").Code)
	assert.Equal(t, http.StatusBadRequest, fx.do("POST", "/api/v1/accounts/live/abc/repair", "").Code)
	assert.Equal(t, http.StatusBadRequest, fx.do("POST", "/api/v1/accounts/live/1/repair?mode=all", "").Code)
}

func TestRepairHolders(t *testing.T) {
	fx := newFixture()
	w := fx.do("POST", "/api/v1/symbols/eurusd/repair-holders", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"EURUSD"}, fx.repair.symbols)
}

func TestIdempotencyEndpoints(t *testing.T) {
	fx := newFixture()

	decode := func(w *httptest.ResponseRecorder) idempotency.Result {
		var res idempotency.Result
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
		return res
	}

	w := fx.do("POST", "/api/v1/idempotency/check", `{"key":"transfer:1","ttl_seconds":60}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode(w).New)

	w = fx.do("POST", "/api/v1/idempotency/check", `{"key":"transfer:1"}`)
	res := decode(w)
	assert.False(t, res.New)
	assert.Equal(t, domain.IdempotencyProcessing, res.Status)

	w = fx.do("POST", "/api/v1/idempotency/complete", `{"key":"transfer:1","response":{"id":7}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do("POST", "/api/v1/idempotency/check", `{"key":"transfer:1"}`)
	res = decode(w)
	assert.Equal(t, domain.IdempotencyCompleted, res.Status)
	assert.JSONEq(t, `{"id":7}`, string(res.Response))

	fx.do("POST", "/api/v1/idempotency/check", `{"key":"transfer:2"}`)
	w = fx.do("POST", "/api/v1/idempotency/fail", `{"key":"transfer:2","error":"gateway down"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = fx.do("POST", "/api/v1/idempotency/check", `{"key":"transfer:2"}`)
	assert.True(t, decode(w).New, "a failed key can be claimed again")

	assert.Equal(t, http.StatusBadRequest, fx.do("POST", "/api/v1/idempotency/check", `{"key":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do("POST", "/api/v1/idempotency/check", `nope`).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do("POST", "/api/v1/idempotency/check", `{"key":"k","ttl_seconds":-1}`).Code)
}

func TestGetMasterOrder(t *testing.T) {
	fx := newFixture()
	fx.seedMaster("m1", domain.OrderStatusOpen)

	w := fx.do("GET", "/api/v1/master-orders/m1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m domain.MasterOrder
	require.NoError(t, json.NewDecoder(w.Body).Decode(&m))
	assert.Equal(t, "EURUSD", m.Symbol)

	assert.Equal(t, http.StatusNotFound, fx.do("GET", "/api/v1/master-orders/nope", "").Code)
}
