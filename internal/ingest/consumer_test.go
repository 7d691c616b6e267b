package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/idempotency"
)

type fakeMasterStore struct {
	orders map[string]*domain.MasterOrder
	err    error
}

func (s *fakeMasterStore) UpsertMasterOrder(_ context.Context, m *domain.MasterOrder) error {
	if s.err != nil {
		return s.err
	}
	if cur, ok := s.orders[m.OrderID]; ok {
		cur.OrderStatus, cur.StopLoss, cur.TakeProfit = m.OrderStatus, m.StopLoss, m.TakeProfit
		return nil
	}
	cp := *m
	s.orders[m.OrderID] = &cp
	return nil
}

func (s *fakeMasterStore) GetMasterOrder(_ context.Context, id string) (*domain.MasterOrder, error) {
	m, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

type fakeReplicator struct {
	replicated    []string
	propagated    []domain.OrderStatus
	confirmations []copytrade.Confirmation
	err           error
}

func (r *fakeReplicator) ReplicateMasterOrder(_ context.Context, m *domain.MasterOrder) (*copytrade.Summary, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.replicated = append(r.replicated, m.OrderID)
	return &copytrade.Summary{MasterOrderID: m.OrderID, Status: domain.DistributionCompleted, Total: 2, Successful: 2}, nil
}

func (r *fakeReplicator) PropagateMasterOrderUpdate(_ context.Context, m *domain.MasterOrder) (*copytrade.PropagationSummary, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.propagated = append(r.propagated, m.OrderStatus)
	return &copytrade.PropagationSummary{MasterOrderID: m.OrderID, MasterStatus: m.OrderStatus}, nil
}

func (r *fakeReplicator) ApplyProviderConfirmation(_ context.Context, c copytrade.Confirmation) error {
	if r.err != nil {
		return r.err
	}
	r.confirmations = append(r.confirmations, c)
	return nil
}

// memGuard follows the Guard contract: completed keys replay, failed keys
// may be claimed again.
type memGuard struct {
	mu   sync.Mutex
	done map[string]json.RawMessage
	busy map[string]bool
}

func newMemGuard() *memGuard {
	return &memGuard{done: make(map[string]json.RawMessage), busy: make(map[string]bool)}
}

func (g *memGuard) Do(ctx context.Context, key string, _ time.Duration, fn func(context.Context) (any, error)) (json.RawMessage, error) {
	g.mu.Lock()
	if body, ok := g.done[key]; ok {
		g.mu.Unlock()
		return body, nil
	}
	if g.busy[key] {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", idempotency.ErrInProgress, key)
	}
	g.busy[key] = true
	g.mu.Unlock()

	out, err := fn(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, key)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(out)
	g.done[key] = body
	return body, nil
}

func newTestConsumer() (*Consumer, *fakeMasterStore, *fakeReplicator, *memGuard) {
	st := &fakeMasterStore{orders: make(map[string]*domain.MasterOrder)}
	rep := &fakeReplicator{}
	guard := newMemGuard()
	return NewConsumer(nil, st, rep, guard), st, rep, guard
}

func masterPayload(t *testing.T, eventID, status string) []byte {
	t.Helper()
	event := validMasterEvent()
	event.EventID = eventID
	event.OrderStatus = status
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestHandle_MasterOpenedReplicatesOnce(t *testing.T) {
	c, st, rep, _ := newTestConsumer()
	ctx := context.Background()

	body := masterPayload(t, "evt-1", "OPEN")
	require.NoError(t, c.Handle(ctx, SubjectMasterOpened, body))
	require.NoError(t, c.Handle(ctx, SubjectMasterOpened, body), "redelivery is acknowledged")

	assert.Equal(t, []string{"5000000000000000001"}, rep.replicated)
	assert.Contains(t, st.orders, "5000000000000000001")
}

func TestHandle_MasterUpdatedPropagatesStoredState(t *testing.T) {
	c, _, rep, _ := newTestConsumer()
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, SubjectMasterOpened, masterPayload(t, "evt-1", "OPEN")))
	require.NoError(t, c.Handle(ctx, SubjectMasterUpdated, masterPayload(t, "evt-2", "CLOSED")))

	assert.Equal(t, []domain.OrderStatus{domain.OrderStatusClosed}, rep.propagated)
}

func TestHandle_ConfirmationKindFromSubject(t *testing.T) {
	c, _, rep, _ := newTestConsumer()

	body := []byte(`{"event_id":"c-1","order_id":"77","close_price":"1.2","net_profit":"50"}`)
	require.NoError(t, c.Handle(context.Background(), SubjectConfirmationPrefix+"close", body))

	require.Len(t, rep.confirmations, 1)
	assert.Equal(t, copytrade.ConfirmClose, rep.confirmations[0].Kind)
	assert.Equal(t, "77", rep.confirmations[0].OrderID)
	assert.Equal(t, "50", rep.confirmations[0].NetProfit.String())
}

func TestHandle_PermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
	}{
		{"malformed json", SubjectMasterOpened, `{not json`},
		{"invalid event", SubjectMasterOpened, `{"event_id":"e"}`},
		{"unknown subject", "copytrade.other", `{}`},
		{"invalid confirmation", SubjectConfirmationPrefix + "close", `{"event_id":"e","order_id":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, rep, _ := newTestConsumer()
			err := c.Handle(context.Background(), tt.subject, []byte(tt.body))
			require.Error(t, err)
			assert.True(t, IsPermanent(err))
			assert.Empty(t, rep.replicated)
		})
	}
}

func TestHandle_ValidationRejectionIsPermanent(t *testing.T) {
	c, _, rep, _ := newTestConsumer()
	rep.err = domain.NewValidationError("master order is CLOSED")

	err := c.Handle(context.Background(), SubjectMasterOpened, masterPayload(t, "evt-1", "OPEN"))
	assert.True(t, IsPermanent(err))
}

func TestHandle_RetryableErrorAllowsRedelivery(t *testing.T) {
	c, st, rep, _ := newTestConsumer()
	ctx := context.Background()
	body := masterPayload(t, "evt-1", "OPEN")

	st.err = fmt.Errorf("upsert: %w", domain.ErrLedgerConflict)
	err := c.Handle(ctx, SubjectMasterOpened, body)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	st.err = nil
	require.NoError(t, c.Handle(ctx, SubjectMasterOpened, body))
	assert.Len(t, rep.replicated, 1)
}

func TestHandle_InProgressIsNotPermanent(t *testing.T) {
	c, _, _, guard := newTestConsumer()
	guard.busy["event:evt-1"] = true

	err := c.Handle(context.Background(), SubjectMasterOpened, masterPayload(t, "evt-1", "OPEN"))
	assert.True(t, errors.Is(err, idempotency.ErrInProgress))
	assert.False(t, IsPermanent(err))
}
