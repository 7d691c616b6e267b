package ingest

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/domain"
)

func validMasterEvent() MasterOrderEvent {
	return MasterOrderEvent{
		EventID:           "evt-1",
		OrderID:           "5000000000000000001",
		ProviderAccountID: 3,
		Symbol:            "eurusd",
		OrderType:         "buy",
		OrderStatus:       "OPEN",
		Quantity:          decimal.RequireFromString("1.5"),
		Price:             decimal.RequireFromString("1.1000"),
		Timestamp:         "2025-01-15T10:00:00Z",
	}
}

func TestMasterOrderEventValidation_Valid(t *testing.T) {
	event := validMasterEvent()
	require.NoError(t, event.Validate())

	m := event.ToDomain()
	assert.Equal(t, "EURUSD", m.Symbol)
	assert.Equal(t, domain.OrderTypeBuy, m.OrderType)
	assert.Equal(t, domain.OrderStatusOpen, m.OrderStatus)
	assert.Equal(t, domain.DistributionPending, m.DistributionStatus)
	assert.False(t, m.StopLoss.Valid)
}

func TestMasterOrderEventValidation_Invalid(t *testing.T) {
	tests := []struct {
		name string
		mod  func(e *MasterOrderEvent)
		want string
	}{
		{"missing event_id", func(e *MasterOrderEvent) { e.EventID = "" }, "missing required field: event_id"},
		{"missing order_id", func(e *MasterOrderEvent) { e.OrderID = "" }, "missing required field: order_id"},
		{"bad provider", func(e *MasterOrderEvent) { e.ProviderAccountID = 0 }, "strategy_provider_id must be positive"},
		{"missing symbol", func(e *MasterOrderEvent) { e.Symbol = "" }, "missing required field: symbol"},
		{"bad order type", func(e *MasterOrderEvent) { e.OrderType = "HOLD" }, "invalid order_type"},
		{"skipped is not a master status", func(e *MasterOrderEvent) { e.OrderStatus = "SKIPPED" }, "invalid order_status"},
		{"zero quantity", func(e *MasterOrderEvent) { e.Quantity = decimal.Zero }, "order_quantity must be positive"},
		{"negative price", func(e *MasterOrderEvent) { e.Price = decimal.NewFromInt(-1) }, "order_price must be positive"},
		{"negative stop loss", func(e *MasterOrderEvent) {
			e.StopLoss = decimal.NewNullDecimal(decimal.NewFromInt(-1))
		}, "stop_loss must not be negative"},
		{"bad timestamp", func(e *MasterOrderEvent) { e.Timestamp = "yesterday" }, "invalid timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validMasterEvent()
			tt.mod(&event)
			err := event.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMasterOrderEvent_DecodesStringDecimals(t *testing.T) {
	raw := `{"event_id":"e","order_id":"1","strategy_provider_id":3,"symbol":"XAUUSD",
		"order_type":"SELL","order_status":"OPEN","order_quantity":"0.25","order_price":"2310.5",
		"stop_loss":"2350","take_profit":null}`
	var event MasterOrderEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	require.NoError(t, event.Validate())

	assert.True(t, decimal.RequireFromString("0.25").Equal(event.Quantity))
	assert.True(t, event.StopLoss.Valid)
	assert.False(t, event.TakeProfit.Valid)
}

func TestConfirmationEventValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		subject string
		kind    copytrade.ConfirmationKind
		want    string
	}{
		{name: "kind from subject", raw: `{"event_id":"e","order_id":"1","execution_price":"1.1"}`, subject: "execute", kind: copytrade.ConfirmExecute},
		{name: "kind from body wins", raw: `{"event_id":"e","order_id":"1","kind":"cancel"}`, subject: "execute", kind: copytrade.ConfirmCancel},
		{name: "close needs price", raw: `{"event_id":"e","order_id":"1"}`, subject: "close", want: "close_price"},
		{name: "execute needs price", raw: `{"event_id":"e","order_id":"1"}`, subject: "execute", want: "execution_price"},
		{name: "unknown kind", raw: `{"event_id":"e","order_id":"1"}`, subject: "modify", want: "invalid confirmation kind"},
		{name: "missing order", raw: `{"event_id":"e","kind":"reject"}`, subject: "reject", want: "order_id"},
		{name: "missing event id", raw: `{"order_id":"1","kind":"reject"}`, subject: "reject", want: "event_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var event ConfirmationEvent
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &event))
			err := event.Validate(tt.subject)
			if tt.want != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, event.Kind)
		})
	}
}
