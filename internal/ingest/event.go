package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// MasterOrderEvent is the JSON structure of master order events received via NATS.
type MasterOrderEvent struct {
	EventID           string              `json:"event_id"`
	OrderID           string              `json:"order_id"`
	ProviderAccountID int64               `json:"strategy_provider_id"`
	Symbol            string              `json:"symbol"`
	OrderType         string              `json:"order_type"`
	OrderStatus       string              `json:"order_status"`
	Quantity          decimal.Decimal     `json:"order_quantity"`
	Price             decimal.Decimal     `json:"order_price"`
	StopLoss          decimal.NullDecimal `json:"stop_loss"`
	TakeProfit        decimal.NullDecimal `json:"take_profit"`
	Timestamp         string              `json:"timestamp"`
}

var orderTypes = map[domain.OrderType]bool{
	domain.OrderTypeBuy:       true,
	domain.OrderTypeSell:      true,
	domain.OrderTypeBuyLimit:  true,
	domain.OrderTypeSellLimit: true,
	domain.OrderTypeBuyStop:   true,
	domain.OrderTypeSellStop:  true,
}

var orderStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusQueued:    true,
	domain.OrderStatusPending:   true,
	domain.OrderStatusOpen:      true,
	domain.OrderStatusClosed:    true,
	domain.OrderStatusCancelled: true,
	domain.OrderStatusRejected:  true,
}

// Validate checks that the event has all required fields and valid values.
func (e *MasterOrderEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("missing required field: event_id")
	}
	if e.OrderID == "" {
		return fmt.Errorf("missing required field: order_id")
	}
	if e.ProviderAccountID <= 0 {
		return fmt.Errorf("strategy_provider_id must be positive, got %d", e.ProviderAccountID)
	}
	if e.Symbol == "" {
		return fmt.Errorf("missing required field: symbol")
	}
	if !orderTypes[domain.OrderType(strings.ToUpper(e.OrderType))] {
		return fmt.Errorf("invalid order_type: %q", e.OrderType)
	}
	if !orderStatuses[domain.OrderStatus(strings.ToUpper(e.OrderStatus))] {
		return fmt.Errorf("invalid order_status: %q", e.OrderStatus)
	}
	if !e.Quantity.IsPositive() {
		return fmt.Errorf("order_quantity must be positive, got %s", e.Quantity)
	}
	if !e.Price.IsPositive() {
		return fmt.Errorf("order_price must be positive, got %s", e.Price)
	}
	if e.StopLoss.Valid && e.StopLoss.Decimal.IsNegative() {
		return fmt.Errorf("stop_loss must not be negative, got %s", e.StopLoss.Decimal)
	}
	if e.TakeProfit.Valid && e.TakeProfit.Decimal.IsNegative() {
		return fmt.Errorf("take_profit must not be negative, got %s", e.TakeProfit.Decimal)
	}
	if e.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	return nil
}

// ToDomain converts the event to a domain master order.
func (e *MasterOrderEvent) ToDomain() *domain.MasterOrder {
	return &domain.MasterOrder{
		OrderID:            e.OrderID,
		ProviderAccountID:  e.ProviderAccountID,
		Symbol:             strings.ToUpper(e.Symbol),
		OrderType:          domain.OrderType(strings.ToUpper(e.OrderType)),
		OrderStatus:        domain.OrderStatus(strings.ToUpper(e.OrderStatus)),
		Quantity:           e.Quantity,
		Price:              e.Price,
		StopLoss:           e.StopLoss,
		TakeProfit:         e.TakeProfit,
		DistributionStatus: domain.DistributionPending,
	}
}

// ConfirmationEvent is an asynchronous provider-flow confirmation.
type ConfirmationEvent struct {
	EventID string `json:"event_id"`
	copytrade.Confirmation
}

// Validate checks the confirmation envelope. kind falls back to the subject
// suffix when the body leaves it empty.
func (e *ConfirmationEvent) Validate(kind string) error {
	if e.EventID == "" {
		return fmt.Errorf("missing required field: event_id")
	}
	if e.OrderID == "" {
		return fmt.Errorf("missing required field: order_id")
	}
	if e.Kind == "" {
		e.Kind = copytrade.ConfirmationKind(kind)
	}
	switch e.Kind {
	case copytrade.ConfirmExecute, copytrade.ConfirmClose, copytrade.ConfirmCancel, copytrade.ConfirmReject:
	default:
		return fmt.Errorf("invalid confirmation kind: %q", e.Kind)
	}
	if e.Kind == copytrade.ConfirmExecute && !e.Price.IsPositive() {
		return fmt.Errorf("execute confirmation needs a positive execution_price, got %s", e.Price)
	}
	if e.Kind == copytrade.ConfirmClose && !e.ClosePrice.IsPositive() {
		return fmt.Errorf("close confirmation needs a positive close_price, got %s", e.ClosePrice)
	}
	return nil
}
