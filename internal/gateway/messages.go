package gateway

import (
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// Subject suffixes under the configured prefix.
const (
	OpExecute    = "execute"
	OpClose      = "close"
	OpCancel     = "cancel"
	OpStopLoss   = "stoploss"
	OpTakeProfit = "takeprofit"
)

// OrderRequest places a follower order. OrderID makes retries idempotent on
// the gateway side.
type OrderRequest struct {
	OrderID       string              `json:"order_id"`
	MasterOrderID string              `json:"master_order_id"`
	AccountType   domain.AccountType  `json:"account_type"`
	AccountID     int64               `json:"account_id"`
	Symbol        string              `json:"symbol"`
	OrderType     domain.OrderType    `json:"order_type"`
	Quantity      decimal.Decimal     `json:"order_quantity"`
	Price         decimal.Decimal     `json:"order_price"`
	StopLoss      decimal.NullDecimal `json:"stop_loss"`
	TakeProfit    decimal.NullDecimal `json:"take_profit"`
}

// ExecuteResult is the gateway's answer to an execute call. Financial fields
// are only meaningful for the local flow.
type ExecuteResult struct {
	Success        bool               `json:"success"`
	Flow           domain.Flow        `json:"flow"`
	OrderStatus    domain.OrderStatus `json:"order_status,omitempty"`
	ExecutionPrice decimal.Decimal    `json:"execution_price"`
	Margin         decimal.Decimal    `json:"margin"`
	ContractValue  decimal.Decimal    `json:"contract_value"`
	Commission     decimal.Decimal    `json:"commission"`
	Reason         string             `json:"reason,omitempty"`
}

// CloseRequest closes an open follower order.
type CloseRequest struct {
	OrderID     string             `json:"order_id"`
	CloseID     string             `json:"close_id"`
	AccountType domain.AccountType `json:"account_type"`
	AccountID   int64              `json:"account_id"`
	Symbol      string             `json:"symbol"`
	OrderType   domain.OrderType   `json:"order_type"`
	Quantity    decimal.Decimal    `json:"order_quantity"`
	Reason      string             `json:"reason,omitempty"`
}

// CloseResult is the gateway's answer to a close call.
type CloseResult struct {
	Success            bool            `json:"success"`
	Flow               domain.Flow     `json:"flow"`
	ClosePrice         decimal.Decimal `json:"close_price"`
	NetProfit          decimal.Decimal `json:"net_profit"`
	Swap               decimal.Decimal `json:"swap"`
	Commission         decimal.Decimal `json:"commission"`
	UsedMarginExecuted decimal.Decimal `json:"used_margin_executed"`
	Reason             string          `json:"reason,omitempty"`
}

// CancelRequest cancels a pending follower order.
type CancelRequest struct {
	OrderID     string             `json:"order_id"`
	CancelID    string             `json:"cancel_id"`
	AccountType domain.AccountType `json:"account_type"`
	AccountID   int64              `json:"account_id"`
	Symbol      string             `json:"symbol"`
	Reason      string             `json:"reason,omitempty"`
}

// CancelResult is the gateway's answer to a cancel call.
type CancelResult struct {
	Success bool        `json:"success"`
	Flow    domain.Flow `json:"flow"`
	Reason  string      `json:"reason,omitempty"`
}

// LevelRequest moves the stop-loss or take-profit of a live order.
type LevelRequest struct {
	OrderID     string             `json:"order_id"`
	AccountType domain.AccountType `json:"account_type"`
	AccountID   int64              `json:"account_id"`
	Symbol      string             `json:"symbol"`
	Price       decimal.Decimal    `json:"price"`
}

// LevelResult is the gateway's answer to a stop-loss or take-profit call.
type LevelResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}
