package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the closed set of account variants.
type AccountType string

const (
	AccountTypeLive             AccountType = "live"
	AccountTypeStrategyProvider AccountType = "strategy_provider"
	AccountTypeCopyFollower     AccountType = "copy_follower"
	AccountTypeDemo             AccountType = "demo"
)

// ParseAccountType validates a raw account type string.
func ParseAccountType(s string) (AccountType, error) {
	switch t := AccountType(strings.ToLower(strings.TrimSpace(s))); t {
	case AccountTypeLive, AccountTypeStrategyProvider, AccountTypeCopyFollower, AccountTypeDemo:
		return t, nil
	default:
		return "", fmt.Errorf("invalid account type: %q", s)
	}
}

// Participates reports whether accounts of this type take part in copy trading.
func (t AccountType) Participates() bool {
	return t == AccountTypeStrategyProvider || t == AccountTypeCopyFollower
}

// AccountRef identifies one account of one variant.
type AccountRef struct {
	Type AccountType `json:"account_type"`
	ID   int64       `json:"account_id"`
}

// Key is the "type:id" form used for cache hash tags and holder sets.
func (r AccountRef) Key() string {
	return string(r.Type) + ":" + strconv.FormatInt(r.ID, 10)
}

// ParseAccountKey is the inverse of AccountRef.Key.
func ParseAccountKey(key string) (AccountRef, error) {
	typ, id, ok := strings.Cut(key, ":")
	if !ok {
		return AccountRef{}, fmt.Errorf("invalid account key: %q", key)
	}
	at, err := ParseAccountType(typ)
	if err != nil {
		return AccountRef{}, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return AccountRef{}, fmt.Errorf("invalid account id in key %q: %w", key, err)
	}
	return AccountRef{Type: at, ID: n}, nil
}

// Less orders refs deterministically; used to acquire row locks in a fixed order.
func (r AccountRef) Less(o AccountRef) bool {
	if r.Type != o.Type {
		return r.Type < o.Type
	}
	return r.ID < o.ID
}

// AccountCopyStatus is the subscription state of a follower account.
type AccountCopyStatus string

const (
	AccountCopyActive  AccountCopyStatus = "active"
	AccountCopyPaused  AccountCopyStatus = "paused"
	AccountCopyStopped AccountCopyStatus = "stopped"
)

// RiskMode selects how a follower's stop-loss or take-profit is derived.
type RiskMode string

const (
	RiskModePercentage RiskMode = "percentage"
	RiskModeAmount     RiskMode = "amount"
	RiskModeNone       RiskMode = "none"
)

// Account holds the fields shared by every account variant.
type Account struct {
	Ref           AccountRef      `json:"ref"`
	UserID        int64           `json:"user_id"`
	Status        bool            `json:"status"`
	IsActive      bool            `json:"is_active"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	Margin        decimal.Decimal `json:"margin"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	Leverage      int             `json:"leverage"`
	Group         string          `json:"group"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StrategyProvider is a strategy_provider account.
type StrategyProvider struct {
	Account
	PerformanceFeePercentage decimal.Decimal `json:"performance_fee_percentage"`
}

// FollowerAccount is a copy_follower account with its copy settings.
type FollowerAccount struct {
	Account
	StrategyProviderID    int64             `json:"strategy_provider_id"`
	InvestmentAmount      decimal.Decimal   `json:"investment_amount"`
	InitialInvestment     decimal.Decimal   `json:"initial_investment"`
	CopySLMode            RiskMode          `json:"copy_sl_mode"`
	SLPercentage          decimal.Decimal   `json:"sl_percentage"`
	SLAmount              decimal.Decimal   `json:"sl_amount"`
	CopyTPMode            RiskMode          `json:"copy_tp_mode"`
	TPPercentage          decimal.Decimal   `json:"tp_percentage"`
	TPAmount              decimal.Decimal   `json:"tp_amount"`
	MaxLotSize            decimal.Decimal   `json:"max_lot_size"`
	MaxDailyLoss          decimal.Decimal   `json:"max_daily_loss"`
	StopCopyingOnDrawdown decimal.Decimal   `json:"stop_copying_on_drawdown"`
	CopyStatus            AccountCopyStatus `json:"copy_status"`
	StopReason            string            `json:"stop_reason,omitempty"`
	StoppedAt             *time.Time        `json:"stopped_at,omitempty"`
}

// CopyActive reports whether the follower should receive new copies.
// copy_status=active implies both activity flags are on.
func (f *FollowerAccount) CopyActive() bool {
	return f.CopyStatus == AccountCopyActive && f.Status && f.IsActive
}

// HasRiskMonitoring reports whether the equity monitor should watch the account.
func (f *FollowerAccount) HasRiskMonitoring() bool {
	return (f.CopySLMode != "" && f.CopySLMode != RiskModeNone) ||
		(f.CopyTPMode != "" && f.CopyTPMode != RiskModeNone)
}

// User is the owner of one or more accounts.
type User struct {
	ID       int64 `json:"id"`
	IsActive bool  `json:"is_active"`
}

// GroupSymbol holds the risk parameters of one symbol inside an account group.
type GroupSymbol struct {
	Group        string          `json:"group"`
	Symbol       string          `json:"symbol"`
	ContractSize decimal.Decimal `json:"contract_size"`
	MinLot       decimal.Decimal `json:"min_lot"`
	MaxLot       decimal.Decimal `json:"max_lot"`
}

// OrderType is the trading instruction of an order.
type OrderType string

const (
	OrderTypeBuy       OrderType = "BUY"
	OrderTypeSell      OrderType = "SELL"
	OrderTypeBuyLimit  OrderType = "BUY_LIMIT"
	OrderTypeSellLimit OrderType = "SELL_LIMIT"
	OrderTypeBuyStop   OrderType = "BUY_STOP"
	OrderTypeSellStop  OrderType = "SELL_STOP"
)

// IsBuy reports whether the order profits when price rises.
func (t OrderType) IsBuy() bool {
	return strings.HasPrefix(string(t), "BUY")
}

// OrderStatus is the execution state of an order.
type OrderStatus string

const (
	OrderStatusQueued    OrderStatus = "QUEUED"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusClosed    OrderStatus = "CLOSED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusSkipped   OrderStatus = "SKIPPED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCancelled, OrderStatusRejected, OrderStatusSkipped:
		return true
	}
	return false
}

// CopyStatus is the replication state of a follower order.
type CopyStatus string

const (
	CopyStatusPending   CopyStatus = "pending"
	CopyStatusCopied    CopyStatus = "copied"
	CopyStatusFailed    CopyStatus = "failed"
	CopyStatusCancelled CopyStatus = "cancelled"
	CopyStatusRejected  CopyStatus = "rejected"
)

// DistributionStatus tracks fan-out progress of a master order.
type DistributionStatus string

const (
	DistributionPending      DistributionStatus = "pending"
	DistributionDistributing DistributionStatus = "distributing"
	DistributionCompleted    DistributionStatus = "completed"
	DistributionFailed       DistributionStatus = "failed"
)

// FeeStatus is the performance fee state of a follower order.
type FeeStatus string

const (
	FeeStatusPending    FeeStatus = "pending"
	FeeStatusCalculated FeeStatus = "calculated"
	FeeStatusPaid       FeeStatus = "paid"
)

// Flow is the execution path chosen by the gateway.
type Flow string

const (
	FlowLocal    Flow = "local"
	FlowProvider Flow = "provider"
)

// MasterOrder is an order placed by a strategy provider.
type MasterOrder struct {
	OrderID            string              `json:"order_id"`
	ProviderAccountID  int64               `json:"strategy_provider_id"`
	Symbol             string              `json:"symbol"`
	OrderType          OrderType           `json:"order_type"`
	OrderStatus        OrderStatus         `json:"order_status"`
	Quantity           decimal.Decimal     `json:"order_quantity"`
	Price              decimal.Decimal     `json:"order_price"`
	StopLoss           decimal.NullDecimal `json:"stop_loss"`
	TakeProfit         decimal.NullDecimal `json:"take_profit"`
	DistributionStatus DistributionStatus  `json:"copy_distribution_status"`
	TotalFollowers     int                 `json:"total_followers_copied"`
	SuccessfulCopies   int                 `json:"successful_copies_count"`
	FailedCopies       int                 `json:"failed_copies_count"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Provider returns the ref of the owning strategy provider account.
func (m *MasterOrder) Provider() AccountRef {
	return AccountRef{Type: AccountTypeStrategyProvider, ID: m.ProviderAccountID}
}

// FollowerOrder is the copy of a master order in one follower account.
type FollowerOrder struct {
	OrderID           string              `json:"order_id"`
	MasterOrderID     string              `json:"master_order_id"`
	FollowerAccountID int64               `json:"copy_follower_account_id"`
	ProviderAccountID int64               `json:"strategy_provider_id"`
	Symbol            string              `json:"symbol"`
	OrderType         OrderType           `json:"order_type"`
	OrderStatus       OrderStatus         `json:"order_status"`
	CopyStatus        CopyStatus          `json:"copy_status"`
	Price             decimal.Decimal     `json:"order_price"`
	Quantity          decimal.Decimal     `json:"order_quantity"`
	StopLoss          decimal.NullDecimal `json:"stop_loss"`
	TakeProfit        decimal.NullDecimal `json:"take_profit"`
	SLModified        bool                `json:"sl_modified"`
	TPModified        bool                `json:"tp_modified"`
	SLModType         RiskMode            `json:"sl_mod_type,omitempty"`
	TPModType         RiskMode            `json:"tp_mod_type,omitempty"`

	// Lot computation audit trail.
	MasterLotSize            decimal.Decimal `json:"master_lot_size"`
	FollowerInvestmentAtCopy decimal.Decimal `json:"follower_investment_at_copy"`
	MasterEquityAtCopy       decimal.Decimal `json:"master_equity_at_copy"`
	LotRatio                 decimal.Decimal `json:"lot_ratio"`
	CalculatedLotSize        decimal.Decimal `json:"calculated_lot_size"`
	FinalLotSize             decimal.Decimal `json:"final_lot_size"`

	// Execution financials.
	Flow          Flow            `json:"execution_flow,omitempty"`
	Margin        decimal.Decimal `json:"margin"`
	ContractValue decimal.Decimal `json:"contract_value"`
	Commission    decimal.Decimal `json:"commission"`
	ClosePrice    decimal.Decimal `json:"close_price"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	Swap          decimal.Decimal `json:"swap"`

	// Performance fee fields, populated only on profitable closure.
	PerformanceFeePercentage decimal.Decimal `json:"performance_fee_percentage"`
	GrossProfit              decimal.Decimal `json:"gross_profit"`
	PerformanceFeeAmount     decimal.Decimal `json:"performance_fee_amount"`
	NetProfitAfterFees       decimal.Decimal `json:"net_profit_after_fees"`
	FeeStatus                FeeStatus       `json:"fee_status,omitempty"`
	FeeCalculatedAt          *time.Time      `json:"fee_calculated_at,omitempty"`
	FeePaidAt                *time.Time      `json:"fee_paid_at,omitempty"`

	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// Follower returns the ref of the follower account holding the order.
func (o *FollowerOrder) Follower() AccountRef {
	return AccountRef{Type: AccountTypeCopyFollower, ID: o.FollowerAccountID}
}

// Placed reports whether the order ever reached the execution gateway successfully.
func (o *FollowerOrder) Placed() bool {
	if o.CopyStatus != CopyStatusCopied {
		return false
	}
	switch o.OrderStatus {
	case OrderStatusOpen, OrderStatusPending, OrderStatusQueued:
		return true
	}
	return false
}

// ConsistentStatus checks the joint (copy_status, order_status) invariant.
func ConsistentStatus(cs CopyStatus, os OrderStatus) bool {
	switch cs {
	case CopyStatusPending:
		return os == OrderStatusQueued || os == OrderStatusPending
	case CopyStatusCopied:
		return os == OrderStatusQueued || os == OrderStatusPending || os == OrderStatusOpen || os == OrderStatusClosed
	case CopyStatusFailed:
		return os == OrderStatusRejected || os == OrderStatusSkipped
	case CopyStatusRejected:
		return os == OrderStatusRejected
	case CopyStatusCancelled:
		return os == OrderStatusCancelled
	}
	return false
}

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TxTypePerformanceFee       TransactionType = "performance_fee"
	TxTypePerformanceFeeEarned TransactionType = "performance_fee_earned"
	TxTypeTradeProfit          TransactionType = "trade_profit"
	TxTypeTradeLoss            TransactionType = "trade_loss"
	TxTypeCommission           TransactionType = "commission"
)

// LedgerTransaction is an append-only record of one balance mutation.
type LedgerTransaction struct {
	TransactionID        string          `json:"transaction_id"`
	Account              AccountRef      `json:"account"`
	Type                 TransactionType `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	BalanceBefore        decimal.Decimal `json:"balance_before"`
	BalanceAfter         decimal.Decimal `json:"balance_after"`
	ReferenceID          string          `json:"reference_id"`
	RelatedTransactionID string          `json:"related_transaction_id,omitempty"`
	OrderID              string          `json:"order_id,omitempty"`
	Status               string          `json:"status"`
	Notes                string          `json:"notes,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// IdempotencyStatus is the state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord deduplicates externally triggered financial operations.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	Response  []byte            `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
