// Package copytrade replicates strategy provider orders into follower accounts.
package copytrade

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/gateway"
	"github.com/Spot-Canvas/copytrade/internal/store"
	"github.com/Spot-Canvas/copytrade/internal/tasks"
)

// Store is the ledger access used by the pipeline.
type Store interface {
	AccountReader
	SymbolReader
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetFollowerAccount(ctx context.Context, id int64) (*domain.FollowerAccount, error)
	ListEligibleFollowers(ctx context.Context, providerID int64) ([]domain.FollowerAccount, error)
	DailyRealizedLoss(ctx context.Context, accountID int64, since time.Time) (decimal.Decimal, error)

	GetMasterOrder(ctx context.Context, orderID string) (*domain.MasterOrder, error)
	SetMasterDistribution(ctx context.Context, orderID string, status domain.DistributionStatus, total, successful, failed int) error

	InsertFollowerOrder(ctx context.Context, o *domain.FollowerOrder) error
	GetFollowerOrder(ctx context.Context, orderID string) (*domain.FollowerOrder, error)
	GetFollowerOrderForMaster(ctx context.Context, masterOrderID string, accountID int64) (*domain.FollowerOrder, error)
	ListPropagatableOrders(ctx context.Context, masterOrderID string) ([]domain.FollowerOrder, error)
	MarkFollowerOrderFailed(ctx context.Context, orderID string, cs domain.CopyStatus, os domain.OrderStatus, reason string) error
	RecordQueuedExecution(ctx context.Context, orderID string, fill store.ExecutionFill) error
	ApplyExecutionFill(ctx context.Context, orderID string, fill store.ExecutionFill) (*domain.FollowerOrder, error)
	ApplyCloseFill(ctx context.Context, orderID string, fill store.CloseFill, newID func() (string, error)) (*domain.FollowerOrder, error)
	CancelFollowerOrder(ctx context.Context, orderID, reason string) error
	UpdateRiskLevels(ctx context.Context, orderID string, sl, tp decimal.NullDecimal, slModified, tpModified bool, slMod, tpMod domain.RiskMode) error
}

// AccountReader reads the shared fields of any account variant.
type AccountReader interface {
	GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error)
}

// SymbolReader reads per-group symbol parameters.
type SymbolReader interface {
	GetGroupSymbol(ctx context.Context, group, symbol string) (*domain.GroupSymbol, error)
}

// EquityCache reads live portfolio snapshots.
type EquityCache interface {
	PortfolioEquity(ctx context.Context, ref domain.AccountRef) (decimal.Decimal, bool, error)
}

// Cache is the best-effort mirror written after ledger commits.
type Cache interface {
	EquityCache
	MirrorOrder(ctx context.Context, o *domain.FollowerOrder) error
	MirrorBalance(ctx context.Context, acct *domain.Account) error
	MarkDirty(ctx context.Context, ref domain.AccountRef, reason string) error
	PublishBalanceChange(ctx context.Context, acct *domain.Account, reason string) error
}

// ExecutionGateway places and manages orders remotely.
type ExecutionGateway interface {
	Execute(ctx context.Context, req gateway.OrderRequest) (gateway.ExecuteResult, error)
	Close(ctx context.Context, req gateway.CloseRequest) (gateway.CloseResult, error)
	Cancel(ctx context.Context, req gateway.CancelRequest) (gateway.CancelResult, error)
	SetStopLoss(ctx context.Context, req gateway.LevelRequest) (gateway.LevelResult, error)
	SetTakeProfit(ctx context.Context, req gateway.LevelRequest) (gateway.LevelResult, error)
}

// FeeSettler settles the performance fee of a closed follower order.
type FeeSettler interface {
	Settle(ctx context.Context, followerOrderID string) (*store.FeeSettlement, error)
}

// Submitter schedules post-commit side effects.
type Submitter interface {
	Submit(ctx context.Context, name string, fn tasks.Func) error
}

// IDGenerator produces order and transaction identifiers.
type IDGenerator interface {
	NextString() (string, error)
}
