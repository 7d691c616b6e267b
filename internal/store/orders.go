package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// UpsertMasterOrder records a master order event. Distribution progress is never
// overwritten by a later event for the same order, and a closed or cancelled
// master keeps its terminal status.
func (r *Repository) UpsertMasterOrder(ctx context.Context, m *domain.MasterOrder) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO master_orders (order_id, strategy_provider_id, symbol, order_type,
			order_status, order_quantity, order_price, stop_loss, take_profit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO UPDATE SET
			order_status = EXCLUDED.order_status,
			order_price = EXCLUDED.order_price,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			updated_at = NOW()
		WHERE master_orders.order_status NOT IN ('CLOSED', 'CANCELLED')
	`,
		m.OrderID, m.ProviderAccountID, m.Symbol, string(m.OrderType), string(m.OrderStatus),
		m.Quantity, m.Price, m.StopLoss, m.TakeProfit,
	)
	if err != nil {
		return fmt.Errorf("upsert master order: %w", classify(err))
	}
	return nil
}

// GetMasterOrder returns a master order by id.
func (r *Repository) GetMasterOrder(ctx context.Context, orderID string) (*domain.MasterOrder, error) {
	var m domain.MasterOrder
	var orderType, status, dist string
	err := r.pool.QueryRow(ctx, `
		SELECT order_id, strategy_provider_id, symbol, order_type, order_status,
			order_quantity, order_price, stop_loss, take_profit, copy_distribution_status,
			total_followers_copied, successful_copies_count, failed_copies_count,
			created_at, updated_at
		FROM master_orders WHERE order_id = $1`, orderID,
	).Scan(&m.OrderID, &m.ProviderAccountID, &m.Symbol, &orderType, &status,
		&m.Quantity, &m.Price, &m.StopLoss, &m.TakeProfit, &dist,
		&m.TotalFollowers, &m.SuccessfulCopies, &m.FailedCopies,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "master order "+orderID)
	}
	m.OrderType = domain.OrderType(orderType)
	m.OrderStatus = domain.OrderStatus(status)
	m.DistributionStatus = domain.DistributionStatus(dist)
	return &m, nil
}

// SetMasterDistribution updates fan-out status and the aggregate counters.
func (r *Repository) SetMasterDistribution(ctx context.Context, orderID string, status domain.DistributionStatus, total, successful, failed int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE master_orders SET copy_distribution_status = $2,
			total_followers_copied = $3, successful_copies_count = $4,
			failed_copies_count = $5, updated_at = NOW()
		WHERE order_id = $1`, orderID, string(status), total, successful, failed)
	if err != nil {
		return fmt.Errorf("set master distribution: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set master distribution %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

const followerOrderColumns = `
	order_id, master_order_id, copy_follower_account_id, strategy_provider_id, symbol,
	order_type, order_status, copy_status, order_price, order_quantity, stop_loss,
	take_profit, sl_modified, tp_modified, sl_mod_type, tp_mod_type, master_lot_size,
	follower_investment_at_copy, master_equity_at_copy, lot_ratio, calculated_lot_size,
	final_lot_size, execution_flow, margin, contract_value, commission, close_price,
	net_profit, swap, performance_fee_percentage, gross_profit, performance_fee_amount,
	net_profit_after_fees, fee_status, fee_calculated_at, fee_paid_at, failure_reason,
	created_at, updated_at, closed_at`

func scanFollowerOrder(row pgx.Row) (*domain.FollowerOrder, error) {
	var o domain.FollowerOrder
	if err := row.Scan(followerOrderDest(&o)...); err != nil {
		return nil, err
	}
	return &o, nil
}

// InsertFollowerOrder writes a new follower order row. A second copy of the
// same master order for the same follower fails with ErrAlreadyReplicated; an
// order id collision fails with ErrDuplicateKey so the caller can regenerate.
func (r *Repository) InsertFollowerOrder(ctx context.Context, o *domain.FollowerOrder) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO follower_orders (order_id, master_order_id, copy_follower_account_id,
			strategy_provider_id, symbol, order_type, order_status, copy_status, order_price,
			order_quantity, stop_loss, take_profit, sl_modified, tp_modified, sl_mod_type,
			tp_mod_type, master_lot_size, follower_investment_at_copy, master_equity_at_copy,
			lot_ratio, calculated_lot_size, final_lot_size, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23)
	`,
		o.OrderID, o.MasterOrderID, o.FollowerAccountID, o.ProviderAccountID, o.Symbol,
		string(o.OrderType), string(o.OrderStatus), string(o.CopyStatus), o.Price,
		o.Quantity, o.StopLoss, o.TakeProfit, o.SLModified, o.TPModified, string(o.SLModType),
		string(o.TPModType), o.MasterLotSize, o.FollowerInvestmentAtCopy, o.MasterEquityAtCopy,
		o.LotRatio, o.CalculatedLotSize, o.FinalLotSize, o.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert follower order: %w", classify(err))
	}
	return nil
}

// GetFollowerOrder returns a follower order by id.
func (r *Repository) GetFollowerOrder(ctx context.Context, orderID string) (*domain.FollowerOrder, error) {
	o, err := scanFollowerOrder(r.pool.QueryRow(ctx,
		"SELECT "+followerOrderColumns+" FROM follower_orders WHERE order_id = $1", orderID))
	if err != nil {
		return nil, notFound(err, "follower order "+orderID)
	}
	return o, nil
}

// GetFollowerOrderForMaster returns a follower's copy of a master order.
func (r *Repository) GetFollowerOrderForMaster(ctx context.Context, masterOrderID string, accountID int64) (*domain.FollowerOrder, error) {
	o, err := scanFollowerOrder(r.pool.QueryRow(ctx, `
		SELECT `+followerOrderColumns+`
		FROM follower_orders
		WHERE master_order_id = $1 AND copy_follower_account_id = $2`, masterOrderID, accountID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("copy of %s for follower %d", masterOrderID, accountID))
	}
	return o, nil
}

func (r *Repository) queryFollowerOrders(ctx context.Context, what, query string, args ...any) ([]domain.FollowerOrder, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, classify(err))
	}
	defer rows.Close()

	var orders []domain.FollowerOrder
	for rows.Next() {
		o, err := scanFollowerOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follower order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return orders, nil
}

// ListPropagatableOrders returns the follower copies of a master order that
// have not reached CLOSED or CANCELLED.
func (r *Repository) ListPropagatableOrders(ctx context.Context, masterOrderID string) ([]domain.FollowerOrder, error) {
	return r.queryFollowerOrders(ctx, "list propagatable orders", `
		SELECT `+followerOrderColumns+`
		FROM follower_orders
		WHERE master_order_id = $1
			AND copy_status IN ('copied', 'pending', 'failed')
			AND order_status NOT IN ('CLOSED', 'CANCELLED', 'SKIPPED')
		ORDER BY order_id`, masterOrderID)
}

// ListOpenOrdersByAccount returns a follower account's OPEN orders.
func (r *Repository) ListOpenOrdersByAccount(ctx context.Context, accountID int64) ([]domain.FollowerOrder, error) {
	return r.queryFollowerOrders(ctx, "list open orders", `
		SELECT `+followerOrderColumns+`
		FROM follower_orders
		WHERE copy_follower_account_id = $1 AND order_status = 'OPEN'
		ORDER BY order_id`, accountID)
}

// ListLiveOrdersByAccount returns the orders the cache should mirror for an
// account: every order still queued, pending or open.
func (r *Repository) ListLiveOrdersByAccount(ctx context.Context, accountID int64) ([]domain.FollowerOrder, error) {
	return r.queryFollowerOrders(ctx, "list live orders", `
		SELECT `+followerOrderColumns+`
		FROM follower_orders
		WHERE copy_follower_account_id = $1
			AND order_status IN ('QUEUED', 'PENDING', 'OPEN')
		ORDER BY order_id`, accountID)
}

// DailyRealizedLoss sums the losses realized by an account's orders closed since.
// The result is non-negative.
func (r *Repository) DailyRealizedLoss(ctx context.Context, accountID int64, since time.Time) (decimal.Decimal, error) {
	var loss decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(net_profit), 0)
		FROM follower_orders
		WHERE copy_follower_account_id = $1 AND order_status = 'CLOSED'
			AND net_profit < 0 AND closed_at >= $2`, accountID, since,
	).Scan(&loss)
	if err != nil {
		return decimal.Zero, fmt.Errorf("daily realized loss: %w", classify(err))
	}
	return loss, nil
}

// MarkFollowerOrderFailed records a copy the gateway refused, with its reason.
// Only orders that are not yet open can fail.
func (r *Repository) MarkFollowerOrderFailed(ctx context.Context, orderID string, cs domain.CopyStatus, os domain.OrderStatus, reason string) error {
	if !domain.ConsistentStatus(cs, os) {
		return fmt.Errorf("inconsistent status pair %s/%s", cs, os)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE follower_orders SET copy_status = $2, order_status = $3,
			failure_reason = $4, updated_at = NOW()
		WHERE order_id = $1 AND order_status IN ('QUEUED', 'PENDING')`,
		orderID, string(cs), string(os), reason)
	if err != nil {
		return fmt.Errorf("mark follower order failed: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark follower order %s failed: %w", orderID, domain.ErrOrderTerminal)
	}
	return nil
}

// ExecutionFill is the financial outcome of an executed copy.
type ExecutionFill struct {
	Flow          domain.Flow
	OrderStatus   domain.OrderStatus
	Price         decimal.Decimal
	Margin        decimal.Decimal
	ContractValue decimal.Decimal
	Commission    decimal.Decimal
}

// RecordQueuedExecution marks a provider-flow copy as accepted; financials are
// applied later by ApplyExecutionFill.
func (r *Repository) RecordQueuedExecution(ctx context.Context, orderID string, fill ExecutionFill) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE follower_orders SET copy_status = 'copied', order_status = $2,
			order_price = $3, execution_flow = $4, updated_at = NOW()
		WHERE order_id = $1 AND order_status IN ('QUEUED', 'PENDING')`,
		orderID, string(fill.OrderStatus), fill.Price, string(fill.Flow))
	if err != nil {
		return fmt.Errorf("record queued execution: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record queued execution %s: %w", orderID, domain.ErrOrderTerminal)
	}
	return nil
}

// ApplyExecutionFill opens a follower order and books its margin against the
// follower account in one transaction. A second fill for the same order is a no-op.
func (r *Repository) ApplyExecutionFill(ctx context.Context, orderID string, fill ExecutionFill) (*domain.FollowerOrder, error) {
	var result *domain.FollowerOrder
	err := r.InTx(ctx, func(tx pgx.Tx) error {
		o, err := scanFollowerOrder(tx.QueryRow(ctx,
			"SELECT "+followerOrderColumns+" FROM follower_orders WHERE order_id = $1 FOR UPDATE", orderID))
		if err != nil {
			return notFound(err, "follower order "+orderID)
		}
		if o.OrderStatus != domain.OrderStatusQueued && o.OrderStatus != domain.OrderStatusPending {
			return fmt.Errorf("apply fill %s in status %s: %w", orderID, o.OrderStatus, domain.ErrOrderTerminal)
		}

		ledger := accountLedgers[domain.AccountTypeCopyFollower]
		if err := ledger.AdjustMargin(ctx, tx, o.FollowerAccountID, fill.Margin); err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			UPDATE follower_orders SET copy_status = 'copied', order_status = 'OPEN',
				order_price = $2, margin = $3, contract_value = $4, commission = $5,
				execution_flow = $6, updated_at = NOW()
			WHERE order_id = $1
			RETURNING `+followerOrderColumns,
			orderID, fill.Price, fill.Margin, fill.ContractValue, fill.Commission, string(fill.Flow),
		).Scan(followerOrderDest(o)...)
		if err != nil {
			return fmt.Errorf("open follower order: %w", err)
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseFill is the financial outcome of closing a copy.
type CloseFill struct {
	Flow       domain.Flow
	ClosePrice decimal.Decimal
	NetProfit  decimal.Decimal
	Swap       decimal.Decimal
	Commission decimal.Decimal
	UsedMargin decimal.Decimal
}

// ApplyCloseFill closes a follower order, releases its margin and realizes the
// profit or loss into the follower wallet, appending the ledger transaction.
// Closing an already closed order returns ErrOrderTerminal and moves no money.
func (r *Repository) ApplyCloseFill(ctx context.Context, orderID string, fill CloseFill, newID func() (string, error)) (*domain.FollowerOrder, error) {
	var result *domain.FollowerOrder
	err := r.InTx(ctx, func(tx pgx.Tx) error {
		o, err := scanFollowerOrder(tx.QueryRow(ctx,
			"SELECT "+followerOrderColumns+" FROM follower_orders WHERE order_id = $1 FOR UPDATE", orderID))
		if err != nil {
			return notFound(err, "follower order "+orderID)
		}
		if o.OrderStatus.Terminal() {
			return fmt.Errorf("close %s in status %s: %w", orderID, o.OrderStatus, domain.ErrOrderTerminal)
		}

		ledger := accountLedgers[domain.AccountTypeCopyFollower]
		release := o.Margin
		if fill.UsedMargin.IsPositive() {
			release = fill.UsedMargin
		}
		if release.IsPositive() {
			if err := ledger.AdjustMargin(ctx, tx, o.FollowerAccountID, release.Neg()); err != nil {
				return err
			}
		}

		if !fill.NetProfit.IsZero() {
			change, err := ledger.RealizePnL(ctx, tx, o.FollowerAccountID, fill.NetProfit)
			if err != nil {
				return err
			}
			txType := domain.TxTypeTradeProfit
			if fill.NetProfit.IsNegative() {
				txType = domain.TxTypeTradeLoss
			}
			id, err := newID()
			if err != nil {
				return fmt.Errorf("generate transaction id: %w", err)
			}
			err = appendTransaction(ctx, tx, &domain.LedgerTransaction{
				TransactionID: id,
				Account:       o.Follower(),
				Type:          txType,
				Amount:        fill.NetProfit.Abs(),
				BalanceBefore: change.Before,
				BalanceAfter:  change.After,
				ReferenceID:   o.MasterOrderID,
				OrderID:       o.OrderID,
				Status:        "completed",
				Notes:         fmt.Sprintf("close at %s", fill.ClosePrice),
			})
			if err != nil {
				return err
			}
		}

		err = tx.QueryRow(ctx, `
			UPDATE follower_orders SET order_status = 'CLOSED', close_price = $2,
				net_profit = $3, swap = $4, commission = commission + $5,
				execution_flow = $6, closed_at = NOW(), updated_at = NOW()
			WHERE order_id = $1
			RETURNING `+followerOrderColumns,
			orderID, fill.ClosePrice, fill.NetProfit, fill.Swap, fill.Commission, string(fill.Flow),
		).Scan(followerOrderDest(o)...)
		if err != nil {
			return fmt.Errorf("close follower order: %w", err)
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelFollowerOrder moves a non-terminal order to CANCELLED. Orders that never
// reached the gateway are cancelled without remote side effects.
func (r *Repository) CancelFollowerOrder(ctx context.Context, orderID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE follower_orders SET copy_status = 'cancelled', order_status = 'CANCELLED',
			failure_reason = CASE WHEN failure_reason = '' THEN $2 ELSE failure_reason END,
			updated_at = NOW()
		WHERE order_id = $1 AND order_status IN ('QUEUED', 'PENDING', 'OPEN', 'REJECTED')`,
		orderID, reason)
	if err != nil {
		return fmt.Errorf("cancel follower order: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel follower order %s: %w", orderID, domain.ErrOrderTerminal)
	}
	return nil
}

// UpdateRiskLevels stores recomputed stop-loss and take-profit levels.
func (r *Repository) UpdateRiskLevels(ctx context.Context, orderID string, sl, tp decimal.NullDecimal, slModified, tpModified bool, slMod, tpMod domain.RiskMode) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE follower_orders SET stop_loss = $2, take_profit = $3, sl_modified = $4,
			tp_modified = $5, sl_mod_type = $6, tp_mod_type = $7, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, sl, tp, slModified, tpModified, string(slMod), string(tpMod))
	if err != nil {
		return fmt.Errorf("update risk levels: %w", classify(err))
	}
	return nil
}

func followerOrderDest(o *domain.FollowerOrder) []any {
	return []any{
		&o.OrderID, &o.MasterOrderID, &o.FollowerAccountID, &o.ProviderAccountID, &o.Symbol,
		(*string)(&o.OrderType), (*string)(&o.OrderStatus), (*string)(&o.CopyStatus), &o.Price,
		&o.Quantity, &o.StopLoss, &o.TakeProfit, &o.SLModified, &o.TPModified,
		(*string)(&o.SLModType), (*string)(&o.TPModType), &o.MasterLotSize,
		&o.FollowerInvestmentAtCopy, &o.MasterEquityAtCopy, &o.LotRatio, &o.CalculatedLotSize,
		&o.FinalLotSize, (*string)(&o.Flow), &o.Margin, &o.ContractValue, &o.Commission, &o.ClosePrice,
		&o.NetProfit, &o.Swap, &o.PerformanceFeePercentage, &o.GrossProfit, &o.PerformanceFeeAmount,
		&o.NetProfitAfterFees, (*string)(&o.FeeStatus), &o.FeeCalculatedAt, &o.FeePaidAt, &o.FailureReason,
		&o.CreatedAt, &o.UpdatedAt, &o.ClosedAt,
	}
}
