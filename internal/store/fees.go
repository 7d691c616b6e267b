package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// FeeSettlement is the committed outcome of a performance fee transfer.
// Settled is false when the order does not qualify; SkipReason says why.
type FeeSettlement struct {
	OrderID            string            `json:"order_id"`
	Follower           domain.AccountRef `json:"follower"`
	Provider           domain.AccountRef `json:"provider"`
	Settled            bool              `json:"settled"`
	SkipReason         string            `json:"skip_reason,omitempty"`
	FeePercentage      decimal.Decimal   `json:"performance_fee_percentage"`
	GrossProfit        decimal.Decimal   `json:"gross_profit"`
	FeeAmount          decimal.Decimal   `json:"performance_fee_amount"`
	NetProfitAfterFees decimal.Decimal   `json:"net_profit_after_fees"`
	FollowerBalance    BalanceChange     `json:"-"`
	ProviderBalance    BalanceChange     `json:"-"`
	FollowerTxID       string            `json:"follower_transaction_id,omitempty"`
	ProviderTxID       string            `json:"provider_transaction_id,omitempty"`
}

// SettlePerformanceFee moves the provider's share of a closed order's profit
// from the follower wallet to the provider wallet in one transaction. The order
// row is locked first so concurrent settlements of the same order serialize;
// an order with a fee already recorded returns ErrAlreadySettled.
func (r *Repository) SettlePerformanceFee(ctx context.Context, orderID string, newID func() (string, error)) (*FeeSettlement, error) {
	var result *FeeSettlement
	err := r.InTx(ctx, func(tx pgx.Tx) error {
		var (
			followerID, providerID int64
			status                 string
			netProfit, feeAmount   decimal.Decimal
		)
		err := tx.QueryRow(ctx, `
			SELECT copy_follower_account_id, strategy_provider_id, order_status,
				net_profit, performance_fee_amount
			FROM follower_orders WHERE order_id = $1 FOR UPDATE`, orderID,
		).Scan(&followerID, &providerID, &status, &netProfit, &feeAmount)
		if err != nil {
			return notFound(err, "follower order "+orderID)
		}

		s := &FeeSettlement{
			OrderID:     orderID,
			Follower:    domain.AccountRef{Type: domain.AccountTypeCopyFollower, ID: followerID},
			Provider:    domain.AccountRef{Type: domain.AccountTypeStrategyProvider, ID: providerID},
			GrossProfit: netProfit,
		}

		if !feeAmount.IsZero() {
			return fmt.Errorf("settle fee %s: %w", orderID, domain.ErrAlreadySettled)
		}
		if domain.OrderStatus(status) != domain.OrderStatusClosed {
			s.SkipReason = "order not closed"
			result = s
			return nil
		}
		if !netProfit.IsPositive() {
			s.SkipReason = "no profit"
			result = s
			return nil
		}

		var pct decimal.Decimal
		err = tx.QueryRow(ctx,
			"SELECT performance_fee_percentage FROM strategy_provider_accounts WHERE id = $1",
			providerID,
		).Scan(&pct)
		if err != nil {
			return notFound(err, fmt.Sprintf("strategy provider %d", providerID))
		}
		s.FeePercentage = pct
		if !pct.IsPositive() {
			s.SkipReason = "no performance fee configured"
			result = s
			return nil
		}

		fee, net := domain.PerformanceFee(netProfit, pct)
		s.FeeAmount, s.NetProfitAfterFees = fee, net
		if !fee.IsPositive() {
			s.SkipReason = "fee rounds to zero"
			result = s
			return nil
		}

		// Both rows are locked in a fixed order so two settlements touching
		// the same pair of accounts cannot deadlock.
		followerLedger := accountLedgers[domain.AccountTypeCopyFollower]
		providerLedger := accountLedgers[domain.AccountTypeStrategyProvider]
		first, second := lockStep{followerLedger, followerID}, lockStep{providerLedger, providerID}
		if s.Provider.Less(s.Follower) {
			first, second = second, first
		}
		if _, err := first.ledger.Lock(ctx, tx, first.id); err != nil {
			return err
		}
		if _, err := second.ledger.Lock(ctx, tx, second.id); err != nil {
			return err
		}

		if s.FollowerBalance, err = followerLedger.Debit(ctx, tx, followerID, fee); err != nil {
			return err
		}
		if s.ProviderBalance, err = providerLedger.Credit(ctx, tx, providerID, fee); err != nil {
			return err
		}

		if s.FollowerTxID, err = newID(); err != nil {
			return fmt.Errorf("generate transaction id: %w", err)
		}
		if s.ProviderTxID, err = newID(); err != nil {
			return fmt.Errorf("generate transaction id: %w", err)
		}

		note := fmt.Sprintf("performance fee %s%% of %s", pct, netProfit)
		err = appendTransaction(ctx, tx, &domain.LedgerTransaction{
			TransactionID:        s.FollowerTxID,
			Account:              s.Follower,
			Type:                 domain.TxTypePerformanceFee,
			Amount:               fee,
			BalanceBefore:        s.FollowerBalance.Before,
			BalanceAfter:         s.FollowerBalance.After,
			ReferenceID:          orderID,
			RelatedTransactionID: s.ProviderTxID,
			OrderID:              orderID,
			Status:               "completed",
			Notes:                note,
		})
		if err != nil {
			return err
		}
		err = appendTransaction(ctx, tx, &domain.LedgerTransaction{
			TransactionID:        s.ProviderTxID,
			Account:              s.Provider,
			Type:                 domain.TxTypePerformanceFeeEarned,
			Amount:               fee,
			BalanceBefore:        s.ProviderBalance.Before,
			BalanceAfter:         s.ProviderBalance.After,
			ReferenceID:          orderID,
			RelatedTransactionID: s.FollowerTxID,
			OrderID:              orderID,
			Status:               "completed",
			Notes:                note,
		})
		if err != nil {
			return err
		}

		now := r.now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE follower_orders SET performance_fee_percentage = $2, gross_profit = $3,
				performance_fee_amount = $4, net_profit_after_fees = $5, fee_status = 'paid',
				fee_calculated_at = $6, fee_paid_at = $6, updated_at = NOW()
			WHERE order_id = $1`,
			orderID, pct, netProfit, fee, s.NetProfitAfterFees, now)
		if err != nil {
			return fmt.Errorf("record fee on order: %w", err)
		}

		s.Settled = true
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type lockStep struct {
	ledger AccountLedger
	id     int64
}
