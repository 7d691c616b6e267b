package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// appendTransaction inserts one ledger transaction. Rows are never updated.
func appendTransaction(ctx context.Context, tx pgx.Tx, lt *domain.LedgerTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_transactions (transaction_id, account_type, account_id, type,
			amount, balance_before, balance_after, reference_id, related_transaction_id,
			order_id, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		lt.TransactionID, string(lt.Account.Type), lt.Account.ID, string(lt.Type),
		lt.Amount, lt.BalanceBefore, lt.BalanceAfter, lt.ReferenceID, lt.RelatedTransactionID,
		lt.OrderID, lt.Status, lt.Notes,
	)
	if err != nil {
		return fmt.Errorf("append ledger transaction: %w", classify(err))
	}
	return nil
}

// ListOrderTransactions returns the ledger transactions recorded for an order.
func (r *Repository) ListOrderTransactions(ctx context.Context, orderID string) ([]domain.LedgerTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT transaction_id, account_type, account_id, type, amount, balance_before,
			balance_after, reference_id, related_transaction_id, order_id, status, notes, created_at
		FROM ledger_transactions
		WHERE order_id = $1
		ORDER BY created_at, transaction_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order transactions: %w", classify(err))
	}
	defer rows.Close()

	var txs []domain.LedgerTransaction
	for rows.Next() {
		var lt domain.LedgerTransaction
		var acctType, txType string
		err := rows.Scan(&lt.TransactionID, &acctType, &lt.Account.ID, &txType, &lt.Amount,
			&lt.BalanceBefore, &lt.BalanceAfter, &lt.ReferenceID, &lt.RelatedTransactionID,
			&lt.OrderID, &lt.Status, &lt.Notes, &lt.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan ledger transaction: %w", err)
		}
		lt.Account.Type = domain.AccountType(acctType)
		lt.Type = domain.TransactionType(txType)
		txs = append(txs, lt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list order transactions: %w", err)
	}
	return txs, nil
}
