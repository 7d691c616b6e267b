package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// BalanceChange is the wallet snapshot around one mutation.
type BalanceChange struct {
	Before decimal.Decimal
	After  decimal.Decimal
}

// AccountLedger is the balance capability of one account variant. All methods
// run inside the caller's transaction and hold the account's row lock until it ends.
type AccountLedger interface {
	Type() domain.AccountType
	Lock(ctx context.Context, tx pgx.Tx, id int64) (*domain.Account, error)
	Credit(ctx context.Context, tx pgx.Tx, id int64, amount decimal.Decimal) (BalanceChange, error)
	Debit(ctx context.Context, tx pgx.Tx, id int64, amount decimal.Decimal) (BalanceChange, error)
	AdjustMargin(ctx context.Context, tx pgx.Tx, id int64, delta decimal.Decimal) error
	RealizePnL(ctx context.Context, tx pgx.Tx, id int64, pnl decimal.Decimal) (BalanceChange, error)
}

// tableLedger implements AccountLedger for one account table.
type tableLedger struct {
	typ   domain.AccountType
	table string
}

var accountLedgers = map[domain.AccountType]*tableLedger{
	domain.AccountTypeLive:             {typ: domain.AccountTypeLive, table: "live_accounts"},
	domain.AccountTypeDemo:             {typ: domain.AccountTypeDemo, table: "demo_accounts"},
	domain.AccountTypeStrategyProvider: {typ: domain.AccountTypeStrategyProvider, table: "strategy_provider_accounts"},
	domain.AccountTypeCopyFollower:     {typ: domain.AccountTypeCopyFollower, table: "copy_follower_accounts"},
}

// Ledger resolves the AccountLedger for an account variant.
func (r *Repository) Ledger(t domain.AccountType) (AccountLedger, error) {
	l, ok := accountLedgers[t]
	if !ok {
		return nil, fmt.Errorf("no ledger for account type %q", t)
	}
	return l, nil
}

func (l *tableLedger) Type() domain.AccountType { return l.typ }

func (l *tableLedger) Lock(ctx context.Context, tx pgx.Tx, id int64) (*domain.Account, error) {
	acct := domain.Account{Ref: domain.AccountRef{Type: l.typ, ID: id}}
	err := tx.QueryRow(ctx, `
		SELECT user_id, status, is_active, wallet_balance, margin, net_profit,
			leverage, group_name, updated_at
		FROM `+l.table+` WHERE id = $1 FOR UPDATE`, id,
	).Scan(&acct.UserID, &acct.Status, &acct.IsActive, &acct.WalletBalance, &acct.Margin,
		&acct.NetProfit, &acct.Leverage, &acct.Group, &acct.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "lock "+acct.Ref.Key())
	}
	return &acct, nil
}

func (l *tableLedger) Credit(ctx context.Context, tx pgx.Tx, id int64, amount decimal.Decimal) (BalanceChange, error) {
	if amount.IsNegative() {
		return BalanceChange{}, fmt.Errorf("credit %s:%d: negative amount %s", l.typ, id, amount)
	}
	return l.apply(ctx, tx, id, amount, false)
}

func (l *tableLedger) Debit(ctx context.Context, tx pgx.Tx, id int64, amount decimal.Decimal) (BalanceChange, error) {
	if amount.IsNegative() {
		return BalanceChange{}, fmt.Errorf("debit %s:%d: negative amount %s", l.typ, id, amount)
	}
	acct, err := l.Lock(ctx, tx, id)
	if err != nil {
		return BalanceChange{}, err
	}
	if acct.WalletBalance.LessThan(amount) {
		return BalanceChange{}, fmt.Errorf("debit %s: %w", acct.Ref.Key(), domain.ErrInsufficientBalance)
	}
	return l.apply(ctx, tx, id, amount.Neg(), false)
}

// RealizePnL moves a realized trade result into the wallet and net profit.
// Losses may take the wallet below zero; the broker books the deficit.
func (l *tableLedger) RealizePnL(ctx context.Context, tx pgx.Tx, id int64, pnl decimal.Decimal) (BalanceChange, error) {
	return l.apply(ctx, tx, id, pnl, true)
}

func (l *tableLedger) apply(ctx context.Context, tx pgx.Tx, id int64, delta decimal.Decimal, pnl bool) (BalanceChange, error) {
	query := `
		UPDATE ` + l.table + ` SET wallet_balance = wallet_balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING wallet_balance - $2, wallet_balance`
	if pnl {
		query = `
			UPDATE ` + l.table + ` SET wallet_balance = wallet_balance + $2,
				net_profit = net_profit + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING wallet_balance - $2, wallet_balance`
	}

	var change BalanceChange
	if err := tx.QueryRow(ctx, query, id, delta).Scan(&change.Before, &change.After); err != nil {
		return BalanceChange{}, notFound(err, fmt.Sprintf("update balance %s:%d", l.typ, id))
	}
	return change, nil
}

func (l *tableLedger) AdjustMargin(ctx context.Context, tx pgx.Tx, id int64, delta decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE `+l.table+` SET margin = GREATEST(margin + $2, 0), updated_at = NOW()
		WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("adjust margin %s:%d: %w", l.typ, id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjust margin %s:%d: %w", l.typ, id, domain.ErrNotFound)
	}
	return nil
}

// GetAccount reads the shared account fields of any variant without locking.
func (r *Repository) GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	l, ok := accountLedgers[ref.Type]
	if !ok {
		return nil, fmt.Errorf("no ledger for account type %q", ref.Type)
	}
	acct := domain.Account{Ref: ref}
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, status, is_active, wallet_balance, margin, net_profit,
			leverage, group_name, updated_at
		FROM `+l.table+` WHERE id = $1`, ref.ID,
	).Scan(&acct.UserID, &acct.Status, &acct.IsActive, &acct.WalletBalance, &acct.Margin,
		&acct.NetProfit, &acct.Leverage, &acct.Group, &acct.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "account "+ref.Key())
	}
	return &acct, nil
}

// GetUser returns a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u := domain.User{ID: id}
	err := r.pool.QueryRow(ctx, "SELECT is_active FROM users WHERE id = $1", id).Scan(&u.IsActive)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %d", id))
	}
	return &u, nil
}

// GetStrategyProvider returns a strategy provider account.
func (r *Repository) GetStrategyProvider(ctx context.Context, id int64) (*domain.StrategyProvider, error) {
	sp := domain.StrategyProvider{Account: domain.Account{
		Ref: domain.AccountRef{Type: domain.AccountTypeStrategyProvider, ID: id},
	}}
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, status, is_active, wallet_balance, margin, net_profit,
			leverage, group_name, performance_fee_percentage, updated_at
		FROM strategy_provider_accounts WHERE id = $1`, id,
	).Scan(&sp.UserID, &sp.Status, &sp.IsActive, &sp.WalletBalance, &sp.Margin, &sp.NetProfit,
		&sp.Leverage, &sp.Group, &sp.PerformanceFeePercentage, &sp.UpdatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("strategy provider %d", id))
	}
	return &sp, nil
}

const followerColumns = `
	id, user_id, strategy_provider_id, status, is_active, wallet_balance, margin,
	net_profit, leverage, group_name, investment_amount, initial_investment,
	copy_sl_mode, sl_percentage, sl_amount, copy_tp_mode, tp_percentage, tp_amount,
	max_lot_size, max_daily_loss, stop_copying_on_drawdown, copy_status,
	stop_reason, stopped_at, updated_at`

func scanFollower(row pgx.Row) (*domain.FollowerAccount, error) {
	var f domain.FollowerAccount
	var slMode, tpMode, copyStatus string
	err := row.Scan(
		&f.Ref.ID, &f.UserID, &f.StrategyProviderID, &f.Status, &f.IsActive,
		&f.WalletBalance, &f.Margin, &f.NetProfit, &f.Leverage, &f.Group,
		&f.InvestmentAmount, &f.InitialInvestment,
		&slMode, &f.SLPercentage, &f.SLAmount, &tpMode, &f.TPPercentage, &f.TPAmount,
		&f.MaxLotSize, &f.MaxDailyLoss, &f.StopCopyingOnDrawdown, &copyStatus,
		&f.StopReason, &f.StoppedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Ref.Type = domain.AccountTypeCopyFollower
	f.CopySLMode = domain.RiskMode(slMode)
	f.CopyTPMode = domain.RiskMode(tpMode)
	f.CopyStatus = domain.AccountCopyStatus(copyStatus)
	return &f, nil
}

func (r *Repository) queryFollowers(ctx context.Context, what, query string, args ...any) ([]domain.FollowerAccount, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, classify(err))
	}
	defer rows.Close()

	var followers []domain.FollowerAccount
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		followers = append(followers, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return followers, nil
}

// GetFollowerAccount returns a copy follower account with its copy settings.
func (r *Repository) GetFollowerAccount(ctx context.Context, id int64) (*domain.FollowerAccount, error) {
	f, err := scanFollower(r.pool.QueryRow(ctx,
		"SELECT "+followerColumns+" FROM copy_follower_accounts WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("follower account %d", id))
	}
	return f, nil
}

// ListEligibleFollowers returns the provider's followers that should receive new copies.
func (r *Repository) ListEligibleFollowers(ctx context.Context, providerID int64) ([]domain.FollowerAccount, error) {
	return r.queryFollowers(ctx, "list eligible followers", `
		SELECT `+followerColumns+`
		FROM copy_follower_accounts
		WHERE strategy_provider_id = $1
			AND copy_status = 'active' AND status AND is_active
		ORDER BY id`, providerID)
}

// ListMonitorCandidates returns followers holding at least one open copy
// and configured with a stop-loss or take-profit mode.
func (r *Repository) ListMonitorCandidates(ctx context.Context) ([]domain.FollowerAccount, error) {
	return r.queryFollowers(ctx, "list monitor candidates", `
		SELECT `+followerColumns+`
		FROM copy_follower_accounts a
		WHERE (a.copy_sl_mode <> 'none' OR a.copy_tp_mode <> 'none')
			AND a.copy_status <> 'stopped'
			AND EXISTS (
				SELECT 1 FROM follower_orders o
				WHERE o.copy_follower_account_id = a.id AND o.order_status = 'OPEN'
			)
		ORDER BY a.id`)
}

// StopCopying stops a follower subscription and deactivates the account.
// Returns false when the account was already stopped.
func (r *Repository) StopCopying(ctx context.Context, accountID int64, reason string) (bool, error) {
	var stopped bool
	err := r.InTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			"SELECT copy_status FROM copy_follower_accounts WHERE id = $1 FOR UPDATE", accountID,
		).Scan(&current)
		if err != nil {
			return notFound(err, fmt.Sprintf("follower account %d", accountID))
		}
		if domain.AccountCopyStatus(current) == domain.AccountCopyStopped {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE copy_follower_accounts
			SET copy_status = 'stopped', is_active = FALSE, stop_reason = $2,
				stopped_at = $3, updated_at = NOW()
			WHERE id = $1`, accountID, reason, r.now().UTC())
		if err != nil {
			return fmt.Errorf("stop copying %d: %w", accountID, err)
		}
		stopped = true
		return nil
	})
	return stopped, err
}

// GetGroupSymbol returns the risk parameters of a symbol in an account group.
func (r *Repository) GetGroupSymbol(ctx context.Context, group, symbol string) (*domain.GroupSymbol, error) {
	gs := domain.GroupSymbol{Group: group, Symbol: symbol}
	err := r.pool.QueryRow(ctx, `
		SELECT contract_size, min_lot, max_lot FROM group_symbols
		WHERE group_name = $1 AND symbol = $2`, group, symbol,
	).Scan(&gs.ContractSize, &gs.MinLot, &gs.MaxLot)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("group symbol %s/%s", group, symbol))
	}
	return &gs, nil
}
