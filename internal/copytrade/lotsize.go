package copytrade

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/metrics"
)

// Equity sources recorded in the audit trail.
const (
	EquityFromCache  = "cache"
	EquityFromLedger = "ledger"
)

const (
	lotPrecision   = 2
	ratioPrecision = 10
)

// EquityResolver reads an account's equity, preferring the live portfolio
// snapshot and falling back to the ledger wallet balance.
type EquityResolver struct {
	cache    EquityCache
	accounts AccountReader
	logger   zerolog.Logger
}

// NewEquityResolver creates an EquityResolver.
func NewEquityResolver(cache EquityCache, accounts AccountReader) *EquityResolver {
	return &EquityResolver{
		cache:    cache,
		accounts: accounts,
		logger:   log.With().Str("component", "equity").Logger(),
	}
}

// Current returns the best available equity of ref. A cache failure degrades
// to the ledger; only a ledger failure is returned.
func (r *EquityResolver) Current(ctx context.Context, ref domain.AccountRef) (decimal.Decimal, string, error) {
	equity, ok, err := r.cache.PortfolioEquity(ctx, ref)
	if err != nil {
		metrics.CacheDegraded.WithLabelValues("read_portfolio").Inc()
		r.logger.Warn().Err(err).Str("account", ref.Key()).Msg("portfolio read failed, using ledger balance")
	}
	if err == nil && ok && equity.IsPositive() {
		return equity, EquityFromCache, nil
	}

	acct, err := r.accounts.GetAccount(ctx, ref)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("read ledger balance: %w", err)
	}
	return acct.WalletBalance, EquityFromLedger, nil
}

// ForPricing is Current, failing with ErrEquityUnavailable on a non-positive value.
func (r *EquityResolver) ForPricing(ctx context.Context, ref domain.AccountRef) (decimal.Decimal, string, error) {
	equity, source, err := r.Current(ctx, ref)
	if err != nil {
		return decimal.Zero, "", err
	}
	if !equity.IsPositive() {
		return decimal.Zero, source, fmt.Errorf("%w: %s equity %s", domain.ErrEquityUnavailable, ref.Key(), equity)
	}
	return equity, source, nil
}

// LotCalculation carries every intermediate value of a lot size decision.
type LotCalculation struct {
	MasterLotSize      decimal.Decimal
	FollowerInvestment decimal.Decimal
	MasterEquity       decimal.Decimal
	EquitySource       string
	Ratio              decimal.Decimal
	CalculatedLotSize  decimal.Decimal
	FinalLotSize       decimal.Decimal
	MinLot             decimal.Decimal
	MaxLot             decimal.Decimal
	ContractSize       decimal.Decimal
	ClampedBy          string
	BelowMinimum       bool
}

// LotSizer sizes follower copies proportionally to the master's equity.
type LotSizer struct {
	equity  *EquityResolver
	symbols *SymbolParams
}

// NewLotSizer creates a LotSizer.
func NewLotSizer(equity *EquityResolver, symbols *SymbolParams) *LotSizer {
	return &LotSizer{equity: equity, symbols: symbols}
}

// Calculate sizes the follower's copy of master. The personal maximum is
// applied before the group maximum, and a result below the group minimum is
// flagged rather than rounded up.
func (s *LotSizer) Calculate(ctx context.Context, master *domain.MasterOrder, follower *domain.FollowerAccount) (LotCalculation, error) {
	equity, source, err := s.equity.ForPricing(ctx, master.Provider())
	if err != nil {
		return LotCalculation{}, err
	}

	params := s.symbols.Lookup(ctx, follower.Group, master.Symbol)
	calc := LotCalculation{
		MasterLotSize:      master.Quantity,
		FollowerInvestment: follower.InvestmentAmount,
		MasterEquity:       equity,
		EquitySource:       source,
		MinLot:             params.MinLot,
		MaxLot:             params.MaxLot,
		ContractSize:       params.ContractSize,
	}
	calc.Ratio = follower.InvestmentAmount.DivRound(equity, ratioPrecision)
	calc.CalculatedLotSize = master.Quantity.Mul(calc.Ratio)
	calc.FinalLotSize, calc.ClampedBy = clampLot(calc.CalculatedLotSize, follower.MaxLotSize, params.MaxLot)
	calc.BelowMinimum = calc.FinalLotSize.LessThan(params.MinLot) || !calc.FinalLotSize.IsPositive()
	return calc, nil
}

// clampLot applies the personal then the group maximum and truncates to the
// lot step. Truncation never rounds up.
func clampLot(lot, personalMax, groupMax decimal.Decimal) (decimal.Decimal, string) {
	clampedBy := ""
	if personalMax.IsPositive() && lot.GreaterThan(personalMax) {
		lot, clampedBy = personalMax, "personal_max"
	}
	if groupMax.IsPositive() && lot.GreaterThan(groupMax) {
		lot, clampedBy = groupMax, "group_max"
	}
	return lot.Truncate(lotPrecision), clampedBy
}
