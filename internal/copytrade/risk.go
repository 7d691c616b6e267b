package copytrade

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

const pricePrecision = 8

var hundred = decimal.NewFromInt(100)

// SymbolParams resolves group symbol parameters, degrading to defaults when
// the lookup fails.
type SymbolParams struct {
	store    SymbolReader
	defaults domain.GroupSymbol
	logger   zerolog.Logger
}

// NewSymbolParams creates a SymbolParams with the given fallback values.
func NewSymbolParams(store SymbolReader, contractSize, minLot, maxLot decimal.Decimal) *SymbolParams {
	return &SymbolParams{
		store: store,
		defaults: domain.GroupSymbol{
			ContractSize: contractSize,
			MinLot:       minLot,
			MaxLot:       maxLot,
		},
		logger: log.With().Str("component", "symbols").Logger(),
	}
}

// Lookup never fails; missing or invalid values fall back to the defaults.
func (p *SymbolParams) Lookup(ctx context.Context, group, symbol string) domain.GroupSymbol {
	gs, err := p.store.GetGroupSymbol(ctx, group, symbol)
	out := p.defaults
	out.Group, out.Symbol = group, symbol
	if err != nil {
		ev := p.logger.Warn()
		if errors.Is(err, domain.ErrNotFound) {
			ev = p.logger.Debug()
		}
		ev.Err(err).Str("group", group).Str("symbol", symbol).Msg("group symbol lookup failed, using defaults")
		return out
	}
	if gs.ContractSize.IsPositive() {
		out.ContractSize = gs.ContractSize
	}
	if gs.MinLot.IsPositive() {
		out.MinLot = gs.MinLot
	}
	if gs.MaxLot.IsPositive() {
		out.MaxLot = gs.MaxLot
	}
	return out
}

// RiskOverrides are the stop-loss and take-profit levels of a copied order.
type RiskOverrides struct {
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	SLModified bool
	TPModified bool
	SLModType  domain.RiskMode
	TPModType  domain.RiskMode
}

// ComputeOverrides derives the follower's levels from the master order.
// quantity is the follower's lot size; contractSize prices amount-mode shifts.
func ComputeOverrides(master *domain.MasterOrder, follower *domain.FollowerAccount, quantity, contractSize decimal.Decimal) RiskOverrides {
	out := RiskOverrides{
		StopLoss:   master.StopLoss,
		TakeProfit: master.TakeProfit,
		SLModType:  domain.RiskModeNone,
		TPModType:  domain.RiskModeNone,
	}
	buy := master.OrderType.IsBuy()

	// A buy loses on the downside; a sell loses on the upside.
	if lvl, ok := level(master.Price, quantity, contractSize, follower.CopySLMode, follower.SLPercentage, follower.SLAmount, !buy); ok {
		out.StopLoss = decimal.NewNullDecimal(lvl)
		out.SLModified = true
		out.SLModType = follower.CopySLMode
	}
	if lvl, ok := level(master.Price, quantity, contractSize, follower.CopyTPMode, follower.TPPercentage, follower.TPAmount, buy); ok {
		out.TakeProfit = decimal.NewNullDecimal(lvl)
		out.TPModified = true
		out.TPModType = follower.CopyTPMode
	}
	return out
}

// level shifts price up when upward is true, down otherwise. ok is false when
// the mode passes the master level through.
func level(price, quantity, contractSize decimal.Decimal, mode domain.RiskMode, pct, amount decimal.Decimal, upward bool) (decimal.Decimal, bool) {
	if !price.IsPositive() {
		return decimal.Zero, false
	}

	var shift decimal.Decimal
	switch mode {
	case domain.RiskModePercentage:
		if !pct.IsPositive() {
			return decimal.Zero, false
		}
		shift = price.Mul(pct).Div(hundred)
	case domain.RiskModeAmount:
		units := quantity.Mul(contractSize)
		if !amount.IsPositive() || !units.IsPositive() {
			return decimal.Zero, false
		}
		shift = amount.Div(units)
	default:
		return decimal.Zero, false
	}

	if upward {
		return price.Add(shift).Round(pricePrecision), true
	}
	lvl := price.Sub(shift)
	if !lvl.IsPositive() {
		return decimal.Zero, false
	}
	return lvl.Round(pricePrecision), true
}
