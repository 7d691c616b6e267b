package domain

import "github.com/shopspring/decimal"

const feePrecision = 8

var hundred = decimal.NewFromInt(100)

// PerformanceFee splits a closed order's gross profit into the provider's fee
// and the follower's remainder. Losses and non-positive percentages yield no fee.
func PerformanceFee(grossProfit, percentage decimal.Decimal) (fee, net decimal.Decimal) {
	if !grossProfit.IsPositive() || !percentage.IsPositive() {
		return decimal.Zero, grossProfit
	}
	fee = grossProfit.Mul(percentage).Div(hundred).Round(feePrecision)
	return fee, grossProfit.Sub(fee)
}
