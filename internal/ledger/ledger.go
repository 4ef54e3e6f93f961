// Package ledger holds the fixed-point arithmetic used for every monetary
// and quantity value in the venue. Prices and cash totals carry 2 fraction
// digits, asset quantities carry 8, and every derived value is rounded
// half-up to its target scale immediately. Applying the rounding anywhere
// else, or skipping it, makes ledger totals drift.
package ledger

import "github.com/shopspring/decimal"

const (
	// MoneyScale is the fraction digits of prices, balances and totals.
	MoneyScale = 2
	// QuantityScale is the fraction digits of asset amounts.
	QuantityScale = 8
)

// FeeRate is the flat 1.5% taken from every trade's notional value.
var FeeRate = decimal.NewFromFloat(0.015)

// RoundMoney rescales v to MoneyScale, rounding half-up.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}

// RoundQuantity rescales v to QuantityScale, rounding half-up.
func RoundQuantity(v decimal.Decimal) decimal.Decimal {
	return v.Round(QuantityScale)
}

// Notional returns amount × price at money scale.
func Notional(amount, price decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(price))
}

// Fee returns the fee charged on a notional value, at money scale.
func Fee(total decimal.Decimal) decimal.Decimal {
	return RoundMoney(total.Mul(FeeRate))
}

// SameQuantity reports whether two quantities are numerically equal at
// quantity precision. "1" and "1.00000000" compare equal.
func SameQuantity(a, b decimal.Decimal) bool {
	return RoundQuantity(a).Equal(RoundQuantity(b))
}

// MoneyString formats v with exactly MoneyScale fraction digits.
func MoneyString(v decimal.Decimal) string {
	return v.StringFixed(MoneyScale)
}

// QuantityString formats v with exactly QuantityScale fraction digits.
func QuantityString(v decimal.Decimal) string {
	return v.StringFixed(QuantityScale)
}
