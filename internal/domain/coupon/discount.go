package coupon

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ApplyPercent discounts a unit price by percent and rounds the result to
// the currency's minor unit: price * (100 - percent) / 100.
func ApplyPercent(price decimal.Decimal, percent int) decimal.Decimal {
	if percent <= 0 {
		return price.Round(2)
	}
	if percent >= 100 {
		return decimal.Zero
	}
	factor := hundred.Sub(decimal.NewFromInt(int64(percent)))
	return price.Mul(factor).Div(hundred).Round(2)
}
