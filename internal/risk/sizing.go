package risk

import "github.com/shopspring/decimal"

// KellyFraction computes the Kelly criterion fraction f* = p - q/b,
// clamped to [0, 1], from a win probability p and an average win/loss
// ratio b. The notional-fraction sizing in spot.go/futures.go does not
// call it, and no config setting switches sizing over to it.
func KellyFraction(winProbability, avgWinLossRatio float64) decimal.Decimal {
	if avgWinLossRatio <= 0 {
		return decimal.Zero
	}
	p := decimal.NewFromFloat(winProbability)
	q := decimal.NewFromInt(1).Sub(p)
	b := decimal.NewFromFloat(avgWinLossRatio)

	f := p.Sub(q.Div(b))
	if f.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if f.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return f
}
