// Package utils holds the small shared helpers the trading pipeline leans
// on: symbol parsing, decimal math, and the moving-average/ATR primitives
// the OHLCV strategies and the risk evaluator's SL/TP resolution build on.
package utils

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseSymbol splits a slash-form symbol like "BTC/USDT" into base and
// quote. A symbol without a slash comes back as (symbol, "").
func ParseSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return symbol, ""
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Mean averages values; zero for an empty slice.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// StdDev is the population standard deviation of values.
func StdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := Mean(values)
	sumSq := decimal.Zero
	for _, v := range values {
		d := v.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(len(values))))
	f, _ := variance.Float64()
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(f))
}

// SMA is the simple moving average of the last period values in closes,
// or of all of them when fewer are available.
func SMA(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) == 0 {
		return decimal.Zero
	}
	if len(closes) < period {
		period = len(closes)
	}
	return Mean(closes[len(closes)-period:])
}

// EMA is the exponential moving average over closes, seeded from the
// simple average of the first period values.
func EMA(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) == 0 {
		return decimal.Zero
	}
	if len(closes) < period {
		period = len(closes)
	}
	mult := decimal.NewFromFloat(2.0 / float64(period+1))
	current := Mean(closes[:period])
	for _, c := range closes[period:] {
		current = c.Sub(current).Mul(mult).Add(current)
	}
	return current
}

// OHLCVLike is the minimal candle shape ATR needs, kept decoupled from
// pkg/types to avoid an import cycle.
type OHLCVLike struct {
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// ATR is the Average True Range over the trailing period candles, where
// true range is max(high-low, |high-prevClose|, |low-prevClose|). Zero
// when fewer than two candles are supplied.
func ATR(candles []OHLCVLike, period int) decimal.Decimal {
	if len(candles) < 2 {
		return decimal.Zero
	}
	ranges := make([]decimal.Decimal, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := MaxDecimal(c.High.Sub(c.Low),
			MaxDecimal(c.High.Sub(prevClose).Abs(), c.Low.Sub(prevClose).Abs()))
		ranges = append(ranges, tr)
	}
	if len(ranges) > period {
		ranges = ranges[len(ranges)-period:]
	}
	return Mean(ranges)
}
