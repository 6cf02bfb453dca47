package data

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// QualityReport summarizes what a validation pass found in one OHLCV
// window. Dropped counts rows removed outright; Gaps counts missing bars
// inferred from timestamp spacing, which are reported but not repaired.
type QualityReport struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	Checked    int    `json:"checked"`
	Dropped    int    `json:"dropped"`
	Gaps       int    `json:"gaps"`
	OutOfOrder int    `json:"out_of_order"`
}

// Clean reports whether the window passed untouched.
func (r QualityReport) Clean() bool {
	return r.Dropped == 0 && r.Gaps == 0 && r.OutOfOrder == 0
}

// ValidateOHLCV filters a candle window down to rows a strategy can trust:
// positive prices, non-negative volume, and a high/low envelope that
// actually contains open and close. Rows violating those are dropped.
// Timestamp regressions and spacing gaps (against expected bar duration)
// are counted in the report; expected may be zero to skip gap detection.
func ValidateOHLCV(symbol string, timeframe types.Timeframe, expected time.Duration, bars []*types.OHLCV) ([]*types.OHLCV, QualityReport) {
	report := QualityReport{Symbol: symbol, Timeframe: string(timeframe), Checked: len(bars)}
	if len(bars) == 0 {
		return bars, report
	}

	kept := make([]*types.OHLCV, 0, len(bars))
	var prev *types.OHLCV
	for _, b := range bars {
		if !barWellFormed(b) {
			report.Dropped++
			continue
		}
		if prev != nil {
			if !b.Timestamp.After(prev.Timestamp) {
				report.OutOfOrder++
				report.Dropped++
				continue
			}
			if expected > 0 && b.Timestamp.Sub(prev.Timestamp) > expected+expected/2 {
				report.Gaps++
			}
		}
		kept = append(kept, b)
		prev = b
	}
	return kept, report
}

func barWellFormed(b *types.OHLCV) bool {
	if b == nil {
		return false
	}
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return false
	}
	if b.Volume.LessThan(decimal.Zero) {
		return false
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return false
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return false
	}
	return !b.Low.GreaterThan(b.High)
}
