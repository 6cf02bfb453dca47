// Package risk implements the RiskEvaluator component: spot and futures
// variants share the SL/TP resolution cascade and horizon-parameter lookup
// defined in this file; spot.go and futures.go hold the market-specific
// gate sequences.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/pkg/types"
	"github.com/helioslabs/trading-supervisor/pkg/utils"
)

// sltpMethod records which rung of the fallback cascade produced an SL/TP
// pair, useful for logging and tests.
type sltpMethod string

const (
	methodLLM   sltpMethod = "llm"
	methodATR   sltpMethod = "atr"
	methodFixed sltpMethod = "fixed_pct"
)

// resolveSLTP resolves protective levels LLM-first with fallback:
// validate the LLM's suggestion (direction, distance bounds, R:R), fall
// through to ATR if invalid or absent, fall through to fixed percentages
// if ATR is unavailable.
//
// long is true for BUY/long-open, false for SHORT/short-open; it governs
// which direction SL/TP must sit relative to price.
func resolveSLTP(
	price decimal.Decimal,
	long bool,
	horizon config.HorizonParams,
	llmSL, llmTP decimal.Decimal,
	candles []utils.OHLCVLike,
	atrPeriod int,
	atrEnabled bool,
) (sl, tp decimal.Decimal, atr decimal.Decimal, method sltpMethod, note string) {
	minRR := decimal.NewFromFloat(horizon.MinRR)

	if !llmSL.IsZero() && !llmTP.IsZero() {
		if sl, tp, ok := validateLLMSLTP(price, long, llmSL, llmTP, minRR); ok {
			return sl, tp, decimal.Zero, methodLLM, "llm-suggested sl/tp accepted"
		}
	}

	if atrEnabled && len(candles) >= 2 {
		atrVal := utils.ATR(candles, atrPeriod)
		if atrVal.GreaterThan(decimal.Zero) {
			slMult := decimal.NewFromFloat(horizon.SLMultiplier)
			tpMult := decimal.NewFromFloat(horizon.TPMultiplier)
			if long {
				sl = price.Sub(atrVal.Mul(slMult))
				tp = price.Add(atrVal.Mul(tpMult))
			} else {
				sl = price.Add(atrVal.Mul(slMult))
				tp = price.Sub(atrVal.Mul(tpMult))
			}
			return sl, tp, atrVal, methodATR, "atr-based sl/tp"
		}
	}

	slPct := decimal.NewFromFloat(horizon.SLPct)
	tpPct := decimal.NewFromFloat(horizon.TPPct)
	if long {
		sl = price.Mul(decimal.NewFromInt(1).Sub(slPct))
		tp = price.Mul(decimal.NewFromInt(1).Add(tpPct))
	} else {
		sl = price.Mul(decimal.NewFromInt(1).Add(slPct))
		tp = price.Mul(decimal.NewFromInt(1).Sub(tpPct))
	}
	return sl, tp, decimal.Zero, methodFixed, "fixed-percentage fallback"
}

// validateLLMSLTP checks direction, that the SL distance sits within
// [0.5%, 15%] of price, and that R:R meets the horizon minimum, extending
// TP to meet min_rr when the shortfall is on the reward side.
func validateLLMSLTP(price decimal.Decimal, long bool, sl, tp, minRR decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	if long {
		if !(sl.LessThan(price) && price.LessThan(tp)) {
			return sl, tp, false
		}
	} else {
		if !(tp.LessThan(price) && price.LessThan(sl)) {
			return sl, tp, false
		}
	}

	slDist := sl.Sub(price).Abs()
	pctDist := slDist.Div(price)
	lowBound := decimal.NewFromFloat(0.005)
	highBound := decimal.NewFromFloat(0.15)
	if pctDist.LessThan(lowBound) || pctDist.GreaterThan(highBound) {
		return sl, tp, false
	}

	tpDist := tp.Sub(price).Abs()
	if slDist.IsZero() {
		return sl, tp, false
	}
	rr := tpDist.Div(slDist)
	if rr.LessThan(minRR) {
		if long {
			tp = price.Add(slDist.Mul(minRR))
		} else {
			tp = price.Sub(slDist.Mul(minRR))
		}
	}
	return sl, tp, true
}

// riskReward returns tp_distance / sl_distance relative to price.
func riskReward(price, sl, tp decimal.Decimal) decimal.Decimal {
	slDist := sl.Sub(price).Abs()
	tpDist := tp.Sub(price).Abs()
	if slDist.IsZero() {
		return decimal.Zero
	}
	return tpDist.Div(slDist)
}

// horizonParams resolves a Horizon to its config, defaulting to a
// conservative medium-like profile when the operator's config omits it;
// this should not happen in practice since config.Load populates all three.
func horizonParams(cfg config.HorizonRiskConfig, h types.Horizon) config.HorizonParams {
	if p, ok := cfg[string(h)]; ok {
		return p
	}
	return config.HorizonParams{SLMultiplier: 1.5, TPMultiplier: 3.0, SLPct: 0.03, TPPct: 0.06, SizeFactor: 1.0, MinRR: 2.0}
}

// notionalFor is the horizon-scaled sizing formula shared by spot and
// futures: notional = balance * max_position_pct * horizon_size_factor
// [* leverage for futures], taking the smaller of that and any
// LLM-suggested size.
func notionalFor(balance decimal.Decimal, maxPositionPct float64, sizeFactor float64, leverage decimal.Decimal, llmSizePct decimal.Decimal) decimal.Decimal {
	notional := balance.Mul(decimal.NewFromFloat(maxPositionPct)).Mul(decimal.NewFromFloat(sizeFactor))
	if !leverage.IsZero() {
		notional = notional.Mul(leverage)
	}
	if llmSizePct.GreaterThan(decimal.Zero) {
		llmNotional := balance.Mul(llmSizePct)
		if leverage.GreaterThan(decimal.Zero) {
			llmNotional = llmNotional.Mul(leverage)
		}
		notional = utils.MinDecimal(notional, llmNotional)
	}
	return notional
}
