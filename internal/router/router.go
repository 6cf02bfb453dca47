// Package router accumulates strategy verdicts for a single symbol/cycle
// invocation. A Router must never be shared across symbols or cycles.
package router

import "github.com/helioslabs/trading-supervisor/pkg/types"

// Router collects Verdicts emitted during one handler invocation.
type Router struct {
	verdicts []types.Verdict
}

// New returns an empty Router. Callers must construct a fresh one per
// (symbol, cycle) invocation.
func New() *Router {
	return &Router{}
}

// Collect records a verdict.
func (r *Router) Collect(v types.Verdict) {
	r.verdicts = append(r.verdicts, v)
}

// Verdicts returns all collected verdicts in collection order.
func (r *Router) Verdicts() []types.Verdict {
	return r.verdicts
}

// WeightedVote produces a synthetic verdict by averaging confidence per
// signal across all collected verdicts (equal weight), choosing the
// higher of the buy-side and sell-side scores if it exceeds 0.3, else
// HOLD. Used only when the LLM gate is disabled.
func (r *Router) WeightedVote() types.Verdict {
	if len(r.verdicts) == 0 {
		return types.Verdict{Signal: types.SignalHold, Confidence: 0, Reasoning: "no verdicts"}
	}

	var buyScore, sellScore, totalWeight float64
	for _, v := range r.verdicts {
		const weight = 1.0
		totalWeight += weight
		switch v.Signal {
		case types.SignalBuy, types.SignalCover:
			buyScore += v.Confidence * weight
		case types.SignalSell, types.SignalShort:
			sellScore += v.Confidence * weight
		}
	}
	if totalWeight > 0 {
		buyScore /= totalWeight
		sellScore /= totalWeight
	}

	switch {
	case buyScore > sellScore && buyScore > 0.3:
		return types.Verdict{Signal: types.SignalBuy, Confidence: buyScore, Reasoning: "weighted vote fallback"}
	case sellScore > buyScore && sellScore > 0.3:
		return types.Verdict{Signal: types.SignalSell, Confidence: sellScore, Reasoning: "weighted vote fallback"}
	default:
		return types.Verdict{Signal: types.SignalHold, Confidence: 0, Reasoning: "weighted vote fallback"}
	}
}
