// Package decision implements the LLM decision gate: it takes the cycle's
// strategy verdicts, the portfolio snapshot, pre-computed risk metrics and a
// multi-timeframe summary, asks the configured LLM client to adjudicate,
// and enforces the "non-HOLD must be supported" rule before handing a
// Decision back to the handler.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/llm"
	"github.com/helioslabs/trading-supervisor/internal/router"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// minConfidenceForOverride is the confidence floor above which an
// LLM-proposed action unsupported by any strategy verdict is still allowed
// through (at half size, enforced downstream by the handler).
const minConfidenceForOverride = 0.7

// Engine is the DecisionEngine component.
type Engine struct {
	client  llm.Client
	enabled bool
	logger  *zap.Logger
}

// Config controls the engine's behavior.
type Config struct {
	Enabled bool
}

// New builds a DecisionEngine. If cfg.Enabled is false, Decide always
// returns the router's weighted-vote fallback without calling client.
func New(logger *zap.Logger, client llm.Client, cfg Config) *Engine {
	return &Engine{client: client, enabled: cfg.Enabled, logger: logger}
}

// Input bundles everything Decide needs to build its prompt and validate
// the response.
type Input struct {
	Verdicts    []types.Verdict
	Portfolio   types.PortfolioState
	Symbol      string
	Price       decimal.Decimal
	MarketType  types.MarketType
	RiskMetrics *types.RiskMetrics
	MTFSummary  string
}

// Decide adjudicates the cycle's verdicts into a single Decision.
func (e *Engine) Decide(ctx context.Context, in Input) types.Decision {
	if allHold(in.Verdicts) {
		return types.Decision{Action: types.SignalHold, Confidence: 0, Horizon: types.HorizonMedium, Reasoning: "all strategies HOLD"}
	}

	if !e.enabled || e.client == nil {
		e.logger.Info("llm gate disabled, using weighted vote fallback")
		return fallback(in.Verdicts)
	}

	prompt := buildPrompt(in)
	text, err := e.client.Decide(ctx, prompt)
	if err != nil {
		e.logger.Warn("llm decision failed, falling back to HOLD", zap.Error(err))
		return types.Decision{Action: types.SignalHold, Confidence: 0, Reasoning: fmt.Sprintf("llm error: %v", err)}
	}

	decision := parseDecision(text)
	decision = enforceSupport(decision, in.Verdicts)

	e.logger.Info("llm decision",
		zap.String("symbol", in.Symbol),
		zap.String("action", string(decision.Action)),
		zap.Float64("confidence", decision.Confidence),
		zap.Bool("override", decision.LLMOverride),
	)
	return decision
}

func allHold(verdicts []types.Verdict) bool {
	for _, v := range verdicts {
		if v.Signal != types.SignalHold {
			return false
		}
	}
	return true
}

// fallback runs the un-weighted vote using a throwaway Router, used when
// the LLM gate is disabled or no client is configured. A failed client call
// does not reach here; Decide returns HOLD for it.
func fallback(verdicts []types.Verdict) types.Decision {
	r := router.New()
	for _, v := range verdicts {
		r.Collect(v)
	}
	vote := r.WeightedVote()
	return types.Decision{
		Action:     vote.Signal,
		Confidence: vote.Confidence,
		Horizon:    types.HorizonMedium,
		Reasoning:  "fallback weighted vote: " + vote.Reasoning,
	}
}

// llmResponse is the JSON shape the prompt asks the model to emit.
type llmResponse struct {
	Action          string  `json:"action"`
	Confidence      float64 `json:"confidence"`
	Horizon         string  `json:"horizon"`
	EntryPrice      float64 `json:"entry_price"`
	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	PositionSizePct float64 `json:"position_size_pct"`
	Reasoning       string  `json:"reasoning"`
}

// parseDecision extracts a JSON object from free text (stripping markdown
// code fences if present) and validates action/horizon, coercing invalid
// values to safe defaults.
func parseDecision(text string) types.Decision {
	obj := extractJSONObject(text)
	if obj == "" {
		return types.Decision{Action: types.SignalHold, Confidence: 0, Horizon: types.HorizonMedium, Reasoning: "unparseable llm response"}
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return types.Decision{Action: types.SignalHold, Confidence: 0, Horizon: types.HorizonMedium, Reasoning: "json decode failed: " + err.Error()}
	}

	action := types.Signal(strings.ToUpper(strings.TrimSpace(resp.Action)))
	confidence := resp.Confidence
	if !action.Valid() || action == "" {
		action = types.SignalHold
		confidence = 0
	}

	horizon := types.Horizon(strings.ToLower(strings.TrimSpace(resp.Horizon)))
	if !horizon.Valid() {
		horizon = types.HorizonMedium
	}

	d := types.Decision{
		Action:     action,
		Confidence: confidence,
		Horizon:    horizon,
		Reasoning:  resp.Reasoning,
	}
	if resp.EntryPrice > 0 {
		d.EntryPrice = decimal.NewFromFloat(resp.EntryPrice)
	}
	if resp.StopLoss > 0 {
		d.StopLoss = decimal.NewFromFloat(resp.StopLoss)
	}
	if resp.TakeProfit > 0 {
		d.TakeProfit = decimal.NewFromFloat(resp.TakeProfit)
	}
	if resp.PositionSizePct > 0 {
		d.PositionSizePct = decimal.NewFromFloat(resp.PositionSizePct)
	} else {
		d.PositionSizePct = decimal.NewFromFloat(0.02)
	}
	return d
}

// extractJSONObject strips ```json fences if present and returns the
// substring from the first '{' to its matching closing brace.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// equivalentClose reports whether action a closes the same kind of
// exposure verdict v calls for: SELL/SHORT are equivalent close-direction
// signals, as are BUY/COVER.
func equivalentClose(action, verdict types.Signal) bool {
	if action == verdict {
		return true
	}
	switch action {
	case types.SignalSell:
		return verdict == types.SignalShort
	case types.SignalShort:
		return verdict == types.SignalSell
	case types.SignalBuy:
		return verdict == types.SignalCover
	case types.SignalCover:
		return verdict == types.SignalBuy
	}
	return false
}

// enforceSupport: a non-HOLD action must match at least one strategy's
// signal, unless confidence >= 0.7 (flagged
// llm_override for the handler to halve size), unless it's a close action
// (SELL/COVER), which is always exempt because it only reduces risk.
func enforceSupport(d types.Decision, verdicts []types.Verdict) types.Decision {
	if d.Action == types.SignalHold {
		return d
	}
	if d.Action == types.SignalSell || d.Action == types.SignalCover {
		return d
	}

	for _, v := range verdicts {
		if equivalentClose(d.Action, v.Signal) {
			return d
		}
	}

	if d.Confidence >= minConfidenceForOverride {
		d.LLMOverride = true
		return d
	}

	return types.Decision{Action: types.SignalHold, Confidence: 0, Horizon: d.Horizon, Reasoning: "unsupported action below override confidence"}
}
