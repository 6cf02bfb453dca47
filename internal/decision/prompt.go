package decision

import (
	"fmt"
	"strings"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// buildPrompt assembles the markdown prompt sent to the LLM: a
// per-strategy verdict section, a portfolio section, a risk-metrics
// section and an MTF section, followed by an instruction to return a
// single JSON object.
func buildPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Trading decision request: %s (%s)\n\n", in.Symbol, in.MarketType)
	fmt.Fprintf(&b, "Current price: %s\n\n", in.Price.String())

	b.WriteString("## Strategy verdicts\n")
	for _, v := range in.Verdicts {
		fmt.Fprintf(&b, "- **%s** [%s]: %s (confidence %.2f): %s\n",
			v.Strategy, v.Timeframe, v.Signal, v.Confidence, v.Reasoning)
		for name, val := range v.Indicators {
			fmt.Fprintf(&b, "  - %s: %.4f\n", name, val)
		}
	}

	b.WriteString("\n## Portfolio\n")
	fmt.Fprintf(&b, "- available balance: %s\n", in.Portfolio.AvailableBalance.String())
	fmt.Fprintf(&b, "- open positions: %d / %d\n", in.Portfolio.CurrentCount, in.Portfolio.MaxPositions)
	fmt.Fprintf(&b, "- daily realized pnl: %s\n", in.Portfolio.DailyRealizedPnL.String())
	fmt.Fprintf(&b, "- daily risk remaining: %s\n", in.Portfolio.DailyRiskRemaining.String())
	if in.MarketType == types.MarketFutures {
		fmt.Fprintf(&b, "- margin ratio: %s, leverage: %s\n", in.Portfolio.MarginRatio.String(), in.Portfolio.Leverage.String())
	}

	if in.RiskMetrics != nil {
		b.WriteString("\n## Pre-computed risk metrics (advisory)\n")
		fmt.Fprintf(&b, "- stop loss: %s, take profit: %s\n", in.RiskMetrics.StopLoss.String(), in.RiskMetrics.TakeProfit.String())
		fmt.Fprintf(&b, "- risk:reward: %s (passes min: %v)\n", in.RiskMetrics.RiskReward.String(), in.RiskMetrics.PassesMinRR)
		if in.RiskMetrics.Reason != "" {
			fmt.Fprintf(&b, "- note: %s\n", in.RiskMetrics.Reason)
		}
	}

	if in.MTFSummary != "" {
		b.WriteString("\n## Multi-timeframe summary\n")
		b.WriteString(in.MTFSummary)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with exactly one JSON object, no prose outside it, matching:\n")
	b.WriteString("{\"action\": \"BUY|SELL|SHORT|COVER|HOLD\", \"confidence\": 0.0-1.0, \"horizon\": \"short|medium|long\", ")
	b.WriteString("\"stop_loss\": number, \"take_profit\": number, \"position_size_pct\": number, \"reasoning\": \"short explanation\"}\n")

	return b.String()
}
