package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

type scriptedLLM struct {
	reply string
	err   error
}

func (s *scriptedLLM) Decide(ctx context.Context, prompt string) (string, error) {
	return s.reply, s.err
}

func input(verdicts ...types.Verdict) Input {
	return Input{
		Verdicts:   verdicts,
		Symbol:     "BTC/USDT",
		Price:      decimal.NewFromInt(50000),
		MarketType: types.MarketSpot,
	}
}

func buyVerdict(conf float64) types.Verdict {
	return types.Verdict{Strategy: "sma_crossover", Signal: types.SignalBuy, Confidence: conf}
}

func TestDecideAllHoldShortCircuits(t *testing.T) {
	e := New(zap.NewNop(), &scriptedLLM{reply: `{"action":"BUY","confidence":0.9}`}, Config{Enabled: true})

	d := e.Decide(context.Background(), input(types.Verdict{Signal: types.SignalHold}))
	if d.Action != types.SignalHold {
		t.Fatalf("expected HOLD without calling the llm, got %s", d.Action)
	}
}

func TestDecideDisabledUsesFallbackVote(t *testing.T) {
	e := New(zap.NewNop(), nil, Config{Enabled: false})

	d := e.Decide(context.Background(), input(buyVerdict(0.8)))
	if d.Action != types.SignalBuy {
		t.Fatalf("expected the weighted-vote fallback to return BUY, got %s", d.Action)
	}
}

func TestDecideLLMErrorCollapsesToHold(t *testing.T) {
	e := New(zap.NewNop(), &scriptedLLM{err: errors.New("timeout")}, Config{Enabled: true})

	d := e.Decide(context.Background(), input(buyVerdict(0.8)))
	if d.Action != types.SignalHold {
		t.Fatalf("expected HOLD on llm failure, got %s", d.Action)
	}
}

func TestDecideSupportedActionPassesThrough(t *testing.T) {
	e := New(zap.NewNop(), &scriptedLLM{
		reply: `{"action":"BUY","confidence":0.7,"horizon":"medium","stop_loss":48500,"take_profit":53000,"position_size_pct":0.02}`,
	}, Config{Enabled: true})

	d := e.Decide(context.Background(), input(buyVerdict(0.6)))
	if d.Action != types.SignalBuy {
		t.Fatalf("expected BUY, got %s", d.Action)
	}
	if d.LLMOverride {
		t.Fatal("supported action must not be flagged as an override")
	}
	if !d.StopLoss.Equal(decimal.NewFromInt(48500)) || !d.TakeProfit.Equal(decimal.NewFromInt(53000)) {
		t.Fatalf("expected sl/tp carried through, got %s/%s", d.StopLoss, d.TakeProfit)
	}
}

func TestDecideUnsupportedHighConfidenceFlagsOverride(t *testing.T) {
	e := New(zap.NewNop(), &scriptedLLM{reply: `{"action":"SHORT","confidence":0.75,"horizon":"short"}`}, Config{Enabled: true})

	d := e.Decide(context.Background(), input(buyVerdict(0.6)))
	if d.Action != types.SignalShort {
		t.Fatalf("expected the high-confidence SHORT to pass, got %s", d.Action)
	}
	if !d.LLMOverride {
		t.Fatal("expected llm_override to be set for an unsupported action")
	}
}

func TestDecideUnsupportedLowConfidenceHolds(t *testing.T) {
	e := New(zap.NewNop(), &scriptedLLM{reply: `{"action":"SHORT","confidence":0.6}`}, Config{Enabled: true})

	d := e.Decide(context.Background(), input(buyVerdict(0.6)))
	if d.Action != types.SignalHold {
		t.Fatalf("expected HOLD for unsupported action below override confidence, got %s", d.Action)
	}
}

func TestDecideSellIsExemptFromSupport(t *testing.T) {
	e := New(zap.NewNop(), &scriptedLLM{reply: `{"action":"SELL","confidence":0.4}`}, Config{Enabled: true})

	d := e.Decide(context.Background(), input(buyVerdict(0.6)))
	if d.Action != types.SignalSell {
		t.Fatalf("expected SELL to pass the support check unconditionally, got %s", d.Action)
	}
	if d.LLMOverride {
		t.Fatal("a close action must not carry the override flag")
	}
}

func TestParseDecisionStripsFences(t *testing.T) {
	d := parseDecision("```json\n{\"action\":\"buy\",\"confidence\":0.8,\"horizon\":\"LONG\"}\n```")
	if d.Action != types.SignalBuy {
		t.Fatalf("expected case-insensitive BUY, got %s", d.Action)
	}
	if d.Horizon != types.HorizonLong {
		t.Fatalf("expected lower-cased horizon, got %s", d.Horizon)
	}
}

func TestParseDecisionInvalidActionCoercesToHold(t *testing.T) {
	d := parseDecision(`{"action":"LEVERAGE_UP","confidence":0.9}`)
	if d.Action != types.SignalHold || d.Confidence != 0 {
		t.Fatalf("expected HOLD/0 for an invalid action, got %s/%f", d.Action, d.Confidence)
	}
}

func TestParseDecisionInvalidHorizonDefaultsMedium(t *testing.T) {
	d := parseDecision(`{"action":"BUY","confidence":0.5,"horizon":"forever"}`)
	if d.Horizon != types.HorizonMedium {
		t.Fatalf("expected medium horizon default, got %s", d.Horizon)
	}
}

func TestParseDecisionGarbageIsHold(t *testing.T) {
	for _, text := range []string{"", "no json here", "{truncated"} {
		if d := parseDecision(text); d.Action != types.SignalHold {
			t.Fatalf("expected HOLD for %q, got %s", text, d.Action)
		}
	}
}

func TestParseDecisionDefaultsSizePct(t *testing.T) {
	d := parseDecision(`{"action":"BUY","confidence":0.5}`)
	if !d.PositionSizePct.Equal(decimal.NewFromFloat(0.02)) {
		t.Fatalf("expected the 0.02 default size, got %s", d.PositionSizePct)
	}
}

func TestParseDecisionFindsObjectInsideProse(t *testing.T) {
	d := parseDecision(`After reviewing the verdicts: {"action":"BUY","confidence":0.66,"reasoning":"momentum {strong}"} hope that helps`)
	if d.Action != types.SignalBuy || d.Confidence != 0.66 {
		t.Fatalf("expected the embedded object parsed, got %+v", d)
	}
}
