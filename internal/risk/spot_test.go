package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

func newSpotEvaluator(cfg config.SpotConfig) *SpotEvaluator {
	return NewSpotEvaluator(zap.NewNop(), cfg, config.HorizonRiskConfig{})
}

func TestSpotEvaluateBuyApproves(t *testing.T) {
	e := newSpotEvaluator(config.SpotConfig{MaxPositionPct: 0.1, MaxDailyLossPct: 0.05, MaxOpenPositions: 5})

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(100000), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if !result.Ok {
		t.Fatalf("expected approval, got rejection: %s", result.Rejected.Reason)
	}
	if !result.Approved.Quantity.GreaterThan(decimal.Zero) {
		t.Fatalf("expected positive quantity, got %s", result.Approved.Quantity)
	}
}

func TestSpotEvaluateBuyRejectsMinNotional(t *testing.T) {
	e := newSpotEvaluator(config.SpotConfig{MaxPositionPct: 0.01, MaxDailyLossPct: 0.05, MaxOpenPositions: 5})

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(1), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected rejection for sub-minimum notional")
	}
	if result.Rejected.Reason != "order notional below exchange minimum" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestSpotEvaluateBuyRejectsWhenAlreadyHolding(t *testing.T) {
	e := newSpotEvaluator(config.SpotConfig{MaxPositionPct: 0.1, MaxDailyLossPct: 0.05, MaxOpenPositions: 5})
	e.AddPosition(types.SpotPosition{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromInt(50000)})

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(100000), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected rejection for a symbol already held")
	}
}

func TestSpotEvaluateBuyRejectsMaxOpenPositions(t *testing.T) {
	e := newSpotEvaluator(config.SpotConfig{MaxPositionPct: 0.1, MaxDailyLossPct: 0.05, MaxOpenPositions: 0})

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(100000), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected rejection once max open positions is reached")
	}
	if result.Rejected.Reason != "max open positions reached" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestSpotEvaluateBuyRejectsDailyLossLimit(t *testing.T) {
	e := newSpotEvaluator(config.SpotConfig{MaxPositionPct: 0.1, MaxDailyLossPct: 0.05, MaxOpenPositions: 5})

	e.AddPosition(types.SpotPosition{Symbol: "ETH/USDT", Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(1000)})
	e.RemovePosition("ETH/USDT", decimal.NewFromInt(400)) // realizes -600, past a 500 (5% of 10000) floor

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(10000), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected rejection once the daily loss limit is breached")
	}
	if result.Rejected.Reason != "daily loss limit reached" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestSpotEvaluateSellRequiresPosition(t *testing.T) {
	e := newSpotEvaluator(config.SpotConfig{MaxPositionPct: 0.1, MaxDailyLossPct: 0.05, MaxOpenPositions: 5})

	result := e.Evaluate("BTC/USDT", types.SignalSell, decimal.NewFromInt(50000), decimal.NewFromInt(100000), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected rejection selling a symbol that isn't held")
	}

	e.AddPosition(types.SpotPosition{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(0.2), EntryPrice: decimal.NewFromInt(50000)})
	result = e.Evaluate("BTC/USDT", types.SignalSell, decimal.NewFromInt(51000), decimal.NewFromInt(100000), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if !result.Ok {
		t.Fatalf("expected approval closing a held position, got: %s", result.Rejected.Reason)
	}
	if !result.Approved.Quantity.Equal(decimal.NewFromFloat(0.2)) {
		t.Fatalf("expected the full held quantity, got %s", result.Approved.Quantity)
	}
}

func TestSpotRemovePositionAccumulatesDailyPnL(t *testing.T) {
	e := newSpotEvaluator(config.SpotConfig{MaxPositionPct: 0.1, MaxDailyLossPct: 0.05, MaxOpenPositions: 5})
	e.AddPosition(types.SpotPosition{Symbol: "BTC/USDT", Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(50000)})

	pnl := e.RemovePosition("BTC/USDT", decimal.NewFromInt(51000))
	if !pnl.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected realized pnl of 1000, got %s", pnl)
	}
	if !e.DailyPnL().Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected daily pnl to reflect the close, got %s", e.DailyPnL())
	}
	if _, held := e.Position("BTC/USDT"); held {
		t.Fatal("expected position to be cleared after close")
	}
}
