package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

func newFuturesEvaluator(cfg config.FuturesConfig) *FuturesEvaluator {
	return NewFuturesEvaluator(zap.NewNop(), cfg, config.HorizonRiskConfig{})
}

func TestFuturesReserveSlotAtomicity(t *testing.T) {
	e := newFuturesEvaluator(config.FuturesConfig{MaxOpenPositions: 5})

	first := e.ReserveSlot("BTC/USDT", types.PositionLong)
	second := e.ReserveSlot("BTC/USDT", types.PositionLong)
	if !first {
		t.Fatal("expected the first reservation to succeed")
	}
	if second {
		t.Fatal("expected a duplicate reservation for the same (symbol, side) to fail")
	}

	// a different side for the same symbol is a distinct slot.
	if !e.ReserveSlot("BTC/USDT", types.PositionShort) {
		t.Fatal("expected a reservation on the opposite side to succeed")
	}
}

func TestFuturesReserveSlotRespectsCapacity(t *testing.T) {
	e := newFuturesEvaluator(config.FuturesConfig{MaxOpenPositions: 1})

	if !e.ReserveSlot("BTC/USDT", types.PositionLong) {
		t.Fatal("expected the first reservation under capacity to succeed")
	}
	if e.ReserveSlot("ETH/USDT", types.PositionLong) {
		t.Fatal("expected a reservation beyond max_open_positions to fail")
	}

	e.ReleaseSlot("BTC/USDT", types.PositionLong)
	if !e.ReserveSlot("ETH/USDT", types.PositionLong) {
		t.Fatal("expected capacity to free up after ReleaseSlot")
	}
}

func TestFuturesEvaluateOpenApprovesAfterReservation(t *testing.T) {
	e := newFuturesEvaluator(config.FuturesConfig{MaxOpenPositions: 5, MaxPositionPct: 0.1, MaxDailyLossPct: 0.1, MaxMarginRatio: 0.8})

	if !e.ReserveSlot("BTC/USDT", types.PositionLong) {
		t.Fatal("expected the reservation to succeed")
	}

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(100000), decimal.NewFromFloat(0.1), decimal.NewFromInt(5), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if !result.Ok {
		t.Fatalf("expected an already-reserved open to be approved, got rejection: %s", result.Rejected.Reason)
	}

	e.ConfirmPosition(types.FuturesPosition{
		Symbol: "BTC/USDT", Side: types.PositionLong,
		Quantity: result.Approved.Quantity, EntryPrice: decimal.NewFromInt(50000), Leverage: decimal.NewFromInt(5),
	})
	if _, held := e.Position("BTC/USDT"); !held {
		t.Fatal("expected ConfirmPosition to record the open position")
	}
}

func TestFuturesEvaluateOpenRejectsMinNotional(t *testing.T) {
	e := newFuturesEvaluator(config.FuturesConfig{MaxOpenPositions: 5, MaxPositionPct: 0.001, MaxDailyLossPct: 0.1, MaxMarginRatio: 0.8})
	e.ReserveSlot("BTC/USDT", types.PositionLong)

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(10), decimal.NewFromFloat(0.1), decimal.NewFromInt(1), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected rejection for sub-minimum notional")
	}
	if result.Rejected.Reason != "order notional below exchange minimum" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestFuturesEvaluateOpenRejectsMarginRatio(t *testing.T) {
	e := newFuturesEvaluator(config.FuturesConfig{MaxOpenPositions: 5, MaxPositionPct: 0.1, MaxDailyLossPct: 0.1, MaxMarginRatio: 0.8})
	e.ReserveSlot("BTC/USDT", types.PositionLong)

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(100000), decimal.NewFromFloat(0.9), decimal.NewFromInt(5), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected rejection once margin ratio is at or above the configured max")
	}
	if result.Rejected.Reason != "margin ratio at or above max" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestFuturesEvaluateCloseRequiresMatchingSide(t *testing.T) {
	e := newFuturesEvaluator(config.FuturesConfig{MaxOpenPositions: 5})
	e.ConfirmPosition(types.FuturesPosition{Symbol: "BTC/USDT", Side: types.PositionLong, Quantity: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromInt(50000), Leverage: decimal.NewFromInt(5)})

	// COVER targets a short; this position is long, so it should be rejected.
	result := e.Evaluate("BTC/USDT", types.SignalCover, decimal.NewFromInt(51000), decimal.NewFromInt(100000), decimal.NewFromFloat(0.1), decimal.NewFromInt(5), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if result.Ok {
		t.Fatal("expected COVER against a long position to be rejected")
	}

	result = e.Evaluate("BTC/USDT", types.SignalSell, decimal.NewFromInt(51000), decimal.NewFromInt(100000), decimal.NewFromFloat(0.1), decimal.NewFromInt(5), types.HorizonMedium, decimal.Zero, decimal.Zero, decimal.Zero, nil)
	if !result.Ok {
		t.Fatalf("expected SELL against a long position to be approved, got: %s", result.Rejected.Reason)
	}
}

func TestFuturesLiquidationPriceLongShort(t *testing.T) {
	price := decimal.NewFromInt(50000)
	leverage := decimal.NewFromInt(10)

	longLiq := LiquidationPrice(price, leverage, true)
	if !longLiq.LessThan(price) {
		t.Fatalf("expected a long liquidation price below entry, got %s", longLiq)
	}

	shortLiq := LiquidationPrice(price, leverage, false)
	if !shortLiq.GreaterThan(price) {
		t.Fatalf("expected a short liquidation price above entry, got %s", shortLiq)
	}
}
