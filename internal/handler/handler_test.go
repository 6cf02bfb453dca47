package handler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

func TestTranslateSignalTable(t *testing.T) {
	long := types.FuturesPosition{Symbol: "BTC/USDT", Side: types.PositionLong, Quantity: decimal.NewFromFloat(0.1)}
	short := types.FuturesPosition{Symbol: "BTC/USDT", Side: types.PositionShort, Quantity: decimal.NewFromFloat(0.1)}

	cases := []struct {
		name string
		raw  types.Signal
		pos  types.FuturesPosition
		held bool
		want types.Signal
	}{
		{"buy flat opens long", types.SignalBuy, types.FuturesPosition{}, false, types.SignalBuy},
		{"buy with long holds", types.SignalBuy, long, true, types.SignalHold},
		{"buy with short covers", types.SignalBuy, short, true, types.SignalCover},
		{"sell flat opens short", types.SignalSell, types.FuturesPosition{}, false, types.SignalShort},
		{"sell with long closes", types.SignalSell, long, true, types.SignalSell},
		{"sell with short holds", types.SignalSell, short, true, types.SignalHold},
		{"short flat opens short", types.SignalShort, types.FuturesPosition{}, false, types.SignalShort},
		{"short with long holds", types.SignalShort, long, true, types.SignalHold},
		{"short with short holds", types.SignalShort, short, true, types.SignalHold},
		{"cover flat holds", types.SignalCover, types.FuturesPosition{}, false, types.SignalHold},
		{"cover with long holds", types.SignalCover, long, true, types.SignalHold},
		{"cover with short covers", types.SignalCover, short, true, types.SignalCover},
		{"hold stays hold", types.SignalHold, long, true, types.SignalHold},
	}

	for _, tc := range cases {
		if got := translateSignal(tc.raw, tc.pos, tc.held); got != tc.want {
			t.Errorf("%s: translateSignal(%s) = %s, want %s", tc.name, tc.raw, got, tc.want)
		}
	}
}

func TestApplyConfidenceFloor(t *testing.T) {
	d := types.Decision{Action: types.SignalBuy, Confidence: 0.4, Horizon: types.HorizonShort}

	floored := applyConfidenceFloor(d, 0.55)
	if floored.Action != types.SignalHold {
		t.Fatalf("expected HOLD below the floor, got %s", floored.Action)
	}
	if floored.Horizon != types.HorizonShort {
		t.Fatalf("expected the horizon preserved through flooring, got %s", floored.Horizon)
	}

	passed := applyConfidenceFloor(types.Decision{Action: types.SignalBuy, Confidence: 0.6}, 0.55)
	if passed.Action != types.SignalBuy {
		t.Fatalf("expected the decision to pass at or above the floor, got %s", passed.Action)
	}
}

func TestBelowMinimumHold(t *testing.T) {
	justOpened := time.Now().UTC().Add(-time.Minute)
	if !belowMinimumHold(justOpened, types.HorizonShort) {
		t.Fatal("a position opened a minute ago is inside every hold window")
	}

	twoHoursAgo := time.Now().UTC().Add(-2 * time.Hour)
	if belowMinimumHold(twoHoursAgo, types.HorizonShort) {
		t.Fatal("a short-horizon position older than 60 minutes may close")
	}
	if !belowMinimumHold(twoHoursAgo, types.HorizonMedium) {
		t.Fatal("a medium-horizon position younger than 240 minutes must not close")
	}

	// unknown horizons use the medium window.
	if !belowMinimumHold(twoHoursAgo, types.Horizon("weird")) {
		t.Fatal("an unknown horizon should fall back to the medium hold window")
	}
}

func TestCooldownGuard(t *testing.T) {
	st := newSymbolState()
	if withinCooldown(st, 30) {
		t.Fatal("a symbol that never closed cannot be in cooldown")
	}

	recordClose(st)
	if !withinCooldown(st, 30) {
		t.Fatal("a symbol that just closed must be in cooldown")
	}
	if withinCooldown(st, 0) {
		t.Fatal("a zero-minute cooldown never blocks")
	}
}

func TestFinestTimeframe(t *testing.T) {
	roster := strategyRoster{ohlcv: []ohlcvStrategySpec{
		{tf: types.Timeframe("1h")},
		{tf: types.Timeframe("5m")},
		{tf: types.Timeframe("4h")},
	}}
	if got := finestTimeframe(roster, "1h"); got != types.Timeframe("5m") {
		t.Fatalf("expected 5m as the finest timeframe, got %s", got)
	}
	if got := finestTimeframe(strategyRoster{}, "15m"); got != types.Timeframe("15m") {
		t.Fatalf("expected the default timeframe for an empty roster, got %s", got)
	}
}

func TestPrimarySignal(t *testing.T) {
	verdicts := []types.Verdict{
		{Signal: types.SignalHold},
		{Signal: types.SignalShort},
		{Signal: types.SignalBuy},
	}
	if got := primarySignal(verdicts); got != types.SignalShort {
		t.Fatalf("expected the first non-HOLD verdict's signal, got %s", got)
	}
	if got := primarySignal([]types.Verdict{{Signal: types.SignalHold}}); got != types.SignalHold {
		t.Fatalf("expected HOLD when every verdict holds, got %s", got)
	}
}
