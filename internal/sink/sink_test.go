package sink

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

func newStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}
	return s
}

func TestPositionsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newStore(t, dir)
	s.UpsertSpotPosition(ctx, types.SpotPosition{
		Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(50000),
		StopLoss: decimal.NewFromInt(48500), TakeProfit: decimal.NewFromInt(53000),
		OpenedAt: time.Now().UTC(), EntryHorizon: types.HorizonMedium,
	})
	s.UpsertFuturesPosition(ctx, types.FuturesPosition{
		Symbol: "ETH/USDT", Side: types.PositionShort, Quantity: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(3000), Leverage: decimal.NewFromInt(5),
	})
	s.Close()

	reopened := newStore(t, dir)
	defer reopened.Close()

	spot, fut := reopened.RehydratePositions()
	if len(spot) != 1 || len(fut) != 1 {
		t.Fatalf("expected 1 spot + 1 futures position after restart, got %d/%d", len(spot), len(fut))
	}
	if !spot["BTC/USDT"].Quantity.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("spot quantity drifted: %s", spot["BTC/USDT"].Quantity)
	}
	if fut["ETH/USDT"].Side != types.PositionShort {
		t.Fatalf("futures side drifted: %s", fut["ETH/USDT"].Side)
	}
}

func TestUpsertIsIdempotentAndDeleteRepeats(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newStore(t, dir)
	defer s.Close()

	p := types.SpotPosition{Symbol: "BTC/USDT", Quantity: decimal.NewFromInt(1)}
	s.UpsertSpotPosition(ctx, p)
	s.UpsertSpotPosition(ctx, p)

	spot, _ := s.RehydratePositions()
	if len(spot) != 1 {
		t.Fatalf("repeated upsert must not duplicate, got %d", len(spot))
	}

	s.DeleteSpotPosition(ctx, "BTC/USDT")
	s.DeleteSpotPosition(ctx, "BTC/USDT") // repeat delete is a no-op

	spot, _ = s.RehydratePositions()
	if len(spot) != 0 {
		t.Fatalf("expected position removed, got %d", len(spot))
	}
}

func TestCycleCounterSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s := newStore(t, dir)
	s.SaveCycle(42, "cycle-42")
	s.Close()

	reopened := newStore(t, dir)
	defer reopened.Close()
	num, id := reopened.RehydrateCycle()
	if num != 42 || id != "cycle-42" {
		t.Fatalf("expected cycle 42/cycle-42 after restart, got %d/%s", num, id)
	}
}

func TestOrderFlowBarCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newStore(t, dir)
	defer s.Close()

	bars := []types.OrderFlowBar{
		{
			Symbol: "BTC/USDT",
			Open:   decimal.NewFromInt(100), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100),
			BuyVolume: decimal.NewFromInt(5), SellVolume: decimal.NewFromInt(3),
			TradeCount: 8, VWAP: decimal.NewFromInt(100),
			Footprint: map[string]types.FootprintLevel{"100.00": {BuyVolume: decimal.NewFromInt(5)}},
		},
	}
	s.SaveOrderFlowBars(ctx, "BTC/USDT", bars)

	loaded := s.LoadOrderFlowBars(ctx, "BTC/USDT")
	if len(loaded) != 1 {
		t.Fatalf("expected 1 cached bar, got %d", len(loaded))
	}
	if !loaded[0].BuyVolume.Equal(decimal.NewFromInt(5)) || loaded[0].TradeCount != 8 {
		t.Fatalf("bar fields drifted: %+v", loaded[0])
	}
	// the footprint is deliberately excluded from serialization.
	if len(loaded[0].Footprint) != 0 {
		t.Fatal("footprint must not survive the cache round trip")
	}

	if got := s.LoadOrderFlowBars(ctx, "UNKNOWN/USDT"); got != nil {
		t.Fatalf("expected nil for a symbol with no cache, got %v", got)
	}
}

func TestConfigPushAndLoadNewest(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	defer s.Close()

	v1, err := s.PushConfig(map[string]interface{}{"spot": map[string]interface{}{"max_position_pct": 0.02}}, "first")
	if err != nil || v1 != 1 {
		t.Fatalf("expected version 1, got %d (%v)", v1, err)
	}
	v2, err := s.PushConfig(map[string]interface{}{"spot": map[string]interface{}{"max_position_pct": 0.03}}, "second")
	if err != nil || v2 != 2 {
		t.Fatalf("expected version 2, got %d (%v)", v2, err)
	}

	cfg, version, found, err := s.LoadConfig(1)
	if err != nil || !found {
		t.Fatalf("expected a newer config to be found: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected the newest version, got %d", version)
	}
	if cfg["spot"].(map[string]interface{})["max_position_pct"] != 0.03 {
		t.Fatalf("unexpected config payload: %v", cfg)
	}

	if _, _, found, _ := s.LoadConfig(2); found {
		t.Fatal("no config newer than the applied version should be reported")
	}
}

func TestAppendOnlyRecordsDoNotBlock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newStore(t, dir)

	s.RecordVerdict(ctx, "BTC/USDT", types.MarketSpot, types.Verdict{Strategy: "sma_crossover", Signal: types.SignalBuy, Confidence: 0.6})
	s.RecordDecision(ctx, "BTC/USDT", types.MarketSpot, types.Decision{Action: types.SignalBuy, Confidence: 0.7})
	s.RecordOrder(ctx, types.Order{ID: "o-1", Symbol: "BTC/USDT"})
	s.RecordBalance(ctx, "USDT", decimal.NewFromInt(1000))
	s.RecordHeartbeat(ctx, 7)
	s.RecordLoanHealth(ctx, 0.5, "none")

	// Close flushes the buffer; nothing above may have errored or blocked.
	s.Close()
}
