package backtester_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/backtester"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// alwaysBuyThenSell opens on the first bar it sees and closes on the next
// bar whose close is above its own entry close, enough to exercise both the
// signal-exit and fixed-percentage-exit paths.
type alwaysBuyThenSell struct {
	entryClose decimal.Decimal
	bought     bool
}

func (s *alwaysBuyThenSell) Name() string { return "test_strategy" }

func (s *alwaysBuyThenSell) OnBar(bar types.OrderFlowBar) types.Verdict {
	if !s.bought {
		s.bought = true
		s.entryClose = bar.Close
		return types.Verdict{Strategy: s.Name(), Signal: types.SignalBuy, Confidence: 0.9}
	}
	if bar.Close.GreaterThan(s.entryClose) {
		return types.Verdict{Strategy: s.Name(), Signal: types.SignalSell, Confidence: 0.9}
	}
	return types.Verdict{Strategy: s.Name(), Signal: types.SignalHold, Confidence: 0.1}
}

func writeAggTradeCSV(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "trades.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create csv: %v", err)
	}
	defer f.Close()

	f.WriteString("trade_id,price,quantity,timestamp,is_buyer_maker\n")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < 300; i++ {
		price += 0.05
		ts := base.Add(time.Duration(i) * 10 * time.Second).UnixMilli()
		fmt.Fprintf(f, "%d,%.2f,1.0,%d,false\n", i, price, ts)
	}
	return path
}

func TestEngineRun(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeAggTradeCSV(t, dir)

	cfg := backtester.DefaultConfig("SOL/USDT")
	cfg.BarDuration = time.Minute
	cfg.BuyThreshold = 0.5

	engine := backtester.NewEngine(zap.NewNop(), cfg)
	strat := &alwaysBuyThenSell{}

	sim, metrics, err := engine.Run(context.Background(), csvPath, strat)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sim == nil {
		t.Fatal("simulator is nil")
	}

	t.Logf("metrics: %s", metrics.String())

	if metrics.TotalTrades == 0 {
		t.Error("expected at least one trade over a rising tape")
	}
}

func TestEngineRejectsUnversionedHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(path, []byte("id,px,qty,ts,maker\n1,100,1,0,false\n"), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	cfg := backtester.DefaultConfig("SOL/USDT")
	engine := backtester.NewEngine(zap.NewNop(), cfg)
	_, _, err := engine.Run(context.Background(), path, &alwaysBuyThenSell{})
	if err == nil {
		t.Fatal("expected an error for an unrecognized header")
	}
}

func TestSimulatorBuySell(t *testing.T) {
	sim := backtester.NewSimulator(zap.NewNop(), decimal.NewFromInt(10000), decimal.NewFromFloat(0.001))

	sim.Buy(decimal.NewFromInt(100), decimal.NewFromFloat(0.5), decimal.NewFromInt(1000))
	if !sim.IsHolding() {
		t.Fatal("expected an open position after Buy")
	}

	sim.Sell(decimal.NewFromInt(110), decimal.NewFromInt(1000), "signal")
	if sim.IsHolding() {
		t.Fatal("expected a flat position after Sell")
	}
}
