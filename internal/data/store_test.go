package data

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

func bar(ts time.Time, o, h, l, c float64) *types.OHLCV {
	return &types.OHLCV{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromInt(10),
	}
}

func writeCandleFile(t *testing.T, dataDir, symbol string, tf types.Timeframe, bars []*types.OHLCV) {
	t.Helper()
	raw, err := json.Marshal(bars)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dataDir, "candles", fileName(symbol, tf))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOHLCVReadsFileAndSlicesRange(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var bars []*types.OHLCV
	for i := 0; i < 10; i++ {
		bars = append(bars, bar(base.Add(time.Duration(i)*time.Hour), 100, 101, 99, 100))
	}
	writeCandleFile(t, dir, "BTC/USDT", "1h", bars)

	got, err := s.LoadOHLCV(context.Background(), "BTC/USDT", "1h", base.Add(2*time.Hour), base.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("LoadOHLCV: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected the inclusive [2h,5h] slice (4 bars), got %d", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("wrong slice start: %s", got[0].Timestamp)
	}
}

func TestLoadOHLCVDropsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base, 100, 101, 99, 100),
		bar(base.Add(time.Hour), 100, 95, 99, 100), // high below open: malformed
		bar(base.Add(2*time.Hour), 100, 101, 99, 100),
	}
	writeCandleFile(t, dir, "ETH/USDT", "1h", bars)

	got, err := s.LoadOHLCV(context.Background(), "ETH/USDT", "1h", base, base.Add(3*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the malformed row dropped, got %d bars", len(got))
	}
}

func TestLoadOHLCVSyntheticIsDeterministic(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	a, err := NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	seriesA, err := a.LoadOHLCV(ctx, "BTC/USDT", "1m", start, end)
	if err != nil {
		t.Fatal(err)
	}
	seriesB, err := b.LoadOHLCV(ctx, "BTC/USDT", "1m", start, end)
	if err != nil {
		t.Fatal(err)
	}

	if len(seriesA) == 0 || len(seriesA) != len(seriesB) {
		t.Fatalf("expected matching non-empty synthetic series, got %d/%d", len(seriesA), len(seriesB))
	}
	for i := range seriesA {
		if !seriesA[i].Close.Equal(seriesB[i].Close) {
			t.Fatalf("synthetic tape diverged at bar %d: %s vs %s", i, seriesA[i].Close, seriesB[i].Close)
		}
	}
}

func TestGetAvailableSymbols(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	writeCandleFile(t, dir, "BTC/USDT", "1h", []*types.OHLCV{bar(base, 100, 101, 99, 100)})
	writeCandleFile(t, dir, "ETH/USDT", "1h", []*types.OHLCV{bar(base, 100, 101, 99, 100)})
	writeCandleFile(t, dir, "ETH/USDT", "5m", []*types.OHLCV{bar(base, 100, 101, 99, 100)})

	symbols := s.GetAvailableSymbols()
	if len(symbols) != 2 {
		t.Fatalf("expected 2 distinct symbols, got %v", symbols)
	}
	if symbols[0] != "BTC/USDT" || symbols[1] != "ETH/USDT" {
		t.Fatalf("expected sorted slash-form symbols, got %v", symbols)
	}
}

func TestValidateOHLCVCountsGapsAndOrdering(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base, 100, 101, 99, 100),
		bar(base.Add(time.Hour), 100, 101, 99, 100),
		bar(base.Add(30*time.Minute), 100, 101, 99, 100), // regression
		bar(base.Add(4*time.Hour), 100, 101, 99, 100),    // gap
	}

	kept, report := ValidateOHLCV("BTC/USDT", "1h", time.Hour, bars)
	if len(kept) != 3 {
		t.Fatalf("expected the out-of-order row dropped, kept %d", len(kept))
	}
	if report.OutOfOrder != 1 || report.Dropped != 1 {
		t.Fatalf("expected 1 out-of-order drop, got %+v", report)
	}
	if report.Gaps != 1 {
		t.Fatalf("expected one gap counted, got %d", report.Gaps)
	}
	if report.Clean() {
		t.Fatal("a window with drops and gaps is not clean")
	}
}
