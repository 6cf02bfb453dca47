package backtester

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/strategy"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// csvHeaderV1 is the recognized aggTrade tape header. A file whose header
// doesn't match is rejected rather than silently misparsed.
const csvHeaderV1 = "trade_id,price,quantity,timestamp,is_buyer_maker"

// Config parameterizes one replay run.
type Config struct {
	Symbol          string
	BarDuration     time.Duration
	InitialBalance  decimal.Decimal
	CommissionPct   decimal.Decimal
	PositionPct     decimal.Decimal // fraction of balance committed per entry
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal
	BuyThreshold    float64 // min verdict confidence to open
	SellOnAnySignal bool    // not read by Run, which closes on any SELL verdict
}

// DefaultConfig returns replay defaults: a 2% stop-loss and 4% take-profit,
// tighter than the spot risk section's 3%/6% config defaults.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:         symbol,
		BarDuration:    time.Minute,
		InitialBalance: decimal.NewFromInt(10000),
		CommissionPct:  decimal.NewFromFloat(0.001),
		PositionPct:    decimal.NewFromFloat(0.95),
		StopLossPct:    decimal.NewFromFloat(0.02),
		TakeProfitPct:  decimal.NewFromFloat(0.04),
		BuyThreshold:   0.5,
	}
}

// Engine replays a recorded aggTrade CSV tape through one
// OrderFlowStrategy.
type Engine struct {
	logger *zap.Logger
	cfg    Config
}

// NewEngine builds an Engine.
func NewEngine(logger *zap.Logger, cfg Config) *Engine {
	return &Engine{logger: logger.Named("backtester"), cfg: cfg}
}

// Run streams aggTradeFile through strat's BarAggregator, opening on a BUY
// verdict at or above BuyThreshold and closing on any SELL verdict
// (whatever its confidence) or a fixed percentage stop-loss/take-profit,
// whichever triggers first. A position still open at the end of the tape is
// closed at its entry price. It returns the populated Simulator and derived
// Metrics.
func (e *Engine) Run(ctx context.Context, aggTradeFile string, strat strategy.OrderFlowStrategy) (*Simulator, Metrics, error) {
	f, err := os.Open(aggTradeFile)
	if err != nil {
		return nil, Metrics{}, fmt.Errorf("backtester: open %s: %w", aggTradeFile, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	header, err := r.Read()
	if err != nil {
		return nil, Metrics{}, fmt.Errorf("backtester: read header: %w", err)
	}
	if joinCSV(header) != csvHeaderV1 {
		return nil, Metrics{}, fmt.Errorf("backtester: unrecognized aggtrade file header %q, expected %q", joinCSV(header), csvHeaderV1)
	}

	sim := NewSimulator(e.logger, e.cfg.InitialBalance, e.cfg.CommissionPct)
	agg := strategy.NewBarAggregator(e.cfg.Symbol, e.cfg.BarDuration)

	var barsSeen int
	var firstTs, lastTs time.Time

	for {
		if err := ctx.Err(); err != nil {
			return sim, Metrics{}, err
		}
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, Metrics{}, fmt.Errorf("backtester: parse row: %w", err)
		}

		trade, err := parseRow(record)
		if err != nil {
			e.logger.Warn("skipping malformed row", zap.Error(err))
			continue
		}
		if firstTs.IsZero() {
			firstTs = trade.Timestamp
		}
		lastTs = trade.Timestamp

		bar, closed := agg.Add(trade)
		if !closed {
			e.checkStopsAndTargets(sim, trade.Price, decimal.Zero)
			continue
		}
		barsSeen++

		e.checkStopsAndTargets(sim, bar.Close, bar.Volume())

		verdict := strat.OnBar(bar)
		e.applyVerdict(sim, verdict, bar.Close, bar.Volume())
		sim.SnapshotEquity(bar.Close)
	}

	if sim.IsHolding() && lastTs.After(firstTs) {
		sim.Sell(sim.entryPrice, decimal.Zero, "end_of_data")
	}

	barsPerDay := 0.0
	if !firstTs.IsZero() && lastTs.After(firstTs) {
		days := lastTs.Sub(firstTs).Hours() / 24
		if days > 0 {
			barsPerDay = float64(barsSeen) / days
		}
	}

	metrics := CalculateMetrics(sim, barsPerDay, 365)
	return sim, metrics, nil
}

func (e *Engine) applyVerdict(sim *Simulator, v types.Verdict, price, volume decimal.Decimal) {
	switch {
	case v.Signal == types.SignalBuy && v.Confidence >= e.cfg.BuyThreshold && !sim.IsHolding():
		sim.Buy(price, e.cfg.PositionPct, volume)
	case v.Signal == types.SignalSell && sim.IsHolding():
		sim.Sell(price, volume, "signal")
	}
}

func (e *Engine) checkStopsAndTargets(sim *Simulator, price, volume decimal.Decimal) {
	if !sim.IsHolding() {
		return
	}
	entry := sim.EntryPrice()
	slPrice := entry.Mul(decimal.NewFromInt(1).Sub(e.cfg.StopLossPct))
	tpPrice := entry.Mul(decimal.NewFromInt(1).Add(e.cfg.TakeProfitPct))
	switch {
	case price.LessThanOrEqual(slPrice):
		sim.Sell(price, volume, "stop_loss")
	case price.GreaterThanOrEqual(tpPrice):
		sim.Sell(price, volume, "take_profit")
	}
}

func parseRow(record []string) (types.RawTrade, error) {
	if len(record) < 5 {
		return types.RawTrade{}, fmt.Errorf("expected 5 columns, got %d", len(record))
	}
	tradeID, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return types.RawTrade{}, fmt.Errorf("trade_id: %w", err)
	}
	price, err := decimal.NewFromString(record[1])
	if err != nil {
		return types.RawTrade{}, fmt.Errorf("price: %w", err)
	}
	qty, err := decimal.NewFromString(record[2])
	if err != nil {
		return types.RawTrade{}, fmt.Errorf("quantity: %w", err)
	}
	tsMillis, err := strconv.ParseInt(record[3], 10, 64)
	if err != nil {
		return types.RawTrade{}, fmt.Errorf("timestamp: %w", err)
	}
	isBuyerMaker, err := strconv.ParseBool(record[4])
	if err != nil {
		return types.RawTrade{}, fmt.Errorf("is_buyer_maker: %w", err)
	}

	side := types.OrderSideBuy
	if isBuyerMaker {
		// the buyer posted the resting order, so the trade was aggressed by a seller
		side = types.OrderSideSell
	}

	return types.RawTrade{
		TradeID:   tradeID,
		Price:     price,
		Size:      qty,
		Side:      side,
		Timestamp: time.UnixMilli(tsMillis).UTC(),
	}, nil
}

func joinCSV(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
