package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/internal/risk"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

type fakeExchange struct {
	positions []execution.ExchangePosition
	balances  map[string]decimal.Decimal
}

func (f *fakeExchange) Name() string { return "fake" }
func (f *fakeExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*execution.OrderBook, error) {
	return &execution.OrderBook{Symbol: symbol}, nil
}
func (f *fakeExchange) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	return order, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatus, error) {
	return types.OrderStatusNew, nil
}
func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return f.balances[asset], nil
}
func (f *fakeExchange) GetPositions(ctx context.Context) ([]execution.ExchangePosition, error) {
	return f.positions, nil
}
func (f *fakeExchange) FetchTrades(ctx context.Context, symbol string, sinceID int64) ([]types.RawTrade, error) {
	return nil, nil
}

type fakeSink struct {
	deletedFutures []string
	upsertedFutures []types.FuturesPosition
	deletedSpot    []string
	upsertedSpot   []types.SpotPosition
}

func (f *fakeSink) RecordVerdict(context.Context, string, types.MarketType, types.Verdict)   {}
func (f *fakeSink) RecordDecision(context.Context, string, types.MarketType, types.Decision) {}
func (f *fakeSink) RecordOrder(context.Context, types.Order)                                {}
func (f *fakeSink) UpsertSpotPosition(ctx context.Context, p types.SpotPosition) {
	f.upsertedSpot = append(f.upsertedSpot, p)
}
func (f *fakeSink) DeleteSpotPosition(ctx context.Context, symbol string) {
	f.deletedSpot = append(f.deletedSpot, symbol)
}
func (f *fakeSink) UpsertFuturesPosition(ctx context.Context, p types.FuturesPosition) {
	f.upsertedFutures = append(f.upsertedFutures, p)
}
func (f *fakeSink) DeleteFuturesPosition(ctx context.Context, symbol string) {
	f.deletedFutures = append(f.deletedFutures, symbol)
}
func (f *fakeSink) SaveOrderFlowBars(context.Context, string, []types.OrderFlowBar) {}
func (f *fakeSink) LoadOrderFlowBars(context.Context, string) []types.OrderFlowBar  { return nil }

func TestReconcileFuturesRemovesPhantom(t *testing.T) {
	logger := zap.NewNop()
	fut := risk.NewFuturesEvaluator(logger, config.FuturesConfig{MaxOpenPositions: 5}, config.HorizonRiskConfig{})
	fut.ConfirmPosition(types.FuturesPosition{Symbol: "BTC/USDT", Side: types.PositionLong, Quantity: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(50000)})

	spot := risk.NewSpotEvaluator(logger, config.SpotConfig{MaxOpenPositions: 5}, config.HorizonRiskConfig{})

	exch := &fakeExchange{balances: map[string]decimal.Decimal{}}
	sink := &fakeSink{}

	r := New(logger, exch, sink, fut, spot, []string{"BTC/USDT"}, []string{"BTC/USDT"}, decimal.NewFromInt(5))
	r.Run(context.Background())

	if _, held := fut.Position("BTC/USDT"); held {
		t.Fatal("expected phantom futures position to be removed")
	}
	if len(sink.deletedFutures) != 1 || sink.deletedFutures[0] != "BTC/USDT" {
		t.Fatalf("expected sink delete for BTC/USDT, got %v", sink.deletedFutures)
	}

	// second pass: idempotent, no further mutation.
	sink.deletedFutures = nil
	r.Run(context.Background())
	if len(sink.deletedFutures) != 0 {
		t.Fatalf("expected no mutation on second pass, got %v", sink.deletedFutures)
	}
}

func TestReconcileFuturesAdoptsOrphan(t *testing.T) {
	logger := zap.NewNop()
	fut := risk.NewFuturesEvaluator(logger, config.FuturesConfig{MaxOpenPositions: 5}, config.HorizonRiskConfig{})
	spot := risk.NewSpotEvaluator(logger, config.SpotConfig{MaxOpenPositions: 5}, config.HorizonRiskConfig{})

	exch := &fakeExchange{
		positions: []execution.ExchangePosition{
			{Symbol: "ETH/USDT", Side: types.PositionLong, Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromInt(3000), Leverage: decimal.NewFromInt(3)},
		},
		balances: map[string]decimal.Decimal{},
	}
	sink := &fakeSink{}

	r := New(logger, exch, sink, fut, spot, []string{"ETH/USDT"}, nil, decimal.NewFromInt(5))
	r.Run(context.Background())

	pos, held := fut.Position("ETH/USDT")
	if !held {
		t.Fatal("expected orphan to be adopted")
	}
	if pos.Leverage.Cmp(decimal.NewFromInt(5)) != 0 {
		t.Fatalf("expected adopted leverage to use configured floor, got %s", pos.Leverage)
	}
	if len(sink.upsertedFutures) != 1 {
		t.Fatalf("expected one sink upsert, got %d", len(sink.upsertedFutures))
	}
}

func TestReconcileSpotDownsizes(t *testing.T) {
	logger := zap.NewNop()
	fut := risk.NewFuturesEvaluator(logger, config.FuturesConfig{MaxOpenPositions: 5}, config.HorizonRiskConfig{})
	spot := risk.NewSpotEvaluator(logger, config.SpotConfig{MaxOpenPositions: 5}, config.HorizonRiskConfig{})
	spot.AddPosition(types.SpotPosition{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromInt(50000)})

	exch := &fakeExchange{balances: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(0.9)}}
	sink := &fakeSink{}

	r := New(logger, exch, sink, fut, spot, nil, []string{"BTC/USDT"}, decimal.NewFromInt(1))
	r.Run(context.Background())

	pos, held := spot.Position("BTC/USDT")
	if !held {
		t.Fatal("expected position to remain, downsized")
	}
	if !pos.Quantity.Equal(decimal.NewFromFloat(0.9)) {
		t.Fatalf("expected downsized quantity 0.9, got %s", pos.Quantity)
	}
}
