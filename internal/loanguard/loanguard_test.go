package loanguard

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

type fakeExchange struct {
	orders    []LoanOrder
	price     decimal.Decimal
	balances  map[string]decimal.Decimal
	placed    []types.Order
	adjusted  []string
}

func (f *fakeExchange) Name() string { return "fake" }
func (f *fakeExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}
func (f *fakeExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*execution.OrderBook, error) {
	return &execution.OrderBook{Symbol: symbol}, nil
}
func (f *fakeExchange) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	order.FilledQty = order.Quantity
	order.AvgFillPrice = f.price
	f.placed = append(f.placed, order)
	return order, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatus, error) {
	return types.OrderStatusNew, nil
}
func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return f.balances[asset], nil
}
func (f *fakeExchange) FetchTrades(ctx context.Context, symbol string, sinceID int64) ([]types.RawTrade, error) {
	return nil, nil
}
func (f *fakeExchange) FetchLoanOrders(ctx context.Context) ([]LoanOrder, error) {
	return f.orders, nil
}
func (f *fakeExchange) AdjustCollateral(ctx context.Context, loanCoin, collateralCoin string, qty decimal.Decimal, add bool) error {
	f.adjusted = append(f.adjusted, collateralCoin)
	return nil
}

type fakeLLM struct {
	response string
}

func (f *fakeLLM) Decide(ctx context.Context, prompt string) (string, error) {
	return f.response, nil
}

type fakeSink struct {
	recorded []string
}

func (f *fakeSink) RecordVerdict(context.Context, string, types.MarketType, types.Verdict)   {}
func (f *fakeSink) RecordDecision(context.Context, string, types.MarketType, types.Decision) {}
func (f *fakeSink) RecordOrder(context.Context, types.Order)                                {}
func (f *fakeSink) UpsertSpotPosition(context.Context, types.SpotPosition)                   {}
func (f *fakeSink) DeleteSpotPosition(context.Context, string)                               {}
func (f *fakeSink) UpsertFuturesPosition(context.Context, types.FuturesPosition)              {}
func (f *fakeSink) DeleteFuturesPosition(context.Context, string)                             {}
func (f *fakeSink) RecordLoanHealth(ctx context.Context, ltv float64, action string) {
	f.recorded = append(f.recorded, action)
}

func TestGuardianProtectsOnDangerLTV(t *testing.T) {
	exch := &fakeExchange{
		orders: []LoanOrder{{
			LoanCoin: "USDT", CollateralCoin: "BTC",
			CurrentLTV: decimal.NewFromFloat(0.8), TotalDebt: decimal.NewFromInt(8000), CollateralAmount: decimal.NewFromFloat(0.2),
		}},
		price:    decimal.NewFromInt(50000),
		balances: map[string]decimal.Decimal{"BTC": decimal.Zero},
	}
	llmClient := &fakeLLM{response: `{"approved": true, "reason": "ok"}`}
	sink := &fakeSink{}
	cfg := config.LoanGuardConfig{Enabled: true, TargetLTV: 0.5, DangerLTV: 0.75, LowLTV: 0.3, DryRun: false}

	g := New(zap.NewNop(), exch, llmClient, sink, cfg)
	g.Check(context.Background())

	if len(sink.recorded) != 1 || sink.recorded[0] != "protect" {
		t.Fatalf("expected a protect action recorded, got %v", sink.recorded)
	}
	if len(exch.placed) == 0 {
		t.Fatal("expected a collateral purchase order to be placed")
	}
	if len(exch.adjusted) == 0 {
		t.Fatal("expected a collateral adjustment call")
	}
}

func TestGuardianSkipsDryRun(t *testing.T) {
	exch := &fakeExchange{
		orders: []LoanOrder{{
			LoanCoin: "USDT", CollateralCoin: "BTC",
			CurrentLTV: decimal.NewFromFloat(0.8), TotalDebt: decimal.NewFromInt(8000), CollateralAmount: decimal.NewFromFloat(0.2),
		}},
		price:    decimal.NewFromInt(50000),
		balances: map[string]decimal.Decimal{"BTC": decimal.Zero},
	}
	llmClient := &fakeLLM{response: `{"approved": true, "reason": "ok"}`}
	sink := &fakeSink{}
	cfg := config.LoanGuardConfig{Enabled: true, TargetLTV: 0.5, DangerLTV: 0.75, LowLTV: 0.3, DryRun: true}

	g := New(zap.NewNop(), exch, llmClient, sink, cfg)
	g.Check(context.Background())

	if len(exch.placed) != 0 || len(exch.adjusted) != 0 {
		t.Fatal("dry run must not place orders or adjust collateral")
	}
}

func TestGuardianSkipsUnchangedLTV(t *testing.T) {
	exch := &fakeExchange{
		orders: []LoanOrder{{
			LoanCoin: "USDT", CollateralCoin: "BTC",
			CurrentLTV: decimal.NewFromFloat(0.5), TotalDebt: decimal.NewFromInt(5000), CollateralAmount: decimal.NewFromFloat(0.2),
		}},
		price: decimal.NewFromInt(50000),
	}
	llmClient := &fakeLLM{response: `{"approved": true, "reason": "ok"}`}
	sink := &fakeSink{}
	cfg := config.LoanGuardConfig{Enabled: true, TargetLTV: 0.5, DangerLTV: 0.75, LowLTV: 0.3, DryRun: true}

	g := New(zap.NewNop(), exch, llmClient, sink, cfg)
	g.Check(context.Background())
	g.Check(context.Background())

	if len(sink.recorded) != 1 {
		t.Fatalf("expected exactly one recorded check for an unchanged LTV, got %d", len(sink.recorded))
	}
}
