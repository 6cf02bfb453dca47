package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

type fakeClient struct {
	price    decimal.Decimal
	book     *OrderBook
	placed   []types.Order
	canceled []string
	placeErr error
}

func (f *fakeClient) Name() string { return "fake" }
func (f *fakeClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}
func (f *fakeClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	return f.book, nil
}
func (f *fakeClient) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	if f.placeErr != nil {
		return types.Order{}, f.placeErr
	}
	order.Status = types.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = order.Price
	if order.AvgFillPrice.IsZero() {
		order.AvgFillPrice = f.price
	}
	f.placed = append(f.placed, order)
	return order, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}
func (f *fakeClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatus, error) {
	return types.OrderStatusNew, nil
}
func (f *fakeClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.NewFromInt(10000), nil
}
func (f *fakeClient) FetchTrades(ctx context.Context, symbol string, sinceID int64) ([]types.RawTrade, error) {
	return nil, nil
}

func tightBook(price decimal.Decimal) *OrderBook {
	spread := price.Mul(decimal.NewFromFloat(0.0001))
	return &OrderBook{
		Bids: []OrderBookLevel{{Price: price.Sub(spread), Quantity: decimal.NewFromInt(1000)}},
		Asks: []OrderBookLevel{{Price: price.Add(spread), Quantity: decimal.NewFromInt(1000)}},
	}
}

func TestExecuteFuturesPlacesPairedReduceOnlyOrders(t *testing.T) {
	price := decimal.NewFromInt(50000)
	client := &fakeClient{price: price, book: tightBook(price)}
	ex := NewExecutor(zap.NewNop(), client, DefaultConfig())

	res, err := ex.Execute(context.Background(), OpenRequest{
		Symbol:     "BTC/USDT",
		Market:     types.MarketFutures,
		Side:       types.OrderSideBuy,
		Quantity:   decimal.NewFromFloat(0.001),
		StopLoss:   decimal.NewFromInt(48500),
		TakeProfit: decimal.NewFromInt(53000),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(client.placed) != 3 {
		t.Fatalf("expected entry + sl + tp orders, got %d", len(client.placed))
	}
	if res.SLOrderID == "" || res.TPOrderID == "" {
		t.Fatal("expected both protective order ids recorded")
	}

	sl, tp := client.placed[1], client.placed[2]
	if sl.Type != types.OrderTypeStopMarket || !sl.ReduceOnly || sl.Side != types.OrderSideSell {
		t.Fatalf("unexpected stop order: %+v", sl)
	}
	if tp.Type != types.OrderTypeTakeProfitMkt || !tp.ReduceOnly || tp.Side != types.OrderSideSell {
		t.Fatalf("unexpected take-profit order: %+v", tp)
	}
	if !sl.Price.Equal(decimal.NewFromInt(48500)) || !tp.Price.Equal(decimal.NewFromInt(53000)) {
		t.Fatalf("protective prices not carried: sl=%s tp=%s", sl.Price, tp.Price)
	}
}

func TestExecuteSpotPlacesOCOSell(t *testing.T) {
	price := decimal.NewFromInt(50000)
	client := &fakeClient{price: price, book: tightBook(price)}
	ex := NewExecutor(zap.NewNop(), client, DefaultConfig())

	res, err := ex.Execute(context.Background(), OpenRequest{
		Symbol:     "BTC/USDT",
		Market:     types.MarketSpot,
		Side:       types.OrderSideBuy,
		Quantity:   decimal.NewFromFloat(0.001),
		StopLoss:   decimal.NewFromInt(48500),
		TakeProfit: decimal.NewFromInt(53000),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.SLOrderID == "" || res.TPOrderID == "" {
		t.Fatal("expected both OCO leg ids recorded")
	}

	if len(client.placed) != 3 {
		t.Fatalf("expected entry + oco legs, got %d", len(client.placed))
	}
	tp, sl := client.placed[1], client.placed[2]
	if tp.Type != types.OrderTypeLimitMaker || tp.Side != types.OrderSideSell || tp.ReduceOnly {
		t.Fatalf("unexpected oco take-profit leg: %+v", tp)
	}
	if sl.Type != types.OrderTypeStopLossLimit || sl.Side != types.OrderSideSell || sl.ReduceOnly {
		t.Fatalf("unexpected oco stop-loss leg: %+v", sl)
	}
	if !tp.Price.Equal(decimal.NewFromInt(53000)) || !sl.Price.Equal(decimal.NewFromInt(48500)) {
		t.Fatalf("oco prices not carried: tp=%s sl=%s", tp.Price, sl.Price)
	}
}

func TestExecuteSpotSkipsHalfSpecifiedOCO(t *testing.T) {
	price := decimal.NewFromInt(50000)
	client := &fakeClient{price: price, book: tightBook(price)}
	ex := NewExecutor(zap.NewNop(), client, DefaultConfig())

	res, err := ex.Execute(context.Background(), OpenRequest{
		Symbol:   "BTC/USDT",
		Market:   types.MarketSpot,
		Side:     types.OrderSideBuy,
		Quantity: decimal.NewFromFloat(0.001),
		StopLoss: decimal.NewFromInt(48500), // no take-profit
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(client.placed) != 1 {
		t.Fatalf("a half-specified OCO must place only the entry, got %d orders", len(client.placed))
	}
	if res.SLOrderID != "" || res.TPOrderID != "" {
		t.Fatal("no protective ids may be recorded when the OCO is skipped")
	}
}

func TestExecuteRejectsNonPositiveQuantity(t *testing.T) {
	client := &fakeClient{price: decimal.NewFromInt(100)}
	ex := NewExecutor(zap.NewNop(), client, DefaultConfig())

	if _, err := ex.Execute(context.Background(), OpenRequest{Symbol: "BTC/USDT", Side: types.OrderSideBuy}); err == nil {
		t.Fatal("expected an error for a zero quantity")
	}
	if len(client.placed) != 0 {
		t.Fatal("no order may reach the exchange on a rejected request")
	}
}

func TestExecuteRejectsExcessiveEstimatedSlippage(t *testing.T) {
	price := decimal.NewFromInt(100)
	// A 20% wide book makes the half-spread estimate blow past any cap.
	wide := &OrderBook{
		Bids: []OrderBookLevel{{Price: decimal.NewFromInt(90), Quantity: decimal.NewFromInt(1000)}},
		Asks: []OrderBookLevel{{Price: decimal.NewFromInt(110), Quantity: decimal.NewFromInt(1000)}},
	}
	client := &fakeClient{price: price, book: wide}
	ex := NewExecutor(zap.NewNop(), client, Config{MaxSlippage: decimal.NewFromFloat(0.01), PaperMode: true})

	_, err := ex.Execute(context.Background(), OpenRequest{
		Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromFloat(0.001),
	})
	if err == nil {
		t.Fatal("expected rejection when estimated slippage exceeds the cap")
	}
	if len(client.placed) != 0 {
		t.Fatal("no order may be placed after a slippage rejection")
	}
}

func TestExecuteKillSwitchBlocksOrders(t *testing.T) {
	client := &fakeClient{price: decimal.NewFromInt(100)}
	ex := NewExecutor(zap.NewNop(), client, DefaultConfig())
	ex.ActivateKillSwitch()

	if _, err := ex.Execute(context.Background(), OpenRequest{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)}); err == nil {
		t.Fatal("expected the kill switch to block execution")
	}

	ex.DeactivateKillSwitch()
	client.book = tightBook(client.price)
	if _, err := ex.Execute(context.Background(), OpenRequest{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("expected execution after deactivation, got %v", err)
	}
}

func TestCloseCancelsProtectiveOrders(t *testing.T) {
	price := decimal.NewFromInt(50000)
	client := &fakeClient{price: price, book: tightBook(price)}
	ex := NewExecutor(zap.NewNop(), client, DefaultConfig())

	filled, err := ex.Close(context.Background(), "BTC/USDT", types.OrderSideSell, decimal.NewFromFloat(0.001), "sl-1", "tp-1")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !filled.ReduceOnly {
		t.Fatal("a close order must be reduce-only")
	}
	if len(client.canceled) != 2 {
		t.Fatalf("expected both protective orders canceled, got %v", client.canceled)
	}
}

func TestSlippageEstimateSharpensWithHistory(t *testing.T) {
	sc := NewSlippageCalculator(zap.NewNop(), DefaultSlippageConfig())
	order := &types.Order{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)}
	market := MarketData{Symbol: "BTC/USDT", Price: decimal.NewFromInt(100)}

	before := sc.EstimateSlippage(order, market)

	sc.RecordSlippage(SlippageRecord{Symbol: "BTC/USDT", Slippage: decimal.NewFromFloat(0.01)})
	after := sc.EstimateSlippage(order, market)

	if !after.ExpectedSlippage.GreaterThan(before.ExpectedSlippage) {
		t.Fatalf("recorded slippage must raise the estimate: %s -> %s", before.ExpectedSlippage, after.ExpectedSlippage)
	}
}

func TestSlippageDepthImpactGrowsWithSize(t *testing.T) {
	sc := NewSlippageCalculator(zap.NewNop(), DefaultSlippageConfig())
	ob := &OrderBook{Asks: []OrderBookLevel{
		{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)},
		{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1)},
		{Price: decimal.NewFromInt(103), Quantity: decimal.NewFromInt(1)},
	}}
	sc.UpdateOrderBook("BTC/USDT", ob)
	market := MarketData{Symbol: "BTC/USDT", Price: decimal.NewFromInt(100)}

	small := sc.EstimateSlippage(&types.Order{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromFloat(0.5)}, market)
	large := sc.EstimateSlippage(&types.Order{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(3)}, market)

	if !large.DepthImpact.GreaterThan(small.DepthImpact) {
		t.Fatalf("eating deeper into the book must cost more: %s vs %s", small.DepthImpact, large.DepthImpact)
	}
}

func TestExecutionModelCostsScaleWithNotional(t *testing.T) {
	em := NewExecutionModel(zap.NewNop(), nil)
	market := &MarketContext{Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1000)}

	small := em.SimulateExecution(&types.Order{Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)}, market)
	large := em.SimulateExecution(&types.Order{Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(10)}, market)

	if !large.TotalCost.GreaterThan(small.TotalCost) {
		t.Fatalf("larger orders must cost more: %s vs %s", small.TotalCost, large.TotalCost)
	}
	if !small.FillPrice.Equal(market.Price) {
		t.Fatalf("fill price is the reference price, got %s", small.FillPrice)
	}

	fills, totalCost, _ := em.Totals()
	if fills != 2 || !totalCost.Equal(small.TotalCost.Add(large.TotalCost)) {
		t.Fatalf("totals must accumulate: fills=%d cost=%s", fills, totalCost)
	}
}
