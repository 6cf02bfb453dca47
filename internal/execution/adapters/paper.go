package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// PriceSource supplies the last-traded price a PaperClient uses to fill
// orders; the candle store backs it in the default wiring.
type PriceSource func(ctx context.Context, symbol string) (decimal.Decimal, error)

// PaperClient is an in-process ExchangeClient that fills market orders
// immediately at the current price plus a fixed slippage haircut and rests
// every other order type unfilled (see PlaceOrder). Balances and orders are
// held in memory; fills do not change balances, only Credit does. It is the default
// execution.ExchangeClient for local/paper-mode runs.
type PaperClient struct {
	logger      *zap.Logger
	priceSource PriceSource
	slippagePct decimal.Decimal
	commission  decimal.Decimal

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]types.Order
}

// NewPaperClient builds a PaperClient seeded with a starting quote-asset
// balance.
func NewPaperClient(logger *zap.Logger, priceSource PriceSource, startingBalance decimal.Decimal, quoteAsset string) *PaperClient {
	return &PaperClient{
		logger:      logger.Named("paper-exchange"),
		priceSource: priceSource,
		slippagePct: decimal.NewFromFloat(0.0005),
		commission:  decimal.NewFromFloat(0.001),
		balances:    map[string]decimal.Decimal{quoteAsset: startingBalance},
		orders:      make(map[string]types.Order),
	}
}

// Name identifies the client for logs.
func (p *PaperClient) Name() string { return "paper" }

// GetPrice delegates to the configured PriceSource.
func (p *PaperClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.priceSource(ctx, symbol)
}

// GetOrderBook returns a synthetic one-level book centered on the current
// price, enough for the slippage estimator's depth-impact term without
// needing a live feed.
func (p *PaperClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*execution.OrderBook, error) {
	price, err := p.priceSource(ctx, symbol)
	if err != nil {
		return nil, err
	}
	spread := price.Mul(decimal.NewFromFloat(0.0002))
	return &execution.OrderBook{
		Symbol: symbol,
		Bids:   []execution.OrderBookLevel{{Price: price.Sub(spread), Quantity: decimal.NewFromInt(1000)}},
		Asks:   []execution.OrderBookLevel{{Price: price.Add(spread), Quantity: decimal.NewFromInt(1000)}},
	}, nil
}

// PlaceOrder fills a market order immediately at the current price plus a
// fixed slippage haircut. Conditional orders (stops, take-profits, maker
// limits) rest with status new; the handler's price poll is what closes
// positions in paper mode.
func (p *PaperClient) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	order.CreatedAt = now

	if order.Type != types.OrderTypeMarket {
		order.Status = types.OrderStatusNew
		order.FilledQty = decimal.Zero

		p.mu.Lock()
		p.orders[order.ID] = order
		p.mu.Unlock()
		return order, nil
	}

	price, err := p.priceSource(ctx, order.Symbol)
	if err != nil {
		return types.Order{}, fmt.Errorf("paper exchange: price lookup failed: %w", err)
	}

	fillPrice := price
	if order.Side == types.OrderSideBuy {
		fillPrice = price.Mul(decimal.NewFromInt(1).Add(p.slippagePct))
	} else {
		fillPrice = price.Mul(decimal.NewFromInt(1).Sub(p.slippagePct))
	}

	order.Status = types.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = fillPrice
	order.FilledAt = &now

	p.mu.Lock()
	p.orders[order.ID] = order
	p.mu.Unlock()

	p.logger.Debug("paper fill",
		zap.String("symbol", order.Symbol), zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()), zap.String("price", fillPrice.String()))

	return order, nil
}

// CancelOrder marks a tracked order canceled if it hasn't already filled.
func (p *PaperClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper exchange: unknown order %s", orderID)
	}
	if order.Status == types.OrderStatusFilled {
		return fmt.Errorf("paper exchange: order %s already filled", orderID)
	}
	order.Status = types.OrderStatusCanceled
	p.orders[orderID] = order
	return nil
}

// GetOrderStatus reports a tracked order's current status.
func (p *PaperClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return "", fmt.Errorf("paper exchange: unknown order %s", orderID)
	}
	return order.Status, nil
}

// GetBalance returns the in-memory balance for asset.
func (p *PaperClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

// Credit adjusts a balance. It is the only way a paper balance changes;
// PlaceOrder does not debit or credit anything for a fill.
func (p *PaperClient) Credit(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = p.balances[asset].Add(amount)
}

// FetchTrades satisfies handler.TradeSource for paper mode. There is no
// real tape to replay, so order-flow strategies simply see no new trades
// and hold; OHLCV strategies are unaffected.
func (p *PaperClient) FetchTrades(ctx context.Context, symbol string, sinceID int64) ([]types.RawTrade, error) {
	return nil, nil
}
