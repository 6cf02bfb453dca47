// Package execution implements the Executor component: it takes an
// approved risk.Result and turns it into exchange orders, placing paired
// OCO-style stop-loss/take-profit orders. Fills, paper or live, come from
// the ExchangeClient; the Executor does not simulate them itself.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// ExchangeClient is the minimal surface the core needs from the exchange
// integration: price and order-book reads, order placement, cancellation
// and status, balance reads and trade fetches. Position reads are the
// separate PositionLister. PaperClient and the REST BinanceClient both
// implement it.
type ExchangeClient interface {
	Name() string
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatus, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	FetchTrades(ctx context.Context, symbol string, sinceID int64) ([]types.RawTrade, error)
}

// OrderBook is a minimal depth snapshot, used by slippage estimation and
// the paper client's fill model.
type OrderBook struct {
	Symbol string
	Bids   []OrderBookLevel
	Asks   []OrderBookLevel
}

// OrderBookLevel is one price/quantity rung of an OrderBook.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// ExchangePosition is a raw futures position as reported by the exchange,
// consumed by the reconciler.
type ExchangePosition struct {
	Symbol     string
	Side       types.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   decimal.Decimal
}

// PositionLister is implemented by exchange clients that can report open
// futures positions independently of local state. PaperClient does not
// implement it; paper mode has no exchange-side ledger to reconcile
// against.
type PositionLister interface {
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
}

// Config configures the Executor.
type Config struct {
	MaxSlippage decimal.Decimal
	PaperMode   bool
}

// DefaultConfig returns conservative defaults, paper mode on.
func DefaultConfig() Config {
	return Config{MaxSlippage: decimal.NewFromFloat(0.01), PaperMode: true}
}

// Executor places and cancels orders against one ExchangeClient.
type Executor struct {
	logger   *zap.Logger
	client   ExchangeClient
	orderMgr *OrderManager
	slippage *SlippageCalculator
	cfg      Config

	mu         sync.Mutex
	killSwitch bool
}

// NewExecutor builds an Executor bound to a single exchange client.
func NewExecutor(logger *zap.Logger, client ExchangeClient, cfg Config) *Executor {
	return &Executor{
		logger:   logger.Named("executor"),
		client:   client,
		orderMgr: NewOrderManager(logger),
		slippage: NewSlippageCalculator(logger, DefaultSlippageConfig()),
		cfg:      cfg,
	}
}

// ActivateKillSwitch halts all further order placement.
func (e *Executor) ActivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = true
	e.logger.Error("kill switch activated")
}

// DeactivateKillSwitch resumes order placement.
func (e *Executor) DeactivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = false
}

func (e *Executor) killed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killSwitch
}

// OpenRequest describes a position to open: one market order, plus an
// attached stop-loss and take-profit. Market selects the protective-order
// shape: spot gets a single OCO sell (limit-maker TP + stop-loss-limit SL),
// futures gets two independent reduce-only conditional orders.
type OpenRequest struct {
	Symbol     string
	Market     types.MarketType
	Side       types.OrderSide
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// OpenResult carries the filled entry order and the two protective order
// IDs the position record stores.
type OpenResult struct {
	Entry     types.Order
	SLOrderID string
	TPOrderID string
}

// Execute places the entry market order then the protective SL/TP orders:
// an OCO sell pair for spot, paired reduce-only conditional orders for
// futures. Protective-order failures are logged but do not roll back the
// filled entry; the handler's price poll is the backstop for a position
// left without protection.
func (e *Executor) Execute(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if e.killed() {
		return OpenResult{}, fmt.Errorf("execution: kill switch active")
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return OpenResult{}, fmt.Errorf("execution: non-positive quantity")
	}

	price, err := e.client.GetPrice(ctx, req.Symbol)
	if err != nil {
		return OpenResult{}, fmt.Errorf("execution: price lookup failed: %w", err)
	}

	entry := types.Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      types.OrderTypeMarket,
		Quantity:  req.Quantity,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}

	if estimate, ok := e.estimateSlippage(ctx, &entry); ok && estimate.ExpectedSlippage.GreaterThan(e.cfg.MaxSlippage) {
		e.logger.Warn("entry rejected: estimated slippage exceeds cap",
			zap.String("symbol", req.Symbol),
			zap.String("estimated", estimate.ExpectedSlippage.String()),
			zap.String("cap", e.cfg.MaxSlippage.String()))
		return OpenResult{}, fmt.Errorf("execution: estimated slippage %s exceeds max %s", estimate.ExpectedSlippage.String(), e.cfg.MaxSlippage.String())
	}

	filled, err := e.client.PlaceOrder(ctx, entry)
	if err != nil {
		return OpenResult{}, fmt.Errorf("execution: entry order failed: %w", err)
	}
	e.orderMgr.TrackOrder(filled)
	e.recordFillSlippage(req.Symbol, string(entry.Type), price, filled)

	result := OpenResult{Entry: filled}
	if req.Market == types.MarketSpot {
		result.SLOrderID, result.TPOrderID = e.placeSpotOCO(ctx, req, filled.FilledQty)
	} else {
		result.SLOrderID, result.TPOrderID = e.placeFuturesProtection(ctx, req, filled.FilledQty)
	}

	e.logger.Info("position opened",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.String("qty", filled.FilledQty.String()), zap.String("entry_price", filled.AvgFillPrice.String()))

	return result, nil
}

// placeSpotOCO issues the spot protective pair as one OCO sell: a
// limit-maker take-profit plus a stop-loss-limit stop. The exchange links
// the legs one-cancels-other; locally both IDs are tracked so CancelSLTP
// can clear whichever leg survives a manual close. Both legs are skipped
// if either price is missing, since a half-placed OCO cannot be linked.
func (e *Executor) placeSpotOCO(ctx context.Context, req OpenRequest, qty decimal.Decimal) (slOrderID, tpOrderID string) {
	if req.StopLoss.IsZero() || req.TakeProfit.IsZero() {
		e.logger.Warn("skipping spot OCO: both stop-loss and take-profit prices are required",
			zap.String("symbol", req.Symbol))
		return "", ""
	}
	closeSide := oppositeSide(req.Side)

	tpOrder := types.Order{
		ID:       uuid.NewString(),
		Symbol:   req.Symbol,
		Side:     closeSide,
		Type:     types.OrderTypeLimitMaker,
		Quantity: qty,
		Price:    req.TakeProfit,
	}
	placedTP, err := e.client.PlaceOrder(ctx, tpOrder)
	if err != nil {
		e.logger.Error("oco take-profit leg failed", zap.String("symbol", req.Symbol), zap.Error(err))
		return "", ""
	}
	e.orderMgr.TrackOrder(placedTP)

	slOrder := types.Order{
		ID:       uuid.NewString(),
		Symbol:   req.Symbol,
		Side:     closeSide,
		Type:     types.OrderTypeStopLossLimit,
		Quantity: qty,
		Price:    req.StopLoss,
	}
	placedSL, err := e.client.PlaceOrder(ctx, slOrder)
	if err != nil {
		// Without its sibling the TP leg is an unlinked resting order;
		// cancel it and fall back to the handler's price poll.
		e.logger.Error("oco stop-loss leg failed, canceling take-profit leg",
			zap.String("symbol", req.Symbol), zap.Error(err))
		if cancelErr := e.client.CancelOrder(ctx, req.Symbol, placedTP.ID); cancelErr != nil {
			e.logger.Warn("failed to cancel orphaned take-profit leg",
				zap.String("orderId", placedTP.ID), zap.Error(cancelErr))
		}
		return "", ""
	}
	e.orderMgr.TrackOrder(placedSL)

	return placedSL.ID, placedTP.ID
}

// placeFuturesProtection issues the futures protective pair as two
// independent reduce-only conditional orders: a stop-market and a
// take-profit-market.
func (e *Executor) placeFuturesProtection(ctx context.Context, req OpenRequest, qty decimal.Decimal) (slOrderID, tpOrderID string) {
	closeSide := oppositeSide(req.Side)

	if !req.StopLoss.IsZero() {
		slOrder := types.Order{
			ID:         uuid.NewString(),
			Symbol:     req.Symbol,
			Side:       closeSide,
			Type:       types.OrderTypeStopMarket,
			Quantity:   qty,
			Price:      req.StopLoss,
			ReduceOnly: true,
		}
		placed, err := e.client.PlaceOrder(ctx, slOrder)
		if err != nil {
			e.logger.Error("stop-loss placement failed", zap.String("symbol", req.Symbol), zap.Error(err))
		} else {
			e.orderMgr.TrackOrder(placed)
			slOrderID = placed.ID
		}
	}

	if !req.TakeProfit.IsZero() {
		tpOrder := types.Order{
			ID:         uuid.NewString(),
			Symbol:     req.Symbol,
			Side:       closeSide,
			Type:       types.OrderTypeTakeProfitMkt,
			Quantity:   qty,
			Price:      req.TakeProfit,
			ReduceOnly: true,
		}
		placed, err := e.client.PlaceOrder(ctx, tpOrder)
		if err != nil {
			e.logger.Error("take-profit placement failed", zap.String("symbol", req.Symbol), zap.Error(err))
		} else {
			e.orderMgr.TrackOrder(placed)
			tpOrderID = placed.ID
		}
	}

	return slOrderID, tpOrderID
}

// Close places a reduce-only market order that flattens a position, and
// cancels any still-open protective orders tied to it.
func (e *Executor) Close(ctx context.Context, symbol string, side types.OrderSide, quantity decimal.Decimal, slOrderID, tpOrderID string) (types.Order, error) {
	if e.killed() {
		return types.Order{}, fmt.Errorf("execution: kill switch active")
	}

	order := types.Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Quantity:   quantity,
		ReduceOnly: true,
		CreatedAt:  time.Now().UTC(),
	}
	filled, err := e.client.PlaceOrder(ctx, order)
	if err != nil {
		return types.Order{}, fmt.Errorf("execution: close order failed: %w", err)
	}
	e.orderMgr.TrackOrder(filled)

	e.CancelSLTP(ctx, symbol, slOrderID, tpOrderID)
	return filled, nil
}

// CancelSLTP cancels both legs of an OCO pair after a manual close or a
// reconciler correction. Errors are logged, not returned; a cancel against
// an already-filled protective order is expected and harmless.
func (e *Executor) CancelSLTP(ctx context.Context, symbol, slOrderID, tpOrderID string) {
	if slOrderID != "" {
		if err := e.client.CancelOrder(ctx, symbol, slOrderID); err != nil {
			e.logger.Debug("cancel stop-loss failed (likely already filled)", zap.String("orderId", slOrderID), zap.Error(err))
		}
	}
	if tpOrderID != "" {
		if err := e.client.CancelOrder(ctx, symbol, tpOrderID); err != nil {
			e.logger.Debug("cancel take-profit failed (likely already filled)", zap.String("orderId", tpOrderID), zap.Error(err))
		}
	}
}

// estimateSlippage estimates pre-trade slippage for order using the best
// order-book depth the exchange client can supply; ok is false if no price
// context was available, in which case the caller skips the cap check
// rather than rejecting blind.
func (e *Executor) estimateSlippage(ctx context.Context, order *types.Order) (SlippageEstimate, bool) {
	market := MarketData{Symbol: order.Symbol, Price: order.Price}
	ob, err := e.client.GetOrderBook(ctx, order.Symbol, 10)
	if err != nil {
		e.logger.Debug("order book lookup failed, estimating slippage without depth", zap.String("symbol", order.Symbol), zap.Error(err))
	} else if ob != nil {
		e.slippage.UpdateOrderBook(order.Symbol, ob)
		if len(ob.Bids) > 0 {
			market.Bid = ob.Bids[0].Price
		}
		if len(ob.Asks) > 0 {
			market.Ask = ob.Asks[0].Price
		}
	}
	if market.Price.IsZero() {
		return SlippageEstimate{}, false
	}
	return e.slippage.EstimateSlippage(order, market), true
}

// recordFillSlippage feeds the realized slippage of a fill back into the
// calculator's historical record, so later estimates for this symbol
// sharpen over time (slippage.go's historicalMean).
func (e *Executor) recordFillSlippage(symbol, orderType string, expectedPrice decimal.Decimal, filled types.Order) {
	if expectedPrice.IsZero() || filled.AvgFillPrice.IsZero() {
		return
	}
	slip := filled.AvgFillPrice.Sub(expectedPrice).Div(expectedPrice).Abs()
	e.slippage.RecordSlippage(SlippageRecord{
		Symbol:        symbol,
		ExpectedPrice: expectedPrice,
		ExecutedPrice: filled.AvgFillPrice,
		Slippage:      slip,
		SlippageUSD:   filled.AvgFillPrice.Sub(expectedPrice).Mul(filled.FilledQty).Abs(),
		OrderSize:     filled.FilledQty,
		Timestamp:     time.Now().UTC(),
		OrderType:     orderType,
	})
}

func oppositeSide(side types.OrderSide) types.OrderSide {
	if side == types.OrderSideBuy {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}
