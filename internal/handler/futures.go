package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/internal/decision"
	"github.com/helioslabs/trading-supervisor/internal/events"
	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/internal/risk"
	"github.com/helioslabs/trading-supervisor/internal/strategy"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// marginAsset is the balance currency futures margin is denominated in.
const marginAsset = "USDT"

// FuturesHandler runs the per-cycle pipeline for one futures-market
// symbol, including the open/close signal translation.
type FuturesHandler struct {
	logger    *zap.Logger
	cfg       config.FuturesConfig
	llmCfg    config.LLMConfig
	client    execution.ExchangeClient
	executor  *execution.Executor
	evaluator *risk.FuturesEvaluator
	decider   *decision.Engine
	candles   CandleSource
	trades    TradeSource
	sink      Sink
	bus       *events.EventBus

	roster strategyRoster

	mu     sync.Mutex
	states map[string]*symbolState
}

// NewFuturesHandler builds a FuturesHandler. bus may be nil, in which case
// the handler runs without publishing cycle events.
func NewFuturesHandler(
	logger *zap.Logger,
	cfg config.FuturesConfig,
	llmCfg config.LLMConfig,
	client execution.ExchangeClient,
	executor *execution.Executor,
	evaluator *risk.FuturesEvaluator,
	decider *decision.Engine,
	reg *strategy.Registry,
	strategies []config.StrategySpec,
	candles CandleSource,
	trades TradeSource,
	sink Sink,
	bus *events.EventBus,
) *FuturesHandler {
	return &FuturesHandler{
		logger:    logger.Named("futures_handler"),
		cfg:       cfg,
		llmCfg:    llmCfg,
		client:    client,
		executor:  executor,
		evaluator: evaluator,
		decider:   decider,
		candles:   candles,
		trades:    trades,
		sink:      sink,
		bus:       bus,
		roster:    buildRoster(logger, reg, strategies),
		states:    make(map[string]*symbolState),
	}
}

// RebuildRoster recompiles the strategy roster on a config hot-reload.
func (h *FuturesHandler) RebuildRoster(reg *strategy.Registry, strategies []config.StrategySpec) {
	h.roster = buildRoster(h.logger, reg, strategies)
}

// ClearSlotMemo forgets every symbol's last-seen slot so the next cycle
// re-runs OHLCV strategies regardless of timeframe boundary, part of the
// hot-reload contract.
func (h *FuturesHandler) ClearSlotMemo() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		st.mu.Lock()
		st.slotSeen = false
		st.mu.Unlock()
	}
}

// SetConfig swaps the scheduling/risk parameters applied on the next cycle.
func (h *FuturesHandler) SetConfig(cfg config.FuturesConfig, llmCfg config.LLMConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	h.llmCfg = llmCfg
}

func (h *FuturesHandler) stateFor(symbol string) *symbolState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[symbol]
	if !ok {
		st = newSymbolState()
		h.states[symbol] = st
	}
	return st
}

// translateSignal maps a raw action against the current long/short state.
func translateSignal(raw types.Signal, pos types.FuturesPosition, held bool) types.Signal {
	hasLong := held && pos.Side == types.PositionLong
	hasShort := held && pos.Side == types.PositionShort

	switch raw {
	case types.SignalBuy:
		if !held {
			return types.SignalBuy
		}
		if hasShort {
			return types.SignalCover
		}
		return types.SignalHold
	case types.SignalSell:
		if hasLong {
			return types.SignalSell
		}
		if !held {
			return types.SignalShort
		}
		return types.SignalHold
	case types.SignalShort:
		if !held {
			return types.SignalShort
		}
		return types.SignalHold
	case types.SignalCover:
		if hasShort {
			return types.SignalCover
		}
		return types.SignalHold
	default:
		return types.SignalHold
	}
}

// ProcessSymbol runs one cycle of the per-symbol pipeline for symbol.
func (h *FuturesHandler) ProcessSymbol(ctx context.Context, symbol string) error {
	st := h.stateFor(symbol)

	finest := finestTimeframe(h.roster, types.Timeframe(h.cfg.Timeframe))
	slot := currentSlot(finest)
	st.mu.Lock()
	skipOhlcv := st.slotSeen && st.lastSlot == slot
	st.lastSlot = slot
	st.slotSeen = true
	st.mu.Unlock()

	ofVerdicts := ingestOrderFlow(ctx, h.trades, h.sink, st, symbol, h.roster)

	if pos, held := h.evaluator.Position(symbol); held {
		if protectiveFilled(ctx, h.client, symbol, pos.SLOrderID, pos.TPOrderID) {
			return h.finalizeExternalClose(ctx, symbol, pos)
		}
		price, err := h.client.GetPrice(ctx, symbol)
		if err == nil {
			if sig := h.evaluator.CheckStopLossTakeProfit(symbol, price); sig != types.SignalHold {
				return h.closePosition(ctx, symbol, pos, "stop_loss_or_take_profit triggered")
			}
		}
	}

	if skipOhlcv && len(ofVerdicts) == 0 {
		return nil
	}

	ohlcvVerdicts, price, err := runOhlcvStrategies(ctx, h.candles, st, symbol, h.roster)
	if err != nil {
		if len(ofVerdicts) == 0 {
			return nil
		}
		price, err = h.client.GetPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("handler: no price available for %s: %w", symbol, err)
		}
	}

	allVerdicts := append(append([]types.Verdict{}, ohlcvVerdicts...), ofVerdicts...)
	for _, v := range allVerdicts {
		h.sink.RecordVerdict(ctx, symbol, types.MarketFutures, v)
		publishEvent(h.bus, events.NewVerdictEvent(symbol, string(types.MarketFutures), v.Strategy, string(v.Signal), v.Confidence, v.Reasoning))
	}
	if len(allVerdicts) == 0 {
		return nil
	}

	margin, err := h.client.GetBalance(ctx, marginAsset)
	if err != nil {
		return fmt.Errorf("handler: margin balance lookup failed for %s: %w", symbol, err)
	}
	marginRatio := h.marginRatio(margin)
	leverage := decimal.NewFromFloat(h.cfg.Leverage)

	primary := primarySignal(allVerdicts)
	candles := candlesForRisk(st)
	riskMetrics := h.evaluator.PreCalculateMetrics(primary, symbol, price, margin, marginRatio, leverage, candles)

	mtf := buildMTFSummary(st)
	portfolio := h.buildPortfolio(margin, marginRatio, leverage)

	d := h.decider.Decide(ctx, decideInput(symbol, price, types.MarketFutures, portfolio, allVerdicts, riskMetrics, mtf))
	h.sink.RecordDecision(ctx, symbol, types.MarketFutures, d)
	publishEvent(h.bus, events.NewDecisionEvent(symbol, string(types.MarketFutures), string(d.Action), d.Confidence, string(d.Horizon), d.LLMOverride))

	d = applyConfidenceFloor(d, h.llmCfg.MinConfidence)

	pos, held := h.evaluator.Position(symbol)
	action := translateSignal(d.Action, pos, held)
	if action == types.SignalHold {
		return nil
	}

	opening := action == types.SignalBuy || action == types.SignalShort
	if opening && withinCooldown(st, h.cfg.CooldownMinutes) {
		h.logger.Info("skipping open within cooldown window", zap.String("symbol", symbol))
		return nil
	}

	if opening {
		side := types.PositionLong
		if action == types.SignalShort {
			side = types.PositionShort
		}
		if !h.evaluator.ReserveSlot(symbol, side) {
			h.logger.Info("slot reservation failed", zap.String("symbol", symbol), zap.String("side", string(side)))
			return nil
		}
		ok := false
		defer func() {
			if !ok {
				h.evaluator.ReleaseSlot(symbol, side)
			}
		}()

		result := h.evaluator.Evaluate(symbol, action, price, margin, marginRatio, leverage, d.Horizon, d.PositionSizePct, d.StopLoss, d.TakeProfit, candles)
		if !result.Ok {
			h.logger.Info("risk rejected", zap.String("symbol", symbol), zap.String("reason", result.Rejected.Reason))
			publishEvent(h.bus, events.NewRiskRejectedEvent(symbol, string(types.MarketFutures), result.Rejected.Reason))
			return nil
		}
		approved := result.Approved

		qty := approved.Quantity
		if d.LLMOverride {
			halved := qty.Div(decimal.NewFromInt(2))
			if halved.Mul(price).GreaterThanOrEqual(decimal.NewFromFloat(risk.MinNotionalUSD)) {
				qty = halved
			}
		}

		orderSide := types.OrderSideBuy
		if side == types.PositionShort {
			orderSide = types.OrderSideSell
		}
		opened, err := h.executor.Execute(ctx, execution.OpenRequest{
			Symbol: symbol, Market: types.MarketFutures, Side: orderSide, Quantity: qty,
			StopLoss: approved.StopLoss, TakeProfit: approved.TakeProfit,
		})
		if err != nil {
			h.logger.Error("execute open failed", zap.String("symbol", symbol), zap.Error(err))
			return nil
		}
		ok = true
		h.sink.RecordOrder(ctx, opened.Entry)
		publishEvent(h.bus, events.NewOrderEvent(opened.Entry.ID, symbol, string(types.MarketFutures), string(opened.Entry.Side), opened.Entry.FilledQty, opened.Entry.AvgFillPrice, string(opened.Entry.Status)))

		newPos := types.FuturesPosition{
			Symbol: symbol, Side: side, Quantity: opened.Entry.FilledQty,
			EntryPrice: opened.Entry.AvgFillPrice, Leverage: leverage,
			StopLoss: approved.StopLoss, TakeProfit: approved.TakeProfit,
			TPOrderID: opened.TPOrderID, SLOrderID: opened.SLOrderID,
			LiquidationPx: approved.LiquidationPrice, OpenedAt: time.Now().UTC(),
			EntryHorizon: d.Horizon, EntryReason: d.Reasoning,
		}
		h.evaluator.ConfirmPosition(newPos)
		h.sink.UpsertFuturesPosition(ctx, newPos)
		return nil
	}

	// closing: action is SELL (close long) or COVER (close short).
	result := h.evaluator.Evaluate(symbol, action, price, margin, marginRatio, leverage, d.Horizon, d.PositionSizePct, d.StopLoss, d.TakeProfit, candles)
	if !result.Ok {
		return nil
	}
	return h.closePosition(ctx, symbol, pos, "signal-driven close")
}

func (h *FuturesHandler) closePosition(ctx context.Context, symbol string, pos types.FuturesPosition, reason string) error {
	h.logger.Info("closing futures position", zap.String("symbol", symbol), zap.String("reason", reason))
	closeSide := types.OrderSideSell
	if pos.Side == types.PositionShort {
		closeSide = types.OrderSideBuy
	}
	filled, err := h.executor.Close(ctx, symbol, closeSide, pos.Quantity, pos.SLOrderID, pos.TPOrderID)
	if err != nil {
		h.logger.Error("futures close failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	h.sink.RecordOrder(ctx, filled)
	publishEvent(h.bus, events.NewOrderEvent(filled.ID, symbol, string(types.MarketFutures), string(filled.Side), filled.FilledQty, filled.AvgFillPrice, string(filled.Status)))
	h.evaluator.RemovePosition(symbol, filled.AvgFillPrice)
	h.sink.DeleteFuturesPosition(ctx, symbol)
	recordClose(h.stateFor(symbol))
	return nil
}

// finalizeExternalClose cleans up local state after an exchange-side SL/TP
// fill already flattened the position: cancel the surviving protective leg,
// realize PnL at the current price, and drop the record.
func (h *FuturesHandler) finalizeExternalClose(ctx context.Context, symbol string, pos types.FuturesPosition) error {
	h.logger.Info("protective order filled on exchange, clearing position", zap.String("symbol", symbol))
	h.executor.CancelSLTP(ctx, symbol, pos.SLOrderID, pos.TPOrderID)

	exitPrice, err := h.client.GetPrice(ctx, symbol)
	if err != nil || exitPrice.IsZero() {
		exitPrice = pos.EntryPrice
	}
	h.evaluator.RemovePosition(symbol, exitPrice)
	h.sink.DeleteFuturesPosition(ctx, symbol)
	recordClose(h.stateFor(symbol))
	return nil
}

// marginRatio is a simplified stand-in for the exchange's margin-ratio
// read: the share of position slots in use (open plus reserved) out of
// max_open_positions, scaled by max_margin_ratio. It does not look at
// wallet balance or notional; it is zero when nothing is open and 1 when
// the margin balance is not positive.
func (h *FuturesHandler) marginRatio(margin decimal.Decimal) decimal.Decimal {
	if margin.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromFloat(1)
	}
	used := decimal.NewFromInt(int64(h.evaluator.OpenAndReservedCount()))
	return used.Div(decimal.NewFromFloat(float64(h.cfg.MaxOpenPositions))).Mul(decimal.NewFromFloat(h.cfg.MaxMarginRatio))
}

func (h *FuturesHandler) buildPortfolio(margin, marginRatio, leverage decimal.Decimal) types.PortfolioState {
	dailyPnL := h.evaluator.DailyPnL()
	return types.PortfolioState{
		AvailableBalance:   margin,
		CurrentCount:       h.evaluator.OpenAndReservedCount(),
		MaxPositions:       h.cfg.MaxOpenPositions,
		DailyRealizedPnL:   dailyPnL,
		DailyRiskRemaining: margin.Mul(decimal.NewFromFloat(h.cfg.MaxDailyLossPct)).Add(dailyPnL),
		MarginBalance:      margin,
		MarginRatio:        marginRatio,
		Leverage:           leverage,
	}
}
