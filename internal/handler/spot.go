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
	"github.com/helioslabs/trading-supervisor/pkg/utils"
)

// quoteAsset is the balance currency spot trading is denominated in.
const quoteAsset = "USDT"

// SpotHandler runs the per-cycle pipeline for one spot-market symbol.
type SpotHandler struct {
	logger   *zap.Logger
	cfg      config.SpotConfig
	llmCfg   config.LLMConfig
	client   execution.ExchangeClient
	executor *execution.Executor
	evaluator *risk.SpotEvaluator
	decider  *decision.Engine
	candles  CandleSource
	trades   TradeSource
	sink     Sink
	bus      *events.EventBus

	roster strategyRoster

	mu     sync.Mutex
	states map[string]*symbolState
}

// NewSpotHandler builds a SpotHandler. bus may be nil, in which case the
// handler runs without publishing cycle events.
func NewSpotHandler(
	logger *zap.Logger,
	cfg config.SpotConfig,
	llmCfg config.LLMConfig,
	client execution.ExchangeClient,
	executor *execution.Executor,
	evaluator *risk.SpotEvaluator,
	decider *decision.Engine,
	reg *strategy.Registry,
	strategies []config.StrategySpec,
	candles CandleSource,
	trades TradeSource,
	sink Sink,
	bus *events.EventBus,
) *SpotHandler {
	return &SpotHandler{
		logger:    logger.Named("spot_handler"),
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

// RebuildRoster recompiles the strategy roster, called by the orchestrator
// when the config's strategy fingerprint changes.
func (h *SpotHandler) RebuildRoster(reg *strategy.Registry, strategies []config.StrategySpec) {
	h.roster = buildRoster(h.logger, reg, strategies)
}

// ClearSlotMemo forgets every symbol's last-seen slot so the next cycle
// re-runs OHLCV strategies regardless of timeframe boundary, part of the
// hot-reload contract.
func (h *SpotHandler) ClearSlotMemo() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		st.mu.Lock()
		st.slotSeen = false
		st.mu.Unlock()
	}
}

// SetConfig swaps the scheduling/risk parameters applied on the next cycle,
// part of the orchestrator's atomic config hot-reload.
func (h *SpotHandler) SetConfig(cfg config.SpotConfig, llmCfg config.LLMConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	h.llmCfg = llmCfg
}

func (h *SpotHandler) stateFor(symbol string) *symbolState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[symbol]
	if !ok {
		st = newSymbolState()
		h.states[symbol] = st
	}
	return st
}

// ProcessSymbol runs one cycle of the per-symbol pipeline for symbol.
func (h *SpotHandler) ProcessSymbol(ctx context.Context, symbol string) error {
	st := h.stateFor(symbol)

	// step 1: per-timeframe slot guard (order-flow ingestion still runs).
	finest := finestTimeframe(h.roster, types.Timeframe(h.cfg.Timeframe))
	slot := currentSlot(finest)
	st.mu.Lock()
	skipOhlcv := st.slotSeen && st.lastSlot == slot
	st.lastSlot = slot
	st.slotSeen = true
	st.mu.Unlock()

	// step 2: order-flow ingestion runs every cycle.
	ofVerdicts := ingestOrderFlow(ctx, h.trades, h.sink, st, symbol, h.roster)

	// step 5: protective-order / price-poll close check ahead of fan-out.
	if pos, held := h.evaluator.Position(symbol); held {
		if protectiveFilled(ctx, h.client, symbol, pos.SLOrderID, pos.TPOrderID) {
			return h.finalizeExternalClose(ctx, symbol, pos)
		}
		price, err := h.client.GetPrice(ctx, symbol)
		if err == nil {
			if sig := h.evaluator.CheckStopLossTakeProfit(symbol, price); sig == types.SignalSell {
				return h.closePosition(ctx, symbol, pos, "stop_loss_or_take_profit triggered")
			}
		}
	}

	if skipOhlcv && len(ofVerdicts) == 0 {
		return nil
	}

	// steps 3-4: multi-timeframe fetch + current price.
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

	// step 6: strategy fan-out, gathering every verdict into one list.
	allVerdicts := append(append([]types.Verdict{}, ohlcvVerdicts...), ofVerdicts...)
	for _, v := range allVerdicts {
		h.sink.RecordVerdict(ctx, symbol, types.MarketSpot, v)
		publishEvent(h.bus, events.NewVerdictEvent(symbol, string(types.MarketSpot), v.Strategy, string(v.Signal), v.Confidence, v.Reasoning))
	}
	if len(allVerdicts) == 0 {
		return nil
	}

	// step 7: pre-compute risk metrics, advisory only.
	balance, err := h.client.GetBalance(ctx, quoteAsset)
	if err != nil {
		return fmt.Errorf("handler: balance lookup failed for %s: %w", symbol, err)
	}

	primary := primarySignal(allVerdicts)
	candles := candlesForRisk(st)
	riskMetrics := h.evaluator.PreCalculateMetrics(primary, symbol, price, balance, candles, types.HorizonMedium)

	// step 8: multi-timeframe text summary.
	mtf := buildMTFSummary(st)

	// step 9: DecisionEngine call.
	portfolio := h.buildPortfolio(balance)
	d := h.decider.Decide(ctx, decideInput(symbol, price, types.MarketSpot, portfolio, allVerdicts, riskMetrics, mtf))
	h.sink.RecordDecision(ctx, symbol, types.MarketSpot, d)
	publishEvent(h.bus, events.NewDecisionEvent(symbol, string(types.MarketSpot), string(d.Action), d.Confidence, string(d.Horizon), d.LLMOverride))

	// step 10: confidence floor.
	d = applyConfidenceFloor(d, h.llmCfg.MinConfidence)

	// spot has no SHORT/COVER; translate SELL against held state.
	action := d.Action
	_, held := h.evaluator.Position(symbol)
	if action == types.SignalSell && !held {
		action = types.SignalHold
	}
	if action == types.SignalBuy && held {
		action = types.SignalHold
	}
	if action == types.SignalHold {
		return nil
	}

	// step 12: cooldown guard (opens only).
	if action == types.SignalBuy && withinCooldown(st, h.cfg.CooldownMinutes) {
		h.logger.Info("skipping open within cooldown window", zap.String("symbol", symbol))
		return nil
	}

	// step 13: minimum-hold guard (closes only).
	if action == types.SignalSell {
		if pos, ok := h.evaluator.Position(symbol); ok && belowMinimumHold(pos.OpenedAt, pos.EntryHorizon) {
			h.logger.Info("skipping close inside minimum-hold window", zap.String("symbol", symbol))
			return nil
		}
	}

	// step 14: authoritative risk evaluation.
	result := h.evaluator.Evaluate(symbol, action, price, balance, d.Horizon, d.PositionSizePct, d.StopLoss, d.TakeProfit, candles)
	if !result.Ok {
		h.logger.Info("risk rejected", zap.String("symbol", symbol), zap.String("reason", result.Rejected.Reason))
		publishEvent(h.bus, events.NewRiskRejectedEvent(symbol, string(types.MarketSpot), result.Rejected.Reason))
		return nil
	}
	approved := result.Approved

	// step 15: LLM-override half-size.
	qty := approved.Quantity
	if d.LLMOverride {
		halved := qty.Div(decimal.NewFromInt(2))
		if halved.Mul(price).GreaterThanOrEqual(decimal.NewFromFloat(risk.MinNotionalUSD)) {
			qty = halved
		}
	}

	if action == types.SignalSell {
		return h.closeLong(ctx, symbol, qty)
	}
	return h.openLong(ctx, symbol, qty, approved, d)
}

func (h *SpotHandler) openLong(ctx context.Context, symbol string, qty decimal.Decimal, approved risk.Approved, d types.Decision) error {
	req := execution.OpenRequest{
		Symbol:     symbol,
		Market:     types.MarketSpot,
		Side:       types.OrderSideBuy,
		Quantity:   qty,
		StopLoss:   approved.StopLoss,
		TakeProfit: approved.TakeProfit,
	}
	opened, err := h.executor.Execute(ctx, req)
	if err != nil {
		h.logger.Error("execute BUY failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	h.sink.RecordOrder(ctx, opened.Entry)
	publishEvent(h.bus, events.NewOrderEvent(opened.Entry.ID, symbol, string(types.MarketSpot), string(opened.Entry.Side), opened.Entry.FilledQty, opened.Entry.AvgFillPrice, string(opened.Entry.Status)))

	pos := types.SpotPosition{
		Symbol:       symbol,
		Quantity:     opened.Entry.FilledQty,
		EntryPrice:   opened.Entry.AvgFillPrice,
		StopLoss:     approved.StopLoss,
		TakeProfit:   approved.TakeProfit,
		TPOrderID:    opened.TPOrderID,
		SLOrderID:    opened.SLOrderID,
		OpenedAt:     time.Now().UTC(),
		EntryHorizon: d.Horizon,
		EntryReason:  d.Reasoning,
	}
	h.evaluator.AddPosition(pos)
	h.sink.UpsertSpotPosition(ctx, pos)
	return nil
}

func (h *SpotHandler) closeLong(ctx context.Context, symbol string, qty decimal.Decimal) error {
	pos, held := h.evaluator.Position(symbol)
	if !held {
		return nil
	}
	filled, err := h.executor.Close(ctx, symbol, types.OrderSideSell, qty, pos.SLOrderID, pos.TPOrderID)
	if err != nil {
		h.logger.Error("execute SELL failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	h.sink.RecordOrder(ctx, filled)
	publishEvent(h.bus, events.NewOrderEvent(filled.ID, symbol, string(types.MarketSpot), string(filled.Side), filled.FilledQty, filled.AvgFillPrice, string(filled.Status)))
	h.evaluator.RemovePosition(symbol, filled.AvgFillPrice)
	h.sink.DeleteSpotPosition(ctx, symbol)
	recordClose(h.stateFor(symbol))
	return nil
}

// closePosition handles the step-5 protective-trigger close path, which
// already knows the position and current price.
func (h *SpotHandler) closePosition(ctx context.Context, symbol string, pos types.SpotPosition, reason string) error {
	h.logger.Info("closing on protective trigger", zap.String("symbol", symbol), zap.String("reason", reason))
	filled, err := h.executor.Close(ctx, symbol, types.OrderSideSell, pos.Quantity, pos.SLOrderID, pos.TPOrderID)
	if err != nil {
		h.logger.Error("protective close failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	h.sink.RecordOrder(ctx, filled)
	publishEvent(h.bus, events.NewOrderEvent(filled.ID, symbol, string(types.MarketSpot), string(filled.Side), filled.FilledQty, filled.AvgFillPrice, string(filled.Status)))
	h.evaluator.RemovePosition(symbol, filled.AvgFillPrice)
	h.sink.DeleteSpotPosition(ctx, symbol)
	recordClose(h.stateFor(symbol))
	return nil
}

// finalizeExternalClose cleans up local state after an exchange-side SL/TP
// fill already flattened the position: cancel the surviving protective leg,
// realize PnL at the current price, and drop the record.
func (h *SpotHandler) finalizeExternalClose(ctx context.Context, symbol string, pos types.SpotPosition) error {
	h.logger.Info("protective order filled on exchange, clearing position", zap.String("symbol", symbol))
	h.executor.CancelSLTP(ctx, symbol, pos.SLOrderID, pos.TPOrderID)

	exitPrice, err := h.client.GetPrice(ctx, symbol)
	if err != nil || exitPrice.IsZero() {
		exitPrice = pos.EntryPrice
	}
	h.evaluator.RemovePosition(symbol, exitPrice)
	h.sink.DeleteSpotPosition(ctx, symbol)
	recordClose(h.stateFor(symbol))
	return nil
}

func (h *SpotHandler) buildPortfolio(balance decimal.Decimal) types.PortfolioState {
	dailyPnL := h.evaluator.DailyPnL()
	return types.PortfolioState{
		AvailableBalance:   balance,
		CurrentCount:       h.evaluator.OpenPositionCount(),
		MaxPositions:       h.cfg.MaxOpenPositions,
		DailyRealizedPnL:   dailyPnL,
		DailyRiskRemaining: balance.Mul(decimal.NewFromFloat(h.cfg.MaxDailyLossPct)).Add(dailyPnL),
	}
}

// primarySignal picks the first non-HOLD verdict's signal as the
// direction PreCalculateMetrics uses; one non-HOLD verdict is enough to
// trigger the pre-calculation.
func primarySignal(verdicts []types.Verdict) types.Signal {
	for _, v := range verdicts {
		if v.Signal != types.SignalHold {
			return v.Signal
		}
	}
	return types.SignalHold
}

// candlesForRisk returns whichever cached timeframe has the most bars,
// converted for ATR inside resolveSLTP.
func candlesForRisk(st *symbolState) []utils.OHLCVLike {
	st.mu.Lock()
	defer st.mu.Unlock()
	var best []types.OHLCV
	for _, entry := range st.candleCache {
		if len(entry.candles) > len(best) {
			best = entry.candles
		}
	}
	return toOHLCVLike(best)
}
