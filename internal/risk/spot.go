package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/pkg/types"
	"github.com/helioslabs/trading-supervisor/pkg/utils"
)

// SpotEvaluator is the RiskEvaluator variant for the spot market. It is
// the sole mutator of spot positions; handlers call its methods under its
// internal mutex.
type SpotEvaluator struct {
	mu sync.Mutex

	cfg    config.SpotConfig
	horiz  config.HorizonRiskConfig
	logger *zap.Logger

	positions map[string]types.SpotPosition
	dailyPnL  decimal.Decimal
	pnlDate   time.Time
}

// NewSpotEvaluator builds a SpotEvaluator.
func NewSpotEvaluator(logger *zap.Logger, cfg config.SpotConfig, horiz config.HorizonRiskConfig) *SpotEvaluator {
	return &SpotEvaluator{
		cfg:       cfg,
		horiz:     horiz,
		logger:    logger,
		positions: make(map[string]types.SpotPosition),
		pnlDate:   time.Now().UTC(),
	}
}

// SetConfig atomically replaces the risk parameters a hot-reload applies,
// per the orchestrator's "replace the whole settings value atomically"
// reload rule. Tracked positions and daily PnL are untouched.
func (e *SpotEvaluator) SetConfig(cfg config.SpotConfig, horiz config.HorizonRiskConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.horiz = horiz
}

// OpenPositionCount returns the current number of tracked positions.
func (e *SpotEvaluator) OpenPositionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// DailyPnL returns today's realized PnL, used to populate the portfolio
// snapshot handed to the DecisionEngine.
func (e *SpotEvaluator) DailyPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyPnLIfNeeded()
	return e.dailyPnL
}

func (e *SpotEvaluator) resetDailyPnLIfNeeded() {
	now := time.Now().UTC()
	if now.Year() != e.pnlDate.Year() || now.YearDay() != e.pnlDate.YearDay() {
		e.dailyPnL = decimal.Zero
		e.pnlDate = now
	}
}

// PreCalculateMetrics produces advisory-only risk metrics ahead of the LLM
// call. It never mutates position state.
func (e *SpotEvaluator) PreCalculateMetrics(signal types.Signal, symbol string, price decimal.Decimal, balance decimal.Decimal, candles []utils.OHLCVLike, horizon types.Horizon) types.RiskMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyPnLIfNeeded()

	hp := horizonParams(e.horiz, horizon)
	long := signal == types.SignalBuy
	sl, tp, atr, _, note := resolveSLTP(price, long, hp, decimal.Zero, decimal.Zero, candles, e.cfg.ATR.Period, e.cfg.ATR.Enabled)
	rr := riskReward(price, sl, tp)

	m := types.RiskMetrics{
		StopLoss:    sl,
		TakeProfit:  tp,
		SLDistance:  sl.Sub(price).Abs(),
		TPDistance:  tp.Sub(price).Abs(),
		RiskReward:  rr,
		ATR:         atr,
		PassesMinRR: rr.GreaterThanOrEqual(decimal.NewFromFloat(hp.MinRR)),
		Reason:      note,
	}

	if e.dailyPnL.LessThan(balance.Mul(decimal.NewFromFloat(e.cfg.MaxDailyLossPct)).Neg()) {
		m.Reason = "daily loss limit reached"
	} else if _, held := e.positions[symbol]; held && signal == types.SignalBuy {
		m.Reason = "already holding " + symbol
	}
	return m
}

// Evaluate runs the authoritative BUY/SELL gate sequence.
func (e *SpotEvaluator) Evaluate(symbol string, signal types.Signal, price, balance decimal.Decimal, horizon types.Horizon, llmSizePct decimal.Decimal, llmSL, llmTP decimal.Decimal, candles []utils.OHLCVLike) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyPnLIfNeeded()

	switch signal {
	case types.SignalBuy:
		return e.evaluateBuy(symbol, price, balance, horizon, llmSizePct, llmSL, llmTP, candles)
	case types.SignalSell:
		return e.evaluateSell(symbol)
	default:
		return rejectReason("HOLD signal")
	}
}

func (e *SpotEvaluator) evaluateBuy(symbol string, price, balance decimal.Decimal, horizon types.Horizon, llmSizePct decimal.Decimal, llmSL, llmTP decimal.Decimal, candles []utils.OHLCVLike) Result {
	maxDailyLoss := balance.Mul(decimal.NewFromFloat(e.cfg.MaxDailyLossPct)).Neg()
	if e.dailyPnL.LessThan(maxDailyLoss) {
		e.logger.Warn("risk reject: daily loss limit", zap.String("symbol", symbol))
		return rejectReason("daily loss limit reached")
	}

	if len(e.positions) >= e.cfg.MaxOpenPositions {
		e.logger.Warn("risk reject: max open positions", zap.String("symbol", symbol))
		return rejectReason("max open positions reached")
	}

	if _, held := e.positions[symbol]; held {
		return rejectReason("already holding " + symbol)
	}

	hp := horizonParams(e.horiz, horizon)
	sl, tp, _, _, _ := resolveSLTP(price, true, hp, llmSL, llmTP, candles, e.cfg.ATR.Period, e.cfg.ATR.Enabled)

	notional := notionalFor(balance, e.cfg.MaxPositionPct, hp.SizeFactor, decimal.Zero, llmSizePct)
	qty := notional.Div(price)
	if qty.LessThanOrEqual(decimal.Zero) {
		return rejectReason("computed quantity is zero")
	}
	if notional.LessThan(decimal.NewFromFloat(MinNotionalUSD)) {
		return rejectReason("order notional below exchange minimum")
	}

	e.logger.Info("risk approved BUY", zap.String("symbol", symbol), zap.String("qty", qty.String()), zap.String("sl", sl.String()), zap.String("tp", tp.String()))
	return approve(Approved{Quantity: qty, StopLoss: sl, TakeProfit: tp, RiskReward: riskReward(price, sl, tp)})
}

func (e *SpotEvaluator) evaluateSell(symbol string) Result {
	pos, held := e.positions[symbol]
	if !held {
		return rejectReason("not holding " + symbol)
	}
	return approve(Approved{Quantity: pos.Quantity})
}

// AddPosition records a newly-opened position after a successful fill.
func (e *SpotEvaluator) AddPosition(pos types.SpotPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[pos.Symbol] = pos
}

// RemovePosition removes a position and folds its realized PnL into the
// daily total, returning the PnL.
func (e *SpotEvaluator) RemovePosition(symbol string, exitPrice decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, held := e.positions[symbol]
	if !held {
		return decimal.Zero
	}
	delete(e.positions, symbol)
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	e.dailyPnL = e.dailyPnL.Add(pnl)
	return pnl
}

// AllPositions returns a snapshot of every tracked spot position, keyed by
// symbol.
func (e *SpotEvaluator) AllPositions() map[string]types.SpotPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.SpotPosition, len(e.positions))
	for k, v := range e.positions {
		out[k] = v
	}
	return out
}

// ForceRemovePosition drops a tracked position without touching daily PnL;
// used by the reconciler to clear phantom positions the exchange doesn't
// have.
func (e *SpotEvaluator) ForceRemovePosition(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, symbol)
}

// ReplacePosition overwrites a tracked position with the exchange's
// reported values, used by the reconciler to correct drift without touching daily PnL.
func (e *SpotEvaluator) ReplacePosition(pos types.SpotPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[pos.Symbol] = pos
}

// Position returns the tracked position for symbol, if any.
func (e *SpotEvaluator) Position(symbol string) (types.SpotPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	return p, ok
}

// CheckStopLossTakeProfit compares the current price against a position's
// stored SL/TP (used by the handler's price-poll path when no exchange-side
// protective orders exist). Returns SELL if triggered, else HOLD.
func (e *SpotEvaluator) CheckStopLossTakeProfit(symbol string, currentPrice decimal.Decimal) types.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, held := e.positions[symbol]
	if !held {
		return types.SignalHold
	}

	// A position rehydrated without stored levels gets the fixed-percentage
	// fallback recomputed from its entry rather than comparing against zero.
	sl, tp := pos.StopLoss, pos.TakeProfit
	if sl.IsZero() || tp.IsZero() {
		hp := horizonParams(e.horiz, pos.EntryHorizon)
		fsl, ftp, _, _, _ := resolveSLTP(pos.EntryPrice, true, hp, decimal.Zero, decimal.Zero, nil, 0, false)
		if sl.IsZero() {
			sl = fsl
		}
		if tp.IsZero() {
			tp = ftp
		}
	}

	if currentPrice.LessThanOrEqual(sl) || currentPrice.GreaterThanOrEqual(tp) {
		return types.SignalSell
	}
	return types.SignalHold
}
