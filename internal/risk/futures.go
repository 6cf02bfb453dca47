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

// maintenanceMarginRate is the constant MMR used by the liquidation-price
// formula.
const maintenanceMarginRate = 0.004

type slotKey struct {
	symbol string
	side   types.PositionSide
}

// FuturesEvaluator is the RiskEvaluator variant for linear perpetual
// futures. It additionally owns the reserved-slot registry used for
// atomic (symbol, side) claims ahead of order placement.
type FuturesEvaluator struct {
	mu sync.Mutex

	cfg    config.FuturesConfig
	horiz  config.HorizonRiskConfig
	logger *zap.Logger

	positions map[string]types.FuturesPosition
	reserved  map[slotKey]struct{}
	dailyPnL  decimal.Decimal
	pnlDate   time.Time
}

// NewFuturesEvaluator builds a FuturesEvaluator.
func NewFuturesEvaluator(logger *zap.Logger, cfg config.FuturesConfig, horiz config.HorizonRiskConfig) *FuturesEvaluator {
	return &FuturesEvaluator{
		cfg:       cfg,
		horiz:     horiz,
		logger:    logger,
		positions: make(map[string]types.FuturesPosition),
		reserved:  make(map[slotKey]struct{}),
		pnlDate:   time.Now().UTC(),
	}
}

// DailyPnL returns today's realized PnL, used to populate the portfolio
// snapshot handed to the DecisionEngine.
func (e *FuturesEvaluator) DailyPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyPnLIfNeeded()
	return e.dailyPnL
}

func (e *FuturesEvaluator) resetDailyPnLIfNeeded() {
	now := time.Now().UTC()
	if now.Year() != e.pnlDate.Year() || now.YearDay() != e.pnlDate.YearDay() {
		e.dailyPnL = decimal.Zero
		e.pnlDate = now
	}
}

// SetConfig atomically replaces the risk parameters a hot-reload applies.
// Tracked positions, reservations and daily PnL are untouched.
func (e *FuturesEvaluator) SetConfig(cfg config.FuturesConfig, horiz config.HorizonRiskConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.horiz = horiz
}

// OpenAndReservedCount returns |open_positions| + |reserved_slots|, the
// quantity the position-count cap bounds.
func (e *FuturesEvaluator) OpenAndReservedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions) + len(e.reserved)
}

// ReserveSlot atomically checks and inserts a (symbol, side) reservation.
// Exactly one of two concurrent calls for the same key returns true.
func (e *FuturesEvaluator) ReserveSlot(symbol string, side types.PositionSide) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := slotKey{symbol, side}
	if _, exists := e.reserved[k]; exists {
		return false
	}
	if _, open := e.positions[symbol]; open {
		return false
	}
	if len(e.positions)+len(e.reserved) >= e.cfg.MaxOpenPositions {
		return false
	}
	e.reserved[k] = struct{}{}
	return true
}

// ReleaseSlot removes a failed reservation.
func (e *FuturesEvaluator) ReleaseSlot(symbol string, side types.PositionSide) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reserved, slotKey{symbol, side})
}

// ConfirmPosition moves a reservation into an open position after a
// successful fill.
func (e *FuturesEvaluator) ConfirmPosition(pos types.FuturesPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reserved, slotKey{pos.Symbol, pos.Side})
	e.positions[pos.Symbol] = pos
}

// PreCalculateMetrics produces advisory-only risk metrics ahead of the
// LLM call, the futures analogue of SpotEvaluator.PreCalculateMetrics. It
// never mutates position state.
func (e *FuturesEvaluator) PreCalculateMetrics(signal types.Signal, symbol string, price, availableMargin decimal.Decimal, marginRatio, leverage decimal.Decimal, candles []utils.OHLCVLike) types.RiskMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyPnLIfNeeded()

	hp := horizonParams(e.horiz, types.HorizonMedium)
	long := signal != types.SignalShort
	sl, tp, atr, _, note := resolveSLTP(price, long, hp, decimal.Zero, decimal.Zero, candles, 14, true)
	rr := riskReward(price, sl, tp)
	slDist := sl.Sub(price).Abs()
	accountRiskPct := slDist.Div(price).Mul(leverage).Mul(decimal.NewFromFloat(e.cfg.MaxPositionPct))
	liq := liquidationPrice(price, leverage, long)

	m := types.RiskMetrics{
		StopLoss:         sl,
		TakeProfit:       tp,
		SLDistance:       slDist,
		TPDistance:       tp.Sub(price).Abs(),
		RiskReward:       rr,
		ATR:              atr,
		Leverage:         leverage,
		LiquidationPrice: liq,
		AccountRiskPct:   accountRiskPct,
		PassesMinRR:      rr.GreaterThanOrEqual(decimal.NewFromFloat(hp.MinRR)),
		Reason:           note,
	}

	if marginRatio.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.MaxMarginRatio)) {
		m.Reason = "margin ratio at or above max"
	} else if _, open := e.positions[symbol]; open && (signal == types.SignalBuy || signal == types.SignalShort) {
		m.Reason = "position already open for " + symbol
	}
	return m
}

// Evaluate runs the open/close gate sequences. signal BUY/SHORT opens; SELL closes a long; COVER closes a short. For an open,
// the caller must already hold a successful ReserveSlot(symbol, side) for
// this same attempt; evaluateOpen trusts that reservation rather than
// re-checking it, since re-checking would see its own call's entry.
func (e *FuturesEvaluator) Evaluate(symbol string, signal types.Signal, price, availableMargin decimal.Decimal, marginRatio, leverage decimal.Decimal, horizon types.Horizon, llmSizePct decimal.Decimal, llmSL, llmTP decimal.Decimal, candles []utils.OHLCVLike) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyPnLIfNeeded()

	switch signal {
	case types.SignalBuy, types.SignalShort:
		side := types.PositionLong
		if signal == types.SignalShort {
			side = types.PositionShort
		}
		return e.evaluateOpen(symbol, side, price, availableMargin, marginRatio, leverage, horizon, llmSizePct, llmSL, llmTP, candles)
	case types.SignalSell:
		return e.evaluateClose(symbol, types.PositionLong)
	case types.SignalCover:
		return e.evaluateClose(symbol, types.PositionShort)
	default:
		return rejectReason("HOLD signal")
	}
}

func (e *FuturesEvaluator) evaluateOpen(symbol string, side types.PositionSide, price, availableMargin decimal.Decimal, marginRatio, leverage decimal.Decimal, horizon types.Horizon, llmSizePct decimal.Decimal, llmSL, llmTP decimal.Decimal, candles []utils.OHLCVLike) Result {
	if marginRatio.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.MaxMarginRatio)) {
		return rejectReason("margin ratio at or above max")
	}

	maxDailyLoss := availableMargin.Mul(decimal.NewFromFloat(e.cfg.MaxDailyLossPct)).Neg()
	if e.dailyPnL.LessThan(maxDailyLoss) {
		return rejectReason("daily loss limit reached")
	}

	// Slot capacity, reservation-uniqueness and same-symbol-open checks are
	// ReserveSlot's job, run atomically before this call; re-checking
	// e.reserved here would always see this attempt's own entry.
	hp := horizonParams(e.horiz, horizon)
	long := side == types.PositionLong
	sl, tp, _, _, _ := resolveSLTP(price, long, hp, llmSL, llmTP, candles, 14, true)

	rr := riskReward(price, sl, tp)
	if rr.LessThan(decimal.NewFromFloat(hp.MinRR)) {
		return rejectReason("risk:reward below horizon minimum")
	}

	slDist := sl.Sub(price).Abs()
	accountRiskPct := slDist.Div(price).Mul(leverage).Mul(decimal.NewFromFloat(e.cfg.MaxPositionPct))
	maxAccountRisk := decimal.NewFromFloat(e.cfg.MaxDailyLossPct / 2)
	if accountRiskPct.GreaterThan(maxAccountRisk) {
		return rejectReason("account risk exceeds cap")
	}

	liq := liquidationPrice(price, leverage, long)
	if long && sl.LessThanOrEqual(liq) {
		return rejectReason("stop loss at or beyond liquidation price")
	}
	if !long && sl.GreaterThanOrEqual(liq) {
		return rejectReason("stop loss at or beyond liquidation price")
	}

	notional := notionalFor(availableMargin, e.cfg.MaxPositionPct, hp.SizeFactor, leverage, llmSizePct)
	qty := notional.Div(price)
	if qty.LessThanOrEqual(decimal.Zero) {
		return rejectReason("computed quantity is zero")
	}
	if notional.LessThan(decimal.NewFromFloat(MinNotionalUSD)) {
		return rejectReason("order notional below exchange minimum")
	}

	e.logger.Info("risk approved futures open",
		zap.String("symbol", symbol), zap.String("side", string(side)),
		zap.String("qty", qty.String()), zap.String("liq", liq.String()))

	return approve(Approved{
		Quantity:         qty,
		StopLoss:         sl,
		TakeProfit:       tp,
		Leverage:         leverage,
		LiquidationPrice: liq,
		RiskReward:       rr,
	})
}

func (e *FuturesEvaluator) evaluateClose(symbol string, side types.PositionSide) Result {
	pos, held := e.positions[symbol]
	if !held || pos.Side != side {
		return rejectReason("no matching position for " + symbol)
	}
	return approve(Approved{Quantity: pos.Quantity, Leverage: pos.Leverage})
}

// liquidationPrice: for long,
// price*(1 - 1/leverage + MMR); for short, price*(1 + 1/leverage - MMR).
func liquidationPrice(price, leverage decimal.Decimal, long bool) decimal.Decimal {
	invLev := decimal.NewFromInt(1).Div(leverage)
	mmr := decimal.NewFromFloat(maintenanceMarginRate)
	if long {
		return price.Mul(decimal.NewFromInt(1).Sub(invLev).Add(mmr))
	}
	return price.Mul(decimal.NewFromInt(1).Add(invLev).Sub(mmr))
}

// LiquidationPrice exposes the same formula to callers outside the package,
// namely the reconciler when it adopts an orphaned exchange-reported position.
func LiquidationPrice(price, leverage decimal.Decimal, long bool) decimal.Decimal {
	return liquidationPrice(price, leverage, long)
}

// RemovePosition removes a position (manual close, SL/TP fill, or
// liquidation) and folds realized PnL into the daily total.
func (e *FuturesEvaluator) RemovePosition(symbol string, exitPrice decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, held := e.positions[symbol]
	if !held {
		return decimal.Zero
	}
	delete(e.positions, symbol)

	var pnl decimal.Decimal
	if pos.Side == types.PositionLong {
		pnl = exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	} else {
		pnl = pos.EntryPrice.Sub(exitPrice).Mul(pos.Quantity)
	}
	e.dailyPnL = e.dailyPnL.Add(pnl)
	return pnl
}

// AllPositions returns a snapshot of every tracked futures position, keyed
// by symbol.
func (e *FuturesEvaluator) AllPositions() map[string]types.FuturesPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.FuturesPosition, len(e.positions))
	for k, v := range e.positions {
		out[k] = v
	}
	return out
}

// ForceRemovePosition drops a tracked position without touching daily PnL
// or the reservation registry. Used by the reconciler to clear phantom
// positions the exchange doesn't have.
func (e *FuturesEvaluator) ForceRemovePosition(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, symbol)
}

// ReplacePosition stores pos as the tracked position for its symbol, SL/TP
// included, without touching daily PnL or the reservation registry. The
// reconciler uses it to adopt orphans and correct drift, passing either the
// levels it keeps or the fixed-percentage fallback.
func (e *FuturesEvaluator) ReplacePosition(pos types.FuturesPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[pos.Symbol] = pos
}

// Position returns the tracked position for symbol, if any.
func (e *FuturesEvaluator) Position(symbol string) (types.FuturesPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	return p, ok
}

// CheckStopLossTakeProfit mirrors SpotEvaluator's price-poll path, returning
// the closing signal (SELL for long, COVER for short) when triggered.
func (e *FuturesEvaluator) CheckStopLossTakeProfit(symbol string, currentPrice decimal.Decimal) types.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, held := e.positions[symbol]
	if !held {
		return types.SignalHold
	}
	long := pos.Side == types.PositionLong

	// A position rehydrated without stored levels gets the fixed-percentage
	// fallback recomputed from its entry rather than comparing against zero.
	sl, tp := pos.StopLoss, pos.TakeProfit
	if sl.IsZero() || tp.IsZero() {
		hp := horizonParams(e.horiz, pos.EntryHorizon)
		fsl, ftp, _, _, _ := resolveSLTP(pos.EntryPrice, long, hp, decimal.Zero, decimal.Zero, nil, 0, false)
		if sl.IsZero() {
			sl = fsl
		}
		if tp.IsZero() {
			tp = ftp
		}
	}

	if long {
		if currentPrice.LessThanOrEqual(sl) || currentPrice.GreaterThanOrEqual(tp) {
			return types.SignalSell
		}
		return types.SignalHold
	}
	if currentPrice.GreaterThanOrEqual(sl) || currentPrice.LessThanOrEqual(tp) {
		return types.SignalCover
	}
	return types.SignalHold
}
