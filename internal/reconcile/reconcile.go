// Package reconcile implements the three-way position aligner:
// exchange-vs-memory-vs-sink, with the exchange treated as ground truth.
// It runs at startup (right after position rehydration) and again every N
// cycles from the orchestrator's loop.
package reconcile

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/internal/handler"
	"github.com/helioslabs/trading-supervisor/internal/risk"
	"github.com/helioslabs/trading-supervisor/pkg/types"
	"github.com/helioslabs/trading-supervisor/pkg/utils"
)

// fallbackSLPct and fallbackTPPct back the fixed-percent fallback used
// when an orphaned position is adopted without OHLCV on hand to run ATR
// against.
const (
	fallbackSLPct = 0.02
	fallbackTPPct = 0.04
)

// quantityDriftPct is the futures both-sides-match threshold: quantities
// differing by more than this get replaced wholesale.
const quantityDriftPct = 0.01

// Reconciler aligns one FuturesEvaluator and one SpotEvaluator against their
// respective exchange-reported truth.
type Reconciler struct {
	logger *zap.Logger
	client execution.ExchangeClient
	sink   handler.Sink

	futures       *risk.FuturesEvaluator
	spot          *risk.SpotEvaluator
	futuresPairs  map[string]bool
	spotPairs     map[string]bool
	configuredLev decimal.Decimal
}

// New builds a Reconciler. futuresPairs/spotPairs are the configured symbol
// sets for each market; configuredLeverage is the floor for an adopted
// orphan's leverage: the larger of it and the exchange-reported value is used.
func New(
	logger *zap.Logger,
	client execution.ExchangeClient,
	sink handler.Sink,
	futures *risk.FuturesEvaluator,
	spot *risk.SpotEvaluator,
	futuresPairs, spotPairs []string,
	configuredLeverage decimal.Decimal,
) *Reconciler {
	fp := make(map[string]bool, len(futuresPairs))
	for _, s := range futuresPairs {
		fp[s] = true
	}
	sp := make(map[string]bool, len(spotPairs))
	for _, s := range spotPairs {
		sp[s] = true
	}
	return &Reconciler{
		logger:        logger.Named("reconciler"),
		client:        client,
		sink:          sink,
		futures:       futures,
		spot:          spot,
		futuresPairs:  fp,
		spotPairs:     sp,
		configuredLev: configuredLeverage,
	}
}

// Run executes both the futures and spot reconciliation procedures. It is
// safe to call repeatedly; with unchanged exchange state a second call
// produces zero additional mutations.
func (r *Reconciler) Run(ctx context.Context) {
	r.reconcileFutures(ctx)
	r.reconcileSpot(ctx)
}

// reconcileFutures aligns tracked futures positions against the exchange.
// Clients that don't implement PositionLister (paper mode) have no
// exchange-side ledger to reconcile against and are skipped entirely.
func (r *Reconciler) reconcileFutures(ctx context.Context) {
	lister, ok := r.client.(execution.PositionLister)
	if !ok {
		return
	}

	exchangePositions, err := lister.GetPositions(ctx)
	if err != nil {
		r.logger.Warn("reconciler: failed to fetch exchange positions", zap.Error(err))
		return
	}

	byKey := make(map[string]execution.ExchangePosition, len(exchangePositions))
	for _, p := range exchangePositions {
		byKey[p.Symbol] = p
	}

	memory := r.futures.AllPositions()

	// step 2: phantom, in memory but not on exchange.
	for symbol, pos := range memory {
		if ep, onExchange := byKey[symbol]; onExchange && ep.Side == pos.Side {
			continue
		}
		r.logger.Warn("reconciler: removing phantom futures position", zap.String("symbol", symbol))
		r.futures.ForceRemovePosition(symbol)
		r.sink.DeleteFuturesPosition(ctx, symbol)
	}

	// step 3: orphan, on exchange but not in memory (a side-flipped position
	// was just removed as a phantom in step 2 and is adopted here).
	for symbol, ep := range byKey {
		if p, held := memory[symbol]; held && p.Side == ep.Side {
			continue
		}
		if !r.futuresPairs[symbol] {
			r.logger.Info("reconciler: skipping orphan outside configured pairs", zap.String("symbol", symbol))
			continue
		}

		long := ep.Side == types.PositionLong
		sl, tp := fallbackLevels(ep.EntryPrice, long)
		leverage := ep.Leverage
		if r.configuredLev.GreaterThan(leverage) {
			leverage = r.configuredLev
		}

		adopted := types.FuturesPosition{
			Symbol:        symbol,
			Side:          ep.Side,
			Quantity:      ep.Quantity,
			EntryPrice:    ep.EntryPrice,
			Leverage:      leverage,
			StopLoss:      sl,
			TakeProfit:    tp,
			LiquidationPx: risk.LiquidationPrice(ep.EntryPrice, leverage, long),
		}
		r.logger.Warn("reconciler: adopting orphaned futures position", zap.String("symbol", symbol), zap.String("side", string(ep.Side)))
		r.futures.ReplacePosition(adopted)
		r.sink.UpsertFuturesPosition(ctx, adopted)
	}

	// step 4: both-sides matches, drift correction.
	for symbol, pos := range memory {
		ep, onExchange := byKey[symbol]
		if !onExchange || ep.Side != pos.Side {
			continue
		}
		driftPct := ep.Quantity.Sub(pos.Quantity).Abs().Div(pos.Quantity)
		if driftPct.LessThanOrEqual(decimal.NewFromFloat(quantityDriftPct)) {
			continue
		}

		corrected := pos
		corrected.Quantity = ep.Quantity
		corrected.EntryPrice = ep.EntryPrice
		if !stillValid(ep.EntryPrice, pos.StopLoss, pos.TakeProfit, pos.Side == types.PositionLong) {
			sl, tp := fallbackLevels(ep.EntryPrice, pos.Side == types.PositionLong)
			corrected.StopLoss, corrected.TakeProfit = sl, tp
		}

		r.logger.Warn("reconciler: correcting futures quantity drift",
			zap.String("symbol", symbol), zap.String("memory_qty", pos.Quantity.String()), zap.String("exchange_qty", ep.Quantity.String()))
		r.futures.ReplacePosition(corrected)
		r.sink.UpsertFuturesPosition(ctx, corrected)
	}
}

// reconcileSpot compares each tracked position's quantity against the
// matching base-asset free balance.
func (r *Reconciler) reconcileSpot(ctx context.Context) {
	memory := r.spot.AllPositions()
	for symbol, pos := range memory {
		base, _ := utils.ParseSymbol(symbol)
		free, err := r.client.GetBalance(ctx, base)
		if err != nil {
			r.logger.Warn("reconciler: failed to fetch spot balance", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		ratio := free.Div(pos.Quantity)
		switch {
		case ratio.LessThan(decimal.NewFromFloat(0.01)):
			r.logger.Warn("reconciler: removing phantom spot position", zap.String("symbol", symbol))
			r.spot.ForceRemovePosition(symbol)
			r.sink.DeleteSpotPosition(ctx, symbol)
		case ratio.LessThan(decimal.NewFromFloat(0.95)):
			r.logger.Warn("reconciler: downsizing spot position to free balance",
				zap.String("symbol", symbol), zap.String("memory_qty", pos.Quantity.String()), zap.String("free", free.String()))
			corrected := pos
			corrected.Quantity = free
			r.spot.ReplacePosition(corrected)
			r.sink.UpsertSpotPosition(ctx, corrected)
		}
	}
}

func fallbackLevels(entry decimal.Decimal, long bool) (sl, tp decimal.Decimal) {
	slPct := decimal.NewFromFloat(fallbackSLPct)
	tpPct := decimal.NewFromFloat(fallbackTPPct)
	if long {
		return entry.Mul(decimal.NewFromInt(1).Sub(slPct)), entry.Mul(decimal.NewFromInt(1).Add(tpPct))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(slPct)), entry.Mul(decimal.NewFromInt(1).Sub(tpPct))
}

// stillValid reports whether a preserved SL/TP pair still brackets the
// exchange-reported entry price on the correct sides.
func stillValid(entry, sl, tp decimal.Decimal, long bool) bool {
	if long {
		return sl.LessThan(entry) && tp.GreaterThan(entry)
	}
	return sl.GreaterThan(entry) && tp.LessThan(entry)
}
