// Package handler implements the per-symbol pipeline for both markets:
// slot-guarded scheduling, order-flow ingestion, the multi-timeframe OHLCV
// fetch, strategy fan-out into one per-cycle verdict list, the
// DecisionEngine call, signal translation, cooldown/minimum-hold guards,
// risk evaluation and execution. SpotHandler and FuturesHandler share this
// file's plumbing and diverge only where spot and futures risk rules
// diverge.
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
	"github.com/helioslabs/trading-supervisor/internal/strategy"
	"github.com/helioslabs/trading-supervisor/pkg/types"
	"github.com/helioslabs/trading-supervisor/pkg/utils"
)

// publishEvent publishes ev on bus if one was configured; handlers may run
// without an event bus (e.g. in tests), so this is a no-op on nil.
func publishEvent(bus *events.EventBus, ev events.Event) {
	if bus != nil {
		bus.Publish(ev)
	}
}

// CandleSource supplies historical OHLCV windows, satisfied by
// *data.Store.
type CandleSource interface {
	LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
}

// TradeSource supplies aggregated trades newer than sinceID for order-flow
// ingestion, satisfied by *adapters.BinanceClient and *adapters.PaperClient.
type TradeSource interface {
	FetchTrades(ctx context.Context, symbol string, sinceID int64) ([]types.RawTrade, error)
}

// Sink is the subset of persistence operations the handlers need: verdict
// and decision logging, order recording, and position upsert/delete for
// restart rehydration. internal/sink's concrete store
// implements this structurally; no import of it is needed here.
type Sink interface {
	RecordVerdict(ctx context.Context, symbol string, marketType types.MarketType, v types.Verdict)
	RecordDecision(ctx context.Context, symbol string, marketType types.MarketType, d types.Decision)
	RecordOrder(ctx context.Context, o types.Order)
	UpsertSpotPosition(ctx context.Context, p types.SpotPosition)
	DeleteSpotPosition(ctx context.Context, symbol string)
	UpsertFuturesPosition(ctx context.Context, p types.FuturesPosition)
	DeleteFuturesPosition(ctx context.Context, symbol string)
	SaveOrderFlowBars(ctx context.Context, symbol string, bars []types.OrderFlowBar)
	LoadOrderFlowBars(ctx context.Context, symbol string) []types.OrderFlowBar
}

// minimumHoldMinutes: a spot long may not be closed sooner than this many
// minutes after it was opened, keyed by the horizon it was opened under.
var minimumHoldMinutes = map[types.Horizon]int{
	types.HorizonShort:  60,
	types.HorizonMedium: 240,
	types.HorizonLong:   480,
}

// ohlcvStrategySpec pairs a compiled OhlcvStrategy with the roster entry
// that produced it, so the handler knows which timeframe to fetch for it.
type ohlcvStrategySpec struct {
	strat strategy.OhlcvStrategy
	tf    types.Timeframe
}

// strategyRoster is the compiled strategy set built once from config and
// reused across cycles, rebuilt only when the config's strategy
// fingerprint changes.
type strategyRoster struct {
	ohlcv     []ohlcvStrategySpec
	orderFlow []strategy.OrderFlowStrategy
}

// buildRoster compiles a strategyRoster from the configured strategy specs
// using reg. Strategy names unknown to reg are skipped with a warning
// rather than aborting the whole roster.
func buildRoster(logger *zap.Logger, reg *strategy.Registry, specs []config.StrategySpec) strategyRoster {
	var roster strategyRoster
	for _, s := range specs {
		if ofs, err := reg.CreateOrderFlow(s.Name, s.Params); err == nil {
			roster.orderFlow = append(roster.orderFlow, ofs)
			continue
		}
		tf := types.Timeframe(s.Timeframe)
		strat, err := reg.CreateOhlcv(s.Name, tf, s.Params)
		if err != nil {
			logger.Warn("skipping unknown strategy in roster", zap.String("name", s.Name))
			continue
		}
		roster.ohlcv = append(roster.ohlcv, ohlcvStrategySpec{strat: strat, tf: tf})
	}
	return roster
}

// symbolState is the per-symbol mutable state a handler owns across cycles:
// the order-flow ingestion cursor, candle cache, and scheduling guards.
type symbolState struct {
	mu sync.Mutex

	lastSlot       int64
	slotSeen       bool
	aggregators    map[string]*strategy.BarAggregator // keyed by order-flow strategy name
	lastTradeID    map[string]int64                   // keyed by order-flow strategy name
	candleCache    map[types.Timeframe]candleCacheEntry
	barCacheLoaded bool
	recentBars     []types.OrderFlowBar
	lastCloseAt    time.Time
	lastCloseSeen  bool
}

type candleCacheEntry struct {
	candles   []types.OHLCV
	fetchedAt time.Time
}

func newSymbolState() *symbolState {
	return &symbolState{
		aggregators: make(map[string]*strategy.BarAggregator),
		lastTradeID: make(map[string]int64),
		candleCache: make(map[types.Timeframe]candleCacheEntry),
	}
}

// candleCacheTTL bounds how long a fetched (symbol, timeframe) window is
// reused before refetching.
const candleCacheTTL = 30 * time.Second

// protectiveFilled polls the exchange-side status of a position's SL/TP
// orders; true means the exchange has already flattened the position and
// local state should be cleaned up. Status lookup errors are treated as
// not-filled, leaving the price poll as the backstop.
func protectiveFilled(ctx context.Context, client interface {
	GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatus, error)
}, symbol, slOrderID, tpOrderID string) bool {
	for _, id := range []string{slOrderID, tpOrderID} {
		if id == "" {
			continue
		}
		status, err := client.GetOrderStatus(ctx, symbol, id)
		if err == nil && status == types.OrderStatusFilled {
			return true
		}
	}
	return false
}

// toOHLCVLike adapts a types.OHLCV slice to utils.OHLCVLike for ATR.
func toOHLCVLike(candles []types.OHLCV) []utils.OHLCVLike {
	out := make([]utils.OHLCVLike, len(candles))
	for i, c := range candles {
		out[i] = utils.OHLCVLike{High: c.High, Low: c.Low, Close: c.Close}
	}
	return out
}

// fetchCandles returns a cached window for (symbol, tf) if still within TTL,
// otherwise loads minBars (+buffer) candles from src and refreshes the
// cache.
func fetchCandles(ctx context.Context, src CandleSource, st *symbolState, symbol string, tf types.Timeframe, minBars int) ([]types.OHLCV, error) {
	st.mu.Lock()
	if entry, ok := st.candleCache[tf]; ok && time.Since(entry.fetchedAt) < candleCacheTTL {
		st.mu.Unlock()
		return entry.candles, nil
	}
	st.mu.Unlock()

	buffer := minBars + 10
	end := time.Now().UTC()
	start := end.Add(-tfDuration(tf) * time.Duration(buffer))

	rows, err := src.LoadOHLCV(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	candles := make([]types.OHLCV, len(rows))
	for i, r := range rows {
		candles[i] = *r
	}

	st.mu.Lock()
	st.candleCache[tf] = candleCacheEntry{candles: candles, fetchedAt: time.Now().UTC()}
	st.mu.Unlock()
	return candles, nil
}

// tfDuration parses the recognized timeframe strings. Unknown values fall
// back to one hour, matching the most common default roster entry.
func tfDuration(tf types.Timeframe) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "3d":
		return 3 * 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	case "1M":
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// finestTimeframe returns the smallest-duration timeframe among the
// roster's OHLCV strategies, used by the slot guard.
// defaultTf is returned when the roster has no OHLCV strategies.
func finestTimeframe(roster strategyRoster, defaultTf types.Timeframe) types.Timeframe {
	finest := defaultTf
	for i, s := range roster.ohlcv {
		if i == 0 || tfDuration(s.tf) < tfDuration(finest) {
			finest = s.tf
		}
	}
	return finest
}

// currentSlot computes floor(minutes_since_midnight_UTC / finest_minutes).
func currentSlot(finest types.Timeframe) int64 {
	now := time.Now().UTC()
	minutesSinceMidnight := now.Hour()*60 + now.Minute()
	step := int(tfDuration(finest).Minutes())
	if step <= 0 {
		step = 1
	}
	return int64(minutesSinceMidnight / step)
}

// maxCachedBars bounds the per-symbol bar cache persisted for restart
// warm-up.
const maxCachedBars = 200

// ingestOrderFlow feeds newly-fetched trades into each order-flow
// strategy's BarAggregator and returns the latest Verdict produced by
// each. On the symbol's first touch, the persisted bar
// cache is replayed through every order-flow strategy so indicator state
// (CVD, previous close) resumes where the last run left off; completed
// bars are appended back to the cache. Strategies with no completed bar
// this call are skipped rather than reported as HOLD, since they have
// nothing new to say.
func ingestOrderFlow(ctx context.Context, src TradeSource, snk Sink, st *symbolState, symbol string, roster strategyRoster) []types.Verdict {
	if len(roster.orderFlow) == 0 {
		return nil
	}

	st.mu.Lock()
	needCache := !st.barCacheLoaded
	st.barCacheLoaded = true
	st.mu.Unlock()
	if needCache && snk != nil {
		cached := snk.LoadOrderFlowBars(ctx, symbol)
		for _, bar := range cached {
			for _, ofs := range roster.orderFlow {
				ofs.OnBar(bar)
			}
		}
		st.mu.Lock()
		st.recentBars = cached
		st.mu.Unlock()
	}

	var out []types.Verdict
	var closedBars []types.OrderFlowBar
	for _, ofs := range roster.orderFlow {
		name := ofs.Name()

		st.mu.Lock()
		agg, ok := st.aggregators[name]
		if !ok {
			agg = strategy.NewBarAggregator(symbol, time.Minute)
			st.aggregators[name] = agg
		}
		sinceID := st.lastTradeID[name]
		st.mu.Unlock()

		trades, err := src.FetchTrades(ctx, symbol, sinceID)
		if err != nil || len(trades) == 0 {
			continue
		}

		var lastBar types.OrderFlowBar
		var gotBar bool
		var newSince int64 = sinceID
		for _, t := range trades {
			if t.TradeID > newSince {
				newSince = t.TradeID
			}
			if bar, closed := agg.Add(t); closed {
				lastBar = bar
				gotBar = true
				closedBars = append(closedBars, bar)
			}
		}
		if gotBar {
			out = append(out, ofs.OnBar(lastBar))
		}

		st.mu.Lock()
		st.lastTradeID[name] = newSince
		st.mu.Unlock()
	}

	if len(closedBars) > 0 && snk != nil {
		st.mu.Lock()
		st.recentBars = append(st.recentBars, closedBars...)
		if len(st.recentBars) > maxCachedBars {
			st.recentBars = st.recentBars[len(st.recentBars)-maxCachedBars:]
		}
		snapshot := append([]types.OrderFlowBar(nil), st.recentBars...)
		st.mu.Unlock()
		snk.SaveOrderFlowBars(ctx, symbol, snapshot)
	}
	return out
}

// runOhlcvStrategies fetches each strategy's configured timeframe (grouped
// and cached once per timeframe) and runs it, collecting verdicts. It
// returns the finest timeframe's candle close as the current price, or an
// error if not a single timeframe returned data.
func runOhlcvStrategies(ctx context.Context, src CandleSource, st *symbolState, symbol string, roster strategyRoster) ([]types.Verdict, decimal.Decimal, error) {
	var verdicts []types.Verdict
	var price decimal.Decimal
	var priceTf time.Duration
	var gotAny bool

	for _, s := range roster.ohlcv {
		candles, err := fetchCandles(ctx, src, st, symbol, s.tf, s.strat.RequiredCandles())
		if err != nil || len(candles) < s.strat.RequiredCandles() {
			continue
		}
		gotAny = true
		if d := tfDuration(s.tf); price.IsZero() || d < priceTf {
			price = candles[len(candles)-1].Close
			priceTf = d
		}
		verdicts = append(verdicts, s.strat.GenerateVerdict(candles))
	}

	if !gotAny {
		return nil, decimal.Zero, fmt.Errorf("handler: no timeframe returned data for %s", symbol)
	}
	return verdicts, price, nil
}

// buildMTFSummary renders a compact per-timeframe text block for the LLM
// prompt: trend direction (last close vs first close
// in the cached window) and latest close per timeframe already fetched this
// cycle.
func buildMTFSummary(st *symbolState) string {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.candleCache) == 0 {
		return "no multi-timeframe data available"
	}

	summary := ""
	for tf, entry := range st.candleCache {
		if len(entry.candles) == 0 {
			continue
		}
		first := entry.candles[0].Close
		last := entry.candles[len(entry.candles)-1].Close
		trend := "flat"
		if last.GreaterThan(first) {
			trend = "up"
		} else if last.LessThan(first) {
			trend = "down"
		}
		summary += fmt.Sprintf("%s: close=%s trend=%s bars=%d\n", tf, last.StringFixed(4), trend, len(entry.candles))
	}
	return summary
}

// withinCooldown reports whether symbol closed a position within
// cooldownMinutes of now.
func withinCooldown(st *symbolState, cooldownMinutes int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.lastCloseSeen {
		return false
	}
	return time.Since(st.lastCloseAt) < time.Duration(cooldownMinutes)*time.Minute
}

// recordClose marks symbol's most recent close time for the cooldown guard.
func recordClose(st *symbolState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastCloseAt = time.Now().UTC()
	st.lastCloseSeen = true
}

// belowMinimumHold reports whether a spot long opened openedAt under
// horizon is still inside its minimum-hold window.
func belowMinimumHold(openedAt time.Time, horizon types.Horizon) bool {
	minMinutes, ok := minimumHoldMinutes[horizon]
	if !ok {
		minMinutes = minimumHoldMinutes[types.HorizonMedium]
	}
	return time.Since(openedAt) < time.Duration(minMinutes)*time.Minute
}

// decideInput bundles the common pieces both handlers pass to
// decision.Engine.Decide.
func decideInput(symbol string, price decimal.Decimal, marketType types.MarketType, portfolio types.PortfolioState, verdicts []types.Verdict, riskMetrics types.RiskMetrics, mtf string) decision.Input {
	rm := riskMetrics
	return decision.Input{
		Verdicts:    verdicts,
		Portfolio:   portfolio,
		Symbol:      symbol,
		Price:       price,
		MarketType:  marketType,
		RiskMetrics: &rm,
		MTFSummary:  mtf,
	}
}

// applyConfidenceFloor demotes a decision below min_confidence to HOLD.
func applyConfidenceFloor(d types.Decision, minConfidence float64) types.Decision {
	if d.Confidence < minConfidence {
		return types.Decision{Action: types.SignalHold, Confidence: 0, Horizon: d.Horizon, Reasoning: "below confidence floor: " + d.Reasoning}
	}
	return d
}
