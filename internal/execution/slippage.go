package execution

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// MarketData is the price context available at estimation time. Bid/Ask may
// be zero when the exchange client could not supply depth; the estimator
// then falls back to its configured baseline spread.
type MarketData struct {
	Symbol string
	Price  decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// SlippageConfig tunes the pre-trade estimator.
type SlippageConfig struct {
	// BaseSlippage is the floor applied to every market order.
	BaseSlippage decimal.Decimal `json:"base_slippage"`
	// FallbackSpread stands in for the half-spread when no quote is known.
	FallbackSpread decimal.Decimal `json:"fallback_spread"`
	// DepthImpactCoeff scales the penalty for eating through book levels.
	DepthImpactCoeff decimal.Decimal `json:"depth_impact_coeff"`
	// HistoryWeight blends the symbol's realized-slippage mean into the
	// estimate once fills have been recorded.
	HistoryWeight decimal.Decimal `json:"history_weight"`
	// MaxHistory bounds per-symbol fill records kept for the blend.
	MaxHistory int `json:"max_history"`
}

// DefaultSlippageConfig returns conservative defaults for liquid USDT pairs.
func DefaultSlippageConfig() SlippageConfig {
	return SlippageConfig{
		BaseSlippage:     decimal.NewFromFloat(0.0005),
		FallbackSpread:   decimal.NewFromFloat(0.0005),
		DepthImpactCoeff: decimal.NewFromFloat(1.0),
		HistoryWeight:    decimal.NewFromFloat(0.5),
		MaxHistory:       200,
	}
}

// SlippageEstimate is the pre-trade answer: ExpectedSlippage is a fraction
// of price; the component terms are kept for logging.
type SlippageEstimate struct {
	ExpectedSlippage decimal.Decimal `json:"expected_slippage"`
	SpreadImpact     decimal.Decimal `json:"spread_impact"`
	DepthImpact      decimal.Decimal `json:"depth_impact"`
	HistoricalAdjust decimal.Decimal `json:"historical_adjust"`
}

// SlippageRecord is one realized fill fed back after execution.
type SlippageRecord struct {
	Symbol        string          `json:"symbol"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Slippage      decimal.Decimal `json:"slippage"`
	SlippageUSD   decimal.Decimal `json:"slippage_usd"`
	OrderSize     decimal.Decimal `json:"order_size"`
	Timestamp     time.Time       `json:"timestamp"`
	OrderType     string          `json:"order_type"`
}

// SlippageCalculator estimates pre-trade slippage from the quote spread,
// the known depth snapshot, and the symbol's own realized-fill history.
type SlippageCalculator struct {
	logger *zap.Logger
	cfg    SlippageConfig

	mu      sync.RWMutex
	books   map[string]*OrderBook
	history map[string][]SlippageRecord
}

func NewSlippageCalculator(logger *zap.Logger, cfg SlippageConfig) *SlippageCalculator {
	return &SlippageCalculator{
		logger:  logger.Named("slippage"),
		cfg:     cfg,
		books:   make(map[string]*OrderBook),
		history: make(map[string][]SlippageRecord),
	}
}

// UpdateOrderBook stores the latest depth snapshot for symbol.
func (sc *SlippageCalculator) UpdateOrderBook(symbol string, ob *OrderBook) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.books[symbol] = ob
}

// EstimateSlippage returns the expected slippage fraction for a market
// order in the given context.
func (sc *SlippageCalculator) EstimateSlippage(order *types.Order, market MarketData) SlippageEstimate {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	est := SlippageEstimate{
		SpreadImpact:     sc.spreadImpact(market),
		DepthImpact:      sc.depthImpact(order, sc.books[order.Symbol]),
		HistoricalAdjust: sc.historicalMean(order.Symbol),
	}
	est.ExpectedSlippage = sc.cfg.BaseSlippage.
		Add(est.SpreadImpact).
		Add(est.DepthImpact.Mul(sc.cfg.DepthImpactCoeff)).
		Add(est.HistoricalAdjust.Mul(sc.cfg.HistoryWeight))
	return est
}

// spreadImpact is the half-spread as a fraction of mid, or the configured
// fallback when only a last price is known.
func (sc *SlippageCalculator) spreadImpact(market MarketData) decimal.Decimal {
	if market.Bid.IsPositive() && market.Ask.GreaterThan(market.Bid) {
		mid := market.Bid.Add(market.Ask).Div(decimal.NewFromInt(2))
		return market.Ask.Sub(market.Bid).Div(mid).Div(decimal.NewFromInt(2))
	}
	return sc.cfg.FallbackSpread
}

// depthImpact walks the relevant side of the book and measures how far the
// volume-weighted fill price drifts from the top of book. Zero when the
// whole order fits inside the first level or no snapshot exists.
func (sc *SlippageCalculator) depthImpact(order *types.Order, ob *OrderBook) decimal.Decimal {
	if ob == nil {
		return decimal.Zero
	}
	levels := ob.Asks
	if order.Side == types.OrderSideSell {
		levels = ob.Bids
	}
	if len(levels) == 0 {
		return decimal.Zero
	}

	top := levels[0].Price
	remaining := order.Quantity
	cost := decimal.Zero
	filled := decimal.Zero
	for _, lvl := range levels {
		take := decimal.Min(remaining, lvl.Quantity)
		cost = cost.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
	}
	if filled.IsZero() || top.IsZero() {
		return decimal.Zero
	}
	avg := cost.Div(filled)
	drift := avg.Sub(top).Div(top).Abs()

	// An unfilled remainder means the visible book was too thin for the
	// order; scale the drift up by the unfilled share instead of
	// pretending the shown levels were enough.
	if remaining.IsPositive() && order.Quantity.IsPositive() {
		shortfall, _ := remaining.Div(order.Quantity).Float64()
		drift = drift.Mul(decimal.NewFromFloat(1 + math.Sqrt(shortfall)))
	}
	return drift
}

// historicalMean averages the symbol's recorded realized slippage. Caller
// holds at least the read lock.
func (sc *SlippageCalculator) historicalMean(symbol string) decimal.Decimal {
	recs := sc.history[symbol]
	if len(recs) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, r := range recs {
		sum = sum.Add(r.Slippage)
	}
	return sum.Div(decimal.NewFromInt(int64(len(recs))))
}

// RecordSlippage appends a realized fill, trimming to MaxHistory.
func (sc *SlippageCalculator) RecordSlippage(rec SlippageRecord) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	recs := append(sc.history[rec.Symbol], rec)
	if len(recs) > sc.cfg.MaxHistory {
		recs = recs[len(recs)-sc.cfg.MaxHistory:]
	}
	sc.history[rec.Symbol] = recs
}

// AverageSlippage reports the mean realized slippage for a symbol over the
// trailing period, for the ops surface.
func (sc *SlippageCalculator) AverageSlippage(symbol string, period time.Duration) decimal.Decimal {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	cutoff := time.Now().Add(-period)
	sum := decimal.Zero
	n := 0
	for _, r := range sc.history[symbol] {
		if r.Timestamp.After(cutoff) {
			sum = sum.Add(r.Slippage)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
