// Package strategy defines the two strategy variants handlers consume and
// a registry for building a symbol's configured roster.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// OhlcvStrategy is a pure function from an OHLCV window to a Verdict.
type OhlcvStrategy interface {
	Name() string
	Timeframe() types.Timeframe
	RequiredCandles() int
	GenerateVerdict(candles []types.OHLCV) types.Verdict
}

// OrderFlowStrategy consumes raw trades through a per-symbol
// BarAggregator instead of fixed-timeframe candles.
type OrderFlowStrategy interface {
	Name() string
	OnBar(bar types.OrderFlowBar) types.Verdict
}

// Registry builds named strategies from a roster entry.
type Registry struct {
	ohlcvFactories     map[string]func(tf types.Timeframe, params map[string]interface{}) OhlcvStrategy
	orderFlowFactories map[string]func(params map[string]interface{}) OrderFlowStrategy
}

// NewRegistry builds a Registry pre-populated with every concrete strategy
// this package ships.
func NewRegistry() *Registry {
	r := &Registry{
		ohlcvFactories:     make(map[string]func(types.Timeframe, map[string]interface{}) OhlcvStrategy),
		orderFlowFactories: make(map[string]func(map[string]interface{}) OrderFlowStrategy),
	}
	r.registerOhlcv("sma_crossover", newSMACrossover)
	r.registerOhlcv("ema_ribbon", newEMARibbon)
	r.registerOhlcv("rsi_oversold", newRSIOversold)
	r.registerOhlcv("macd_momentum", newMACDMomentum)
	r.registerOhlcv("bollinger_breakout", newBollingerBreakout)
	r.registerOhlcv("vwap_reversion", newVWAPReversion)
	r.registerOrderFlow("tia_orderflow", newTIAOrderFlow)
	return r
}

func (r *Registry) registerOhlcv(name string, factory func(types.Timeframe, map[string]interface{}) OhlcvStrategy) {
	r.ohlcvFactories[name] = factory
}

func (r *Registry) registerOrderFlow(name string, factory func(map[string]interface{}) OrderFlowStrategy) {
	r.orderFlowFactories[name] = factory
}

// CreateOhlcv builds a named OHLCV strategy for the given timeframe.
func (r *Registry) CreateOhlcv(name string, tf types.Timeframe, params map[string]interface{}) (OhlcvStrategy, error) {
	factory, ok := r.ohlcvFactories[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown ohlcv strategy %q", name)
	}
	return factory(tf, params), nil
}

// CreateOrderFlow builds a named order-flow strategy.
func (r *Registry) CreateOrderFlow(name string, params map[string]interface{}) (OrderFlowStrategy, error) {
	factory, ok := r.orderFlowFactories[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown order-flow strategy %q", name)
	}
	return factory(params), nil
}

// OhlcvNames lists registered OHLCV strategy names.
func (r *Registry) OhlcvNames() []string {
	names := make([]string, 0, len(r.ohlcvFactories))
	for n := range r.ohlcvFactories {
		names = append(names, n)
	}
	return names
}

// closes returns the Close column of candles as decimals, the shape every
// concrete strategy below starts from.
func closes(candles []types.OHLCV) []decimal.Decimal {
	out := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

func intParam(params map[string]interface{}, key string, def int) int {
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

func holdVerdict(name string, tf types.Timeframe, reason string) types.Verdict {
	return types.Verdict{Strategy: name, Signal: types.SignalHold, Confidence: 0, Reasoning: reason, Timeframe: tf}
}
