package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// BarAggregator folds raw trades into fixed-duration OrderFlowBars. One
// instance is kept per symbol by the handler.
type BarAggregator struct {
	duration time.Duration
	current  *types.OrderFlowBar
	symbol   string
}

// NewBarAggregator builds an aggregator for symbol with the given bar
// duration (e.g. 1 minute for order-flow strategies).
func NewBarAggregator(symbol string, duration time.Duration) *BarAggregator {
	return &BarAggregator{symbol: symbol, duration: duration}
}

// Add folds one trade into the in-progress bar, returning a completed bar
// (and true) whenever the trade starts a new duration window.
func (a *BarAggregator) Add(trade types.RawTrade) (types.OrderFlowBar, bool) {
	if a.current == nil {
		a.startBar(trade)
		return types.OrderFlowBar{}, false
	}

	if trade.Timestamp.Sub(a.current.OpenedAt) >= a.duration {
		closed := *a.current
		closed.ClosedAt = trade.Timestamp
		a.startBar(trade)
		return closed, true
	}

	a.fold(trade)
	return types.OrderFlowBar{}, false
}

func (a *BarAggregator) startBar(trade types.RawTrade) {
	a.current = &types.OrderFlowBar{
		Symbol:    a.symbol,
		Open:      trade.Price,
		High:      trade.Price,
		Low:       trade.Price,
		Close:     trade.Price,
		Footprint: make(map[string]types.FootprintLevel),
		OpenedAt:  trade.Timestamp,
	}
	a.fold(trade)
}

func (a *BarAggregator) fold(trade types.RawTrade) {
	b := a.current
	if trade.Price.GreaterThan(b.High) {
		b.High = trade.Price
	}
	if trade.Price.LessThan(b.Low) {
		b.Low = trade.Price
	}
	b.Close = trade.Price
	b.TradeCount++

	if trade.Side == types.OrderSideBuy {
		b.BuyVolume = b.BuyVolume.Add(trade.Size)
	} else {
		b.SellVolume = b.SellVolume.Add(trade.Size)
	}

	level := trade.Price.StringFixed(2)
	fl := b.Footprint[level]
	if trade.Side == types.OrderSideBuy {
		fl.BuyVolume = fl.BuyVolume.Add(trade.Size)
	} else {
		fl.SellVolume = fl.SellVolume.Add(trade.Size)
	}
	b.Footprint[level] = fl

	vol := b.Volume()
	if vol.GreaterThan(decimal.Zero) {
		notional := b.VWAP.Mul(vol.Sub(trade.Size)).Add(trade.Price.Mul(trade.Size))
		b.VWAP = notional.Div(vol)
	} else {
		b.VWAP = trade.Price
	}
}

// tiaOrderFlow flags absorption (heavy opposing volume with little price
// progress) and CVD divergence against price direction. Running state is
// kept per symbol, since one roster instance serves every configured pair.
type tiaOrderFlow struct {
	imbalanceThreshold float64

	mu    sync.Mutex
	state map[string]*symbolFlow
}

type symbolFlow struct {
	cumulativeDelta decimal.Decimal
	prevClose       decimal.Decimal
}

func newTIAOrderFlow(params map[string]interface{}) OrderFlowStrategy {
	return &tiaOrderFlow{
		imbalanceThreshold: floatParam(params, "imbalance_threshold", 0.65),
		state:              make(map[string]*symbolFlow),
	}
}

func (s *tiaOrderFlow) Name() string { return "tia_orderflow" }

func (s *tiaOrderFlow) flowFor(symbol string) *symbolFlow {
	f, ok := s.state[symbol]
	if !ok {
		f = &symbolFlow{}
		s.state[symbol] = f
	}
	return f
}

func (s *tiaOrderFlow) OnBar(bar types.OrderFlowBar) types.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	vol := bar.Volume()
	if vol.IsZero() {
		return holdVerdict(s.Name(), "", "no volume in bar")
	}
	f := s.flowFor(bar.Symbol)

	delta := bar.BuyVolume.Sub(bar.SellVolume)
	f.cumulativeDelta = f.cumulativeDelta.Add(delta)
	buyRatio, _ := bar.BuyVolume.Div(vol).Float64()

	range_ := bar.High.Sub(bar.Low)
	absorption := range_.LessThan(bar.Close.Mul(decimal.NewFromFloat(0.0008))) && vol.GreaterThan(decimal.Zero)

	priceUp := !f.prevClose.IsZero() && bar.Close.GreaterThan(f.prevClose)
	priceDown := !f.prevClose.IsZero() && bar.Close.LessThan(f.prevClose)
	divergence := (priceUp && f.cumulativeDelta.LessThan(decimal.Zero)) || (priceDown && f.cumulativeDelta.GreaterThan(decimal.Zero))
	f.prevClose = bar.Close

	signal := types.SignalHold
	conf := 0.3
	reason := "no clear order-flow signal"
	switch {
	case buyRatio >= s.imbalanceThreshold && !absorption:
		signal = types.SignalBuy
		conf = 0.5 + (buyRatio - s.imbalanceThreshold)
		reason = "buy-side imbalance"
	case buyRatio <= 1-s.imbalanceThreshold && !absorption:
		signal = types.SignalSell
		conf = 0.5 + (s.imbalanceThreshold - buyRatio)
		reason = "sell-side imbalance"
	case absorption:
		reason = "absorption detected, holding"
	case divergence:
		reason = "cvd/price divergence, holding"
	}
	if conf > 0.9 {
		conf = 0.9
	}

	return types.Verdict{
		Strategy: s.Name(), Signal: signal, Confidence: conf, Reasoning: reason,
		Indicators: map[string]float64{
			"buy_ratio":        buyRatio,
			"cumulative_delta": toF(f.cumulativeDelta),
		},
	}
}
