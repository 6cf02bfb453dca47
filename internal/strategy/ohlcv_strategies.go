package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/helioslabs/trading-supervisor/pkg/types"
	"github.com/helioslabs/trading-supervisor/pkg/utils"
)

// smaCrossover: BUY when the fast SMA crosses above the slow SMA, SELL on
// the reverse cross.
type smaCrossover struct {
	tf       types.Timeframe
	fast     int
	slow     int
	required int
}

func newSMACrossover(tf types.Timeframe, params map[string]interface{}) OhlcvStrategy {
	fast := intParam(params, "fast_period", 10)
	slow := intParam(params, "slow_period", 30)
	return &smaCrossover{tf: tf, fast: fast, slow: slow, required: slow + 2}
}

func (s *smaCrossover) Name() string             { return "sma_crossover" }
func (s *smaCrossover) Timeframe() types.Timeframe { return s.tf }
func (s *smaCrossover) RequiredCandles() int     { return s.required }

func (s *smaCrossover) GenerateVerdict(candles []types.OHLCV) types.Verdict {
	if len(candles) < s.required {
		return holdVerdict(s.Name(), s.tf, "insufficient candle history")
	}
	cl := closes(candles)
	fastPrev := utils.SMA(cl[:len(cl)-1], s.fast)
	slowPrev := utils.SMA(cl[:len(cl)-1], s.slow)
	fastNow := utils.SMA(cl, s.fast)
	slowNow := utils.SMA(cl, s.slow)

	signal := types.SignalHold
	conf := 0.4
	switch {
	case fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow):
		signal = types.SignalBuy
		conf = 0.65
	case fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow):
		signal = types.SignalSell
		conf = 0.65
	}
	return types.Verdict{
		Strategy:   s.Name(),
		Signal:     signal,
		Confidence: conf,
		Reasoning:  fmt.Sprintf("sma%d=%s sma%d=%s", s.fast, fastNow.StringFixed(4), s.slow, slowNow.StringFixed(4)),
		Timeframe:  s.tf,
		Indicators: map[string]float64{"sma_fast": toF(fastNow), "sma_slow": toF(slowNow)},
	}
}

// emaRibbon: a stack of EMAs in strictly
// ascending (bullish) or descending (bearish) order signals trend
// continuation.
type emaRibbon struct {
	tf       types.Timeframe
	periods  []int
	required int
}

func newEMARibbon(tf types.Timeframe, params map[string]interface{}) OhlcvStrategy {
	periods := []int{8, 13, 21, 34}
	return &emaRibbon{tf: tf, periods: periods, required: periods[len(periods)-1] + 2}
}

func (s *emaRibbon) Name() string              { return "ema_ribbon" }
func (s *emaRibbon) Timeframe() types.Timeframe { return s.tf }
func (s *emaRibbon) RequiredCandles() int      { return s.required }

func (s *emaRibbon) GenerateVerdict(candles []types.OHLCV) types.Verdict {
	if len(candles) < s.required {
		return holdVerdict(s.Name(), s.tf, "insufficient candle history")
	}
	cl := closes(candles)
	emas := make([]decimal.Decimal, len(s.periods))
	for i, p := range s.periods {
		emas[i] = utils.EMA(cl, p)
	}
	bullish, bearish := true, true
	for i := 1; i < len(emas); i++ {
		if emas[i-1].LessThanOrEqual(emas[i]) {
			bullish = false
		}
		if emas[i-1].GreaterThanOrEqual(emas[i]) {
			bearish = false
		}
	}
	signal := types.SignalHold
	conf := 0.3
	if bullish {
		signal = types.SignalBuy
		conf = 0.6
	} else if bearish {
		signal = types.SignalSell
		conf = 0.6
	}
	return types.Verdict{
		Strategy: s.Name(), Signal: signal, Confidence: conf,
		Reasoning: "ema ribbon " + ribbonState(bullish, bearish), Timeframe: s.tf,
		Indicators: map[string]float64{"ema_fast": toF(emas[0]), "ema_slow": toF(emas[len(emas)-1])},
	}
}

func ribbonState(bullish, bearish bool) string {
	if bullish {
		return "stacked bullish"
	}
	if bearish {
		return "stacked bearish"
	}
	return "tangled"
}

// rsiOversold: BUY below the oversold
// threshold, SELL above the overbought threshold.
type rsiOversold struct {
	tf         types.Timeframe
	period     int
	oversold   float64
	overbought float64
}

func newRSIOversold(tf types.Timeframe, params map[string]interface{}) OhlcvStrategy {
	return &rsiOversold{
		tf: tf, period: intParam(params, "period", 14),
		oversold: floatParam(params, "oversold", 30), overbought: floatParam(params, "overbought", 70),
	}
}

func (s *rsiOversold) Name() string              { return "rsi_oversold" }
func (s *rsiOversold) Timeframe() types.Timeframe { return s.tf }
func (s *rsiOversold) RequiredCandles() int      { return s.period + 2 }

func (s *rsiOversold) GenerateVerdict(candles []types.OHLCV) types.Verdict {
	if len(candles) < s.RequiredCandles() {
		return holdVerdict(s.Name(), s.tf, "insufficient candle history")
	}
	rsi := computeRSI(closes(candles), s.period)
	signal := types.SignalHold
	conf := 0.3
	if rsi < s.oversold {
		signal = types.SignalBuy
		conf = 0.55 + (s.oversold-rsi)/100
	} else if rsi > s.overbought {
		signal = types.SignalSell
		conf = 0.55 + (rsi-s.overbought)/100
	}
	if conf > 0.9 {
		conf = 0.9
	}
	return types.Verdict{
		Strategy: s.Name(), Signal: signal, Confidence: conf,
		Reasoning: fmt.Sprintf("rsi=%.2f", rsi), Timeframe: s.tf,
		Indicators: map[string]float64{"rsi": rsi},
	}
}

func computeRSI(closes []decimal.Decimal, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	var gainSum, lossSum decimal.Decimal
	start := len(closes) - period - 1
	for i := start + 1; i < len(closes); i++ {
		delta := closes[i].Sub(closes[i-1])
		if delta.GreaterThan(decimal.Zero) {
			gainSum = gainSum.Add(delta)
		} else {
			lossSum = lossSum.Add(delta.Abs())
		}
	}
	if lossSum.IsZero() {
		return 100
	}
	avgGain := gainSum.Div(decimal.NewFromInt(int64(period)))
	avgLoss := lossSum.Div(decimal.NewFromInt(int64(period)))
	if avgLoss.IsZero() {
		return 100
	}
	rs := avgGain.Div(avgLoss)
	rsf, _ := rs.Float64()
	return 100 - (100 / (1 + rsf))
}

// macdMomentum signals on MACD-line /
// signal-line crossovers.
type macdMomentum struct {
	tf                     types.Timeframe
	fast, slow, sig        int
	required               int
}

func newMACDMomentum(tf types.Timeframe, params map[string]interface{}) OhlcvStrategy {
	fast := intParam(params, "fast", 12)
	slow := intParam(params, "slow", 26)
	sig := intParam(params, "signal", 9)
	return &macdMomentum{tf: tf, fast: fast, slow: slow, sig: sig, required: slow + sig + 2}
}

func (s *macdMomentum) Name() string              { return "macd_momentum" }
func (s *macdMomentum) Timeframe() types.Timeframe { return s.tf }
func (s *macdMomentum) RequiredCandles() int      { return s.required }

func (s *macdMomentum) GenerateVerdict(candles []types.OHLCV) types.Verdict {
	if len(candles) < s.required {
		return holdVerdict(s.Name(), s.tf, "insufficient candle history")
	}
	cl := closes(candles)
	macdLine := make([]decimal.Decimal, len(cl))
	for i := range cl {
		macdLine[i] = utils.EMA(cl[:i+1], s.fast).Sub(utils.EMA(cl[:i+1], s.slow))
	}
	sigLine := utils.EMA(macdLine, s.sig)
	sigLinePrev := utils.EMA(macdLine[:len(macdLine)-1], s.sig)
	hist := macdLine[len(macdLine)-1].Sub(sigLine)
	histPrev := macdLine[len(macdLine)-2].Sub(sigLinePrev)

	signal := types.SignalHold
	conf := 0.3
	if histPrev.LessThanOrEqual(decimal.Zero) && hist.GreaterThan(decimal.Zero) {
		signal = types.SignalBuy
		conf = 0.6
	} else if histPrev.GreaterThanOrEqual(decimal.Zero) && hist.LessThan(decimal.Zero) {
		signal = types.SignalSell
		conf = 0.6
	}
	return types.Verdict{
		Strategy: s.Name(), Signal: signal, Confidence: conf,
		Reasoning: "macd histogram " + hist.StringFixed(6), Timeframe: s.tf,
		Indicators: map[string]float64{"macd_hist": toF(hist)},
	}
}

// bollingerBreakout: BUY on a close
// above the upper band, SELL on a close below the lower band.
type bollingerBreakout struct {
	tf       types.Timeframe
	period   int
	stdDevs  float64
}

func newBollingerBreakout(tf types.Timeframe, params map[string]interface{}) OhlcvStrategy {
	return &bollingerBreakout{tf: tf, period: intParam(params, "period", 20), stdDevs: floatParam(params, "std_devs", 2.0)}
}

func (s *bollingerBreakout) Name() string              { return "bollinger_breakout" }
func (s *bollingerBreakout) Timeframe() types.Timeframe { return s.tf }
func (s *bollingerBreakout) RequiredCandles() int      { return s.period + 1 }

func (s *bollingerBreakout) GenerateVerdict(candles []types.OHLCV) types.Verdict {
	if len(candles) < s.RequiredCandles() {
		return holdVerdict(s.Name(), s.tf, "insufficient candle history")
	}
	cl := closes(candles)
	window := cl[len(cl)-s.period:]
	mean := utils.Mean(window)
	sd := utils.StdDev(window)
	upper := mean.Add(sd.Mul(decimal.NewFromFloat(s.stdDevs)))
	lower := mean.Sub(sd.Mul(decimal.NewFromFloat(s.stdDevs)))
	last := cl[len(cl)-1]

	signal := types.SignalHold
	conf := 0.3
	if last.GreaterThan(upper) {
		signal = types.SignalBuy
		conf = 0.55
	} else if last.LessThan(lower) {
		signal = types.SignalSell
		conf = 0.55
	}
	return types.Verdict{
		Strategy: s.Name(), Signal: signal, Confidence: conf,
		Reasoning: "close vs bollinger bands", Timeframe: s.tf,
		Indicators: map[string]float64{"bb_upper": toF(upper), "bb_lower": toF(lower)},
	}
}

// vwapReversion: BUY when price has
// stretched meaningfully below VWAP, SELL when stretched above, betting on
// reversion to the mean.
type vwapReversion struct {
	tf        types.Timeframe
	period    int
	threshold float64
}

func newVWAPReversion(tf types.Timeframe, params map[string]interface{}) OhlcvStrategy {
	return &vwapReversion{tf: tf, period: intParam(params, "period", 20), threshold: floatParam(params, "threshold_pct", 0.015)}
}

func (s *vwapReversion) Name() string              { return "vwap_reversion" }
func (s *vwapReversion) Timeframe() types.Timeframe { return s.tf }
func (s *vwapReversion) RequiredCandles() int      { return s.period }

func (s *vwapReversion) GenerateVerdict(candles []types.OHLCV) types.Verdict {
	if len(candles) < s.period {
		return holdVerdict(s.Name(), s.tf, "insufficient candle history")
	}
	window := candles[len(candles)-s.period:]
	var pvSum, volSum decimal.Decimal
	for _, c := range window {
		typical := c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
		pvSum = pvSum.Add(typical.Mul(c.Volume))
		volSum = volSum.Add(c.Volume)
	}
	if volSum.IsZero() {
		return holdVerdict(s.Name(), s.tf, "zero volume window")
	}
	vwap := pvSum.Div(volSum)
	last := window[len(window)-1].Close
	dev := last.Sub(vwap).Div(vwap)
	devF, _ := dev.Float64()

	signal := types.SignalHold
	conf := 0.3
	if devF < -s.threshold {
		signal = types.SignalBuy
		conf = 0.5
	} else if devF > s.threshold {
		signal = types.SignalSell
		conf = 0.5
	}
	return types.Verdict{
		Strategy: s.Name(), Signal: signal, Confidence: conf,
		Reasoning: fmt.Sprintf("deviation from vwap %.4f", devF), Timeframe: s.tf,
		Indicators: map[string]float64{"vwap": toF(vwap), "deviation_pct": devF},
	}
}

func toF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
