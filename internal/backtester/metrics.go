package backtester

import (
	"fmt"
	"math"
)

// Metrics is the performance report produced at the end of a replay.
type Metrics struct {
	TotalReturnPct      float64
	AnnualizedReturnPct float64
	MaxDrawdownPct      float64
	SharpeRatio         float64
	WinRatePct          float64
	ProfitFactor        float64
	TotalTrades         int
	WinningTrades       int
	LosingTrades        int
	AvgWin              float64
	AvgLoss             float64
	FinalBalance        float64
}

// CalculateMetrics derives a Metrics report from a simulator's equity
// curve and trade log. tradingDaysPerYear annualizes the return (365 for
// crypto's continuous market).
func CalculateMetrics(sim *Simulator, barsPerDay float64, tradingDaysPerYear float64) Metrics {
	var m Metrics
	if len(sim.equityCurve) == 0 {
		return m
	}

	initial, _ := sim.equityCurve[0].Float64()
	final, _ := sim.equityCurve[len(sim.equityCurve)-1].Float64()
	m.FinalBalance = final
	if initial != 0 {
		m.TotalReturnPct = (final/initial - 1) * 100
	}

	numBars := float64(len(sim.equityCurve))
	if barsPerDay > 0 {
		years := numBars / barsPerDay / tradingDaysPerYear
		if years > 0 && initial > 0 {
			m.AnnualizedReturnPct = (math.Pow(final/initial, 1/years) - 1) * 100
		}
	}

	peak := initial
	maxDD := 0.0
	returns := make([]float64, 0, len(sim.equityCurve)-1)
	prev := initial
	for _, v := range sim.equityCurve {
		val, _ := v.Float64()
		if val > peak {
			peak = val
		}
		if peak > 0 {
			dd := (peak - val) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
		if prev != 0 {
			returns = append(returns, val/prev-1)
		}
		prev = val
	}
	m.MaxDrawdownPct = maxDD
	m.SharpeRatio = sharpe(returns, tradingDaysPerYear)

	var grossWin, grossLoss float64
	for _, t := range sim.trades {
		pnl, _ := t.PnL.Float64()
		m.TotalTrades++
		if pnl > 0 {
			m.WinningTrades++
			grossWin += pnl
		} else if pnl < 0 {
			m.LosingTrades++
			grossLoss += -pnl
		}
	}
	if m.TotalTrades > 0 {
		m.WinRatePct = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 {
		m.AvgWin = grossWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLoss / float64(m.LosingTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}

	return m
}

// sharpe computes an annualized Sharpe ratio from a per-bar return series,
// assuming a zero risk-free rate.
func sharpe(returns []float64, tradingDaysPerYear float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var varSum float64
	for _, r := range returns {
		d := r - mean
		varSum += d * d
	}
	std := math.Sqrt(varSum / float64(n-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

func (m Metrics) String() string {
	return fmt.Sprintf(
		"Total Return: %.2f%%\nAnnualized Return: %.2f%%\nMax Drawdown: %.2f%%\nSharpe Ratio: %.2f\nWin Rate: %.2f%% (%d/%d)\nProfit Factor: %.2f\nAvg Win: %.2f  Avg Loss: %.2f\nFinal Balance: %.2f",
		m.TotalReturnPct, m.AnnualizedReturnPct, m.MaxDrawdownPct, m.SharpeRatio,
		m.WinRatePct, m.WinningTrades, m.TotalTrades, m.ProfitFactor, m.AvgWin, m.AvgLoss, m.FinalBalance,
	)
}
