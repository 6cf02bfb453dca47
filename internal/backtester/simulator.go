// Package backtester replays a recorded aggTrade tape through a single
// order-flow strategy and reports simulated performance. It is the target
// for the `backtest` CLI subcommand, not a general-purpose research tool:
// position sizing is fixed-fraction, one symbol, one strategy, no
// portfolio, no statistical validation.
package backtester

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// Trade records one closed round trip for the metrics report.
type Trade struct {
	Side       string // "long"
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   decimal.Decimal
	PnL        decimal.Decimal
	Reason     string // "signal", "stop_loss", "take_profit", "end_of_data"
}

// Simulator tracks a single-asset paper position against a running
// balance. Fills are costed through an
// execution.ExecutionModel rather than a flat commission, so replayed
// equity curves carry the same spread/slippage/impact drag a live or paper
// run would see.
type Simulator struct {
	balance       decimal.Decimal
	commissionPct decimal.Decimal
	model         *execution.ExecutionModel
	holding       decimal.Decimal
	entryPrice    decimal.Decimal
	trades        []Trade
	equityCurve   []decimal.Decimal
}

// NewSimulator builds a Simulator seeded with startingBalance. commissionPct
// overrides the crypto execution model's default commission rate; the rest
// of its cost terms (spread, slippage, market impact) use
// execution.CryptoExecutionModelConfig's defaults.
func NewSimulator(logger *zap.Logger, startingBalance, commissionPct decimal.Decimal) *Simulator {
	modelCfg := execution.CryptoExecutionModelConfig()
	modelCfg.CommissionRate = commissionPct
	modelCfg.CommissionMin = decimal.Zero
	modelCfg.CommissionMax = startingBalance
	return &Simulator{
		balance:       startingBalance,
		commissionPct: commissionPct,
		model:         execution.NewExecutionModel(logger.Named("cost-model"), modelCfg),
	}
}

// Buy opens the long position at price using fraction of the current cash
// balance, using volume (the closed bar's traded volume, or zero for an
// intrabar check) to size the model's market-impact and slippage terms.
func (s *Simulator) Buy(price, fraction, volume decimal.Decimal) {
	if !s.holding.IsZero() {
		return
	}
	notional := s.balance.Mul(fraction)
	order := &types.Order{Side: types.OrderSideBuy, Quantity: notional.Div(price)}
	result := s.model.SimulateExecution(order, &execution.MarketContext{Price: price, Volume: volume})

	qty := notional.Sub(result.TotalCost).Div(result.FillPrice)
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}
	s.balance = s.balance.Sub(notional)
	s.holding = qty
	s.entryPrice = result.FillPrice
}

// Sell closes the current long position at price, realizing PnL and
// recording the completed trade with reason.
func (s *Simulator) Sell(price, volume decimal.Decimal, reason string) {
	if s.holding.IsZero() {
		return
	}
	order := &types.Order{Side: types.OrderSideSell, Quantity: s.holding}
	result := s.model.SimulateExecution(order, &execution.MarketContext{Price: price, Volume: volume})

	proceeds := s.holding.Mul(result.FillPrice).Sub(result.TotalCost)
	entryNotional := s.holding.Mul(s.entryPrice)
	pnl := proceeds.Sub(entryNotional)

	s.trades = append(s.trades, Trade{
		Side:       "long",
		EntryPrice: s.entryPrice,
		ExitPrice:  result.FillPrice,
		Quantity:   s.holding,
		PnL:        pnl,
		Reason:     reason,
	})

	s.balance = s.balance.Add(proceeds)
	s.holding = decimal.Zero
	s.entryPrice = decimal.Zero
}

// PortfolioValue is cash plus the mark-to-market value of any open position.
func (s *Simulator) PortfolioValue(markPrice decimal.Decimal) decimal.Decimal {
	if s.holding.IsZero() {
		return s.balance
	}
	return s.balance.Add(s.holding.Mul(markPrice))
}

// SnapshotEquity appends the current portfolio value to the equity curve.
func (s *Simulator) SnapshotEquity(markPrice decimal.Decimal) {
	s.equityCurve = append(s.equityCurve, s.PortfolioValue(markPrice))
}

// IsHolding reports whether a position is currently open.
func (s *Simulator) IsHolding() bool { return !s.holding.IsZero() }

// EntryPrice returns the current position's entry price, zero if flat.
func (s *Simulator) EntryPrice() decimal.Decimal { return s.entryPrice }

func (s *Simulator) String() string {
	return fmt.Sprintf("balance=%s holding=%s trades=%d", s.balance.StringFixed(2), s.holding.StringFixed(6), len(s.trades))
}
