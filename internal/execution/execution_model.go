package execution

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// ExecutionModel prices simulated fills for the backtester's Simulator (the
// paper exchange client applies its own fixed slippage instead):
// commission, half-spread, and a square-root market-impact term scaled by
// the order's share of recent traded volume. It deliberately stays a cost
// model; order routing and latency belong to the live adapter.
type ExecutionModel struct {
	logger *zap.Logger
	cfg    *ExecutionModelConfig

	mu              sync.Mutex
	fills           int64
	totalCost       decimal.Decimal
	totalCommission decimal.Decimal
}

// ExecutionModelConfig holds the cost-model coefficients.
type ExecutionModelConfig struct {
	// CommissionRate is charged per trade on notional, clamped into
	// [CommissionMin, CommissionMax].
	CommissionRate decimal.Decimal
	CommissionMin  decimal.Decimal
	CommissionMax  decimal.Decimal

	// BaseSpreadBps is the assumed full bid-ask spread; half is paid per
	// market order.
	BaseSpreadBps decimal.Decimal

	// BaseSlippageBps is the baseline slippage for a small market order.
	BaseSlippageBps decimal.Decimal

	// ImpactCoeff scales the square-root participation impact:
	// impact_bps = ImpactCoeff × sqrt(qty / volume) × 10000.
	ImpactCoeff decimal.Decimal
}

// CryptoExecutionModelConfig returns taker-fee-style defaults for USDT
// pairs on a centralized exchange.
func CryptoExecutionModelConfig() *ExecutionModelConfig {
	return &ExecutionModelConfig{
		CommissionRate:  decimal.NewFromFloat(0.001),
		CommissionMin:   decimal.Zero,
		CommissionMax:   decimal.NewFromFloat(1000),
		BaseSpreadBps:   decimal.NewFromFloat(2),
		BaseSlippageBps: decimal.NewFromFloat(3),
		ImpactCoeff:     decimal.NewFromFloat(0.1),
	}
}

// NewExecutionModel builds a model; a nil config gets the crypto defaults.
func NewExecutionModel(logger *zap.Logger, cfg *ExecutionModelConfig) *ExecutionModel {
	if cfg == nil {
		cfg = CryptoExecutionModelConfig()
	}
	return &ExecutionModel{logger: logger, cfg: cfg}
}

// MarketContext is the market state at fill time. Volume is the traded
// volume of the bar being filled against; zero disables the impact term.
type MarketContext struct {
	Symbol string
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// ExecutionResult is one priced fill. FillPrice is the reference price the
// fill is booked at; every cost term (commission, half-spread, slippage,
// impact) is cash in quote currency, summed into TotalCost. Callers charge
// TotalCost against the notional and must not also drift the price.
type ExecutionResult struct {
	FillPrice    decimal.Decimal `json:"fill_price"`
	Commission   decimal.Decimal `json:"commission"`
	SpreadCost   decimal.Decimal `json:"spread_cost"`
	Slippage     decimal.Decimal `json:"slippage"`
	MarketImpact decimal.Decimal `json:"market_impact"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

var bpsDivisor = decimal.NewFromInt(10000)

// SimulateExecution prices one market order fill against market.
func (em *ExecutionModel) SimulateExecution(order *types.Order, market *MarketContext) *ExecutionResult {
	res := &ExecutionResult{ExecutedAt: time.Now().UTC()}
	if market.Price.IsZero() || order.Quantity.LessThanOrEqual(decimal.Zero) {
		res.FillPrice = market.Price
		return res
	}

	notional := market.Price.Mul(order.Quantity)

	res.Commission = em.commission(notional)
	res.SpreadCost = notional.Mul(em.cfg.BaseSpreadBps).Div(bpsDivisor).Div(decimal.NewFromInt(2))
	res.Slippage = notional.Mul(em.cfg.BaseSlippageBps).Div(bpsDivisor)
	res.MarketImpact = em.impact(order.Quantity, market.Volume, notional)
	res.TotalCost = res.Commission.Add(res.SpreadCost).Add(res.Slippage).Add(res.MarketImpact)
	res.FillPrice = market.Price

	em.record(res)
	return res
}

func (em *ExecutionModel) commission(notional decimal.Decimal) decimal.Decimal {
	c := notional.Mul(em.cfg.CommissionRate)
	if c.LessThan(em.cfg.CommissionMin) {
		c = em.cfg.CommissionMin
	}
	if em.cfg.CommissionMax.IsPositive() && c.GreaterThan(em.cfg.CommissionMax) {
		c = em.cfg.CommissionMax
	}
	return c
}

// impact applies the square-root participation model: cost grows with the
// square root of the order's share of the bar's traded volume.
func (em *ExecutionModel) impact(qty, volume, notional decimal.Decimal) decimal.Decimal {
	if volume.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	participation, _ := qty.Div(volume).Float64()
	if participation <= 0 {
		return decimal.Zero
	}
	frac := em.cfg.ImpactCoeff.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	return notional.Mul(frac)
}

func (em *ExecutionModel) record(res *ExecutionResult) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.fills++
	em.totalCost = em.totalCost.Add(res.TotalCost)
	em.totalCommission = em.totalCommission.Add(res.Commission)
}

// Totals reports accumulated fill count and costs for the backtest report.
func (em *ExecutionModel) Totals() (fills int64, totalCost, totalCommission decimal.Decimal) {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.fills, em.totalCost, em.totalCommission
}
