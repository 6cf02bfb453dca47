// Package loanguard implements the ancillary loan-collateral rebalancing
// job: a periodic LTV check against any open crypto-backed loans, with an
// LLM-gated rebalance when LTV strays too far from target. It runs
// independently of the cycle loop, on its own interval, and is entirely
// orthogonal to spot/futures trading.
package loanguard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/internal/llm"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// Sink is the one persistence operation the guardian needs; the concrete
// sink store implements it structurally.
type Sink interface {
	RecordLoanHealth(ctx context.Context, ltv float64, action string)
}

// warnMargin is how far below danger_ltv (or above low_ltv) a loan is
// merely "approaching" a threshold rather than crossing it.
const warnMargin = 0.05

// LoanOrder is one open crypto-backed loan as reported by the exchange.
type LoanOrder struct {
	LoanCoin         string
	CollateralCoin   string
	CurrentLTV       decimal.Decimal
	TotalDebt        decimal.Decimal
	CollateralAmount decimal.Decimal
}

// Lister is implemented by exchange clients that can enumerate open loans.
// Clients without margin-lending support (paper mode) don't implement it,
// and the guardian's check is a no-op.
type Lister interface {
	FetchLoanOrders(ctx context.Context) ([]LoanOrder, error)
}

// CollateralAdjuster is implemented by exchange clients that support
// pledging or releasing loan collateral. When the active client doesn't
// implement it, a rebalance decision is logged but not executed.
type CollateralAdjuster interface {
	AdjustCollateral(ctx context.Context, loanCoin, collateralCoin string, quantity decimal.Decimal, add bool) error
}

// approvalResponse is the LLM's required reply shape for a rebalance
// proposal.
type approvalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Guardian runs the LTV check loop.
type Guardian struct {
	logger *zap.Logger
	client execution.ExchangeClient
	llm    llm.Client
	sink   Sink
	cfg    config.LoanGuardConfig

	lastLTV map[string]decimal.Decimal
}

// New builds a Guardian.
func New(logger *zap.Logger, client execution.ExchangeClient, llmClient llm.Client, sink Sink, cfg config.LoanGuardConfig) *Guardian {
	return &Guardian{
		logger:  logger.Named("loan_guardian"),
		client:  client,
		llm:     llmClient,
		sink:    sink,
		cfg:     cfg,
		lastLTV: make(map[string]decimal.Decimal),
	}
}

// SetConfig swaps the active threshold configuration, used by the
// orchestrator's hot-reload path.
func (g *Guardian) SetConfig(cfg config.LoanGuardConfig) {
	g.cfg = cfg
}

// Check runs one pass over every open loan, acting on any that crosses a
// rebalance threshold. A loan whose LTV is unchanged since the last check
// (rounded to 4 decimals) is skipped to avoid redundant AI review requests.
func (g *Guardian) Check(ctx context.Context) {
	if !g.cfg.Enabled {
		return
	}
	lister, ok := g.client.(Lister)
	if !ok {
		return
	}

	orders, err := lister.FetchLoanOrders(ctx)
	if err != nil {
		g.logger.Warn("loan guardian: failed to fetch loan orders", zap.Error(err))
		return
	}

	warnHigh := g.cfg.DangerLTV - warnMargin
	warnLow := g.cfg.LowLTV + warnMargin

	for _, o := range orders {
		pairKey := o.CollateralCoin + "/" + o.LoanCoin
		ltvRounded := o.CurrentLTV.Round(4)
		if prev, seen := g.lastLTV[pairKey]; seen && prev.Equal(ltvRounded) {
			continue
		}
		g.lastLTV[pairKey] = ltvRounded

		ltv, _ := o.CurrentLTV.Float64()
		action := "none"

		switch {
		case o.CurrentLTV.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.DangerLTV)):
			g.logger.Warn("loan ltv above danger threshold, protecting", zap.String("pair", pairKey), zap.Float64("ltv", ltv))
			g.protect(ctx, o)
			action = "protect"
		case o.CurrentLTV.GreaterThanOrEqual(decimal.NewFromFloat(warnHigh)):
			g.logger.Warn("loan ltv approaching danger threshold", zap.String("pair", pairKey), zap.Float64("ltv", ltv))
		case o.CurrentLTV.LessThanOrEqual(decimal.NewFromFloat(g.cfg.LowLTV)):
			g.logger.Info("loan ltv below low threshold, taking profit", zap.String("pair", pairKey), zap.Float64("ltv", ltv))
			g.takeProfit(ctx, o)
			action = "take_profit"
		case o.CurrentLTV.LessThanOrEqual(decimal.NewFromFloat(warnLow)):
			g.logger.Info("loan ltv approaching low threshold", zap.String("pair", pairKey), zap.Float64("ltv", ltv))
		default:
			g.logger.Debug("loan ltv within safe range", zap.String("pair", pairKey), zap.Float64("ltv", ltv))
		}

		g.sink.RecordLoanHealth(ctx, ltv, action)
	}
}

func (g *Guardian) protect(ctx context.Context, o LoanOrder) {
	collateralValue := decimal.Zero
	if o.CurrentLTV.GreaterThan(decimal.Zero) {
		collateralValue = o.TotalDebt.Div(o.CurrentLTV)
	}
	targetValue := o.TotalDebt.Div(decimal.NewFromFloat(g.cfg.TargetLTV))
	additionalValue := targetValue.Sub(collateralValue)
	if additionalValue.LessThanOrEqual(decimal.Zero) {
		return
	}

	pair := o.CollateralCoin + "/USDT"
	price, err := g.client.GetPrice(ctx, pair)
	if err != nil {
		g.logger.Error("loan guardian: failed to price collateral pair", zap.String("pair", pair), zap.Error(err))
		return
	}
	additionalQty := additionalValue.Div(price)

	prompt := fmt.Sprintf(
		"Loan collateral protection review.\nDebt: %s %s\nCollateral: %s %s (approx %s USDT)\nCurrent LTV: %s (danger threshold %s)\nProposed: buy %s %s (approx %s USDT) and pledge it as additional collateral, targeting LTV %s.\nReply with JSON only: {\"approved\": true/false, \"reason\": \"...\"}. Reject if balance looks insufficient or the market looks abnormal.",
		o.TotalDebt, o.LoanCoin, o.CollateralAmount, o.CollateralCoin, collateralValue,
		o.CurrentLTV, decimal.NewFromFloat(g.cfg.DangerLTV),
		additionalQty, o.CollateralCoin, additionalValue, decimal.NewFromFloat(g.cfg.TargetLTV),
	)

	approved, reason := g.review(ctx, prompt)
	if !approved {
		g.logger.Info("loan guardian: AI rejected protect action", zap.String("reason", reason))
		return
	}
	g.logger.Info("loan guardian: AI approved protect action", zap.String("reason", reason))

	if g.cfg.DryRun {
		g.logger.Info("loan guardian: dry run, skipping pledge", zap.String("pair", pair), zap.String("qty", additionalQty.String()))
		return
	}

	existing, _ := g.client.GetBalance(ctx, o.CollateralCoin)
	needToBuy := additionalQty.Sub(existing)
	if needToBuy.GreaterThan(decimal.Zero) {
		order := types.Order{Symbol: pair, Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: needToBuy}
		filled, err := g.client.PlaceOrder(ctx, order)
		if err != nil {
			g.logger.Error("loan guardian: collateral purchase failed", zap.String("pair", pair), zap.Error(err))
			if existing.LessThanOrEqual(decimal.Zero) {
				return
			}
		} else {
			g.logger.Info("loan guardian: purchased collateral", zap.String("pair", pair), zap.String("qty", filled.FilledQty.String()))
		}
	}

	available, _ := g.client.GetBalance(ctx, o.CollateralCoin)
	pledgeQty := decimal.Min(additionalQty, available)
	g.adjustCollateral(ctx, o.LoanCoin, o.CollateralCoin, pledgeQty, true)
}

func (g *Guardian) takeProfit(ctx context.Context, o LoanOrder) {
	collateralValue := decimal.Zero
	if o.CurrentLTV.GreaterThan(decimal.Zero) {
		collateralValue = o.TotalDebt.Div(o.CurrentLTV)
	}
	targetValue := o.TotalDebt.Div(decimal.NewFromFloat(g.cfg.TargetLTV))
	removableValue := collateralValue.Sub(targetValue)
	if removableValue.LessThanOrEqual(decimal.Zero) {
		return
	}

	pair := o.CollateralCoin + "/USDT"
	price, err := g.client.GetPrice(ctx, pair)
	if err != nil {
		g.logger.Error("loan guardian: failed to price collateral pair", zap.String("pair", pair), zap.Error(err))
		return
	}
	removableQty := removableValue.Div(price)

	prompt := fmt.Sprintf(
		"Loan collateral take-profit review.\nDebt: %s %s\nCollateral: %s %s (approx %s USDT)\nCurrent LTV: %s (low threshold %s)\nProposed: release %s %s (approx %s USDT) of collateral and sell it, targeting LTV %s.\nReply with JSON only: {\"approved\": true/false, \"reason\": \"...\"}. Reject if the market is moving sharply or the collateral looks likely to keep appreciating.",
		o.TotalDebt, o.LoanCoin, o.CollateralAmount, o.CollateralCoin, collateralValue,
		o.CurrentLTV, decimal.NewFromFloat(g.cfg.LowLTV),
		removableQty, o.CollateralCoin, removableValue, decimal.NewFromFloat(g.cfg.TargetLTV),
	)

	approved, reason := g.review(ctx, prompt)
	if !approved {
		g.logger.Info("loan guardian: AI rejected take-profit action", zap.String("reason", reason))
		return
	}
	g.logger.Info("loan guardian: AI approved take-profit action", zap.String("reason", reason))

	if g.cfg.DryRun {
		g.logger.Info("loan guardian: dry run, skipping release", zap.String("pair", pair), zap.String("qty", removableQty.String()))
		return
	}

	if !g.adjustCollateral(ctx, o.LoanCoin, o.CollateralCoin, removableQty, false) {
		return
	}

	order := types.Order{Symbol: pair, Side: types.OrderSideSell, Type: types.OrderTypeMarket, Quantity: removableQty}
	filled, err := g.client.PlaceOrder(ctx, order)
	if err != nil {
		g.logger.Error("loan guardian: collateral sale failed", zap.String("pair", pair), zap.Error(err))
		return
	}
	g.logger.Info("loan guardian: sold released collateral", zap.String("pair", pair), zap.String("qty", filled.FilledQty.String()))
}

func (g *Guardian) adjustCollateral(ctx context.Context, loanCoin, collateralCoin string, qty decimal.Decimal, add bool) bool {
	adjuster, ok := g.client.(CollateralAdjuster)
	if !ok {
		g.logger.Info("loan guardian: exchange client does not support collateral adjustment, skipping", zap.String("collateral", collateralCoin))
		return false
	}
	if err := adjuster.AdjustCollateral(ctx, loanCoin, collateralCoin, qty, add); err != nil {
		g.logger.Error("loan guardian: collateral adjustment failed", zap.String("collateral", collateralCoin), zap.Error(err))
		return false
	}
	return true
}

// review sends prompt to the LLM and parses its required JSON envelope. Any
// failure (timeout, unparseable response) is treated as a rejection, never
// as an implicit approval.
func (g *Guardian) review(ctx context.Context, prompt string) (approved bool, reason string) {
	if g.llm == nil {
		return false, "ai review unavailable"
	}
	response, err := g.llm.Decide(ctx, prompt)
	if err != nil {
		g.logger.Error("loan guardian: AI review call failed", zap.Error(err))
		return false, "ai call failed"
	}

	start := strings.IndexByte(response, '{')
	end := strings.LastIndexByte(response, '}')
	if start < 0 || end < start {
		g.logger.Warn("loan guardian: AI reply was not JSON", zap.String("reply", truncate(response, 100)))
		return false, "unparseable ai reply"
	}

	var parsed approvalResponse
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		g.logger.Warn("loan guardian: AI reply JSON invalid", zap.Error(err))
		return false, "invalid ai reply"
	}
	return parsed.Approved, parsed.Reason
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
