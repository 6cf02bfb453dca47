// Package types holds the shared vocabulary the cycle orchestrator and
// decision pipeline pass between components: signals, verdicts, decisions,
// positions, portfolio snapshots and risk metrics.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is the strategy/decision action vocabulary shared by spot and
// futures pipelines. Spot never produces Short or Cover.
type Signal string

const (
	SignalBuy   Signal = "BUY"
	SignalSell  Signal = "SELL"
	SignalShort Signal = "SHORT"
	SignalCover Signal = "COVER"
	SignalHold  Signal = "HOLD"
)

// Valid reports whether s is one of the five recognized actions.
func (s Signal) Valid() bool {
	switch s {
	case SignalBuy, SignalSell, SignalShort, SignalCover, SignalHold:
		return true
	}
	return false
}

// MarketType distinguishes the two pipelines the core drives.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// PositionSide is long or short, meaningful only for futures positions.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Horizon is the LLM-selected holding-time class. It controls SL/TP
// multipliers, position size factor and minimum-hold duration.
type Horizon string

const (
	HorizonShort  Horizon = "short"
	HorizonMedium Horizon = "medium"
	HorizonLong   Horizon = "long"
)

// Valid reports whether h is a recognized horizon.
func (h Horizon) Valid() bool {
	switch h {
	case HorizonShort, HorizonMedium, HorizonLong:
		return true
	}
	return false
}

// Timeframe is a candle resolution string, e.g. "5m", "1h".
type Timeframe string

// OrderSide mirrors exchange order sides; distinct from Signal because an
// order side is always buy/sell regardless of spot/futures direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType enumerates the order shapes the Executor issues.
type OrderType string

const (
	OrderTypeMarket        OrderType = "market"
	OrderTypeLimitMaker    OrderType = "limit_maker"
	OrderTypeStopLossLimit OrderType = "stop_loss_limit"
	OrderTypeStopMarket    OrderType = "stop_market"
	OrderTypeTakeProfitMkt OrderType = "take_profit_market"
)

// OrderStatus tracks order lifecycle as reported by the exchange client.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partially_filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order is the exchange-facing record the Executor produces.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	ReduceOnly   bool            `json:"reduceOnly"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	CreatedAt    time.Time       `json:"createdAt"`
	FilledAt     *time.Time      `json:"filledAt,omitempty"`
}

// Verdict is a single strategy's output for one cycle. Confidence 0 implies
// Signal HOLD.
type Verdict struct {
	Strategy   string             `json:"strategy"`
	Signal     Signal             `json:"signal"`
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
	Timeframe  Timeframe          `json:"timeframe,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Decision is the LLM's (or fallback's) adjudication for one cycle.
type Decision struct {
	Action          Signal          `json:"action"`
	Confidence      float64         `json:"confidence"`
	Horizon         Horizon         `json:"horizon"`
	EntryPrice      decimal.Decimal `json:"entryPrice,omitempty"`
	StopLoss        decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit      decimal.Decimal `json:"takeProfit,omitempty"`
	PositionSizePct decimal.Decimal `json:"positionSizePct,omitempty"`
	Reasoning       string          `json:"reasoning"`
	LLMOverride     bool            `json:"llmOverride"`
}

// SpotPosition is an open spot holding. SL must be < entry < TP.
type SpotPosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	TPOrderID    string          `json:"tpOrderId,omitempty"`
	SLOrderID    string          `json:"slOrderId,omitempty"`
	OpenedAt     time.Time       `json:"openedAt"`
	EntryHorizon Horizon         `json:"entryHorizon"`
	EntryReason  string          `json:"entryReasoning"`
}

// FuturesPosition is an open leveraged position. For Long, SL<entry<TP; for
// Short, TP<entry<SL; SL must sit on the safe side of the liquidation price.
type FuturesPosition struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Leverage      decimal.Decimal `json:"leverage"`
	StopLoss      decimal.Decimal `json:"stopLoss"`
	TakeProfit    decimal.Decimal `json:"takeProfit"`
	TPOrderID     string          `json:"tpOrderId,omitempty"`
	SLOrderID     string          `json:"slOrderId,omitempty"`
	LiquidationPx decimal.Decimal `json:"liquidationPrice"`
	OpenedAt      time.Time       `json:"openedAt"`
	EntryHorizon  Horizon         `json:"entryHorizon"`
	EntryReason   string          `json:"entryReasoning"`
}

// ReservedSlot is a (symbol, side) pair claimed between reserve_slot and the
// matching confirm/release. It counts toward max_open_positions the same as
// an open futures position.
type ReservedSlot struct {
	Symbol string       `json:"symbol"`
	Side   PositionSide `json:"side"`
}

// PortfolioState is a per-decision snapshot handed to the DecisionEngine and
// RiskEvaluator. DailyRiskRemaining = available*max_daily_loss_pct +
// daily_realized_pnl (realized PnL is negative when losing).
type PortfolioState struct {
	AvailableBalance   decimal.Decimal `json:"availableBalance"`
	CurrentCount       int             `json:"currentCount"`
	MaxPositions       int             `json:"maxPositions"`
	DailyRealizedPnL   decimal.Decimal `json:"dailyRealizedPnl"`
	DailyRiskRemaining decimal.Decimal `json:"dailyRiskRemaining"`

	// Futures-only fields; zero value for spot.
	MarginBalance decimal.Decimal `json:"marginBalance,omitempty"`
	MarginRatio   decimal.Decimal `json:"marginRatio,omitempty"`
	Leverage      decimal.Decimal `json:"leverage,omitempty"`
}

// RiskMetrics is the advisory pre-calculation the handler sends to the LLM
// alongside the portfolio snapshot; evaluate() re-derives and re-checks the
// authoritative values at order time.
type RiskMetrics struct {
	StopLoss         decimal.Decimal `json:"stopLoss"`
	TakeProfit       decimal.Decimal `json:"takeProfit"`
	SLDistance       decimal.Decimal `json:"slDistance"`
	TPDistance       decimal.Decimal `json:"tpDistance"`
	RiskReward       decimal.Decimal `json:"riskReward"`
	ATR              decimal.Decimal `json:"atr"`
	Leverage         decimal.Decimal `json:"leverage,omitempty"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice,omitempty"`
	AccountRiskPct   decimal.Decimal `json:"accountRiskPct,omitempty"`
	PassesMinRR      bool            `json:"passesMinRr"`
	Reason           string          `json:"reason,omitempty"`
}

// FootprintLevel is one price level's buy/sell volume inside an OrderFlowBar.
type FootprintLevel struct {
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
}

// OrderFlowBar is the aggregated unit order-flow strategies consume, built
// by BarAggregator from raw trades.
type OrderFlowBar struct {
	Symbol     string                    `json:"symbol"`
	Open       decimal.Decimal           `json:"open"`
	High       decimal.Decimal           `json:"high"`
	Low        decimal.Decimal           `json:"low"`
	Close      decimal.Decimal           `json:"close"`
	BuyVolume  decimal.Decimal           `json:"buyVolume"`
	SellVolume decimal.Decimal           `json:"sellVolume"`
	TradeCount int                       `json:"tradeCount"`
	VWAP       decimal.Decimal           `json:"vwap"`
	Footprint  map[string]FootprintLevel `json:"-"`
	OpenedAt   time.Time                 `json:"openedAt"`
	ClosedAt   time.Time                 `json:"closedAt"`
}

// Volume is BuyVolume + SellVolume.
func (b OrderFlowBar) Volume() decimal.Decimal {
	return b.BuyVolume.Add(b.SellVolume)
}

// OrderBookLevel is one price/quantity rung of an order-book depth snapshot.
// The Executor, its slippage estimation and the exchange clients use
// execution.OrderBookLevel instead; nothing in this repository uses this type.
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// RawTrade is a single exchange-reported trade fed into the BarAggregator.
type RawTrade struct {
	TradeID   int64
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      OrderSide
	Timestamp time.Time
}

// OHLCV is a single candlestick.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Cycle identifies one orchestrator iteration; resumes from the last
// persisted value on restart.
type Cycle struct {
	Num int64  `json:"num"`
	ID  string `json:"id"`
}
