package risk

import "github.com/shopspring/decimal"

// MinNotionalUSD is a conservative stand-in for the exchange's
// get_min_notional(symbol): the evaluator
// doesn't have a live quote for every pair's exchange filter, so a single
// floor is applied uniformly. An order whose notional would fall below it
// is rejected outright rather than silently placed.
const MinNotionalUSD = 10.0

// Approved is the positive outcome of an evaluate() call.
type Approved struct {
	Quantity         decimal.Decimal
	StopLoss         decimal.Decimal
	TakeProfit       decimal.Decimal
	Leverage         decimal.Decimal // futures only, zero for spot
	LiquidationPrice decimal.Decimal // futures only
	RiskReward       decimal.Decimal
}

// Rejected is the negative outcome, carrying the reason for logs and tests.
type Rejected struct {
	Reason string
}

// Result is the tagged union evaluate() returns: exactly one of Approved or
// Rejected is non-nil-equivalent; Ok reports which.
type Result struct {
	Ok       bool
	Approved Approved
	Rejected Rejected
}

func approve(a Approved) Result   { return Result{Ok: true, Approved: a} }
func reject(r Rejected) Result    { return Result{Ok: false, Rejected: r} }
func rejectReason(reason string) Result {
	return Result{Ok: false, Rejected: Rejected{Reason: reason}}
}
