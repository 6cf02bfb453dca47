package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/pkg/types"
	"github.com/helioslabs/trading-supervisor/pkg/utils"
)

var mediumParams = config.HorizonParams{
	SLMultiplier: 1.5, TPMultiplier: 3.0,
	SLPct: 0.03, TPPct: 0.06,
	SizeFactor: 1.0, MinRR: 2.0,
}

func flatCandles(n int, price float64) []utils.OHLCVLike {
	p := decimal.NewFromFloat(price)
	out := make([]utils.OHLCVLike, n)
	for i := range out {
		out[i] = utils.OHLCVLike{High: p, Low: p, Close: p}
	}
	return out
}

func rangedCandles(n int, price, trueRange float64) []utils.OHLCVLike {
	out := make([]utils.OHLCVLike, n)
	for i := range out {
		c := decimal.NewFromFloat(price)
		half := decimal.NewFromFloat(trueRange / 2)
		out[i] = utils.OHLCVLike{High: c.Add(half), Low: c.Sub(half), Close: c}
	}
	return out
}

func TestResolveSLTPAcceptsValidLLMSuggestion(t *testing.T) {
	price := decimal.NewFromInt(50000)
	sl, tp, _, method, _ := resolveSLTP(price, true, mediumParams,
		decimal.NewFromInt(48500), decimal.NewFromInt(53000), nil, 14, true)

	if method != methodLLM {
		t.Fatalf("expected the llm rung, got %s", method)
	}
	if !sl.Equal(decimal.NewFromInt(48500)) || !tp.Equal(decimal.NewFromInt(53000)) {
		t.Fatalf("expected the suggestion carried through, got %s/%s", sl, tp)
	}
}

func TestResolveSLTPExtendsTPToMeetMinRR(t *testing.T) {
	price := decimal.NewFromInt(100)
	// sl distance 2, tp distance 2: rr=1.0 < 2.0, so tp extends to 104.
	_, tp, _, method, _ := resolveSLTP(price, true, mediumParams,
		decimal.NewFromInt(98), decimal.NewFromInt(102), nil, 14, true)

	if method != methodLLM {
		t.Fatalf("expected the suggestion accepted after extension, got %s", method)
	}
	if !tp.Equal(decimal.NewFromInt(104)) {
		t.Fatalf("expected tp extended to 104, got %s", tp)
	}
}

func TestResolveSLTPRejectsWrongDirection(t *testing.T) {
	price := decimal.NewFromInt(100)
	// SL above price on a long is invalid; with no candles the fixed-pct
	// rung takes over.
	sl, tp, _, method, _ := resolveSLTP(price, true, mediumParams,
		decimal.NewFromInt(105), decimal.NewFromInt(110), nil, 14, true)

	if method != methodFixed {
		t.Fatalf("expected fall-through to fixed percentages, got %s", method)
	}
	if !sl.Equal(decimal.NewFromInt(97)) || !tp.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("expected 3%%/6%% fixed levels, got %s/%s", sl, tp)
	}
}

func TestResolveSLTPRejectsSLDistanceOutOfBounds(t *testing.T) {
	price := decimal.NewFromInt(100)

	// 0.2% away: below the 0.5% floor.
	_, _, _, method, _ := resolveSLTP(price, true, mediumParams,
		decimal.NewFromFloat(99.8), decimal.NewFromInt(110), nil, 14, true)
	if method == methodLLM {
		t.Fatal("a stop closer than 0.5% must not be accepted")
	}

	// 20% away: above the 15% cap.
	_, _, _, method, _ = resolveSLTP(price, true, mediumParams,
		decimal.NewFromInt(80), decimal.NewFromInt(140), nil, 14, true)
	if method == methodLLM {
		t.Fatal("a stop farther than 15% must not be accepted")
	}
}

func TestResolveSLTPUsesATRWhenAvailable(t *testing.T) {
	price := decimal.NewFromInt(100)
	candles := rangedCandles(30, 100, 2) // ATR = 2

	sl, tp, atr, method, _ := resolveSLTP(price, true, mediumParams, decimal.Zero, decimal.Zero, candles, 14, true)
	if method != methodATR {
		t.Fatalf("expected the atr rung, got %s", method)
	}
	if !atr.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected atr 2, got %s", atr)
	}
	if !sl.Equal(decimal.NewFromInt(97)) || !tp.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("expected 100-2*1.5 / 100+2*3, got %s/%s", sl, tp)
	}
}

func TestResolveSLTPShortDirection(t *testing.T) {
	price := decimal.NewFromInt(100)
	sl, tp, _, method, _ := resolveSLTP(price, false, mediumParams, decimal.Zero, decimal.Zero, flatCandles(30, 100), 14, true)

	// flat candles have zero ATR, so the fixed rung applies, mirrored.
	if method != methodFixed {
		t.Fatalf("expected the fixed rung for a zero-range tape, got %s", method)
	}
	if !sl.GreaterThan(price) || !tp.LessThan(price) {
		t.Fatalf("short levels must be mirrored around price, got sl=%s tp=%s", sl, tp)
	}
}

// A position rehydrated without stored SL/TP must not read the zero
// take-profit as an instant trigger; the fixed-percentage fallback applies.
func TestCheckStopLossTakeProfitLegacyFallback(t *testing.T) {
	e := NewSpotEvaluator(zap.NewNop(), config.SpotConfig{MaxOpenPositions: 5}, config.HorizonRiskConfig{"medium": mediumParams})
	e.AddPosition(types.SpotPosition{
		Symbol: "BTC/USDT", Quantity: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100), EntryHorizon: types.HorizonMedium,
	})

	if sig := e.CheckStopLossTakeProfit("BTC/USDT", decimal.NewFromInt(100)); sig != types.SignalHold {
		t.Fatalf("price at entry must hold, got %s", sig)
	}
	if sig := e.CheckStopLossTakeProfit("BTC/USDT", decimal.NewFromInt(90)); sig != types.SignalSell {
		t.Fatalf("price through the fallback stop must sell, got %s", sig)
	}
	if sig := e.CheckStopLossTakeProfit("BTC/USDT", decimal.NewFromInt(110)); sig != types.SignalSell {
		t.Fatalf("price through the fallback target must sell, got %s", sig)
	}
}

// The liquidation guard: at 10x a stop 15% below entry sits beyond the
// liquidation price (~9.6% below), so the open must be rejected.
func TestFuturesOpenRejectedByLiquidationGuard(t *testing.T) {
	e := NewFuturesEvaluator(zap.NewNop(), config.FuturesConfig{
		MaxOpenPositions: 5, MaxPositionPct: 0.1, MaxDailyLossPct: 0.5, MaxMarginRatio: 0.8,
	}, config.HorizonRiskConfig{"medium": mediumParams})
	e.ReserveSlot("SOL/USDT", types.PositionLong)

	price := decimal.NewFromInt(100)
	result := e.Evaluate("SOL/USDT", types.SignalBuy, price, decimal.NewFromInt(100000),
		decimal.NewFromFloat(0.1), decimal.NewFromInt(10), types.HorizonMedium,
		decimal.Zero, decimal.NewFromInt(85), decimal.NewFromInt(130), nil)

	if result.Ok {
		t.Fatal("expected the liquidation guard to reject a stop beyond liq price")
	}
	if result.Rejected.Reason != "stop loss at or beyond liquidation price" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestFuturesOpenRejectedByAccountRiskCap(t *testing.T) {
	e := NewFuturesEvaluator(zap.NewNop(), config.FuturesConfig{
		MaxOpenPositions: 5, MaxPositionPct: 0.1, MaxDailyLossPct: 0.05, MaxMarginRatio: 0.8,
	}, config.HorizonRiskConfig{"medium": mediumParams})
	e.ReserveSlot("SOL/USDT", types.PositionLong)

	// sl 5% out at 10x with 10% position => account risk 5% > 2.5% cap.
	price := decimal.NewFromInt(100)
	result := e.Evaluate("SOL/USDT", types.SignalBuy, price, decimal.NewFromInt(100000),
		decimal.NewFromFloat(0.1), decimal.NewFromInt(10), types.HorizonMedium,
		decimal.Zero, decimal.NewFromInt(95), decimal.NewFromInt(112), nil)

	if result.Ok {
		t.Fatal("expected the account-risk cap to reject")
	}
	if result.Rejected.Reason != "account risk exceeds cap" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestFuturesOpenRejectedByRiskRewardFloor(t *testing.T) {
	tight := mediumParams
	tight.SLPct, tight.TPPct = 0.03, 0.04 // fixed fallback rr = 1.33 < 2.0
	e := NewFuturesEvaluator(zap.NewNop(), config.FuturesConfig{
		MaxOpenPositions: 5, MaxPositionPct: 0.1, MaxDailyLossPct: 0.5, MaxMarginRatio: 0.8,
	}, config.HorizonRiskConfig{"medium": tight})
	e.ReserveSlot("SOL/USDT", types.PositionLong)

	result := e.Evaluate("SOL/USDT", types.SignalBuy, decimal.NewFromInt(100), decimal.NewFromInt(100000),
		decimal.NewFromFloat(0.1), decimal.NewFromInt(3), types.HorizonMedium,
		decimal.Zero, decimal.Zero, decimal.Zero, nil)

	if result.Ok {
		t.Fatal("expected the r:r floor to reject the fixed-percentage fallback")
	}
	if result.Rejected.Reason != "risk:reward below horizon minimum" {
		t.Fatalf("unexpected rejection reason: %s", result.Rejected.Reason)
	}
}

func TestFuturesApprovedOpenCarriesLiquidationPrice(t *testing.T) {
	e := NewFuturesEvaluator(zap.NewNop(), config.FuturesConfig{
		MaxOpenPositions: 5, MaxPositionPct: 0.02, MaxDailyLossPct: 0.5, MaxMarginRatio: 0.8,
	}, config.HorizonRiskConfig{"medium": mediumParams})
	e.ReserveSlot("BTC/USDT", types.PositionLong)

	result := e.Evaluate("BTC/USDT", types.SignalBuy, decimal.NewFromInt(50000), decimal.NewFromInt(100000),
		decimal.NewFromFloat(0.1), decimal.NewFromInt(3), types.HorizonMedium,
		decimal.Zero, decimal.Zero, decimal.Zero, nil)

	if !result.Ok {
		t.Fatalf("expected approval, got %s", result.Rejected.Reason)
	}
	a := result.Approved
	if !a.LiquidationPrice.IsPositive() || !a.LiquidationPrice.LessThan(a.StopLoss) {
		t.Fatalf("expected liq below the stop for a long, got liq=%s sl=%s", a.LiquidationPrice, a.StopLoss)
	}
	if a.RiskReward.LessThan(decimal.NewFromInt(2)) {
		t.Fatalf("approved open must satisfy the rr floor, got %s", a.RiskReward)
	}
}
