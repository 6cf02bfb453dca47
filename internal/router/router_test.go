package router

import (
	"testing"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

func TestCollectPreservesOrder(t *testing.T) {
	r := New()
	r.Collect(types.Verdict{Strategy: "a", Signal: types.SignalBuy, Confidence: 0.6})
	r.Collect(types.Verdict{Strategy: "b", Signal: types.SignalHold})

	got := r.Verdicts()
	if len(got) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(got))
	}
	if got[0].Strategy != "a" || got[1].Strategy != "b" {
		t.Fatalf("expected collection order preserved, got %v", got)
	}
}

func TestWeightedVoteEmpty(t *testing.T) {
	v := New().WeightedVote()
	if v.Signal != types.SignalHold {
		t.Fatalf("expected HOLD for an empty router, got %s", v.Signal)
	}
}

func TestWeightedVoteBuyWins(t *testing.T) {
	r := New()
	r.Collect(types.Verdict{Signal: types.SignalBuy, Confidence: 0.8})
	r.Collect(types.Verdict{Signal: types.SignalBuy, Confidence: 0.6})
	r.Collect(types.Verdict{Signal: types.SignalSell, Confidence: 0.2})

	v := r.WeightedVote()
	if v.Signal != types.SignalBuy {
		t.Fatalf("expected BUY, got %s", v.Signal)
	}
	if v.Confidence <= 0.3 {
		t.Fatalf("expected averaged buy score above threshold, got %f", v.Confidence)
	}
}

func TestWeightedVoteBelowThresholdHolds(t *testing.T) {
	r := New()
	// one weak buy diluted across three strategies: 0.5/3 < 0.3.
	r.Collect(types.Verdict{Signal: types.SignalBuy, Confidence: 0.5})
	r.Collect(types.Verdict{Signal: types.SignalHold})
	r.Collect(types.Verdict{Signal: types.SignalHold})

	if v := r.WeightedVote(); v.Signal != types.SignalHold {
		t.Fatalf("expected HOLD when no side clears 0.3, got %s", v.Signal)
	}
}

func TestWeightedVoteShortCountsAsSell(t *testing.T) {
	r := New()
	r.Collect(types.Verdict{Signal: types.SignalShort, Confidence: 0.9})

	if v := r.WeightedVote(); v.Signal != types.SignalSell {
		t.Fatalf("expected SHORT to roll into the sell side, got %s", v.Signal)
	}
}
