package trailing

import (
	"testing"

	"trailguard/internal/config"
	"trailguard/internal/types"
)

func testTrailingConfig() config.Trailing {
	offset := 0.005
	fraction := 0.5
	return config.Trailing{
		StartTrailingProfitPct: 0.01,
		FixedStopLossPct:       0.005,
		Levels: []config.RuleLevel{
			{MinProfitPct: 0.02, TrailingStopOffset: &offset},
			{MinProfitPct: 0.06, BookFraction: &fraction},
		},
	}
}

func longPosition() types.Position {
	return types.Position{ID: "BTCUSD-long", Symbol: "BTCUSD", Size: 1, EntryPrice: 100000}
}

func shortPosition() types.Position {
	return types.Position{ID: "BTCUSD-short", Symbol: "BTCUSD", Size: -1, EntryPrice: 100000}
}

func TestComputeProfitPct_SignMatchesSide(t *testing.T) {
	eng := NewEngine(testTrailingConfig())

	got, err := eng.ComputeProfitPct(longPosition(), 101000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got <= 0 {
		t.Errorf("long above entry should be positive, got %v", got)
	}

	got, err = eng.ComputeProfitPct(shortPosition(), 99000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got <= 0 {
		t.Errorf("short below entry should be positive, got %v", got)
	}

	got, err = eng.ComputeProfitPct(longPosition(), 99000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got >= 0 {
		t.Errorf("long below entry should be negative, got %v", got)
	}
}

func TestComputeProfitPct_MissingEntry(t *testing.T) {
	eng := NewEngine(testTrailingConfig())
	pos := types.Position{ID: "x", Symbol: "BTCUSD", Size: 1, EntryPrice: 0}

	if _, err := eng.ComputeProfitPct(pos, 100000); err == nil {
		t.Fatal("expected error for missing entry price")
	}
}

func TestEvaluate_BelowActivationUsesFixedStop(t *testing.T) {
	// entry=100000, live=101000 -> profit 1%, below the 2% level threshold.
	eng := NewEngine(testTrailingConfig())

	eval, err := eng.Evaluate(longPosition(), 101000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.Rule != types.RuleFixedStop {
		t.Errorf("expected fixed_stop, got %v", eval.Rule)
	}
	want := 100000 * (1 - 0.005)
	if eval.Stop != want {
		t.Errorf("expected stop %v, got %v", want, eval.Stop)
	}
}

func TestEvaluate_DynamicStopAndRatchet(t *testing.T) {
	eng := NewEngine(testTrailingConfig())

	// live=103000 -> profit 3% -> dynamic rule, stop = 100000*1.005.
	eval, err := eng.Evaluate(longPosition(), 103000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.Rule != types.RuleDynamic {
		t.Errorf("expected dynamic, got %v", eval.Rule)
	}
	if eval.Stop != 100500 {
		t.Errorf("expected stop 100500, got %v", eval.Stop)
	}

	// Profit dropping back must not lower the committed stop.
	eval, err = eng.Evaluate(longPosition(), 101000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.Stop < 100500 {
		t.Errorf("stop regressed to %v", eval.Stop)
	}
}

func TestEvaluate_RuleStickiness(t *testing.T) {
	eng := NewEngine(testTrailingConfig())

	eval, _ := eng.Evaluate(longPosition(), 103000)
	if eval.Rule != types.RuleDynamic {
		t.Fatalf("expected dynamic, got %v", eval.Rule)
	}

	// Even below the activation threshold the rule must not revert.
	eval, _ = eng.Evaluate(longPosition(), 100200)
	if eval.Rule != types.RuleDynamic {
		t.Errorf("rule reverted to %v", eval.Rule)
	}
}

func TestEvaluate_PartialBookingStop(t *testing.T) {
	eng := NewEngine(testTrailingConfig())

	// live=107000 -> profit 7% -> the 6% partial_booking level wins.
	eval, err := eng.Evaluate(longPosition(), 107000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.Rule != types.RulePartialBooking {
		t.Fatalf("expected partial_booking, got %v", eval.Rule)
	}
	want := 100000 * (1 + 0.07*0.5)
	if eval.Stop != want {
		t.Errorf("expected stop %v, got %v", want, eval.Stop)
	}
}

func TestEvaluate_ShortSideFormulas(t *testing.T) {
	eng := NewEngine(testTrailingConfig())

	// Short at 3% profit: dynamic stop below entry.
	eval, err := eng.Evaluate(shortPosition(), 97000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.Rule != types.RuleDynamic {
		t.Fatalf("expected dynamic, got %v", eval.Rule)
	}
	if eval.Stop != 99500 {
		t.Errorf("expected stop 99500, got %v", eval.Stop)
	}

	// Further profit must not raise the short's committed stop.
	eval, _ = eng.Evaluate(shortPosition(), 99000)
	if eval.Stop > 99500 {
		t.Errorf("short stop regressed upward to %v", eval.Stop)
	}
}

func TestRatchetMonotonicity(t *testing.T) {
	eng := NewEngine(testTrailingConfig())
	pos := longPosition()

	prices := []float64{102000, 105000, 101500, 108000, 100100, 103000}
	var committed float64
	for _, live := range prices {
		eval, err := eng.Evaluate(pos, live)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if eval.Stop < committed {
			t.Fatalf("stop decreased from %v to %v at live %v", committed, eval.Stop, live)
		}
		committed = eval.Stop
	}
}

func TestShouldClose(t *testing.T) {
	cases := []struct {
		name string
		rule types.RuleKind
		side types.Side
		live float64
		stop float64
		want bool
	}{
		{"long above stop", types.RuleDynamic, types.SideBuy, 100600, 100500, false},
		{"long below stop", types.RuleDynamic, types.SideBuy, 100400, 100500, true},
		{"short below stop", types.RuleFixedStop, types.SideSell, 99400, 99500, false},
		{"short above stop", types.RuleFixedStop, types.SideSell, 99600, 99500, true},
		{"partial never closes", types.RulePartialBooking, types.SideBuy, 90000, 100500, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldClose(tc.rule, tc.side, tc.live, tc.stop); got != tc.want {
				t.Errorf("ShouldClose = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLockStop_FavorableOnly(t *testing.T) {
	eng := NewEngine(testTrailingConfig())
	pos := longPosition()

	eng.Evaluate(pos, 103000) // committed stop 100500

	if !eng.LockStop(pos.ID, types.SideBuy, 101500) {
		t.Error("tighter lock should apply")
	}
	if stop, _ := eng.CommittedStop(pos.ID); stop != 101500 {
		t.Errorf("expected stop 101500, got %v", stop)
	}

	if eng.LockStop(pos.ID, types.SideBuy, 100800) {
		t.Error("looser lock must not apply")
	}
	if stop, _ := eng.CommittedStop(pos.ID); stop != 101500 {
		t.Errorf("stop regressed to %v", stop)
	}
}

func TestLockStop_NoPriorState(t *testing.T) {
	eng := NewEngine(testTrailingConfig())

	if !eng.LockStop("BTCUSD-short", types.SideSell, 99000) {
		t.Error("lock without prior state should commit directly")
	}
	if stop, ok := eng.CommittedStop("BTCUSD-short"); !ok || stop != 99000 {
		t.Errorf("expected committed 99000, got %v (ok=%v)", stop, ok)
	}
}

func TestClear_DropsAllState(t *testing.T) {
	eng := NewEngine(testTrailingConfig())
	pos := longPosition()

	eng.Evaluate(pos, 103000)
	eng.Clear()

	if _, ok := eng.CommittedStop(pos.ID); ok {
		t.Error("expected no committed stop after Clear")
	}

	// After a regime boundary the rule starts over as well.
	eval, _ := eng.Evaluate(pos, 101000)
	if eval.Rule != types.RuleFixedStop {
		t.Errorf("expected fixed_stop after clear, got %v", eval.Rule)
	}
}
