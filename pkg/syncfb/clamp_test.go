package syncfb

import (
	"math"
	"testing"
)

func TestNewClampOrdering(t *testing.T) {
	c := NewClamp(22.7, 1.05, 0.95)
	if !(c.Slow >= c.Current && c.Current >= c.Fast) {
		t.Errorf("ordering violated: slow %f current %f fast %f", c.Slow, c.Current, c.Fast)
	}
	if c.Original != 22.7 {
		t.Errorf("Original = %f, want 22.7", c.Original)
	}
}

func TestClampNarrowingConvergence(t *testing.T) {
	c := NewClamp(22.7, 1.05, 0.95)

	// Alternating compressed/neutral cycles must narrow the bounds
	// toward convergence, never violating the ordering invariant.
	for i := 0; i < 50 && !c.Converged(); i++ {
		c.EnterCompressed()
		if !(c.Slow >= c.Current && c.Current >= c.Fast) {
			t.Fatalf("iteration %d violated ordering: %+v", i, c)
		}
		c.EnterNeutral()
		if !(c.Slow >= c.Current && c.Current >= c.Fast) {
			t.Fatalf("iteration %d violated ordering: %+v", i, c)
		}
	}
	if !c.Converged() {
		t.Errorf("clamp did not converge: slow %f fast %f", c.Slow, c.Fast)
	}
	if (c.Slow-c.Fast)/c.Original >= ConvergenceTol {
		t.Errorf("bounds wider than tolerance: %f", (c.Slow-c.Fast)/c.Original)
	}
}

func TestClampRunawayBound(t *testing.T) {
	c := NewClamp(20, 1.05, 0.95)
	c.Tuned = 20

	// Many stuck nudges in one direction must stay within ±25% of
	// Original.
	for i := 0; i < 200; i++ {
		c.NudgeStuck(true)
	}
	if c.Slow > 20*1.25+1e-9 {
		t.Errorf("slow bound ran away: %f", c.Slow)
	}
	for i := 0; i < 200; i++ {
		c.NudgeStuck(false)
	}
	if c.Fast < 20*0.75-1e-9 {
		t.Errorf("fast bound ran away: %f", c.Fast)
	}
}

func TestClampInversionSelfCorrects(t *testing.T) {
	c := NewClamp(20, 1.05, 0.95)
	c.Slow, c.Fast = 19, 21 // deliberately inverted
	c.enforce()
	if c.Slow < c.Fast {
		t.Errorf("inversion not corrected: slow %f fast %f", c.Slow, c.Fast)
	}
}

func TestEnterNeutralMidpoint(t *testing.T) {
	c := NewClamp(20, 1.05, 0.95)
	c.EnterNeutral()
	want := (c.Slow + c.Fast) / 2
	if math.Abs(c.Current-want) > 1e-12 {
		t.Errorf("Current = %f, want midpoint %f", c.Current, want)
	}
}

func TestTunedNudgeOnEntry(t *testing.T) {
	base := NewClamp(20, 1.05, 0.95)

	untuned := base
	untuned.EnterCompressed()

	tuned := base
	tuned.Tuned = 20
	tuned.EnterCompressed()

	if tuned.Slow <= untuned.Slow {
		t.Errorf("tuned entry should nudge slow outward: %f vs %f",
			tuned.Slow, untuned.Slow)
	}
	if untuned.Current != untuned.Slow {
		t.Errorf("compressed entry should drive slow bound, got %f", untuned.Current)
	}
	if untuned.Fast != base.Current {
		t.Errorf("compressed entry should demote current to fast bound")
	}
}

func TestConvergedRelativeToMidpoint(t *testing.T) {
	// A search settled well above Original: the gap is narrow relative
	// to where the bounds actually sit, and that is what counts.
	c := Clamp{Slow: 25, Current: 24.975, Fast: 24.95, Original: 20}
	if !c.Converged() {
		t.Error("narrow bounds away from Original should count as converged")
	}

	c = Clamp{Slow: 25, Current: 24.97, Fast: 24.93, Original: 20}
	if c.Converged() {
		t.Error("bounds wider than tolerance reported converged")
	}
}

func TestEffectiveSelection(t *testing.T) {
	c := NewClamp(20, 1.05, 0.95)

	tests := []struct {
		name  string
		state float64
		dir   float64
		want  float64
	}{
		{"neutral", 0, 1, c.Current},
		{"compressed loading", 1, 1, c.Slow},
		{"expanded loading", -1, 1, c.Fast},
		{"compressed unloading", 1, -1, c.Fast},
		{"expanded unloading", -1, -1, c.Slow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Effective(tc.state, tc.dir); got != tc.want {
				t.Errorf("Effective(%f, %f) = %f, want %f",
					tc.state, tc.dir, got, tc.want)
			}
		})
	}
}
