package espooler

import (
	"math"
	"sync"
	"testing"
)

type pwmRecorder struct {
	mu    sync.Mutex
	calls []struct {
		gate int
		duty float64
	}
}

func (r *pwmRecorder) set(gate int, duty float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		gate int
		duty float64
	}{gate, duty})
}

func (r *pwmRecorder) last() (int, float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return 0, 0, false
	}
	c := r.calls[len(r.calls)-1]
	return c.gate, c.duty, true
}

func TestPowerForSpeedCurve(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)

	if got := e.PowerForSpeed(0); got != 0 {
		t.Errorf("power at 0 = %f, want 0", got)
	}

	// Monotonic and saturating below MaxPower.
	prev := 0.0
	for _, s := range []float64{10, 50, 100, 200, 400} {
		p := e.PowerForSpeed(s)
		if p <= prev {
			t.Errorf("power not increasing at speed %f: %f <= %f", s, p, prev)
		}
		if p > DefaultConfig().MaxPower {
			t.Errorf("power %f above max", p)
		}
		prev = p
	}

	// Saturation: the step from 200 to 400 is smaller than 50 to 100.
	low := e.PowerForSpeed(100) - e.PowerForSpeed(50)
	high := e.PowerForSpeed(400) - e.PowerForSpeed(200)
	if high >= low {
		t.Errorf("curve not saturating: step %f >= %f", high, low)
	}
}

func TestShouldAssist(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	if e.ShouldAssist(50, 300) {
		t.Error("short move should not assist")
	}
	if e.ShouldAssist(600, 10) {
		t.Error("slow move should not assist")
	}
	if !e.ShouldAssist(600, 300) {
		t.Error("long fast move should assist")
	}
	if !e.ShouldAssist(-600, 300) {
		t.Error("long fast reverse move should assist")
	}
}

func TestEngageReleaseGuard(t *testing.T) {
	rec := &pwmRecorder{}
	e := New(DefaultConfig(), nil, rec.set)

	g := e.Engage(1, 600, 300)
	if e.Operation(1) != OpAssist {
		t.Errorf("op = %s, want assist", e.Operation(1))
	}
	if _, duty, ok := rec.last(); !ok || duty <= 0 {
		t.Errorf("expected positive duty, got %f", duty)
	}

	g.Release()
	if e.Operation(1) != OpOff {
		t.Errorf("op after release = %s, want off", e.Operation(1))
	}
	if _, duty, _ := rec.last(); duty != 0 {
		t.Errorf("duty after release = %f, want 0", duty)
	}

	// Idempotent.
	n := len(rec.calls)
	g.Release()
	if len(rec.calls) != n {
		t.Error("second release should be a no-op")
	}
}

func TestEngageRewindForReverseMove(t *testing.T) {
	rec := &pwmRecorder{}
	e := New(DefaultConfig(), nil, rec.set)

	g := e.Engage(0, -600, 300)
	defer g.Release()
	if e.Operation(0) != OpRewind {
		t.Errorf("op = %s, want rewind", e.Operation(0))
	}
	if _, duty, _ := rec.last(); duty >= 0 {
		t.Errorf("rewind duty = %f, want negative", duty)
	}
	if _, duty, _ := rec.last(); math.Abs(duty) > DefaultConfig().MaxPower {
		t.Errorf("rewind duty %f exceeds max", duty)
	}
}

func TestEngageBelowThresholdIsNoop(t *testing.T) {
	rec := &pwmRecorder{}
	e := New(DefaultConfig(), nil, rec.set)

	g := e.Engage(0, 10, 300)
	if len(rec.calls) != 0 {
		t.Error("sub-threshold engage should not drive the motor")
	}
	g.Release()
	if len(rec.calls) != 0 {
		t.Error("releasing an unengaged guard should not drive the motor")
	}
}
