package gate

import (
	"math"
	"path/filepath"
	"testing"

	"mmu-go-migration/pkg/persist"
)

func TestQualitySmoothing(t *testing.T) {
	s := NewSet(1, nil, nil)

	// First sample replaces the -1 seed outright.
	if got := s.UpdateQuality(0, 0.8); got != 0.8 {
		t.Fatalf("first sample = %f, want 0.8", got)
	}

	// Subsequent samples smooth 9:1.
	got := s.UpdateQuality(0, 1.0)
	want := (0.8*9 + 1.0) / 10
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("smoothed = %f, want %f", got, want)
	}
}

func TestStatusPersistRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	store, err := persist.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	s := NewSet(3, nil, store)
	s.SetStatus(0, StatusAvailable)
	s.SetStatus(2, StatusEmpty)
	s.SetRotationDistance(1, 22.9)
	s.TrackLoad(1, 600, 1.5)
	s.RecordLoadFailure(1)
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}

	store2, err := persist.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s2 := NewSet(3, nil, store2)

	if got := s2.Gate(0).Status; got != StatusAvailable {
		t.Errorf("gate 0 status = %s, want available", got)
	}
	if got := s2.Gate(1).Status; got != StatusUnknown {
		t.Errorf("gate 1 status = %s, want unknown", got)
	}
	if got := s2.Gate(2).Status; got != StatusEmpty {
		t.Errorf("gate 2 status = %s, want empty", got)
	}
	if got := s2.Gate(1).RotationDistance; got != 22.9 {
		t.Errorf("gate 1 rotation distance = %f, want 22.9", got)
	}
	if got := s2.Gate(1).Stats.LoadDistance; got != 600 {
		t.Errorf("gate 1 load distance = %f, want 600", got)
	}
	if got := s2.Gate(1).Stats.LoadFailures; got != 1 {
		t.Errorf("gate 1 load failures = %d, want 1", got)
	}
}

func TestSpeedOverrideDefaults(t *testing.T) {
	s := NewSet(3, []int{90, 120}, nil)
	if got := s.Gate(0).SpeedOverride; got != 90 {
		t.Errorf("gate 0 override = %d, want 90", got)
	}
	if got := s.Gate(2).SpeedOverride; got != 100 {
		t.Errorf("gate 2 override = %d, want 100", got)
	}
}

func TestUncalibratedDefaults(t *testing.T) {
	s := NewSet(1, nil, nil)
	g := s.Gate(0)
	if g.RotationDistance != Uncalibrated || g.BowdenLength != Uncalibrated {
		t.Errorf("calibration defaults = %f/%f, want -1/-1",
			g.RotationDistance, g.BowdenLength)
	}
	if g.Stats.Quality != -1 {
		t.Errorf("quality default = %f, want -1", g.Stats.Quality)
	}
}
