// Simulated stepper hardware
//
// One-dimensional model of the filament path used by tests and the demo
// binary. Commanded travel feeds the encoder (minus an injectable slip
// fraction) and advances the filament toward configured endstop trigger
// points. Comms timeouts can be injected to exercise the homing retry
// path.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"math"
	"sync"

	"mmu-go-migration/pkg/encoder"
	"mmu-go-migration/pkg/endstop"
	"mmu-go-migration/pkg/mmuerr"
)

// SimDriver implements Driver against a 1-D filament path model.
type SimDriver struct {
	mu sync.Mutex

	enc *encoder.Encoder
	reg *endstop.Registry

	// Slip is the fraction of commanded travel the encoder never sees.
	Slip float64
	// FailTimeouts injects that many comms timeouts into upcoming
	// homing moves.
	FailTimeouts int

	// triggerAt is the forward travel remaining until each endstop
	// trigger point. Forward moves consume it, reverse moves restore
	// it.
	triggerAt map[string]float64

	clock float64
}

// NewSimDriver creates a zero-slip simulation. enc and reg may be nil.
func NewSimDriver(enc *encoder.Encoder, reg *endstop.Registry) *SimDriver {
	return &SimDriver{
		enc:       enc,
		reg:       reg,
		triggerAt: make(map[string]float64),
	}
}

// SetTriggerAt places an endstop trigger point dist mm of forward
// travel ahead of the filament tip.
func (s *SimDriver) SetTriggerAt(name string, dist float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerAt[name] = dist
}

// TriggerDistance returns the forward travel remaining to an endstop
// trigger point.
func (s *SimDriver) TriggerDistance(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.triggerAt[name]
	return d, ok
}

// advance moves the filament model by the signed travel, updating
// trigger distances and endstop states, and feeds the encoder.
// Caller holds mu.
func (s *SimDriver) advance(travel float64) {
	for name, remaining := range s.triggerAt {
		newRemaining := remaining - travel
		s.triggerAt[name] = newRemaining
		if s.reg == nil {
			continue
		}
		if e, ok := s.reg.Lookup(name); ok {
			if remaining > 0 && newRemaining <= 0 {
				e.HandleTrigger(s.clock)
			} else if remaining <= 0 && newRemaining > 0 {
				e.HandleRelease(s.clock)
			}
		}
	}
	if s.enc != nil {
		seen := math.Abs(travel) * (1 - s.Slip)
		counts := int(math.Round(seen / s.enc.Resolution()))
		s.enc.AddCounts(counts, s.clock)
	}
	s.clock += 0.01
}

// Move executes a fixed-distance move.
func (s *SimDriver) Move(dist, speed, accel float64, motor Motor) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(dist)
	return dist, nil
}

// HomingMove moves toward the named endstop, stopping at its trigger
// point when it lies within dist.
func (s *SimDriver) HomingMove(dist, speed, accel float64, motor Motor, endstopName string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailTimeouts > 0 {
		s.FailTimeouts--
		return 0, false, mmuerr.New(mmuerr.ReasonCommsTimeout,
			"simulated comms timeout")
	}

	remaining, ok := s.triggerAt[endstopName]
	if ok && dist > 0 && remaining >= 0 && remaining <= dist {
		s.advance(remaining)
		return remaining, true, nil
	}
	if ok && dist < 0 && remaining <= 0 && -remaining <= -dist {
		s.advance(remaining)
		return remaining, true, nil
	}
	s.advance(dist)
	return dist, false, nil
}

// Dwell advances simulated time.
func (s *SimDriver) Dwell(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock += seconds
}

// SimGear implements GearDriver with plain fields.
type SimGear struct {
	mu  sync.Mutex
	rd  float64
	cur int
}

// NewSimGear creates a gear model with the given rotation distance at
// 100% current.
func NewSimGear(rd float64) *SimGear {
	return &SimGear{rd: rd, cur: 100}
}

func (g *SimGear) RotationDistance() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rd
}

func (g *SimGear) SetRotationDistance(rd float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rd = rd
}

func (g *SimGear) CurrentPercent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}

func (g *SimGear) SetCurrentPercent(pct int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur = pct
}
