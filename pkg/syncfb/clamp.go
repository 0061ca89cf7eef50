// Rotation distance clamp for the sync feedback controller
//
// The clamp binary-searches the rotation distance that keeps the
// gear/extruder coupling neutral. Slow and Fast bound the search (a
// larger rotation distance feeds slower); Current is the value being
// driven. Sensor state transitions narrow the bounds, neutral collapses
// Current to the midpoint.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfb

import "math"

const (
	// tunedNudge widens the active bound on a state entry when an
	// autotuned reference exists, keeping the search from pinching
	// onto a stale optimum.
	tunedNudge = 0.005
	// stuckNudge widens the active bound when the controller sits in
	// one state past the movement threshold.
	stuckNudge = 0.01
	// ConvergenceTol is the relative bound width below which the
	// clamp counts as converged, and the write-skip epsilon.
	ConvergenceTol = 0.0025
	// runawayBound limits every value to ±25% of Original.
	runawayBound = 0.25
)

// Clamp holds the rotation distance search state. Invariant:
// Slow >= Current >= Fast, all within ±25% of Original.
type Clamp struct {
	Slow    float64
	Current float64
	Fast    float64
	// Tuned is the autotuned rotation distance, 0 when none exists.
	Tuned float64
	// Original is the calibrated rotation distance the bounds anchor
	// to.
	Original float64
}

// NewClamp seeds the search around rd using the configured multipliers.
func NewClamp(rd, multHigh, multLow float64) Clamp {
	c := Clamp{
		Slow:     rd * multHigh,
		Current:  rd,
		Fast:     rd * multLow,
		Original: rd,
	}
	c.enforce()
	return c
}

// enforce restores the ordering invariant and the runaway bounds. An
// inverted pair is swapped rather than rejected so a bad nudge
// self-corrects.
func (c *Clamp) enforce() {
	lo := c.Original * (1 - runawayBound)
	hi := c.Original * (1 + runawayBound)
	bound := func(v float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	c.Slow = bound(c.Slow)
	c.Fast = bound(c.Fast)
	c.Current = bound(c.Current)

	if c.Slow < c.Fast {
		c.Slow, c.Fast = c.Fast, c.Slow
	}
	if c.Current > c.Slow {
		c.Current = c.Slow
	}
	if c.Current < c.Fast {
		c.Current = c.Fast
	}
}

// EnterCompressed narrows the search after the sensor reports
// compression: the driven value was feeding too fast, so it becomes the
// fast bound and the controller drives the slow bound.
func (c *Clamp) EnterCompressed() {
	c.Fast = c.Current
	if c.Tuned != 0 {
		c.Slow *= 1 + tunedNudge
	}
	c.Current = c.Slow
	c.enforce()
}

// EnterExpanded mirrors EnterCompressed for tension: the driven value
// fed too slow, becoming the slow bound.
func (c *Clamp) EnterExpanded() {
	c.Slow = c.Current
	if c.Tuned != 0 {
		c.Fast *= 1 - tunedNudge
	}
	c.Current = c.Fast
	c.enforce()
}

// EnterNeutral collapses the driven value to the bound midpoint.
func (c *Clamp) EnterNeutral() {
	c.Current = (c.Slow + c.Fast) / 2
	c.enforce()
}

// NudgeStuck widens the active bound by 1% when the controller has fed
// past the movement threshold without leaving the state.
func (c *Clamp) NudgeStuck(compressed bool) {
	if compressed {
		c.Slow *= 1 + stuckNudge
		c.Current = c.Slow
	} else {
		c.Fast *= 1 - stuckNudge
		c.Current = c.Fast
	}
	c.enforce()
}

// Converged reports whether the bounds have narrowed to within the
// convergence tolerance, measured relative to their midpoint so the
// test tracks where the search actually settled.
func (c *Clamp) Converged() bool {
	mid := (c.Slow + c.Fast) / 2
	return mid > 0 && (c.Slow-c.Fast)/mid < ConvergenceTol
}

// Effective picks the rotation distance to drive for a sensor state and
// feed direction. Neutral drives Current; otherwise the bound that
// moves the sensor back toward neutral.
func (c *Clamp) Effective(state float64, dir float64) float64 {
	if state == 0 {
		return c.Current
	}
	if goSlower(state, dir) {
		return c.Slow
	}
	return c.Fast
}

// goSlower decides whether slowing the gear reduces |state| for the
// given feed direction.
func goSlower(state, dir float64) bool {
	return math.Abs(state-dir) < math.Abs(state+dir)
}
