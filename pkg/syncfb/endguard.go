// EndGuard clog/tangle watchdog
//
// For proportional tension sensors only: if the sensor pins near one
// end of its travel while filament keeps feeding forward, something
// downstream is stuck and the print must pause before the gear grinds.
// Both arming and the pause itself run as deferred reactor one-shots,
// never synchronously from sensor event delivery.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfb

import (
	"sync"

	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/mmuerr"
	"mmu-go-migration/pkg/reactor"
)

// PauseFunc delivers the terminal pause request to the host layer.
type PauseFunc func(err error)

// EndGuard accumulates forward feed while the sensor hugs an end of
// travel and latches a deferred pause at the trigger threshold.
type EndGuard struct {
	mu sync.Mutex

	band       float64
	triggerMM  float64
	pauseDelay float64
	armDelay   float64

	rt    *reactor.Reactor
	pause PauseFunc

	armed   bool
	latched bool
	accum   float64
	// generation invalidates a pending deferred arm when Rearm runs
	// again before it fires.
	generation int

	logger *log.Logger
}

// NewEndGuard builds a disarmed watchdog. Call Rearm to start it.
func NewEndGuard(band, triggerMM, pauseDelay, armDelay float64,
	rt *reactor.Reactor, pause PauseFunc) *EndGuard {
	return &EndGuard{
		band:       band,
		triggerMM:  triggerMM,
		pauseDelay: pauseDelay,
		armDelay:   armDelay,
		rt:         rt,
		pause:      pause,
		logger:     log.GetLogger("mmu.endguard"),
	}
}

// Rearm clears the accumulator and schedules arming after the arm
// delay, so the first watchdog tick after a rebaseline is a baseline
// sample, not a trigger.
func (g *EndGuard) Rearm() {
	g.mu.Lock()
	g.armed = false
	g.latched = false
	g.accum = 0
	g.generation++
	gen := g.generation
	g.mu.Unlock()

	g.rt.RegisterCallback(func(eventtime float64) {
		g.mu.Lock()
		if g.generation == gen {
			g.armed = true
		}
		g.mu.Unlock()
	}, g.rt.Monotonic()+g.armDelay)
}

// Disarm stops the watchdog until the next Rearm.
func (g *EndGuard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
	g.accum = 0
	g.generation++
}

// Armed reports whether the watchdog is currently live.
func (g *EndGuard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

// Accumulated returns the forward feed accumulated inside the band.
func (g *EndGuard) Accumulated() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accum
}

// Note feeds one watchdog observation: the current sensor state and the
// forward feed since the last observation. Accumulation happens only
// while |state| >= band; leaving the band resets it. Reaching the
// trigger threshold latches and schedules the deferred pause.
func (g *EndGuard) Note(state, forwardFeed float64) {
	g.mu.Lock()
	if !g.armed || g.latched {
		g.mu.Unlock()
		return
	}

	inBand := state >= g.band || state <= -g.band
	if !inBand {
		g.accum = 0
		g.mu.Unlock()
		return
	}

	if forwardFeed > 0 {
		g.accum += forwardFeed
	}
	if g.accum < g.triggerMM {
		g.mu.Unlock()
		return
	}

	g.latched = true
	accum := g.accum
	g.mu.Unlock()

	g.logger.Warn("endguard latched: %.1fmm fed with sensor at end of travel", accum)
	err := mmuerr.New(mmuerr.ReasonEndGuardTrip,
		"filament not moving: %.1fmm fed while tension sensor pinned", accum)
	g.rt.RegisterCallback(func(eventtime float64) {
		g.pause(err)
	}, g.rt.Monotonic()+g.pauseDelay)
}
