// Adaptive sync feedback controller
//
// While the gear and extruder run synchronized, a tension/compression
// sensor between them reports how well the two feeds match. This
// controller turns that signal into rotation distance corrections via
// the clamp search, watches for a stuck control loop, and hosts the
// EndGuard safety watchdog. All periodic work runs as a reactor timer;
// sensor events arrive through UpdateState.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfb

import (
	"math"
	"sync"

	"mmu-go-migration/pkg/config"
	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/reactor"
)

// State is the binary projection of the continuous sensor value.
type State int

const (
	StateExpanded   State = -1
	StateNeutral    State = 0
	StateCompressed State = 1
)

func (s State) String() string {
	switch s {
	case StateExpanded:
		return "expanded"
	case StateCompressed:
		return "compressed"
	default:
		return "neutral"
	}
}

// ProjectState maps a continuous sensor value in [-1,1] to its logical
// state. Values beyond |0.5| count as pinned to that side.
func ProjectState(v float64) State {
	switch {
	case v > 0.5:
		return StateCompressed
	case v < -0.5:
		return StateExpanded
	default:
		return StateNeutral
	}
}

// RotationSetter is the motion layer surface the controller writes
// corrections through. Writes may be refused while a guard holds the
// value; the controller retries on the next cycle.
type RotationSetter interface {
	SetRotationDistance(rd float64) error
	RotationDistance() float64
}

// Controller is the sync feedback control loop for one MMU unit.
type Controller struct {
	mu sync.Mutex

	params      *config.Params
	rt          *reactor.Reactor
	motion      RotationSetter
	extruderPos func() float64

	clamp Clamp
	guard *EndGuard

	enabled    bool
	lastEnable float64

	// stateVal is the continuous sensor value, lastState its
	// projection at the last transition.
	stateVal  float64
	lastState State

	// Watchdog bookkeeping. The extruder position baseline is reset
	// on every state transition so stale positions are never used.
	baselineValid bool
	lastPos       float64
	dirMovement   float64
	stuckMovement float64
	dir           float64

	lastApplied float64

	// autotuneSave persists a converged rotation distance.
	autotuneSave func(rd float64)

	timer  *reactor.Timer
	logger *log.Logger
}

// NewController builds a disabled controller. pause receives the
// EndGuard trip; autotuneSave may be nil.
func NewController(params *config.Params, rt *reactor.Reactor,
	motion RotationSetter, extruderPos func() float64,
	pause PauseFunc, autotuneSave func(rd float64)) *Controller {
	c := &Controller{
		params:       params,
		rt:           rt,
		motion:       motion,
		extruderPos:  extruderPos,
		dir:          1,
		autotuneSave: autotuneSave,
		logger:       log.GetLogger("mmu.syncfb"),
	}
	if params.EndGuardEnabled {
		c.guard = NewEndGuard(params.EndGuardBand, params.EndGuardTriggerMM,
			params.EndGuardPauseDelay, params.EndGuardArmDelay, rt, pause)
	}
	c.timer = rt.RegisterTimer(c.tick, reactor.NEVER)
	return c
}

// Enable starts the control loop, seeding the clamp around the current
// rotation distance. eventtime gates late sensor events.
func (c *Controller) Enable(eventtime float64) {
	c.mu.Lock()
	c.enabled = true
	c.lastEnable = eventtime
	c.clamp = NewClamp(c.motion.RotationDistance(),
		c.params.SyncMultiplierHigh, c.params.SyncMultiplierLow)
	c.stateVal = 0
	c.lastState = StateNeutral
	c.baselineValid = false
	c.dirMovement = 0
	c.stuckMovement = 0
	c.lastApplied = 0
	c.mu.Unlock()

	if c.guard != nil {
		c.guard.Rearm()
	}
	c.rt.UpdateTimer(c.timer, c.rt.Monotonic()+c.params.SyncFeedbackInterval)
	c.logger.Info("sync feedback enabled (rd %.4f)", c.motion.RotationDistance())
}

// Disable stops the loop and restores the calibrated rotation distance.
func (c *Controller) Disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	original := c.clamp.Original
	c.mu.Unlock()

	c.rt.UpdateTimer(c.timer, reactor.NEVER)
	if c.guard != nil {
		c.guard.Disarm()
	}
	if original > 0 {
		if err := c.motion.SetRotationDistance(original); err != nil {
			c.logger.Debug("deferred rotation distance restore: %v", err)
		}
	}
	c.logger.Info("sync feedback disabled")
}

// Enabled reports whether the loop is running.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// State returns the current logical state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastState
}

// ClampSnapshot returns a copy of the clamp for status reporting.
func (c *Controller) ClampSnapshot() Clamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clamp
}

// SetTuned records an autotuned rotation distance reference.
func (c *Controller) SetTuned(rd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clamp.Tuned = rd
}

// UpdateState delivers a sensor reading. Events timestamped before the
// last enable are queued hardware leftovers and are dropped.
func (c *Controller) UpdateState(v float64, eventtime float64) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	if eventtime < c.lastEnable {
		c.mu.Unlock()
		c.logger.Debug("ignoring stale sensor event (%.3f < %.3f)", eventtime, c.lastEnable)
		return
	}

	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	c.stateVal = v

	newState := ProjectState(v)
	if newState == c.lastState {
		c.mu.Unlock()
		return
	}
	old := c.lastState
	c.lastState = newState

	// A converged clamp records its value on every transition, before
	// the bound adjustments below, so the tuned nudge works off it
	// immediately. Only the persisted save is gated on autotune, and
	// only when the value moved past the tolerance.
	var savedRD float64
	if c.clamp.Converged() {
		rd := c.clamp.Current
		changed := c.clamp.Tuned == 0 ||
			math.Abs(rd-c.clamp.Tuned)/rd >= ConvergenceTol
		c.clamp.Tuned = rd
		if changed && c.params.AutotuneRotationDistance && c.autotuneSave != nil {
			savedRD = rd
		}
	}

	switch newState {
	case StateCompressed:
		c.clamp.EnterCompressed()
	case StateExpanded:
		c.clamp.EnterExpanded()
	default:
		c.clamp.EnterNeutral()
	}

	// The extruder position baseline is never carried across a state
	// transition.
	c.baselineValid = false
	c.stuckMovement = 0
	c.mu.Unlock()

	c.logger.Debug("sync state %s -> %s (%.2f)", old, newState, v)
	if savedRD != 0 {
		c.autotuneSave(savedRD)
	}
	c.applyEffective()
}

// tick is the periodic watchdog: samples extruder motion, maintains
// feed direction, unsticks the clamp, and feeds EndGuard.
func (c *Controller) tick(eventtime float64) float64 {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return reactor.NEVER
	}

	pos := c.extruderPos()
	if !c.baselineValid {
		c.baselineValid = true
		c.lastPos = pos
		c.mu.Unlock()
		return eventtime + c.params.SyncFeedbackInterval
	}

	delta := pos - c.lastPos
	c.lastPos = pos

	c.dirMovement += delta
	changedDir := false
	if math.Abs(c.dirMovement) > c.params.SyncSignificantMovement {
		newDir := 1.0
		if c.dirMovement < 0 {
			newDir = -1.0
		}
		if newDir != c.dir {
			c.dir = newDir
			changedDir = true
		}
		c.dirMovement = 0
	}

	nudged := false
	if c.lastState != StateNeutral {
		c.stuckMovement += math.Abs(delta)
		if c.stuckMovement > c.params.SyncMovementThreshold {
			c.clamp.NudgeStuck(c.lastState == StateCompressed)
			c.stuckMovement = 0
			nudged = true
		}
	}

	stateVal := c.stateVal
	guard := c.guard
	c.mu.Unlock()

	if guard != nil {
		forward := delta
		if forward < 0 {
			forward = 0
		}
		guard.Note(stateVal, forward)
	}

	if changedDir || nudged {
		c.applyEffective()
	}
	return eventtime + c.params.SyncFeedbackInterval
}

// applyEffective pushes the clamp's choice to the motion layer for the
// next move. Writes within the convergence epsilon of the last applied
// value are skipped; a refused write (guard held) retries next cycle.
func (c *Controller) applyEffective() {
	c.mu.Lock()
	rd := c.clamp.Effective(float64(c.lastState), c.dir)
	last := c.lastApplied
	c.mu.Unlock()

	if last != 0 && math.Abs(rd-last)/last < ConvergenceTol {
		return
	}
	if err := c.motion.SetRotationDistance(rd); err != nil {
		c.logger.Debug("rotation distance write deferred: %v", err)
		return
	}
	c.mu.Lock()
	c.lastApplied = rd
	c.mu.Unlock()
	c.logger.Debug("effective rotation distance %.4f", rd)
}
