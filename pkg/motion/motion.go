// Motion execution and measurement layer
//
// Every physical filament move funnels through Controller.Move: defaults
// are resolved from the motor coupling and move regime, the encoder is
// sampled around the move, and the commanded vs measured discrepancy is
// reported back as Result.Delta. Homing moves terminate on an endstop
// trigger instead of a fixed distance and mask transient comms timeouts
// with reduced-speed retries.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"math"
	"sync"

	"mmu-go-migration/pkg/config"
	"mmu-go-migration/pkg/encoder"
	"mmu-go-migration/pkg/espooler"
	"mmu-go-migration/pkg/filament"
	"mmu-go-migration/pkg/gate"
	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/mmuerr"
)

// Motor selects which steppers execute a move and how they couple.
type Motor int

const (
	// MotorGear drives the gear stepper alone.
	MotorGear Motor = iota
	// MotorExtruder drives the extruder stepper alone.
	MotorExtruder
	// MotorGearAndExtruder drives both, gear leading (loading).
	MotorGearAndExtruder
	// MotorSynced drives both, extruder leading (printing/unloading).
	MotorSynced
)

func (m Motor) String() string {
	switch m {
	case MotorGear:
		return "gear"
	case MotorExtruder:
		return "extruder"
	case MotorGearAndExtruder:
		return "gear+extruder"
	case MotorSynced:
		return "synced"
	default:
		return "invalid"
	}
}

// MoveSpec describes one requested move. Zero Speed/Accel resolve to
// the configured default for the motor coupling and move regime.
type MoveSpec struct {
	Dist   float64
	Speed  float64
	Accel  float64
	Motor  Motor
	Homing bool
	// Endstop names the endstop terminating a homing move.
	Endstop string
	// Track folds this move into per-gate statistics and quality.
	Track bool
	// Dwell overrides the encoder settle dwell: 0 uses the configured
	// default, negative skips settling.
	Dwell float64
	// FromSpool selects the slower long-move speed for unbuffered
	// spool pulls.
	FromSpool bool
}

// Result reports what one move actually did.
type Result struct {
	// Actual is the commanded travel that was executed, signed.
	Actual float64
	// Homed reports whether a homing move ended on its trigger.
	Homed bool
	// Measured is the encoder-observed travel, unsigned.
	Measured float64
	// Delta is |Actual| - Measured: positive means slip.
	Delta float64
}

// Driver is the stepper hardware surface the controller drives. A move
// blocks the calling goroutine until motion completes; it must never
// run on the reactor loop.
type Driver interface {
	// Move executes a fixed-distance move and returns the travel
	// actually commanded.
	Move(dist, speed, accel float64, motor Motor) (float64, error)
	// HomingMove moves toward the named endstop, at most dist mm.
	// Returns the travel executed and whether the endstop triggered.
	HomingMove(dist, speed, accel float64, motor Motor, endstopName string) (float64, bool, error)
	// Dwell pauses motion for the given seconds (encoder settling).
	Dwell(seconds float64)
}

// GearDriver exposes the gear stepper's rotation distance and run
// current. Both values are singly owned by the Controller.
type GearDriver interface {
	RotationDistance() float64
	SetRotationDistance(rd float64)
	CurrentPercent() int
	SetCurrentPercent(pct int)
}

// Controller is the motion execution layer for one MMU unit.
type Controller struct {
	mu     sync.Mutex
	params *config.Params
	drv    Driver
	gear   GearDriver
	enc    *encoder.Encoder
	esp    *espooler.Espooler
	gates  *gate.Set
	fil    *filament.Machine

	gateIdx   int
	rdLocked  bool
	curLocked bool

	logger *log.Logger
}

// NewController wires the motion layer. enc and esp may be nil for
// designs without an encoder or spool assist.
func NewController(params *config.Params, drv Driver, gear GearDriver,
	enc *encoder.Encoder, esp *espooler.Espooler,
	gates *gate.Set, fil *filament.Machine) *Controller {
	return &Controller{
		params:  params,
		drv:     drv,
		gear:    gear,
		enc:     enc,
		esp:     esp,
		gates:   gates,
		fil:     fil,
		gateIdx: -1,
		logger:  log.GetLogger("mmu.motion"),
	}
}

// HasEncoder reports whether an encoder is fitted.
func (c *Controller) HasEncoder() bool {
	return c.enc != nil
}

// Encoder returns the fitted encoder, nil when absent.
func (c *Controller) Encoder() *encoder.Encoder {
	return c.enc
}

// SelectGate switches the motion layer to a gate and applies its
// calibrated rotation distance. Fails while a guard holds the rotation
// distance.
func (c *Controller) SelectGate(idx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= c.gates.Len() {
		return mmuerr.New(mmuerr.ReasonInvalidState, "gate %d out of range", idx)
	}
	if c.rdLocked {
		return mmuerr.New(mmuerr.ReasonInvalidState,
			"cannot select gate while rotation distance is locked")
	}
	c.gateIdx = idx
	if rd := c.gates.Gate(idx).RotationDistance; rd > 0 {
		c.gear.SetRotationDistance(rd)
	}
	return nil
}

// SelectedGate returns the active gate index, -1 before selection.
func (c *Controller) SelectedGate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateIdx
}

// SetRotationDistance applies a new effective rotation distance for
// subsequent moves. Refused while a guard holds the value; callers that
// can defer (sync feedback) skip and retry on the next cycle.
func (c *Controller) SetRotationDistance(rd float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdLocked {
		return mmuerr.New(mmuerr.ReasonInvalidState, "rotation distance is locked")
	}
	c.gear.SetRotationDistance(rd)
	return nil
}

// RotationDistance returns the current effective rotation distance.
func (c *Controller) RotationDistance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gear.RotationDistance()
}

// resolveDefaults fills Speed/Accel from the motor coupling and move
// regime, then applies the per-gate percentage override to gear moves.
func (c *Controller) resolveDefaults(spec *MoveSpec) {
	p := c.params
	speed, accel := spec.Speed, spec.Accel

	if speed == 0 {
		switch spec.Motor {
		case MotorExtruder:
			switch {
			case spec.Homing:
				speed = p.ExtruderHomingSpeed
			case spec.Dist >= 0:
				speed = p.ExtruderLoadSpeed
			default:
				speed = p.ExtruderUnloadSpeed
			}
		case MotorGearAndExtruder, MotorSynced:
			if spec.Dist >= 0 {
				speed = p.ExtruderSyncLoadSpeed
			} else {
				speed = p.ExtruderSyncUnloadSpeed
			}
		default:
			switch {
			case spec.Homing:
				speed = p.GearHomingSpeed
			case math.Abs(spec.Dist) < p.LongMoveThreshold:
				speed = p.GearShortMoveSpeed
			case spec.FromSpool:
				speed = p.GearFromSpoolSpeed
			default:
				speed = p.GearFromBufferSpeed
			}
		}
	}
	if accel == 0 {
		switch spec.Motor {
		case MotorExtruder:
			accel = p.ExtruderAccel
		case MotorGearAndExtruder, MotorSynced:
			accel = math.Min(p.GearAccel, p.ExtruderAccel)
		default:
			accel = p.GearAccel
		}
	}

	if spec.Motor != MotorExtruder && c.gateIdx >= 0 {
		pct := float64(c.gates.Gate(c.gateIdx).SpeedOverride) / 100.0
		speed *= pct
		accel *= pct
	}

	spec.Speed, spec.Accel = speed, accel
}

// Move executes one move per spec and reconciles it against the
// encoder. See Result for the measurement contract.
func (c *Controller) Move(spec MoveSpec) (Result, error) {
	c.mu.Lock()
	c.resolveDefaults(&spec)
	gateIdx := c.gateIdx
	c.mu.Unlock()

	dir := filament.DirLoad
	if spec.Dist < 0 {
		dir = filament.DirUnload
	}
	c.fil.SetDirection(dir)

	dwell := spec.Dwell
	if dwell == 0 {
		dwell = c.params.EncoderDwell
	}

	var before float64
	if c.enc != nil {
		if dwell > 0 {
			c.drv.Dwell(dwell)
		}
		before = c.enc.Distance()
	}

	var guard *espooler.Guard
	if c.esp != nil && spec.Motor != MotorExtruder && gateIdx >= 0 {
		guard = c.esp.Engage(gateIdx, spec.Dist, spec.Speed)
		defer guard.Release()
	}

	c.logger.Stepper("move dist=%.1f speed=%.1f accel=%.1f motor=%s homing=%v endstop=%q",
		spec.Dist, spec.Speed, spec.Accel, spec.Motor, spec.Homing, spec.Endstop)

	var res Result
	var err error
	if spec.Homing {
		res.Actual, res.Homed, err = c.homingMove(spec)
	} else {
		res.Actual, err = c.drv.Move(spec.Dist, spec.Speed, spec.Accel, spec.Motor)
	}
	if err != nil {
		return res, err
	}

	if c.enc != nil {
		if dwell > 0 {
			c.drv.Dwell(dwell)
		}
		res.Measured = c.enc.Distance() - before
	} else {
		res.Measured = math.Abs(res.Actual)
	}
	res.Delta = math.Abs(res.Actual) - res.Measured

	c.fil.AddDistance(res.Actual)

	if spec.Track && gateIdx >= 0 && spec.Dist != 0 {
		q := math.Abs(1 - res.Delta/math.Abs(spec.Dist))
		if q > 1 {
			q = 1
		}
		if q < 0 {
			q = 0
		}
		c.gates.UpdateQuality(gateIdx, q)
		if spec.Dist >= 0 {
			c.gates.TrackLoad(gateIdx, math.Abs(res.Actual), res.Delta)
		} else {
			c.gates.TrackUnload(gateIdx, math.Abs(res.Actual), res.Delta)
		}
	}

	return res, nil
}

// homingMove runs one homing move, masking transient comms timeouts
// with up to HomingRetries reduced-speed retries. These retries are
// invisible to stage failure accounting.
func (c *Controller) homingMove(spec MoveSpec) (float64, bool, error) {
	speed := spec.Speed
	var lastErr error
	for attempt := 0; attempt <= c.params.HomingRetries; attempt++ {
		if attempt > 0 {
			speed *= 0.8
			c.logger.Warn("homing comms timeout, retry %d/%d at %.1fmm/s",
				attempt, c.params.HomingRetries, speed)
		}
		actual, homed, err := c.drv.HomingMove(spec.Dist, speed, spec.Accel,
			spec.Motor, spec.Endstop)
		if err == nil {
			return actual, homed, nil
		}
		if !mmuerr.Is(err, mmuerr.ReasonCommsTimeout) {
			return actual, homed, err
		}
		lastErr = err
	}
	return 0, false, mmuerr.Rewrap(lastErr, "homing retries exhausted")
}

// BuzzGearMotor wiggles the gear a few mm in each direction and checks
// for encoder echo, probing whether filament is loaded in the gear
// without moving it anywhere. Requires an encoder.
func (c *Controller) BuzzGearMotor() (bool, error) {
	if c.enc == nil {
		return false, mmuerr.New(mmuerr.ReasonEncoderInactive,
			"cannot buzz gear without an encoder")
	}
	const buzz = 2.5
	before := c.enc.Distance()
	if _, err := c.drv.Move(buzz, c.params.GearShortMoveSpeed, c.params.GearAccel, MotorGear); err != nil {
		return false, err
	}
	if _, err := c.drv.Move(-buzz, c.params.GearShortMoveSpeed, c.params.GearAccel, MotorGear); err != nil {
		return false, err
	}
	if c.params.EncoderDwell > 0 {
		c.drv.Dwell(c.params.EncoderDwell)
	}
	echo := c.enc.Distance() - before
	c.logger.Debug("buzz gear echo %.2fmm", echo)
	return echo > c.params.EncoderMin/2, nil
}
