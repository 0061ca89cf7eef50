// Load/unload sequence orchestrator
//
// Composes discrete motion stages into complete filament swaps. Each
// stage is gated by hardware capability (sensors fitted, calibration
// present), individually retryable where cheap, and updates the
// filament position state machine as its side effect. Failures update
// per-gate counters and propagate as TransportError; the orchestrator
// never decides pause policy.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequence

import (
	"math"

	"mmu-go-migration/pkg/config"
	"mmu-go-migration/pkg/endstop"
	"mmu-go-migration/pkg/filament"
	"mmu-go-migration/pkg/gate"
	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/mmuerr"
	"mmu-go-migration/pkg/motion"
	"mmu-go-migration/pkg/selector"
	"mmu-go-migration/pkg/sensors"
	"mmu-go-migration/pkg/syncfb"
)

// maxBowdenCorrections bounds the cheap slip-correction moves after a
// bowden load.
const maxBowdenCorrections = 2

// Orchestrator executes filament swaps for one MMU unit.
type Orchestrator struct {
	params  *config.Params
	ctrl    *motion.Controller
	gates   *gate.Set
	fil     *filament.Machine
	sensors *sensors.Manager
	sel     selector.Selector
	sync    *syncfb.Controller
	hooks   *HookRunner
	stats   *Stats
	tipForm TipFormFunc
	logger  *log.Logger
}

// New wires the orchestrator. sync may be nil when no sync feedback
// sensor is fitted.
func New(params *config.Params, ctrl *motion.Controller, gates *gate.Set,
	fil *filament.Machine, sens *sensors.Manager, sel selector.Selector,
	sync *syncfb.Controller, hooks *HookRunner, stats *Stats) *Orchestrator {
	if hooks == nil {
		hooks = NewHookRunner()
	}
	if stats == nil {
		stats = NewStats(nil)
	}
	return &Orchestrator{
		params:  params,
		ctrl:    ctrl,
		gates:   gates,
		fil:     fil,
		sensors: sens,
		sel:     sel,
		sync:    sync,
		hooks:   hooks,
		stats:   stats,
		logger:  log.GetLogger("mmu.sequence"),
	}
}

// SetTipForm installs the tip forming macro run before unloads.
func (o *Orchestrator) SetTipForm(fn TipFormFunc) {
	o.tipForm = fn
}

// Hooks returns the hook registry.
func (o *Orchestrator) Hooks() *HookRunner {
	return o.hooks
}

// Stats returns the swap counters.
func (o *Orchestrator) Stats() *Stats {
	return o.stats
}

// Load runs the full load pipeline into the given gate:
// gate pickup, bowden transit, extruder homing, extruder load.
func (o *Orchestrator) Load(gateIdx int) error {
	if pos := o.fil.Position(); pos != filament.PosUnloaded && pos != filament.PosUnknown {
		return mmuerr.New(mmuerr.ReasonInvalidState,
			"cannot load from position %s", pos).SetGate(gateIdx)
	}
	if err := o.hooks.Run(HookPreLoad, true); err != nil {
		return err
	}

	if err := o.loadPipeline(gateIdx); err != nil {
		o.gates.RecordLoadFailure(gateIdx)
		return mmuerr.Rewrap(err, "load of gate %d failed", gateIdx).SetGate(gateIdx)
	}

	if err := o.hooks.Run(HookPostLoad, false); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) loadPipeline(gateIdx int) error {
	if err := o.loadGate(gateIdx); err != nil {
		return err
	}
	if o.gates.Gate(gateIdx).BowdenLength > 0 {
		if err := o.loadBowden(gateIdx); err != nil {
			return err
		}
	}
	if err := o.homeToExtruder(); err != nil {
		return err
	}
	if err := o.loadExtruder(gateIdx); err != nil {
		return err
	}
	return nil
}

// loadGate picks the filament up at the gate, bounded by
// gate_load_retries. Exhaustion marks the gate empty.
func (o *Orchestrator) loadGate(gateIdx int) error {
	if err := o.sel.SelectGate(gateIdx); err != nil {
		return mmuerr.Wrap(err, mmuerr.ReasonInvalidState, "selector failed")
	}
	if err := o.ctrl.SelectGate(gateIdx); err != nil {
		return err
	}
	if err := o.sel.FilamentDrive(); err != nil {
		return mmuerr.Wrap(err, mmuerr.ReasonInvalidState, "grip engage failed")
	}

	retries := o.params.GateLoadRetries
	for attempt := 1; attempt <= retries; attempt++ {
		picked, err := o.gatePickupAttempt()
		if err != nil {
			return err
		}
		if picked {
			o.gates.SetStatus(gateIdx, gate.StatusAvailable)
			o.fil.SetPosition(filament.PosHomedGate)
			return nil
		}
		o.logger.Info("gate %d pickup attempt %d/%d saw no filament",
			gateIdx, attempt, retries)
	}

	o.gates.SetStatus(gateIdx, gate.StatusEmpty)
	o.fil.SetPosition(filament.PosUnloaded)
	return mmuerr.New(mmuerr.ReasonRetriesExhausted,
		"no filament detected at gate %d after %d attempts", gateIdx, retries)
}

// gatePickupAttempt tries once to detect filament at the gate, homing
// to the configured endstop or watching for encoder pulses.
func (o *Orchestrator) gatePickupAttempt() (bool, error) {
	switch o.params.GateHomingEndstop {
	case endstop.NameGate, endstop.NameGear:
		res, err := o.ctrl.Move(motion.MoveSpec{
			Dist:    o.params.GateHomingMax,
			Motor:   motion.MotorGear,
			Homing:  true,
			Endstop: o.params.GateHomingEndstop,
		})
		if err != nil {
			return false, err
		}
		if !res.Homed {
			// Park back so the next attempt starts from the gate.
			if _, err := o.ctrl.Move(motion.MoveSpec{
				Dist: -res.Actual, Motor: motion.MotorGear,
			}); err != nil {
				return false, err
			}
		}
		return res.Homed, nil

	default: // encoder pulse threshold
		if !o.ctrl.HasEncoder() {
			return false, mmuerr.New(mmuerr.ReasonInvalidState,
				"encoder gate homing configured without an encoder")
		}
		var traveled float64
		for traveled < o.params.GateHomingMax {
			res, err := o.ctrl.Move(motion.MoveSpec{
				Dist:  o.params.EncoderMoveStepSize,
				Motor: motion.MotorGear,
			})
			if err != nil {
				return false, err
			}
			traveled += res.Actual
			if res.Measured >= o.params.GatePulseThreshold {
				return true, nil
			}
			// No echo at all means nothing is gripped; bail out of
			// this attempt early instead of grinding.
			if res.Measured < o.params.EncoderMin {
				break
			}
		}
		if traveled > 0 {
			if _, err := o.ctrl.Move(motion.MoveSpec{
				Dist: -traveled, Motor: motion.MotorGear,
			}); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

// loadBowden drives the calibrated bowden length in fast segments,
// feeding slip telemetry to calibration autotune and correcting
// measured shortfall with bounded follow-up moves.
func (o *Orchestrator) loadBowden(gateIdx int) error {
	g := o.gates.Gate(gateIdx)
	if g.BowdenLength <= 0 {
		return mmuerr.New(mmuerr.ReasonNotCalibrated,
			"bowden length not calibrated for gate %d", gateIdx)
	}
	length := g.BowdenLength
	if o.params.ExtruderHomingEndstop == endstop.NameEntry {
		length -= o.params.BowdenHomingSafetyMargin
	}

	o.fil.SetPosition(filament.PosStartBowden)

	fromSpool := g.Status != gate.StatusFromBuffer
	per := length / float64(o.params.BowdenNumMoves)
	var totalDelta float64
	for i := 0; i < o.params.BowdenNumMoves; i++ {
		res, err := o.ctrl.Move(motion.MoveSpec{
			Dist:      per,
			Motor:     motion.MotorGear,
			Track:     true,
			FromSpool: fromSpool,
		})
		if err != nil {
			return err
		}
		totalDelta += res.Delta
		o.fil.SetPosition(filament.PosInBowden)
	}

	if o.ctrl.HasEncoder() {
		o.autotuneFromRatio(gateIdx, length, totalDelta)
	}

	tolerance := length * o.params.BowdenMoveErrorTolerance / 100.0
	if totalDelta > tolerance || totalDelta > o.params.BowdenAllowableLoadDelta {
		if o.params.BowdenApplyCorrection && o.ctrl.HasEncoder() {
			residual := totalDelta
			for i := 0; i < maxBowdenCorrections && residual > o.params.EncoderMin; i++ {
				res, err := o.ctrl.Move(motion.MoveSpec{
					Dist:  residual,
					Motor: motion.MotorGear,
					Track: true,
				})
				if err != nil {
					return err
				}
				residual = res.Delta
			}
			if residual > o.params.EncoderMin {
				o.logger.Warn("bowden load still %.1fmm short after corrections", residual)
			}
		} else {
			o.logger.Warn("bowden load measured %.1fmm short (tolerance %.1fmm)",
				totalDelta, tolerance)
		}
	}

	o.fil.SetPosition(filament.PosEndBowden)
	return nil
}

// autotuneFromRatio converts a bowden transit's commanded vs measured
// ratio into a rotation distance calibration for the gate.
func (o *Orchestrator) autotuneFromRatio(gateIdx int, length, totalDelta float64) {
	ratio := (length - totalDelta) / length
	if ratio < 0.9 || ratio > 1.1 {
		o.logger.Warn("bowden transit ratio %.3f outside autotune window", ratio)
		return
	}
	if !o.params.AutotuneRotationDistance {
		return
	}
	newRD := o.ctrl.RotationDistance() * ratio
	if math.Abs(ratio-1.0) > syncfb.ConvergenceTol {
		o.gates.SetRotationDistance(gateIdx, newRD)
		o.logger.Info("autotuned gate %d rotation distance to %.4f (ratio %.3f)",
			gateIdx, newRD, ratio)
	}
	if o.sync != nil {
		o.sync.SetTuned(newRD)
	}
}

// homeToExtruder establishes a precise reference at the extruder
// entrance: skipped, homed to the entry sensor, or collision-homed via
// encoder stall at reduced gear current.
func (o *Orchestrator) homeToExtruder() error {
	switch o.params.ExtruderHomingEndstop {
	case "none":
		return nil

	case endstop.NameEntry:
		res, err := o.ctrl.Move(motion.MoveSpec{
			Dist:    o.params.ExtruderHomingMax,
			Motor:   motion.MotorGear,
			Homing:  true,
			Endstop: endstop.NameEntry,
		})
		if err != nil {
			return err
		}
		if !res.Homed {
			return mmuerr.New(mmuerr.ReasonHomingTimeout,
				"entry sensor not reached within %.0fmm", o.params.ExtruderHomingMax)
		}
		o.fil.SetPosition(filament.PosHomedEntry)
		if _, err := o.ctrl.Move(motion.MoveSpec{
			Dist:  o.params.BowdenHomingSafetyMargin,
			Motor: motion.MotorGear,
		}); err != nil {
			return err
		}
		o.fil.SetPosition(filament.PosHomedExtruder)
		return nil

	default: // collision
		return o.collisionHome()
	}
}

// collisionHome steps the filament toward the extruder gears at reduced
// current and declares contact when the encoder stops echoing.
func (o *Orchestrator) collisionHome() error {
	if !o.ctrl.HasEncoder() {
		return mmuerr.New(mmuerr.ReasonInvalidState,
			"collision homing requires an encoder")
	}
	guard, err := o.ctrl.LockCurrent(o.params.ExtruderHomingCurrent)
	if err != nil {
		return err
	}
	defer guard.Restore()

	step := float64(o.params.ExtruderCollisionHomingStep) * o.ctrl.Encoder().Resolution()
	var traveled float64
	for traveled < o.params.ExtruderHomingMax {
		res, err := o.ctrl.Move(motion.MoveSpec{
			Dist:  step,
			Motor: motion.MotorGear,
			Speed: o.params.GearHomingSpeed,
		})
		if err != nil {
			return err
		}
		traveled += step
		if res.Measured < step*0.5 {
			o.logger.Debug("collision detected after %.1fmm", traveled)
			o.fil.SetPosition(filament.PosHomedExtruder)
			return nil
		}
	}
	return mmuerr.New(mmuerr.ReasonHomingTimeout,
		"no collision detected within %.0fmm", o.params.ExtruderHomingMax)
}

// loadExtruder completes the load to the nozzle, with toolhead sensor
// homing when fitted and encoder pick-up validation otherwise.
func (o *Orchestrator) loadExtruder(gateIdx int) error {
	p := o.params
	if o.sensors.HasSensor(endstop.NameToolhead) {
		res, err := o.ctrl.Move(motion.MoveSpec{
			Dist:    p.ToolheadHomingMax,
			Motor:   motion.MotorGearAndExtruder,
			Homing:  true,
			Endstop: endstop.NameToolhead,
		})
		if err != nil {
			return err
		}
		if !res.Homed {
			return mmuerr.New(mmuerr.ReasonHomingTimeout,
				"toolhead sensor not reached within %.0fmm", p.ToolheadHomingMax)
		}
		o.fil.SetPosition(filament.PosHomedTS)

		final := p.ToolheadSensorToNozzle - p.ToolheadOozeReduction - p.ToolheadResidualFilament
		if final > 0 {
			if _, err := o.ctrl.Move(motion.MoveSpec{
				Dist:  final,
				Motor: motion.MotorGearAndExtruder,
			}); err != nil {
				return err
			}
		}
		o.fil.SetPosition(filament.PosInExtruder)
	} else {
		o.fil.SetPosition(filament.PosExtruderEntry)
		dist := p.ToolheadExtruderToNozzle - p.ToolheadOozeReduction - p.ToolheadResidualFilament
		res, err := o.ctrl.Move(motion.MoveSpec{
			Dist:  dist,
			Motor: motion.MotorGearAndExtruder,
		})
		if err != nil {
			return err
		}
		if o.ctrl.HasEncoder() {
			expected := dist - o.ctrl.Encoder().ClogLength()
			if res.Measured < expected {
				return mmuerr.New(mmuerr.ReasonEncoderInactive,
					"extruder load echoed only %.1fmm of %.1fmm", res.Measured, dist)
			}
		}
		o.fil.SetPosition(filament.PosInExtruder)
	}

	if ok, known := o.sensors.CheckAllSensorsBefore(filament.PosLoaded, gateIdx, true); known && !ok {
		return mmuerr.New(mmuerr.ReasonSensorMismatch,
			"sensors contradict a completed load")
	}

	if p.ToolheadPostLoadTension && o.sync != nil {
		// Relieve bowden compression left by the final push so the
		// first synced moves start neutral.
		if _, err := o.ctrl.Move(motion.MoveSpec{
			Dist:  -1.0,
			Motor: motion.MotorGear,
		}); err != nil {
			return err
		}
	}

	o.fil.SetPosition(filament.PosLoaded)
	o.sensors.EnableRunout(gateIdx)
	return nil
}

// Unload runs the full unload pipeline from wherever the filament
// currently is back to parked at the gate.
func (o *Orchestrator) Unload() error {
	gateIdx := o.ctrl.SelectedGate()
	pos := o.fil.Position()
	if pos == filament.PosUnloaded {
		return nil
	}
	if pos == filament.PosUnknown {
		return mmuerr.New(mmuerr.ReasonInvalidState,
			"filament position unknown, recover before unloading").SetGate(gateIdx)
	}
	o.sensors.DisableRunout(gateIdx)
	if err := o.hooks.Run(HookPreUnload, true); err != nil {
		return err
	}

	if err := o.unloadPipeline(gateIdx, pos); err != nil {
		if gateIdx >= 0 {
			o.gates.RecordUnloadFailure(gateIdx)
		}
		return mmuerr.Rewrap(err, "unload from gate %d failed", gateIdx).SetGate(gateIdx)
	}

	if err := o.hooks.Run(HookPostUnload, false); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) unloadPipeline(gateIdx int, pos filament.Position) error {
	if pos >= filament.PosHomedExtruder {
		if o.tipForm != nil && pos >= filament.PosInExtruder {
			park, err := o.tipForm()
			if err != nil {
				return mmuerr.Wrap(err, mmuerr.ReasonHookFailed, "tip forming failed")
			}
			if park >= 0 {
				// The tip was parked partway out of the melt zone.
				o.fil.SetPosition(filament.PosInExtruder)
			}
		}
		if err := o.unloadExtruder(); err != nil {
			return err
		}
	}
	if gateIdx >= 0 && o.gates.Gate(gateIdx).BowdenLength > 0 &&
		o.fil.Position() >= filament.PosStartBowden {
		if err := o.unloadBowden(gateIdx); err != nil {
			return err
		}
	}
	return o.unloadGate(gateIdx)
}

// unloadExtruder pulls the filament out of the extruder, using the
// toolhead sensor as a reverse reference when fitted.
func (o *Orchestrator) unloadExtruder() error {
	p := o.params
	if o.sensors.HasSensor(endstop.NameToolhead) {
		res, err := o.ctrl.Move(motion.MoveSpec{
			Dist:    -(p.ToolheadSensorToNozzle + p.ToolheadHomingMax),
			Motor:   motion.MotorSynced,
			Homing:  true,
			Endstop: endstop.NameToolhead,
		})
		if err != nil {
			return err
		}
		if !res.Homed {
			return mmuerr.New(mmuerr.ReasonHomingTimeout,
				"toolhead sensor never cleared during unload")
		}
		o.fil.SetPosition(filament.PosHomedTS)

		remaining := p.ToolheadExtruderToNozzle - p.ToolheadSensorToNozzle +
			p.BowdenHomingSafetyMargin
		if _, err := o.ctrl.Move(motion.MoveSpec{
			Dist:  -remaining,
			Motor: motion.MotorSynced,
		}); err != nil {
			return err
		}
	} else {
		o.fil.SetPosition(filament.PosInExtruder)
		if _, err := o.ctrl.Move(motion.MoveSpec{
			Dist:  -(p.ToolheadExtruderToNozzle + p.BowdenHomingSafetyMargin),
			Motor: motion.MotorSynced,
		}); err != nil {
			return err
		}
	}
	o.fil.SetPosition(filament.PosEndBowden)
	return nil
}

// unloadBowden reverses the bowden transit.
func (o *Orchestrator) unloadBowden(gateIdx int) error {
	g := o.gates.Gate(gateIdx)
	length := g.BowdenLength
	if o.params.ExtruderHomingEndstop == endstop.NameEntry {
		length -= o.params.BowdenHomingSafetyMargin
	}

	per := length / float64(o.params.BowdenNumMoves)
	for i := 0; i < o.params.BowdenNumMoves; i++ {
		if _, err := o.ctrl.Move(motion.MoveSpec{
			Dist:  -per,
			Motor: motion.MotorGear,
			Track: true,
		}); err != nil {
			return err
		}
		o.fil.SetPosition(filament.PosInBowden)
	}
	o.fil.SetPosition(filament.PosStartBowden)
	return nil
}

// unloadGate pulls the filament clear of the gate and parks it.
func (o *Orchestrator) unloadGate(gateIdx int) error {
	switch o.params.GateHomingEndstop {
	case endstop.NameGate, endstop.NameGear:
		// Pull back until the gate sensor clears. Clearing is a
		// release edge, so this is a stepwise poll, not a homing
		// move.
		var traveled float64
		cleared := false
		for traveled < o.params.GateHomingMax {
			if v, ok := o.sensors.CheckSensor(o.params.GateHomingEndstop); ok && !v {
				cleared = true
				break
			}
			res, err := o.ctrl.Move(motion.MoveSpec{
				Dist:  -o.params.EncoderMoveStepSize,
				Motor: motion.MotorGear,
			})
			if err != nil {
				return err
			}
			traveled += math.Abs(res.Actual)
		}
		if !cleared {
			return mmuerr.New(mmuerr.ReasonHomingTimeout,
				"gate sensor never cleared during unload")
		}
	default:
		// Step back until the encoder stops echoing: the gate gears
		// have let go of the filament.
		if !o.ctrl.HasEncoder() {
			return mmuerr.New(mmuerr.ReasonInvalidState,
				"encoder gate homing configured without an encoder")
		}
		var traveled float64
		cleared := false
		for traveled < o.params.GateHomingMax {
			res, err := o.ctrl.Move(motion.MoveSpec{
				Dist:  -o.params.EncoderMoveStepSize,
				Motor: motion.MotorGear,
			})
			if err != nil {
				return err
			}
			traveled += math.Abs(res.Actual)
			if res.Measured < o.params.EncoderMin {
				cleared = true
				break
			}
		}
		if !cleared {
			return mmuerr.New(mmuerr.ReasonHomingTimeout,
				"filament still echoing after %.0fmm of gate unload", traveled)
		}
	}
	o.fil.SetPosition(filament.PosHomedGate)

	if _, err := o.ctrl.Move(motion.MoveSpec{
		Dist:  -o.params.GateParkingDistance,
		Motor: motion.MotorGear,
	}); err != nil {
		return err
	}
	o.fil.SetPosition(filament.PosUnloaded)

	if _, err := o.sel.FilamentRelease(); err != nil {
		return mmuerr.Wrap(err, mmuerr.ReasonInvalidState, "grip release failed")
	}
	return nil
}

// RecoverPosition re-derives the most conservative filament position
// consistent with current sensor evidence and installs it. Used before
// retrying a failed swap so the retry never repeats a wrong assumption
// about where the filament is.
func (o *Orchestrator) RecoverPosition() filament.Position {
	pos := filament.PosUnloaded

	if v, ok := o.sensors.CheckSensor(endstop.NameToolhead); ok && v {
		pos = filament.PosHomedTS
	} else if v, ok := o.sensors.CheckSensor(endstop.NameEntry); ok && v {
		pos = filament.PosHomedEntry
	} else if v, ok := o.sensors.CheckSensor(endstop.NameGate); ok && v {
		pos = filament.PosHomedGate
	} else if o.ctrl.HasEncoder() {
		if present, err := o.ctrl.BuzzGearMotor(); err == nil && present {
			pos = filament.PosHomedGate
		}
	}

	o.logger.Info("recovered filament position: %s", pos)
	o.fil.SetPosition(pos)
	return pos
}

// Swap unloads the current filament and loads gateIdx. On failure the
// whole cycle is retried once after position recovery, when configured.
func (o *Orchestrator) Swap(gateIdx int) error {
	err := o.swapOnce(gateIdx)
	if err != nil && o.params.RetryToolchange {
		o.logger.Warn("swap to gate %d failed, retrying after recovery: %v", gateIdx, err)
		o.stats.NoteRetry()
		o.RecoverPosition()
		err = o.swapOnce(gateIdx)
	}
	if err != nil {
		o.stats.NoteFailure()
		return err
	}
	o.stats.NoteSwap()
	return nil
}

func (o *Orchestrator) swapOnce(gateIdx int) error {
	if o.fil.Position() == filament.PosUnknown {
		o.RecoverPosition()
	}
	if err := o.Unload(); err != nil {
		return err
	}
	return o.Load(gateIdx)
}
