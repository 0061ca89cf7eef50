// MMU parameter schema - typed view over the [mmu] config section
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import "fmt"

// Params holds every tunable of the filament transport engine, loaded with
// bounds checking from the [mmu] section of mmu.cfg. Defaults follow the
// reference configuration shipped with the firmware.
type Params struct {
	NumGates int

	// Gate loading
	GateHomingEndstop   string  // "encoder", "mmu_gate" or "mmu_gear"
	GateLoadRetries     int     // bounded stage retries picking up at gate
	GateParkingDistance float64 // mm to park filament behind the gate
	GatePulseThreshold  float64 // encoder mm that counts as a gate pickup
	GateHomingMax       float64 // travel ceiling for gate pickup (mm)

	// Encoder
	EncoderMoveStepSize float64 // step size for stepwise encoder moves
	EncoderDwell        float64 // settle dwell before sampling (s)
	EncoderMin          float64 // minimum mm considered real movement
	LongMoveThreshold   float64 // boundary between short and long moves

	// Bowden
	BowdenNumMoves           int
	BowdenApplyCorrection    bool
	BowdenMoveErrorTolerance float64 // percent of commanded distance
	BowdenAllowableLoadDelta float64 // absolute delta ceiling (mm)
	BowdenHomingSafetyMargin float64 // shortfall before entry homing (mm)

	// Extruder homing
	ExtruderHomingEndstop       string // "none", "collision" or sensor name
	ExtruderHomingMax           float64
	ExtruderHomingCurrent       int // percent gear current during collision
	ExtruderCollisionHomingStep int // multiples of encoder resolution

	// Toolhead
	ToolheadHomingMax        float64
	ToolheadSensorToNozzle   float64
	ToolheadExtruderToNozzle float64
	ToolheadOozeReduction    float64
	ToolheadResidualFilament float64
	ToolheadPostLoadTension  bool // neutralize bowden tension after load

	// Speeds (mm/s) and accels (mm/s^2)
	GearFromBufferSpeed     float64
	GearFromSpoolSpeed      float64
	GearShortMoveSpeed      float64
	GearHomingSpeed         float64
	GearAccel               float64
	ExtruderLoadSpeed       float64
	ExtruderUnloadSpeed     float64
	ExtruderSyncLoadSpeed   float64
	ExtruderSyncUnloadSpeed float64
	ExtruderHomingSpeed     float64
	ExtruderAccel           float64

	// Retry policy
	HomingRetries   int  // comms-timeout masking retries per homing move
	RetryToolchange bool // retry whole unload+load cycle once on failure

	// Sync feedback
	SyncFeedbackEnabled      bool
	SyncMultiplierHigh       float64 // initial slow clamp = rd * high
	SyncMultiplierLow        float64 // initial fast clamp = rd * low
	SyncFeedbackInterval     float64 // watchdog tick (s)
	SyncSignificantMovement  float64 // mm before a direction change counts
	SyncMovementThreshold    float64 // mm stuck in one state before nudge
	AutotuneRotationDistance bool

	// EndGuard
	EndGuardEnabled      bool
	EndGuardBand         float64 // |state| >= band means near end of travel
	EndGuardTriggerMM    float64 // accumulated forward feed to latch
	EndGuardPauseDelay   float64 // deferred pause delay (s)
	EndGuardArmDelay     float64 // deferred arming delay after rebaseline (s)
	EndGuardExperimental bool    // gates disabled encoder-validation logic

	// Espooler assist
	EspoolerMinDistance   float64
	EspoolerMinSpeed      float64
	EspoolerPowerExponent float64
	EspoolerMaxPower      float64

	// Per-gate speed/accel override, percent (100 = no override)
	GateSpeedOverride []int
}

// DefaultParams returns the stock parameter set for a unit with
// numGates gates, as if an [mmu] section with only num_gates were
// loaded. Used by tests and the simulation.
func DefaultParams(numGates int) *Params {
	cfg, err := LoadString(fmt.Sprintf("[mmu]\nnum_gates: %d\n", numGates))
	if err != nil {
		panic(err)
	}
	p, err := LoadParams(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// LoadParams reads and validates the [mmu] section.
func LoadParams(cfg *Config) (*Params, error) {
	sec, err := cfg.GetSection("mmu")
	if err != nil {
		return nil, err
	}
	return loadParamsSection(sec)
}

func loadParamsSection(sec *Section) (*Params, error) {
	p := &Params{}
	var err error

	one := 1
	zero := 0
	hundred := 100
	fzero := 0.0
	fone := 1.0
	fhalf := 0.5
	ftwo := 2.0

	if p.NumGates, err = sec.GetIntWithBounds("num_gates", &one, nil, 9); err != nil {
		return nil, err
	}

	if p.GateHomingEndstop, err = sec.GetChoice("gate_homing_endstop",
		[]string{"encoder", "mmu_gate", "mmu_gear"}, "encoder"); err != nil {
		return nil, err
	}
	five := 5
	if p.GateLoadRetries, err = sec.GetIntWithBounds("gate_load_retries", &one, &five, 2); err != nil {
		return nil, err
	}
	if p.GateParkingDistance, err = sec.GetFloatWithBounds("gate_parking_distance",
		FloatBounds{MinVal: &fzero}, 23.0); err != nil {
		return nil, err
	}
	if p.GatePulseThreshold, err = sec.GetFloatWithBounds("gate_pulse_threshold",
		FloatBounds{Above: &fzero}, 6.0); err != nil {
		return nil, err
	}
	if p.GateHomingMax, err = sec.GetFloatWithBounds("gate_homing_max",
		FloatBounds{Above: &fzero}, 70.0); err != nil {
		return nil, err
	}

	if p.EncoderMoveStepSize, err = sec.GetFloatWithBounds("encoder_move_step_size",
		FloatBounds{Above: &fzero}, 15.0); err != nil {
		return nil, err
	}
	if p.EncoderDwell, err = sec.GetFloatWithBounds("encoder_dwell",
		FloatBounds{MinVal: &fzero}, 0.1); err != nil {
		return nil, err
	}
	if p.EncoderMin, err = sec.GetFloatWithBounds("encoder_min",
		FloatBounds{Above: &fzero}, 1.5); err != nil {
		return nil, err
	}
	if p.LongMoveThreshold, err = sec.GetFloatWithBounds("long_move_threshold",
		FloatBounds{Above: &fzero}, 70.0); err != nil {
		return nil, err
	}

	if p.BowdenNumMoves, err = sec.GetIntWithBounds("bowden_num_moves", &one, nil, 1); err != nil {
		return nil, err
	}
	if p.BowdenApplyCorrection, err = sec.GetBool("bowden_apply_correction", true); err != nil {
		return nil, err
	}
	if p.BowdenMoveErrorTolerance, err = sec.GetFloatWithBounds("bowden_move_error_tolerance",
		FloatBounds{Above: &fzero}, 10.0); err != nil {
		return nil, err
	}
	if p.BowdenAllowableLoadDelta, err = sec.GetFloatWithBounds("bowden_allowable_load_delta",
		FloatBounds{Above: &fzero}, 20.0); err != nil {
		return nil, err
	}
	if p.BowdenHomingSafetyMargin, err = sec.GetFloatWithBounds("bowden_homing_safety_margin",
		FloatBounds{MinVal: &fzero}, 10.0); err != nil {
		return nil, err
	}

	if p.ExtruderHomingEndstop, err = sec.GetChoice("extruder_homing_endstop",
		[]string{"none", "collision", "mmu_entry"}, "collision"); err != nil {
		return nil, err
	}
	if p.ExtruderHomingMax, err = sec.GetFloatWithBounds("extruder_homing_max",
		FloatBounds{Above: &fzero}, 50.0); err != nil {
		return nil, err
	}
	if p.ExtruderHomingCurrent, err = sec.GetIntWithBounds("extruder_homing_current",
		&zero, &hundred, 50); err != nil {
		return nil, err
	}
	if p.ExtruderCollisionHomingStep, err = sec.GetIntWithBounds("extruder_collision_homing_step",
		&one, nil, 3); err != nil {
		return nil, err
	}

	if p.ToolheadHomingMax, err = sec.GetFloatWithBounds("toolhead_homing_max",
		FloatBounds{Above: &fzero}, 40.0); err != nil {
		return nil, err
	}
	if p.ToolheadSensorToNozzle, err = sec.GetFloatWithBounds("toolhead_sensor_to_nozzle",
		FloatBounds{MinVal: &fzero}, 62.0); err != nil {
		return nil, err
	}
	if p.ToolheadExtruderToNozzle, err = sec.GetFloatWithBounds("toolhead_extruder_to_nozzle",
		FloatBounds{MinVal: &fzero}, 72.0); err != nil {
		return nil, err
	}
	if p.ToolheadOozeReduction, err = sec.GetFloatWithBounds("toolhead_ooze_reduction",
		FloatBounds{MinVal: &fzero}, 0.0); err != nil {
		return nil, err
	}
	if p.ToolheadResidualFilament, err = sec.GetFloatWithBounds("toolhead_residual_filament",
		FloatBounds{MinVal: &fzero}, 0.0); err != nil {
		return nil, err
	}
	if p.ToolheadPostLoadTension, err = sec.GetBool("toolhead_post_load_tension", false); err != nil {
		return nil, err
	}

	if p.GearFromBufferSpeed, err = sec.GetFloatWithBounds("gear_from_buffer_speed",
		FloatBounds{Above: &fzero}, 150.0); err != nil {
		return nil, err
	}
	if p.GearFromSpoolSpeed, err = sec.GetFloatWithBounds("gear_from_spool_speed",
		FloatBounds{Above: &fzero}, 60.0); err != nil {
		return nil, err
	}
	if p.GearShortMoveSpeed, err = sec.GetFloatWithBounds("gear_short_move_speed",
		FloatBounds{Above: &fzero}, 60.0); err != nil {
		return nil, err
	}
	if p.GearHomingSpeed, err = sec.GetFloatWithBounds("gear_homing_speed",
		FloatBounds{Above: &fzero}, 50.0); err != nil {
		return nil, err
	}
	if p.GearAccel, err = sec.GetFloatWithBounds("gear_accel",
		FloatBounds{Above: &fzero}, 400.0); err != nil {
		return nil, err
	}
	if p.ExtruderLoadSpeed, err = sec.GetFloatWithBounds("extruder_load_speed",
		FloatBounds{Above: &fzero}, 15.0); err != nil {
		return nil, err
	}
	if p.ExtruderUnloadSpeed, err = sec.GetFloatWithBounds("extruder_unload_speed",
		FloatBounds{Above: &fzero}, 20.0); err != nil {
		return nil, err
	}
	if p.ExtruderSyncLoadSpeed, err = sec.GetFloatWithBounds("extruder_sync_load_speed",
		FloatBounds{Above: &fzero}, 20.0); err != nil {
		return nil, err
	}
	if p.ExtruderSyncUnloadSpeed, err = sec.GetFloatWithBounds("extruder_sync_unload_speed",
		FloatBounds{Above: &fzero}, 25.0); err != nil {
		return nil, err
	}
	if p.ExtruderHomingSpeed, err = sec.GetFloatWithBounds("extruder_homing_speed",
		FloatBounds{Above: &fzero}, 20.0); err != nil {
		return nil, err
	}
	if p.ExtruderAccel, err = sec.GetFloatWithBounds("extruder_accel",
		FloatBounds{Above: &fzero}, 400.0); err != nil {
		return nil, err
	}

	if p.HomingRetries, err = sec.GetIntWithBounds("homing_retries", &one, &five, 2); err != nil {
		return nil, err
	}
	if p.RetryToolchange, err = sec.GetBool("retry_toolchange", true); err != nil {
		return nil, err
	}

	if p.SyncFeedbackEnabled, err = sec.GetBool("sync_feedback_enabled", false); err != nil {
		return nil, err
	}
	if p.SyncMultiplierHigh, err = sec.GetFloatWithBounds("sync_multiplier_high",
		FloatBounds{MinVal: &fone, MaxVal: &ftwo}, 1.05); err != nil {
		return nil, err
	}
	if p.SyncMultiplierLow, err = sec.GetFloatWithBounds("sync_multiplier_low",
		FloatBounds{MinVal: &fhalf, MaxVal: &fone}, 0.95); err != nil {
		return nil, err
	}
	if p.SyncFeedbackInterval, err = sec.GetFloatWithBounds("sync_feedback_interval",
		FloatBounds{Above: &fzero}, 0.25); err != nil {
		return nil, err
	}
	if p.SyncSignificantMovement, err = sec.GetFloatWithBounds("sync_significant_movement",
		FloatBounds{Above: &fzero}, 5.0); err != nil {
		return nil, err
	}
	if p.SyncMovementThreshold, err = sec.GetFloatWithBounds("sync_movement_threshold",
		FloatBounds{Above: &p.SyncSignificantMovement}, 50.0); err != nil {
		return nil, err
	}
	if p.AutotuneRotationDistance, err = sec.GetBool("autotune_rotation_distance", true); err != nil {
		return nil, err
	}

	if p.EndGuardEnabled, err = sec.GetBool("endguard_enabled", true); err != nil {
		return nil, err
	}
	if p.EndGuardBand, err = sec.GetFloatWithBounds("endguard_band",
		FloatBounds{Above: &fzero, MaxVal: &fone}, 0.80); err != nil {
		return nil, err
	}
	if p.EndGuardTriggerMM, err = sec.GetFloatWithBounds("endguard_trigger_mm",
		FloatBounds{Above: &fzero}, 6.0); err != nil {
		return nil, err
	}
	if p.EndGuardPauseDelay, err = sec.GetFloatWithBounds("endguard_pause_delay",
		FloatBounds{Above: &fzero}, 0.150); err != nil {
		return nil, err
	}
	if p.EndGuardArmDelay, err = sec.GetFloatWithBounds("endguard_arm_delay",
		FloatBounds{Above: &fzero}, 0.100); err != nil {
		return nil, err
	}
	if p.EndGuardExperimental, err = sec.GetBool("endguard_experimental", false); err != nil {
		return nil, err
	}

	if p.EspoolerMinDistance, err = sec.GetFloatWithBounds("espooler_min_distance",
		FloatBounds{Above: &fzero}, 50.0); err != nil {
		return nil, err
	}
	if p.EspoolerMinSpeed, err = sec.GetFloatWithBounds("espooler_min_speed",
		FloatBounds{Above: &fzero}, 50.0); err != nil {
		return nil, err
	}
	if p.EspoolerPowerExponent, err = sec.GetFloatWithBounds("espooler_power_exponent",
		FloatBounds{Above: &fzero}, 0.5); err != nil {
		return nil, err
	}
	if p.EspoolerMaxPower, err = sec.GetFloatWithBounds("espooler_max_power",
		FloatBounds{Above: &fzero, MaxVal: &fone}, 1.0); err != nil {
		return nil, err
	}

	override, err := sec.GetIntList("gate_speed_override", ",", nil)
	if err != nil {
		return nil, err
	}
	if override == nil {
		override = make([]int, p.NumGates)
		for i := range override {
			override[i] = 100
		}
	}
	if len(override) != p.NumGates {
		return nil, ErrInvalidValue(sec.GetName(), "gate_speed_override",
			"", "one percentage per gate")
	}
	for _, v := range override {
		if v < 10 || v > 150 {
			return nil, ErrOutOfRange(sec.GetName(), "gate_speed_override",
				float64(v), "must be between 10 and 150")
		}
	}
	p.GateSpeedOverride = override

	return p, nil
}
