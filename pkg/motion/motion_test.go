package motion

import (
	"math"
	"testing"

	"mmu-go-migration/pkg/config"
	"mmu-go-migration/pkg/encoder"
	"mmu-go-migration/pkg/endstop"
	"mmu-go-migration/pkg/filament"
	"mmu-go-migration/pkg/gate"
	"mmu-go-migration/pkg/mmuerr"
)

type rig struct {
	params *config.Params
	drv    *SimDriver
	gear   *SimGear
	enc    *encoder.Encoder
	gates  *gate.Set
	fil    *filament.Machine
	ctrl   *Controller
}

func newRig(t *testing.T, withEncoder bool) *rig {
	t.Helper()
	params := config.DefaultParams(4)
	var enc *encoder.Encoder
	if withEncoder {
		enc = encoder.New(0.25, 15)
		enc.Enable(0)
	}
	reg := endstop.NewRegistry()
	for _, n := range []string{endstop.NameGate, endstop.NameEntry, endstop.NameToolhead} {
		cfg := endstop.DefaultEndstopConfig()
		cfg.Name = n
		cfg.DebounceTime = 0
		reg.Register(endstop.New(cfg))
	}
	drv := NewSimDriver(enc, reg)
	gear := NewSimGear(22.7)
	gates := gate.NewSet(4, nil, nil)
	fil := filament.NewMachine(nil)
	ctrl := NewController(params, drv, gear, enc, nil, gates, fil)
	if err := ctrl.SelectGate(0); err != nil {
		t.Fatal(err)
	}
	return &rig{params, drv, gear, enc, gates, fil, ctrl}
}

func TestDeltaLaw(t *testing.T) {
	r := newRig(t, true)
	r.drv.Slip = 0.1

	res, err := r.ctrl.Move(MoveSpec{Dist: 100, Motor: MotorGear})
	if err != nil {
		t.Fatal(err)
	}
	if res.Actual != 100 {
		t.Errorf("Actual = %f, want 100", res.Actual)
	}
	wantMeasured := 90.0
	if math.Abs(res.Measured-wantMeasured) > r.enc.Resolution() {
		t.Errorf("Measured = %f, want about %f", res.Measured, wantMeasured)
	}
	if math.Abs(res.Delta-(math.Abs(res.Actual)-res.Measured)) > 1e-9 {
		t.Errorf("Delta = %f violates |Actual| - Measured", res.Delta)
	}
}

func TestDeltaLawReverseMove(t *testing.T) {
	r := newRig(t, true)

	res, err := r.ctrl.Move(MoveSpec{Dist: -100, Motor: MotorGear})
	if err != nil {
		t.Fatal(err)
	}
	// Encoder is unsigned: reverse travel still measures positive.
	if math.Abs(res.Measured-100) > r.enc.Resolution() {
		t.Errorf("Measured = %f, want about 100", res.Measured)
	}
	if math.Abs(res.Delta) > r.enc.Resolution() {
		t.Errorf("zero-slip reverse Delta = %f, want about 0", res.Delta)
	}
	if r.fil.Direction() != filament.DirUnload {
		t.Errorf("direction = %s, want unload", r.fil.Direction())
	}
}

func TestNoEncoderTrustsCommanded(t *testing.T) {
	r := newRig(t, false)

	res, err := r.ctrl.Move(MoveSpec{Dist: -80, Motor: MotorGear})
	if err != nil {
		t.Fatal(err)
	}
	if res.Measured != 80 || res.Delta != 0 {
		t.Errorf("no-encoder Result = %+v, want Measured=80 Delta=0", res)
	}
}

func TestSpeedDefaultsByRegime(t *testing.T) {
	r := newRig(t, false)
	p := r.params

	tests := []struct {
		name string
		spec MoveSpec
		want float64
	}{
		{"gear short", MoveSpec{Dist: 20, Motor: MotorGear}, p.GearShortMoveSpeed},
		{"gear long buffer", MoveSpec{Dist: 500, Motor: MotorGear}, p.GearFromBufferSpeed},
		{"gear long spool", MoveSpec{Dist: 500, Motor: MotorGear, FromSpool: true}, p.GearFromSpoolSpeed},
		{"gear homing", MoveSpec{Dist: 50, Motor: MotorGear, Homing: true}, p.GearHomingSpeed},
		{"extruder load", MoveSpec{Dist: 50, Motor: MotorExtruder}, p.ExtruderLoadSpeed},
		{"extruder unload", MoveSpec{Dist: -50, Motor: MotorExtruder}, p.ExtruderUnloadSpeed},
		{"synced load", MoveSpec{Dist: 50, Motor: MotorGearAndExtruder}, p.ExtruderSyncLoadSpeed},
		{"synced unload", MoveSpec{Dist: -50, Motor: MotorSynced}, p.ExtruderSyncUnloadSpeed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := tc.spec
			r.ctrl.resolveDefaults(&spec)
			if spec.Speed != tc.want {
				t.Errorf("speed = %f, want %f", spec.Speed, tc.want)
			}
			if spec.Accel == 0 {
				t.Error("accel not resolved")
			}
		})
	}
}

func TestGateSpeedOverrideApplied(t *testing.T) {
	params := config.DefaultParams(2)
	gates := gate.NewSet(2, []int{100, 50}, nil)
	ctrl := NewController(params, NewSimDriver(nil, nil), NewSimGear(22.7),
		nil, nil, gates, filament.NewMachine(nil))
	if err := ctrl.SelectGate(1); err != nil {
		t.Fatal(err)
	}

	spec := MoveSpec{Dist: 20, Motor: MotorGear}
	ctrl.resolveDefaults(&spec)
	if want := params.GearShortMoveSpeed * 0.5; spec.Speed != want {
		t.Errorf("overridden speed = %f, want %f", spec.Speed, want)
	}

	// Extruder-only moves are not scaled by the gate override.
	spec = MoveSpec{Dist: 20, Motor: MotorExtruder}
	ctrl.resolveDefaults(&spec)
	if spec.Speed != params.ExtruderLoadSpeed {
		t.Errorf("extruder speed = %f, want %f", spec.Speed, params.ExtruderLoadSpeed)
	}
}

func TestHomingMoveStopsAtTrigger(t *testing.T) {
	r := newRig(t, true)
	r.drv.SetTriggerAt(endstop.NameGate, 12)

	res, err := r.ctrl.Move(MoveSpec{
		Dist: 50, Motor: MotorGear, Homing: true, Endstop: endstop.NameGate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Homed {
		t.Fatal("move should have homed")
	}
	if res.Actual != 12 {
		t.Errorf("Actual = %f, want 12", res.Actual)
	}
}

func TestHomingMoveNoTrigger(t *testing.T) {
	r := newRig(t, true)
	r.drv.SetTriggerAt(endstop.NameGate, 500)

	res, err := r.ctrl.Move(MoveSpec{
		Dist: 50, Motor: MotorGear, Homing: true, Endstop: endstop.NameGate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Homed {
		t.Error("trigger beyond range should not home")
	}
	if res.Actual != 50 {
		t.Errorf("Actual = %f, want full 50", res.Actual)
	}
}

func TestHomingCommsRetryAtReducedSpeed(t *testing.T) {
	r := newRig(t, true)
	r.drv.SetTriggerAt(endstop.NameGate, 12)
	r.drv.FailTimeouts = 1

	res, err := r.ctrl.Move(MoveSpec{
		Dist: 50, Motor: MotorGear, Homing: true, Endstop: endstop.NameGate,
	})
	if err != nil {
		t.Fatalf("single timeout should be masked, got %v", err)
	}
	if !res.Homed {
		t.Error("retry should have homed")
	}
	// Stage failure accounting untouched by the masked retry.
	if got := r.gates.Gate(0).Stats.LoadFailures; got != 0 {
		t.Errorf("load failures = %d, want 0", got)
	}
}

func TestHomingCommsRetriesExhausted(t *testing.T) {
	r := newRig(t, true)
	r.drv.SetTriggerAt(endstop.NameGate, 12)
	r.drv.FailTimeouts = r.params.HomingRetries + 1

	_, err := r.ctrl.Move(MoveSpec{
		Dist: 50, Motor: MotorGear, Homing: true, Endstop: endstop.NameGate,
	})
	if err == nil {
		t.Fatal("expected error after exhausting homing retries")
	}
	if !mmuerr.Is(err, mmuerr.ReasonCommsTimeout) {
		t.Errorf("reason = %v, want comms timeout preserved", err)
	}
}

func TestTrackedMoveUpdatesGateStats(t *testing.T) {
	r := newRig(t, true)
	r.drv.Slip = 0.05

	if _, err := r.ctrl.Move(MoveSpec{Dist: 100, Motor: MotorGear, Track: true}); err != nil {
		t.Fatal(err)
	}
	g := r.gates.Gate(0)
	if g.Stats.LoadDistance != 100 {
		t.Errorf("load distance = %f, want 100", g.Stats.LoadDistance)
	}
	if g.Stats.Quality < 0.9 || g.Stats.Quality > 1 {
		t.Errorf("quality = %f, want about 0.95", g.Stats.Quality)
	}

	if _, err := r.ctrl.Move(MoveSpec{Dist: -100, Motor: MotorGear, Track: true}); err != nil {
		t.Fatal(err)
	}
	g = r.gates.Gate(0)
	if g.Stats.UnloadDistance != 100 {
		t.Errorf("unload distance = %f, want 100", g.Stats.UnloadDistance)
	}
}

func TestRotationDistanceGuard(t *testing.T) {
	r := newRig(t, false)

	orig := r.gear.RotationDistance()
	g, err := r.ctrl.LockRotationDistance(orig * 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.gear.RotationDistance(); got != orig*2 {
		t.Errorf("rd under guard = %f, want %f", got, orig*2)
	}

	// Writers are refused while locked.
	if err := r.ctrl.SetRotationDistance(10); err == nil {
		t.Error("SetRotationDistance should fail while locked")
	}
	if err := r.ctrl.SelectGate(1); err == nil {
		t.Error("SelectGate should fail while locked")
	}
	if _, err := r.ctrl.LockRotationDistance(5); err == nil {
		t.Error("double lock should fail")
	}

	g.Restore()
	if got := r.gear.RotationDistance(); got != orig {
		t.Errorf("rd after restore = %f, want %f", got, orig)
	}
	// Idempotent restore.
	g.Restore()
	if err := r.ctrl.SetRotationDistance(orig); err != nil {
		t.Errorf("SetRotationDistance after restore failed: %v", err)
	}
}

func TestCurrentGuard(t *testing.T) {
	r := newRig(t, false)

	g, err := r.ctrl.LockCurrent(50)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.gear.CurrentPercent(); got != 50 {
		t.Errorf("current under guard = %d, want 50", got)
	}
	if _, err := r.ctrl.LockCurrent(30); err == nil {
		t.Error("double current lock should fail")
	}
	g.Restore()
	if got := r.gear.CurrentPercent(); got != 100 {
		t.Errorf("current after restore = %d, want 100", got)
	}
}

func TestBuzzGearMotor(t *testing.T) {
	r := newRig(t, true)

	// Filament present: encoder echoes the wiggle.
	present, err := r.ctrl.BuzzGearMotor()
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Error("buzz with echo should report filament present")
	}

	// No echo (encoder disabled) means no filament gripping.
	r.enc.Disable()
	present, err = r.ctrl.BuzzGearMotor()
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("buzz without echo should report no filament")
	}
}

func TestSelectGateAppliesRotationDistance(t *testing.T) {
	r := newRig(t, false)
	r.gates.SetRotationDistance(2, 23.5)
	if err := r.ctrl.SelectGate(2); err != nil {
		t.Fatal(err)
	}
	if got := r.gear.RotationDistance(); got != 23.5 {
		t.Errorf("rd after select = %f, want 23.5", got)
	}

	// Uncalibrated gates keep the current value.
	if err := r.ctrl.SelectGate(3); err != nil {
		t.Fatal(err)
	}
	if got := r.gear.RotationDistance(); got != 23.5 {
		t.Errorf("rd after uncalibrated select = %f, want 23.5", got)
	}
}
