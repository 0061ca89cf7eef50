// DC-motor spool assist (espooler)
//
// Drives per-gate DC motors that pay out or rewind the spool so the
// gear stepper never fights spool inertia. Power follows an exponential
// speed curve: slow moves need almost nothing, fast bowden moves
// approach full power. During printing, short assist bursts are
// scheduled on the reactor each time enough filament has been consumed.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package espooler

import (
	"math"
	"sync"

	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/reactor"
)

// Op is the current espooler operation for a gate.
type Op int

const (
	OpOff Op = iota
	OpAssist
	OpRewind
	OpPrintAssist
)

func (o Op) String() string {
	switch o {
	case OpAssist:
		return "assist"
	case OpRewind:
		return "rewind"
	case OpPrintAssist:
		return "print_assist"
	default:
		return "off"
	}
}

// Config holds the espooler tunables.
type Config struct {
	// MinSpeed is the slowest gear speed (mm/s) that engages assist.
	MinSpeed float64
	// MinDistance is the shortest move (mm) that engages assist.
	MinDistance float64
	// SpeedExponent shapes the speed to power curve.
	SpeedExponent float64
	// MaxPower caps motor PWM duty, 0..1.
	MaxPower float64
	// Burst parameters for in-print assist.
	BurstPower    float64
	BurstDuration float64
	BurstTrigger  float64
}

// DefaultConfig returns the stock espooler tuning.
func DefaultConfig() Config {
	return Config{
		MinSpeed:      50,
		MinDistance:   100,
		SpeedExponent: 0.5,
		MaxPower:      1.0,
		BurstPower:    0.4,
		BurstDuration: 0.4,
		BurstTrigger:  10,
	}
}

// SetPWM drives one gate's motor. duty is signed: positive assists
// (pays out), negative rewinds.
type SetPWM func(gate int, duty float64)

// Espooler coordinates the spool assist motors of one MMU unit.
type Espooler struct {
	mu      sync.Mutex
	cfg     Config
	setPWM  SetPWM
	rt      *reactor.Reactor
	op      map[int]Op
	burstMM map[int]float64
	logger  *log.Logger
}

// New creates an espooler. rt may be nil when burst scheduling is not
// used (tests, simple tools).
func New(cfg Config, rt *reactor.Reactor, setPWM SetPWM) *Espooler {
	return &Espooler{
		cfg:     cfg,
		setPWM:  setPWM,
		rt:      rt,
		op:      make(map[int]Op),
		burstMM: make(map[int]float64),
		logger:  log.GetLogger("mmu.espooler"),
	}
}

// PowerForSpeed maps a gear speed to motor duty through the exponential
// curve 1 - e^(-k*speed/100), scaled to MaxPower. Monotonic in speed
// and saturating, so doubling an already fast move barely raises power.
func (e *Espooler) PowerForSpeed(speed float64) float64 {
	if speed <= 0 {
		return 0
	}
	p := (1 - math.Exp(-e.cfg.SpeedExponent*speed/100.0)) * e.cfg.MaxPower
	if p > e.cfg.MaxPower {
		p = e.cfg.MaxPower
	}
	return p
}

// ShouldAssist reports whether a move of the given length and speed
// warrants motor assist.
func (e *Espooler) ShouldAssist(dist, speed float64) bool {
	return math.Abs(dist) >= e.cfg.MinDistance && speed >= e.cfg.MinSpeed
}

// Assist engages forward assist for a gate at the power matching speed.
func (e *Espooler) Assist(gate int, speed float64) {
	e.apply(gate, OpAssist, e.PowerForSpeed(speed))
}

// Rewind engages reverse rewind for a gate.
func (e *Espooler) Rewind(gate int, speed float64) {
	e.apply(gate, OpRewind, -e.PowerForSpeed(speed))
}

// Stop turns the gate's motor off.
func (e *Espooler) Stop(gate int) {
	e.apply(gate, OpOff, 0)
}

func (e *Espooler) apply(gate int, op Op, duty float64) {
	e.mu.Lock()
	prev := e.op[gate]
	e.op[gate] = op
	setPWM := e.setPWM
	e.mu.Unlock()
	if setPWM != nil {
		setPWM(gate, duty)
	}
	if prev != op {
		e.logger.Debug("espooler gate %d %s -> %s (duty %.2f)", gate, prev, op, duty)
	}
}

// Operation returns the current operation for a gate.
func (e *Espooler) Operation(gate int) Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op[gate]
}

// Guard ties an engaged assist to a scope. Release is idempotent and
// must run on every exit path of the move that engaged the assist.
type Guard struct {
	e        *Espooler
	gate     int
	released bool
}

// Engage starts assist (or rewind for negative dist) when the move
// qualifies and returns a guard; the guard is non-nil even when no
// assist was engaged so callers can defer Release unconditionally.
func (e *Espooler) Engage(gate int, dist, speed float64) *Guard {
	g := &Guard{e: e, gate: gate}
	if !e.ShouldAssist(dist, speed) {
		g.released = true
		return g
	}
	if dist >= 0 {
		e.Assist(gate, speed)
	} else {
		e.Rewind(gate, speed)
	}
	return g
}

// Release stops the motor engaged by Engage.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.e.Stop(g.gate)
}

// NoteExtrusion accumulates in-print filament consumption for a gate
// and fires an assist burst through the reactor each time the trigger
// length is reached. The burst stops itself after BurstDuration.
func (e *Espooler) NoteExtrusion(gate int, mm float64) {
	e.mu.Lock()
	e.burstMM[gate] += mm
	fire := e.burstMM[gate] >= e.cfg.BurstTrigger && e.op[gate] == OpOff
	if fire {
		e.burstMM[gate] = 0
	}
	rt := e.rt
	e.mu.Unlock()

	if !fire || rt == nil {
		return
	}
	e.apply(gate, OpPrintAssist, e.cfg.BurstPower)
	rt.RegisterCallback(func(eventtime float64) {
		e.Stop(gate)
	}, rt.Monotonic()+e.cfg.BurstDuration)
}
