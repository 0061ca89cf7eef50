// Gate selector abstraction
//
// A selector positions the filament path at one gate and controls the
// gear grip on the filament. The engine only ever talks to the Selector
// interface; concrete implementations are chosen from a closed set of
// variants at construction time.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package selector

import (
	"fmt"

	"mmu-go-migration/pkg/log"
)

// Variant enumerates the supported selector designs. The set is closed:
// adding a design means adding a case to New.
type Variant int

const (
	VariantLinearServo Variant = iota
	VariantRotary
	VariantMacro
)

func (v Variant) String() string {
	switch v {
	case VariantLinearServo:
		return "linear_servo"
	case VariantRotary:
		return "rotary"
	case VariantMacro:
		return "macro"
	default:
		return "invalid"
	}
}

// ParseVariant maps a config string to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "linear_servo":
		return VariantLinearServo, nil
	case "rotary":
		return VariantRotary, nil
	case "macro":
		return VariantMacro, nil
	default:
		return 0, fmt.Errorf("selector: unknown variant %q", s)
	}
}

// Grip is the current filament grip state shared by all variants.
type Grip int

const (
	GripUnknown Grip = iota
	GripDrive
	GripRelease
	GripHold
)

func (g Grip) String() string {
	switch g {
	case GripDrive:
		return "drive"
	case GripRelease:
		return "release"
	case GripHold:
		return "hold"
	default:
		return "unknown"
	}
}

// Selector is the capability surface the transport engine needs.
type Selector interface {
	// SelectGate positions the filament path at the given gate.
	SelectGate(gate int) error
	// Home re-references the selector position.
	Home() error
	// FilamentDrive engages the gear grip for driving filament.
	FilamentDrive() error
	// FilamentRelease disengages the grip and returns the measured
	// spring-back travel in mm (0 when no encoder echo available).
	FilamentRelease() (float64, error)
	// FilamentHold grips the filament without coupling the gear.
	FilamentHold() error
	// Gate returns the currently selected gate, -1 when unknown.
	Gate() int
	// GripState returns the current grip.
	GripState() Grip
}

// Actuator is the hardware surface a physical selector variant drives:
// a positioning axis and a grip servo. Simulations implement this with
// no-ops plus bookkeeping.
type Actuator struct {
	// MoveTo positions the selector axis at offset mm.
	MoveTo func(offset float64) error
	// HomeAxis re-references the axis against its endstop.
	HomeAxis func() error
	// SetServo moves the grip servo to the named position.
	SetServo func(pos Grip) error
	// SpringBack measures filament relaxation after a release, mm.
	// Nil when no encoder is fitted.
	SpringBack func() (float64, error)
}

// Config holds the construction parameters shared by variants.
type Config struct {
	Variant Variant
	// GateOffsets is the axis offset per gate, mm. Rotary designs
	// interpret these as degrees.
	GateOffsets []float64
}

// New builds the selector for the given variant. Unknown variants are a
// construction error, never a runtime fallback.
func New(cfg Config, act Actuator) (Selector, error) {
	switch cfg.Variant {
	case VariantLinearServo, VariantRotary:
		return newPhysical(cfg, act), nil
	case VariantMacro:
		return newPhysical(cfg, act), nil
	default:
		return nil, fmt.Errorf("selector: unknown variant %d", cfg.Variant)
	}
}

// physical drives a positioning axis plus grip servo. The linear servo,
// rotary and macro variants share this control flow and differ only in
// how the actuator realizes it.
type physical struct {
	cfg    Config
	act    Actuator
	gate   int
	grip   Grip
	homed  bool
	logger *log.Logger
}

func newPhysical(cfg Config, act Actuator) *physical {
	return &physical{
		cfg:    cfg,
		act:    act,
		gate:   -1,
		grip:   GripUnknown,
		logger: log.GetLogger("mmu.selector"),
	}
}

func (p *physical) SelectGate(gate int) error {
	if gate < 0 || gate >= len(p.cfg.GateOffsets) {
		return fmt.Errorf("selector: gate %d out of range", gate)
	}
	if !p.homed {
		if err := p.Home(); err != nil {
			return err
		}
	}
	// Moving the selector with filament gripped would shear it.
	if p.grip == GripDrive {
		if _, err := p.FilamentRelease(); err != nil {
			return err
		}
	}
	if err := p.act.MoveTo(p.cfg.GateOffsets[gate]); err != nil {
		return fmt.Errorf("selector: move to gate %d: %w", gate, err)
	}
	p.gate = gate
	p.logger.Debug("selected gate %d", gate)
	return nil
}

func (p *physical) Home() error {
	if err := p.act.HomeAxis(); err != nil {
		return fmt.Errorf("selector: homing: %w", err)
	}
	p.homed = true
	p.gate = -1
	return nil
}

func (p *physical) FilamentDrive() error {
	if err := p.act.SetServo(GripDrive); err != nil {
		return err
	}
	p.grip = GripDrive
	return nil
}

func (p *physical) FilamentRelease() (float64, error) {
	if err := p.act.SetServo(GripRelease); err != nil {
		return 0, err
	}
	p.grip = GripRelease
	if p.act.SpringBack == nil {
		return 0, nil
	}
	sb, err := p.act.SpringBack()
	if err != nil {
		return 0, err
	}
	if sb != 0 {
		p.logger.Debug("filament spring-back %.1fmm", sb)
	}
	return sb, nil
}

func (p *physical) FilamentHold() error {
	if err := p.act.SetServo(GripHold); err != nil {
		return err
	}
	p.grip = GripHold
	return nil
}

func (p *physical) Gate() int {
	return p.gate
}

func (p *physical) GripState() Grip {
	return p.grip
}
