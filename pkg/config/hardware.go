// MMU hardware pin configuration
//
// Parses the [mmu_sensors] and [mmu_espooler] sections into pin
// assignments for the filament path sensors and the spool assist
// motors. Sensor pin options map onto the endstop names the engine
// homes against; absent options mean the sensor is not fitted.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import "fmt"

// SensorPin is one fitted filament path sensor.
type SensorPin struct {
	// Name is the endstop name the engine knows this sensor by.
	Name string
	Pin  Pin
}

// sensorOptions maps [mmu_sensors] options to endstop names, in path
// order.
var sensorOptions = []struct {
	option string
	name   string
}{
	{"gate_switch_pin", "mmu_gate"},
	{"gear_switch_pin", "mmu_gear"},
	{"extruder_switch_pin", "mmu_entry"},
	{"toolhead_switch_pin", "mmu_toolhead"},
}

// Hardware holds the parsed pin assignments of one MMU unit.
type Hardware struct {
	// Sensors lists the fitted path sensors in path order.
	Sensors []SensorPin

	// SyncTensionPin and SyncCompressionPin are the sync feedback
	// buffer switches, nil when not fitted.
	SyncTensionPin     *Pin
	SyncCompressionPin *Pin

	// EspoolerPWMPins drives the per-gate spool assist motors, empty
	// when no espooler is fitted.
	EspoolerPWMPins []Pin
}

// LoadHardware parses the hardware pin sections. Both sections are
// optional; a missing section simply means nothing is fitted there.
func LoadHardware(cfg *Config) (*Hardware, error) {
	hw := &Hardware{}
	pinOpts := PinOptions{CanInvert: true, CanPullup: true}

	if sec := cfg.GetSectionOptional("mmu_sensors"); sec != nil {
		for _, so := range sensorOptions {
			p, err := sec.GetPinOptional(so.option, pinOpts)
			if err != nil {
				return nil, err
			}
			if p != nil {
				hw.Sensors = append(hw.Sensors, SensorPin{Name: so.name, Pin: *p})
			}
		}

		var err error
		if hw.SyncTensionPin, err = sec.GetPinOptional("sync_feedback_tension_pin", pinOpts); err != nil {
			return nil, err
		}
		if hw.SyncCompressionPin, err = sec.GetPinOptional("sync_feedback_compression_pin", pinOpts); err != nil {
			return nil, err
		}
	}

	if sec := cfg.GetSectionOptional("mmu_espooler"); sec != nil {
		// pwm_pin_0, pwm_pin_1, ... one per gate, contiguous from 0.
		for i := 0; ; i++ {
			p, err := sec.GetPinOptional(fmt.Sprintf("pwm_pin_%d", i), pinOpts)
			if err != nil {
				return nil, err
			}
			if p == nil {
				break
			}
			hw.EspoolerPWMPins = append(hw.EspoolerPWMPins, *p)
		}
	}

	return hw, nil
}

// HasSensor reports whether a sensor with the given endstop name is
// fitted.
func (h *Hardware) HasSensor(name string) bool {
	for _, s := range h.Sensors {
		if s.Name == name {
			return true
		}
	}
	return false
}
