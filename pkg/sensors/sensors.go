// Filament sensor manager
//
// Presents the engine's view of the filament path sensors: which exist,
// what they currently read, and whether the set of readings is
// consistent with an assumed filament position. Physical switch state
// comes from the endstop layer; this package adds path-order semantics.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sensors

import (
	"sync"

	"mmu-go-migration/pkg/endstop"
	"mmu-go-migration/pkg/filament"
	"mmu-go-migration/pkg/log"
)

// pathPosition maps each physical sensor to the filament position at
// which filament first covers it during a load. Sensors with a lower
// path position sit closer to the gate.
var pathPosition = map[string]filament.Position{
	endstop.NameGate:     filament.PosHomedGate,
	endstop.NameGear:     filament.PosHomedGate,
	endstop.NameEntry:    filament.PosHomedEntry,
	endstop.NameToolhead: filament.PosHomedTS,
}

// Manager answers sensor questions for one MMU unit.
type Manager struct {
	mu       sync.Mutex
	registry *endstop.Registry
	// runoutEnabled tracks per-gate runout detection arming.
	runoutEnabled map[int]bool
	logger        *log.Logger
}

// NewManager builds a sensor manager over the given endstop registry.
func NewManager(registry *endstop.Registry) *Manager {
	return &Manager{
		registry:      registry,
		runoutEnabled: make(map[int]bool),
		logger:        log.GetLogger("mmu.sensors"),
	}
}

// HasSensor reports whether the named sensor is fitted.
func (m *Manager) HasSensor(name string) bool {
	_, ok := m.registry.Lookup(name)
	return ok
}

// CheckSensor reads the named sensor. The second return is false when
// the sensor is not fitted or its state is unknown; callers treat that
// as "no evidence", not as empty.
func (m *Manager) CheckSensor(name string) (bool, bool) {
	e, ok := m.registry.Lookup(name)
	if !ok {
		return false, false
	}
	switch e.GetState() {
	case endstop.StateTriggered:
		return true, true
	case endstop.StateOpen:
		return false, true
	default:
		return false, false
	}
}

// CheckAllSensorsBefore verifies every sensor the filament has already
// passed (path position at or below pos) detects filament. Returns
// (ok, known); known is false when no fitted sensor is relevant.
// loading selects the boundary: during a load a sensor exactly at pos
// has just been covered, during an unload it has just been cleared.
func (m *Manager) CheckAllSensorsBefore(pos filament.Position, gateIdx int, loading bool) (bool, bool) {
	known := false
	for name, sensorPos := range pathPosition {
		if !m.covered(sensorPos, pos, loading) {
			continue
		}
		v, ok := m.CheckSensor(name)
		if !ok {
			continue
		}
		known = true
		if !v {
			m.logger.Debug("sensor %s expected filament at position %s, reads empty", name, pos)
			return false, true
		}
	}
	return true, known
}

// CheckAllSensorsAfter verifies every sensor beyond pos reads empty.
// Returns (ok, known) with the same conventions as
// CheckAllSensorsBefore.
func (m *Manager) CheckAllSensorsAfter(pos filament.Position, gateIdx int, loading bool) (bool, bool) {
	known := false
	for name, sensorPos := range pathPosition {
		if m.covered(sensorPos, pos, loading) {
			continue
		}
		v, ok := m.CheckSensor(name)
		if !ok {
			continue
		}
		known = true
		if v {
			m.logger.Debug("sensor %s expected empty at position %s, reads filament", name, pos)
			return false, true
		}
	}
	return true, known
}

// covered reports whether a sensor at sensorPos is behind the filament
// tip when the filament sits at pos.
func (m *Manager) covered(sensorPos, pos filament.Position, loading bool) bool {
	if loading {
		return sensorPos <= pos
	}
	return sensorPos < pos
}

// EnableRunout arms runout detection for a gate.
func (m *Manager) EnableRunout(gateIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runoutEnabled[gateIdx] = true
}

// DisableRunout disarms runout detection for a gate. Runout is always
// disarmed during a swap so deliberate filament removal is not reported
// as a runout.
func (m *Manager) DisableRunout(gateIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runoutEnabled[gateIdx] = false
}

// RunoutEnabled reports runout arming for a gate.
func (m *Manager) RunoutEnabled(gateIdx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runoutEnabled[gateIdx]
}
