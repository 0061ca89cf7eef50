// Filament position state machine
//
// Canonical filament position and direction for one MMU unit. The position
// scale is totally ordered: ordinal comparison ("at or past the extruder
// entry") is part of the contract and used throughout the transport engine.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package filament

import (
	"sync"

	"mmu-go-migration/pkg/log"
)

// Position is the canonical filament position on the ordered scale from
// fully unloaded to homed at the nozzle. Any position may be entered at
// any time (recovery from unknown states is tolerated), but a successful
// load visits positions in non-decreasing order and a successful unload
// in non-increasing order.
type Position int

const (
	PosUnknown       Position = -1
	PosUnloaded      Position = 0
	PosHomedGate     Position = 1
	PosStartBowden   Position = 2
	PosInBowden      Position = 3
	PosEndBowden     Position = 4
	PosHomedEntry    Position = 5
	PosHomedExtruder Position = 6
	PosExtruderEntry Position = 7
	PosHomedTS       Position = 8
	PosInExtruder    Position = 9
	PosLoaded        Position = 10
)

func (p Position) String() string {
	switch p {
	case PosUnloaded:
		return "unloaded"
	case PosHomedGate:
		return "homed_gate"
	case PosStartBowden:
		return "start_bowden"
	case PosInBowden:
		return "in_bowden"
	case PosEndBowden:
		return "end_bowden"
	case PosHomedEntry:
		return "homed_entry"
	case PosHomedExtruder:
		return "homed_extruder"
	case PosExtruderEntry:
		return "extruder_entry"
	case PosHomedTS:
		return "homed_ts"
	case PosInExtruder:
		return "in_extruder"
	case PosLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Direction of filament travel. Set whenever a move is initiated and used
// to interpret the sign of sync feedback.
type Direction int

const (
	DirUnload  Direction = -1
	DirUnknown Direction = 0
	DirLoad    Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirLoad:
		return "load"
	case DirUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// VarFilamentPos is the persistence key for the filament position.
const VarFilamentPos = "mmu_filament_pos"

// Saver is the narrow persistence capability the state machine needs.
type Saver interface {
	Save(key string, value interface{}, write bool) error
}

// Machine tracks position, direction and per-swap travel distance.
type Machine struct {
	mu sync.Mutex

	pos Position
	dir Direction

	// Travel distance accounting: distance accumulates while moving in
	// countingDir and resets on direction change or terminal states.
	countingDir  Direction
	distance     float64
	lastDistance float64

	// persistedPos mirrors what is on disk so redundant writes are
	// skipped (writes are bounded to Loaded/Unloaded crossings).
	persistedPos Position

	store  Saver
	logger *log.Logger

	recording   bool
	transitions []Position
}

// NewMachine creates a state machine starting at PosUnknown. store may be
// nil (no persistence, e.g. in tests).
func NewMachine(store Saver) *Machine {
	return &Machine{
		pos:          PosUnknown,
		dir:          DirUnknown,
		countingDir:  DirUnknown,
		persistedPos: PosUnknown,
		store:        store,
		logger:       log.GetLogger("mmu.filament"),
	}
}

// Position returns the current filament position.
func (m *Machine) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Direction returns the current travel direction.
func (m *Machine) Direction() Direction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// SetPosition sets the filament position. Crossing into Loaded or
// Unloaded persists the state immediately; entering any other state
// invalidates a previously persisted terminal state (stored as Unknown)
// so a host restart never trusts a stale "loaded" marker.
func (m *Machine) SetPosition(pos Position) {
	m.mu.Lock()
	old := m.pos
	m.pos = pos
	if m.recording {
		m.transitions = append(m.transitions, pos)
	}

	if pos == PosLoaded || pos == PosUnloaded || m.countingDir != m.dir {
		m.lastDistance = m.distance
		m.distance = 0
		m.countingDir = m.dir
	}

	var persistVal Position
	persistNeeded := false
	if pos == PosLoaded || pos == PosUnloaded {
		persistVal = pos
		persistNeeded = m.persistedPos != pos
	} else if m.persistedPos != PosUnknown {
		persistVal = PosUnknown
		persistNeeded = true
	}
	if persistNeeded {
		m.persistedPos = persistVal
	}
	store := m.store
	m.mu.Unlock()

	if old != pos {
		m.logger.Debug("filament position %s -> %s", old, pos)
	}
	if persistNeeded && store != nil {
		if err := store.Save(VarFilamentPos, int(persistVal), true); err != nil {
			m.logger.Warn("failed to persist filament position: %v", err)
		}
	}
}

// SetDirection sets the travel direction. A direction change rolls the
// distance counter over to lastDistance and restarts counting.
func (m *Machine) SetDirection(dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dir = dir
	if m.countingDir != m.dir {
		m.lastDistance = m.distance
		m.distance = 0
		m.countingDir = m.dir
	}
}

// AddDistance accumulates filament travel for the current swap.
func (m *Machine) AddDistance(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distance += d
}

// Distance returns the travel accumulated since the last reset.
func (m *Machine) Distance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.distance
}

// LastDistance returns the travel of the previous counting period.
func (m *Machine) LastDistance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDistance
}

// StartRecording begins capturing the sequence of positions set, used by
// tests asserting the load/unload ordering invariant.
func (m *Machine) StartRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = true
	m.transitions = nil
}

// Transitions returns the recorded position sequence.
func (m *Machine) Transitions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.transitions))
	copy(out, m.transitions)
	return out
}
