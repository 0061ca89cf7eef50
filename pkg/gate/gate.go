// Per-gate state for the MMU filament transport engine
//
// Each gate carries availability status, calibration references and the
// rolling load/unload statistics the transport engine accumulates. The
// whole set is persisted through the flat key/value store so gate state
// survives host restarts.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gate

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/persist"
)

// Status describes filament availability at a gate.
type Status int

const (
	StatusUnknown    Status = -1
	StatusEmpty      Status = 0
	StatusAvailable  Status = 1
	StatusFromBuffer Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusAvailable:
		return "available"
	case StatusFromBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// Persistence keys for the gate set.
const (
	VarGateStatus        = "mmu_gate_status"
	VarRotationDistances = "mmu_rotation_distances"
	VarBowdenLengths     = "mmu_bowden_lengths"
	varGateStatsPrefix   = "mmu_statistics_gate_"
)

// Uncalibrated marks rotation distances and bowden lengths that have not
// been measured yet.
const Uncalibrated = -1.0

// Stats holds the rolling per-gate accumulators.
type Stats struct {
	LoadDistance   float64
	LoadDelta      float64
	UnloadDistance float64
	UnloadDelta    float64
	LoadFailures   int
	UnloadFailures int
	// Quality is the smoothed move quality in [0,1], -1 until the
	// first tracked move seeds it.
	Quality float64
}

// Gate is one filament gate.
type Gate struct {
	Index            int
	Status           Status
	RotationDistance float64
	BowdenLength     float64
	// SpeedOverride scales gear speed/accel for this gate, percent.
	SpeedOverride int
	Stats         Stats
}

// Set owns every gate of one MMU unit plus their persistence.
type Set struct {
	mu     sync.Mutex
	gates  []Gate
	store  *persist.Store
	logger *log.Logger
}

// NewSet builds a gate set of n gates, restoring persisted status,
// calibration and statistics when present. store may be nil.
func NewSet(n int, speedOverride []int, store *persist.Store) *Set {
	s := &Set{
		gates:  make([]Gate, n),
		store:  store,
		logger: log.GetLogger("mmu.gate"),
	}
	for i := range s.gates {
		g := &s.gates[i]
		g.Index = i
		g.Status = StatusUnknown
		g.RotationDistance = Uncalibrated
		g.BowdenLength = Uncalibrated
		g.SpeedOverride = 100
		if i < len(speedOverride) {
			g.SpeedOverride = speedOverride[i]
		}
		g.Stats.Quality = -1
	}
	s.restore()
	return s
}

func (s *Set) restore() {
	if s.store == nil {
		return
	}
	statuses := s.store.GetIntList(VarGateStatus, nil)
	rds := s.store.GetFloatList(VarRotationDistances, nil)
	bls := s.store.GetFloatList(VarBowdenLengths, nil)
	for i := range s.gates {
		g := &s.gates[i]
		if i < len(statuses) {
			g.Status = Status(statuses[i])
		}
		if i < len(rds) {
			g.RotationDistance = rds[i]
		}
		if i < len(bls) {
			g.BowdenLength = bls[i]
		}
		if raw, ok := s.store.Get(statsKey(i)); ok {
			parseStats(raw, &g.Stats)
		}
	}
}

func statsKey(i int) string {
	return varGateStatsPrefix + strconv.Itoa(i)
}

// parseStats reads the comma list written by formatStats. Malformed
// input leaves the defaults untouched.
func parseStats(raw string, st *Stats) {
	parts := strings.Split(raw, ",")
	if len(parts) != 7 {
		return
	}
	f := make([]float64, 7)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return
		}
		f[i] = v
	}
	st.LoadDistance = f[0]
	st.LoadDelta = f[1]
	st.UnloadDistance = f[2]
	st.UnloadDelta = f[3]
	st.LoadFailures = int(f[4])
	st.UnloadFailures = int(f[5])
	st.Quality = f[6]
}

func formatStats(st *Stats) string {
	return persist.FormatFloatList([]float64{
		st.LoadDistance, st.LoadDelta,
		st.UnloadDistance, st.UnloadDelta,
		float64(st.LoadFailures), float64(st.UnloadFailures),
		st.Quality,
	})
}

// Len returns the number of gates.
func (s *Set) Len() int {
	return len(s.gates)
}

// Gate returns a snapshot of gate i.
func (s *Set) Gate(i int) Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gates[i]
}

// SetStatus updates gate availability and persists the status map
// immediately. Availability changes are the state a restart must see.
func (s *Set) SetStatus(i int, st Status) {
	s.mu.Lock()
	old := s.gates[i].Status
	s.gates[i].Status = st
	statuses := make([]int, len(s.gates))
	for j := range s.gates {
		statuses[j] = int(s.gates[j].Status)
	}
	store := s.store
	s.mu.Unlock()

	if old != st {
		s.logger.Info("gate %d status %s -> %s", i, old, st)
	}
	if store != nil {
		s.saveOrWarn(VarGateStatus, persist.FormatIntList(statuses), true)
	}
}

// SetRotationDistance records a calibrated rotation distance for gate i
// (batched persistence).
func (s *Set) SetRotationDistance(i int, rd float64) {
	s.mu.Lock()
	s.gates[i].RotationDistance = rd
	vals := make([]float64, len(s.gates))
	for j := range s.gates {
		vals[j] = s.gates[j].RotationDistance
	}
	store := s.store
	s.mu.Unlock()
	if store != nil {
		s.saveOrWarn(VarRotationDistances, persist.FormatFloatList(vals), false)
	}
}

// SetBowdenLength records a calibrated bowden length for gate i (batched
// persistence).
func (s *Set) SetBowdenLength(i int, bl float64) {
	s.mu.Lock()
	s.gates[i].BowdenLength = bl
	vals := make([]float64, len(s.gates))
	for j := range s.gates {
		vals[j] = s.gates[j].BowdenLength
	}
	store := s.store
	s.mu.Unlock()
	if store != nil {
		s.saveOrWarn(VarBowdenLengths, persist.FormatFloatList(vals), false)
	}
}

// UpdateQuality folds one move quality sample into the rolling average.
// The first sample replaces the -1 initial value; later samples are
// smoothed 9:1 in favor of history.
func (s *Set) UpdateQuality(i int, q float64) float64 {
	s.mu.Lock()
	st := &s.gates[i].Stats
	if st.Quality < 0 {
		st.Quality = q
	} else {
		st.Quality = (st.Quality*9 + q) / 10
	}
	out := st.Quality
	s.mu.Unlock()
	s.persistStats(i)
	return out
}

// TrackLoad accumulates distance/delta for a tracked load move.
func (s *Set) TrackLoad(i int, dist, delta float64) {
	s.mu.Lock()
	s.gates[i].Stats.LoadDistance += dist
	s.gates[i].Stats.LoadDelta += delta
	s.mu.Unlock()
	s.persistStats(i)
}

// TrackUnload accumulates distance/delta for a tracked unload move.
func (s *Set) TrackUnload(i int, dist, delta float64) {
	s.mu.Lock()
	s.gates[i].Stats.UnloadDistance += dist
	s.gates[i].Stats.UnloadDelta += delta
	s.mu.Unlock()
	s.persistStats(i)
}

// RecordLoadFailure bumps the load failure counter for gate i.
func (s *Set) RecordLoadFailure(i int) {
	s.mu.Lock()
	s.gates[i].Stats.LoadFailures++
	s.mu.Unlock()
	s.persistStats(i)
}

// RecordUnloadFailure bumps the unload failure counter for gate i.
func (s *Set) RecordUnloadFailure(i int) {
	s.mu.Lock()
	s.gates[i].Stats.UnloadFailures++
	s.mu.Unlock()
	s.persistStats(i)
}

func (s *Set) persistStats(i int) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	raw := formatStats(&s.gates[i].Stats)
	s.mu.Unlock()
	s.saveOrWarn(statsKey(i), raw, false)
}

func (s *Set) saveOrWarn(key, value string, write bool) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(key, value, write); err != nil {
		s.logger.Warn("failed to persist %s: %v", key, err)
	}
}

// Summary renders a one-line report per gate for the statistics output.
func (s *Set) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	for i := range s.gates {
		g := &s.gates[i]
		q := "n/a"
		if g.Stats.Quality >= 0 {
			q = fmt.Sprintf("%.1f%%", g.Stats.Quality*100)
		}
		fmt.Fprintf(&sb, "gate %d: %-9s quality %-6s load %.0fmm (%d fails) unload %.0fmm (%d fails)\n",
			i, g.Status, q,
			g.Stats.LoadDistance, g.Stats.LoadFailures,
			g.Stats.UnloadDistance, g.Stats.UnloadFailures)
	}
	return sb.String()
}
