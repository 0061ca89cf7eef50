// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequence

import (
	"fmt"
	"sync"

	"mmu-go-migration/pkg/persist"
)

// Persistence keys for swap statistics.
const (
	VarSwapsTotal   = "mmu_statistics_swaps_total"
	VarSwapsFailed  = "mmu_statistics_swaps_failed"
	VarSwapsRetried = "mmu_statistics_swaps_retried"
)

// Stats counts swap outcomes across the life of the unit.
type Stats struct {
	mu      sync.Mutex
	total   int
	failed  int
	retried int
	store   *persist.Store
}

// NewStats restores counters from the store; store may be nil.
func NewStats(store *persist.Store) *Stats {
	s := &Stats{store: store}
	if store != nil {
		s.total = store.GetInt(VarSwapsTotal, 0)
		s.failed = store.GetInt(VarSwapsFailed, 0)
		s.retried = store.GetInt(VarSwapsRetried, 0)
	}
	return s
}

func (s *Stats) save() {
	if s.store == nil {
		return
	}
	s.store.Save(VarSwapsTotal, s.total, false)
	s.store.Save(VarSwapsFailed, s.failed, false)
	s.store.Save(VarSwapsRetried, s.retried, false)
}

// NoteSwap records a completed swap.
func (s *Stats) NoteSwap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.save()
}

// NoteRetry records a whole-cycle swap retry.
func (s *Stats) NoteRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried++
	s.save()
}

// NoteFailure records an unrecovered swap failure.
func (s *Stats) NoteFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.save()
}

// Counts returns (total, failed, retried).
func (s *Stats) Counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.failed, s.retried
}

// Summary renders the counters for the statistics report.
func (s *Stats) Summary() string {
	total, failed, retried := s.Counts()
	return fmt.Sprintf("swaps: %d completed, %d failed, %d retried", total, failed, retried)
}
