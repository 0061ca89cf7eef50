// Flat key/value persistence for MMU state (save_variables equivalent)
//
// All persisted engine state (filament position, gate map, statistics,
// autotuned rotation distances) lives as opaque scalar/list values under
// string keys in a single cfg-style file. Writes are batched: callers ask
// for an immediate flush only on the few transitions that must survive a
// host restart.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"mmu-go-migration/pkg/config"
)

// SectionName is the section header used in the variables file.
const SectionName = "mmu_vars"

// Store is a flat key->value store with batched disk flush.
type Store struct {
	mu    sync.Mutex
	path  string
	vars  map[string]string
	dirty bool
}

// Open loads (or creates) the variables file at path.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		vars: make(map[string]string),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("persist: unable to load %s: %w", path, err)
	}
	sec := cfg.GetSectionOptional(SectionName)
	if sec != nil {
		for k, v := range sec.RawOptions() {
			s.vars[k] = v
		}
	}
	return s, nil
}

// Save records a value under key. When write is true the store is flushed
// to disk immediately; otherwise the change is batched until the next
// flush. Values are formatted with %v, so scalars and simple lists are
// supported; no structured values.
func (s *Store) Save(key string, value interface{}, write bool) error {
	s.mu.Lock()
	var str string
	switch v := value.(type) {
	case float64:
		str = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		str = v
	default:
		str = fmt.Sprintf("%v", v)
	}
	if s.vars[strings.ToLower(key)] != str {
		s.vars[strings.ToLower(key)] = str
		s.dirty = true
	}
	dirty := s.dirty
	s.mu.Unlock()

	if write && dirty {
		return s.Flush()
	}
	return nil
}

// Get returns the raw string value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[strings.ToLower(key)]
	return v, ok
}

// GetFloat returns a float value for key, or fallback when absent or
// unparseable.
func (s *Store) GetFloat(key string, fallback float64) float64 {
	if v, ok := s.Get(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetInt returns an int value for key, or fallback when absent or
// unparseable.
func (s *Store) GetInt(key string, fallback int) int {
	if v, ok := s.Get(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

// GetIntList returns a comma-separated int list for key, or fallback.
func (s *Store) GetIntList(key string, fallback []int) []int {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		i, err := strconv.Atoi(p)
		if err != nil {
			return fallback
		}
		result = append(result, i)
	}
	return result
}

// GetFloatList returns a comma-separated float list for key, or fallback.
func (s *Store) GetFloatList(key string, fallback []float64) []float64 {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return fallback
		}
		result = append(result, f)
	}
	return result
}

// FormatFloatList renders a float slice in the list format GetFloatList
// reads back.
func FormatFloatList(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ", ")
}

// FormatIntList renders an int slice in the list format GetIntList reads
// back.
func FormatIntList(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}

// Delete removes a key. The removal is batched like Save.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[strings.ToLower(key)]; ok {
		delete(s.vars, strings.ToLower(key))
		s.dirty = true
	}
}

// Dirty reports whether unflushed changes exist.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Flush writes the store atomically: content is written to a temp file in
// the same directory and renamed over the target while holding an
// advisory lock, so a concurrent reader (e.g. a web frontend tailing the
// vars file) never observes a partial write.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	content := s.buildContent()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".mmu-vars-*.tmp")
	if err != nil {
		return fmt.Errorf("persist: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := unix.Flock(int(tmp.Fd()), unix.LOCK_EX); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: failed to lock temp file: %w", err)
	}

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: failed to write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: failed to rename: %w", err)
	}

	s.dirty = false
	return nil
}

// buildContent generates the cfg-format variables file. Caller holds mu.
func (s *Store) buildContent() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(SectionName)
	sb.WriteString("]\n")

	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(s.vars[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
