// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequence

import (
	"sync"

	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/mmuerr"
)

// Hook is a user macro attached to a stage boundary.
type Hook func() error

// Well-known hook points around the swap pipeline.
const (
	HookPreLoad    = "pre_load"
	HookPostLoad   = "post_load"
	HookPreUnload  = "pre_unload"
	HookPostUnload = "post_unload"
)

// TipFormFunc forms the filament tip before an unload and reports the
// park position: how far into the extruder the tip was left, in mm from
// the nozzle. A negative park position means unknown.
type TipFormFunc func() (parkPos float64, err error)

// HookRunner dispatches named hooks. Hook errors are either fatal
// (converted to a TransportError and propagated) or logged, per call;
// they are never silently dropped.
type HookRunner struct {
	mu     sync.Mutex
	hooks  map[string]Hook
	logger *log.Logger
}

// NewHookRunner creates an empty hook registry.
func NewHookRunner() *HookRunner {
	return &HookRunner{
		hooks:  make(map[string]Hook),
		logger: log.GetLogger("mmu.hooks"),
	}
}

// Register attaches a hook to a named point, replacing any previous
// one. A nil hook detaches.
func (h *HookRunner) Register(name string, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hook == nil {
		delete(h.hooks, name)
		return
	}
	h.hooks[name] = hook
}

// Run invokes the hook registered at name. Unregistered names are a
// no-op. When fatal is false a hook error is logged and swallowed.
func (h *HookRunner) Run(name string, fatal bool) error {
	h.mu.Lock()
	hook := h.hooks[name]
	h.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(); err != nil {
		if fatal {
			return mmuerr.Wrap(err, mmuerr.ReasonHookFailed, "hook %s failed", name)
		}
		h.logger.Warn("hook %s failed (non-fatal): %v", name, err)
	}
	return nil
}
