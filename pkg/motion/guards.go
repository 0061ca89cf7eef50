// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"mmu-go-migration/pkg/mmuerr"
)

// RotationDistanceGuard holds a temporary rotation distance override.
// While held, no other writer (gate selection, sync feedback) can touch
// the value. Restore must run on every exit path; it is idempotent.
type RotationDistanceGuard struct {
	c        *Controller
	prev     float64
	released bool
}

// LockRotationDistance applies rd and locks the value until Restore.
func (c *Controller) LockRotationDistance(rd float64) (*RotationDistanceGuard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdLocked {
		return nil, mmuerr.New(mmuerr.ReasonInvalidState,
			"rotation distance already locked")
	}
	g := &RotationDistanceGuard{c: c, prev: c.gear.RotationDistance()}
	c.gear.SetRotationDistance(rd)
	c.rdLocked = true
	return g, nil
}

// Restore puts the previous rotation distance back and releases the
// lock.
func (g *RotationDistanceGuard) Restore() {
	if g.released {
		return
	}
	g.released = true
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	g.c.gear.SetRotationDistance(g.prev)
	g.c.rdLocked = false
}

// CurrentGuard holds a temporary gear run-current override, used for
// collision homing where reduced current makes the stall harmless.
type CurrentGuard struct {
	c        *Controller
	prev     int
	released bool
}

// LockCurrent applies pct percent of the configured run current and
// locks the value until Restore.
func (c *Controller) LockCurrent(pct int) (*CurrentGuard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.curLocked {
		return nil, mmuerr.New(mmuerr.ReasonInvalidState,
			"gear current already locked")
	}
	g := &CurrentGuard{c: c, prev: c.gear.CurrentPercent()}
	c.gear.SetCurrentPercent(pct)
	c.curLocked = true
	return g, nil
}

// Restore puts the previous current back and releases the lock.
func (g *CurrentGuard) Restore() {
	if g.released {
		return
	}
	g.released = true
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	g.c.gear.SetCurrentPercent(g.prev)
	g.c.curLocked = false
}
