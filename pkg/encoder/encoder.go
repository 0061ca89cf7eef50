// Filament travel encoder model
//
// Converts quadrature pulse counts into filament travel distance and
// derives the flow/headroom telemetry used for clog detection and load
// validation. Pulses arrive from the hardware layer (or a simulation)
// via AddCounts; the rest of the engine only reads distances.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package encoder

import (
	"sync"

	"mmu-go-migration/pkg/log"
)

// Encoder tracks filament travel in mm from raw pulse counts.
type Encoder struct {
	mu sync.Mutex

	// resolution is mm of filament travel per pulse.
	resolution float64
	counts     int64
	distance   float64

	enabled    bool
	lastEnable float64

	// Clog/flow telemetry. Headroom is how much further the extruder
	// may advance without encoder echo before a clog is declared.
	clogLength    float64
	headroom      float64
	minHeadroom   float64
	flowRate      float64
	lastExtruder  float64
	extruderValid bool

	logger *log.Logger
}

// New creates an encoder with the given resolution (mm per pulse) and
// clog detection length (mm of unechoed extrusion tolerated).
func New(resolution, clogLength float64) *Encoder {
	return &Encoder{
		resolution:  resolution,
		clogLength:  clogLength,
		headroom:    clogLength,
		minHeadroom: clogLength,
		flowRate:    100,
		logger:      log.GetLogger("mmu.encoder"),
	}
}

// Resolution returns mm of travel per pulse.
func (e *Encoder) Resolution() float64 {
	return e.resolution
}

// AddCounts feeds pulses observed at eventtime. Counts are unsigned;
// the encoder cannot distinguish direction, only travel.
func (e *Encoder) AddCounts(n int, eventtime float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.counts += int64(n)
	e.distance += float64(n) * e.resolution
	// Echoed travel restores headroom up to the configured ceiling.
	e.headroom += float64(n) * e.resolution
	if e.headroom > e.clogLength {
		e.headroom = e.clogLength
	}
}

// Counts returns the raw pulse count since the last reset.
func (e *Encoder) Counts() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// Distance returns accumulated filament travel in mm.
func (e *Encoder) Distance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distance
}

// SetDistance rebases the travel odometer (e.g. to zero before a
// measured move).
func (e *Encoder) SetDistance(d float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.distance = d
	e.counts = int64(d / e.resolution)
}

// Enable starts pulse accounting and records the enable timestamp so
// stale events queued from before the enable can be discarded.
func (e *Encoder) Enable(eventtime float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return
	}
	e.enabled = true
	e.lastEnable = eventtime
	e.headroom = e.clogLength
	e.extruderValid = false
}

// Disable stops pulse accounting.
func (e *Encoder) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = false
}

// Enabled reports whether pulses are being counted.
func (e *Encoder) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// LastEnable returns the eventtime of the most recent Enable.
func (e *Encoder) LastEnable() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEnable
}

// ClogLength returns the configured clog detection length.
func (e *Encoder) ClogLength() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clogLength
}

// SetClogLength adjusts the clog detection length at runtime.
func (e *Encoder) SetClogLength(l float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clogLength = l
	if e.headroom > l {
		e.headroom = l
	}
	if e.minHeadroom > l {
		e.minHeadroom = l
	}
}

// UpdateTelemetry folds a new extruder position sample into the flow
// telemetry. Extruder advance consumes headroom; encoder echo restores
// it in AddCounts. Returns the remaining headroom.
func (e *Encoder) UpdateTelemetry(extruderPos float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.extruderValid {
		e.lastExtruder = extruderPos
		e.extruderValid = true
		return e.headroom
	}
	advance := extruderPos - e.lastExtruder
	e.lastExtruder = extruderPos
	if advance > 0 {
		e.headroom -= advance
		if e.headroom < e.minHeadroom {
			e.minHeadroom = e.headroom
		}
		// Flow rate is encoder echo over extruder demand, percent,
		// smoothed to damp quantization from the pulse resolution.
		instant := 100.0
		if advance > 0 {
			echoed := advance + (e.headroom - e.clogLength)
			if echoed < 0 {
				echoed = 0
			}
			instant = 100 * echoed / advance
			if instant > 100 {
				instant = 100
			}
		}
		e.flowRate = (e.flowRate*9 + instant) / 10
	}
	return e.headroom
}

// Headroom returns the current clog headroom in mm.
func (e *Encoder) Headroom() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.headroom
}

// MinHeadroom returns the tightest headroom seen since the last reset.
func (e *Encoder) MinHeadroom() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minHeadroom
}

// ResetTelemetry restores headroom tracking to the configured ceiling.
func (e *Encoder) ResetTelemetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.headroom = e.clogLength
	e.minHeadroom = e.clogLength
	e.flowRate = 100
	e.extruderValid = false
}

// FlowRate returns the smoothed encoder/extruder flow percentage.
func (e *Encoder) FlowRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flowRate
}
