// Unified error handling for the MMU filament transport engine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmuerr

import (
	"errors"
	"fmt"
)

// Reason categorizes a transport failure. Every failure in the engine is
// reported as a single TransportError carrying one of these reasons plus a
// human-readable cause string that survives propagation verbatim.
type Reason string

const (
	// ReasonSensorMismatch indicates sensor readings contradict the
	// believed filament position (malfunction suspected).
	ReasonSensorMismatch Reason = "SENSOR_MISMATCH"

	// ReasonExcessSlippage indicates measured movement fell short of the
	// commanded distance beyond tolerance.
	ReasonExcessSlippage Reason = "EXCESS_SLIPPAGE"

	// ReasonHomingTimeout indicates a homing move completed without the
	// endstop triggering.
	ReasonHomingTimeout Reason = "HOMING_TIMEOUT"

	// ReasonEncoderInactive indicates the encoder registered no movement
	// where motion was expected.
	ReasonEncoderInactive Reason = "ENCODER_INACTIVE"

	// ReasonEndGuardTrip indicates the EndGuard watchdog latched while
	// the sync sensor sat at its travel limit.
	ReasonEndGuardTrip Reason = "ENDGUARD_TRIP"

	// ReasonRetriesExhausted indicates a bounded stage retry loop ran out
	// of attempts.
	ReasonRetriesExhausted Reason = "RETRIES_EXHAUSTED"

	// ReasonCommsTimeout indicates a transient motion-bus communication
	// timeout during a physical move.
	ReasonCommsTimeout Reason = "COMMS_TIMEOUT"

	// ReasonNotCalibrated indicates an operation required calibration
	// data that is missing (-1 sentinel).
	ReasonNotCalibrated Reason = "NOT_CALIBRATED"

	// ReasonHookFailed indicates a user macro hook raised an error that
	// was flagged fatal.
	ReasonHookFailed Reason = "HOOK_FAILED"

	// ReasonInvalidState indicates an operation was attempted from a
	// filament position it cannot proceed from.
	ReasonInvalidState Reason = "INVALID_STATE"
)

// TransportError is the single error kind raised by the transport engine.
type TransportError struct {
	// Reason is the failure category.
	Reason Reason

	// Cause is the human-readable cause, preserved verbatim up to the
	// top-level boundary that converts it into a pause.
	Cause string

	// Gate is the gate involved, or -1 when not gate-specific.
	Gate int

	// Err wraps an underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Gate >= 0 {
		return fmt.Sprintf("[%s] gate %d: %s", e.Reason, e.Gate, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Reason, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// SetGate attaches the gate index to the error.
func (e *TransportError) SetGate(gate int) *TransportError {
	e.Gate = gate
	return e
}

// New creates a TransportError with a formatted cause.
func New(reason Reason, format string, args ...interface{}) *TransportError {
	return &TransportError{
		Reason: reason,
		Cause:  fmt.Sprintf(format, args...),
		Gate:   -1,
	}
}

// Wrap wraps an existing error, preserving its message as the cause when
// no explicit cause is given.
func Wrap(err error, reason Reason, format string, args ...interface{}) *TransportError {
	cause := fmt.Sprintf(format, args...)
	if cause == "" && err != nil {
		cause = err.Error()
	}
	return &TransportError{
		Reason: reason,
		Cause:  cause,
		Gate:   -1,
		Err:    err,
	}
}

// Rewrap prefixes an upstream TransportError's cause while keeping its
// reason, used when the orchestrator re-raises a stage failure.
func Rewrap(err error, format string, args ...interface{}) *TransportError {
	prefix := fmt.Sprintf(format, args...)
	var te *TransportError
	if errors.As(err, &te) {
		return &TransportError{
			Reason: te.Reason,
			Cause:  prefix + ": " + te.Cause,
			Gate:   te.Gate,
			Err:    err,
		}
	}
	return &TransportError{
		Reason: ReasonInvalidState,
		Cause:  prefix + ": " + err.Error(),
		Gate:   -1,
		Err:    err,
	}
}

// Is reports whether err is a TransportError with the given reason.
func Is(err error, reason Reason) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Reason == reason
	}
	return false
}

// CauseOf extracts the human-readable cause from err, falling back to
// err.Error() for foreign errors.
func CauseOf(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Cause
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsRecoverable reports whether the failure category has a cheap local
// corrective action (bounded correction move or reduced-speed retry).
func IsRecoverable(err error) bool {
	return Is(err, ReasonCommsTimeout) || Is(err, ReasonExcessSlippage)
}
