package mmuerr

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ReasonHomingTimeout, "failed to reach extruder after %.1fmm", 50.0)
	if got := err.Error(); got != "[HOMING_TIMEOUT] failed to reach extruder after 50.0mm" {
		t.Errorf("unexpected message: %q", got)
	}

	err.SetGate(3)
	if !strings.Contains(err.Error(), "gate 3") {
		t.Errorf("gate missing from message: %q", err.Error())
	}
}

func TestIs(t *testing.T) {
	err := New(ReasonExcessSlippage, "delta 12.0mm over tolerance")
	if !Is(err, ReasonExcessSlippage) {
		t.Error("Is should match the reason")
	}
	if Is(err, ReasonHomingTimeout) {
		t.Error("Is should not match a different reason")
	}
	if Is(errors.New("plain"), ReasonExcessSlippage) {
		t.Error("Is should not match foreign errors")
	}
}

func TestRewrapPreservesReasonAndCause(t *testing.T) {
	inner := New(ReasonRetriesExhausted, "no filament detected at gate").SetGate(1)
	outer := Rewrap(inner, "load sequence failed")

	if !Is(outer, ReasonRetriesExhausted) {
		t.Error("Rewrap should keep the inner reason")
	}
	if outer.Gate != 1 {
		t.Errorf("Rewrap should keep the gate, got %d", outer.Gate)
	}
	want := "load sequence failed: no filament detected at gate"
	if CauseOf(outer) != want {
		t.Errorf("cause = %q, want %q", CauseOf(outer), want)
	}
	if !errors.Is(outer, inner) {
		t.Error("Rewrap should wrap the inner error")
	}
}

func TestCauseOfForeignError(t *testing.T) {
	if CauseOf(errors.New("boom")) != "boom" {
		t.Error("CauseOf should fall back to Error() for foreign errors")
	}
	if CauseOf(nil) != "" {
		t.Error("CauseOf(nil) should be empty")
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(New(ReasonCommsTimeout, "timeout")) {
		t.Error("comms timeout is recoverable")
	}
	if IsRecoverable(New(ReasonEndGuardTrip, "trip")) {
		t.Error("EndGuard trip is not recoverable")
	}
}
