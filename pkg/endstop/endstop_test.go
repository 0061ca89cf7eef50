package endstop

import (
	"testing"
	"time"
)

func TestDefaultEndstopConfig(t *testing.T) {
	cfg := DefaultEndstopConfig()

	if cfg.Name != NameGate {
		t.Errorf("Name = %s, want %s", cfg.Name, NameGate)
	}
	if cfg.Inverted {
		t.Error("Inverted should be false by default")
	}
	if cfg.DebounceTime != 1*time.Millisecond {
		t.Errorf("DebounceTime = %v, want 1ms", cfg.DebounceTime)
	}
}

func TestNew(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.Name = NameToolhead

	e := New(cfg)

	if e == nil {
		t.Fatal("New returned nil")
	}
	if e.GetName() != NameToolhead {
		t.Errorf("Name = %s, want %s", e.GetName(), NameToolhead)
	}
	if e.GetState() != StateUnknown {
		t.Errorf("Initial state = %s, want unknown", e.GetState())
	}
}

func TestEndstopStateString(t *testing.T) {
	tests := []struct {
		state    EndstopState
		expected string
	}{
		{StateOpen, "open"},
		{StateTriggered, "triggered"},
		{StateUnknown, "unknown"},
		{EndstopState(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("State %d String() = %s, want %s", tt.state, tt.state.String(), tt.expected)
		}
	}
}

func TestHandleTriggerAndRelease(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.DebounceTime = 0 // Disable debounce for testing
	e := New(cfg)

	var gotEventtime float64
	var gotTriggered bool
	calls := 0
	e.SetStateCallback(func(eventtime float64, triggered bool) {
		calls++
		gotEventtime = eventtime
		gotTriggered = triggered
	})

	e.HandleTrigger(12.345)

	if e.GetState() != StateTriggered {
		t.Errorf("State = %s, want triggered", e.GetState())
	}
	if !e.IsTriggered() {
		t.Error("IsTriggered should return true")
	}
	if calls != 1 || !gotTriggered || gotEventtime != 12.345 {
		t.Errorf("callback = (%d calls, %v, %f), want (1, true, 12.345)",
			calls, gotTriggered, gotEventtime)
	}
	if got := e.LastTrigger(); got != 12.345 {
		t.Errorf("LastTrigger = %f, want 12.345", got)
	}

	e.HandleRelease(12.400)
	if e.GetState() != StateOpen {
		t.Errorf("State after release = %s, want open", e.GetState())
	}
	if calls != 2 || gotTriggered {
		t.Errorf("release callback = (%d calls, %v), want (2, false)", calls, gotTriggered)
	}
	// Release does not move the trigger timestamp.
	if got := e.LastTrigger(); got != 12.345 {
		t.Errorf("LastTrigger after release = %f, want 12.345", got)
	}
}

func TestDebounce(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.DebounceTime = 50 * time.Millisecond
	e := New(cfg)

	triggerCount := 0
	e.SetStateCallback(func(eventtime float64, triggered bool) {
		triggerCount++
	})

	e.HandleTrigger(1.0)
	if triggerCount != 1 {
		t.Errorf("First trigger: count = %d, want 1", triggerCount)
	}

	// Immediate second edge should be debounced
	e.HandleTrigger(1.001)
	if triggerCount != 1 {
		t.Errorf("Second trigger (debounced): count = %d, want 1", triggerCount)
	}

	time.Sleep(60 * time.Millisecond)

	e.HandleTrigger(1.1)
	if triggerCount != 2 {
		t.Errorf("Third trigger: count = %d, want 2", triggerCount)
	}
}

func TestQuery(t *testing.T) {
	cfg := DefaultEndstopConfig()
	e := New(cfg)

	// Without callback, should return error
	state, err := e.Query()
	if err == nil {
		t.Error("Query without callback should return error")
	}
	if state != StateUnknown {
		t.Errorf("State = %s, want unknown", state)
	}

	queryResult := false
	e.SetQueryCallback(func() (bool, error) {
		return queryResult, nil
	})

	queryResult = false
	state, err = e.Query()
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	if state != StateOpen {
		t.Errorf("State = %s, want open", state)
	}

	queryResult = true
	state, err = e.Query()
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	if state != StateTriggered {
		t.Errorf("State = %s, want triggered", state)
	}
}

func TestQueryInverted(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.Inverted = true
	e := New(cfg)

	queryResult := false
	e.SetQueryCallback(func() (bool, error) {
		return queryResult, nil
	})

	// With inverted=true, false from query means triggered
	state, err := e.Query()
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	if state != StateTriggered {
		t.Errorf("Inverted state = %s, want triggered", state)
	}

	queryResult = true
	state, err = e.Query()
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	if state != StateOpen {
		t.Errorf("Inverted state = %s, want open", state)
	}
}

func TestHoming(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.DebounceTime = 0
	e := New(cfg)

	if e.IsHoming() {
		t.Error("Should not be homing initially")
	}

	if err := e.StartHoming(1); err != nil {
		t.Errorf("StartHoming failed: %v", err)
	}
	if !e.IsHoming() {
		t.Error("Should be homing after StartHoming")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.HandleTrigger(54.321)
	}()

	eventtime, err := e.WaitForTrigger(100 * time.Millisecond)
	if err != nil {
		t.Errorf("WaitForTrigger failed: %v", err)
	}
	if eventtime != 54.321 {
		t.Errorf("Trigger eventtime = %f, want 54.321", eventtime)
	}

	e.StopHoming()
	if e.IsHoming() {
		t.Error("Should not be homing after StopHoming")
	}
}

func TestHomingIgnoresRelease(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.DebounceTime = 0
	e := New(cfg)

	if err := e.StartHoming(1); err != nil {
		t.Fatal(err)
	}

	// An opening edge must not complete a homing wait.
	e.HandleRelease(1.0)
	_, err := e.WaitForTrigger(30 * time.Millisecond)
	if err != ErrEndstopTimeout {
		t.Errorf("Expected ErrEndstopTimeout, got %v", err)
	}
}

func TestHomingTimeout(t *testing.T) {
	cfg := DefaultEndstopConfig()
	e := New(cfg)

	if err := e.StartHoming(1); err != nil {
		t.Errorf("StartHoming failed: %v", err)
	}

	_, err := e.WaitForTrigger(50 * time.Millisecond)
	if err != ErrEndstopTimeout {
		t.Errorf("Expected ErrEndstopTimeout, got %v", err)
	}
}

func TestWaitForTriggerNotHoming(t *testing.T) {
	cfg := DefaultEndstopConfig()
	e := New(cfg)

	_, err := e.WaitForTrigger(100 * time.Millisecond)
	if err != ErrNotHoming {
		t.Errorf("Expected ErrNotHoming, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.Name = NameEntry
	cfg.DebounceTime = 0
	e := New(cfg)

	status := e.GetStatus()
	if status.Name != NameEntry {
		t.Errorf("Status.Name = %s, want %s", status.Name, NameEntry)
	}
	if status.State != "unknown" {
		t.Errorf("Status.State = %s, want unknown", status.State)
	}
	if status.IsTriggered {
		t.Error("Status.IsTriggered should be false")
	}
	if status.IsHoming {
		t.Error("Status.IsHoming should be false")
	}

	e.HandleTrigger(1.0)
	status = e.GetStatus()
	if status.State != "triggered" {
		t.Errorf("Status.State = %s, want triggered", status.State)
	}
	if !status.IsTriggered {
		t.Error("Status.IsTriggered should be true")
	}

	e.StartHoming(1)
	status = e.GetStatus()
	if !status.IsHoming {
		t.Error("Status.IsHoming should be true")
	}
}

// Registry tests

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	cfg := DefaultEndstopConfig()
	cfg.Name = NameGate
	gate := New(cfg)

	cfg.Name = NameToolhead
	toolhead := New(cfg)

	r.Register(gate)
	r.Register(toolhead)

	if e, ok := r.Lookup(NameGate); !ok || e != gate {
		t.Error("gate endstop lookup failed")
	}
	if _, ok := r.Lookup(NameGear); ok {
		t.Error("lookup of unregistered endstop should fail")
	}
	if len(r.Names()) != 2 {
		t.Errorf("Names() = %v, want 2 entries", r.Names())
	}
}

func TestRegistryQueryAllSkipsVirtual(t *testing.T) {
	r := NewRegistry()

	cfg := DefaultEndstopConfig()
	cfg.Name = NameGate
	gate := New(cfg)
	gate.SetQueryCallback(func() (bool, error) { return true, nil })

	cfg.Name = NameCollision
	cfg.Virtual = true
	collision := New(cfg)
	// Virtual endstops carry no query callback; QueryAll must not fail.

	r.Register(gate)
	r.Register(collision)

	triggered, err := r.QueryAll()
	if err != nil {
		t.Fatalf("QueryAll failed: %v", err)
	}
	if len(triggered) != 1 || triggered[0] != gate {
		t.Errorf("QueryAll = %v, want just the gate endstop", triggered)
	}
}
