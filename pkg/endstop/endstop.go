// Package endstop provides filament endstop reading and homing trigger
// delivery for the MMU transport engine. Endstops are identified by the
// canonical sensor names used throughout the engine (gate, gear, entry,
// toolhead) plus virtual endstops synthesized from the encoder.
package endstop

import (
	"errors"
	"sync"
	"time"
)

// Common errors
var (
	ErrEndstopTimeout   = errors.New("endstop: timeout waiting for trigger")
	ErrEndstopTriggered = errors.New("endstop: endstop triggered unexpectedly")
	ErrNotHoming        = errors.New("endstop: not in homing state")
	ErrUnknownEndstop   = errors.New("endstop: no such endstop")
)

// Canonical filament endstop names. The gate and gear endstops sit at
// the MMU unit, entry and toolhead at the extruder. Encoder and
// collision are virtual: their triggers are synthesized by the motion
// layer from encoder measurements.
const (
	NameGate      = "mmu_gate"
	NameGear      = "mmu_gear"
	NameEntry     = "mmu_entry"
	NameToolhead  = "mmu_toolhead"
	NameEncoder   = "encoder"
	NameCollision = "collision"
)

// EndstopState represents the current state of an endstop.
type EndstopState int

const (
	StateOpen EndstopState = iota
	StateTriggered
	StateUnknown
)

func (s EndstopState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Endstop represents a single filament switch or virtual endstop.
type Endstop struct {
	mu sync.RWMutex

	// Configuration
	name     string
	pin      string
	virtual  bool
	inverted bool

	// State
	state        EndstopState
	lastTrigger  float64
	debounceTime time.Duration
	lastDebounce time.Time

	// Homing state
	homing      bool
	homingDir   int // 1 or -1
	triggerChan chan float64

	// Callbacks
	onTrigger  func(eventtime float64, triggered bool)
	queryState func() (bool, error)
}

// EndstopConfig holds configuration for an endstop.
type EndstopConfig struct {
	Name         string
	Pin          string
	Virtual      bool
	Inverted     bool
	DebounceTime time.Duration
}

// DefaultEndstopConfig returns a default endstop configuration.
func DefaultEndstopConfig() EndstopConfig {
	return EndstopConfig{
		Name:         NameGate,
		DebounceTime: 1 * time.Millisecond,
	}
}

// New creates a new endstop.
func New(cfg EndstopConfig) *Endstop {
	return &Endstop{
		name:         cfg.Name,
		pin:          cfg.Pin,
		virtual:      cfg.Virtual,
		inverted:     cfg.Inverted,
		state:        StateUnknown,
		debounceTime: cfg.DebounceTime,
		triggerChan:  make(chan float64, 1),
	}
}

// SetQueryCallback sets the callback for querying endstop state.
func (e *Endstop) SetQueryCallback(fn func() (bool, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryState = fn
}

// SetStateCallback sets the callback invoked on every debounced state
// change, with the eventtime of the change. Runout handling and sync
// feedback subscribe here.
func (e *Endstop) SetStateCallback(fn func(eventtime float64, triggered bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrigger = fn
}

// HandleTrigger is called when the endstop closes, from the hardware
// event layer or the simulation.
func (e *Endstop) HandleTrigger(eventtime float64) {
	e.handleEdge(eventtime, true)
}

// HandleRelease is called when the endstop opens.
func (e *Endstop) HandleRelease(eventtime float64) {
	e.handleEdge(eventtime, false)
}

func (e *Endstop) handleEdge(eventtime float64, triggered bool) {
	e.mu.Lock()

	now := time.Now()
	if now.Sub(e.lastDebounce) < e.debounceTime {
		e.mu.Unlock()
		return
	}
	e.lastDebounce = now

	if triggered {
		e.state = StateTriggered
		e.lastTrigger = eventtime
	} else {
		e.state = StateOpen
	}

	homing := e.homing && triggered
	callback := e.onTrigger
	e.mu.Unlock()

	if homing {
		select {
		case e.triggerChan <- eventtime:
		default:
			// Trigger already pending
		}
	}

	if callback != nil {
		callback(eventtime, triggered)
	}
}

// Query queries the current endstop state through the hardware callback.
func (e *Endstop) Query() (EndstopState, error) {
	e.mu.RLock()
	query := e.queryState
	inverted := e.inverted
	e.mu.RUnlock()

	if query == nil {
		return StateUnknown, errors.New("endstop: no query callback set")
	}

	triggered, err := query()
	if err != nil {
		return StateUnknown, err
	}

	if inverted {
		triggered = !triggered
	}

	e.mu.Lock()
	if triggered {
		e.state = StateTriggered
	} else {
		e.state = StateOpen
	}
	state := e.state
	e.mu.Unlock()

	return state, nil
}

// GetState returns the last known state.
func (e *Endstop) GetState() EndstopState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetName returns the endstop name.
func (e *Endstop) GetName() string {
	return e.name
}

// IsVirtual reports whether this endstop is synthesized from encoder
// measurements rather than a physical switch.
func (e *Endstop) IsVirtual() bool {
	return e.virtual
}

// IsTriggered returns true if the endstop is currently triggered.
func (e *Endstop) IsTriggered() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateTriggered
}

// StartHoming starts homing mode for this endstop. direction is the
// filament travel direction being homed (1 load, -1 unload).
func (e *Endstop) StartHoming(direction int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.homing = true
	e.homingDir = direction

	// Clear stale trigger
	select {
	case <-e.triggerChan:
	default:
	}

	return nil
}

// WaitForTrigger waits for the endstop to trigger during homing and
// returns the trigger eventtime.
func (e *Endstop) WaitForTrigger(timeout time.Duration) (float64, error) {
	e.mu.RLock()
	if !e.homing {
		e.mu.RUnlock()
		return 0, ErrNotHoming
	}
	triggerChan := e.triggerChan
	e.mu.RUnlock()

	select {
	case eventtime := <-triggerChan:
		return eventtime, nil
	case <-time.After(timeout):
		return 0, ErrEndstopTimeout
	}
}

// StopHoming stops homing mode.
func (e *Endstop) StopHoming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.homing = false
}

// IsHoming returns true if homing is active.
func (e *Endstop) IsHoming() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.homing
}

// LastTrigger returns the eventtime of the last trigger.
func (e *Endstop) LastTrigger() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastTrigger
}

// Status holds endstop status information.
type Status struct {
	Name        string
	State       string
	IsTriggered bool
	IsHoming    bool
	LastTrigger float64
}

// GetStatus returns the current endstop status.
func (e *Endstop) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Status{
		Name:        e.name,
		State:       e.state.String(),
		IsTriggered: e.state == StateTriggered,
		IsHoming:    e.homing,
		LastTrigger: e.lastTrigger,
	}
}

// Registry holds the named filament endstops of one MMU unit.
type Registry struct {
	mu       sync.RWMutex
	endstops map[string]*Endstop
}

// NewRegistry creates an empty endstop registry.
func NewRegistry() *Registry {
	return &Registry{endstops: make(map[string]*Endstop)}
}

// Register adds an endstop under its name, replacing any previous one.
func (r *Registry) Register(e *Endstop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endstops[e.GetName()] = e
}

// Lookup returns the endstop registered under name.
func (r *Registry) Lookup(name string) (*Endstop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endstops[name]
	return e, ok
}

// Names returns the registered endstop names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endstops))
	for n := range r.endstops {
		names = append(names, n)
	}
	return names
}

// QueryAll queries every registered physical endstop and returns those
// currently triggered. Virtual endstops have no queryable switch and
// are skipped.
func (r *Registry) QueryAll() ([]*Endstop, error) {
	r.mu.RLock()
	endstops := make([]*Endstop, 0, len(r.endstops))
	for _, e := range r.endstops {
		endstops = append(endstops, e)
	}
	r.mu.RUnlock()

	var triggered []*Endstop
	for _, e := range endstops {
		if e.IsVirtual() {
			continue
		}
		state, err := e.Query()
		if err != nil {
			return nil, err
		}
		if state == StateTriggered {
			triggered = append(triggered, e)
		}
	}
	return triggered, nil
}
