// Package reactor schedules the engine's periodic and deferred work:
// the sync feedback watchdog tick, EndGuard arm/pause one-shots, and
// espooler burst stops. Timers carry float64 waketimes on a shared
// monotonic clock; a timer parked at NEVER stays registered and can be
// rescheduled with UpdateTimer.
package reactor

import (
	"container/heap"
	"sync"
	"time"
)

// NEVER parks a timer without unregistering it.
const NEVER = 9999999999999999.0

// TimerCallback runs when a timer comes due. It receives the event time
// and returns the next waketime, or NEVER to park.
type TimerCallback func(eventtime float64) float64

// Timer is a schedulable entry owned by one Reactor.
type Timer struct {
	cb       TimerCallback
	waketime float64
	index    int // heap position, -1 when popped
	oneshot  bool

	// running is set while cb executes; an UpdateTimer arriving during
	// the callback lands in pending and is merged when it returns.
	running    bool
	pending    float64
	hasPending bool
}

// timerQueue orders timers by waketime, earliest first.
type timerQueue []*Timer

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].waketime < q[j].waketime }
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *timerQueue) Push(x interface{}) { t := x.(*Timer); t.index = len(*q); *q = append(*q, t) }
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Reactor dispatches timers from a single goroutine.
type Reactor struct {
	mu    sync.Mutex
	queue timerQueue

	kick    chan struct{}
	done    chan struct{}
	started bool
	ended   bool
	start   time.Time
}

// New creates an idle Reactor. Call Run to start dispatching.
func New() *Reactor {
	return &Reactor{
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		start: time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created. All
// waketimes and event times are on this clock.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.start).Seconds()
}

// Waketime returns the timer's next scheduled waketime.
func (r *Reactor) Waketime(t *Timer) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.waketime
}

// RegisterTimer adds a timer firing at waketime. The timer stays
// registered across firings until its callback returns NEVER, and even
// then can be rescheduled with UpdateTimer.
func (r *Reactor) RegisterTimer(cb TimerCallback, waketime float64) *Timer {
	t := &Timer{cb: cb, waketime: waketime, index: -1}
	r.mu.Lock()
	heap.Push(&r.queue, t)
	r.mu.Unlock()
	r.wake()
	return t
}

// UpdateTimer reschedules a timer. Calling from inside the timer's own
// callback is allowed; the earlier of the requested time and the
// callback's return value wins.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	if t.running {
		if !t.hasPending || waketime < t.pending {
			t.pending = waketime
			t.hasPending = true
		}
		r.mu.Unlock()
		return
	}
	t.waketime = waketime
	if t.index >= 0 {
		heap.Fix(&r.queue, t.index)
	} else {
		heap.Push(&r.queue, t)
	}
	r.mu.Unlock()
	r.wake()
}

// RegisterCallback schedules fn to run once at waketime. This is the
// deferred one-shot the EndGuard arming and pause delivery use; the
// delay is load-bearing, so fn never runs synchronously even when
// waketime is already past.
func (r *Reactor) RegisterCallback(fn func(eventtime float64), waketime float64) {
	t := &Timer{waketime: waketime, index: -1, oneshot: true}
	t.cb = func(eventtime float64) float64 {
		fn(eventtime)
		return NEVER
	}
	r.mu.Lock()
	heap.Push(&r.queue, t)
	r.mu.Unlock()
	r.wake()
}

// Run starts the dispatch goroutine. Calling Run again is a no-op.
func (r *Reactor) Run() {
	r.mu.Lock()
	if r.started || r.ended {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.dispatch()
}

// End stops dispatching. Timers due after End never fire.
func (r *Reactor) End() {
	r.mu.Lock()
	if !r.ended {
		r.ended = true
		close(r.done)
	}
	r.mu.Unlock()
}

func (r *Reactor) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// dispatch pops due timers one at a time, running each callback outside
// the lock so callbacks can register or reschedule timers.
func (r *Reactor) dispatch() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.mu.Lock()
		now := r.Monotonic()
		if len(r.queue) == 0 || r.queue[0].waketime > now {
			delay := time.Second
			if len(r.queue) > 0 && r.queue[0].waketime < NEVER {
				if d := time.Duration((r.queue[0].waketime - now) * float64(time.Second)); d < delay {
					delay = d
				}
			}
			r.mu.Unlock()
			select {
			case <-time.After(delay):
			case <-r.kick:
			case <-r.done:
				return
			}
			continue
		}

		t := heap.Pop(&r.queue).(*Timer)
		t.running = true
		r.mu.Unlock()

		next := t.cb(now)

		r.mu.Lock()
		t.running = false
		if t.hasPending && t.pending < next {
			next = t.pending
		}
		t.hasPending = false
		t.waketime = next
		if !(t.oneshot && next >= NEVER) {
			heap.Push(&r.queue, t)
		}
		r.mu.Unlock()
	}
}
