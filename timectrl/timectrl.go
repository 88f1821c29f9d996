package timectrl

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock access so phase timings can be tested.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock constructs a clock stopped at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// SetTime moves the clock to t.
func (c *ManualClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// PhaseTiming is the measured duration of one named phase.
type PhaseTiming struct {
	Name     string
	Started  time.Time
	Duration time.Duration
}

// PhaseTimer measures consecutive phases of a run (load, generate, save)
// and notifies registered listeners as each one finishes.
type PhaseTimer struct {
	mu        sync.Mutex
	clock     Clock
	phases    []PhaseTiming
	listeners []func(PhaseTiming)
}

// NewPhaseTimer constructs a timer on clock. A nil clock uses RealClock.
func NewPhaseTimer(clock Clock) *PhaseTimer {
	if clock == nil {
		clock = RealClock{}
	}
	return &PhaseTimer{clock: clock}
}

// AddListener registers a callback invoked when a phase finishes.
func (pt *PhaseTimer) AddListener(fn func(PhaseTiming)) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.listeners = append(pt.listeners, fn)
}

// Start begins timing name. The returned function stops the phase and
// returns its duration; calling it more than once has no further effect.
func (pt *PhaseTimer) Start(name string) (stop func() time.Duration) {
	started := pt.clock.Now()
	var (
		once sync.Once
		d    time.Duration
	)
	return func() time.Duration {
		once.Do(func() {
			d = pt.clock.Now().Sub(started)
			timing := PhaseTiming{Name: name, Started: started, Duration: d}

			pt.mu.Lock()
			pt.phases = append(pt.phases, timing)
			listeners := append(([]func(PhaseTiming))(nil), pt.listeners...)
			pt.mu.Unlock()

			for _, fn := range listeners {
				fn(timing)
			}
		})
		return d
	}
}

// Phases returns the finished phases in completion order.
func (pt *PhaseTimer) Phases() []PhaseTiming {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return append([]PhaseTiming(nil), pt.phases...)
}

// Total sums the durations of every finished phase.
func (pt *PhaseTimer) Total() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var total time.Duration
	for _, p := range pt.phases {
		total += p.Duration
	}
	return total
}
