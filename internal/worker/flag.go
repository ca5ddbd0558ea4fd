// Package worker implements the work peer: it consumes business
// operations and fan-out probe tasks from the broker, and self-reports
// UNHEALTHY while a recent processing failure is inside the rolling
// window.
package worker

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultUnhealthyWindow is how long a processing failure keeps the
// worker self-reporting UNHEALTHY.
const DefaultUnhealthyWindow = 30 * time.Second

// HealthFlag is the rolling failure signal. It decays by wall clock, not
// by later successes.
type HealthFlag struct {
	window      time.Duration
	lastFailure atomic.Int64 // unix nanos, zero = never
}

// NewHealthFlag creates a flag with the given decay window.
func NewHealthFlag(window time.Duration) *HealthFlag {
	return &HealthFlag{window: window}
}

// RecordFailure stamps the flag with the current time.
func (f *HealthFlag) RecordFailure() {
	f.lastFailure.Store(time.Now().UnixNano())
}

// Unhealthy reports whether a failure happened within the window.
func (f *HealthFlag) Unhealthy() bool {
	last := f.lastFailure.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < f.window
}

// Injector is the worker's fault-injection knob, driven by the config
// API so experiments can force processing failures on demand.
type Injector struct {
	mu          sync.Mutex
	rate        float64
	force       bool
	lastFailure *time.Time
}

// InjectorState is the config API's view of the injector.
type InjectorState struct {
	FailureRate  float64 `json:"failure_rate"`
	ForceFailure bool    `json:"force_failure"`
	LastFailure  *string `json:"last_failure"`
}

// NewInjector creates an injector with failures disabled.
func NewInjector() *Injector {
	return &Injector{}
}

// SetRate sets the failure probability. Returns false when rate is
// outside [0, 1].
func (i *Injector) SetRate(rate float64) bool {
	if rate < 0 || rate > 1 {
		return false
	}
	i.mu.Lock()
	i.rate = rate
	i.mu.Unlock()
	return true
}

// SetForce makes every operation fail (or stops doing so).
func (i *Injector) SetForce(force bool) {
	i.mu.Lock()
	i.force = force
	i.mu.Unlock()
}

// Reset restores the defaults: no injected failures.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.rate = 0
	i.force = false
	i.lastFailure = nil
	i.mu.Unlock()
}

// ShouldFail rolls the dice for one operation attempt.
func (i *Injector) ShouldFail() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.force {
		return true
	}
	return i.rate > 0 && rand.Float64() < i.rate
}

// RecordFailure remembers when the last injected failure fired.
func (i *Injector) RecordFailure() {
	now := time.Now().UTC()
	i.mu.Lock()
	i.lastFailure = &now
	i.mu.Unlock()
}

// State returns the injector's current configuration.
func (i *Injector) State() InjectorState {
	i.mu.Lock()
	defer i.mu.Unlock()

	state := InjectorState{FailureRate: i.rate, ForceFailure: i.force}
	if i.lastFailure != nil {
		v := i.lastFailure.Format(time.RFC3339Nano)
		state.LastFailure = &v
	}
	return state
}
