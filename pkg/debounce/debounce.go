// Package debounce collapses bursts of triggers into a single trailing call.
package debounce

import (
	"errors"
	"sync"
	"time"
)

// Conventional bounds for UI refresh windows. Any positive window is accepted.
const (
	MinRecommendedWindow = 200 * time.Millisecond
	MaxRecommendedWindow = 600 * time.Millisecond
)

// ErrInvalidWindow is returned for a zero or negative window.
var ErrInvalidWindow = errors.New("debounce: window must be positive")

// Debouncer runs fn once, window after the last call to Trigger.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// New returns a Debouncer calling fn on the trailing edge of each burst.
func New(window time.Duration, fn func()) (*Debouncer, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	if fn == nil {
		return nil, errors.New("debounce: nil function")
	}
	return &Debouncer{window: window, fn: fn}, nil
}

// Window reports the configured window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// InRecommendedRange reports whether the window falls in the usual UI band.
func (d *Debouncer) InRecommendedRange() bool {
	return d.window >= MinRecommendedWindow && d.window <= MaxRecommendedWindow
}

// Trigger restarts the window. It is a no-op after Stop.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}

	// A timer that already fired but has not taken the lock yet sees a newer
	// generation and does nothing.
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush runs a pending call immediately. It reports whether one was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if d.timer == nil || d.stopped {
		d.mu.Unlock()
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	d.mu.Unlock()

	d.fn()
	return true
}

// Stop cancels any pending call and disables further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
