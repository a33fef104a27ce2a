package sessionkit

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a session may sit without user interaction
// before it is closed.
const DefaultIdleTimeout = 30 * time.Minute

// ActivityKind enumerates the interaction signals that keep a session alive.
type ActivityKind int

const (
	ActivityPointerMove ActivityKind = iota
	ActivityKeyPress
	ActivityScroll
	ActivityTouch
	ActivityClick
)

// ActivitySource feeds user-interaction events into an IdleMonitor. Subscribe
// returns a disposer that removes the subscription; teardown is structural,
// not by convention.
type ActivitySource interface {
	Subscribe(fn func(ActivityKind)) (cancel func())
}

// IdleMonitor ends the session after a configurable period of no user
// interaction, independent of credential validity. There is exactly one live
// deadline per authenticated session; every qualifying signal cancels and
// reschedules it.
type IdleMonitor struct {
	timeout time.Duration
	onIdle  func()

	mu      sync.Mutex
	timer   *time.Timer
	cancels []func()
	running bool
}

// NewIdleMonitor creates a monitor that calls onIdle once the timeout
// elapses without a signal. A non-positive timeout selects the default.
func NewIdleMonitor(timeout time.Duration, onIdle func()) *IdleMonitor {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &IdleMonitor{timeout: timeout, onIdle: onIdle}
}

// Start arms the deadline and subscribes to the given activity sources.
// Starting a running monitor is a no-op.
func (m *IdleMonitor) Start(sources ...ActivitySource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	for _, src := range sources {
		m.cancels = append(m.cancels, src.Subscribe(m.Signal))
	}
	m.rescheduleLocked()
}

// Signal records a qualifying user interaction and pushes the deadline out.
// Signals arriving after Stop are ignored.
func (m *IdleMonitor) Signal(_ ActivityKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.rescheduleLocked()
}

func (m *IdleMonitor) rescheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, m.fire)
}

func (m *IdleMonitor) fire() {
	m.mu.Lock()
	if !m.running {
		// Stop won the race; the session already ended.
		m.mu.Unlock()
		return
	}
	m.running = false
	m.teardownLocked()
	m.mu.Unlock()

	if m.onIdle != nil {
		m.onIdle()
	}
}

// Stop cancels the deadline and removes every subscription. Idempotent, and
// once it returns the monitor will not fire.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.teardownLocked()
}

func (m *IdleMonitor) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}
