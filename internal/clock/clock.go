// Package clock abstracts wall-clock time so that TTLs, debounce windows and
// backoff sleeps can be driven manually in tests. Production code uses
// RealClock; tests use Mock and advance it explicitly.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides the time operations the bridge depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run in its own goroutine after d. The returned
	// Timer can cancel the call before it fires.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc call.
type Timer interface {
	// Stop cancels the pending call. It reports whether the call was still
	// pending when Stop was invoked.
	Stop() bool
}

// RealClock delegates to the standard time package.
type RealClock struct{}

// NewRealClock returns a Clock backed by real time.
func NewRealClock() *RealClock { return &RealClock{} }

func (*RealClock) Now() time.Time                         { return time.Now() }
func (*RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (*RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (*RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) Stop() bool { return r.t.Stop() }

// Mock is a Clock whose time only moves when Advance or Set is called.
// Pending AfterFunc timers fire, in deadline order, as time passes them.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*mockTimer
}

type mockTimer struct {
	mu       sync.Mutex
	deadline time.Time
	f        func()
	done     bool
}

// NewMock returns a Mock clock frozen at start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now.Sub(t)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.AfterFunc(d, func() {
		ch <- m.Now()
	})
	return ch
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &mockTimer{deadline: m.now.Add(d), f: f}
	if d <= 0 {
		// Fire immediately but off the caller's goroutine, matching time.AfterFunc.
		t.done = true
		go f()
		return t
	}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves the mock clock forward by d, firing expired timers in order.
func (m *Mock) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set jumps the mock clock to t. Moving backwards fires nothing.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	if t.Before(m.now) {
		m.now = t
		m.mu.Unlock()
		return
	}
	m.now = t

	var due, rest []*mockTimer
	for _, p := range m.pending {
		if !p.deadline.After(t) {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	m.pending = rest
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, p := range due {
		p.mu.Lock()
		if p.done {
			p.mu.Unlock()
			continue
		}
		p.done = true
		f := p.f
		p.mu.Unlock()
		f()
	}
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPending := !t.done
	t.done = true
	return wasPending
}
