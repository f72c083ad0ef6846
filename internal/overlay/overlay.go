// Package overlay holds short-lived predicted field values written after a
// command is sent to the cloud backend, so entity state reflects the command
// immediately instead of waiting for the next poll. The backend lags user
// commands by one or more poll cycles; without the overlay the UI flickers
// (command applies, reverts, re-applies).
package overlay

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"dknbridge/internal/clock"
)

// Default validity windows, matching the backend's observed propagation delay.
const (
	DefaultTTL                   = 10 * time.Second
	DefaultPostWriteRefreshDelay = 2 * time.Second
	DefaultGuardMargin           = 2 * time.Second
)

type entry struct {
	value     interface{}
	graceUsed bool
}

// Bucket tracks optimistic values for one managed device. A stored value wins
// over the backend value until the shared TTL deadline passes or reconciliation
// decides the backend is right. Reconciliation tolerates exactly one
// authoritative mismatch per key; a second mismatch clears the whole bucket,
// treating the command batch as stale.
type Bucket struct {
	mu           sync.Mutex
	clk          clock.Clock
	ttl          time.Duration
	refreshDelay time.Duration
	guardMargin  time.Duration
	entries      map[string]*entry
	deadline     time.Time
}

// NewBucket creates a Bucket using clk for time. Zero durations fall back to
// the package defaults.
func NewBucket(clk clock.Clock, ttl, refreshDelay, guardMargin time.Duration) *Bucket {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if refreshDelay <= 0 {
		refreshDelay = DefaultPostWriteRefreshDelay
	}
	if guardMargin <= 0 {
		guardMargin = DefaultGuardMargin
	}
	return &Bucket{
		clk:          clk,
		ttl:          ttl,
		refreshDelay: refreshDelay,
		guardMargin:  guardMargin,
		entries:      make(map[string]*entry),
	}
}

// Set stores value under key and re-arms the shared deadline. The deadline is
// at least refreshDelay+guardMargin in the future so the first authoritative
// refresh after the write, which may still carry pre-write state, cannot
// immediately invalidate the prediction.
func (b *Bucket) Set(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = &entry{value: value}

	window := b.ttl
	if guarded := b.refreshDelay + b.guardMargin; guarded > window {
		window = guarded
	}
	b.deadline = b.clk.Now().Add(window)
}

// Get returns the stored value for key while the bucket is active, otherwise
// backendValue. It has no side effects.
func (b *Bucket) Get(key string, backendValue interface{}) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.activeLocked() {
		return backendValue
	}
	if e, ok := b.entries[key]; ok {
		return e.value
	}
	return backendValue
}

// Active reports whether the bucket's TTL deadline has not yet passed.
func (b *Bucket) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked()
}

func (b *Bucket) activeLocked() bool {
	return !b.deadline.IsZero() && b.clk.Now().Before(b.deadline)
}

// Clear drops all stored values, grace markers and the deadline. Used to
// revert after a failed write or to invalidate the bucket outright.
func (b *Bucket) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *Bucket) clearLocked() {
	b.entries = make(map[string]*entry)
	b.deadline = time.Time{}
}

// Invalidate removes a single key, leaving the deadline armed for any
// remaining keys.
func (b *Bucket) Invalidate(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Reconcile compares the stored values against an authoritative backend
// snapshot, once per poll. An expired bucket is cleared. A matching key is
// kept as-is. The first mismatch on a key is tolerated (the poll may predate
// the write); a second mismatch on any key clears the entire bucket and the
// backend wins.
func (b *Bucket) Reconcile(snapshot map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.activeLocked() {
		b.clearLocked()
		return
	}
	if len(b.entries) == 0 {
		// Keep the deadline armed to cover chained writes.
		return
	}

	for key, e := range b.entries {
		if normalize(e.value) == normalize(snapshot[key]) {
			continue
		}
		if !e.graceUsed {
			e.graceUsed = true
			continue
		}
		b.clearLocked()
		return
	}
}

// normalize renders a value for comparison: strings are trimmed and
// lower-cased, numeric values (and numeric strings, so "21" equals "21.0")
// compare by numeric value, and anything else degrades to the empty string.
func normalize(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return s
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case int32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case uint:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	default:
		return ""
	}
}
