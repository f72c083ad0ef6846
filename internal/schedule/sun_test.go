package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/clock"
)

// Madrid. Sunrise and sunset on June 1st are safely inside 04:00-07:00 and
// 19:00-20:00 UTC.
const (
	lat = 40.4168
	lon = -3.7038
)

type presetCall struct {
	key    string
	preset string
}

type fakeSetter struct {
	mu    sync.Mutex
	calls []presetCall
}

func (f *fakeSetter) SetPreset(ctx context.Context, key, preset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, presetCall{key, preset})
	return nil
}

func (f *fakeSetter) snapshot() []presetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presetCall(nil), f.calls...)
}

type fakeLister struct {
	devices map[string]airzone.Device
}

func (f *fakeLister) Data() map[string]airzone.Device { return f.devices }

func newTestAutomation(start time.Time) (*Automation, *fakeSetter, *clock.Mock) {
	setter := &fakeSetter{}
	lister := &fakeLister{devices: map[string]airzone.Device{
		"dev-1": {ID: "dev-1"},
		"dev-2": {ID: "dev-2"},
	}}
	mock := clock.NewMock(start)
	a := NewAutomation(setter, lister, zap.NewNop(), mock, lat, lon, "home", "sleep")
	return a, setter, mock
}

func TestIsNight(t *testing.T) {
	a, _, _ := newTestAutomation(time.Time{})

	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, a.IsNight(noon))

	lateNight := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	assert.True(t, a.IsNight(lateNight))

	earlyMorning := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	assert.True(t, a.IsNight(earlyMorning))
}

func TestCurrentPreset(t *testing.T) {
	a, _, _ := newTestAutomation(time.Time{})

	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "home", a.CurrentPreset(noon))

	night := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "sleep", a.CurrentPreset(night))
}

func TestNextTransitionOrdering(t *testing.T) {
	a, _, _ := newTestAutomation(time.Time{})

	// Before sunrise: the next transition is sunrise, later today.
	earlyMorning := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	next := a.nextTransition(earlyMorning)
	assert.True(t, next.After(earlyMorning))
	assert.Equal(t, 1, next.UTC().Day())

	// Midday: the next transition is sunset, still today.
	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next = a.nextTransition(noon)
	assert.True(t, next.After(noon))
	assert.Equal(t, 1, next.UTC().Day())

	// After sunset: the next transition is tomorrow's sunrise.
	lateNight := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	next = a.nextTransition(lateNight)
	assert.True(t, next.After(lateNight))
	assert.Equal(t, 2, next.UTC().Day())
}

func TestRunAppliesPresetOnStartAndTransition(t *testing.T) {
	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a, setter, mock := newTestAutomation(noon)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Initial application: day preset on both devices.
	waitUntil(t, func() bool { return len(setter.snapshot()) >= 2 })
	for _, call := range setter.snapshot() {
		assert.Equal(t, "home", call.preset)
	}

	// Jump past sunset: the night preset is applied.
	waitUntil(t, func() bool {
		mock.Advance(time.Hour)
		calls := setter.snapshot()
		return len(calls) >= 4 && calls[len(calls)-1].preset == "sleep"
	})

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("automation did not stop on cancellation")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
