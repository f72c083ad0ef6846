package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockNowAndSince(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMock(start)

	assert.Equal(t, start, m.Now())

	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
	assert.Equal(t, 90*time.Second, m.Since(start))
}

func TestMockAfterFuncFiresOnAdvance(t *testing.T) {
	m := NewMock(time.Unix(0, 0))

	fired := 0
	m.AfterFunc(5*time.Second, func() { fired++ })

	m.Advance(4 * time.Second)
	assert.Equal(t, 0, fired, "timer must not fire before its deadline")

	m.Advance(1 * time.Second)
	assert.Equal(t, 1, fired)

	m.Advance(time.Hour)
	assert.Equal(t, 1, fired, "timer must fire at most once")
}

func TestMockAfterFuncStop(t *testing.T) {
	m := NewMock(time.Unix(0, 0))

	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	m.Advance(time.Minute)
	assert.False(t, fired)

	// Second Stop reports the timer is no longer pending.
	assert.False(t, timer.Stop())
}

func TestMockTimersFireInDeadlineOrder(t *testing.T) {
	m := NewMock(time.Unix(0, 0))

	var order []string
	m.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	m.AfterFunc(1*time.Second, func() { order = append(order, "early") })

	m.Advance(10 * time.Second)
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestMockAfterChannel(t *testing.T) {
	m := NewMock(time.Unix(100, 0))

	ch := m.After(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("channel fired before advance")
	default:
	}

	m.Advance(2 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, time.Unix(102, 0), got)
	case <-time.After(time.Second):
		t.Fatal("channel did not fire after advance")
	}
}

func TestRealClockAfterFunc(t *testing.T) {
	c := NewRealClock()

	done := make(chan struct{})
	c.AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
