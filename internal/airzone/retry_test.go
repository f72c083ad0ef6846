package airzone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dknbridge/internal/clock"
)

// scriptedResponse is one canned reply from the fake backend.
type scriptedResponse struct {
	status     int
	body       string
	retryAfter string
}

// scriptedServer replays responses in order, then keeps serving the last one.
func scriptedServer(t *testing.T, responses []scriptedResponse) (*httptest.Server, func() int) {
	t.Helper()
	var mu sync.Mutex
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idx := calls
		calls++
		mu.Unlock()

		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		resp := responses[idx]
		if resp.retryAfter != "" {
			w.Header().Set("Retry-After", resp.retryAfter)
		}
		w.WriteHeader(resp.status)
		w.Write([]byte(resp.body))
	}))

	return server, func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

// newRetryTestClient returns a client with zero jitter whose sleeps are
// recorded instead of executed.
func newRetryTestClient(t *testing.T, baseURL string) (*Client, *[]time.Duration) {
	t.Helper()
	c := NewClient(baseURL, "user@example.com", "token", zap.NewNop(), clock.NewRealClock())
	c.jitterFn = func() time.Duration { return 0 }

	sleeps := &[]time.Duration{}
	c.sleepFn = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		*sleeps = append(*sleeps, d)
		return nil
	}
	return c, sleeps
}

func TestRequestSucceedsFirstTry(t *testing.T) {
	server, calls := scriptedServer(t, []scriptedResponse{
		{status: 200, body: `{"ok":true}`},
	})
	defer server.Close()

	c, sleeps := newRetryTestClient(t, server.URL)
	data, err := c.request(context.Background(), http.MethodGet, "/devices", nil, nil, nil)

	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, 1, calls())
	assert.Empty(t, *sleeps)
}

func TestRequestRateLimitHonorsWaitHint(t *testing.T) {
	server, calls := scriptedServer(t, []scriptedResponse{
		{status: 429, retryAfter: "2"},
		{status: 200, body: `{}`},
	})
	defer server.Close()

	c, sleeps := newRetryTestClient(t, server.URL)
	_, err := c.request(context.Background(), http.MethodGet, "/devices", nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls())
	assert.Equal(t, []time.Duration{2 * time.Second}, *sleeps)

	// The persistent cooldown was armed for subsequent unrelated requests.
	assert.Greater(t, c.CooldownRemaining(), time.Duration(0))
}

func TestRequestRateLimitFallsBackToSchedule(t *testing.T) {
	server, _ := scriptedServer(t, []scriptedResponse{
		{status: 429, retryAfter: "not-a-number"},
		{status: 200, body: `{}`},
	})
	defer server.Close()

	c, sleeps := newRetryTestClient(t, server.URL)
	_, err := c.request(context.Background(), http.MethodGet, "/devices", nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{600 * time.Millisecond}, *sleeps)
}

func TestRequestServerErrorsBackOffExponentially(t *testing.T) {
	server, calls := scriptedServer(t, []scriptedResponse{
		{status: 500}, {status: 502}, {status: 503}, {status: 500},
	})
	defer server.Close()

	c, sleeps := newRetryTestClient(t, server.URL)
	_, err := c.request(context.Background(), http.MethodGet, "/devices", nil, nil, nil)

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.StatusCode)

	assert.Equal(t, 4, calls(), "one initial attempt plus three retries")
	assert.Equal(t, []time.Duration{
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
	}, *sleeps)
}

func TestRequestClientErrorFailsImmediately(t *testing.T) {
	server, calls := scriptedServer(t, []scriptedResponse{
		{status: 404, body: `{"error":"not found"}`},
	})
	defer server.Close()

	c, sleeps := newRetryTestClient(t, server.URL)
	_, err := c.request(context.Background(), http.MethodGet, "/devices", nil, nil, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, 1, calls())
	assert.Empty(t, *sleeps)
}

func TestRequestCancellationDuringSleepStopsRetrying(t *testing.T) {
	server, calls := scriptedServer(t, []scriptedResponse{
		{status: 500},
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())

	c := NewClient(server.URL, "user@example.com", "token", zap.NewNop(), clock.NewRealClock())
	c.jitterFn = func() time.Duration { return 0 }
	c.sleepFn = func(ctx context.Context, d time.Duration) error {
		// Simulate cancellation arriving while asleep between attempts.
		cancel()
		return ctx.Err()
	}

	_, err := c.request(ctx, http.MethodGet, "/devices", nil, nil, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls(), "no retry after cancellation")
}

func TestRequestWaitsOutCooldownBeforeNewRequest(t *testing.T) {
	server, _ := scriptedServer(t, []scriptedResponse{
		{status: 200, body: `{}`},
	})
	defer server.Close()

	c, sleeps := newRetryTestClient(t, server.URL)
	c.setCooldown(5 * time.Second)

	_, err := c.request(context.Background(), http.MethodGet, "/devices", nil, nil, nil)

	require.NoError(t, err)
	require.Len(t, *sleeps, 1)
	assert.InDelta(t, float64(5*time.Second), float64((*sleeps)[0]), float64(100*time.Millisecond))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2.0, parseRetryAfter("2"))
	assert.Equal(t, 1.5, parseRetryAfter("1.5"))
	assert.Equal(t, 0.0, parseRetryAfter(""))
	assert.Equal(t, 0.0, parseRetryAfter("soon"))
	assert.Equal(t, 0.0, parseRetryAfter("-3"))
}

func TestBackoffDelaySchedule(t *testing.T) {
	c, _ := newRetryTestClient(t, "http://unused")
	assert.Equal(t, 600*time.Millisecond, c.backoffDelay(0))
	assert.Equal(t, 1200*time.Millisecond, c.backoffDelay(1))
	assert.Equal(t, 2400*time.Millisecond, c.backoffDelay(2))
}
