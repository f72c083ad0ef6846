package airzone

import (
	"context"
	"errors"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	// retryBaseDelay is the first backoff interval; it doubles per attempt.
	retryBaseDelay = 600 * time.Millisecond

	// maxRetries is the number of retries after the initial attempt.
	maxRetries = 3
)

// defaultJitter returns a uniform duration in [0, retryBaseDelay).
func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(retryBaseDelay)))
}

// clockSleep waits for d or until ctx is cancelled, whichever comes first.
// It is the default sleepFn; tests substitute a recording implementation.
func (c *Client) clockSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(d):
		return nil
	}
}

// backoffDelay is the schedule value for a given attempt index, starting at 0.
func (c *Client) backoffDelay(attempt int) time.Duration {
	return retryBaseDelay * (1 << attempt)
}

// setCooldown arms the persistent rate-limit cooldown so subsequent unrelated
// requests wait locally instead of hammering the backend.
func (c *Client) setCooldown(d time.Duration) {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	c.cooldownUntil = c.clk.Now().Add(d)
}

// CooldownRemaining returns how long new requests will self-throttle, zero if
// no cooldown is active.
func (c *Client) CooldownRemaining() time.Duration {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	if remaining := c.cooldownUntil.Sub(c.clk.Now()); remaining > 0 {
		return remaining
	}
	return 0
}

// awaitCooldown waits out any active rate-limit cooldown before a new request.
func (c *Client) awaitCooldown(ctx context.Context, path string) error {
	remaining := c.CooldownRemaining()
	if remaining <= 0 {
		return nil
	}
	c.logger.Warn("Respecting API cooldown before request",
		zap.String("path", path),
		zap.Duration("remaining", remaining))
	return c.sleepFn(ctx, remaining)
}

// request performs method+path with bounded retries. Rate limits honor the
// server's wait hint (falling back to the backoff schedule) and arm the
// persistent cooldown; transient server and network failures back off
// exponentially with jitter; other client errors fail immediately.
// Cancellation propagates without a further attempt, and retry exhaustion
// returns the last error unchanged.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body interface{}, extraHeaders map[string]string) ([]byte, error) {
	if err := c.awaitCooldown(ctx, path); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		data, err := c.attempt(ctx, method, path, query, body, extraHeaders)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		var delay time.Duration
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.RateLimited():
			delay = c.backoffDelay(attempt)
			if apiErr.RetryAfterSec > 0 {
				delay = time.Duration(apiErr.RetryAfterSec * float64(time.Second))
			}
			c.setCooldown(delay)
		case errors.As(err, &apiErr) && !apiErr.Retryable():
			return nil, err
		default:
			// Transient server error or network failure.
			delay = c.backoffDelay(attempt) + c.jitterFn()
		}

		if attempt >= maxRetries {
			return nil, lastErr
		}

		c.logger.Warn("Transient API error, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := c.sleepFn(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// parseRetryAfter reads a wait hint in seconds; absent or malformed values
// yield 0 so the caller falls back to the backoff schedule.
func parseRetryAfter(header string) float64 {
	if header == "" {
		return 0
	}
	v, err := strconv.ParseFloat(header, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
