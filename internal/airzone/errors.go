package airzone

import "fmt"

// APIError is a non-2xx response from the DKN cloud API.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string

	// RetryAfterSec is the server's rate-limit wait hint in seconds, 0 when
	// absent or malformed.
	RetryAfterSec float64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("airzone api: %s %s returned HTTP %d", e.Method, e.Path, e.StatusCode)
}

// RateLimited reports whether the backend asked us to slow down.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == 429
}

// Retryable reports whether the request may be retried: rate limits and
// transient server failures. Other client errors surface immediately.
func (e *APIError) Retryable() bool {
	if e.RateLimited() {
		return true
	}
	return e.StatusCode >= 500 && e.StatusCode <= 599
}

// AuthFailed reports an authentication or authorization rejection.
func (e *APIError) AuthFailed() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
