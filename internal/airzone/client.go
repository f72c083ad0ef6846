// Package airzone is the DKN cloud (dkn.airzonecloud.com) REST client. All
// outbound requests go through a retry driver that honors rate-limit wait
// hints, backs off exponentially on transient failures and self-throttles
// through a persistent cooldown window. Credentials are never logged.
package airzone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"dknbridge/internal/clock"
)

const (
	// DefaultBaseURL is the production DKN cloud endpoint.
	DefaultBaseURL = "https://dkn.airzonecloud.com"

	userAgent      = "dknbridge/1.0"
	requestTimeout = 15 * time.Second

	pathLogin                 = "/users/sign_in"
	pathInstallationRelations = "/installation_relations"
	pathDevices               = "/devices"
	pathEvents                = "/events"
)

// RequestObserver receives one callback per completed HTTP attempt, for
// metrics instrumentation.
type RequestObserver interface {
	ObserveRequest(method, path string, status int, elapsed time.Duration)
}

// Client talks to the DKN cloud API on behalf of one account.
type Client struct {
	baseURL    string
	email      string
	httpClient *http.Client
	logger     *zap.Logger
	clk        clock.Clock

	mu    sync.Mutex
	token string

	cooldownMu    sync.Mutex
	cooldownUntil time.Time

	observer RequestObserver
	jitterFn func() time.Duration
	sleepFn  func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. An empty baseURL selects the production
// endpoint; token may be empty until Login is called.
func NewClient(baseURL, email, token string, logger *zap.Logger, clk clock.Clock) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		email:      email,
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
		clk:        clk,
		jitterFn:   defaultJitter,
	}
	c.sleepFn = c.clockSleep
	return c
}

// SetObserver wires a metrics observer for completed request attempts.
func (c *Client) SetObserver(o RequestObserver) {
	c.observer = o
}

// Token returns the current auth token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// redact hides credential values in log output.
func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func (c *Client) authQuery() url.Values {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("user_email", c.email)
	q.Set("user_token", c.Token())
	return q
}

// attempt performs a single HTTP exchange. Non-2xx statuses become *APIError;
// the response body is returned otherwise.
func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, body interface{}, extraHeaders map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	start := c.clk.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if c.observer != nil {
		c.observer.ObserveRequest(method, path, resp.StatusCode, c.clk.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       truncate(string(data), 256),
		}
		if apiErr.RateLimited() {
			apiErr.RetryAfterSec = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		if apiErr.AuthFailed() {
			c.logger.Error("Authentication error from API",
				zap.String("method", method),
				zap.String("path", path),
				zap.String("email", redact(c.email)),
				zap.String("token", redact(c.Token())))
		}
		return nil, apiErr
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Login authenticates with email+password and stores the returned token.
func (c *Client) Login(ctx context.Context, password string) error {
	body := map[string]string{"email": c.email, "password": password}
	data, err := c.request(ctx, http.MethodPost, pathLogin, nil, body, nil)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if resp.User.AuthenticationToken == "" {
		return fmt.Errorf("login failed: no token received")
	}

	c.setToken(resp.User.AuthenticationToken)
	c.logger.Debug("Login OK", zap.String("token", redact(c.Token())))
	return nil
}

// FetchInstallationIDs lists the installation ids reachable by the account.
func (c *Client) FetchInstallationIDs(ctx context.Context) ([]string, error) {
	if c.Token() == "" {
		return nil, fmt.Errorf("cannot fetch installations without a token")
	}

	data, err := c.request(ctx, http.MethodGet, pathInstallationRelations, c.authQuery(), nil, nil)
	if err != nil {
		return nil, err
	}

	var resp installationsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode installation relations: %w", err)
	}

	ids := make([]string, 0, len(resp.InstallationRelations))
	for _, rel := range resp.InstallationRelations {
		if id := rel.resolveID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FetchDevices lists the devices of one installation.
func (c *Client) FetchDevices(ctx context.Context, installationID string) ([]Device, error) {
	q := c.authQuery()
	q.Set("installation_id", installationID)

	data, err := c.request(ctx, http.MethodGet, pathDevices, q, nil, nil)
	if err != nil {
		return nil, err
	}

	var resp devicesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode devices: %w", err)
	}
	for i := range resp.Devices {
		resp.Devices[i].InstallationID = installationID
	}
	return resp.Devices, nil
}

// SendEvent posts a P-option machine command ("modmaquina") for a device.
func (c *Client) SendEvent(ctx context.Context, deviceID, option string, value interface{}) error {
	payload := eventPayload{Event: Event{
		CGI:      "modmaquina",
		DeviceID: deviceID,
		Option:   option,
		Value:    value,
	}}
	headers := map[string]string{"X-Requested-With": "XMLHttpRequest"}

	if _, err := c.request(ctx, http.MethodPost, pathEvents, c.authQuery(), payload, headers); err != nil {
		return fmt.Errorf("send_event %s=%v failed: %w", option, value, err)
	}
	return nil
}

// PutDeviceFields updates device attributes (scenary, sleep_time, ...) via
// PUT /devices/{id}.
func (c *Client) PutDeviceFields(ctx context.Context, deviceID string, fields map[string]interface{}) error {
	path := pathDevices + "/" + url.PathEscape(deviceID)
	payload := devicePayload{Device: fields}

	if _, err := c.request(ctx, http.MethodPut, path, c.authQuery(), payload, nil); err != nil {
		return fmt.Errorf("device update failed: %w", err)
	}
	return nil
}
