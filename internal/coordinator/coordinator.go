// Package coordinator owns the polling cadence for the DKN cloud: it fetches
// authoritative device snapshots, reconciles each device's optimistic overlay
// against them, and fans updates out to listeners. Post-write refreshes run on
// a tracked, cancellable timer so a superseding write or shutdown never leaks
// a pending callback.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/clock"
	"dknbridge/internal/device"
	"dknbridge/internal/overlay"
)

// MinScanInterval protects the backend from aggressive polling.
const MinScanInterval = 10 * time.Second

// API is the slice of the cloud client the coordinator needs.
type API interface {
	FetchInstallationIDs(ctx context.Context) ([]string, error)
	FetchDevices(ctx context.Context, installationID string) ([]airzone.Device, error)
}

// Snapshot maps device key to its latest authoritative state. It is an alias
// so consumers can accept plain maps without importing this package.
type Snapshot = map[string]airzone.Device

// Listener is invoked after every successful poll with the fresh snapshot.
type Listener func(Snapshot)

// PollObserver receives the outcome of every poll, for metrics.
type PollObserver interface {
	ObservePoll(err error, completedAt time.Time)
}

// Coordinator polls the cloud API and reconciles overlays.
type Coordinator struct {
	api      API
	logger   *zap.Logger
	clk      clock.Clock
	interval time.Duration

	overlayTTL          time.Duration
	overlayRefreshDelay time.Duration
	overlayGuardMargin  time.Duration

	mu           sync.Mutex
	data         Snapshot
	lastErr      error
	lastSuccess  time.Time
	overlays     map[string]*overlay.Bucket
	listeners    map[int]Listener
	nextListener int
	pendingTimer clock.Timer
	authFailed   bool
	observer     PollObserver

	refreshCh chan struct{}
}

// New creates a Coordinator polling every interval (floored to
// MinScanInterval).
func New(api API, logger *zap.Logger, clk clock.Clock, interval time.Duration) *Coordinator {
	if interval < MinScanInterval {
		interval = MinScanInterval
	}
	return &Coordinator{
		api:       api,
		logger:    logger,
		clk:       clk,
		interval:  interval,
		data:      make(Snapshot),
		overlays:  make(map[string]*overlay.Bucket),
		listeners: make(map[int]Listener),
		refreshCh: make(chan struct{}, 1),
	}
}

// SetOverlayWindows overrides the overlay validity windows for buckets created
// afterwards. Zero values keep the package defaults.
func (c *Coordinator) SetOverlayWindows(ttl, refreshDelay, guardMargin time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overlayTTL = ttl
	c.overlayRefreshDelay = refreshDelay
	c.overlayGuardMargin = guardMargin
}

// SetPollObserver wires a metrics observer for poll outcomes.
func (c *Coordinator) SetPollObserver(o PollObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Data returns a copy of the latest snapshot.
func (c *Coordinator) Data() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(Snapshot, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Device returns the latest snapshot of one device.
func (c *Coordinator) Device(key string) (airzone.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[key]
	return d, ok
}

// OverlayFor returns the overlay bucket owned by one device, creating it on
// first use. Each device's command and reconcile flow shares one bucket.
func (c *Coordinator) OverlayFor(key string) *overlay.Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.overlays[key]
	if !ok {
		b = overlay.NewBucket(c.clk, c.overlayTTL, c.overlayRefreshDelay, c.overlayGuardMargin)
		c.overlays[key] = b
	}
	return b
}

// LastError returns the most recent poll failure, nil after a success.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastSuccess returns when the last successful poll completed.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// AddListener subscribes to snapshot updates; the returned function
// unsubscribes.
func (c *Coordinator) AddListener(l Listener) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// RefreshNow performs one authoritative poll: fetch all devices, reconcile
// overlays, publish to listeners.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	snapshot, err := c.fetch(ctx)
	if err != nil {
		c.recordFailure(err)
		c.notifyObserver(err)
		return err
	}

	c.mu.Lock()
	c.data = snapshot
	c.lastErr = nil
	c.lastSuccess = c.clk.Now()
	c.authFailed = false
	for key, bucket := range c.overlays {
		dev, ok := snapshot[key]
		if !ok {
			// Device disappeared from the account; its predictions are moot.
			bucket.Clear()
			continue
		}
		bucket.Reconcile(dev.OverlayFields())
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.notifyObserver(nil)

	published := c.Data()
	for _, l := range listeners {
		l(published)
	}
	return nil
}

func (c *Coordinator) notifyObserver(err error) {
	c.mu.Lock()
	o := c.observer
	now := c.clk.Now()
	c.mu.Unlock()
	if o != nil {
		o.ObservePoll(err, now)
	}
}

func (c *Coordinator) fetch(ctx context.Context) (Snapshot, error) {
	installations, err := c.api.FetchInstallationIDs(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(Snapshot)
	for _, instID := range installations {
		devices, err := c.api.FetchDevices(ctx, instID)
		if err != nil {
			return nil, err
		}
		for _, dev := range devices {
			key := device.Key(dev)
			if key == "" {
				continue
			}
			snapshot[key] = dev
		}
	}
	return snapshot, nil
}

func (c *Coordinator) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err

	var apiErr *airzone.APIError
	if errors.As(err, &apiErr) && apiErr.AuthFailed() {
		if !c.authFailed {
			c.authFailed = true
			c.logger.Warn("Authentication expired; credentials must be renewed")
		}
		return
	}
	c.logger.Error("Poll failed", zap.Error(err))
}

// RequestRefresh asks the run loop for an immediate poll without blocking.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// ScheduleRefresh arms a deferred refresh after delay, superseding any pending
// one. Used after writes so the next poll observes the command's effect.
func (c *Coordinator) ScheduleRefresh(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
	}
	c.pendingTimer = c.clk.AfterFunc(delay, c.RequestRefresh)
}

// CancelScheduledRefresh drops any pending deferred refresh.
func (c *Coordinator) CancelScheduledRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
}

// Run polls until ctx is cancelled. Failures keep the previous snapshot and
// the loop alive.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Coordinator started", zap.Duration("interval", c.interval))
	defer c.CancelScheduledRefresh()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopped")
			return ctx.Err()
		case <-c.refreshCh:
		case <-c.clk.After(c.interval):
		}

		if err := c.RefreshNow(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
