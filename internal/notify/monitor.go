// Package notify raises persistent notifications in Home Assistant when a
// machine drops off the cloud and clears them when it comes back. Offline
// transitions are debounced so a single stale poll never alarms; the
// back-online banner dismisses itself after a short interval.
package notify

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/clock"
	"dknbridge/internal/device"
)

const (
	// DefaultDebounce is how long a device must stay unreachable before the
	// offline notification fires.
	DefaultDebounce = 2 * time.Minute

	// onlineBannerTTL is how long the back-online banner stays visible.
	onlineBannerTTL = time.Minute
)

// Notifier is the notification surface of the Home Assistant client.
type Notifier interface {
	Notify(notificationID, title, message string) error
	DismissNotification(notificationID string) error
}

type message struct {
	offlineTitle string
	offlineBody  string // fmt: name, minutes
	onlineTitle  string
	onlineBody   string // fmt: name
}

var messagesByLang = map[string]message{
	"en": {
		offlineTitle: "HVAC machine offline",
		offlineBody:  "%s has been unreachable for more than %d minutes.",
		onlineTitle:  "HVAC machine back online",
		onlineBody:   "%s is reachable again.",
	},
	"es": {
		offlineTitle: "Máquina HVAC sin conexión",
		offlineBody:  "%s lleva más de %d minutos sin conexión.",
		onlineTitle:  "Máquina HVAC conectada",
		onlineBody:   "%s vuelve a estar conectada.",
	},
}

type deviceState struct {
	name           string
	online         bool
	seen           bool
	notified       bool
	pendingOffline clock.Timer
	bannerTimer    clock.Timer
}

// Monitor tracks per-device connectivity across snapshots.
type Monitor struct {
	notifier   Notifier
	logger     *zap.Logger
	clk        clock.Clock
	staleAfter time.Duration
	debounce   time.Duration
	msgs       message

	mu      sync.Mutex
	devices map[string]*deviceState
}

// NewMonitor wires a Monitor. Zero staleAfter/debounce use the defaults;
// unknown languages fall back to English.
func NewMonitor(notifier Notifier, logger *zap.Logger, clk clock.Clock, staleAfter, debounce time.Duration, lang string) *Monitor {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	msgs, ok := messagesByLang[lang]
	if !ok {
		msgs = messagesByLang["en"]
	}
	return &Monitor{
		notifier:   notifier,
		logger:     logger,
		clk:        clk,
		staleAfter: staleAfter,
		debounce:   debounce,
		msgs:       msgs,
		devices:    make(map[string]*deviceState),
	}
}

// HandleSnapshot inspects a poll result and advances each device's
// connectivity state machine. Suitable as a coordinator listener.
func (m *Monitor) HandleSnapshot(snapshot map[string]airzone.Device) {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, dev := range snapshot {
		online := device.Online(dev, now, m.staleAfter)
		st, ok := m.devices[key]
		if !ok {
			st = &deviceState{}
			m.devices[key] = st
		}
		if name := dev.Name.String(); name != "" {
			st.name = name
		}
		if st.name == "" {
			st.name = key
		}

		switch {
		case !st.seen:
			st.seen = true
			st.online = online
			if !online {
				m.armOfflineLocked(key, st)
			}
		case online && !st.online:
			st.online = true
			m.handleBackOnlineLocked(key, st)
		case !online && st.online:
			st.online = false
			m.armOfflineLocked(key, st)
		}
	}

	// Devices dropped from the account: stop their timers quietly.
	for key, st := range m.devices {
		if _, ok := snapshot[key]; !ok {
			m.stopTimersLocked(st)
			delete(m.devices, key)
		}
	}
}

func (m *Monitor) armOfflineLocked(key string, st *deviceState) {
	if st.pendingOffline != nil {
		return
	}
	st.pendingOffline = m.clk.AfterFunc(m.debounce, func() {
		m.fireOffline(key)
	})
}

func (m *Monitor) fireOffline(key string) {
	m.mu.Lock()
	st, ok := m.devices[key]
	if !ok || st.online {
		m.mu.Unlock()
		return
	}
	st.pendingOffline = nil
	st.notified = true
	name := st.name
	m.mu.Unlock()

	minutes := int(m.debounce / time.Minute)
	body := fmt.Sprintf(m.msgs.offlineBody, name, minutes)
	if err := m.notifier.Notify(offlineID(key), m.msgs.offlineTitle, body); err != nil {
		m.logger.Warn("Failed to raise offline notification",
			zap.String("device", key), zap.Error(err))
	}
	m.logger.Warn("Device offline", zap.String("device", key), zap.String("name", name))
}

func (m *Monitor) handleBackOnlineLocked(key string, st *deviceState) {
	if st.pendingOffline != nil {
		st.pendingOffline.Stop()
		st.pendingOffline = nil
	}
	if !st.notified {
		return
	}
	st.notified = false
	name := st.name

	if err := m.notifier.DismissNotification(offlineID(key)); err != nil {
		m.logger.Warn("Failed to dismiss offline notification",
			zap.String("device", key), zap.Error(err))
	}

	body := fmt.Sprintf(m.msgs.onlineBody, name)
	if err := m.notifier.Notify(onlineID(key), m.msgs.onlineTitle, body); err != nil {
		m.logger.Warn("Failed to raise online banner",
			zap.String("device", key), zap.Error(err))
		return
	}
	m.logger.Info("Device back online", zap.String("device", key), zap.String("name", name))

	if st.bannerTimer != nil {
		st.bannerTimer.Stop()
	}
	st.bannerTimer = m.clk.AfterFunc(onlineBannerTTL, func() {
		if err := m.notifier.DismissNotification(onlineID(key)); err != nil {
			m.logger.Warn("Failed to dismiss online banner",
				zap.String("device", key), zap.Error(err))
		}
	})
}

// Stop cancels all pending timers. Banners already raised stay until Home
// Assistant drops them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.devices {
		m.stopTimersLocked(st)
	}
}

func (m *Monitor) stopTimersLocked(st *deviceState) {
	if st.pendingOffline != nil {
		st.pendingOffline.Stop()
		st.pendingOffline = nil
	}
	if st.bannerTimer != nil {
		st.bannerTimer.Stop()
		st.bannerTimer = nil
	}
}

func offlineID(key string) string { return "dkn_offline_" + key }
func onlineID(key string) string  { return "dkn_online_" + key }
