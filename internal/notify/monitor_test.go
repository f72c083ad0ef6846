package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/clock"
)

type notification struct {
	id      string
	title   string
	message string
}

type fakeNotifier struct {
	mu        sync.Mutex
	created   []notification
	dismissed []string
}

func (f *fakeNotifier) Notify(id, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, notification{id, title, message})
	return nil
}

func (f *fakeNotifier) DismissNotification(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, id)
	return nil
}

func (f *fakeNotifier) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeNotifier) lastCreated() notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

func (f *fakeNotifier) dismissedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dismissed...)
}

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const staleAfter = 30 * time.Minute

func newTestMonitor(lang string) (*Monitor, *fakeNotifier, *clock.Mock) {
	notifier := &fakeNotifier{}
	mock := clock.NewMock(start)
	m := NewMonitor(notifier, zap.NewNop(), mock, staleAfter, 2*time.Minute, lang)
	return m, notifier, mock
}

func deviceSeenAt(name string, ts time.Time) airzone.Device {
	return airzone.Device{
		ID:             "dev-1",
		Name:           airzone.FlexString(name),
		ConnectionDate: airzone.FlexString(ts.Format(time.RFC3339)),
	}
}

func onlineDevice(clk *clock.Mock) airzone.Device {
	return deviceSeenAt("Salon", clk.Now())
}

func offlineDevice(clk *clock.Mock) airzone.Device {
	return deviceSeenAt("Salon", clk.Now().Add(-2*time.Hour))
}

func TestOfflineNotificationIsDebounced(t *testing.T) {
	m, notifier, mock := newTestMonitor("en")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	assert.Equal(t, 0, notifier.createdCount(), "must not alarm immediately")

	mock.Advance(time.Minute)
	assert.Equal(t, 0, notifier.createdCount(), "still inside the debounce window")

	mock.Advance(90 * time.Second)
	require.Equal(t, 1, notifier.createdCount())

	n := notifier.lastCreated()
	assert.Equal(t, "dkn_offline_dev-1", n.id)
	assert.Equal(t, "HVAC machine offline", n.title)
	assert.Contains(t, n.message, "Salon")
	assert.Contains(t, n.message, "2 minutes")
}

func TestBriefOutageIsSuppressed(t *testing.T) {
	m, notifier, mock := newTestMonitor("en")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": onlineDevice(mock)})
	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})

	mock.Advance(time.Minute)
	m.HandleSnapshot(map[string]airzone.Device{"dev-1": onlineDevice(mock)})

	mock.Advance(time.Hour)
	assert.Equal(t, 0, notifier.createdCount(), "recovered before the debounce expired")
	assert.Empty(t, notifier.dismissedIDs(), "nothing was raised, nothing to clear")
}

func TestRecoveryDismissesAndRaisesBanner(t *testing.T) {
	m, notifier, mock := newTestMonitor("en")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	mock.Advance(3 * time.Minute)
	require.Equal(t, 1, notifier.createdCount())

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": onlineDevice(mock)})

	assert.Contains(t, notifier.dismissedIDs(), "dkn_offline_dev-1")
	require.Equal(t, 2, notifier.createdCount())
	banner := notifier.lastCreated()
	assert.Equal(t, "dkn_online_dev-1", banner.id)
	assert.Contains(t, banner.message, "Salon")

	// The banner dismisses itself after a minute.
	mock.Advance(time.Minute)
	assert.Contains(t, notifier.dismissedIDs(), "dkn_online_dev-1")
}

func TestSpanishMessages(t *testing.T) {
	m, notifier, mock := newTestMonitor("es")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	mock.Advance(3 * time.Minute)

	require.Equal(t, 1, notifier.createdCount())
	n := notifier.lastCreated()
	assert.Equal(t, "Máquina HVAC sin conexión", n.title)
	assert.Contains(t, n.message, "sin conexión")
}

func TestUnknownLanguageFallsBackToEnglish(t *testing.T) {
	m, notifier, mock := newTestMonitor("de")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	mock.Advance(3 * time.Minute)

	require.Equal(t, 1, notifier.createdCount())
	assert.Equal(t, "HVAC machine offline", notifier.lastCreated().title)
}

func TestRemovedDeviceCancelsPendingAlarm(t *testing.T) {
	m, notifier, mock := newTestMonitor("en")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	m.HandleSnapshot(map[string]airzone.Device{})

	mock.Advance(time.Hour)
	assert.Equal(t, 0, notifier.createdCount())
}

func TestStopCancelsTimers(t *testing.T) {
	m, notifier, mock := newTestMonitor("en")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	m.Stop()

	mock.Advance(time.Hour)
	assert.Equal(t, 0, notifier.createdCount())
}

func TestRepeatedOfflineSnapshotsArmOnce(t *testing.T) {
	m, notifier, mock := newTestMonitor("en")

	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	mock.Advance(time.Minute)
	m.HandleSnapshot(map[string]airzone.Device{"dev-1": offlineDevice(mock)})
	mock.Advance(90 * time.Second)

	assert.Equal(t, 1, notifier.createdCount())
}
