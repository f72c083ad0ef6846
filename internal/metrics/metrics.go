// Package metrics exposes the bridge's Prometheus instrumentation: cloud API
// request counters and latency, poll outcomes, and per-device state gauges.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dknbridge/internal/airzone"
	"dknbridge/internal/device"
)

const namespace = "dknbridge"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec

	pollsTotal       prometheus.Counter
	pollFailures     prometheus.Counter
	lastPollSuccess  prometheus.Gauge
	devicesTotal     prometheus.Gauge
	deviceOnline     *prometheus.GaugeVec
	localTemperature *prometheus.GaugeVec
	devicePower      *prometheus.GaugeVec

	cooldownSeconds prometheus.Gauge
}

// New creates a Metrics with all collectors registered, plus the standard Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Cloud API request attempts by method, path and status code",
	}, []string{"method", "path", "status"})

	m.apiRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "Cloud API request latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "path"})

	m.pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Completed poll cycles, successful or not",
	})

	m.pollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_failures_total",
		Help:      "Poll cycles that ended in an error",
	})

	m.lastPollSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_poll_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful poll",
	})

	m.devicesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Devices in the latest snapshot",
	})

	m.deviceOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_online",
		Help:      "Whether the device is reachable from the cloud (1/0)",
	}, []string{"device"})

	m.localTemperature = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_local_temperature_celsius",
		Help:      "Temperature reported by the device's local probe",
	}, []string{"device"})

	m.devicePower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_power",
		Help:      "Whether the device is switched on (1/0)",
	}, []string{"device"})

	m.cooldownSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_limit_cooldown_seconds",
		Help:      "Remaining rate-limit cooldown imposed by the cloud",
	})

	m.registry.MustRegister(
		m.apiRequestsTotal,
		m.apiRequestDuration,
		m.pollsTotal,
		m.pollFailures,
		m.lastPollSuccess,
		m.devicesTotal,
		m.deviceOnline,
		m.localTemperature,
		m.devicePower,
		m.cooldownSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest implements airzone.RequestObserver.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	m.apiRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.apiRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// ObservePoll records a poll cycle outcome.
func (m *Metrics) ObservePoll(err error, completedAt time.Time) {
	m.pollsTotal.Inc()
	if err != nil {
		m.pollFailures.Inc()
		return
	}
	m.lastPollSuccess.Set(float64(completedAt.Unix()))
}

// ObserveSnapshot updates per-device gauges from a poll result.
func (m *Metrics) ObserveSnapshot(snapshot map[string]airzone.Device, now time.Time, staleAfter time.Duration) {
	m.devicesTotal.Set(float64(len(snapshot)))
	for key, dev := range snapshot {
		m.deviceOnline.WithLabelValues(key).Set(boolGauge(device.Online(dev, now, staleAfter)))
		m.devicePower.WithLabelValues(key).Set(boolGauge(device.PowerOn(dev.Power.String())))
		if temp, ok := dev.LocalTemp.Float(); ok {
			m.localTemperature.WithLabelValues(key).Set(temp)
		}
	}
}

// ObserveCooldown records the remaining rate-limit cooldown.
func (m *Metrics) ObserveCooldown(remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	m.cooldownSeconds.Set(remaining.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
