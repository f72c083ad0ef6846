// Package api exposes the bridge over HTTP: device state, command dispatch,
// a redacted diagnostics dump, Prometheus metrics and a health probe.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/device"
	"dknbridge/internal/diagnostics"
	"dknbridge/internal/overlay"
)

// DataSource is the read surface the server needs from the coordinator.
type DataSource interface {
	Data() map[string]airzone.Device
	OverlayFor(key string) *overlay.Bucket
	LastError() error
	LastSuccess() time.Time
	RequestRefresh()
}

// CommandHandler dispatches device commands; the hvac controller implements
// it.
type CommandHandler interface {
	SetPower(ctx context.Context, key string, on bool) error
	SetMode(ctx context.Context, key string, mode device.Mode) error
	SetTargetTemperature(ctx context.Context, key string, temp float64) error
	SetFanSpeed(ctx context.Context, key string, speed string) error
	SetPreset(ctx context.Context, key string, preset string) error
	SetSleepTimer(ctx context.Context, key string, minutes int) error
}

// Server provides the bridge's HTTP endpoints.
type Server struct {
	source     DataSource
	commands   CommandHandler
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
	server     *http.Server
}

// NewServer creates a Server listening on port. registry backs /metrics.
func NewServer(source DataSource, commands CommandHandler, registry *prometheus.Registry, logger *zap.Logger, port int, staleAfter time.Duration) *Server {
	s := &Server{
		source:     source,
		commands:   commands,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceCommand)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/refresh", s.handleRefresh)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// DeviceView is the JSON rendering of one device.
type DeviceView struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Power       bool     `json:"power"`
	Mode        string   `json:"mode"`
	Modes       []string `json:"available_modes"`
	CurrentTemp *float64 `json:"current_temp,omitempty"`
	TargetTemp  *float64 `json:"target_temp,omitempty"`
	FanSpeeds   []string `json:"fan_speeds,omitempty"`
	Preset      string   `json:"preset,omitempty"`
	Online      bool     `json:"online"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	code := http.StatusOK
	var lastError string
	if err := s.source.LastError(); err != nil {
		status = "degraded"
		lastError = err.Error()
	}
	if s.source.LastSuccess().IsZero() {
		status = "starting"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"last_success": s.source.LastSuccess(),
		"last_error":   lastError,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := s.source.Data()
	views := make([]DeviceView, 0, len(data))
	for key, dev := range data {
		views = append(views, s.deviceView(key, dev))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) deviceView(key string, dev airzone.Device) DeviceView {
	bucket := s.source.OverlayFor(key)
	eff := func(field, backend string) string {
		v := bucket.Get(field, backend)
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprint(v)
	}

	power := eff("power", dev.Power.String())
	modeCode := eff("mode", dev.Mode.String())
	mode := device.CurrentMode(power, modeCode)

	view := DeviceView{
		Key:    key,
		Name:   dev.Name.String(),
		Power:  device.PowerOn(power),
		Mode:   string(mode),
		Preset: device.PresetFromScenary(eff("scenary", dev.Scenary.String())),
		Online: device.Online(dev, s.now(), s.staleAfter),
	}

	for _, m := range device.SupportedModes(dev) {
		view.Modes = append(view.Modes, string(m))
	}
	view.FanSpeeds = device.FanModes(dev, mode)

	if temp, ok := dev.LocalTemp.Float(); ok {
		view.CurrentTemp = &temp
	}

	var targetField, targetBackend string
	switch mode {
	case device.ModeCool:
		targetField, targetBackend = "cold_consign", dev.ColdConsign.String()
	case device.ModeHeat:
		targetField, targetBackend = "heat_consign", dev.HeatConsign.String()
	}
	if targetField != "" {
		if target, ok := airzone.FlexString(eff(targetField, targetBackend)).Float(); ok {
			view.TargetTemp = &target
		}
	}
	return view
}

// commandRequest is the body of POST /api/devices/{key}/command.
type commandRequest struct {
	Command string      `json:"command"`
	Value   interface{} `json:"value"`
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "command" {
		http.NotFound(w, r)
		return
	}
	key := parts[0]

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := s.dispatch(r.Context(), key, req); err != nil {
		s.logger.Warn("Command failed",
			zap.String("device", key),
			zap.String("command", req.Command),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) dispatch(ctx context.Context, key string, req commandRequest) error {
	switch req.Command {
	case "set_power":
		on, ok := req.Value.(bool)
		if !ok {
			return fmt.Errorf("set_power requires a boolean value")
		}
		return s.commands.SetPower(ctx, key, on)
	case "set_mode":
		mode, ok := req.Value.(string)
		if !ok {
			return fmt.Errorf("set_mode requires a string value")
		}
		return s.commands.SetMode(ctx, key, device.Mode(mode))
	case "set_temperature":
		temp, ok := req.Value.(float64)
		if !ok {
			return fmt.Errorf("set_temperature requires a numeric value")
		}
		return s.commands.SetTargetTemperature(ctx, key, temp)
	case "set_fan_speed":
		speed, ok := req.Value.(string)
		if !ok {
			return fmt.Errorf("set_fan_speed requires a string value")
		}
		return s.commands.SetFanSpeed(ctx, key, speed)
	case "set_preset":
		preset, ok := req.Value.(string)
		if !ok {
			return fmt.Errorf("set_preset requires a string value")
		}
		return s.commands.SetPreset(ctx, key, preset)
	case "set_sleep_timer":
		minutes, ok := req.Value.(float64)
		if !ok {
			return fmt.Errorf("set_sleep_timer requires a numeric value")
		}
		return s.commands.SetSleepTimer(ctx, key, int(minutes))
	default:
		return fmt.Errorf("unknown command %q", req.Command)
	}
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices := make(map[string]interface{})
	for key, dev := range s.source.Data() {
		raw, err := json.Marshal(dev)
		if err != nil {
			continue
		}
		var asMap map[string]interface{}
		if err := json.Unmarshal(raw, &asMap); err != nil {
			continue
		}
		devices[key] = asMap
	}

	payload := diagnostics.Redact(map[string]interface{}{
		"devices":      devices,
		"last_success": s.source.LastSuccess().Format(time.RFC3339),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.source.RequestRefresh()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "scheduled"})
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
