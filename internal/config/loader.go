// Package config loads bridge_config.yaml and the credential environment.
// Everything in the YAML file is optional; absent values take documented
// defaults. Credentials never live in the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// AirzoneConfig controls the cloud polling side.
type AirzoneConfig struct {
	BaseURL             string `yaml:"base_url"`
	ScanIntervalSeconds int    `yaml:"scan_interval_seconds"`
	StaleAfterMinutes   int    `yaml:"stale_after_minutes"`
}

// HomeAssistantConfig controls the Home Assistant publishing side.
type HomeAssistantConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// OverlayConfig tunes the optimistic overlay validity windows.
type OverlayConfig struct {
	TTLSeconds          int `yaml:"ttl_seconds"`
	RefreshDelaySeconds int `yaml:"refresh_delay_seconds"`
	GuardMarginSeconds  int `yaml:"guard_margin_seconds"`
}

// NotificationConfig controls connectivity notifications.
type NotificationConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Language        string `yaml:"language"`
	DebounceSeconds int    `yaml:"debounce_seconds"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Port int `yaml:"port"`
}

// AutomationConfig controls the optional sun-based preset automation.
type AutomationConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Latitude    float64 `yaml:"latitude"`
	Longitude   float64 `yaml:"longitude"`
	DayPreset   string  `yaml:"day_preset"`
	NightPreset string  `yaml:"night_preset"`
}

// Config is the parsed bridge_config.yaml.
type Config struct {
	Airzone       AirzoneConfig       `yaml:"airzone"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Overlay       OverlayConfig       `yaml:"overlay"`
	Notifications NotificationConfig  `yaml:"notifications"`
	API           APIConfig           `yaml:"api"`
	Automation    AutomationConfig    `yaml:"automation"`
}

const configFileName = "bridge_config.yaml"

// Loader reads and validates the bridge configuration.
type Loader struct {
	configDir string
	logger    *zap.Logger
	config    *Config
}

// NewLoader creates a configuration loader rooted at configDir.
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// Load reads bridge_config.yaml. A missing file yields pure defaults.
func (l *Loader) Load() error {
	path := filepath.Join(l.configDir, configFileName)
	l.logger.Debug("Loading bridge config", zap.String("path", path))

	config := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		l.logger.Info("No config file found, using defaults", zap.String("path", path))
	case err != nil:
		return fmt.Errorf("failed to read bridge config: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse bridge config: %w", err)
		}
	}

	applyDefaults(config)
	if err := validate(config); err != nil {
		return err
	}

	l.config = config
	l.logger.Info("Bridge config loaded",
		zap.Int("scan_interval_seconds", config.Airzone.ScanIntervalSeconds),
		zap.Int("api_port", config.API.Port),
		zap.Bool("home_assistant", config.HomeAssistant.Enabled),
		zap.Bool("automation", config.Automation.Enabled))
	return nil
}

// Get returns the loaded configuration.
func (l *Loader) Get() *Config {
	return l.config
}

func defaults() *Config {
	return &Config{
		HomeAssistant: HomeAssistantConfig{Enabled: true},
		Notifications: NotificationConfig{Enabled: true},
	}
}

func applyDefaults(c *Config) {
	if c.Airzone.ScanIntervalSeconds <= 0 {
		c.Airzone.ScanIntervalSeconds = 10
	}
	if c.Airzone.StaleAfterMinutes <= 0 {
		c.Airzone.StaleAfterMinutes = 30
	}
	if c.Overlay.TTLSeconds <= 0 {
		c.Overlay.TTLSeconds = 10
	}
	if c.Overlay.RefreshDelaySeconds <= 0 {
		c.Overlay.RefreshDelaySeconds = 2
	}
	if c.Overlay.GuardMarginSeconds <= 0 {
		c.Overlay.GuardMarginSeconds = 2
	}
	if c.Notifications.Language == "" {
		c.Notifications.Language = "en"
	}
	if c.Notifications.DebounceSeconds <= 0 {
		c.Notifications.DebounceSeconds = 120
	}
	if c.API.Port == 0 {
		c.API.Port = 8081
	}
	if c.HomeAssistant.URL == "" {
		c.HomeAssistant.URL = "ws://homeassistant.local:8123/api/websocket"
	}
	if c.Automation.DayPreset == "" {
		c.Automation.DayPreset = "home"
	}
	if c.Automation.NightPreset == "" {
		c.Automation.NightPreset = "sleep"
	}
}

func validate(c *Config) error {
	if c.Airzone.ScanIntervalSeconds < 10 {
		return fmt.Errorf("airzone.scan_interval_seconds must be at least 10, got %d", c.Airzone.ScanIntervalSeconds)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in 1..65535, got %d", c.API.Port)
	}
	if c.Automation.Enabled {
		if c.Automation.Latitude < -90 || c.Automation.Latitude > 90 {
			return fmt.Errorf("automation.latitude out of range: %f", c.Automation.Latitude)
		}
		if c.Automation.Longitude < -180 || c.Automation.Longitude > 180 {
			return fmt.Errorf("automation.longitude out of range: %f", c.Automation.Longitude)
		}
	}
	return nil
}

// ScanInterval returns the poll cadence.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Airzone.ScanIntervalSeconds) * time.Second
}

// StaleAfter returns the connectivity staleness threshold.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Airzone.StaleAfterMinutes) * time.Minute
}

// OverlayTTL returns the overlay base validity window.
func (c *Config) OverlayTTL() time.Duration {
	return time.Duration(c.Overlay.TTLSeconds) * time.Second
}

// OverlayRefreshDelay returns the post-write refresh delay.
func (c *Config) OverlayRefreshDelay() time.Duration {
	return time.Duration(c.Overlay.RefreshDelaySeconds) * time.Second
}

// OverlayGuardMargin returns the reconcile guard margin.
func (c *Config) OverlayGuardMargin() time.Duration {
	return time.Duration(c.Overlay.GuardMarginSeconds) * time.Second
}

// NotificationDebounce returns the offline notification debounce.
func (c *Config) NotificationDebounce() time.Duration {
	return time.Duration(c.Notifications.DebounceSeconds) * time.Second
}

// Secrets holds the credentials read from the environment.
type Secrets struct {
	Email    string
	Password string
	HAToken  string
}

// SecretsFromEnv reads credentials from the process environment. godotenv
// loading, if any, must happen before this call.
func SecretsFromEnv() (*Secrets, error) {
	s := &Secrets{
		Email:    os.Getenv("AIRZONE_EMAIL"),
		Password: os.Getenv("AIRZONE_PASSWORD"),
		HAToken:  os.Getenv("HA_TOKEN"),
	}
	if s.Email == "" || s.Password == "" {
		return nil, fmt.Errorf("AIRZONE_EMAIL and AIRZONE_PASSWORD must be set")
	}
	return s, nil
}
