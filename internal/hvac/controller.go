// Package hvac issues machine commands against the cloud API. Every mutable
// field has exactly one write path; each successful write records an
// optimistic overlay value and schedules a deferred refresh so the next poll
// confirms the command.
package hvac

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/device"
	"dknbridge/internal/overlay"
)

// Sleep timer bounds as presented by the product UI.
const (
	SleepTimerMin  = 30
	SleepTimerMax  = 120
	SleepTimerStep = 10
)

// Unoccupied temperature limit bounds.
const (
	UnoccupiedHeatMin = 12
	UnoccupiedHeatMax = 22
	UnoccupiedCoolMin = 24
	UnoccupiedCoolMax = 34
)

// DefaultRefreshDelay is how long after a write the confirming poll runs.
const DefaultRefreshDelay = 2 * time.Second

// API is the write surface of the cloud client.
type API interface {
	SendEvent(ctx context.Context, deviceID, option string, value interface{}) error
	PutDeviceFields(ctx context.Context, deviceID string, fields map[string]interface{}) error
}

// Source supplies device snapshots, overlay buckets and refresh scheduling;
// the coordinator implements it.
type Source interface {
	Device(key string) (airzone.Device, bool)
	OverlayFor(key string) *overlay.Bucket
	ScheduleRefresh(delay time.Duration)
}

// Controller dispatches user commands for all managed devices.
type Controller struct {
	api          API
	source       Source
	logger       *zap.Logger
	refreshDelay time.Duration
}

// NewController wires a Controller. A zero refreshDelay uses the default.
func NewController(api API, source Source, logger *zap.Logger, refreshDelay time.Duration) *Controller {
	if refreshDelay <= 0 {
		refreshDelay = DefaultRefreshDelay
	}
	return &Controller{
		api:          api,
		source:       source,
		logger:       logger,
		refreshDelay: refreshDelay,
	}
}

func (c *Controller) resolve(key string) (airzone.Device, *overlay.Bucket, error) {
	dev, ok := c.source.Device(key)
	if !ok {
		return airzone.Device{}, nil, fmt.Errorf("unknown device %q", key)
	}
	return dev, c.source.OverlayFor(key), nil
}

// effective returns the overlay value for field if live, else the backend one.
func effective(bucket *overlay.Bucket, field, backend string) string {
	v := bucket.Get(field, backend)
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}

func (c *Controller) confirm(bucket *overlay.Bucket, field string, value interface{}) {
	bucket.Set(field, value)
	c.source.ScheduleRefresh(c.refreshDelay)
}

// SetPower turns a device on or off via P1. Already-satisfied requests are
// no-ops; when only the overlay disagrees with the backend, the stale overlay
// entry is dropped instead of issuing a redundant command.
func (c *Controller) SetPower(ctx context.Context, key string, on bool) error {
	dev, bucket, err := c.resolve(key)
	if err != nil {
		return err
	}

	current := device.PowerOn(effective(bucket, "power", dev.Power.String()))
	if current == on {
		return nil
	}
	if device.PowerOn(dev.Power.String()) == on {
		bucket.Invalidate("power")
		return nil
	}

	if on {
		if err := c.autoExitAway(ctx, key, "power on"); err != nil {
			return err
		}
	}

	value := 0
	optimistic := "0"
	if on {
		value = 1
		optimistic = "1"
	}
	if err := c.api.SendEvent(ctx, key, "P1", value); err != nil {
		return err
	}
	c.confirm(bucket, "power", optimistic)
	return nil
}

// SetMode switches the operating mode via P2, powering the machine on first
// when needed. ModeOff delegates to SetPower.
func (c *Controller) SetMode(ctx context.Context, key string, mode device.Mode) error {
	dev, bucket, err := c.resolve(key)
	if err != nil {
		return err
	}

	if mode == device.ModeOff {
		if err := c.api.SendEvent(ctx, key, "P1", 0); err != nil {
			return err
		}
		bucket.Set("power", "0")
		bucket.Invalidate("mode")
		c.source.ScheduleRefresh(c.refreshDelay)
		return nil
	}

	if err := c.autoExitAway(ctx, key, "set mode"); err != nil {
		return err
	}

	power := effective(bucket, "power", dev.Power.String())
	modeCode := effective(bucket, "mode", dev.Mode.String())
	if device.CurrentMode(power, modeCode) == mode {
		c.logger.Debug("Mode already active, skipping",
			zap.String("device", key),
			zap.String("mode", string(mode)))
		return nil
	}

	poweredOn := false
	if !device.PowerOn(dev.Power.String()) {
		if err := c.api.SendEvent(ctx, key, "P1", 1); err != nil {
			return err
		}
		bucket.Set("power", "1")
		poweredOn = true
	}

	code := ""
	if mode == device.ModeFanOnly {
		code = device.PreferredVentilateCode(dev)
		if code == "" {
			code = "3"
		}
	} else {
		var ok bool
		code, ok = device.CodeForMode(mode)
		if !ok {
			return fmt.Errorf("unsupported mode %q", mode)
		}
	}

	if err := c.api.SendEvent(ctx, key, "P2", code); err != nil {
		if poweredOn {
			// The power prediction is now unverifiable; revert everything.
			bucket.Clear()
		}
		return err
	}
	bucket.Set("mode", code)
	c.confirm(bucket, "power", "1")
	return nil
}

// SetTargetTemperature writes the setpoint for the active mode (P7 cold,
// P8 heat), clamped to the device limits in whole degrees. Other modes have
// no setpoint.
func (c *Controller) SetTargetTemperature(ctx context.Context, key string, temp float64) error {
	dev, bucket, err := c.resolve(key)
	if err != nil {
		return err
	}

	mode := device.CurrentMode(
		effective(bucket, "power", dev.Power.String()),
		effective(bucket, "mode", dev.Mode.String()),
	)
	if mode != device.ModeCool && mode != device.ModeHeat {
		return fmt.Errorf("target temperature not adjustable in mode %q", mode)
	}

	if err := c.autoExitAway(ctx, key, "set temperature"); err != nil {
		return err
	}

	clamped := device.ClampNumber(temp, device.MinTemp(dev, mode), device.MaxTemp(dev, mode), 1)
	whole := int(math.Round(clamped))
	value := fmt.Sprintf("%d.0", whole)

	option, field := "P7", "cold_consign"
	if mode == device.ModeHeat {
		option, field = "P8", "heat_consign"
	}

	if err := c.api.SendEvent(ctx, key, option, value); err != nil {
		return err
	}
	c.confirm(bucket, field, whole)
	return nil
}

// SetFanSpeed writes the fan speed for the active mode (P3 cold side, P4 heat
// side), accepting low/medium/high labels on three-speed machines or numeric
// codes otherwise.
func (c *Controller) SetFanSpeed(ctx context.Context, key string, speed string) error {
	dev, bucket, err := c.resolve(key)
	if err != nil {
		return err
	}

	modeCode := effective(bucket, "mode", dev.Mode.String())
	mode := device.CurrentMode(effective(bucket, "power", dev.Power.String()), modeCode)
	allowed := device.FanModes(dev, mode)
	if len(allowed) == 0 {
		return fmt.Errorf("fan speed not adjustable in mode %q", mode)
	}
	if !contains(allowed, speed) {
		return fmt.Errorf("invalid fan speed %q (allowed %v)", speed, allowed)
	}

	if err := c.autoExitAway(ctx, key, "set fan speed"); err != nil {
		return err
	}

	value := speed
	if device.UseFanLabels(dev) {
		value = device.LabelToSpeed(speed)
	}

	field := device.SpeedKeyForMode(mode, modeCode)
	option := "P3"
	if field == "heat_speed" {
		option = "P4"
	}

	if err := c.api.SendEvent(ctx, key, option, value); err != nil {
		return err
	}
	c.confirm(bucket, field, value)
	return nil
}

// SetPreset maps a preset (home/away/sleep) onto the backend scenary and
// writes it via the device update endpoint.
func (c *Controller) SetPreset(ctx context.Context, key string, preset string) error {
	dev, bucket, err := c.resolve(key)
	if err != nil {
		return err
	}

	scenary := device.ScenaryFromPreset(preset)
	if scenary == "" {
		return fmt.Errorf("invalid preset %q", preset)
	}

	current := device.PresetFromScenary(effective(bucket, "scenary", dev.Scenary.String()))
	if current == preset {
		return nil
	}

	if err := c.api.PutDeviceFields(ctx, key, map[string]interface{}{"scenary": scenary}); err != nil {
		return err
	}
	c.confirm(bucket, "scenary", scenary)
	return nil
}

// SetSleepTimer writes the sleep timer in minutes, clamped to the product
// range and step.
func (c *Controller) SetSleepTimer(ctx context.Context, key string, minutes int) error {
	_, bucket, err := c.resolve(key)
	if err != nil {
		return err
	}

	clamped := int(device.ClampNumber(float64(minutes), SleepTimerMin, SleepTimerMax, SleepTimerStep))
	if err := c.api.PutDeviceFields(ctx, key, map[string]interface{}{"sleep_time": clamped}); err != nil {
		return err
	}
	c.confirm(bucket, "sleep_time", clamped)
	return nil
}

// SetUnoccupiedHeatMin writes the minimum heating temperature held while the
// installation is vacant.
func (c *Controller) SetUnoccupiedHeatMin(ctx context.Context, key string, temp int) error {
	_, _, err := c.resolve(key)
	if err != nil {
		return err
	}

	clamped := int(device.ClampNumber(float64(temp), UnoccupiedHeatMin, UnoccupiedHeatMax, 1))
	if err := c.api.PutDeviceFields(ctx, key, map[string]interface{}{"min_temp_unoccupied": clamped}); err != nil {
		return err
	}
	c.source.ScheduleRefresh(c.refreshDelay)
	return nil
}

// SetUnoccupiedCoolMax writes the maximum cooling temperature held while the
// installation is vacant.
func (c *Controller) SetUnoccupiedCoolMax(ctx context.Context, key string, temp int) error {
	_, _, err := c.resolve(key)
	if err != nil {
		return err
	}

	clamped := int(device.ClampNumber(float64(temp), UnoccupiedCoolMin, UnoccupiedCoolMax, 1))
	if err := c.api.PutDeviceFields(ctx, key, map[string]interface{}{"max_temp_unoccupied": clamped}); err != nil {
		return err
	}
	c.source.ScheduleRefresh(c.refreshDelay)
	return nil
}

// autoExitAway leaves the away preset before an active command, best effort.
func (c *Controller) autoExitAway(ctx context.Context, key, reason string) error {
	dev, bucket, err := c.resolve(key)
	if err != nil {
		return err
	}

	scenary := effective(bucket, "scenary", dev.Scenary.String())
	if device.PresetFromScenary(scenary) != device.PresetAway {
		return nil
	}

	if err := c.SetPreset(ctx, key, device.PresetHome); err != nil {
		c.logger.Debug("Auto-exit away skipped",
			zap.String("device", key),
			zap.String("reason", reason),
			zap.Error(err))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
