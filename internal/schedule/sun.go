// Package schedule applies occupancy presets on sun transitions: the night
// preset after sunset, the day preset after sunrise. It is optional and only
// runs when the bridge is configured with coordinates.
package schedule

import (
	"context"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/clock"
)

// PresetSetter applies a preset to one device; the hvac controller implements
// it.
type PresetSetter interface {
	SetPreset(ctx context.Context, key string, preset string) error
}

// DeviceLister supplies the current device set; the coordinator implements it.
type DeviceLister interface {
	Data() map[string]airzone.Device
}

// Automation drives preset changes from the sun's position.
type Automation struct {
	setter      PresetSetter
	devices     DeviceLister
	logger      *zap.Logger
	clk         clock.Clock
	latitude    float64
	longitude   float64
	dayPreset   string
	nightPreset string
}

// NewAutomation wires an Automation for the given coordinates.
func NewAutomation(setter PresetSetter, devices DeviceLister, logger *zap.Logger, clk clock.Clock,
	latitude, longitude float64, dayPreset, nightPreset string) *Automation {
	return &Automation{
		setter:      setter,
		devices:     devices,
		logger:      logger,
		clk:         clk,
		latitude:    latitude,
		longitude:   longitude,
		dayPreset:   dayPreset,
		nightPreset: nightPreset,
	}
}

// sunTimes returns sunrise and sunset for the UTC day containing now.
func (a *Automation) sunTimes(now time.Time) (time.Time, time.Time) {
	utc := now.UTC()
	return sunrise.SunriseSunset(a.latitude, a.longitude, utc.Year(), utc.Month(), utc.Day())
}

// IsNight reports whether now falls outside the sunrise..sunset window.
func (a *Automation) IsNight(now time.Time) bool {
	rise, set := a.sunTimes(now)
	if rise.IsZero() && set.IsZero() {
		// Polar day or night; assume day to avoid forcing sleep around the clock.
		return false
	}
	return now.Before(rise) || !now.Before(set)
}

// CurrentPreset returns the preset that should be active at now.
func (a *Automation) CurrentPreset(now time.Time) string {
	if a.IsNight(now) {
		return a.nightPreset
	}
	return a.dayPreset
}

// nextTransition returns the next sunrise or sunset strictly after now.
func (a *Automation) nextTransition(now time.Time) time.Time {
	rise, set := a.sunTimes(now)
	if !rise.IsZero() && now.Before(rise) {
		return rise
	}
	if !set.IsZero() && now.Before(set) {
		return set
	}
	tomorrow := now.UTC().Add(24 * time.Hour)
	rise, _ = sunrise.SunriseSunset(a.latitude, a.longitude, tomorrow.Year(), tomorrow.Month(), tomorrow.Day())
	if rise.IsZero() || !now.Before(rise) {
		// Polar edge: check again in six hours.
		return now.Add(6 * time.Hour)
	}
	return rise
}

// applyAll pushes the preset for now onto every known device.
func (a *Automation) applyAll(ctx context.Context) {
	preset := a.CurrentPreset(a.clk.Now())
	for key := range a.devices.Data() {
		if err := a.setter.SetPreset(ctx, key, preset); err != nil {
			a.logger.Warn("Failed to apply scheduled preset",
				zap.String("device", key),
				zap.String("preset", preset),
				zap.Error(err))
		}
	}
	a.logger.Info("Applied scheduled preset", zap.String("preset", preset))
}

// Run applies the current preset immediately, then re-applies on every sun
// transition until ctx is cancelled.
func (a *Automation) Run(ctx context.Context) error {
	a.logger.Info("Sun automation started",
		zap.Float64("latitude", a.latitude),
		zap.Float64("longitude", a.longitude),
		zap.String("day_preset", a.dayPreset),
		zap.String("night_preset", a.nightPreset))

	a.applyAll(ctx)

	for {
		now := a.clk.Now()
		wait := a.nextTransition(now).Sub(now)
		if wait < time.Minute {
			// Never spin on a transition boundary.
			wait = time.Minute
		}

		select {
		case <-ctx.Done():
			a.logger.Info("Sun automation stopped")
			return ctx.Err()
		case <-a.clk.After(wait):
		}

		a.applyAll(ctx)
	}
}
