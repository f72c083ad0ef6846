package ha

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/device"
	"dknbridge/internal/overlay"
)

// DefaultStaleAfter is how old a device's connection_date may be before it is
// published as offline.
const DefaultStaleAfter = 30 * time.Minute

// OverlaySource resolves the optimistic overlay for a device, so published
// values reflect in-flight commands instead of the lagging backend.
type OverlaySource interface {
	OverlayFor(key string) *overlay.Bucket
}

// Publisher mirrors device snapshots into Home Assistant helper entities.
// Entity names follow dkn_<slug>_<field>; only changed values are written.
type Publisher struct {
	service    Service
	overlays   OverlaySource
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time

	mu        sync.Mutex
	published map[string]string
}

// NewPublisher wires a Publisher. A zero staleAfter uses DefaultStaleAfter.
func NewPublisher(service Service, overlays OverlaySource, logger *zap.Logger, staleAfter time.Duration) *Publisher {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Publisher{
		service:    service,
		overlays:   overlays,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
		published:  make(map[string]string),
	}
}

// Reset drops the change cache so the next Publish rewrites every entity.
// Call after a Home Assistant reconnect.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = make(map[string]string)
}

// Publish writes the snapshot's device states to Home Assistant.
func (p *Publisher) Publish(snapshot map[string]airzone.Device) {
	for key, dev := range snapshot {
		p.publishDevice(key, dev)
	}
}

func (p *Publisher) publishDevice(key string, dev airzone.Device) {
	slug := Slug(dev.Name.String())
	if slug == "" {
		slug = Slug(key)
	}
	if slug == "" {
		return
	}

	bucket := p.overlays.OverlayFor(key)
	eff := func(field, backend string) string {
		v := bucket.Get(field, backend)
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}

	power := eff("power", dev.Power.String())
	modeCode := eff("mode", dev.Mode.String())
	mode := device.CurrentMode(power, modeCode)

	p.setBoolean(fmt.Sprintf("dkn_%s_power", slug), device.PowerOn(power))
	p.setText(fmt.Sprintf("dkn_%s_mode", slug), string(mode))

	if temp, ok := dev.LocalTemp.Float(); ok {
		p.setNumber(fmt.Sprintf("dkn_%s_current_temp", slug), temp)
	}

	if target, ok := targetTemp(bucket, dev, mode); ok {
		p.setNumber(fmt.Sprintf("dkn_%s_target_temp", slug), target)
	}

	if preset := device.PresetFromScenary(eff("scenary", dev.Scenary.String())); preset != "" {
		p.setText(fmt.Sprintf("dkn_%s_preset", slug), preset)
	}

	p.setBoolean(fmt.Sprintf("dkn_%s_online", slug),
		device.Online(dev, p.now(), p.staleAfter))
}

// targetTemp resolves the effective setpoint for the active mode.
func targetTemp(bucket *overlay.Bucket, dev airzone.Device, mode device.Mode) (float64, bool) {
	var field, backend string
	switch mode {
	case device.ModeCool:
		field, backend = "cold_consign", dev.ColdConsign.String()
	case device.ModeHeat:
		field, backend = "heat_consign", dev.HeatConsign.String()
	default:
		return 0, false
	}
	v := airzone.FlexString(fmt.Sprint(bucket.Get(field, backend)))
	return v.Float()
}

func (p *Publisher) setBoolean(name string, value bool) {
	rendered := "off"
	if value {
		rendered = "on"
	}
	if !p.dirty(name, rendered) {
		return
	}
	if err := p.service.SetInputBoolean(name, value); err != nil {
		p.retract(name)
		p.logger.Warn("Failed to publish boolean", zap.String("entity", name), zap.Error(err))
	}
}

func (p *Publisher) setNumber(name string, value float64) {
	rendered := fmt.Sprintf("%g", value)
	if !p.dirty(name, rendered) {
		return
	}
	if err := p.service.SetInputNumber(name, value); err != nil {
		p.retract(name)
		p.logger.Warn("Failed to publish number", zap.String("entity", name), zap.Error(err))
	}
}

func (p *Publisher) setText(name, value string) {
	if !p.dirty(name, value) {
		return
	}
	if err := p.service.SetInputText(name, value); err != nil {
		p.retract(name)
		p.logger.Warn("Failed to publish text", zap.String("entity", name), zap.Error(err))
	}
}

// dirty records rendered as published and reports whether it differed from the
// previous value.
func (p *Publisher) dirty(name, rendered string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published[name] == rendered {
		return false
	}
	p.published[name] = rendered
	return true
}

// retract forgets a failed publish so the next cycle retries it.
func (p *Publisher) retract(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.published, name)
}

// Slug renders a device name as a helper entity slug: lower-case, runs of
// non-alphanumerics collapsed to single underscores.
func Slug(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
