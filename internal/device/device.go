// Package device interprets raw DKN machine snapshots: power and mode
// normalization, capability probing from the modes bit-string, fan speed
// labels, preset/scenary mapping, temperature limits and clamping, and
// connectivity staleness.
package device

import (
	"math"
	"strconv"
	"strings"
	"time"

	"dknbridge/internal/airzone"
)

// Mode is the normalized HVAC operating mode.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeCool    Mode = "cool"
	ModeHeat    Mode = "heat"
	ModeFanOnly Mode = "fan_only"
	ModeDry     Mode = "dry"
)

// Preset names exposed to callers, mapped onto backend scenary values.
const (
	PresetHome  = "home"
	PresetAway  = "away"
	PresetSleep = "sleep"
)

// Neutral temperature limits used when the device reports none.
const (
	fallbackMinTemp = 16.0
	fallbackMaxTemp = 32.0
)

// Backend mode codes: 1 cool, 2 heat, 3 ventilate (cold type), 5 dry,
// 8 ventilate (heat type).
var modeByCode = map[string]Mode{
	"1": ModeCool,
	"2": ModeHeat,
	"3": ModeFanOnly,
	"5": ModeDry,
	"8": ModeFanOnly,
}

var codeByMode = map[Mode]string{
	ModeCool:    "1",
	ModeHeat:    "2",
	ModeFanOnly: "3",
	ModeDry:     "5",
}

// PowerOn normalizes the backend's power field to a boolean.
func PowerOn(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "1", "on", "true", "yes":
		return true
	case "0", "off", "false", "no", "", "none":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n != 0
	}
	return false
}

// ModeFromCode maps a backend mode code to a Mode; unknown codes are off.
func ModeFromCode(code string) Mode {
	if m, ok := modeByCode[strings.TrimSpace(code)]; ok {
		return m
	}
	return ModeOff
}

// CodeForMode returns the default code to send for a mode. Fan-only callers
// should prefer PreferredVentilateCode when available.
func CodeForMode(m Mode) (string, bool) {
	code, ok := codeByMode[m]
	return code, ok
}

// CurrentMode resolves the effective mode of a device, honoring power state.
func CurrentMode(power, modeCode string) Mode {
	if !PowerOn(power) {
		return ModeOff
	}
	return ModeFromCode(modeCode)
}

// modesBitstring validates and returns the capability bit-string, "" when the
// device reports garbage.
func modesBitstring(d airzone.Device) string {
	s := d.Modes.String()
	if s == "" {
		return ""
	}
	for _, ch := range s {
		if ch != '0' && ch != '1' {
			return ""
		}
	}
	return s
}

// supportsCode checks bit code-1 of the capability bit-string.
func supportsCode(bitstr string, code int) bool {
	idx := code - 1
	return idx >= 0 && len(bitstr) > idx && bitstr[idx] == '1'
}

// SupportedModes lists the modes a device can enter. Devices without a usable
// bit-string advertise everything.
func SupportedModes(d airzone.Device) []Mode {
	modes := []Mode{ModeOff}
	bitstr := modesBitstring(d)
	if bitstr == "" {
		return append(modes, ModeCool, ModeHeat, ModeFanOnly, ModeDry)
	}
	if supportsCode(bitstr, 1) {
		modes = append(modes, ModeCool)
	}
	if supportsCode(bitstr, 2) {
		modes = append(modes, ModeHeat)
	}
	if supportsCode(bitstr, 3) || supportsCode(bitstr, 8) {
		modes = append(modes, ModeFanOnly)
	}
	if supportsCode(bitstr, 5) {
		modes = append(modes, ModeDry)
	}
	return modes
}

// PreferredVentilateCode picks the P2 value for fan-only: 3 on cold-type
// machines, 8 on heat-type, "" when unsupported.
func PreferredVentilateCode(d airzone.Device) string {
	bitstr := modesBitstring(d)
	if supportsCode(bitstr, 3) {
		return "3"
	}
	if supportsCode(bitstr, 8) {
		return "8"
	}
	return ""
}

// FanSpeedCount returns the number of selectable fan speeds.
func FanSpeedCount(d airzone.Device) int {
	n, ok := d.AvailableSpeeds.Float()
	if !ok || n < 0 {
		return 0
	}
	return int(n)
}

// UseFanLabels reports whether low/medium/high labels replace numeric speeds.
// Only machines with exactly three speeds get labels.
func UseFanLabels(d airzone.Device) bool {
	return FanSpeedCount(d) == 3
}

var speedLabels = map[string]string{"1": "low", "2": "medium", "3": "high"}
var labelSpeeds = map[string]string{"low": "1", "medium": "2", "high": "3"}

// SpeedToLabel maps "1"/"2"/"3" to low/medium/high, passing unknown values
// through.
func SpeedToLabel(num string) string {
	if l, ok := speedLabels[strings.TrimSpace(num)]; ok {
		return l
	}
	return num
}

// LabelToSpeed maps low/medium/high back to numeric codes, passing unknown
// values through.
func LabelToSpeed(label string) string {
	if n, ok := labelSpeeds[strings.ToLower(strings.TrimSpace(label))]; ok {
		return n
	}
	return label
}

// FanModes lists the selectable speeds for the current mode. Off and dry have
// no fan control.
func FanModes(d airzone.Device, current Mode) []string {
	if current == ModeOff || current == ModeDry {
		return nil
	}
	n := FanSpeedCount(d)
	if n == 3 {
		return []string{"low", "medium", "high"}
	}
	modes := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		modes = append(modes, strconv.Itoa(i))
	}
	return modes
}

// SpeedKeyForMode returns which overlay/device field carries the fan speed
// for a given mode ("" when the mode has no fan control). Fan-only machines
// running the heat-type ventilate code use the heat speed.
func SpeedKeyForMode(current Mode, modeCode string) string {
	switch current {
	case ModeHeat:
		return "heat_speed"
	case ModeCool:
		return "cold_speed"
	case ModeFanOnly:
		if strings.TrimSpace(modeCode) == "8" {
			return "heat_speed"
		}
		return "cold_speed"
	}
	return ""
}

// PresetFromScenary maps a backend scenary onto a preset name.
func PresetFromScenary(scenary string) string {
	switch strings.ToLower(strings.TrimSpace(scenary)) {
	case "occupied":
		return PresetHome
	case "vacant":
		return PresetAway
	case "sleep":
		return PresetSleep
	}
	return ""
}

// ScenaryFromPreset maps a preset name onto the backend scenary value.
func ScenaryFromPreset(preset string) string {
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case PresetHome:
		return "occupied"
	case PresetAway:
		return "vacant"
	case PresetSleep:
		return "sleep"
	}
	return ""
}

// MinTemp returns the lower setpoint limit for the given mode, falling back
// to the neutral combination when the device reports nothing usable.
func MinTemp(d airzone.Device, mode Mode) float64 {
	cold, coldOK := d.MinLimitCold.Float()
	heat, heatOK := d.MinLimitHeat.Float()
	if mode == ModeCool && coldOK {
		return cold
	}
	if mode == ModeHeat && heatOK {
		return heat
	}
	switch {
	case coldOK && heatOK:
		return math.Min(cold, heat)
	case coldOK:
		return cold
	case heatOK:
		return heat
	}
	return fallbackMinTemp
}

// MaxTemp returns the upper setpoint limit for the given mode.
func MaxTemp(d airzone.Device, mode Mode) float64 {
	cold, coldOK := d.MaxLimitCold.Float()
	heat, heatOK := d.MaxLimitHeat.Float()
	if mode == ModeCool && coldOK {
		return cold
	}
	if mode == ModeHeat && heatOK {
		return heat
	}
	switch {
	case coldOK && heatOK:
		return math.Max(cold, heat)
	case coldOK:
		return cold
	case heatOK:
		return heat
	}
	return fallbackMaxTemp
}

// ClampNumber clamps value into [min, max] and quantizes it to step when
// step > 0. Swapped bounds are tolerated.
func ClampNumber(value, min, max, step float64) float64 {
	if min > max {
		min, max = max, min
	}
	v := math.Max(min, math.Min(max, value))
	if step > 0 {
		steps := math.Round((v - min) / step)
		v = min + steps*step
		v = math.Max(min, math.Min(max, v))
	}
	return v
}

// Connection date layouts observed from the backend.
var connectionDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Online decides connectivity from the connection_date age. An absent
// timestamp means offline (no evidence of connectivity); an unparseable one
// means online, preventing false alarms.
func Online(d airzone.Device, now time.Time, staleAfter time.Duration) bool {
	s := strings.TrimSpace(d.ConnectionDate.String())
	if s == "" {
		return false
	}
	for _, layout := range connectionDateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return now.Sub(ts.UTC()) <= staleAfter
		}
	}
	return true
}

// Key resolves the stable identifier for a device: the backend id, or the
// lower-cased MAC when the id is missing.
func Key(d airzone.Device) string {
	if id := strings.TrimSpace(d.ID.String()); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(d.MAC.String()))
}
