package airzone

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FlexString decodes JSON values that the DKN cloud serves inconsistently as
// strings, numbers or booleans (e.g. "power": "1" vs "power": 1).
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if string(b) == "true" {
		*f = "1"
		return nil
	}
	if string(b) == "false" {
		*f = "0"
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Float returns the numeric value, accepting comma decimal separators the
// backend sometimes emits.
func (f FlexString) Float() (float64, bool) {
	s := string(f)
	if s == "" {
		return 0, false
	}
	s = string(bytes.ReplaceAll([]byte(s), []byte(","), []byte(".")))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Installation identifies one Airzone installation the account can reach.
type Installation struct {
	ID   FlexString `json:"id"`
	Name FlexString `json:"name"`
}

type installationRelation struct {
	Installation   *Installation `json:"installation"`
	InstallationID FlexString    `json:"installation_id"`
	ID             FlexString    `json:"id"`
}

// InstallationID resolves the installation id from whichever field the
// backend populated.
func (r installationRelation) resolveID() string {
	if r.Installation != nil && r.Installation.ID != "" {
		return r.Installation.ID.String()
	}
	if r.InstallationID != "" {
		return r.InstallationID.String()
	}
	return r.ID.String()
}

// Device is one machine snapshot as served by GET /devices. Numeric-looking
// fields stay strings; the mapping layer interprets them.
type Device struct {
	ID              FlexString `json:"id"`
	MAC             FlexString `json:"mac"`
	Name            FlexString `json:"name"`
	Power           FlexString `json:"power"`
	Mode            FlexString `json:"mode"`
	Modes           FlexString `json:"modes"`
	ColdConsign     FlexString `json:"cold_consign"`
	HeatConsign     FlexString `json:"heat_consign"`
	ColdSpeed       FlexString `json:"cold_speed"`
	HeatSpeed       FlexString `json:"heat_speed"`
	AvailableSpeeds FlexString `json:"availables_speeds"`
	Scenary         FlexString `json:"scenary"`
	SleepTime       FlexString `json:"sleep_time"`
	MinLimitCold    FlexString `json:"min_limit_cold"`
	MaxLimitCold    FlexString `json:"max_limit_cold"`
	MinLimitHeat    FlexString `json:"min_limit_heat"`
	MaxLimitHeat    FlexString `json:"max_limit_heat"`
	LocalTemp       FlexString `json:"local_temp"`
	ConnectionDate  FlexString `json:"connection_date"`
	Firmware        FlexString `json:"firmware"`
	Brand           FlexString `json:"brand"`
	Units           FlexString `json:"units"`
	MachineErrors   FlexString `json:"machine_errors"`
	InstallationID  string     `json:"-"`
}

// OverlayFields exposes the mutable fields as the authoritative snapshot the
// overlay reconciles against.
func (d Device) OverlayFields() map[string]interface{} {
	return map[string]interface{}{
		"power":        d.Power.String(),
		"mode":         d.Mode.String(),
		"cold_consign": d.ColdConsign.String(),
		"heat_consign": d.HeatConsign.String(),
		"cold_speed":   d.ColdSpeed.String(),
		"heat_speed":   d.HeatSpeed.String(),
		"scenary":      d.Scenary.String(),
		"sleep_time":   d.SleepTime.String(),
	}
}

type loginResponse struct {
	User struct {
		AuthenticationToken string `json:"authentication_token"`
	} `json:"user"`
}

type installationsResponse struct {
	InstallationRelations []installationRelation `json:"installation_relations"`
}

type devicesResponse struct {
	Devices []Device `json:"devices"`
}

// Event is the command envelope for POST /events. P1 toggles power, P2 sets
// the machine mode, P3/P4 the cold/heat fan speed, P7/P8 the cold/heat
// setpoint.
type Event struct {
	CGI      string      `json:"cgi"`
	DeviceID string      `json:"device_id"`
	Option   string      `json:"option"`
	Value    interface{} `json:"value"`
}

type eventPayload struct {
	Event Event `json:"event"`
}

type devicePayload struct {
	Device map[string]interface{} `json:"device"`
}
