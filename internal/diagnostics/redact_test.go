package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSensitive(t *testing.T) {
	sensitive := []string{
		"password", "Email", "token", "ACCESS_TOKEN", "mac", "pin",
		"api_key", "apikey", "client_secret", "authorization", "user_password",
	}
	for _, key := range sensitive {
		assert.True(t, Sensitive(key), "Sensitive(%q)", key)
	}

	benign := []string{"name", "power", "mode", "cold_consign", "units", "id"}
	for _, key := range benign {
		assert.False(t, Sensitive(key), "Sensitive(%q)", key)
	}
}

func TestRedactNestedStructures(t *testing.T) {
	in := map[string]interface{}{
		"email": "user@example.com",
		"name":  "Salon",
		"installation": map[string]interface{}{
			"location": "somewhere",
			"devices": []interface{}{
				map[string]interface{}{
					"mac":   "AA:BB:CC",
					"power": "1",
				},
			},
		},
	}

	out := Redact(in).(map[string]interface{})

	assert.Equal(t, Placeholder, out["email"])
	assert.Equal(t, "Salon", out["name"])

	inst := out["installation"].(map[string]interface{})
	assert.Equal(t, Placeholder, inst["location"])

	dev := inst["devices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, Placeholder, dev["mac"])
	assert.Equal(t, "1", dev["power"])

	// The input must not be mutated.
	assert.Equal(t, "user@example.com", in["email"])
	assert.Equal(t, "AA:BB:CC",
		in["installation"].(map[string]interface{})["devices"].([]interface{})[0].(map[string]interface{})["mac"])
}

func TestRedactScalars(t *testing.T) {
	assert.Equal(t, "plain", Redact("plain"))
	assert.Equal(t, 42, Redact(42))
	assert.Nil(t, Redact(nil))
}
