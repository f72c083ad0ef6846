// Package diagnostics renders a support snapshot of the bridge with all
// credentials and personal identifiers scrubbed.
package diagnostics

import (
	"regexp"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "**REDACTED**"

// Exact field names that always carry sensitive values.
var sensitiveKeys = map[string]struct{}{
	"password":       {},
	"email":          {},
	"user":           {},
	"username":       {},
	"token":          {},
	"access_token":   {},
	"refresh_token":  {},
	"authentication": {},
	"mac":            {},
	"pin":            {},
	"latitude":       {},
	"longitude":      {},
	"complete_name":  {},
	"location":       {},
	"postal_code":    {},
}

// Fallback pattern for vendor fields not in the static set.
var sensitivePattern = regexp.MustCompile(`(?i)(token|auth|secret|api.?key|password)`)

// Sensitive reports whether a field name must be scrubbed.
func Sensitive(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	return sensitivePattern.MatchString(k)
}

// Redact walks value and replaces every sensitive field with Placeholder.
// Maps and slices are copied, never mutated in place.
func Redact(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			if Sensitive(key) {
				out[key] = Placeholder
				continue
			}
			out[key] = Redact(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = Redact(inner)
		}
		return out
	default:
		return value
	}
}
