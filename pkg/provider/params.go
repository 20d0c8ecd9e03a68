package provider

import (
	"fmt"
	"time"
)

// Params is the provider-specific slice of a check's configuration: every
// key the core does not consume is passed through here untouched. Values
// arrive from YAML documents (integers decode as int) or JSON (numbers
// decode as float64), so the numeric accessors coerce both.
type Params map[string]any

// Has reports whether the key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Value returns the raw value for key.
func (p Params) Value(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// Require is the building block for Validate implementations: every listed
// key must be present.
func (p Params) Require(keys ...string) error {
	for _, key := range keys {
		if _, ok := p[key]; !ok {
			return fmt.Errorf("required param missing: %s", key)
		}
	}
	return nil
}

// String returns the value for key, which must be a string.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("param %q missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q is not a string (got %T)", key, v)
	}
	return s, nil
}

// StringOr returns the string under key, or fallback when absent or not a
// string.
func (p Params) StringOr(key, fallback string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return fallback
}

// IntOr returns the integer under key, coercing YAML and JSON number
// types; fallback when absent or not numeric.
func (p Params) IntOr(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// BoolOr returns the boolean under key, or fallback.
func (p Params) BoolOr(key string, fallback bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return fallback
}

// DurationMs reads a millisecond count (the *_ms convention used by check
// configs) and returns it as a duration; fallback when absent or not
// positive.
func (p Params) DurationMs(key string, fallback time.Duration) time.Duration {
	if ms := p.IntOr(key, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// Map returns the nested object under key, or nil when absent or not an
// object.
func (p Params) Map(key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}
