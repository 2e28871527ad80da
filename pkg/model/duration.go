package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Duration wraps time.Duration with a human-readable JSON representation.
// It marshals to a string like "12h0m0s" and unmarshals from either a
// duration string or a bare number of seconds.
type Duration time.Duration

// D converts a time.Duration into a Duration.
func D(d time.Duration) Duration { return Duration(d) }

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the time.Duration string form.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	default:
		return fmt.Errorf("invalid duration value of type %T", raw)
	}
}
