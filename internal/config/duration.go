package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Duration wraps time.Duration so config files can use strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses a duration string like "5s" or "2m".
func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// MarshalCBOR encodes the duration as integer nanoseconds for blob transport.
func (d Duration) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(int64(d.Duration))
}

// UnmarshalCBOR decodes integer nanoseconds.
func (d *Duration) UnmarshalCBOR(data []byte) error {
	var ns int64
	if err := cbor.Unmarshal(data, &ns); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	d.Duration = time.Duration(ns)
	return nil
}

// String returns the duration string.
func (d Duration) String() string {
	return d.Duration.String()
}
