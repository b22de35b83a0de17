package telemetry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyDeviceID is returned when a reading has no device.
	ErrEmptyDeviceID = errors.New("telemetry: empty device id")
	// ErrInvalidReading is returned for a reading without timestamp or with negative counters.
	ErrInvalidReading = errors.New("telemetry: invalid reading")
)

// Reading is a cumulative energy counter sample. Counters are monotonic per device.
type Reading struct {
	DeviceID string    `json:"device_id"`
	At       time.Time `json:"at"`
	ExportWh float64   `json:"export_wh"`
	ImportWh float64   `json:"import_wh"`
}

// Validate checks reading invariants.
func (r Reading) Validate() error {
	if r.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	if r.At.IsZero() || r.ExportWh < 0 || r.ImportWh < 0 {
		return ErrInvalidReading
	}
	return nil
}

// Store exposes per-device counter readings.
type Store interface {
	// Latest returns the newest reading, or nil when the device has none.
	Latest(ctx context.Context, deviceID string) (*Reading, error)
	// Earliest returns the oldest retained reading, or nil.
	Earliest(ctx context.Context, deviceID string) (*Reading, error)
	// Range returns readings within [start, end) ordered by time.
	Range(ctx context.Context, deviceID string, start, end time.Time) ([]Reading, error)
	Append(ctx context.Context, reading Reading) error
}
