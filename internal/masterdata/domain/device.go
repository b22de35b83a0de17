package masterdata

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyDeviceID is returned when a device id is empty.
	ErrEmptyDeviceID = errors.New("device: empty id")
	// ErrEmptyOwnerID is returned when a device has no owner.
	ErrEmptyOwnerID = errors.New("device: empty owner id")
)

// Device is a metered asset owned by a ledger account.
type Device struct {
	ID        string
	OwnerID   string
	Name      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return ErrEmptyDeviceID
	}
	if d.OwnerID == "" {
		return ErrEmptyOwnerID
	}
	return nil
}

// DeviceRepository manages device persistence.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*Device, error)
	ListActive(ctx context.Context) ([]Device, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Device, error)
	Save(ctx context.Context, device *Device) error
}
