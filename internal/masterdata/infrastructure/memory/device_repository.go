package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	masterdata "microgrid-ledger/internal/masterdata/domain"
)

// DeviceRepository is an in-memory device directory.
type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]masterdata.Device
}

// NewDeviceRepository constructs a repository seeded with devices.
func NewDeviceRepository(devices ...masterdata.Device) *DeviceRepository {
	repo := &DeviceRepository{devices: make(map[string]masterdata.Device, len(devices))}
	for _, device := range devices {
		repo.devices[device.ID] = device
	}
	return repo
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	return &device, nil
}

// ListActive returns active devices ordered by id.
func (r *DeviceRepository) ListActive(ctx context.Context) ([]masterdata.Device, error) {
	return r.filter(ctx, func(d masterdata.Device) bool { return d.Active })
}

// ListByOwner returns devices owned by ownerID.
func (r *DeviceRepository) ListByOwner(ctx context.Context, ownerID string) ([]masterdata.Device, error) {
	if ownerID == "" {
		return nil, masterdata.ErrEmptyOwnerID
	}
	return r.filter(ctx, func(d masterdata.Device) bool { return d.OwnerID == ownerID })
}

// Save upserts a device.
func (r *DeviceRepository) Save(ctx context.Context, device *masterdata.Device) error {
	_ = ctx
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	r.mu.Lock()
	r.devices[device.ID] = *device
	r.mu.Unlock()
	return nil
}

func (r *DeviceRepository) filter(ctx context.Context, keep func(masterdata.Device) bool) ([]masterdata.Device, error) {
	_ = ctx
	r.mu.RLock()
	var result []masterdata.Device
	for _, device := range r.devices {
		if keep(device) {
			result = append(result, device)
		}
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
