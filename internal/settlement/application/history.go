package application

import (
	"context"
	"errors"

	"microgrid-ledger/internal/settlement/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ErrInvalidScope is returned for an unknown history scope.
var ErrInvalidScope = errors.New("settlement: invalid history scope")

// Scope controls which devices a history query sees and whether owners are shown.
type Scope string

const (
	// ScopeOwn lists the requester's devices with owner ids.
	ScopeOwn Scope = "own"
	// ScopePublic lists every device with owner ids redacted.
	ScopePublic Scope = "public"
	// ScopeAll lists every device with owner ids. Admin only.
	ScopeAll Scope = "all"
)

// HistoryQuery selects settlement history.
type HistoryQuery struct {
	DeviceID    string
	Scope       Scope
	RequesterID string
	IsAdmin     bool
	Limit       int
}

// HistoryEntry is a settlement with its device owner. OwnerID is empty when redacted.
type HistoryEntry struct {
	settlement.Settlement
	OwnerID string
}

// History lists settlements newest first.
func (e *Engine) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	filter := settlement.ListFilter{Limit: limit}
	owners := make(map[string]string)
	redact := false

	switch q.Scope {
	case ScopeOwn, "":
		if q.RequesterID == "" {
			return nil, ErrUnauthorized
		}
		devices, err := e.devices.ListByOwner(ctx, q.RequesterID)
		if err != nil {
			return nil, err
		}
		filter.DeviceIDs = make([]string, 0, len(devices))
		for _, device := range devices {
			owners[device.ID] = device.OwnerID
			if q.DeviceID == "" || q.DeviceID == device.ID {
				filter.DeviceIDs = append(filter.DeviceIDs, device.ID)
			}
		}
		if q.DeviceID != "" && len(filter.DeviceIDs) == 0 {
			return nil, ErrUnauthorized
		}
	case ScopePublic:
		redact = true
		if q.DeviceID != "" {
			filter.DeviceIDs = []string{q.DeviceID}
		}
	case ScopeAll:
		if !q.IsAdmin {
			return nil, ErrUnauthorized
		}
		if q.DeviceID != "" {
			filter.DeviceIDs = []string{q.DeviceID}
		}
	default:
		return nil, ErrInvalidScope
	}

	if filter.DeviceIDs != nil && len(filter.DeviceIDs) == 0 {
		return []HistoryEntry{}, nil
	}
	records, err := e.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, record := range records {
		entry := HistoryEntry{Settlement: record}
		if !redact {
			owner, ok := owners[record.DeviceID]
			if !ok {
				device, err := e.devices.Get(ctx, record.DeviceID)
				if err != nil {
					return nil, err
				}
				if device != nil {
					owner = device.OwnerID
				}
				owners[record.DeviceID] = owner
			}
			entry.OwnerID = owner
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
