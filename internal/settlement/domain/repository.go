package settlement

import (
	"context"
	"time"
)

// ListFilter narrows settlement listings.
type ListFilter struct {
	// DeviceIDs restricts results to these devices; nil means every device.
	DeviceIDs []string
	Limit     int
}

// Repository persists settlements. Transition, AttachTxRef and FailStalePending must only
// change rows that are still PENDING, so concurrent writers cannot double-transition.
type Repository interface {
	Create(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, id string) (*Settlement, error)
	FindByExternalTxRef(ctx context.Context, txRef string) (*Settlement, error)
	LastSuccessful(ctx context.Context, deviceID string) (*Settlement, error)
	FindPending(ctx context.Context, deviceID string) (*Settlement, error)
	AttachTxRef(ctx context.Context, id, txRef string) (bool, error)
	Transition(ctx context.Context, id string, t Transition) (bool, error)
	FailStalePending(ctx context.Context, createdBefore time.Time, reason string, at time.Time) ([]string, error)
	ListPendingSubmitted(ctx context.Context, limit int) ([]Settlement, error)
	List(ctx context.Context, filter ListFilter) ([]Settlement, error)
}
