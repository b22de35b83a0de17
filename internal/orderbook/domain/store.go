package orderbook

import "context"

// Mutation computes the next record from the current one. current is nil when absent.
// Returning nil leaves the store untouched.
type Mutation func(current *Order) (*Order, error)

// Store is the keyed, multi-indexed order store. Update and Delete write the canonical
// record and its side/owner/status membership as one atomic unit.
type Store interface {
	Get(ctx context.Context, orderID string) (*Order, error)
	// Update applies fn and writes its result only if the record did not change in between.
	// Implementations may call fn more than once.
	Update(ctx context.Context, orderID string, fn Mutation) (*Order, error)
	Delete(ctx context.Context, orderID string) (bool, error)
	IDs(ctx context.Context, dim Dimension, value string) ([]string, error)
	GetMany(ctx context.Context, orderIDs []string) ([]Order, error)
	Count(ctx context.Context, dim Dimension, value string) (int, error)
}

// IndexValue returns the index member value of o for dim.
func IndexValue(o Order, dim Dimension) string {
	switch dim {
	case DimensionSide:
		return string(o.Side)
	case DimensionOwner:
		return o.Owner
	case DimensionStatus:
		return string(o.Status)
	}
	return ""
}

// Dimensions lists every secondary index.
var Dimensions = []Dimension{DimensionSide, DimensionOwner, DimensionStatus}
