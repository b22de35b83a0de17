package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	orderbook "microgrid-ledger/internal/orderbook/domain"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Cache is the off-chain mirror of the ledger order book.
type Cache struct {
	store  orderbook.Store
	clock  Clock
	logger *zap.Logger
	locks  *keyedMutex
}

// NewCache constructs the cache.
func NewCache(store orderbook.Store, clock Clock, logger *zap.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("order cache: nil store")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, clock: clock, logger: logger, locks: newKeyedMutex()}, nil
}

// Put upserts an order. The write is rejected when it would break the status lattice,
// raise the remaining quantity or move the order to the other side.
func (c *Cache) Put(ctx context.Context, order orderbook.Order) (*orderbook.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	order.Recompute()
	order.UpdatedAtCache = c.clock.Now().UTC()

	unlock := c.locks.Lock(order.OrderID)
	defer unlock()

	return c.store.Update(ctx, order.OrderID, func(current *orderbook.Order) (*orderbook.Order, error) {
		if current != nil {
			if err := order.ValidateAgainst(*current); err != nil {
				return nil, err
			}
		}
		next := order
		return &next, nil
	})
}

// Get loads an order or returns ErrOrderNotFound.
func (c *Cache) Get(ctx context.Context, orderID string) (*orderbook.Order, error) {
	if orderID == "" {
		return nil, orderbook.ErrEmptyOrderID
	}
	order, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderbook.ErrOrderNotFound
	}
	return order, nil
}

// Update performs a read-modify-write on an existing order. fn receives a copy of the
// current record and returns the replacement, or nil to leave it untouched.
func (c *Cache) Update(ctx context.Context, orderID string, fn func(current orderbook.Order) (*orderbook.Order, error)) (*orderbook.Order, error) {
	if orderID == "" {
		return nil, orderbook.ErrEmptyOrderID
	}
	unlock := c.locks.Lock(orderID)
	defer unlock()

	now := c.clock.Now().UTC()
	return c.store.Update(ctx, orderID, func(current *orderbook.Order) (*orderbook.Order, error) {
		if current == nil {
			return nil, orderbook.ErrOrderNotFound
		}
		next, err := fn(*current)
		if err != nil || next == nil {
			return nil, err
		}
		next.OrderID = current.OrderID
		if err := next.Validate(); err != nil {
			return nil, err
		}
		if err := next.ValidateAgainst(*current); err != nil {
			return nil, err
		}
		next.Recompute()
		next.UpdatedAtCache = now
		return next, nil
	})
}

// Query looks up one index and filters the rest in memory. Results are sorted by order id.
func (c *Cache) Query(ctx context.Context, filter orderbook.Filter) ([]orderbook.Order, error) {
	dim, value, ok := filter.Primary()
	if !ok {
		return nil, orderbook.ErrMissingIndexFilter
	}
	ids, err := c.store.IDs(ctx, dim, value)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []orderbook.Order{}, nil
	}
	candidates, err := c.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(candidates) < len(ids) {
		c.logger.Debug("order index references missing records",
			zap.String("dimension", string(dim)),
			zap.String("value", value),
			zap.Int("missing", len(ids)-len(candidates)),
		)
	}

	result := make([]orderbook.Order, 0, len(candidates))
	for _, order := range candidates {
		if filter.Matches(order) {
			result = append(result, order)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderID < result[j].OrderID })
	return result, nil
}

// Remove deletes an order and its index membership.
func (c *Cache) Remove(ctx context.Context, orderID string) (bool, error) {
	if orderID == "" {
		return false, orderbook.ErrEmptyOrderID
	}
	unlock := c.locks.Lock(orderID)
	defer unlock()
	return c.store.Delete(ctx, orderID)
}

// CountsBySide returns the number of cached orders per side.
func (c *Cache) CountsBySide(ctx context.Context) (map[orderbook.Side]int, error) {
	counts := make(map[orderbook.Side]int, len(orderbook.Sides))
	for _, side := range orderbook.Sides {
		count, err := c.store.Count(ctx, orderbook.DimensionSide, string(side))
		if err != nil {
			return nil, fmt.Errorf("order cache: count side %s: %w", side, err)
		}
		counts[side] = count
	}
	return counts, nil
}

// CountsByStatus returns the number of cached orders per status.
func (c *Cache) CountsByStatus(ctx context.Context) (map[orderbook.Status]int, error) {
	counts := make(map[orderbook.Status]int, len(orderbook.Statuses))
	for _, status := range orderbook.Statuses {
		count, err := c.store.Count(ctx, orderbook.DimensionStatus, string(status))
		if err != nil {
			return nil, fmt.Errorf("order cache: count status %s: %w", status, err)
		}
		counts[status] = count
	}
	return counts, nil
}
