package memory

import (
	"context"
	"sync"

	"github.com/tidwall/btree"

	orderbook "microgrid-ledger/internal/orderbook/domain"
)

type indexKey struct {
	dim   orderbook.Dimension
	value string
}

// Store is an in-memory order store. Orders are kept id-ordered in a btree and every
// index is an id-ordered btree as well, so listings come out sorted.
type Store struct {
	mu      sync.RWMutex
	orders  *btree.Map[string, orderbook.Order]
	indices map[indexKey]*btree.Map[string, struct{}]
}

// NewStore constructs a store.
func NewStore() *Store {
	return &Store{
		orders:  btree.NewMap[string, orderbook.Order](32),
		indices: make(map[indexKey]*btree.Map[string, struct{}]),
	}
}

// Get loads an order.
func (s *Store) Get(ctx context.Context, orderID string) (*orderbook.Order, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders.Get(orderID)
	if !ok {
		return nil, nil
	}
	return &order, nil
}

// Update applies fn under the store lock.
func (s *Store) Update(ctx context.Context, orderID string, fn orderbook.Mutation) (*orderbook.Order, error) {
	_ = ctx
	if orderID == "" {
		return nil, orderbook.ErrEmptyOrderID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *orderbook.Order
	if existing, ok := s.orders.Get(orderID); ok {
		current = &existing
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	if current != nil {
		s.unindex(*current)
	}
	s.orders.Set(orderID, *next)
	s.index(*next)
	stored := *next
	return &stored, nil
}

// Delete removes an order and its index membership.
func (s *Store) Delete(ctx context.Context, orderID string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orders.Get(orderID)
	if !ok {
		return false, nil
	}
	s.unindex(existing)
	s.orders.Delete(orderID)
	return true, nil
}

// IDs lists ids in one index, ordered by id.
func (s *Store) IDs(ctx context.Context, dim orderbook.Dimension, value string) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.indices[indexKey{dim: dim, value: value}]
	if set == nil {
		return nil, nil
	}
	ids := make([]string, 0, set.Len())
	set.Scan(func(id string, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	return ids, nil
}

// GetMany loads orders by id, skipping missing ones.
func (s *Store) GetMany(ctx context.Context, orderIDs []string) ([]orderbook.Order, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]orderbook.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		if order, ok := s.orders.Get(id); ok {
			result = append(result, order)
		}
	}
	return result, nil
}

// Count returns an index cardinality.
func (s *Store) Count(ctx context.Context, dim orderbook.Dimension, value string) (int, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.indices[indexKey{dim: dim, value: value}]
	if set == nil {
		return 0, nil
	}
	return set.Len(), nil
}

func (s *Store) index(order orderbook.Order) {
	for _, dim := range orderbook.Dimensions {
		key := indexKey{dim: dim, value: orderbook.IndexValue(order, dim)}
		set := s.indices[key]
		if set == nil {
			set = btree.NewMap[string, struct{}](32)
			s.indices[key] = set
		}
		set.Set(order.OrderID, struct{}{})
	}
}

func (s *Store) unindex(order orderbook.Order) {
	for _, dim := range orderbook.Dimensions {
		key := indexKey{dim: dim, value: orderbook.IndexValue(order, dim)}
		set := s.indices[key]
		if set == nil {
			continue
		}
		set.Delete(order.OrderID)
		if set.Len() == 0 {
			delete(s.indices, key)
		}
	}
}
