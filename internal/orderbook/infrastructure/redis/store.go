package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	orderbook "microgrid-ledger/internal/orderbook/domain"
)

const (
	defaultKeyPrefix = "orders"
	defaultRetries   = 5
)

// Store keeps each order as a JSON string under orders:id:<id> and index membership in
// sets orders:<dimension>:<value>. Writes use WATCH + MULTI/EXEC.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	retries   int
}

// Option configures the store.
type Option func(*Store)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithRetries sets how many times a lost WATCH race is retried.
func WithRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retries = n
		}
	}
}

// NewStore constructs a store.
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	store := &Store{client: client, keyPrefix: defaultKeyPrefix, retries: defaultRetries}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) orderKey(orderID string) string {
	return fmt.Sprintf("%s:id:%s", s.keyPrefix, orderID)
}

func (s *Store) indexKey(dim orderbook.Dimension, value string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, dim, value)
}

// Get loads an order.
func (s *Store) Get(ctx context.Context, orderID string) (*orderbook.Order, error) {
	data, err := s.client.Get(ctx, s.orderKey(orderID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("order store: get: %w", err)
	}
	return decode(data)
}

// Update runs fn inside a WATCH on the canonical key and retries lost races.
func (s *Store) Update(ctx context.Context, orderID string, fn orderbook.Mutation) (*orderbook.Order, error) {
	if orderID == "" {
		return nil, orderbook.ErrEmptyOrderID
	}
	key := s.orderKey(orderID)

	var result *orderbook.Order
	txf := func(tx *goredis.Tx) error {
		var current *orderbook.Order
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			current, err = decode(data)
			if err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			for _, dim := range orderbook.Dimensions {
				value := orderbook.IndexValue(*next, dim)
				if current != nil {
					if old := orderbook.IndexValue(*current, dim); old != value {
						pipe.SRem(ctx, s.indexKey(dim, old), orderID)
					}
				}
				pipe.SAdd(ctx, s.indexKey(dim, value), orderID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		stored := *next
		result = &stored
		return nil
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, orderbook.ErrConflict
}

// Delete removes the canonical record and its index membership.
func (s *Store) Delete(ctx context.Context, orderID string) (bool, error) {
	key := s.orderKey(orderID)
	var removed bool
	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			removed = false
			return nil
		}
		if err != nil {
			return err
		}
		current, err := decode(data)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			for _, dim := range orderbook.Dimensions {
				pipe.SRem(ctx, s.indexKey(dim, orderbook.IndexValue(*current, dim)), orderID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		removed = true
		return nil
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return removed, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return false, err
	}
	return false, orderbook.ErrConflict
}

// IDs lists the members of one index, sorted.
func (s *Store) IDs(ctx context.Context, dim orderbook.Dimension, value string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(dim, value)).Result()
	if err != nil {
		return nil, fmt.Errorf("order store: index %s: %w", dim, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetMany loads orders with one MGET, skipping ids without a record.
func (s *Store) GetMany(ctx context.Context, orderIDs []string) ([]orderbook.Order, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		keys[i] = s.orderKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("order store: mget: %w", err)
	}
	result := make([]orderbook.Order, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		order, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, *order)
	}
	return result, nil
}

// Count returns an index cardinality.
func (s *Store) Count(ctx context.Context, dim orderbook.Dimension, value string) (int, error) {
	count, err := s.client.SCard(ctx, s.indexKey(dim, value)).Result()
	if err != nil {
		return 0, fmt.Errorf("order store: count %s: %w", dim, err)
	}
	return int(count), nil
}

func decode(data []byte) (*orderbook.Order, error) {
	var order orderbook.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("order store: decode: %w", err)
	}
	return &order, nil
}
