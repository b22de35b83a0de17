package eventing

import (
	"context"
	"sync"
)

// Handler consumes one decoded payload.
type Handler func(ctx context.Context, event any) error

// ProcessedStore provides idempotency checks.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// WrapHandler skips envelopes the consumer already handled. A nil store returns handler as is.
func WrapHandler(consumerName string, handler Handler, store ProcessedStore) Handler {
	if store == nil {
		return handler
	}
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		processed, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}

// MemoryProcessedStore keeps processed ids in process.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryProcessedStore constructs an empty store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]struct{})}
}

func (m *MemoryProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[consumerName+"/"+eventID]
	return ok, nil
}

func (m *MemoryProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	m.mu.Lock()
	m.seen[consumerName+"/"+eventID] = struct{}{}
	m.mu.Unlock()
	return nil
}
