package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Repository writes audit events to Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// Record writes an audit event. Typed payloads are stored as JSONB with their digest.
func (r *Repository) Record(ctx context.Context, event Event) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if event.Kind == "" {
		return errors.New("audit repo: empty kind")
	}
	if event.ID == "" {
		event.ID = NewID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(struct {
		Settlement *SettlementPayload `json:"settlement,omitempty"`
		Order      *OrderPayload      `json:"order,omitempty"`
		Origin     *Origin            `json:"origin,omitempty"`
	}{event.Settlement, event.Order, event.Origin})
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO audit_events (
	id, kind, actor, device_id, settlement_id, order_id, payload, payload_digest, occurred_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, event.ID, string(event.Kind), event.Actor, event.DeviceID, event.SettlementID, event.OrderID,
		payload, Digest(payload), event.OccurredAt.UTC())
	return err
}

// MemoryRecorder keeps events in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryRecorder constructs an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends an event.
func (m *MemoryRecorder) Record(ctx context.Context, event Event) error {
	_ = ctx
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (m *MemoryRecorder) Kinds() []Kind {
	events := m.Events()
	kinds := make([]Kind, len(events))
	for i, event := range events {
		kinds[i] = event.Kind
	}
	return kinds
}
