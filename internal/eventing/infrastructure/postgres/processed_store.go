package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultProcessedTable = "processed_signals"

var (
	errNilDB       = errors.New("processed store: nil db")
	errInvalidArgs = errors.New("processed store: event id and consumer are required")
)

// ProcessedStore remembers which ledger signals each consumer has applied, so JetStream
// redeliveries are acknowledged without running the handler twice.
type ProcessedStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// ProcessedOption configures the processed store.
type ProcessedOption func(*ProcessedStore)

// WithProcessedTable overrides table name.
func WithProcessedTable(table string) ProcessedOption {
	return func(store *ProcessedStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithProcessedClock overrides the timestamp source for processed_at.
func WithProcessedClock(now func() time.Time) ProcessedOption {
	return func(store *ProcessedStore) {
		if now != nil {
			store.now = now
		}
	}
}

// NewProcessedStore constructs a processed store.
func NewProcessedStore(db *sql.DB, opts ...ProcessedOption) *ProcessedStore {
	store := &ProcessedStore{db: db, table: defaultProcessedTable, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *ProcessedStore) check(eventID, consumerName string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if eventID == "" || consumerName == "" {
		return errInvalidArgs
	}
	return nil
}

// HasProcessed reports whether consumerName already applied the signal.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	if err := s.check(eventID, consumerName); err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE event_id = $1 AND consumer_name = $2)`, s.table)
	if err := s.db.QueryRowContext(ctx, query, eventID, consumerName).Scan(&exists); err != nil {
		return false, fmt.Errorf("processed store: lookup %s/%s: %w", consumerName, eventID, err)
	}
	return exists, nil
}

// MarkProcessed records the signal as applied. Marking twice is a no-op.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	if err := s.check(eventID, consumerName); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, consumer_name, processed_at) VALUES ($1, $2, $3)
ON CONFLICT (event_id, consumer_name) DO NOTHING`, s.table)
	if _, err := s.db.ExecContext(ctx, query, eventID, consumerName, s.now().UTC()); err != nil {
		return fmt.Errorf("processed store: mark %s/%s: %w", consumerName, eventID, err)
	}
	return nil
}

// Prune deletes markers processed before the cutoff. The cutoff must lie outside the
// stream's redelivery window.
func (s *ProcessedStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE processed_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("processed store: prune: %w", err)
	}
	return res.RowsAffected()
}
