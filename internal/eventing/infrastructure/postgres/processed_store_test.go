package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	var exists bool
	if err := db.QueryRow(`SELECT to_regclass('public.processed_signals') IS NOT NULL`).Scan(&exists); err != nil || !exists {
		t.Skip("missing processed_signals; run migrations")
	}
	return db
}

func TestProcessedStore_MarkAndPrune(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _ = db.ExecContext(ctx, `DELETE FROM processed_signals WHERE event_id LIKE 'it-evt-%'`)

	store := NewProcessedStore(db, WithProcessedClock(func() time.Time { return old }))
	require.NoError(t, store.MarkProcessed(ctx, "it-evt-1", "trade_executed"))
	require.NoError(t, store.MarkProcessed(ctx, "it-evt-1", "trade_executed"))

	seen, err := store.HasProcessed(ctx, "it-evt-1", "trade_executed")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = store.HasProcessed(ctx, "it-evt-1", "order_placed")
	require.NoError(t, err)
	assert.False(t, seen)

	removed, err := store.Prune(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
	seen, err = store.HasProcessed(ctx, "it-evt-1", "trade_executed")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestProcessedStore_RejectsMissingArguments(t *testing.T) {
	var nilStore *ProcessedStore
	_, err := nilStore.HasProcessed(context.Background(), "e", "c")
	assert.ErrorIs(t, err, errNilDB)

	store := NewProcessedStore(&sql.DB{})
	assert.ErrorIs(t, store.MarkProcessed(context.Background(), "", "c"), errInvalidArgs)
}
