package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	masterdata "microgrid-ledger/internal/masterdata/domain"
	masterdatarepo "microgrid-ledger/internal/masterdata/infrastructure/postgres"
	settlement "microgrid-ledger/internal/settlement/domain"
	"microgrid-ledger/internal/settlement/infrastructure/postgres"
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
	if !tableExists(db, "devices") || !tableExists(db, "settlements") {
		t.Skip("missing tables; run migrations")
	}
	return db
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists)
	return err == nil && exists
}

func seedDevice(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM settlements WHERE device_id = $1", id)
	repo := masterdatarepo.NewDeviceRepository(db)
	require.NoError(t, repo.Save(ctx, &masterdata.Device{ID: id, OwnerID: "owner-it", Name: "IT meter", Active: true}))
}

func pending(t *testing.T, id, deviceID string, start time.Time) *settlement.Settlement {
	t.Helper()
	s, err := settlement.NewPending(id, deviceID, settlement.TriggerPeriodic,
		settlement.CounterSnapshot{At: start, ExportWh: 1000, ImportWh: 200},
		settlement.CounterSnapshot{At: start.Add(time.Hour), ExportWh: 1500, ImportWh: 250},
		start.Add(time.Hour))
	require.NoError(t, err)
	return s
}

func TestSettlementRepository_PendingLifecycle(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	deviceID := "device-it-settle"
	seedDevice(t, db, deviceID)

	repo := postgres.NewSettlementRepository(db)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := pending(t, "stl-it-1", deviceID, start)
	require.NoError(t, repo.Create(ctx, first))
	assert.ErrorIs(t, repo.Create(ctx, pending(t, "stl-it-2", deviceID, start)), settlement.ErrSettlementInFlight)

	attached, err := repo.AttachTxRef(ctx, first.ID, "0xit1")
	require.NoError(t, err)
	assert.True(t, attached)

	found, err := repo.FindByExternalTxRef(ctx, "0xit1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, 450.0, found.NetEnergyWh)

	submitted, err := repo.ListPendingSubmitted(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, submitted)

	credited := decimal.NewFromInt(225)
	confirmedAt := start.Add(2 * time.Hour)
	applied, err := repo.Transition(ctx, first.ID, settlement.Transition{
		Status:        settlement.StatusSuccess,
		ExternalTxRef: "0xit1",
		CreditedValue: &credited,
		At:            confirmedAt,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.Transition(ctx, first.ID, settlement.Transition{Status: settlement.StatusFailed, FailureReason: "late", At: confirmedAt})
	require.NoError(t, err)
	assert.False(t, applied)

	last, err := repo.LastSuccessful(ctx, deviceID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, settlement.StatusSuccess, last.Status)
	require.NotNil(t, last.CreditedValue)
	assert.True(t, last.CreditedValue.Equal(credited))
	require.NotNil(t, last.ConfirmedAt)

	_, err = repo.Transition(ctx, "stl-it-missing", settlement.Transition{Status: settlement.StatusFailed, At: confirmedAt})
	assert.ErrorIs(t, err, settlement.ErrSettlementNotFound)
}

func TestSettlementRepository_FailStalePending(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	deviceID := "device-it-stale"
	seedDevice(t, db, deviceID)

	repo := postgres.NewSettlementRepository(db)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, pending(t, "stl-it-stale", deviceID, start)))

	ids, err := repo.FailStalePending(ctx, start.Add(3*time.Hour), settlement.ReasonTimeout, start.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Contains(t, ids, "stl-it-stale")

	got, err := repo.Get(ctx, "stl-it-stale")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, settlement.StatusFailed, got.Status)
	assert.Equal(t, settlement.ReasonTimeout, got.FailureReason)

	list, err := repo.List(ctx, settlement.ListFilter{DeviceIDs: []string{deviceID}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)
}
