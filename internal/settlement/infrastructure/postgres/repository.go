package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"microgrid-ledger/internal/settlement/domain"
)

const (
	defaultSettlementTable = "settlements"
	uniqueViolation        = "23505"
)

const settlementColumns = `id, device_id, period_start, period_end,
	export_counter_start_wh, export_counter_end_wh, import_counter_start_wh, import_counter_end_wh,
	raw_export_wh, raw_import_wh, net_energy_wh, credited_value, external_tx_ref,
	status, trigger, failure_reason, created_at, confirmed_at`

// SettlementRepository is a Postgres implementation for settlements.
type SettlementRepository struct {
	db    *sql.DB
	table string
}

// NewSettlementRepository constructs a repository with defaults.
func NewSettlementRepository(db *sql.DB, opts ...RepositoryOption) *SettlementRepository {
	repo := &SettlementRepository{
		db:    db,
		table: defaultSettlementTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*SettlementRepository)

// WithTable overrides the default table.
func WithTable(table string) RepositoryOption {
	return func(repo *SettlementRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Create inserts a settlement. The partial unique index on (device_id) WHERE status = 'PENDING'
// turns a concurrent second pending row into ErrSettlementInFlight.
func (r *SettlementRepository) Create(ctx context.Context, s *settlement.Settlement) error {
	if r == nil || r.db == nil {
		return errors.New("settlement repo: nil db")
	}
	if s == nil {
		return settlement.ErrNilSettlement
	}

	query := fmt.Sprintf(`
INSERT INTO %s (`+settlementColumns+`) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
)`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		s.ID,
		s.DeviceID,
		s.PeriodStart.UTC(),
		s.PeriodEnd.UTC(),
		s.ExportCounterStartWh,
		s.ExportCounterEndWh,
		s.ImportCounterStartWh,
		s.ImportCounterEndWh,
		s.RawExportWh,
		s.RawImportWh,
		s.NetEnergyWh,
		nullDecimal(s.CreditedValue),
		nullString(s.ExternalTxRef),
		string(s.Status),
		string(s.Trigger),
		s.FailureReason,
		s.CreatedAt.UTC(),
		nullTime(s.ConfirmedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return settlement.ErrSettlementInFlight
		}
		return err
	}
	return nil
}

// Get loads a settlement by id.
func (r *SettlementRepository) Get(ctx context.Context, id string) (*settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	if id == "" {
		return nil, settlement.ErrEmptySettlementID
	}
	query := fmt.Sprintf(`SELECT `+settlementColumns+` FROM %s WHERE id = $1 LIMIT 1`, r.table)
	return scanSettlement(r.db.QueryRowContext(ctx, query, id))
}

// FindByExternalTxRef loads the settlement submitted under txRef.
func (r *SettlementRepository) FindByExternalTxRef(ctx context.Context, txRef string) (*settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	if txRef == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT `+settlementColumns+`
FROM %s
WHERE external_tx_ref = $1
ORDER BY created_at DESC
LIMIT 1`, r.table)
	return scanSettlement(r.db.QueryRowContext(ctx, query, txRef))
}

// LastSuccessful returns the SUCCESS settlement with the latest period end.
func (r *SettlementRepository) LastSuccessful(ctx context.Context, deviceID string) (*settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	if deviceID == "" {
		return nil, settlement.ErrEmptyDeviceID
	}
	query := fmt.Sprintf(`
SELECT `+settlementColumns+`
FROM %s
WHERE device_id = $1 AND status = $2
ORDER BY period_end DESC
LIMIT 1`, r.table)
	return scanSettlement(r.db.QueryRowContext(ctx, query, deviceID, string(settlement.StatusSuccess)))
}

// FindPending returns the device's PENDING settlement, if any.
func (r *SettlementRepository) FindPending(ctx context.Context, deviceID string) (*settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT `+settlementColumns+`
FROM %s
WHERE device_id = $1 AND status = $2
LIMIT 1`, r.table)
	return scanSettlement(r.db.QueryRowContext(ctx, query, deviceID, string(settlement.StatusPending)))
}

// AttachTxRef sets the submitted tx ref while the settlement is still PENDING.
func (r *SettlementRepository) AttachTxRef(ctx context.Context, id, txRef string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("settlement repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET external_tx_ref = $1
WHERE id = $2 AND status = $3`, r.table)
	result, err := r.db.ExecContext(ctx, query, txRef, id, string(settlement.StatusPending))
	if err != nil {
		return false, err
	}
	count, _ := result.RowsAffected()
	return count == 1, nil
}

// Transition applies t only when the settlement is still PENDING.
func (r *SettlementRepository) Transition(ctx context.Context, id string, t settlement.Transition) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("settlement repo: nil db")
	}
	var confirmedAt *time.Time
	if t.Status == settlement.StatusSuccess {
		at := t.At.UTC()
		confirmedAt = &at
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $1,
	external_tx_ref = COALESCE($2, external_tx_ref),
	credited_value = $3,
	failure_reason = $4,
	confirmed_at = $5,
	updated_at = $8
WHERE id = $6 AND status = $7`, r.table)
	result, err := r.db.ExecContext(
		ctx,
		query,
		string(t.Status),
		nullString(t.ExternalTxRef),
		nullDecimal(t.CreditedValue),
		t.FailureReason,
		nullTime(confirmedAt),
		id,
		string(settlement.StatusPending),
		t.At.UTC(),
	)
	if err != nil {
		return false, err
	}
	count, _ := result.RowsAffected()
	if count == 1 {
		return true, nil
	}

	existing, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, settlement.ErrSettlementNotFound
	}
	return false, nil
}

// FailStalePending fails every PENDING settlement created before createdBefore.
func (r *SettlementRepository) FailStalePending(ctx context.Context, createdBefore time.Time, reason string, at time.Time) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, failure_reason = $2, updated_at = $5
WHERE status = $3 AND created_at < $4
RETURNING id`, r.table)
	rows, err := r.db.QueryContext(ctx, query, string(settlement.StatusFailed), reason, string(settlement.StatusPending), createdBefore.UTC(), at.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListPendingSubmitted lists PENDING settlements that already carry a tx ref, oldest first.
func (r *SettlementRepository) ListPendingSubmitted(ctx context.Context, limit int) ([]settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT `+settlementColumns+`
FROM %s
WHERE status = $1 AND external_tx_ref IS NOT NULL AND external_tx_ref <> ''
ORDER BY created_at ASC
LIMIT $2`, r.table)
	rows, err := r.db.QueryContext(ctx, query, string(settlement.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// List returns settlements ordered by creation time, newest first.
func (r *SettlementRepository) List(ctx context.Context, filter settlement.ListFilter) ([]settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if filter.DeviceIDs == nil {
		query := fmt.Sprintf(`
SELECT `+settlementColumns+`
FROM %s
ORDER BY created_at DESC, id DESC
LIMIT $1`, r.table)
		rows, err = r.db.QueryContext(ctx, query, limit)
	} else {
		if len(filter.DeviceIDs) == 0 {
			return nil, nil
		}
		query := fmt.Sprintf(`
SELECT `+settlementColumns+`
FROM %s
WHERE device_id = ANY($1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, r.table)
		rows, err = r.db.QueryContext(ctx, query, filter.DeviceIDs, limit)
	}
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]settlement.Settlement, error) {
	defer rows.Close()
	var result []settlement.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*settlement.Settlement, error) {
	var s settlement.Settlement
	var credited decimal.NullDecimal
	var txRef sql.NullString
	var status, trigger string
	var confirmedAt sql.NullTime
	if err := row.Scan(
		&s.ID,
		&s.DeviceID,
		&s.PeriodStart,
		&s.PeriodEnd,
		&s.ExportCounterStartWh,
		&s.ExportCounterEndWh,
		&s.ImportCounterStartWh,
		&s.ImportCounterEndWh,
		&s.RawExportWh,
		&s.RawImportWh,
		&s.NetEnergyWh,
		&credited,
		&txRef,
		&status,
		&trigger,
		&s.FailureReason,
		&s.CreatedAt,
		&confirmedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Status = settlement.Status(status)
	s.Trigger = settlement.Trigger(trigger)
	if credited.Valid {
		value := credited.Decimal
		s.CreditedValue = &value
	}
	if txRef.Valid {
		s.ExternalTxRef = txRef.String
	}
	if confirmedAt.Valid {
		at := confirmedAt.Time.UTC()
		s.ConfirmedAt = &at
	}
	s.PeriodStart = s.PeriodStart.UTC()
	s.PeriodEnd = s.PeriodEnd.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

func nullDecimal(value *decimal.Decimal) decimal.NullDecimal {
	if value == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *value, Valid: true}
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
