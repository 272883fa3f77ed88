package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema is the DDL for the idempotency_records table. Execute it via
// [PostgresLedger.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key         TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    result      JSONB,
    last_error  TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_records_updated ON idempotency_records(updated_at);
`

// DB is the database interface used by [PostgresLedger]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Ledger = (*PostgresLedger)(nil)

// PostgresLedger is a [Ledger] backed by PostgreSQL. Claims are a single
// upsert guarded by a WHERE clause, so concurrent claimers on different
// processes serialise on the row lock.
type PostgresLedger struct {
	db    DB
	now   func() time.Time
	ping  func(context.Context) error
	close func()
}

// PostgresOption configures a [PostgresLedger].
type PostgresOption func(*PostgresLedger)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) PostgresOption {
	return func(l *PostgresLedger) { l.now = now }
}

// WithLifecycle attaches the pool's Ping and Close so the ledger can own it.
func WithLifecycle(ping func(context.Context) error, closeFn func()) PostgresOption {
	return func(l *PostgresLedger) {
		l.ping = ping
		l.close = closeFn
	}
}

// NewPostgresLedger creates a ledger over db. The caller is responsible for
// calling [PostgresLedger.Migrate] before use.
func NewPostgresLedger(db DB, opts ...PostgresOption) *PostgresLedger {
	l := &PostgresLedger{db: db, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Migrate executes [PostgresSchema].
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

const pgSelect = `
	SELECT key, status, result, last_error, created_at, updated_at
	FROM idempotency_records
	WHERE key = $1`

// Get implements [Ledger.Get].
func (l *PostgresLedger) Get(ctx context.Context, key string) (*Record, error) {
	r, err := scanRecord(l.db.QueryRow(ctx, pgSelect, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: get %q: %w", key, err)
	}
	return r, nil
}

// Set implements [Ledger.Set].
func (l *PostgresLedger) Set(ctx context.Context, key string, patch Patch) (*Record, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	resultJSON, err := marshalResult(patch.Result)
	if err != nil {
		return nil, err
	}

	// NULL parameters leave the stored column as is.
	const query = `
		INSERT INTO idempotency_records (key, status, result, last_error, created_at, updated_at)
		VALUES ($1, COALESCE(NULLIF($2, ''), 'processing'), $3, COALESCE($4, ''), $5, $5)
		ON CONFLICT (key) DO UPDATE SET
			status     = COALESCE(NULLIF($2, ''), idempotency_records.status),
			result     = COALESCE($3, idempotency_records.result),
			last_error = COALESCE($4, idempotency_records.last_error),
			updated_at = $5
		RETURNING key, status, result, last_error, created_at, updated_at`

	r, err := scanRecord(l.db.QueryRow(ctx, query, key, string(patch.Status), resultJSON, patch.LastError, l.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("ledger: set %q: %w", key, err)
	}
	return r, nil
}

// Claim implements [Ledger.Claim].
func (l *PostgresLedger) Claim(ctx context.Context, key string, staleAfter time.Duration) (*Record, bool, error) {
	now := l.now().UTC()
	staleBefore := now.Add(-staleAfter)
	if staleAfter <= 0 {
		staleBefore = time.Time{}
	}

	const query = `
		INSERT INTO idempotency_records (key, status, result, last_error, created_at, updated_at)
		VALUES ($1, 'processing', NULL, '', $2, $2)
		ON CONFLICT (key) DO UPDATE SET
			status = 'processing', result = NULL, last_error = '', updated_at = $2
		WHERE idempotency_records.status = 'failed'
		   OR (idempotency_records.status = 'processing' AND idempotency_records.updated_at < $3)
		RETURNING key, status, result, last_error, created_at, updated_at`

	r, err := scanRecord(l.db.QueryRow(ctx, query, key, now, staleBefore))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("ledger: claim %q: %w", key, err)
	}

	cur, err := l.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

// DeleteBefore implements [Ledger.DeleteBefore].
func (l *PostgresLedger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM idempotency_records WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger: delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements [Ledger.Ping].
func (l *PostgresLedger) Ping(ctx context.Context) error {
	if l.ping == nil {
		return nil
	}
	return l.ping(ctx)
}

// Close implements [Ledger.Close].
func (l *PostgresLedger) Close() error {
	if l.close != nil {
		l.close()
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r          Record
		status     string
		resultJSON []byte
	)
	if err := row.Scan(&r.Key, &status, &resultJSON, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	res, err := unmarshalResult(resultJSON)
	if err != nil {
		return nil, err
	}
	r.Result = res
	return &r, nil
}

func unmarshalResult(data []byte) (*Result, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal result: %w", err)
	}
	return &res, nil
}

func marshalResult(res *Result) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal result: %w", err)
	}
	return data, nil
}
