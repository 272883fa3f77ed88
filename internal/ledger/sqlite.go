package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var _ Ledger = (*SQLiteLedger)(nil)

// SQLiteLedger is a [Ledger] backed by a SQLite file. It suits single-node
// deployments that want records to survive a restart without running
// PostgreSQL. Timestamps are stored as Unix milliseconds.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLedger opens (or creates) the database at dsn and migrates it.
// Use ":memory:" for a throwaway ledger.
func NewSQLiteLedger(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared and serialises
	// writers on file databases.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, now: time.Now}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			key        TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			result     TEXT,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_updated ON idempotency_records(updated_at)`,
	}
	for _, m := range migrations {
		if _, err := l.db.Exec(m); err != nil {
			return fmt.Errorf("ledger: sqlite migration failed: %w\n%s", err, strings.TrimSpace(m))
		}
	}
	return nil
}

const sqliteColumns = `key, status, result, last_error, created_at, updated_at`

// Get implements [Ledger.Get].
func (l *SQLiteLedger) Get(ctx context.Context, key string) (*Record, error) {
	r, err := scanSQLite(l.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM idempotency_records WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get %q: %w", key, err)
	}
	return r, nil
}

// Set implements [Ledger.Set].
func (l *SQLiteLedger) Set(ctx context.Context, key string, patch Patch) (*Record, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	resultJSON, err := marshalResult(patch.Result)
	if err != nil {
		return nil, err
	}
	var result, lastErr any
	if resultJSON != nil {
		result = string(resultJSON)
	}
	if patch.LastError != nil {
		lastErr = *patch.LastError
	}
	now := l.now().UnixMilli()

	r, err := scanSQLite(l.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_records (key, status, result, last_error, created_at, updated_at)
		VALUES (?1, COALESCE(NULLIF(?2, ''), 'processing'), ?3, COALESCE(?4, ''), ?5, ?5)
		ON CONFLICT (key) DO UPDATE SET
			status     = COALESCE(NULLIF(?2, ''), idempotency_records.status),
			result     = COALESCE(?3, idempotency_records.result),
			last_error = COALESCE(?4, idempotency_records.last_error),
			updated_at = ?5
		RETURNING `+sqliteColumns,
		key, string(patch.Status), result, lastErr, now))
	if err != nil {
		return nil, fmt.Errorf("ledger: set %q: %w", key, err)
	}
	return r, nil
}

// Claim implements [Ledger.Claim].
func (l *SQLiteLedger) Claim(ctx context.Context, key string, staleAfter time.Duration) (*Record, bool, error) {
	now := l.now()
	staleBefore := int64(0)
	if staleAfter > 0 {
		staleBefore = now.Add(-staleAfter).UnixMilli()
	}

	r, err := scanSQLite(l.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_records (key, status, result, last_error, created_at, updated_at)
		VALUES (?1, 'processing', NULL, '', ?2, ?2)
		ON CONFLICT (key) DO UPDATE SET
			status = 'processing', result = NULL, last_error = '', updated_at = ?2
		WHERE idempotency_records.status = 'failed'
		   OR (idempotency_records.status = 'processing' AND idempotency_records.updated_at < ?3)
		RETURNING `+sqliteColumns,
		key, now.UnixMilli(), staleBefore))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("ledger: claim %q: %w", key, err)
	}

	cur, err := l.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

// DeleteBefore implements [Ledger.DeleteBefore].
func (l *SQLiteLedger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ledger: delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}

// Ping implements [Ledger.Ping].
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close implements [Ledger.Close].
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func scanSQLite(row *sql.Row) (*Record, error) {
	var (
		r                Record
		status           string
		result           sql.NullString
		created, updated int64
	)
	if err := row.Scan(&r.Key, &status, &result, &r.LastError, &created, &updated); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	if result.Valid && result.String != "" {
		rec, err := unmarshalResult([]byte(result.String))
		if err != nil {
			return nil, err
		}
		r.Result = rec
	}
	return &r, nil
}
