package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// recordRow returns a row that scans r in column order.
func recordRow(r Record) pgx.Row {
	return &mockRow{scanFunc: func(dest ...any) error {
		if len(dest) != 6 {
			return fmt.Errorf("scan: expected 6 destinations, got %d", len(dest))
		}
		*dest[0].(*string) = r.Key
		*dest[1].(*string) = string(r.Status)
		if r.Result != nil {
			data, _ := json.Marshal(r.Result)
			*dest[2].(*[]byte) = data
		}
		*dest[3].(*string) = r.LastError
		*dest[4].(*time.Time) = r.CreatedAt
		*dest[5].(*time.Time) = r.UpdatedAt
		return nil
	}}
}

func TestPostgresLedger_Migrate(t *testing.T) {
	t.Parallel()
	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresLedger(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS idempotency_records") {
		t.Errorf("unexpected DDL: %s", gotSQL)
	}

	failing := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	if err := NewPostgresLedger(failing).Migrate(context.Background()); err == nil {
		t.Error("expected migrate error")
	}
}

func TestPostgresLedger_GetAbsentAndPresent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := NewPostgresLedger(&mockDB{})
	r, err := l.Get(ctx, "missing")
	if err != nil || r != nil {
		t.Fatalf("Get missing = (%v, %v), want (nil, nil)", r, err)
	}

	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	want := Record{
		Key:       "abc123",
		Status:    StatusSucceeded,
		Result:    &Result{ActionType: "create_task", TargetEntityID: "evt-9", Date: "2026-11-01"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "abc123" {
			t.Errorf("queried key %v", args[0])
		}
		return recordRow(want)
	}}
	r, err = NewPostgresLedger(db).Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusSucceeded || r.Result == nil || r.Result.TargetEntityID != "evt-9" {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestPostgresLedger_SetPassesNullsForUnsetFields(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	var gotArgs []any
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
		if !strings.Contains(sql, "ON CONFLICT (key) DO UPDATE") {
			t.Errorf("Set should upsert, got %s", sql)
		}
		gotArgs = args
		return recordRow(Record{Key: "k", Status: StatusProcessing, CreatedAt: now, UpdatedAt: now})
	}}
	l := NewPostgresLedger(db, WithClock(func() time.Time { return now }))
	if _, err := l.Set(context.Background(), "k", Patch{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if gotArgs[1] != "" {
		t.Errorf("status arg = %v, want empty", gotArgs[1])
	}
	if b, ok := gotArgs[2].([]byte); !ok || b != nil {
		t.Errorf("result arg = %#v, want nil []byte", gotArgs[2])
	}
	if p, ok := gotArgs[3].(*string); !ok || p != nil {
		t.Errorf("last_error arg = %#v, want nil *string", gotArgs[3])
	}
}

func TestPostgresLedger_Claim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	t.Run("won", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			if !strings.Contains(sql, "status = 'failed'") {
				t.Errorf("claim must guard on failed/stale, got %s", sql)
			}
			if got := args[2].(time.Time); !got.Equal(now.Add(-2 * time.Minute)) {
				t.Errorf("stale cutoff = %v", got)
			}
			return recordRow(Record{Key: "k", Status: StatusProcessing, CreatedAt: now, UpdatedAt: now})
		}}
		l := NewPostgresLedger(db, WithClock(func() time.Time { return now }))
		_, won, err := l.Claim(ctx, "k", 2*time.Minute)
		if err != nil || !won {
			t.Fatalf("Claim = won %v err %v", won, err)
		}
	})

	t.Run("lost", func(t *testing.T) {
		t.Parallel()
		calls := 0
		db := &mockDB{queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			calls++
			if calls == 1 {
				return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
			}
			return recordRow(Record{Key: "k", Status: StatusProcessing, CreatedAt: now, UpdatedAt: now})
		}}
		l := NewPostgresLedger(db, WithClock(func() time.Time { return now }))
		r, won, err := l.Claim(ctx, "k", time.Minute)
		if err != nil || won {
			t.Fatalf("Claim = won %v err %v", won, err)
		}
		if r == nil || r.Status != StatusProcessing {
			t.Fatalf("expected current record, got %+v", r)
		}
	})

	t.Run("db error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(...any) error { return errors.New("connection reset") }}
		}}
		if _, _, err := NewPostgresLedger(db).Claim(ctx, "k", time.Minute); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestPostgresLedger_DeleteBefore(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		if !strings.HasPrefix(sql, "DELETE FROM idempotency_records") {
			t.Errorf("unexpected sql %s", sql)
		}
		return pgconn.NewCommandTag("DELETE 3"), nil
	}}
	n, err := NewPostgresLedger(db).DeleteBefore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
}
