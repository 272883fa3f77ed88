package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a settable clock shared by the backends under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	open func(t *testing.T, clock *fakeClock) Ledger
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, clock *fakeClock) Ledger {
			l := NewMemLedger()
			l.Now = clock.Now
			return l
		}},
		{"sqlite", func(t *testing.T, clock *fakeClock) Ledger {
			l, err := NewSQLiteLedger(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteLedger: %v", err)
			}
			l.now = clock.Now
			t.Cleanup(func() { _ = l.Close() })
			return l
		}},
	}
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
}

func TestLedger_GetAbsent(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			l := b.open(t, newClock())
			r, err := l.Get(context.Background(), "nope")
			if err != nil || r != nil {
				t.Fatalf("Get absent = (%v, %v), want (nil, nil)", r, err)
			}
		})
	}
}

func TestLedger_SetMerges(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clock := newClock()
			l := b.open(t, clock)

			r, err := l.Set(ctx, "k", Patch{})
			if err != nil {
				t.Fatalf("Set: %v", err)
			}
			if r.Status != StatusProcessing {
				t.Fatalf("new record status = %q, want processing", r.Status)
			}
			created := r.CreatedAt

			clock.Advance(time.Second)
			r, err = l.Set(ctx, "k", Succeeded(Result{ActionType: "create_task", TargetEntityID: "evt-1", Date: "2026-11-01"}))
			if err != nil {
				t.Fatalf("Set succeeded: %v", err)
			}
			if r.Status != StatusSucceeded || r.Result == nil || r.Result.TargetEntityID != "evt-1" {
				t.Fatalf("unexpected record %+v", r)
			}
			if !r.CreatedAt.Equal(created) || !r.UpdatedAt.After(created) {
				t.Errorf("timestamps: created %v updated %v", r.CreatedAt, r.UpdatedAt)
			}

			// A patch without a result keeps the stored one.
			r, err = l.Set(ctx, "k", Patch{Status: StatusSucceeded})
			if err != nil {
				t.Fatalf("Set: %v", err)
			}
			if r.Result == nil || r.Result.Date != "2026-11-01" {
				t.Errorf("result lost on merge: %+v", r.Result)
			}

			if _, err := l.Set(ctx, "k", Patch{Status: "exploded"}); err == nil {
				t.Error("expected error for invalid status")
			}
		})
	}
}

func TestLedger_ClaimLifecycle(t *testing.T) {
	t.Parallel()
	const stale = 2 * time.Minute
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clock := newClock()
			l := b.open(t, clock)

			r, won, err := l.Claim(ctx, "k", stale)
			if err != nil || !won || r.Status != StatusProcessing {
				t.Fatalf("first claim = (%+v, %v, %v)", r, won, err)
			}

			_, won, err = l.Claim(ctx, "k", stale)
			if err != nil || won {
				t.Fatalf("second claim while processing: won=%v err=%v", won, err)
			}

			clock.Advance(stale + time.Second)
			_, won, err = l.Claim(ctx, "k", stale)
			if err != nil || !won {
				t.Fatalf("stale reclaim: won=%v err=%v", won, err)
			}

			if _, err := l.Set(ctx, "k", Failed(errors.New("gateway down"))); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			r, won, err = l.Claim(ctx, "k", stale)
			if err != nil || !won {
				t.Fatalf("claim after failure: won=%v err=%v", won, err)
			}
			if r.LastError != "" {
				t.Errorf("claim should clear last error, got %q", r.LastError)
			}

			if _, err := l.Set(ctx, "k", Succeeded(Result{ActionType: "create_event"})); err != nil {
				t.Fatalf("Set succeeded: %v", err)
			}
			clock.Advance(time.Hour)
			r, won, err = l.Claim(ctx, "k", stale)
			if err != nil || won {
				t.Fatalf("claim after success must lose: won=%v err=%v", won, err)
			}
			if r == nil || r.Status != StatusSucceeded {
				t.Fatalf("losing claim should report current record, got %+v", r)
			}
		})
	}
}

func TestLedger_ConcurrentClaimHasOneWinner(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			l := b.open(t, newClock())

			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, won, err := l.Claim(context.Background(), "race", time.Minute)
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if won {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := wins.Load(); got != 1 {
				t.Fatalf("winners = %d, want 1", got)
			}
		})
	}
}

func TestSweeper_DeletesExpired(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clock := newClock()
			l := b.open(t, clock)

			if _, err := l.Set(ctx, "old", Succeeded(Result{ActionType: "create_event"})); err != nil {
				t.Fatal(err)
			}
			clock.Advance(8 * 24 * time.Hour)
			if _, err := l.Set(ctx, "fresh", Patch{}); err != nil {
				t.Fatal(err)
			}

			s := NewSweeper(l, 0, WithSweepClock(clock.Now))
			n, err := s.SweepOnce(ctx)
			if err != nil {
				t.Fatalf("SweepOnce: %v", err)
			}
			if n != 1 {
				t.Errorf("deleted %d, want 1", n)
			}
			if r, _ := l.Get(ctx, "old"); r != nil {
				t.Error("old record should be gone")
			}
			if r, _ := l.Get(ctx, "fresh"); r == nil {
				t.Error("fresh record should remain")
			}
		})
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSweeper(NewMemLedger(), time.Hour, WithSweepInterval(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRecord_Stale(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name string
		r    Record
		want bool
	}{
		{"fresh processing", Record{Status: StatusProcessing, UpdatedAt: now}, false},
		{"old processing", Record{Status: StatusProcessing, UpdatedAt: now.Add(-time.Hour)}, true},
		{"old succeeded", Record{Status: StatusSucceeded, UpdatedAt: now.Add(-time.Hour)}, false},
	}
	for _, tc := range tests {
		if got := tc.r.Stale(now, time.Minute); got != tc.want {
			t.Errorf("%s: Stale = %v, want %v", tc.name, got, tc.want)
		}
	}
	if (&Record{Status: StatusProcessing, UpdatedAt: now.Add(-time.Hour)}).Stale(now, 0) {
		t.Error("zero threshold must never be stale")
	}
}
