package ledger

import (
	"context"
	"sync"
	"time"
)

var _ Ledger = (*MemLedger)(nil)

// MemLedger is a thread-safe, in-memory [Ledger]. Records do not survive a
// restart. The zero value is ready to use.
type MemLedger struct {
	// Now overrides the clock, mainly for tests.
	Now func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

// NewMemLedger returns an initialised [MemLedger].
func NewMemLedger() *MemLedger {
	return &MemLedger{records: make(map[string]Record)}
}

func (l *MemLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Get implements [Ledger.Get].
func (l *MemLedger) Get(_ context.Context, key string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// Set implements [Ledger.Set].
func (l *MemLedger) Set(_ context.Context, key string, patch Patch) (*Record, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.records == nil {
		l.records = make(map[string]Record)
	}
	r, ok := l.records[key]
	if !ok {
		r = Record{Key: key, Status: StatusProcessing, CreatedAt: now}
	}
	patch.apply(&r, now)
	l.records[key] = r
	return &r, nil
}

// Claim implements [Ledger.Claim].
func (l *MemLedger) Claim(_ context.Context, key string, staleAfter time.Duration) (*Record, bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.records == nil {
		l.records = make(map[string]Record)
	}
	cur, ok := l.records[key]
	var existing *Record
	if ok {
		existing = &cur
	}
	if !existing.claimable(now, staleAfter) {
		return existing, false, nil
	}

	r := Record{Key: key, Status: StatusProcessing, CreatedAt: now, UpdatedAt: now}
	if ok {
		r.CreatedAt = cur.CreatedAt
	}
	l.records[key] = r
	return &r, true, nil
}

// DeleteBefore implements [Ledger.DeleteBefore].
func (l *MemLedger) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, r := range l.records {
		if r.UpdatedAt.Before(cutoff) {
			delete(l.records, k)
			n++
		}
	}
	return n, nil
}

// Ping implements [Ledger.Ping].
func (l *MemLedger) Ping(context.Context) error { return nil }

// Close implements [Ledger.Close].
func (l *MemLedger) Close() error { return nil }
