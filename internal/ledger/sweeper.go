package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes records older than a retention window.
type Sweeper struct {
	ledger    Ledger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// SweeperOption configures a [Sweeper].
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweeper runs. The default is one hour.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepClock overrides the clock used to compute the cutoff.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// DefaultRetention is how long records are kept when no retention is set.
const DefaultRetention = 7 * 24 * time.Hour

// NewSweeper creates a sweeper for l. A non-positive retention selects
// [DefaultRetention].
func NewSweeper(l Ledger, retention time.Duration, opts ...SweeperOption) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Sweeper{ledger: l, retention: retention, interval: time.Hour, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SweepOnce deletes every record last updated before now-retention.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	return s.ledger.DeleteBefore(ctx, s.now().Add(-s.retention))
}

// Run sweeps on every tick until ctx is cancelled. It always returns nil so
// it can share an errgroup with the HTTP server without tearing it down.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				slog.Warn("ledger sweeper: sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("ledger sweeper: removed expired records", "count", n, "retention", s.retention)
			}
		}
	}
}
