// Package ledger records the outcome of mutating requests by idempotency key
// so that retries replay the first result instead of writing twice.
//
// A record moves processing → succeeded or processing → failed. A failed key
// may be claimed again; a processing key may be reclaimed only once it is
// older than the caller's stale threshold. Three backends are provided:
// [MemLedger] (single process), [PostgresLedger] and [SQLiteLedger].
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a [Record].
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusProcessing, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Result summarises what a succeeded request did, enough to replay its
// response.
type Result struct {
	ActionType       string    `json:"action_type"`
	TargetCalendarID string    `json:"target_calendar_id,omitempty"`
	TargetEntityID   string    `json:"target_entity_id,omitempty"`
	Start            time.Time `json:"start,omitzero"`
	End              time.Time `json:"end,omitzero"`
	Date             string    `json:"date,omitempty"`
}

// Record is one ledger entry.
type Record struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stale reports whether a processing record was last touched before
// now-staleAfter. A non-positive staleAfter never considers a record stale.
func (r *Record) Stale(now time.Time, staleAfter time.Duration) bool {
	return r.Status == StatusProcessing && staleAfter > 0 && r.UpdatedAt.Before(now.Add(-staleAfter))
}

// claimable reports whether a claim at now may take over r.
func (r *Record) claimable(now time.Time, staleAfter time.Duration) bool {
	return r == nil || r.Status == StatusFailed || r.Stale(now, staleAfter)
}

// Patch is a partial update merged by [Ledger.Set]. Zero fields are left
// unchanged.
type Patch struct {
	Status    Status
	Result    *Result
	LastError *string
}

// Succeeded is a Patch marking a record succeeded with res.
func Succeeded(res Result) Patch {
	empty := ""
	return Patch{Status: StatusSucceeded, Result: &res, LastError: &empty}
}

// Failed is a Patch marking a record failed with err's message.
func Failed(err error) Patch {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Patch{Status: StatusFailed, LastError: &msg}
}

func (p Patch) validate() error {
	if p.Status != "" && !p.Status.IsValid() {
		return fmt.Errorf("ledger: invalid status %q", p.Status)
	}
	return nil
}

// apply merges p into r in place.
func (p Patch) apply(r *Record, now time.Time) {
	if p.Status != "" {
		r.Status = p.Status
	}
	if p.Result != nil {
		res := *p.Result
		r.Result = &res
	}
	if p.LastError != nil {
		r.LastError = *p.LastError
	}
	r.UpdatedAt = now
}

// Ledger is a durable key → [Record] map. Implementations must be safe for
// concurrent use.
type Ledger interface {
	// Get returns the record for key, or (nil, nil) when absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Set merges patch into the record for key, creating a processing
	// record when absent, and returns the result.
	Set(ctx context.Context, key string, patch Patch) (*Record, error)

	// Claim atomically moves an absent, failed or stale-processing record to
	// processing. It returns the current record and whether the caller won.
	Claim(ctx context.Context, key string, staleAfter time.Duration) (*Record, bool, error)

	// DeleteBefore removes records last updated before cutoff and returns how
	// many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	Close() error
}
