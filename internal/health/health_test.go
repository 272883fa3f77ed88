package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func probe(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := New(Ping("ledger", fakePinger{err: errors.New("down")}))

	code, body := probe(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		wantFail string
	}{
		{name: "no checkers", wantCode: http.StatusOK},
		{
			name: "all pass",
			checkers: []Checker{
				Ping("ledger", fakePinger{}),
				Open("gateway", func() bool { return false }),
			},
			wantCode: http.StatusOK,
		},
		{
			name: "ledger down",
			checkers: []Checker{
				Ping("ledger", fakePinger{err: errors.New("connection refused")}),
				Open("gateway", func() bool { return false }),
			},
			wantCode: http.StatusServiceUnavailable,
			wantFail: "ledger",
		},
		{
			name: "breaker open",
			checkers: []Checker{
				Ping("ledger", fakePinger{}),
				Open("gateway", func() bool { return true }),
			},
			wantCode: http.StatusServiceUnavailable,
			wantFail: "gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := probe(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if len(body.Checks) != len(tt.checkers) {
				t.Errorf("checks = %v, want %d entries", body.Checks, len(tt.checkers))
			}
			if tt.wantFail == "" {
				if body.Status != "ok" {
					t.Errorf("body status = %q, want ok", body.Status)
				}
				return
			}
			if body.Status != "fail" {
				t.Errorf("body status = %q, want fail", body.Status)
			}
			if !strings.HasPrefix(body.Checks[tt.wantFail], "fail: ") {
				t.Errorf("checks[%s] = %q, want fail prefix", tt.wantFail, body.Checks[tt.wantFail])
			}
		})
	}
}

func TestReadyz_RunsEveryChecker(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	count := func(context.Context) error { calls.Add(1); return errors.New("no") }

	h := New(Checker{Name: "a", Check: count}, Checker{Name: "b", Check: count}, Checker{Name: "c", Check: count})
	probe(t, h, "/readyz")

	if got := calls.Load(); got != 3 {
		t.Errorf("checker calls = %d, want 3", got)
	}
}

func TestReadyz_CheckHasDeadline(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}})

	if code, body := probe(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("status = %d, checks = %v", code, body.Checks)
	}
}
