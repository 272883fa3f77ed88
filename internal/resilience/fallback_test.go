package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type attempt struct {
	name string
	err  error
}

func recordingGroup(attempts *[]attempt) *FallbackGroup[string] {
	fg := NewFallbackGroup("a", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		OnAttempt: func(_ context.Context, name string, err error) {
			*attempts = append(*attempts, attempt{name, err})
		},
	})
	fg.AddFallback("secondary", "b")
	return fg
}

func TestExecuteWithResult_PrimaryWins(t *testing.T) {
	t.Parallel()
	var attempts []attempt
	fg := recordingGroup(&attempts)

	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) { return v + "!", nil })
	if err != nil || got != "a!" {
		t.Fatalf("got %q, %v; want a!, nil", got, err)
	}
	if len(attempts) != 1 || attempts[0].name != "primary" {
		t.Errorf("attempts = %v, want primary only", attempts)
	}
}

func TestExecuteWithResult_FailsOverAndSkipsOpen(t *testing.T) {
	t.Parallel()
	var attempts []attempt
	fg := recordingGroup(&attempts)
	fn := func(v string) (string, error) {
		if v == "a" {
			return "", errTest
		}
		return v, nil
	}

	for range 2 {
		got, err := ExecuteWithResult(context.Background(), fg, fn)
		if err != nil || got != "b" {
			t.Fatalf("got %q, %v; want b, nil", got, err)
		}
	}
	if !errors.Is(attempts[0].err, errTest) {
		t.Errorf("first attempt err = %v, want errTest", attempts[0].err)
	}
	// The primary's breaker opened after one failure, so the second call
	// skips it.
	if !errors.Is(attempts[2].err, ErrCircuitOpen) {
		t.Errorf("third attempt err = %v, want ErrCircuitOpen", attempts[2].err)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	t.Parallel()
	var attempts []attempt
	fg := recordingGroup(&attempts)

	_, err := ExecuteWithResult(context.Background(), fg, func(string) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Errorf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestExecuteWithResult_StopsOnCancel(t *testing.T) {
	t.Parallel()
	var attempts []attempt
	fg := recordingGroup(&attempts)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := ExecuteWithResult(ctx, fg, func(string) (int, error) {
		cancel()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(attempts))
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	var attempts []attempt
	if got := recordingGroup(&attempts).Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Errorf("Names = %v", got)
	}
}
