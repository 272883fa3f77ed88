package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/chronoxa/internal/policy"
)

func TestDefaultModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := policy.New(ctx, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		in   policy.Input
		want policy.Decision
	}{
		{"create interactive", policy.Input{Tool: "create_event", Mutating: true, Trust: policy.TrustInteractive}, policy.Allow},
		{"delete interactive", policy.Input{Tool: "delete_event", Destructive: true, Mutating: true, Trust: policy.TrustInteractive}, policy.Confirm},
		{"delete pre-confirmed", policy.Input{Tool: "delete_event", Destructive: true, Mutating: true, Trust: policy.TrustInteractive, PreConfirmed: true}, policy.Allow},
		{"delete automation", policy.Input{Tool: "delete_event", Destructive: true, Mutating: true, Trust: policy.TrustAutomation}, policy.Confirm},
		{"delete automation auto", policy.Input{Tool: "delete_event", Destructive: true, Mutating: true, Trust: policy.TrustAutomation, AutoConfirm: true}, policy.Allow},
		{"auto-confirm ignored interactively", policy.Input{Tool: "clear_day", Destructive: true, Mutating: true, Trust: policy.TrustInteractive, AutoConfirm: true}, policy.Confirm},
		{"read", policy.Input{Tool: "list_events", Trust: policy.TrustAutomation}, policy.Allow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := e.Decide(ctx, tc.in)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if got != tc.want {
				t.Errorf("Decide = %q, want %q", got, tc.want)
			}
		})
	}
}

const blockClearDay = `package chronoxa.trust

default decision := "allow"

decision := "block" if input.tool == "clear_day"
`

func TestReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := policy.New(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	in := policy.Input{Tool: "clear_day", Destructive: true, Mutating: true, Trust: policy.TrustInteractive}

	if err := e.Reload(ctx, blockClearDay); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got, _ := e.Decide(ctx, in); got != policy.Block {
		t.Errorf("after reload Decide = %q, want block", got)
	}

	if err := e.Reload(ctx, "package broken\n decision :="); err == nil {
		t.Fatal("expected compile error")
	}
	if got, _ := e.Decide(ctx, in); got != policy.Block {
		t.Errorf("failed reload must keep previous module, got %q", got)
	}
}

func TestUnknownDecisionIsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := policy.New(ctx, "package chronoxa.trust\n\ndecision := \"maybe\"\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Decide(ctx, policy.Input{Tool: "x"}); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestUndefinedDecisionFailsClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := policy.New(ctx, "package chronoxa.trust\n\ndecision := \"allow\" if input.tool == \"list_events\"\n")
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Decide(ctx, policy.Input{Tool: "create_event", Mutating: true})
	if err != nil {
		t.Fatal(err)
	}
	if got != policy.Confirm {
		t.Errorf("Decide = %q, want confirm", got)
	}
}

func TestNewFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trust.rego")
	if err := os.WriteFile(path, []byte(blockClearDay), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := policy.NewFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("NewFromFile: %v", err)
	}
	if got, _ := e.Decide(context.Background(), policy.Input{Tool: "clear_day"}); got != policy.Block {
		t.Errorf("Decide = %q, want block", got)
	}
	if _, err := policy.NewFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Error("expected error for missing file")
	}
}
