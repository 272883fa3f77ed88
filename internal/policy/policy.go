// Package policy decides whether a tool call may run straight away, needs the
// user's confirmation, or is refused. Decisions come from an OPA Rego module
// so operators can tighten or relax the rules without a rebuild.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Trust distinguishes who is asking.
type Trust string

const (
	// TrustInteractive is an authenticated human session that can confirm.
	TrustInteractive Trust = "interactive"

	// TrustAutomation is an unattended trigger with no one to ask.
	TrustAutomation Trust = "automation"
)

// IsValid reports whether t is a known trust level.
func (t Trust) IsValid() bool {
	return t == TrustInteractive || t == TrustAutomation
}

// Decision is the policy verdict for one call.
type Decision string

const (
	Allow   Decision = "allow"
	Confirm Decision = "confirm"
	Block   Decision = "block"
)

// Input describes the call being judged.
type Input struct {
	Tool         string
	Destructive  bool
	Mutating     bool
	Trust        Trust
	AutoConfirm  bool
	PreConfirmed bool
}

func (in Input) toMap() map[string]any {
	return map[string]any{
		"tool":          in.Tool,
		"destructive":   in.Destructive,
		"mutating":      in.Mutating,
		"trust":         string(in.Trust),
		"auto_confirm":  in.AutoConfirm,
		"pre_confirmed": in.PreConfirmed,
	}
}

// Decider returns a verdict for a call.
type Decider interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// Query is the rule every policy module must define.
const Query = "data.chronoxa.trust.decision"

// DefaultModule confirms destructive calls unless already confirmed or made
// by an automation that opted into auto-execution.
const DefaultModule = `package chronoxa.trust

default decision := "allow"

decision := "confirm" if {
	input.destructive
	not input.pre_confirmed
	not auto_confirmed
}

auto_confirmed if {
	input.trust == "automation"
	input.auto_confirm
}
`

// Engine evaluates a Rego module. It is safe for concurrent use and can be
// reloaded while serving.
type Engine struct {
	query atomic.Pointer[rego.PreparedEvalQuery]
}

// New compiles module (or [DefaultModule] when empty).
func New(ctx context.Context, module string) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(ctx, module); err != nil {
		return nil, err
	}
	return e, nil
}

// NewFromFile compiles the module at path, or the default when path is empty.
func NewFromFile(ctx context.Context, path string) (*Engine, error) {
	module, err := ReadModule(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, module)
}

// ReadModule returns the contents of path, or "" when path is empty.
func ReadModule(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("policy: read %q: %w", path, err)
	}
	return string(data), nil
}

// Reload compiles module and swaps it in. On error the previous module stays
// active.
func (e *Engine) Reload(ctx context.Context, module string) error {
	if module == "" {
		module = DefaultModule
	}
	q, err := rego.New(
		rego.Query(Query),
		rego.Module("trust.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy: prepare rego: %w", err)
	}
	e.query.Store(&q)
	return nil
}

// Decide implements [Decider].
func (e *Engine) Decide(ctx context.Context, in Input) (Decision, error) {
	q := e.query.Load()
	if q == nil {
		return "", fmt.Errorf("policy: engine not initialised")
	}
	results, err := q.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		return "", fmt.Errorf("policy: evaluate %s: %w", in.Tool, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// An undefined decision fails closed for anything that writes.
		if in.Mutating {
			return Confirm, nil
		}
		return Allow, nil
	}
	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy: decision for %s is %T, want string", in.Tool, results[0].Expressions[0].Value)
	}
	switch d := Decision(s); d {
	case Allow, Confirm, Block:
		return d, nil
	default:
		return "", fmt.Errorf("policy: unknown decision %q for %s", s, in.Tool)
	}
}
