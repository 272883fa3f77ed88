// Package catalog is the static, versioned set of calendar operations the
// model may invoke.
//
// Each operation is registered once with [Register], binding a [Spec]
// (schema, required fields, side-effect flags) to a handler that receives its
// arguments decoded into a typed struct. Both the interactive orchestrator and
// the headless executor dispatch through a [Registry]; the headless path uses
// a [Registry.Subset] that exposes only creation.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/internal/gateway"
	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

// Version identifies the catalog revision. It is quoted in the system prompt
// so transcripts can be matched to the tool set that produced them.
const Version = "2026-10-01"

// Call is one tool invocation emitted by the model.
type Call struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// CallFromLLM converts a model tool call, decoding its JSON arguments with
// numbers preserved as [json.Number].
func CallFromLLM(tc llm.ToolCall) (Call, error) {
	args := map[string]any{}
	if s := strings.TrimSpace(tc.Arguments); s != "" {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return Call{ID: tc.ID, Name: tc.Name}, apperr.Invalid(tc.Name, "arguments are not a JSON object: %v", err)
		}
	}
	return Call{ID: tc.ID, Name: tc.Name, Args: args}, nil
}

// ToLLM converts c back into a model tool call.
func (c Call) ToLLM() llm.ToolCall {
	data, _ := json.Marshal(c.Args)
	if c.Args == nil {
		data = []byte("{}")
	}
	return llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(data)}
}

// String returns the argument value for key, trimmed, or "" when absent or
// not a string.
func (c Call) String(key string) string {
	s, _ := c.Args[key].(string)
	return strings.TrimSpace(s)
}

// Spec describes an operation to the model and to the trust policy.
type Spec struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the argument object.
	Parameters map[string]any

	// Required lists argument names that must be present and non-blank.
	Required []string

	// Destructive operations remove data irreversibly.
	Destructive bool

	// Mutating operations change the calendar at all.
	Mutating bool
}

// Env carries everything a handler needs besides its arguments.
type Env struct {
	Gateway     gateway.Gateway
	Credentials gateway.Credentials

	// CalendarID is the default calendar for event operations.
	CalendarID string

	// TaskCalendarID receives task entries. Empty means CalendarID.
	TaskCalendarID string

	// Location interprets datetimes without an offset and bare dates.
	Location *time.Location

	// Now is the reference time for "today".
	Now time.Time

	// DefaultDuration is applied to timed events created without an end.
	// Zero makes a missing end a validation error.
	DefaultDuration time.Duration
}

func (e *Env) loc() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}

func (e *Env) now() time.Time {
	if e.Now.IsZero() {
		return time.Now().In(e.loc())
	}
	return e.Now.In(e.loc())
}

func (e *Env) calendar(override string) string {
	if override != "" {
		return override
	}
	return gateway.CalendarOrPrimary(e.CalendarID)
}

func (e *Env) taskCalendar() string {
	if e.TaskCalendarID != "" {
		return e.TaskCalendarID
	}
	return gateway.CalendarOrPrimary(e.CalendarID)
}

// Effect is the outcome of a dispatched call. It doubles as the JSON tool
// result handed back to the model.
type Effect struct {
	Action     string          `json:"action"`
	CalendarID string          `json:"calendar_id,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	EntityIDs  []string        `json:"entity_ids,omitempty"`
	Title      string          `json:"title,omitempty"`
	Start      time.Time       `json:"start,omitzero"`
	End        time.Time       `json:"end,omitzero"`
	Date       string          `json:"date,omitempty"`
	AllDay     bool            `json:"all_day,omitempty"`
	Events     []gateway.Event `json:"events,omitempty"`
	Tasks      []gateway.Task  `json:"tasks,omitempty"`
}

// Tool is a registered operation.
type Tool struct {
	Spec

	decode func(args map[string]any) (any, error)
	run    func(ctx context.Context, env *Env, args any) (*Effect, error)
}

// Registry maps operation names to tools. It is built once at startup and is
// read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register binds spec to fn. Arguments are decoded into A before fn runs.
// Registering a name twice panics: the catalog is static.
func Register[A any](r *Registry, spec Spec, fn func(ctx context.Context, env *Env, args A) (*Effect, error)) {
	if spec.Name == "" {
		panic("catalog: tool name must not be empty")
	}
	if _, dup := r.tools[spec.Name]; dup {
		panic(fmt.Sprintf("catalog: tool %q registered twice", spec.Name))
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.tools[spec.Name] = &Tool{
		Spec: spec,
		decode: func(args map[string]any) (any, error) {
			var a A
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			return a, nil
		},
		run: func(ctx context.Context, env *Env, args any) (*Effect, error) {
			return fn(ctx, env, args.(A))
		},
	}
	r.order = append(r.order, spec.Name)
}

func decodeArgs(args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Subset returns a registry exposing only the named tools. Unknown names are
// ignored.
func (r *Registry) Subset(names ...string) *Registry {
	sub := NewRegistry()
	for _, n := range r.order {
		if slices.Contains(names, n) {
			sub.tools[n] = r.tools[n]
			sub.order = append(sub.order, n)
		}
	}
	return sub
}

// ToolDefinitions returns the model-facing definitions in registration order.
func (r *Registry) ToolDefinitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		t := r.tools[n]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Validate checks that call names a registered tool, that every required
// argument is present and non-blank, and that the arguments decode into the
// tool's argument type. Failures are *[apperr.ValidationError].
func (r *Registry) Validate(call Call) error {
	t, ok := r.tools[call.Name]
	if !ok {
		return &apperr.ValidationError{Tool: call.Name, Reason: "unknown tool"}
	}
	var missing []string
	for _, field := range t.Required {
		if isBlank(call.Args[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &apperr.ValidationError{Tool: call.Name, Missing: missing}
	}
	if _, err := t.decode(call.Args); err != nil {
		return apperr.Invalid(call.Name, "malformed arguments: %v", err)
	}
	return nil
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

// Dispatch validates and executes call. Store failures are wrapped as
// [apperr.ErrGatewayFailure]; argument problems stay validation errors.
func (r *Registry) Dispatch(ctx context.Context, env *Env, call Call) (*Effect, error) {
	if err := r.Validate(call); err != nil {
		return nil, err
	}
	t := r.tools[call.Name]
	args, err := t.decode(call.Args)
	if err != nil {
		return nil, apperr.Invalid(call.Name, "malformed arguments: %v", err)
	}
	eff, err := t.run(ctx, env, args)
	if err != nil {
		var ve *apperr.ValidationError
		if errors.As(err, &ve) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.Gateway(call.Name, err)
	}
	if eff.Action == "" {
		eff.Action = call.Name
	}
	return eff, nil
}
