// Package confirm implements the confirmation and disambiguation protocol.
//
// When an action cannot run without the user's say-so, the orchestrator
// returns a [Request] carrying a [PendingAction]. The client shows it, then
// either discards it (cancel), resubmits its exact string form with the
// pre-confirmed flag set (confirm), or resubmits it together with a [Choice]
// (amend). A resubmitted action is parsed back, never regenerated by the
// model, so the executed call is byte-for-byte the one the user approved.
package confirm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/chronoxa/internal/catalog"
	"github.com/MrWong99/chronoxa/internal/gateway"
)

// Prefix starts every serialised pending action.
const Prefix = "Executing "

// ErrMalformed is returned by [Parse] for strings that are not a pending
// action.
var ErrMalformed = errors.New("confirm: malformed pending action")

// Kind selects the confirmation variant.
type Kind string

const (
	KindDurationChoice Kind = "duration-choice"
	KindEntityPick     Kind = "entity-pick"
	KindConfirm        Kind = "confirm"
)

// DefaultDurations are the minute options offered by a duration choice.
var DefaultDurations = []int{15, 30, 45, 60, 90, 120}

// PendingAction is a tool call held back for the user.
type PendingAction struct {
	Action string
	Args   map[string]any
}

// FromCall builds a pending action from a catalog call.
func FromCall(c catalog.Call) PendingAction {
	return PendingAction{Action: c.Name, Args: c.Args}
}

// Call converts pa back into a catalog call with the given id.
func (pa PendingAction) Call(id string) catalog.Call {
	args := pa.Args
	if args == nil {
		args = map[string]any{}
	}
	return catalog.Call{ID: id, Name: pa.Action, Args: args}
}

// String renders "Executing <action>: <canonical-json>".
func (pa PendingAction) String() string {
	data, err := Canonical(pa.Args)
	if err != nil {
		data = []byte("{}")
	}
	return Prefix + pa.Action + ": " + string(data)
}

// MarshalText lets a PendingAction travel as its string form in JSON.
func (pa PendingAction) MarshalText() ([]byte, error) {
	return []byte(pa.String()), nil
}

// UnmarshalText parses the string form.
func (pa *PendingAction) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*pa = p
	return nil
}

// Canonical encodes v as compact JSON with object keys sorted at every level
// and without HTML escaping.
func Canonical(v any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, v)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// Parse reads the string form produced by [PendingAction.String]. It rejects
// a missing prefix, an empty action, a non-object payload and trailing data.
func Parse(s string) (PendingAction, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), Prefix)
	if !ok {
		return PendingAction{}, fmt.Errorf("%w: missing %q prefix", ErrMalformed, Prefix)
	}
	action, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return PendingAction{}, fmt.Errorf("%w: missing ':' after action", ErrMalformed)
	}
	action = strings.TrimSpace(action)
	if action == "" || strings.ContainsAny(action, " \t\n{") {
		return PendingAction{}, fmt.Errorf("%w: empty or invalid action name", ErrMalformed)
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return PendingAction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	args, ok := raw.(map[string]any)
	if !ok {
		return PendingAction{}, fmt.Errorf("%w: arguments must be a JSON object", ErrMalformed)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return PendingAction{}, fmt.Errorf("%w: trailing data after arguments", ErrMalformed)
	}
	return PendingAction{Action: action, Args: args}, nil
}

// LooksPending reports whether s starts like a pending action.
func LooksPending(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), Prefix)
}

// Request asks the user to confirm, pick a duration or pick an entity.
type Request struct {
	Kind          Kind            `json:"kind"`
	PendingAction PendingAction   `json:"pending_action"`
	Options       []int           `json:"options,omitempty"`
	Candidates    []gateway.Event `json:"candidates,omitempty"`
	Destructive   bool            `json:"destructive,omitempty"`
	Prompt        string          `json:"prompt"`
}

// DurationChoice asks how long a timed event should last.
func DurationChoice(pa PendingAction, options []int) *Request {
	if len(options) == 0 {
		options = DefaultDurations
	}
	title, _ := pa.Args["title"].(string)
	return &Request{
		Kind:          KindDurationChoice,
		PendingAction: pa,
		Options:       slices.Clone(options),
		Prompt:        fmt.Sprintf("How long should %q take?", title),
	}
}

// EntityPick asks which of several events the user meant.
func EntityPick(pa PendingAction, candidates []gateway.Event) *Request {
	return &Request{
		Kind:          KindEntityPick,
		PendingAction: pa,
		Candidates:    candidates,
		Prompt:        fmt.Sprintf("Several events match. Which one should %s apply to?", pa.Action),
	}
}

// Confirmation asks for an explicit yes before pa runs.
func Confirmation(pa PendingAction, destructive bool) *Request {
	prompt := "Please confirm: " + pa.String()
	if destructive {
		prompt = "This cannot be undone. " + prompt
	}
	return &Request{
		Kind:          KindConfirm,
		PendingAction: pa,
		Destructive:   destructive,
		Prompt:        prompt,
	}
}

// Choice is the discriminator an amend carries.
type Choice struct {
	EntityID        string `json:"entity_id,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// IsZero reports whether c selects nothing.
func (c Choice) IsZero() bool { return c.EntityID == "" && c.DurationMinutes <= 0 }

// hintFields are transient arguments that only exist to drive a choice.
var hintFields = []string{"duration_minutes", "duration"}

// Amend merges c into pa and returns the amended copy. A duration computes
// end from start in loc; an entity sets id and drops query and date.
func Amend(pa PendingAction, c Choice, loc *time.Location) (PendingAction, error) {
	if c.IsZero() {
		return pa, fmt.Errorf("confirm: empty choice")
	}
	args := make(map[string]any, len(pa.Args)+1)
	for k, v := range pa.Args {
		args[k] = v
	}

	if c.EntityID != "" {
		args["id"] = c.EntityID
		delete(args, "query")
		delete(args, "date")
	}
	if c.DurationMinutes > 0 {
		start, _ := args["start"].(string)
		w, err := catalog.ParseWhen(start, loc)
		if err != nil {
			return pa, fmt.Errorf("confirm: cannot apply duration: start: %w", err)
		}
		end := w.Time.Add(time.Duration(c.DurationMinutes) * time.Minute)
		args["end"] = end.Format(time.RFC3339)
		for _, f := range hintFields {
			delete(args, f)
		}
	}
	return PendingAction{Action: pa.Action, Args: args}, nil
}
