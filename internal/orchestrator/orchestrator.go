// Package orchestrator runs the interactive assistant: a bounded, model-driven
// tool-calling loop over the calendar catalog, gated by the trust policy and
// the confirmation protocol.
//
// A request either finishes with the model's text, stops with a
// [confirm.Request] that the client must answer, or fails with an error from
// the [apperr] taxonomy. A confirmed resubmission skips the model entirely and
// dispatches the parsed pending action as-is.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/internal/catalog"
	"github.com/MrWong99/chronoxa/internal/confirm"
	"github.com/MrWong99/chronoxa/internal/gateway"
	"github.com/MrWong99/chronoxa/internal/observe"
	"github.com/MrWong99/chronoxa/internal/policy"
	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

// DefaultMaxRounds caps model rounds per request.
const DefaultMaxRounds = 8

// Request is one assistant turn.
type Request struct {
	// Message is the user's text, or a pending action string when
	// PreConfirmed or Amend is set.
	Message string

	// History holds earlier turns, oldest first.
	History []llm.Message

	Trust policy.Trust

	// AutoConfirm lets an automation trigger run destructive calls when the
	// policy permits it.
	AutoConfirm bool

	PreConfirmed bool

	// Amend, when set, is merged into the pending action in Message before it
	// is re-evaluated. The model is never consulted for an amended action.
	Amend *confirm.Choice

	Credentials gateway.Credentials
	CalendarID  string
}

// Outcome records one dispatched call.
type Outcome struct {
	Call   catalog.Call    `json:"call"`
	Effect *catalog.Effect `json:"effect,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Response is the result of a turn. A nil Confirmation means every call the
// model asked for has already been executed.
type Response struct {
	Text         string           `json:"text"`
	Confirmation *confirm.Request `json:"confirmation,omitempty"`
	Executed     []Outcome        `json:"executed"`
	Rounds       int              `json:"-"`
}

// Orchestrator is safe for concurrent use; each Execute call is independent.
type Orchestrator struct {
	llm      llm.Provider
	registry *catalog.Registry
	gateway  gateway.Gateway
	policy   policy.Decider

	maxRounds       int
	location        *time.Location
	defaultDuration time.Duration
	durationOptions []int
	taskCalendarID  string
	now             func() time.Time
	newID           func() string
	metrics         *observe.Metrics
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMaxRounds sets the round cap. Values below 1 are ignored.
func WithMaxRounds(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRounds = n
		}
	}
}

// WithLocation sets the user's time zone. Default: UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithDefaultDuration makes timed events without an end last d instead of
// prompting for a duration.
func WithDefaultDuration(d time.Duration) Option {
	return func(o *Orchestrator) { o.defaultDuration = d }
}

// WithDurationOptions overrides the minutes offered by a duration choice.
func WithDurationOptions(minutes []int) Option {
	return func(o *Orchestrator) { o.durationOptions = minutes }
}

// WithTaskCalendar routes task entries to calendarID.
func WithTaskCalendar(calendarID string) Option {
	return func(o *Orchestrator) { o.taskCalendarID = calendarID }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics records rounds, tool calls and confirmations to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator.
func New(provider llm.Provider, registry *catalog.Registry, gw gateway.Gateway, decider policy.Decider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:       provider,
		registry:  registry,
		gateway:   gw,
		policy:    decider,
		maxRounds: DefaultMaxRounds,
		location:  time.UTC,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) env(req Request) *catalog.Env {
	return &catalog.Env{
		Gateway:         o.gateway,
		Credentials:     req.Credentials,
		CalendarID:      req.CalendarID,
		TaskCalendarID:  o.taskCalendarID,
		Location:        o.location,
		Now:             o.now().In(o.location),
		DefaultDuration: o.defaultDuration,
	}
}

// Execute runs one turn.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Trust == "" {
		req.Trust = policy.TrustInteractive
	}
	if !req.Trust.IsValid() {
		return nil, fmt.Errorf("%w: unknown trust %q", apperr.ErrBadRequest, req.Trust)
	}
	ctx, span := observe.StartSpan(ctx, "orchestrator.execute")
	defer span.End()

	env := o.env(req)
	amending := req.Amend != nil && !req.Amend.IsZero()
	if (req.PreConfirmed || amending) && confirm.LooksPending(req.Message) {
		return o.executePending(ctx, env, req)
	}
	if amending {
		return nil, fmt.Errorf("%w: amend requires a pending action message", apperr.ErrBadRequest)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("%w: empty message", apperr.ErrBadRequest)
	}
	return o.loop(ctx, env, req)
}

// executePending dispatches a resubmitted pending action without consulting
// the model.
func (o *Orchestrator) executePending(ctx context.Context, env *catalog.Env, req Request) (*Response, error) {
	pa, err := confirm.Parse(req.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrBadRequest, err)
	}
	preConfirmed := req.PreConfirmed
	if req.Amend != nil && !req.Amend.IsZero() {
		amended, err := confirm.Amend(pa, *req.Amend, o.location)
		if err != nil {
			return nil, &apperr.ValidationError{Tool: pa.Action, Reason: err.Error()}
		}
		pa = amended
		// An amended action is a new action; destructive ones ask again.
		preConfirmed = false
	}

	call, conf, err := o.prepare(ctx, env, pa.Call(o.newID()))
	if err != nil {
		return nil, err
	}
	if conf != nil {
		o.recordConfirmation(ctx, conf)
		return &Response{Text: conf.Prompt, Confirmation: conf}, nil
	}

	decision, err := o.decide(ctx, call, req, preConfirmed)
	if err != nil {
		return nil, err
	}
	switch decision {
	case policy.Confirm:
		conf := o.confirmation(call)
		o.recordConfirmation(ctx, conf)
		return &Response{Text: conf.Prompt, Confirmation: conf}, nil
	case policy.Block:
		return &Response{
			Text:     fmt.Sprintf("%s is not permitted by policy.", call.Name),
			Executed: []Outcome{{Call: call, Error: "blocked by policy"}},
		}, nil
	}

	out := o.dispatch(ctx, env, call)
	if out.Error != "" {
		return nil, out.err
	}
	return &Response{Text: Describe(out.Effect), Executed: []Outcome{out.Outcome}}, nil
}

// loop runs the model rounds.
func (o *Orchestrator) loop(ctx context.Context, env *catalog.Env, req Request) (*Response, error) {
	msgs := make([]llm.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})

	system := SystemPrompt(env.Now, o.location, o.defaultDuration)
	tools := o.registry.ToolDefinitions()
	resp := &Response{Executed: []Outcome{}}
	feedbackUsed := false
	log := observe.Logger(ctx)

	for round := 1; round <= o.maxRounds; round++ {
		resp.Rounds = round
		completion, err := o.complete(ctx, llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     msgs,
			Tools:        tools,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: round %d: %w", round, err)
		}
		if len(completion.ToolCalls) == 0 {
			resp.Text = completion.Content
			o.recordRounds(ctx, round)
			return resp, nil
		}

		// Validate, resolve and judge the whole round before any call runs.
		pending := make([]pendingCall, len(completion.ToolCalls))
		var invalid error
		for i, tc := range completion.ToolCalls {
			p := &pending[i]
			call, err := catalog.CallFromLLM(tc)
			if err == nil {
				var conf *confirm.Request
				call, conf, err = o.prepare(ctx, env, call)
				if conf != nil {
					o.recordConfirmation(ctx, conf)
					o.recordRounds(ctx, round)
					resp.Text = conf.Prompt
					resp.Confirmation = conf
					return resp, nil
				}
			}
			p.call = call
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				p.err = err
				var ve *apperr.ValidationError
				if errors.As(err, &ve) && invalid == nil {
					invalid = err
				}
				continue
			}
			if p.decision, err = o.decide(ctx, call, req, false); err != nil {
				return nil, err
			}
			if p.decision == policy.Confirm {
				conf := o.confirmation(call)
				o.recordConfirmation(ctx, conf)
				o.recordRounds(ctx, round)
				resp.Text = conf.Prompt
				resp.Confirmation = conf
				return resp, nil
			}
		}
		if invalid != nil {
			if feedbackUsed {
				return nil, invalid
			}
			feedbackUsed = true
			log.Info("validation failure fed back to model", "round", round, "err", invalid)
		}

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		for i, tc := range completion.ToolCalls {
			p := pending[i]
			var content string
			switch {
			case p.err != nil:
				content = toolError(p.err)
			case p.decision == policy.Block:
				content = toolError(fmt.Errorf("%s is not permitted by policy", p.call.Name))
				resp.Executed = append(resp.Executed, Outcome{Call: p.call, Error: "blocked by policy"})
			default:
				out := o.dispatch(ctx, env, p.call)
				resp.Executed = append(resp.Executed, out.Outcome)
				if out.err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					content = toolError(out.err)
				} else {
					content = toolResult(out.Effect)
				}
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: content})
		}
	}

	o.recordRounds(ctx, o.maxRounds)
	log.Warn("round cap reached", "max_rounds", o.maxRounds, "executed", len(resp.Executed))
	return nil, apperr.ErrLoopExhausted
}

type pendingCall struct {
	call     catalog.Call
	err      error
	decision policy.Decision
}

// prepare fills a missing target id by query and checks whether the call can
// run as-is. It returns a confirmation request when the user has to choose.
func (o *Orchestrator) prepare(ctx context.Context, env *catalog.Env, call catalog.Call) (catalog.Call, *confirm.Request, error) {
	if catalog.NeedsTarget(call) {
		res, err := catalog.ResolveTarget(ctx, env, call.String("calendar_id"), call.String("query"), call.String("date"))
		if err != nil {
			var ve *apperr.ValidationError
			if errors.As(err, &ve) {
				ve.Tool = call.Name
				return call, nil, ve
			}
			return call, nil, apperr.Gateway(call.Name, err)
		}
		switch {
		case res.Ambiguous():
			events := make([]gateway.Event, len(res.Candidates))
			for i, c := range res.Candidates {
				events[i] = c.Event
			}
			return call, confirm.EntityPick(confirm.FromCall(call), events), nil
		case res.ID != "":
			args := make(map[string]any, len(call.Args))
			for k, v := range call.Args {
				args[k] = v
			}
			args["id"] = res.ID
			delete(args, "query")
			delete(args, "date")
			call.Args = args
		default:
			return call, nil, &apperr.ValidationError{
				Tool:    call.Name,
				Missing: []string{"id"},
				Reason:  fmt.Sprintf("no event matches %q", call.String("query")),
			}
		}
	}
	// Only a structurally valid call may be offered back to the user.
	if err := o.registry.Validate(call); err != nil {
		return call, nil, err
	}
	if o.defaultDuration <= 0 && catalog.NeedsDuration(call) {
		return call, confirm.DurationChoice(confirm.FromCall(call), o.durationOptions), nil
	}
	return call, nil, nil
}

func (o *Orchestrator) decide(ctx context.Context, call catalog.Call, req Request, preConfirmed bool) (policy.Decision, error) {
	tool, _ := o.registry.Lookup(call.Name)
	d, err := o.policy.Decide(ctx, policy.Input{
		Tool:         call.Name,
		Destructive:  tool.Destructive,
		Mutating:     tool.Mutating,
		Trust:        req.Trust,
		AutoConfirm:  req.AutoConfirm,
		PreConfirmed: preConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: %w", err)
	}
	return d, nil
}

func (o *Orchestrator) confirmation(call catalog.Call) *confirm.Request {
	tool, _ := o.registry.Lookup(call.Name)
	return confirm.Confirmation(confirm.FromCall(call), tool != nil && tool.Destructive)
}

type dispatched struct {
	Outcome
	err error
}

func (o *Orchestrator) dispatch(ctx context.Context, env *catalog.Env, call catalog.Call) dispatched {
	start := time.Now()
	eff, err := o.registry.Dispatch(ctx, env, call)
	status := "ok"
	if err != nil {
		status = apperr.Code(err)
		observe.Logger(ctx).Warn("tool call failed", "tool", call.Name, "err", err)
	}
	if o.metrics != nil {
		o.metrics.RecordToolCall(ctx, call.Name, status, time.Since(start).Seconds())
	}
	out := dispatched{Outcome: Outcome{Call: call, Effect: eff}, err: err}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (o *Orchestrator) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := o.llm.Complete(ctx, req)
	if o.metrics != nil {
		o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	return resp, err
}

func (o *Orchestrator) recordConfirmation(ctx context.Context, c *confirm.Request) {
	if o.metrics != nil {
		o.metrics.RecordConfirmation(ctx, string(c.Kind))
	}
}

func (o *Orchestrator) recordRounds(ctx context.Context, n int) {
	if o.metrics != nil {
		o.metrics.OrchestratorRounds.Record(ctx, int64(n))
	}
}

func toolResult(eff *catalog.Effect) string {
	data, err := json.Marshal(eff)
	if err != nil {
		return toolError(err)
	}
	return string(data)
}

func toolError(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}
