// Package headless executes unattended "dictate and create" requests exactly
// once.
//
// A request carries a shared secret, free text and usually an idempotency key
// (the outbox id). Duplicates are caught twice over: by the optional ledger,
// and by a fingerprint written into the notes of every created entry and
// searched for before anything new is written. The fingerprint check works
// even when the ledger is absent or lost the record, and it catches writes
// that succeeded after the caller had already timed out.
//
// The executor can only create. It dispatches through a catalog subset that
// exposes create_event and create_task and nothing else.
package headless

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/internal/catalog"
	"github.com/MrWong99/chronoxa/internal/gateway"
	"github.com/MrWong99/chronoxa/internal/ledger"
	"github.com/MrWong99/chronoxa/internal/observe"
)

const (
	// DefaultDuration is the length of timed events created without an end.
	DefaultDuration = time.Hour

	// DefaultStaleAfter is how long a processing record blocks retries.
	DefaultStaleAfter = 2 * time.Minute

	searchBack    = 60 * 24 * time.Hour
	searchForward = 365 * 24 * time.Hour
)

// Config holds the executor settings.
type Config struct {
	// Secret is the shared secret callers must present. Empty rejects every
	// request.
	Secret string

	// Credentials are used for every gateway call.
	Credentials gateway.Credentials

	CalendarID     string
	TaskCalendarID string
	Location       *time.Location

	// DefaultDuration applies to timed events without an end. Default: 1h.
	DefaultDuration time.Duration

	// StaleAfter lets a retry take over a processing record this old.
	// Default: 2m.
	StaleAfter time.Duration
}

// Request is one headless call.
type Request struct {
	Secret string
	Body   string

	// Key is the Idempotency-Key header, used when Body names no outbox id.
	Key string
}

// Result describes what the request created, or found already created.
type Result struct {
	Action     string    `json:"action"`
	EntityID   string    `json:"event_id,omitempty"`
	CalendarID string    `json:"calendar_id,omitempty"`
	Start      time.Time `json:"start,omitzero"`
	End        time.Time `json:"end,omitzero"`
	Date       string    `json:"date,omitempty"`
	Idempotent bool      `json:"idempotent"`
	OutboxID   string    `json:"outbox_id,omitempty"`
}

// Executor runs headless requests. It is safe for concurrent use.
type Executor struct {
	cfg        Config
	gateway    gateway.Gateway
	classifier *Classifier
	registry   *catalog.Registry
	ledger     ledger.Ledger
	now        func() time.Time
	metrics    *observe.Metrics
}

// Option configures an [Executor].
type Option func(*Executor)

// WithLedger enables the idempotency ledger.
func WithLedger(l ledger.Ledger) Option {
	return func(e *Executor) { e.ledger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithMetrics records outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor. registry is narrowed to the create operations.
func New(cfg Config, gw gateway.Gateway, registry *catalog.Registry, classifier *Classifier, opts ...Option) *Executor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultDuration
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	e := &Executor{
		cfg:        cfg,
		gateway:    gw,
		classifier: classifier,
		registry:   registry.Subset(catalog.CreateTask, catalog.CreateEvent),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize compares secret with the configured one in constant time.
func (e *Executor) Authorize(secret string) error {
	if e.cfg.Secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(e.cfg.Secret)) != 1 {
		return apperr.ErrAuthRejected
	}
	return nil
}

// Execute runs one request.
func (e *Executor) Execute(ctx context.Context, req Request) (res *Result, err error) {
	if err := e.Authorize(req.Secret); err != nil {
		e.record(ctx, "unauthorized")
		return nil, err
	}
	ctx, span := observe.StartSpan(ctx, "headless.execute")
	defer span.End()
	defer func() {
		switch {
		case err != nil:
			e.record(ctx, apperr.Code(err))
		case res.Idempotent:
			e.record(ctx, "replayed")
		default:
			e.record(ctx, "created")
		}
	}()

	p, err := ParsePayload(req.Body, req.Key)
	if err != nil {
		return nil, err
	}
	log := observe.Logger(ctx).With("outbox_id", p.Key)
	if p.Key == "" {
		log.Warn("headless request without idempotency key; duplicates cannot be detected")
	}
	useLedger := e.ledger != nil && p.Key != ""

	if useLedger {
		rec, err := e.ledger.Get(ctx, p.Key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("ledger unavailable, falling back to fingerprint search", "err", err)
			e.decision(ctx, "ledger_unavailable")
			useLedger = false
		} else if res, err := e.fromRecord(ctx, rec, p.Key); res != nil || err != nil {
			return res, err
		}
	}

	if p.Key != "" {
		found, err := e.findFingerprint(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		if found != nil {
			e.decision(ctx, "fingerprint")
			log.Info("fingerprint found, skipping create", "event_id", found.EntityID)
			if useLedger {
				e.mark(ctx, p.Key, ledger.Succeeded(found.summary()))
			}
			return found, nil
		}
	}

	if useLedger {
		rec, won, err := e.ledger.Claim(ctx, p.Key, e.cfg.StaleAfter)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The fingerprint search above already came up empty.
			log.Warn("ledger claim failed, continuing without ledger", "err", err)
			e.decision(ctx, "ledger_unavailable")
			useLedger = false
		case !won:
			e.decision(ctx, "lost")
			if res, err := e.fromRecord(ctx, rec, p.Key); res != nil || err != nil {
				return res, err
			}
			return nil, apperr.ErrRetryLater
		default:
			e.decision(ctx, "claimed")
		}
	}

	res, err = e.create(ctx, p)
	if err != nil {
		if useLedger {
			e.mark(ctx, p.Key, ledger.Failed(err))
		}
		log.Warn("headless create failed", "err", err)
		return nil, err
	}
	if useLedger {
		e.mark(ctx, p.Key, ledger.Succeeded(res.summary()))
	}
	log.Info("headless entry created", "action", res.Action, "event_id", res.EntityID)
	return res, nil
}

// fromRecord returns a replay for a succeeded record, ErrRetryLater for a
// live processing one, and (nil, nil) when the request should proceed.
func (e *Executor) fromRecord(ctx context.Context, rec *ledger.Record, key string) (*Result, error) {
	if rec == nil {
		return nil, nil
	}
	switch rec.Status {
	case ledger.StatusSucceeded:
		e.decision(ctx, "replay")
		res := &Result{Idempotent: true, OutboxID: key}
		if r := rec.Result; r != nil {
			res.Action = r.ActionType
			res.EntityID = r.TargetEntityID
			res.CalendarID = r.TargetCalendarID
			res.Start, res.End, res.Date = r.Start, r.End, r.Date
		}
		return res, nil
	case ledger.StatusProcessing:
		if !rec.Stale(e.now(), e.cfg.StaleAfter) {
			e.decision(ctx, "retry_later")
			return nil, apperr.ErrRetryLater
		}
	}
	return nil, nil
}

// findFingerprint searches the event and task calendars for key's
// fingerprint.
func (e *Executor) findFingerprint(ctx context.Context, key string) (*Result, error) {
	now := e.now()
	lo, hi := now.Add(-searchBack), now.Add(searchForward)
	fp := Fingerprint(key)

	cals := []string{gateway.CalendarOrPrimary(e.cfg.CalendarID)}
	if tc := gateway.CalendarOrPrimary(e.cfg.TaskCalendarID); e.cfg.TaskCalendarID != "" && tc != cals[0] {
		cals = append(cals, tc)
	}

	hits := make([]*gateway.Event, len(cals))
	g, gctx := errgroup.WithContext(ctx)
	for i, cal := range cals {
		g.Go(func() error {
			events, err := e.gateway.SearchEvents(gctx, e.cfg.Credentials, cal, fp, lo, hi)
			if err != nil {
				return apperr.Gateway("search_events", err)
			}
			for _, ev := range events {
				if hasFingerprint(ev.Notes, key) {
					hits[i] = &ev
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, ev := range hits {
		if ev != nil {
			return e.eventResult(ev, key, true), nil
		}
	}
	return nil, nil
}

func (e *Executor) create(ctx context.Context, p Payload) (*Result, error) {
	now := e.now()
	intent, err := e.classifier.Classify(ctx, p.Instruction, now, e.cfg.Location)
	if err != nil {
		return nil, err
	}
	call := buildCall(intent, p.Key)

	env := &catalog.Env{
		Gateway:         e.gateway,
		Credentials:     e.cfg.Credentials,
		CalendarID:      e.cfg.CalendarID,
		TaskCalendarID:  e.cfg.TaskCalendarID,
		Location:        e.cfg.Location,
		Now:             now,
		DefaultDuration: e.cfg.DefaultDuration,
	}
	start := time.Now()
	eff, err := e.registry.Dispatch(ctx, env, call)
	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = apperr.Code(err)
		}
		e.metrics.RecordToolCall(ctx, call.Name, status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		Action:     eff.Action,
		EntityID:   eff.EntityID,
		CalendarID: eff.CalendarID,
		Start:      eff.Start,
		End:        eff.End,
		Date:       eff.Date,
		OutboxID:   p.Key,
	}, nil
}

// buildCall maps an intent onto a catalog call. Kinds other than task and
// event become calls the create-only registry rejects.
func buildCall(in *Intent, key string) catalog.Call {
	notes := in.Notes
	if key != "" {
		if notes != "" {
			notes += "\n\n"
		}
		notes += Fingerprint(key)
	}
	args := map[string]any{"title": in.Title}
	if notes != "" {
		args["notes"] = notes
	}

	switch in.Kind {
	case "task":
		if in.Date != "" {
			args["due"] = in.Date
		}
		return catalog.Call{ID: "headless", Name: catalog.CreateTask, Args: args}
	case "event":
		switch {
		case in.Start != "":
			args["start"] = in.Start
			if in.End != "" {
				args["end"] = in.End
			}
		case in.Date != "":
			args["start"] = in.Date
		}
		return catalog.Call{ID: "headless", Name: catalog.CreateEvent, Args: args}
	default:
		return catalog.Call{ID: "headless", Name: "create_" + in.Kind, Args: args}
	}
}

func (e *Executor) eventResult(ev *gateway.Event, key string, idempotent bool) *Result {
	res := &Result{
		Action:     catalog.CreateEvent,
		EntityID:   ev.ID,
		CalendarID: ev.CalendarID,
		Start:      ev.Start,
		End:        ev.End,
		Idempotent: idempotent,
		OutboxID:   key,
	}
	if ev.IsTask() {
		res.Action = catalog.CreateTask
	}
	if ev.AllDay {
		res.Date = catalog.StartOfDay(ev.Start, e.cfg.Location).Format(catalog.DateLayout)
	}
	return res
}

func (r *Result) summary() ledger.Result {
	return ledger.Result{
		ActionType:       r.Action,
		TargetCalendarID: r.CalendarID,
		TargetEntityID:   r.EntityID,
		Start:            r.Start,
		End:              r.End,
		Date:             r.Date,
	}
}

// mark writes the final ledger state. The write must survive a cancelled
// request context, otherwise the key would stay processing.
func (e *Executor) mark(ctx context.Context, key string, patch ledger.Patch) {
	if _, err := e.ledger.Set(context.WithoutCancel(ctx), key, patch); err != nil {
		observe.Logger(ctx).Error("ledger update failed", "outbox_id", key, "status", patch.Status, "err", err)
	}
}

func (e *Executor) decision(ctx context.Context, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordLedgerDecision(ctx, outcome)
	}
}

func (e *Executor) record(ctx context.Context, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordHeadless(ctx, outcome)
	}
}

// IsRetryable reports whether a caller may retry err with the same key.
func IsRetryable(err error) bool {
	return errors.Is(err, apperr.ErrRetryLater) || errors.Is(err, apperr.ErrGatewayFailure)
}
