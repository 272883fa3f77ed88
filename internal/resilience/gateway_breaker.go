package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/internal/gateway"
)

// GatewayBreaker puts one circuit breaker in front of a calendar store. While
// it is open every call fails fast with an error wrapping both
// [apperr.ErrGatewayFailure] and [ErrCircuitOpen].
//
// Missing entities and cancelled requests are the caller's business and do
// not count as failures.
type GatewayBreaker struct {
	next    gateway.Gateway
	breaker *CircuitBreaker
}

var _ gateway.Gateway = (*GatewayBreaker)(nil)

// NewGatewayBreaker wraps next. cfg.IsFailure is replaced.
func NewGatewayBreaker(next gateway.Gateway, cfg CircuitBreakerConfig) *GatewayBreaker {
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	cfg.IsFailure = gatewayFailure
	return &GatewayBreaker{next: next, breaker: NewCircuitBreaker(cfg)}
}

func gatewayFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, gateway.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, apperr.ErrValidationFailed):
		return false
	}
	return true
}

// IsOpen reports whether the store is currently being skipped.
func (g *GatewayBreaker) IsOpen() bool { return g.breaker.IsOpen() }

// State returns the breaker state.
func (g *GatewayBreaker) State() State { return g.breaker.State() }

func guard[R any](g *GatewayBreaker, op string, fn func() (R, error)) (R, error) {
	var out R
	err := g.breaker.Execute(func() error {
		var err error
		out, err = fn()
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return out, apperr.Gateway(op, err)
	}
	return out, err
}

func (g *GatewayBreaker) ListEvents(ctx context.Context, creds gateway.Credentials, calendarID string, timeMin, timeMax time.Time) ([]gateway.Event, error) {
	return guard(g, "list events", func() ([]gateway.Event, error) {
		return g.next.ListEvents(ctx, creds, calendarID, timeMin, timeMax)
	})
}

func (g *GatewayBreaker) GetEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string) (*gateway.Event, error) {
	return guard(g, "get event", func() (*gateway.Event, error) {
		return g.next.GetEvent(ctx, creds, calendarID, id)
	})
}

func (g *GatewayBreaker) CreateEvent(ctx context.Context, creds gateway.Credentials, calendarID string, fields gateway.EventFields, opts gateway.CreateOptions) (*gateway.Event, error) {
	return guard(g, "create event", func() (*gateway.Event, error) {
		return g.next.CreateEvent(ctx, creds, calendarID, fields, opts)
	})
}

func (g *GatewayBreaker) UpdateEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string, patch gateway.EventPatch) (*gateway.Event, error) {
	return guard(g, "update event", func() (*gateway.Event, error) {
		return g.next.UpdateEvent(ctx, creds, calendarID, id, patch)
	})
}

func (g *GatewayBreaker) DeleteEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string) error {
	_, err := guard(g, "delete event", func() (struct{}, error) {
		return struct{}{}, g.next.DeleteEvent(ctx, creds, calendarID, id)
	})
	return err
}

func (g *GatewayBreaker) SearchEvents(ctx context.Context, creds gateway.Credentials, calendarID, text string, timeMin, timeMax time.Time) ([]gateway.Event, error) {
	return guard(g, "search events", func() ([]gateway.Event, error) {
		return g.next.SearchEvents(ctx, creds, calendarID, text, timeMin, timeMax)
	})
}

func (g *GatewayBreaker) ListTasks(ctx context.Context, creds gateway.Credentials) ([]gateway.Task, error) {
	return guard(g, "list tasks", func() ([]gateway.Task, error) {
		return g.next.ListTasks(ctx, creds)
	})
}

func (g *GatewayBreaker) CreateTask(ctx context.Context, creds gateway.Credentials, fields gateway.TaskFields) (*gateway.Task, error) {
	return guard(g, "create task", func() (*gateway.Task, error) {
		return g.next.CreateTask(ctx, creds, fields)
	})
}

func (g *GatewayBreaker) UpdateTask(ctx context.Context, creds gateway.Credentials, id string, patch gateway.TaskPatch) (*gateway.Task, error) {
	return guard(g, "update task", func() (*gateway.Task, error) {
		return g.next.UpdateTask(ctx, creds, id, patch)
	})
}

func (g *GatewayBreaker) DeleteTask(ctx context.Context, creds gateway.Credentials, id string) error {
	_, err := guard(g, "delete task", func() (struct{}, error) {
		return struct{}{}, g.next.DeleteTask(ctx, creds, id)
	})
	return err
}
