// Package memgateway is an in-memory [gateway.Gateway] used by tests and by
// deployments that want to try Chronoxa without a real calendar.
//
// The zero value is ready to use. All calendars share one process-wide map;
// credentials are accepted but not checked unless [Gateway.RequireToken] is
// set.
package memgateway

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chronoxa/internal/gateway"
)

var _ gateway.Gateway = (*Gateway)(nil)

// ErrUnauthorized is returned when RequireToken is set and the call carries
// no access token.
var ErrUnauthorized = errors.New("memgateway: missing access token")

// Gateway stores events and tasks in memory.
type Gateway struct {
	// RequireToken rejects calls whose credentials carry no access token.
	RequireToken bool

	mu     sync.RWMutex
	events map[string]map[string]gateway.Event // calendar -> id -> event
	tasks  map[string]gateway.Task
	writes int
}

// New returns an empty Gateway.
func New() *Gateway {
	return &Gateway{}
}

// Writes returns the number of successful mutating calls so far.
func (g *Gateway) Writes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.writes
}

// Events returns a snapshot of every event in calendarID, ordered by start.
func (g *Gateway) Events(calendarID string) []gateway.Event {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]gateway.Event, 0, len(g.events[gateway.CalendarOrPrimary(calendarID)]))
	for _, e := range g.events[gateway.CalendarOrPrimary(calendarID)] {
		out = append(out, e)
	}
	sortByStart(out)
	return out
}

// Seed inserts events directly, bypassing the write counter. Events without
// an ID get one.
func (g *Gateway) Seed(calendarID string, events ...gateway.Event) []gateway.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	cal := gateway.CalendarOrPrimary(calendarID)
	out := make([]gateway.Event, 0, len(events))
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CalendarID = cal
		g.calendar(cal)[e.ID] = e
		out = append(out, e)
	}
	return out
}

func (g *Gateway) calendar(cal string) map[string]gateway.Event {
	if g.events == nil {
		g.events = make(map[string]map[string]gateway.Event)
	}
	m, ok := g.events[cal]
	if !ok {
		m = make(map[string]gateway.Event)
		g.events[cal] = m
	}
	return m
}

func (g *Gateway) check(ctx context.Context, creds gateway.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.RequireToken && creds.AccessToken == "" {
		return ErrUnauthorized
	}
	return nil
}

// ListEvents implements [gateway.Gateway].
func (g *Gateway) ListEvents(ctx context.Context, creds gateway.Credentials, calendarID string, timeMin, timeMax time.Time) ([]gateway.Event, error) {
	return g.SearchEvents(ctx, creds, calendarID, "", timeMin, timeMax)
}

// GetEvent implements [gateway.Gateway].
func (g *Gateway) GetEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string) (*gateway.Event, error) {
	if err := g.check(ctx, creds); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.events[gateway.CalendarOrPrimary(calendarID)][id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &e, nil
}

// SearchEvents implements [gateway.Gateway]. Matching is a case-insensitive
// substring test over title, notes and location.
func (g *Gateway) SearchEvents(ctx context.Context, creds gateway.Credentials, calendarID, text string, timeMin, timeMax time.Time) ([]gateway.Event, error) {
	if err := g.check(ctx, creds); err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []gateway.Event
	for _, e := range g.events[gateway.CalendarOrPrimary(calendarID)] {
		if !overlaps(e, timeMin, timeMax) {
			continue
		}
		if needle != "" && !matches(e, needle) {
			continue
		}
		out = append(out, e)
	}
	sortByStart(out)
	return out, nil
}

// CreateEvent implements [gateway.Gateway].
func (g *Gateway) CreateEvent(ctx context.Context, creds gateway.Credentials, calendarID string, fields gateway.EventFields, opts gateway.CreateOptions) (*gateway.Event, error) {
	if err := g.check(ctx, creds); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fields.Title) == "" {
		return nil, errors.New("memgateway: event title is required")
	}
	if fields.End.Before(fields.Start) {
		return nil, errors.New("memgateway: event ends before it starts")
	}
	transparency := opts.Transparency
	if transparency == "" {
		transparency = gateway.TransparencyOpaque
	}
	cal := gateway.CalendarOrPrimary(calendarID)
	e := gateway.Event{
		ID:           uuid.NewString(),
		CalendarID:   cal,
		Title:        fields.Title,
		Start:        fields.Start,
		End:          fields.End,
		AllDay:       opts.AllDay,
		Location:     fields.Location,
		Notes:        fields.Notes,
		Transparency: transparency,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calendar(cal)[e.ID] = e
	g.writes++
	return &e, nil
}

// UpdateEvent implements [gateway.Gateway].
func (g *Gateway) UpdateEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string, patch gateway.EventPatch) (*gateway.Event, error) {
	if err := g.check(ctx, creds); err != nil {
		return nil, err
	}
	cal := gateway.CalendarOrPrimary(calendarID)

	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.events[cal][id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	if patch.Title != nil {
		e.Title = *patch.Title
	}
	if patch.Start != nil {
		e.Start = *patch.Start
	}
	if patch.End != nil {
		e.End = *patch.End
	}
	if patch.AllDay != nil {
		e.AllDay = *patch.AllDay
	}
	if patch.Location != nil {
		e.Location = *patch.Location
	}
	if patch.Notes != nil {
		e.Notes = *patch.Notes
	}
	if patch.Transparency != nil {
		e.Transparency = *patch.Transparency
	}
	if e.End.Before(e.Start) {
		return nil, errors.New("memgateway: event ends before it starts")
	}
	g.events[cal][id] = e
	g.writes++
	return &e, nil
}

// DeleteEvent implements [gateway.Gateway].
func (g *Gateway) DeleteEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string) error {
	if err := g.check(ctx, creds); err != nil {
		return err
	}
	cal := gateway.CalendarOrPrimary(calendarID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.events[cal][id]; !ok {
		return gateway.ErrNotFound
	}
	delete(g.events[cal], id)
	g.writes++
	return nil
}

// ListTasks implements [gateway.Gateway].
func (g *Gateway) ListTasks(ctx context.Context, creds gateway.Credentials) ([]gateway.Task, error) {
	if err := g.check(ctx, creds); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]gateway.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b gateway.Task) int {
		if c := a.Due.Compare(b.Due); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})
	return out, nil
}

// CreateTask implements [gateway.Gateway].
func (g *Gateway) CreateTask(ctx context.Context, creds gateway.Credentials, fields gateway.TaskFields) (*gateway.Task, error) {
	if err := g.check(ctx, creds); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fields.Title) == "" {
		return nil, errors.New("memgateway: task title is required")
	}
	t := gateway.Task{ID: uuid.NewString(), Title: fields.Title, Notes: fields.Notes, Due: fields.Due}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tasks == nil {
		g.tasks = make(map[string]gateway.Task)
	}
	g.tasks[t.ID] = t
	g.writes++
	return &t, nil
}

// UpdateTask implements [gateway.Gateway].
func (g *Gateway) UpdateTask(ctx context.Context, creds gateway.Credentials, id string, patch gateway.TaskPatch) (*gateway.Task, error) {
	if err := g.check(ctx, creds); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Notes != nil {
		t.Notes = *patch.Notes
	}
	if patch.Due != nil {
		t.Due = *patch.Due
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	g.tasks[id] = t
	g.writes++
	return &t, nil
}

// DeleteTask implements [gateway.Gateway].
func (g *Gateway) DeleteTask(ctx context.Context, creds gateway.Credentials, id string) error {
	if err := g.check(ctx, creds); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(g.tasks, id)
	g.writes++
	return nil
}

// overlaps reports whether e intersects [lo, hi). A zero bound is open.
func overlaps(e gateway.Event, lo, hi time.Time) bool {
	if !hi.IsZero() && !e.Start.Before(hi) {
		return false
	}
	if lo.IsZero() {
		return true
	}
	end := e.End
	if end.Equal(e.Start) {
		return !e.Start.Before(lo)
	}
	return end.After(lo)
}

func matches(e gateway.Event, needle string) bool {
	return strings.Contains(strings.ToLower(e.Title), needle) ||
		strings.Contains(strings.ToLower(e.Notes), needle) ||
		strings.Contains(strings.ToLower(e.Location), needle)
}

func sortByStart(events []gateway.Event) {
	slices.SortFunc(events, func(a, b gateway.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
