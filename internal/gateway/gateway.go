// Package gateway defines the contract between Chronoxa and the external
// calendar/task store.
//
// The store is the source of truth: Chronoxa never caches what it reads and
// never rolls back what it writes. Every call carries the caller's
// [Credentials] explicitly so one process can serve many users concurrently
// without ambient token state.
//
// Adapters live in sub-packages: memgateway (in-process, used by tests and
// demo deployments) and mcpgateway (a calendar MCP server).
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when an event or task ID does not exist.
var ErrNotFound = errors.New("gateway: not found")

// PrimaryCalendar is the calendar used when a call names none.
const PrimaryCalendar = "primary"

// TaskPrefix marks calendar entries that represent tasks.
const TaskPrefix = "[Task] "

// CalendarOrPrimary returns id, or [PrimaryCalendar] when id is blank.
func CalendarOrPrimary(id string) string {
	if strings.TrimSpace(id) == "" {
		return PrimaryCalendar
	}
	return id
}

// Credentials identify the user on whose behalf a call is made.
type Credentials struct {
	// AccessToken is the bearer token forwarded to the store.
	AccessToken string `json:"-"`

	// Subject is an opaque user identifier used for logging only.
	Subject string `json:"subject,omitempty"`
}

// Transparency controls whether an event blocks free/busy time.
type Transparency string

const (
	// TransparencyOpaque blocks time (the store default).
	TransparencyOpaque Transparency = "opaque"

	// TransparencyTransparent shows the event as free.
	TransparencyTransparent Transparency = "transparent"
)

// IsValid reports whether t is a recognised transparency value.
func (t Transparency) IsValid() bool {
	return t == TransparencyOpaque || t == TransparencyTransparent
}

// Event is a calendar entry as returned by the store.
//
// For all-day events Start is midnight of the first day and End is midnight
// of the day after the last day (exclusive), both in the calendar's location.
type Event struct {
	ID           string       `json:"id"`
	CalendarID   string       `json:"calendar_id"`
	Title        string       `json:"title"`
	Start        time.Time    `json:"start"`
	End          time.Time    `json:"end"`
	AllDay       bool         `json:"all_day"`
	Location     string       `json:"location,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	Transparency Transparency `json:"transparency,omitempty"`
}

// IsTask reports whether the event is a task translated into a calendar entry.
func (e Event) IsTask() bool {
	return strings.HasPrefix(e.Title, TaskPrefix)
}

// EventFields are the writable fields of a new event.
type EventFields struct {
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Location string    `json:"location,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

// CreateOptions carry the availability flags of a new event.
type CreateOptions struct {
	Transparency Transparency `json:"transparency,omitempty"`
	AllDay       bool         `json:"all_day"`
}

// EventPatch is a partial update. Nil fields are left unchanged.
type EventPatch struct {
	Title        *string       `json:"title,omitempty"`
	Start        *time.Time    `json:"start,omitempty"`
	End          *time.Time    `json:"end,omitempty"`
	AllDay       *bool         `json:"all_day,omitempty"`
	Location     *string       `json:"location,omitempty"`
	Notes        *string       `json:"notes,omitempty"`
	Transparency *Transparency `json:"transparency,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p EventPatch) IsEmpty() bool {
	return p.Title == nil && p.Start == nil && p.End == nil && p.AllDay == nil &&
		p.Location == nil && p.Notes == nil && p.Transparency == nil
}

// Task is an entry of the store's native task list.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	Due       time.Time `json:"due,omitzero"`
	Completed bool      `json:"completed"`
}

// TaskFields are the writable fields of a new task.
type TaskFields struct {
	Title string    `json:"title"`
	Notes string    `json:"notes,omitempty"`
	Due   time.Time `json:"due,omitzero"`
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Title     *string    `json:"title,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	Due       *time.Time `json:"due,omitempty"`
	Completed *bool      `json:"completed,omitempty"`
}

// Gateway is the calendar/task store. Implementations must be safe for
// concurrent use. An empty calendarID means [PrimaryCalendar].
type Gateway interface {
	// ListEvents returns events overlapping [timeMin, timeMax), ordered by start.
	ListEvents(ctx context.Context, creds Credentials, calendarID string, timeMin, timeMax time.Time) ([]Event, error)

	// GetEvent returns event id, or an error wrapping [ErrNotFound].
	GetEvent(ctx context.Context, creds Credentials, calendarID, id string) (*Event, error)

	// CreateEvent creates an event and returns it with its store-assigned ID.
	CreateEvent(ctx context.Context, creds Credentials, calendarID string, fields EventFields, opts CreateOptions) (*Event, error)

	// UpdateEvent applies patch to event id and returns the updated event.
	UpdateEvent(ctx context.Context, creds Credentials, calendarID, id string, patch EventPatch) (*Event, error)

	// DeleteEvent removes event id.
	DeleteEvent(ctx context.Context, creds Credentials, calendarID, id string) error

	// SearchEvents returns events in [timeMin, timeMax) whose free text
	// (title, notes, location) contains text, ordered by start.
	SearchEvents(ctx context.Context, creds Credentials, calendarID, text string, timeMin, timeMax time.Time) ([]Event, error)

	ListTasks(ctx context.Context, creds Credentials) ([]Task, error)
	CreateTask(ctx context.Context, creds Credentials, fields TaskFields) (*Task, error)
	UpdateTask(ctx context.Context, creds Credentials, id string, patch TaskPatch) (*Task, error)
	DeleteTask(ctx context.Context, creds Credentials, id string) error
}
