package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/internal/gateway"
)

// Operation names.
const (
	ListEvents  = "list_events"
	CreateEvent = "create_event"
	UpdateEvent = "update_event"
	DeleteEvent = "delete_event"
	ClearDay    = "clear_day"
	ListTasks   = "list_tasks"
	CreateTask  = "create_task"
	UpdateTask  = "update_task"
	DeleteTask  = "delete_task"
)

// Task sources accepted by update_task and delete_task.
const (
	SourceCalendar = "calendar"
	SourceTasks    = "tasks"
)

const (
	defaultListWindow = 7 * 24 * time.Hour
	taskListWindow    = 30 * 24 * time.Hour
)

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

const timeHelp = "RFC 3339, or YYYY-MM-DDTHH:MM in the user's time zone, or YYYY-MM-DD for all-day"

// Default returns the full catalog.
func Default() *Registry {
	r := NewRegistry()

	Register(r, Spec{
		Name:        ListEvents,
		Description: "List calendar events in a time range. Defaults to the next 7 days.",
		Parameters: object(nil, map[string]any{
			"time_min":    str("Range start, " + timeHelp),
			"time_max":    str("Range end (exclusive), " + timeHelp),
			"calendar_id": str("Calendar to read; defaults to the user's calendar"),
		}),
	}, listEvents)

	createReq := []string{"title", "start"}
	Register(r, Spec{
		Name:        CreateEvent,
		Description: "Create a calendar event. A bare date as start creates an all-day event.",
		Required:    createReq,
		Mutating:    true,
		Parameters: object(createReq, map[string]any{
			"title":        str("Event title"),
			"start":        str("Start, " + timeHelp),
			"end":          str("End, same formats as start"),
			"all_day":      map[string]any{"type": "boolean", "description": "Force an all-day event"},
			"location":     str("Where the event takes place"),
			"notes":        str("Free-text description"),
			"transparency": map[string]any{"type": "string", "enum": []string{"opaque", "transparent"}, "description": "transparent shows the time as free"},
			"calendar_id":  str("Target calendar; defaults to the user's calendar"),
		}),
	}, createEvent)

	targetProps := map[string]any{
		"id":          str("Event ID from a previous listing"),
		"query":       str("Title to search for when the ID is unknown"),
		"date":        str("Day to search when using query, YYYY-MM-DD"),
		"calendar_id": str("Calendar holding the event"),
	}

	updateProps := map[string]any{
		"title":    str("New title"),
		"start":    str("New start, " + timeHelp),
		"end":      str("New end"),
		"location": str("New location"),
		"notes":    str("New description"),
	}
	for k, v := range targetProps {
		updateProps[k] = v
	}
	Register(r, Spec{
		Name:        UpdateEvent,
		Description: "Change fields of an existing event. Only supplied fields change.",
		Required:    []string{"id"},
		Mutating:    true,
		Parameters:  object(nil, updateProps),
	}, updateEvent)

	Register(r, Spec{
		Name:        DeleteEvent,
		Description: "Delete an event permanently.",
		Required:    []string{"id"},
		Destructive: true,
		Mutating:    true,
		Parameters:  object(nil, targetProps),
	}, deleteEvent)

	Register(r, Spec{
		Name:        ClearDay,
		Description: "Delete every timed (non all-day) event on a date.",
		Required:    []string{"date"},
		Destructive: true,
		Mutating:    true,
		Parameters: object([]string{"date"}, map[string]any{
			"date":        str("Day to clear, YYYY-MM-DD"),
			"calendar_id": str("Calendar to clear"),
		}),
	}, clearDay)

	Register(r, Spec{
		Name:        ListTasks,
		Description: "List open tasks: task-list items plus task entries on the calendar for the next 30 days.",
		Parameters:  object(nil, map[string]any{}),
	}, listTasks)

	Register(r, Spec{
		Name:        CreateTask,
		Description: "Create a task. It appears as an all-day entry on its due date that does not block time.",
		Required:    []string{"title"},
		Mutating:    true,
		Parameters: object([]string{"title"}, map[string]any{
			"title": str("What needs doing"),
			"due":   str("Due date, YYYY-MM-DD; defaults to today"),
			"notes": str("Free-text details"),
		}),
	}, createTask)

	taskTarget := map[string]any{
		"id":     str("Task ID from list_tasks"),
		"source": map[string]any{"type": "string", "enum": []string{SourceCalendar, SourceTasks}, "description": "Where the task lives, as reported by list_tasks; defaults to calendar"},
	}
	updateTaskProps := map[string]any{
		"title":     str("New title"),
		"due":       str("New due date, YYYY-MM-DD"),
		"notes":     str("New details"),
		"completed": map[string]any{"type": "boolean", "description": "Mark done (true) or open (false)"},
	}
	for k, v := range taskTarget {
		updateTaskProps[k] = v
	}
	Register(r, Spec{
		Name:        UpdateTask,
		Description: "Change a task, including marking it done.",
		Required:    []string{"id"},
		Mutating:    true,
		Parameters:  object([]string{"id"}, updateTaskProps),
	}, updateTask)

	Register(r, Spec{
		Name:        DeleteTask,
		Description: "Delete a task permanently.",
		Required:    []string{"id"},
		Destructive: true,
		Mutating:    true,
		Parameters:  object([]string{"id"}, taskTarget),
	}, deleteTask)

	return r
}

// ── list_events ─────────────────────────────────────────────────────────────

type listEventsArgs struct {
	TimeMin    string `json:"time_min"`
	TimeMax    string `json:"time_max"`
	CalendarID string `json:"calendar_id"`
}

func listEvents(ctx context.Context, env *Env, a listEventsArgs) (*Effect, error) {
	lo := StartOfDay(env.now(), env.loc())
	if a.TimeMin != "" {
		w, err := ParseWhen(a.TimeMin, env.loc())
		if err != nil {
			return nil, apperr.Invalid(ListEvents, "time_min: %v", err)
		}
		lo = w.Time
	}
	hi := lo.Add(defaultListWindow)
	if a.TimeMax != "" {
		w, err := ParseWhen(a.TimeMax, env.loc())
		if err != nil {
			return nil, apperr.Invalid(ListEvents, "time_max: %v", err)
		}
		hi = w.Time
	}
	if !hi.After(lo) {
		return nil, apperr.Invalid(ListEvents, "time_max must be after time_min")
	}
	cal := env.calendar(a.CalendarID)
	events, err := env.Gateway.ListEvents(ctx, env.Credentials, cal, lo, hi)
	if err != nil {
		return nil, err
	}
	return &Effect{Action: ListEvents, CalendarID: cal, Start: lo, End: hi, Events: events}, nil
}

// ── create_event ────────────────────────────────────────────────────────────

type createEventArgs struct {
	Title        string `json:"title"`
	Start        string `json:"start"`
	End          string `json:"end"`
	AllDay       *bool  `json:"all_day"`
	Location     string `json:"location"`
	Notes        string `json:"notes"`
	Transparency string `json:"transparency"`
	CalendarID   string `json:"calendar_id"`
}

func createEvent(ctx context.Context, env *Env, a createEventArgs) (*Effect, error) {
	start, err := ParseWhen(a.Start, env.loc())
	if err != nil {
		return nil, apperr.Invalid(CreateEvent, "start: %v", err)
	}
	allDay := start.AllDay || (a.AllDay != nil && *a.AllDay)

	var end time.Time
	switch {
	case allDay:
		first := StartOfDay(start.Time, env.loc())
		end = first.AddDate(0, 0, 1)
		if a.End != "" {
			last, err := ParseDate(a.End, env.loc())
			if err != nil {
				return nil, apperr.Invalid(CreateEvent, "end: %v", err)
			}
			if last.After(first) {
				end = last
			}
		}
		start.Time = first
	case a.End != "":
		w, err := ParseWhen(a.End, env.loc())
		if err != nil {
			return nil, apperr.Invalid(CreateEvent, "end: %v", err)
		}
		end = w.Time
		if !end.After(start.Time) {
			return nil, apperr.Invalid(CreateEvent, "end must be after start")
		}
	case env.DefaultDuration > 0:
		end = start.Time.Add(env.DefaultDuration)
	default:
		return nil, &apperr.ValidationError{Tool: CreateEvent, Missing: []string{"end"}}
	}

	transparency := gateway.Transparency(strings.ToLower(strings.TrimSpace(a.Transparency)))
	if transparency != "" && !transparency.IsValid() {
		return nil, apperr.Invalid(CreateEvent, "transparency must be opaque or transparent, got %q", a.Transparency)
	}

	cal := env.calendar(a.CalendarID)
	ev, err := env.Gateway.CreateEvent(ctx, env.Credentials, cal, gateway.EventFields{
		Title:    strings.TrimSpace(a.Title),
		Start:    start.Time,
		End:      end,
		Location: a.Location,
		Notes:    a.Notes,
	}, gateway.CreateOptions{Transparency: transparency, AllDay: allDay})
	if err != nil {
		return nil, err
	}
	return eventEffect(CreateEvent, ev, env.loc()), nil
}

// NeedsDuration reports whether call is a timed create_event without an end,
// which cannot execute unless a default duration applies.
func NeedsDuration(call Call) bool {
	if call.Name != CreateEvent || call.String("end") != "" {
		return false
	}
	start := call.String("start")
	if start == "" || IsDateOnly(start) {
		return false
	}
	if b, ok := call.Args["all_day"].(bool); ok && b {
		return false
	}
	return true
}

// ── update_event ────────────────────────────────────────────────────────────

type updateEventArgs struct {
	ID         string  `json:"id"`
	Title      *string `json:"title"`
	Start      *string `json:"start"`
	End        *string `json:"end"`
	Location   *string `json:"location"`
	Notes      *string `json:"notes"`
	CalendarID string  `json:"calendar_id"`
}

func updateEvent(ctx context.Context, env *Env, a updateEventArgs) (*Effect, error) {
	var patch gateway.EventPatch
	if a.Title != nil {
		t := strings.TrimSpace(*a.Title)
		if t == "" {
			return nil, apperr.Invalid(UpdateEvent, "title must not be blank")
		}
		patch.Title = &t
	}
	patch.Location = a.Location
	patch.Notes = a.Notes

	cal := env.calendar(a.CalendarID)
	if a.Start != nil {
		w, err := ParseWhen(*a.Start, env.loc())
		if err != nil {
			return nil, apperr.Invalid(UpdateEvent, "start: %v", err)
		}
		patch.Start = &w.Time
		allDay := w.AllDay
		patch.AllDay = &allDay
		if a.End == nil {
			// Keep the event's length when only the start moves.
			cur, err := env.Gateway.GetEvent(ctx, env.Credentials, cal, a.ID)
			if err != nil {
				return nil, err
			}
			length := cur.End.Sub(cur.Start)
			if allDay && (!cur.AllDay || length <= 0) {
				length = 24 * time.Hour
			}
			end := w.Time.Add(length)
			if allDay {
				end = w.Time.AddDate(0, 0, int(length/(24*time.Hour)))
			}
			patch.End = &end
		}
	}
	if a.End != nil {
		w, err := ParseWhen(*a.End, env.loc())
		if err != nil {
			return nil, apperr.Invalid(UpdateEvent, "end: %v", err)
		}
		patch.End = &w.Time
	}
	if patch.Start != nil && patch.End != nil && !patch.End.After(*patch.Start) {
		return nil, apperr.Invalid(UpdateEvent, "end must be after start")
	}
	if patch.IsEmpty() {
		return nil, apperr.Invalid(UpdateEvent, "nothing to change")
	}

	ev, err := env.Gateway.UpdateEvent(ctx, env.Credentials, cal, a.ID, patch)
	if err != nil {
		return nil, err
	}
	return eventEffect(UpdateEvent, ev, env.loc()), nil
}

// ── delete_event ────────────────────────────────────────────────────────────

type deleteEventArgs struct {
	ID         string `json:"id"`
	CalendarID string `json:"calendar_id"`
}

func deleteEvent(ctx context.Context, env *Env, a deleteEventArgs) (*Effect, error) {
	cal := env.calendar(a.CalendarID)
	if err := env.Gateway.DeleteEvent(ctx, env.Credentials, cal, a.ID); err != nil {
		return nil, err
	}
	return &Effect{Action: DeleteEvent, CalendarID: cal, EntityID: a.ID}, nil
}

// ── clear_day ───────────────────────────────────────────────────────────────

type clearDayArgs struct {
	Date       string `json:"date"`
	CalendarID string `json:"calendar_id"`
}

func clearDay(ctx context.Context, env *Env, a clearDayArgs) (*Effect, error) {
	day, err := ParseDate(a.Date, env.loc())
	if err != nil {
		return nil, apperr.Invalid(ClearDay, "date: %v", err)
	}
	cal := env.calendar(a.CalendarID)
	events, err := env.Gateway.ListEvents(ctx, env.Credentials, cal, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	eff := &Effect{Action: ClearDay, CalendarID: cal, Date: day.Format(DateLayout)}
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		if err := env.Gateway.DeleteEvent(ctx, env.Credentials, cal, ev.ID); err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("after deleting %d of the day's events: %w", len(eff.EntityIDs), err)
		}
		eff.EntityIDs = append(eff.EntityIDs, ev.ID)
	}
	return eff, nil
}

// ── list_tasks ──────────────────────────────────────────────────────────────

type listTasksArgs struct{}

func listTasks(ctx context.Context, env *Env, _ listTasksArgs) (*Effect, error) {
	tasks, err := env.Gateway.ListTasks(ctx, env.Credentials)
	if err != nil {
		return nil, err
	}
	lo := StartOfDay(env.now(), env.loc())
	cal := env.taskCalendar()
	events, err := env.Gateway.ListEvents(ctx, env.Credentials, cal, lo, lo.Add(taskListWindow))
	if err != nil {
		return nil, err
	}
	eff := &Effect{Action: ListTasks, CalendarID: cal}
	for _, t := range tasks {
		if !t.Completed {
			eff.Tasks = append(eff.Tasks, t)
		}
	}
	for _, ev := range events {
		if ev.IsTask() && !TaskDone(ev.Title) {
			eff.Events = append(eff.Events, ev)
		}
	}
	return eff, nil
}

// ── create_task ─────────────────────────────────────────────────────────────

// createTaskArgs deliberately has no start, end, all-day or transparency
// fields: a task's placement is fixed and model overrides are dropped.
type createTaskArgs struct {
	Title string `json:"title"`
	Due   string `json:"due"`
	Notes string `json:"notes"`
}

func createTask(ctx context.Context, env *Env, a createTaskArgs) (*Effect, error) {
	due := StartOfDay(env.now(), env.loc())
	if strings.TrimSpace(a.Due) != "" {
		d, err := ParseDate(a.Due, env.loc())
		if err != nil {
			return nil, apperr.Invalid(CreateTask, "due: %v", err)
		}
		due = d
	}
	title := TaskTitle(a.Title, false)
	if TaskBase(title) == "" {
		return nil, &apperr.ValidationError{Tool: CreateTask, Missing: []string{"title"}}
	}

	cal := env.taskCalendar()
	ev, err := env.Gateway.CreateEvent(ctx, env.Credentials, cal, gateway.EventFields{
		Title: title,
		Start: due,
		End:   due.AddDate(0, 0, 1),
		Notes: a.Notes,
	}, gateway.CreateOptions{Transparency: gateway.TransparencyTransparent, AllDay: true})
	if err != nil {
		return nil, err
	}
	eff := eventEffect(CreateTask, ev, env.loc())
	eff.Date = due.Format(DateLayout)
	return eff, nil
}

// ── update_task ─────────────────────────────────────────────────────────────

type updateTaskArgs struct {
	ID        string  `json:"id"`
	Title     *string `json:"title"`
	Due       *string `json:"due"`
	Notes     *string `json:"notes"`
	Completed *bool   `json:"completed"`
	Source    string  `json:"source"`
}

func updateTask(ctx context.Context, env *Env, a updateTaskArgs) (*Effect, error) {
	var due *time.Time
	if a.Due != nil {
		d, err := ParseDate(*a.Due, env.loc())
		if err != nil {
			return nil, apperr.Invalid(UpdateTask, "due: %v", err)
		}
		due = &d
	}

	switch a.Source {
	case SourceTasks:
		t, err := env.Gateway.UpdateTask(ctx, env.Credentials, a.ID, gateway.TaskPatch{
			Title: a.Title, Notes: a.Notes, Due: due, Completed: a.Completed,
		})
		if err != nil {
			return nil, err
		}
		eff := &Effect{Action: UpdateTask, EntityID: t.ID, Title: t.Title, Tasks: []gateway.Task{*t}}
		if !t.Due.IsZero() {
			eff.Date = t.Due.Format(DateLayout)
		}
		return eff, nil
	case "", SourceCalendar:
	default:
		return nil, apperr.Invalid(UpdateTask, "source must be %q or %q", SourceCalendar, SourceTasks)
	}

	cal := env.taskCalendar()
	var patch gateway.EventPatch
	if a.Title != nil || a.Completed != nil {
		cur, err := env.Gateway.GetEvent(ctx, env.Credentials, cal, a.ID)
		if err != nil {
			return nil, err
		}
		base, done := cur.Title, TaskDone(cur.Title)
		if a.Title != nil {
			base = *a.Title
		}
		if a.Completed != nil {
			done = *a.Completed
		}
		title := TaskTitle(base, done)
		if TaskBase(title) == "" {
			return nil, apperr.Invalid(UpdateTask, "title must not be blank")
		}
		patch.Title = &title
	}
	patch.Notes = a.Notes
	if due != nil {
		end := due.AddDate(0, 0, 1)
		allDay := true
		patch.Start, patch.End, patch.AllDay = due, &end, &allDay
	}
	if patch.IsEmpty() {
		return nil, apperr.Invalid(UpdateTask, "nothing to change")
	}

	ev, err := env.Gateway.UpdateEvent(ctx, env.Credentials, cal, a.ID, patch)
	if err != nil {
		return nil, err
	}
	eff := eventEffect(UpdateTask, ev, env.loc())
	eff.Date = StartOfDay(ev.Start, env.loc()).Format(DateLayout)
	return eff, nil
}

// ── delete_task ─────────────────────────────────────────────────────────────

type deleteTaskArgs struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

func deleteTask(ctx context.Context, env *Env, a deleteTaskArgs) (*Effect, error) {
	switch a.Source {
	case SourceTasks:
		if err := env.Gateway.DeleteTask(ctx, env.Credentials, a.ID); err != nil {
			return nil, err
		}
		return &Effect{Action: DeleteTask, EntityID: a.ID}, nil
	case "", SourceCalendar:
		cal := env.taskCalendar()
		if err := env.Gateway.DeleteEvent(ctx, env.Credentials, cal, a.ID); err != nil {
			return nil, err
		}
		return &Effect{Action: DeleteTask, CalendarID: cal, EntityID: a.ID}, nil
	default:
		return nil, apperr.Invalid(DeleteTask, "source must be %q or %q", SourceCalendar, SourceTasks)
	}
}

func eventEffect(action string, ev *gateway.Event, loc *time.Location) *Effect {
	eff := &Effect{
		Action:     action,
		CalendarID: ev.CalendarID,
		EntityID:   ev.ID,
		Title:      ev.Title,
		Start:      ev.Start,
		End:        ev.End,
		AllDay:     ev.AllDay,
	}
	if ev.AllDay {
		eff.Date = StartOfDay(ev.Start, loc).Format(DateLayout)
	}
	return eff
}
