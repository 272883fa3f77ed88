package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/chronoxa/internal/catalog"
)

// SystemPrompt renders the instructions sent ahead of every conversation.
func SystemPrompt(now time.Time, loc *time.Location, defaultDuration time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a calendar assistant. Tool catalog version %s.\n", catalog.Version)
	fmt.Fprintf(&b, "Current time: %s (%s), time zone %s.\n",
		now.In(loc).Format(time.RFC3339), now.In(loc).Weekday(), loc.String())
	b.WriteString(`
Rules:
- Act through the tools. Do not claim a change happened unless a tool result confirms it.
- Write times as YYYY-MM-DDTHH:MM in the user's time zone, or YYYY-MM-DD for all-day.
- Use create_task for to-dos and reminders, create_event for appointments.
- Never invent ids. Use an id from a previous result, or pass query (and date) to update_event or delete_event.
- If a tool returns an error, fix the arguments once or explain the problem to the user.
- When you are done, answer briefly in the user's language.
`)
	if defaultDuration > 0 {
		fmt.Fprintf(&b, "- Events without an end last %s.\n", defaultDuration)
	} else {
		b.WriteString("- Leave end empty if the user gave no duration; the user will be asked.\n")
	}
	return b.String()
}

// Describe is a one-line summary of an effect for replies that bypass the
// model.
func Describe(eff *catalog.Effect) string {
	if eff == nil {
		return "Done."
	}
	switch eff.Action {
	case catalog.CreateEvent, catalog.UpdateEvent:
		verb := "Created"
		if eff.Action == catalog.UpdateEvent {
			verb = "Updated"
		}
		if eff.AllDay || eff.Start.IsZero() {
			return fmt.Sprintf("%s %q on %s.", verb, eff.Title, eff.Date)
		}
		return fmt.Sprintf("%s %q, %s to %s.", verb, eff.Title,
			eff.Start.Format("Mon 2 Jan 15:04"), eff.End.Format("15:04"))
	case catalog.CreateTask:
		return fmt.Sprintf("Added task %q for %s.", catalog.TaskBase(eff.Title), eff.Date)
	case catalog.UpdateTask:
		return fmt.Sprintf("Updated task %q.", catalog.TaskBase(eff.Title))
	case catalog.DeleteEvent, catalog.DeleteTask:
		return "Deleted."
	case catalog.ClearDay:
		return fmt.Sprintf("Removed %d events on %s.", len(eff.EntityIDs), eff.Date)
	case catalog.ListEvents:
		return fmt.Sprintf("%d events.", len(eff.Events))
	case catalog.ListTasks:
		return fmt.Sprintf("%d open tasks.", len(eff.Tasks))
	}
	return "Done."
}
