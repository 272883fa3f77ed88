package catalog

import (
	"strings"

	"github.com/MrWong99/chronoxa/internal/gateway"
)

// DoneMark is inserted after the task prefix of completed task entries.
const DoneMark = "✓ "

// TaskTitle returns the calendar title for a task: the [gateway.TaskPrefix]
// exactly once, the done mark when done, then the bare title.
func TaskTitle(title string, done bool) string {
	base := TaskBase(title)
	if done {
		return gateway.TaskPrefix + DoneMark + base
	}
	return gateway.TaskPrefix + base
}

// TaskBase strips any task prefixes and done marks from title.
func TaskBase(title string) string {
	t := strings.TrimSpace(title)
	marker := strings.TrimSpace(gateway.TaskPrefix)
	for {
		switch {
		case len(t) >= len(marker) && strings.EqualFold(t[:len(marker)], marker):
			t = strings.TrimSpace(t[len(marker):])
		case strings.HasPrefix(t, strings.TrimSpace(DoneMark)):
			t = strings.TrimSpace(strings.TrimPrefix(t, strings.TrimSpace(DoneMark)))
		default:
			return t
		}
	}
}

// TaskDone reports whether a task entry title carries the done mark.
func TaskDone(title string) bool {
	t := strings.TrimSpace(title)
	marker := strings.TrimSpace(gateway.TaskPrefix)
	if len(t) >= len(marker) && strings.EqualFold(t[:len(marker)], marker) {
		t = strings.TrimSpace(t[len(marker):])
	}
	return strings.HasPrefix(t, strings.TrimSpace(DoneMark))
}
