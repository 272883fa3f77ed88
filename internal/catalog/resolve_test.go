package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/chronoxa/internal/catalog"
	"github.com/MrWong99/chronoxa/internal/gateway"
	"github.com/MrWong99/chronoxa/internal/gateway/memgateway"
)

func TestResolveTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := memgateway.New()
	day := time.Date(2026, 10, 20, 0, 0, 0, 0, berlin)
	seeded := g.Seed("",
		gateway.Event{Title: "Dentist appointment", Start: day.Add(15 * time.Hour), End: day.Add(16 * time.Hour)},
		gateway.Event{Title: "Team sync", Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)},
		gateway.Event{Title: "Team sync", Start: day.Add(34 * time.Hour), End: day.Add(35 * time.Hour)},
		gateway.Event{Title: "Dentist", Start: day.AddDate(0, 2, 0), End: day.AddDate(0, 2, 0).Add(time.Hour)},
	)
	env := newEnv(g)

	t.Run("single match", func(t *testing.T) {
		t.Parallel()
		res, err := catalog.ResolveTarget(ctx, env, "", "dentist", "")
		if err != nil {
			t.Fatal(err)
		}
		if res.ID != seeded[0].ID || res.Ambiguous() {
			t.Fatalf("res = %+v, want the October appointment only", res)
		}
	})

	t.Run("ambiguous", func(t *testing.T) {
		t.Parallel()
		res, err := catalog.ResolveTarget(ctx, env, "", "team sync", "")
		if err != nil {
			t.Fatal(err)
		}
		if !res.Ambiguous() || len(res.Candidates) != 2 {
			t.Fatalf("res = %+v, want two candidates", res)
		}
		if !res.Candidates[0].Event.Start.Before(res.Candidates[1].Event.Start) {
			t.Error("equal scores should be ordered by start")
		}
	})

	t.Run("date narrows", func(t *testing.T) {
		t.Parallel()
		res, err := catalog.ResolveTarget(ctx, env, "", "team sync", "2026-10-21")
		if err != nil {
			t.Fatal(err)
		}
		if res.ID != seeded[2].ID {
			t.Fatalf("res = %+v, want the second sync", res)
		}
	})

	t.Run("fuzzy", func(t *testing.T) {
		t.Parallel()
		res, err := catalog.ResolveTarget(ctx, env, "", "Dentist apointment", "")
		if err != nil {
			t.Fatal(err)
		}
		if res.ID != seeded[0].ID {
			t.Fatalf("res = %+v, typo should still match", res)
		}
	})

	t.Run("no match", func(t *testing.T) {
		t.Parallel()
		res, err := catalog.ResolveTarget(ctx, env, "", "yoga", "")
		if err != nil {
			t.Fatal(err)
		}
		if res.ID != "" || len(res.Candidates) != 0 {
			t.Fatalf("res = %+v, want empty", res)
		}
	})
}

func TestNeedsTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		call catalog.Call
		want bool
	}{
		{call(catalog.DeleteEvent, map[string]any{"query": "standup"}), true},
		{call(catalog.DeleteEvent, map[string]any{"id": "e1", "query": "standup"}), false},
		{call(catalog.UpdateEvent, map[string]any{"query": "standup", "title": "x"}), true},
		{call(catalog.DeleteTask, map[string]any{"query": "standup"}), false},
	}
	for i, tc := range tests {
		if got := catalog.NeedsTarget(tc.call); got != tc.want {
			t.Errorf("case %d: NeedsTarget = %v, want %v", i, got, tc.want)
		}
	}
}

func TestTaskTitle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		done bool
		want string
	}{
		{"Pay rent", false, "[Task] Pay rent"},
		{"[Task] Pay rent", false, "[Task] Pay rent"},
		{"[task] [Task] Pay rent", false, "[Task] Pay rent"},
		{"[Task] ✓ Pay rent", false, "[Task] Pay rent"},
		{"Pay rent", true, "[Task] ✓ Pay rent"},
		{"[Task] ✓ Pay rent", true, "[Task] ✓ Pay rent"},
	}
	for _, tc := range tests {
		if got := catalog.TaskTitle(tc.in, tc.done); got != tc.want {
			t.Errorf("TaskTitle(%q, %v) = %q, want %q", tc.in, tc.done, got, tc.want)
		}
	}
	if !catalog.TaskDone("[Task] ✓ Pay rent") || catalog.TaskDone("[Task] Pay rent") {
		t.Error("TaskDone mismatch")
	}
}

func TestParseWhen(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		want   time.Time
		allDay bool
	}{
		{"2026-10-18T15:00:00Z", time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC), false},
		{"2026-10-18T15:00:00-04:00", time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC), false},
		{"2026-10-18T15:00", time.Date(2026, 10, 18, 15, 0, 0, 0, berlin), false},
		{"2026-10-18 15:00:30", time.Date(2026, 10, 18, 15, 0, 30, 0, berlin), false},
		{"2026-10-18", time.Date(2026, 10, 18, 0, 0, 0, 0, berlin), true},
	}
	for _, tc := range tests {
		w, err := catalog.ParseWhen(tc.in, berlin)
		if err != nil {
			t.Errorf("ParseWhen(%q): %v", tc.in, err)
			continue
		}
		if !w.Time.Equal(tc.want) || w.AllDay != tc.allDay {
			t.Errorf("ParseWhen(%q) = %v/%v, want %v/%v", tc.in, w.Time, w.AllDay, tc.want, tc.allDay)
		}
	}
	for _, bad := range []string{"", "tomorrow", "18.10.2026"} {
		if _, err := catalog.ParseWhen(bad, berlin); err == nil {
			t.Errorf("ParseWhen(%q) should fail", bad)
		}
	}
}
