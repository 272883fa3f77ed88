package confirm_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/chronoxa/internal/confirm"
)

func TestPendingAction_StringIsCanonical(t *testing.T) {
	t.Parallel()
	pa := confirm.PendingAction{
		Action: "delete_event",
		Args: map[string]any{
			"id":   "evt<1>&",
			"meta": map[string]any{"z": 1, "a": []any{"b", map[string]any{"y": true, "x": nil}}},
		},
	}
	want := `Executing delete_event: {"id":"evt<1>&","meta":{"a":["b",{"x":null,"y":true}],"z":1}}`
	if got := pa.String(); got != want {
		t.Fatalf("String =\n%s\nwant\n%s", got, want)
	}
}

func TestParse_RoundTripIsByteIdentical(t *testing.T) {
	t.Parallel()
	inputs := []string{
		`Executing create_event: {"end":"2026-10-18T16:00:00+02:00","start":"2026-10-18T15:00:00+02:00","title":"Dentist"}`,
		`Executing update_event: {"id":"e1","ratio":1.50,"tags":["a","b"]}`,
		`Executing clear_day: {"date":"2026-10-20"}`,
		`Executing list_tasks: {}`,
	}
	for _, in := range inputs {
		pa, err := confirm.Parse(in)
		if err != nil {
			t.Errorf("Parse(%q): %v", in, err)
			continue
		}
		if got := pa.String(); got != in {
			t.Errorf("round trip changed:\n in  %s\n out %s", in, got)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
	}{
		{"no prefix", `delete_event: {"id":"x"}`},
		{"empty action", `Executing : {"id":"x"}`},
		{"no colon", `Executing delete_event {"id":"x"}`},
		{"array payload", `Executing delete_event: ["x"]`},
		{"string payload", `Executing delete_event: "x"`},
		{"trailing data", `Executing delete_event: {"id":"x"} {"id":"y"}`},
		{"broken json", `Executing delete_event: {"id":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := confirm.Parse(tc.in); !errors.Is(err, confirm.ErrMalformed) {
				t.Errorf("Parse err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestAmend_Duration(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CEST", 2*60*60)
	pa := confirm.PendingAction{Action: "create_event", Args: map[string]any{
		"title": "Dentist", "start": "2026-10-18T15:00", "duration_minutes": "?",
	}}
	got, err := confirm.Amend(pa, confirm.Choice{DurationMinutes: 45}, loc)
	if err != nil {
		t.Fatalf("Amend: %v", err)
	}
	if got.Args["end"] != "2026-10-18T15:45:00+02:00" {
		t.Errorf("end = %v", got.Args["end"])
	}
	if _, ok := got.Args["duration_minutes"]; ok {
		t.Error("hint field should be removed")
	}
	if _, ok := pa.Args["end"]; ok {
		t.Error("Amend must not modify its input")
	}

	if _, err := confirm.Amend(confirm.PendingAction{Action: "create_event", Args: map[string]any{}}, confirm.Choice{DurationMinutes: 30}, loc); err == nil {
		t.Error("expected error without start")
	}
}

func TestAmend_Entity(t *testing.T) {
	t.Parallel()
	pa := confirm.PendingAction{Action: "delete_event", Args: map[string]any{"query": "team sync", "date": "2026-10-20"}}
	got, err := confirm.Amend(pa, confirm.Choice{EntityID: "evt-7"}, time.UTC)
	if err != nil {
		t.Fatalf("Amend: %v", err)
	}
	if got.String() != `Executing delete_event: {"id":"evt-7"}` {
		t.Errorf("amended = %s", got)
	}
	if _, err := confirm.Amend(pa, confirm.Choice{}, time.UTC); err == nil {
		t.Error("expected error for empty choice")
	}
}

func TestRequest_JSON(t *testing.T) {
	t.Parallel()
	pa := confirm.PendingAction{Action: "delete_event", Args: map[string]any{"id": "e1"}}
	data, err := json.Marshal(confirm.Confirmation(pa, true))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"kind":"confirm"`, `"destructive":true`, `"pending_action":"Executing delete_event: {\"id\":\"e1\"}"`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s missing %s", s, want)
		}
	}

	var back confirm.Request
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.PendingAction.String() != pa.String() {
		t.Errorf("pending action changed: %s", back.PendingAction)
	}
}

func TestDurationChoice_DefaultOptions(t *testing.T) {
	t.Parallel()
	req := confirm.DurationChoice(confirm.PendingAction{Action: "create_event", Args: map[string]any{"title": "Gym"}}, nil)
	if req.Kind != confirm.KindDurationChoice || len(req.Options) != 6 || req.Options[0] != 15 || req.Options[5] != 120 {
		t.Errorf("unexpected request %+v", req)
	}
}
