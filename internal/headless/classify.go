package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

const defaultTemperature = 0.1

const classifyPrompt = `You turn a dictated note into exactly one calendar entry.

Current time: %s (%s), time zone %s.

Decide whether the note is a task (something to do, a reminder, an errand) or an event (something that happens at a time, usually with other people or a place).

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"kind":"task"|"event","title":"<short title>","date":"YYYY-MM-DD","start":"YYYY-MM-DDTHH:MM","end":"YYYY-MM-DDTHH:MM","notes":"<extra details or empty>"}

Rules:
- Resolve relative dates ("tomorrow", "on the 1st") against the current time. A day of month that has already passed means next month.
- For a task, fill date with the due date (today if none) and leave start and end empty.
- For an event with a time, fill start; fill end only if a duration or end time was given.
- For an event without a time, fill date and leave start and end empty.
- Keep the title short and imperative for tasks ("Pay rent"), nominal for events ("Dentist").`

// Intent is the classifier's reading of an instruction.
type Intent struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
	Notes string `json:"notes"`
}

// Classifier makes one model call per instruction and parses the JSON reply.
// It is safe for concurrent use.
type Classifier struct {
	llm         llm.Provider
	temperature float64
}

// NewClassifier returns a Classifier backed by provider.
func NewClassifier(provider llm.Provider) *Classifier {
	return &Classifier{llm: provider, temperature: defaultTemperature}
}

// Classify asks the model what instruction should become. Replies that are
// not the expected JSON are validation failures.
func (c *Classifier) Classify(ctx context.Context, instruction string, now time.Time, loc *time.Location) (*Intent, error) {
	local := now.In(loc)
	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(classifyPrompt, local.Format(time.RFC3339), local.Weekday(), loc),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: instruction}},
		Temperature:  c.temperature,
		JSONObject:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("headless: classify: %w", err)
	}
	return parseIntent(resp.Content)
}

func parseIntent(content string) (*Intent, error) {
	var in Intent
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &in); err != nil {
		return nil, apperr.Invalid("", "classifier reply is not JSON: %v", err)
	}
	in.Kind = strings.ToLower(strings.TrimSpace(in.Kind))
	in.Title = strings.TrimSpace(in.Title)
	if in.Kind == "" {
		return nil, &apperr.ValidationError{Missing: []string{"kind"}, Reason: "classifier gave no kind"}
	}
	if in.Title == "" {
		return nil, &apperr.ValidationError{Missing: []string{"title"}, Reason: "classifier gave no title"}
	}
	return &in, nil
}

// stripMarkdown removes a surrounding code fence some models add despite
// being told not to.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
