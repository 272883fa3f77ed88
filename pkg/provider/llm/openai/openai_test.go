package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  llm.Message
	}{
		{
			name: "system",
			msg:  llm.Message{Role: llm.RoleSystem, Content: "You schedule things."},
		},
		{
			name: "user",
			msg:  llm.Message{Role: llm.RoleUser, Content: "Book lunch tomorrow"},
		},
		{
			name: "assistant",
			msg:  llm.Message{Role: llm.RoleAssistant, Content: "Done."},
		},
		{
			name: "tool",
			msg:  llm.Message{Role: llm.RoleTool, Content: `{"ok":true}`, ToolCallID: "call_1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := convertMessage(tc.msg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch tc.msg.Role {
			case llm.RoleSystem:
				if p.OfSystem == nil {
					t.Fatal("expected OfSystem to be set")
				}
			case llm.RoleUser:
				if p.OfUser == nil {
					t.Fatal("expected OfUser to be set")
				}
			case llm.RoleAssistant:
				if p.OfAssistant == nil {
					t.Fatal("expected OfAssistant to be set")
				}
			case llm.RoleTool:
				if p.OfTool == nil {
					t.Fatal("expected OfTool to be set")
				}
				if p.OfTool.ToolCallID != "call_1" {
					t.Errorf("ToolCallID = %q, want call_1", p.OfTool.ToolCallID)
				}
			}
		})
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	t.Parallel()

	msg := llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "create_event", Arguments: `{"start":"2026-10-18T15:00","title":"dentist visit"}`},
		},
	}
	p, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.OfAssistant == nil || len(p.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected one assistant tool call, got %+v", p.OfAssistant)
	}
	tc := p.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "create_event" {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if tc.Function.Arguments != msg.ToolCalls[0].Arguments {
		t.Errorf("arguments changed in conversion: %s", tc.Function.Arguments)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "narrator"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestBuildParams_ToolsAndSystemPrompt(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Tools: []llm.ToolDefinition{
			{Name: "list_events", Description: "List events", Parameters: map[string]any{"type": "object"}},
		},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "list_events" {
		t.Errorf("unexpected tools %+v", params.Tools)
	}
}

func TestBuildParams_JSONObject(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "pay rent on the 1st"}},
		JSONObject: true,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected json_object response format")
	}

	plain, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if plain.ResponseFormat.OfJSONObject != nil {
		t.Error("response format set without JSONObject")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model     string
		window    int
		toolCalls bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"gpt-4.1-nano", 1_047_576, true},
		{"gpt-3.5-turbo", 16_385, true},
		{"o1-mini", 128_000, false},
		{"o3", 200_000, true},
		{"my-custom-model", 128_000, true},
	}
	for _, tc := range tests {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.window {
			t.Errorf("%s: ContextWindow = %d, want %d", tc.model, caps.ContextWindow, tc.window)
		}
		if caps.SupportsToolCalling != tc.toolCalls {
			t.Errorf("%s: SupportsToolCalling = %v, want %v", tc.model, caps.SupportsToolCalling, tc.toolCalls)
		}
		if caps.MaxOutputTokens <= 0 {
			t.Errorf("%s: expected MaxOutputTokens > 0", tc.model)
		}
	}
}

// chatServer answers every chat completion with status and body.
func chatServer(t *testing.T, status int, body string) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

const toolCallReply = `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
"choices":[{"index":0,"finish_reason":"%s","logprobs":null,"message":{"role":"assistant","content":null,
"refusal":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"create_event","arguments":"{\"title\":\"dentist visit\"}"}}]}}],
"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`

func TestComplete_ToolCalls(t *testing.T) {
	t.Parallel()

	p := chatServer(t, http.StatusOK, fmt.Sprintf(toolCallReply, "tool_calls"))
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "dentist"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "create_event" || resp.ToolCalls[0].Arguments != `{"title":"dentist visit"}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_TruncatedToolCall(t *testing.T) {
	t.Parallel()

	p := chatServer(t, http.StatusOK, fmt.Sprintf(toolCallReply, "length"))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "dentist"}},
	})
	if !errors.Is(err, llm.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestComplete_StatusError(t *testing.T) {
	t.Parallel()

	p := chatServer(t, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit","code":"rate_limit_exceeded"}}`)
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("err = %v, want status 429", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://llm.example.com/v1"), WithOrganization("org-1")); err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}
