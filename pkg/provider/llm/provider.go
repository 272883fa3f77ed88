// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local chat-completion API (OpenAI, Anthropic,
// Gemini, a local Ollama, ...) and exposes the single request/response call the
// Chronoxa orchestrator needs: send a conversation plus a tool catalogue, get
// back text and/or tool calls.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrTruncated is returned when the model stopped at the token limit in the
// middle of a tool call or a JSON reply, so the output cannot be parsed.
var ErrTruncated = errors.New("llm: response truncated at the token limit")

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role or a batch of "tool" results.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. The model may
	// respond with zero or more calls to them.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history.
	SystemPrompt string

	// JSONObject asks the backend to constrain the reply to one JSON object.
	// Backends without such a mode ignore it.
	JSONObject bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the assistant's reply text. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model in this
	// turn, in the order the model emitted them.
	ToolCalls []ToolCall

	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// It returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}
