package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/chronoxa/internal/config"
	"github.com/MrWong99/chronoxa/internal/gateway/mcpgateway"
	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  fallback_llms:
    - name: ollama
      base_url: http://localhost:11434
      model: llama3.1
  breaker:
    max_failures: 3
    reset_timeout: 20s

assistant:
  timezone: Europe/Berlin
  max_rounds: 6
  duration_options: [15, 30, 60]
  task_calendar_id: tasks

headless:
  shared_secret: s3cret
  access_token: svc-token
  default_duration: 30m

ledger:
  backend: postgres
  dsn: postgres://localhost/chronoxa
  retention: 720h
  processing_timeout: 2m
  gc_interval: 1h

gateway:
  backend: mcp
  mcp:
    name: google-calendar
    transport: streamable-http
    url: http://localhost:9000/mcp
  tool_names:
    list_events: gcal_list
  breaker:
    max_failures: 5
`

func load(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	return config.LoadFromReader(strings.NewReader(yaml))
}

// ── Loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Name != "openai" || len(cfg.Providers.FallbackLLMs) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers.Breaker.ResetTimeout != 20*time.Second {
		t.Errorf("providers.breaker.reset_timeout = %v, want 20s", cfg.Providers.Breaker.ResetTimeout)
	}
	if !slices.Equal(cfg.Assistant.DurationOptions, []int{15, 30, 60}) || cfg.Assistant.MaxRounds != 6 {
		t.Errorf("assistant = %+v", cfg.Assistant)
	}
	if cfg.Headless.DefaultDuration != 30*time.Minute {
		t.Errorf("headless.default_duration = %v, want 30m", cfg.Headless.DefaultDuration)
	}
	if cfg.Ledger.Backend != config.LedgerPostgres || cfg.Ledger.Retention != 720*time.Hour {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Gateway.MCP.Transport != mcpgateway.TransportStreamableHTTP || cfg.Gateway.ToolNames["list_events"] != "gcal_list" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "{}"} {
		if _, err := load(t, in); err != nil {
			t.Errorf("LoadFromReader(%q): %v", in, err)
		}
	}
}

func TestLoadFromReader_UnknownKey(t *testing.T) {
	t.Parallel()
	_, err := load(t, "assistant:\n  timezone: UTC\n  max_round: 4\n")
	if err == nil || !strings.Contains(err.Error(), "max_round") {
		t.Errorf("err = %v, want an unknown field error naming max_round", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "chronoxa.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Assistant.Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q", cfg.Assistant.Timezone)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v, want os.ErrNotExist", err)
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"log level", "server:\n  log_level: verbose\n", "server.log_level"},
		{"sample ratio", "server:\n  trace_sample_ratio: 1.5\n", "server.trace_sample_ratio"},
		{"tls half set", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"fallback without name", "providers:\n  fallback_llms:\n    - model: x\n", "fallback_llms[0].name"},
		{"timezone", "assistant:\n  timezone: Mars/Olympus\n", "assistant.timezone"},
		{"negative rounds", "assistant:\n  max_rounds: -1\n", "assistant.max_rounds"},
		{"zero duration option", "assistant:\n  duration_options: [30, 0]\n", "duration_options[1]"},
		{"ledger backend", "ledger:\n  backend: redis\n", "ledger.backend"},
		{"sqlite without dsn", "ledger:\n  backend: sqlite\n", "ledger.dsn"},
		{"negative retention", "ledger:\n  retention: -1h\n", "ledger.retention"},
		{"gateway backend", "gateway:\n  backend: caldav\n", "gateway.backend"},
		{"mcp transport", "gateway:\n  backend: mcp\n  mcp:\n    transport: websocket\n", "gateway.mcp.transport"},
		{"mcp stdio command", "gateway:\n  backend: mcp\n  mcp:\n    transport: stdio\n", "gateway.mcp.command"},
		{"mcp http url", "gateway:\n  backend: mcp\n  mcp:\n    transport: streamable-http\n", "gateway.mcp.url"},
		{"unknown tool op", "gateway:\n  tool_names:\n    nuke_calendar: x\n", "nuke_calendar"},
		{"breaker", "gateway:\n  breaker:\n    max_failures: -2\n", "gateway.breaker.max_failures"},
		{"policy file", "policy:\n  file: /nonexistent/trust.rego\n", "policy.file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tt.yaml)
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()
	_, err := load(t, "server:\n  log_level: loud\nledger:\n  backend: redis\ngateway:\n  backend: caldav\n")
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "ledger.backend", "gateway.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error is missing %q: %v", want, err)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

type stubLLM struct{ model string }

func (s *stubLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
func (s *stubLLM) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		return &stubLLM{model: e.Model}, nil
	})
	errBoom := errors.New("boom")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, errBoom })

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p.(*stubLLM).model != "gpt-4o" {
		t.Error("factory did not receive the entry")
	}

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown name err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, errBoom) {
		t.Errorf("factory err = %v, want it passed through", err)
	}
	if got := reg.LLMNames(); !slices.Equal(got, []string{"broken", "openai"}) {
		t.Errorf("LLMNames = %v", got)
	}
}
