package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/chronoxa/internal/gateway/mcpgateway"
)

// ValidLLMNames lists the LLM provider names registered by the binary.
// [Validate] warns about anything else.
var ValidLLMNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r and validates it. Unknown keys are
// errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every hard error in cfg joined together. Soft problems
// are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; the server will refuse to start")
	}
	validateLLMName("providers.llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.FallbackLLMs {
		prefix := fmt.Sprintf("providers.fallback_llms[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateLLMName(prefix, fb.Name)
	}
	errs = append(errs, validateBreaker("providers.breaker", cfg.Providers.Breaker)...)

	errs = append(errs, validateAssistant(cfg.Assistant)...)

	if cfg.Headless.SharedSecret == "" {
		slog.Warn("headless.shared_secret is empty; /v1/headless and automation trust are disabled")
	}
	if cfg.Headless.DefaultDuration < 0 {
		errs = append(errs, fmt.Errorf("headless.default_duration %v must not be negative", cfg.Headless.DefaultDuration))
	}

	errs = append(errs, validateLedger(cfg.Ledger)...)
	errs = append(errs, validateGateway(cfg.Gateway)...)

	if cfg.Policy.File != "" {
		if _, err := os.Stat(cfg.Policy.File); err != nil {
			errs = append(errs, fmt.Errorf("policy.file: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateAssistant(a AssistantConfig) []error {
	var errs []error
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("assistant.timezone %q: %w", a.Timezone, err))
		}
	}
	if a.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("assistant.max_rounds %d must not be negative", a.MaxRounds))
	}
	if a.DefaultDuration < 0 {
		errs = append(errs, fmt.Errorf("assistant.default_duration %v must not be negative", a.DefaultDuration))
	}
	for i, m := range a.DurationOptions {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("assistant.duration_options[%d] %d must be positive minutes", i, m))
		}
	}
	return errs
}

func validateLedger(l LedgerConfig) []error {
	var errs []error
	if l.Backend != "" && !l.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("ledger.backend %q is invalid; valid values: memory, postgres, sqlite, none", l.Backend))
	}
	if (l.Backend == LedgerPostgres || l.Backend == LedgerSQLite) && l.DSN == "" {
		errs = append(errs, fmt.Errorf("ledger.dsn is required when backend is %s", l.Backend))
	}
	for name, d := range map[string]time.Duration{
		"retention":          l.Retention,
		"processing_timeout": l.ProcessingTimeout,
		"gc_interval":        l.GCInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("ledger.%s %v must not be negative", name, d))
		}
	}
	if l.Backend == LedgerNone {
		slog.Warn("ledger disabled; headless retries rely on the fingerprint search alone")
	}
	return errs
}

func validateGateway(g GatewayConfig) []error {
	var errs []error
	if g.Backend != "" && !g.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("gateway.backend %q is invalid; valid values: memory, mcp", g.Backend))
	}
	if g.Backend == GatewayMCP {
		m := g.MCP
		switch {
		case !m.Transport.IsValid():
			errs = append(errs, fmt.Errorf("gateway.mcp.transport %q is invalid; valid values: stdio, streamable-http", m.Transport))
		case m.Transport == mcpgateway.TransportStdio && m.Command == "":
			errs = append(errs, errors.New("gateway.mcp.command is required when transport is stdio"))
		case m.Transport == mcpgateway.TransportStreamableHTTP && m.URL == "":
			errs = append(errs, errors.New("gateway.mcp.url is required when transport is streamable-http"))
		}
	}
	for op := range g.ToolNames {
		if !slices.Contains(mcpgateway.Operations, op) {
			errs = append(errs, fmt.Errorf("gateway.tool_names: unknown operation %q", op))
		}
	}
	if len(g.ToolNames) > 0 && g.Backend != GatewayMCP {
		slog.Warn("gateway.tool_names is ignored unless backend is mcp")
	}
	return append(errs, validateBreaker("gateway.breaker", g.Breaker)...)
}

func validateBreaker(prefix string, b BreakerConfig) []error {
	var errs []error
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s.max_failures %d must not be negative", prefix, b.MaxFailures))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout %v must not be negative", prefix, b.ResetTimeout))
	}
	return errs
}

func validateLLMName(field, name string) {
	if name == "" || slices.Contains(ValidLLMNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"field", field,
		"name", name,
		"known", ValidLLMNames,
	)
}
