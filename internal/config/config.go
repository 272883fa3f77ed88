// Package config provides the configuration schema, loader, watcher and
// provider registry for the Chronoxa server.
package config

import (
	"time"

	"github.com/MrWong99/chronoxa/internal/gateway/mcpgateway"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LedgerBackend selects where idempotency records live.
type LedgerBackend string

const (
	LedgerMemory   LedgerBackend = "memory"
	LedgerPostgres LedgerBackend = "postgres"
	LedgerSQLite   LedgerBackend = "sqlite"

	// LedgerNone disables the ledger. Headless requests then rely on the
	// fingerprint search alone.
	LedgerNone LedgerBackend = "none"
)

// IsValid reports whether b is a recognised ledger backend.
func (b LedgerBackend) IsValid() bool {
	switch b {
	case LedgerMemory, LedgerPostgres, LedgerSQLite, LedgerNone:
		return true
	}
	return false
}

// GatewayBackend selects the calendar store.
type GatewayBackend string

const (
	// GatewayMemory keeps calendars in process. Useful for demos and tests.
	GatewayMemory GatewayBackend = "memory"

	// GatewayMCP talks to a calendar MCP server.
	GatewayMCP GatewayBackend = "mcp"
)

// IsValid reports whether b is a recognised gateway backend.
func (b GatewayBackend) IsValid() bool {
	return b == GatewayMemory || b == GatewayMCP
}

// Config is the root configuration, loaded with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Assistant AssistantConfig `yaml:"assistant"`
	Headless  HeadlessConfig  `yaml:"headless"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the share of new traces recorded, in [0, 1].
	// Default 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the model backends.
type ProvidersConfig struct {
	// LLM is the primary model. It must support tool calling.
	LLM ProviderEntry `yaml:"llm"`

	// FallbackLLMs are tried in order when the primary fails or its breaker
	// is open.
	FallbackLLMs []ProviderEntry `yaml:"fallback_llms"`

	// Breaker tunes the per-provider circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`
}

// ProviderEntry configures one provider. Name selects the factory in the
// [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig tunes a circuit breaker. Zero values take the breaker's
// defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AssistantConfig shapes interactive turns.
type AssistantConfig struct {
	// Timezone is an IANA zone name used to resolve relative times. Default
	// UTC.
	Timezone string `yaml:"timezone"`

	// MaxRounds caps model rounds per turn. Default 8.
	MaxRounds int `yaml:"max_rounds"`

	// DefaultDuration, when set, is applied to timed events without an end
	// instead of asking the user.
	DefaultDuration time.Duration `yaml:"default_duration"`

	// DurationOptions are the minute choices offered when asking.
	DurationOptions []int `yaml:"duration_options"`

	// TaskCalendarID is where [Task] entries are written. Default: the
	// primary calendar.
	TaskCalendarID string `yaml:"task_calendar_id"`
}

// HeadlessConfig configures the unattended path.
type HeadlessConfig struct {
	// SharedSecret authenticates headless callers and automation-trust
	// assistant callers. Empty disables both.
	SharedSecret string `yaml:"shared_secret"`

	// AccessToken is the service credential forwarded to the calendar store.
	AccessToken string `yaml:"access_token"`

	// CalendarID receives headless events. Default: the primary calendar.
	CalendarID string `yaml:"calendar_id"`

	// DefaultDuration applies to timed events without an end. Default 1h.
	DefaultDuration time.Duration `yaml:"default_duration"`
}

// LedgerConfig configures the idempotency ledger.
type LedgerConfig struct {
	// Backend defaults to memory.
	Backend LedgerBackend `yaml:"backend"`

	// DSN is the postgres connection string or the sqlite file path.
	DSN string `yaml:"dsn"`

	// Retention is how long records are kept. Default 7 days.
	Retention time.Duration `yaml:"retention"`

	// ProcessingTimeout lets a retry take over a processing record this
	// old. Default 2m.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`

	// GCInterval is how often expired records are swept. Default 1h.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// GatewayConfig selects and tunes the calendar store.
type GatewayConfig struct {
	// Backend defaults to memory.
	Backend GatewayBackend `yaml:"backend"`

	MCP MCPConfig `yaml:"mcp"`

	// ToolNames remaps gateway operations (list_events, create_task, ...)
	// to the MCP server's tool names.
	ToolNames map[string]string `yaml:"tool_names"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// MCPConfig describes how to reach the calendar MCP server.
type MCPConfig struct {
	Name string `yaml:"name"`

	Transport mcpgateway.Transport `yaml:"transport"`

	// Command is launched for stdio.
	Command string `yaml:"command"`

	// URL is the streamable-http endpoint.
	URL string `yaml:"url"`

	// Env is added to the stdio subprocess environment.
	Env map[string]string `yaml:"env"`
}

// PolicyConfig points at the trust policy.
type PolicyConfig struct {
	// File is a Rego module defining data.chronoxa.trust.decision. Empty
	// uses the built-in policy.
	File string `yaml:"file"`
}
