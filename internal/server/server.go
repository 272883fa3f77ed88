// Package server exposes the assistant over HTTP.
//
// Routes:
//
//	POST /v1/assistant  one interactive turn (Bearer token = calendar credentials)
//	POST /v1/headless   one unattended instruction (shared secret)
//	GET  /v1/catalog    the tool catalog
//	GET  /healthz, /readyz, /metrics
//
// Every failure is answered as {"ok":false,"error":...,"code":...} with the
// status from [apperr.HTTPStatus].
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/internal/catalog"
	"github.com/MrWong99/chronoxa/internal/confirm"
	"github.com/MrWong99/chronoxa/internal/gateway"
	"github.com/MrWong99/chronoxa/internal/headless"
	"github.com/MrWong99/chronoxa/internal/health"
	"github.com/MrWong99/chronoxa/internal/observe"
	"github.com/MrWong99/chronoxa/internal/orchestrator"
	"github.com/MrWong99/chronoxa/internal/policy"
	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

const (
	// SecretHeader carries the shared secret of headless and automation
	// callers.
	SecretHeader = "X-Chronoxa-Secret"

	// IdempotencyHeader supplies the outbox id when the body has none.
	IdempotencyHeader = "Idempotency-Key"

	// DefaultMaxBodyBytes caps request bodies.
	DefaultMaxBodyBytes = 64 << 10

	retryAfterSeconds = "5"
)

// Assistant runs interactive turns.
type Assistant interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// Headless runs unattended instructions.
type Headless interface {
	Execute(ctx context.Context, req headless.Request) (*headless.Result, error)
}

// Server routes HTTP requests to the assistant and the headless executor.
type Server struct {
	assistant Assistant
	headless  Headless
	registry  *catalog.Registry

	health           *health.Handler
	metricsHandler   http.Handler
	metrics          *observe.Metrics
	automationSecret string
	maxBodyBytes     int64

	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithHealth mounts the probe routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAutomationSecret lets callers presenting secret in [SecretHeader] run
// assistant turns under automation trust. Without it automation trust is
// refused.
func WithAutomationSecret(secret string) Option {
	return func(s *Server) { s.automationSecret = secret }
}

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// New builds the route table.
func New(assistant Assistant, hl Headless, registry *catalog.Registry, opts ...Option) *Server {
	s := &Server{
		assistant:    assistant,
		headless:     hl,
		registry:     registry,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assistant", s.handleAssistant)
	mux.HandleFunc("POST /v1/headless", s.handleHeadless)
	mux.HandleFunc("GET /v1/catalog", s.handleCatalog)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ── Assistant ────────────────────────────────────────────────────────────────

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type assistantRequest struct {
	Message      string           `json:"message"`
	History      []historyMessage `json:"history"`
	PreConfirmed bool             `json:"pre_confirmed"`
	Amend        *confirm.Choice  `json:"amend"`
	CalendarID   string           `json:"calendar_id"`
	Trust        policy.Trust     `json:"trust"`
	AutoConfirm  bool             `json:"auto_confirm"`
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	token, ok := bearer(r)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: missing bearer token", apperr.ErrAuthRejected))
		return
	}

	var body assistantRequest
	if err := s.decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.toRequest(r, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.Credentials = gateway.Credentials{AccessToken: token}

	resp, err := s.assistant.Execute(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if resp.Executed == nil {
		resp.Executed = []orchestrator.Outcome{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) toRequest(r *http.Request, body assistantRequest) (orchestrator.Request, error) {
	req := orchestrator.Request{
		Message:      body.Message,
		PreConfirmed: body.PreConfirmed,
		CalendarID:   body.CalendarID,
		Trust:        body.Trust,
		AutoConfirm:  body.AutoConfirm,
	}
	if body.Amend != nil && !body.Amend.IsZero() {
		req.Amend = body.Amend
	}

	for i, m := range body.History {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return req, fmt.Errorf("%w: history[%d]: role must be user or assistant", apperr.ErrBadRequest, i)
		}
		req.History = append(req.History, llm.Message{Role: m.Role, Content: m.Content})
	}

	if req.Trust == policy.TrustAutomation && !s.automationAllowed(r) {
		return req, fmt.Errorf("%w: automation trust requires the %s header", apperr.ErrAuthRejected, SecretHeader)
	}
	if req.AutoConfirm && req.Trust != policy.TrustAutomation {
		return req, fmt.Errorf("%w: auto_confirm requires automation trust", apperr.ErrBadRequest)
	}
	return req, nil
}

func (s *Server) automationAllowed(r *http.Request) bool {
	got := r.Header.Get(SecretHeader)
	return s.automationSecret != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.automationSecret)) == 1
}

// ── Headless ─────────────────────────────────────────────────────────────────

type headlessResponse struct {
	OK bool `json:"ok"`
	*headless.Result
}

func (s *Server) handleHeadless(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(SecretHeader)
	if secret == "" {
		secret, _ = bearer(r)
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		s.fail(w, r, bodyError(err))
		return
	}

	res, err := s.headless.Execute(r.Context(), headless.Request{
		Secret: secret,
		Body:   string(raw),
		Key:    r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		if headless.IsRetryable(err) {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, headlessResponse{OK: true, Result: res})
}

// ── Catalog ──────────────────────────────────────────────────────────────────

type catalogTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Required    []string       `json:"required,omitempty"`
	Destructive bool           `json:"destructive"`
	Mutating    bool           `json:"mutating"`
}

type catalogResponse struct {
	Version string        `json:"version"`
	Tools   []catalogTool `json:"tools"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	resp := catalogResponse{Version: catalog.Version, Tools: []catalogTool{}}
	for _, name := range s.registry.Names() {
		tool, _ := s.registry.Lookup(name)
		resp.Tools = append(resp.Tools, catalogTool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
			Required:    tool.Required,
			Destructive: tool.Destructive,
			Mutating:    tool.Mutating,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	log := observe.Logger(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		log.Error("request failed", "pattern", r.Pattern, "status", status, "err", err)
	default:
		log.Info("request rejected", "pattern", r.Pattern, "status", status, "err", err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="chronoxa"`)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: apperr.Code(err)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return bodyError(err)
	}
	return nil
}

func bodyError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return fmt.Errorf("%w: body exceeds %d bytes", apperr.ErrBadRequest, tooBig.Limit)
	}
	return fmt.Errorf("%w: %w", apperr.ErrBadRequest, err)
}

func bearer(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
