// Package app wires all Chronoxa subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and sweeps the ledger until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithGateway,
// WithLedger, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chronoxa/internal/catalog"
	"github.com/MrWong99/chronoxa/internal/config"
	"github.com/MrWong99/chronoxa/internal/gateway"
	"github.com/MrWong99/chronoxa/internal/gateway/mcpgateway"
	"github.com/MrWong99/chronoxa/internal/gateway/memgateway"
	"github.com/MrWong99/chronoxa/internal/headless"
	"github.com/MrWong99/chronoxa/internal/health"
	"github.com/MrWong99/chronoxa/internal/ledger"
	"github.com/MrWong99/chronoxa/internal/observe"
	"github.com/MrWong99/chronoxa/internal/orchestrator"
	"github.com/MrWong99/chronoxa/internal/policy"
	"github.com/MrWong99/chronoxa/internal/resilience"
	"github.com/MrWong99/chronoxa/internal/server"
	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

// Providers holds the model backends. Populated by main.go via the config
// registry.
type Providers struct {
	// LLM is the primary model, already wrapped with any fallbacks.
	LLM llm.Provider
}

// App owns all subsystem lifetimes and serves the assistant API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	gateway  gateway.Gateway
	breaker  *resilience.GatewayBreaker
	ledger   ledger.Ledger
	policy   *policy.Engine
	registry *catalog.Registry
	location *time.Location
	metrics  *observe.Metrics

	assistant *orchestrator.Orchestrator
	headless  *headless.Executor
	server    *server.Server

	metricsHandler http.Handler
	pingers        []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGateway injects a calendar gateway instead of creating one from config.
// The injected gateway is still wrapped in a circuit breaker.
func WithGateway(g gateway.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithLedger injects an idempotency ledger instead of creating one from
// config.
func WithLedger(l ledger.Ledger) Option {
	return func(a *App) { a.ledger = l }
}

// WithMetrics injects the instruments used by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the Prometheus handler mounted at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: gateway connection, ledger
// migration, policy compilation, and assembly of the orchestrator, the
// headless executor and the HTTP server.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	loc, err := loadLocation(cfg.Assistant.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.location = loc

	// ── 1. Calendar gateway ──────────────────────────────────────────────
	if err := a.initGateway(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 2. Idempotency ledger ────────────────────────────────────────────
	if err := a.initLedger(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init ledger: %w", err)
	}

	// ── 3. Trust policy ──────────────────────────────────────────────────
	a.policy, err = policy.NewFromFile(ctx, cfg.Policy.File)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init policy: %w", err)
	}

	// ── 4. Catalog, orchestrator, headless executor ──────────────────────
	a.registry = catalog.Default()
	a.initAssistant()
	a.initHeadless()

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initGateway connects the calendar store and wraps it in a breaker.
func (a *App) initGateway(ctx context.Context) error {
	if a.gateway == nil {
		switch a.cfg.Gateway.Backend {
		case config.GatewayMCP:
			m := a.cfg.Gateway.MCP
			gw, err := mcpgateway.Connect(ctx, mcpgateway.Config{
				Name:      m.Name,
				Transport: m.Transport,
				Command:   m.Command,
				Env:       m.Env,
				URL:       m.URL,
				ToolNames: a.cfg.Gateway.ToolNames,
			})
			if err != nil {
				return err
			}
			a.gateway = gw
			a.closers = append(a.closers, gw.Close)
			a.pingers = append(a.pingers, health.Ping("gateway", gw))
			slog.Info("connected calendar mcp server", "name", m.Name, "transport", m.Transport)
		default:
			a.gateway = memgateway.New()
			slog.Warn("using the in-memory calendar gateway; data is lost on restart")
		}
	}

	b := a.cfg.Gateway.Breaker
	a.breaker = resilience.NewGatewayBreaker(a.gateway, resilience.CircuitBreakerConfig{
		Name:         "gateway",
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
	})
	return nil
}

// initLedger opens the configured ledger backend and schedules its sweeper.
func (a *App) initLedger(ctx context.Context) error {
	if a.ledger == nil {
		l, err := openLedger(ctx, a.cfg.Ledger)
		if err != nil {
			return err
		}
		if l == nil {
			slog.Info("idempotency ledger disabled, fingerprint search only")
			return nil
		}
		a.ledger = l
		a.closers = append(a.closers, l.Close)
	}
	a.pingers = append(a.pingers, health.Ping("ledger", a.ledger))
	return nil
}

// openLedger builds the backend named by cfg. It returns (nil, nil) for
// [config.LedgerNone].
func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Backend {
	case config.LedgerNone:
		return nil, nil
	case config.LedgerPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres ledger: create pool: %w", err)
		}
		l := ledger.NewPostgresLedger(pool, ledger.WithLifecycle(pool.Ping, pool.Close))
		if err := l.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("postgres ledger ready")
		return l, nil
	case config.LedgerSQLite:
		l, err := ledger.NewSQLiteLedger(cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite ledger ready", "path", cfg.DSN)
		return l, nil
	default:
		return ledger.NewMemLedger(), nil
	}
}

// initAssistant builds the interactive orchestrator.
func (a *App) initAssistant() {
	ac := a.cfg.Assistant
	a.assistant = orchestrator.New(a.providers.LLM, a.registry, a.breaker, a.policy,
		orchestrator.WithMaxRounds(ac.MaxRounds),
		orchestrator.WithLocation(a.location),
		orchestrator.WithDefaultDuration(ac.DefaultDuration),
		orchestrator.WithDurationOptions(ac.DurationOptions),
		orchestrator.WithTaskCalendar(ac.TaskCalendarID),
		orchestrator.WithMetrics(a.metrics),
	)
}

// initHeadless builds the unattended executor.
func (a *App) initHeadless() {
	hc := a.cfg.Headless
	opts := []headless.Option{headless.WithMetrics(a.metrics)}
	if a.ledger != nil {
		opts = append(opts, headless.WithLedger(a.ledger))
	}
	a.headless = headless.New(headless.Config{
		Secret:          hc.SharedSecret,
		Credentials:     gateway.Credentials{AccessToken: hc.AccessToken, Subject: "headless"},
		CalendarID:      hc.CalendarID,
		TaskCalendarID:  a.cfg.Assistant.TaskCalendarID,
		Location:        a.location,
		DefaultDuration: hc.DefaultDuration,
		StaleAfter:      a.cfg.Ledger.ProcessingTimeout,
	}, a.breaker, a.registry, headless.NewClassifier(a.providers.LLM), opts...)
}

// initServer assembles the route table with probes and metrics.
func (a *App) initServer() {
	checkers := append([]health.Checker{health.Open("gateway_breaker", a.breaker.IsOpen)}, a.pingers...)
	a.server = server.New(a.assistant, a.headless, a.registry,
		server.WithHealth(health.New(checkers...)),
		server.WithMetricsHandler(a.metricsHandler),
		server.WithMetrics(a.metrics),
		server.WithAutomationSecret(a.cfg.Headless.SharedSecret),
	)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Gateway returns the breaker-wrapped calendar gateway.
func (a *App) Gateway() gateway.Gateway { return a.breaker }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change: the trust
// policy. Sections that need a restart are logged. It is meant as the
// [config.Watcher] callback after the caller has handled the log level.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	// The watcher also reports edits to the policy file itself with an
	// otherwise unchanged path, so always recompile.
	if err := a.ReloadPolicy(ctx, new.Policy.File); err != nil {
		slog.Error("policy reload failed, keeping the previous policy", "file", new.Policy.File, "err", err)
		return
	}
	slog.Info("trust policy reloaded", "file", new.Policy.File)
}

// ReloadPolicy recompiles the trust policy from path, or the built-in policy
// when path is empty. On error the running policy is kept.
func (a *App) ReloadPolicy(ctx context.Context, path string) error {
	module, err := policy.ReadModule(path)
	if err != nil {
		return err
	}
	return a.policy.Reload(ctx, module)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and sweeps expired ledger
// records until ctx is cancelled. It returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return a.serve(ctx, srv)
}

func (a *App) serve(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.ledger != nil {
		sweeper := ledger.NewSweeper(a.ledger, a.cfg.Ledger.Retention,
			ledger.WithSweepInterval(a.cfg.Ledger.GCInterval))
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before it failed.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
