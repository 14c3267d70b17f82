// Package app wires all Halyard subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and WebSocket traffic until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithAuthenticator, WithProviders). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/halyard-ai/halyard/internal/config"
	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/guardrails"
	"github.com/halyard-ai/halyard/internal/health"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/orchestrator"
	"github.com/halyard-ai/halyard/internal/pipelines"
	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/pulse"
	"github.com/halyard-ai/halyard/internal/resilience"
	"github.com/halyard-ai/halyard/internal/sessionstate"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/internal/store/memstore"
	"github.com/halyard-ai/halyard/internal/store/postgres"
	"github.com/halyard-ai/halyard/internal/summary"
	"github.com/halyard-ai/halyard/internal/ws"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	"github.com/halyard-ai/halyard/pkg/provider/tts"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// embeddingDimensions is the dimensionality of the semantic index. Must
// match the embeddings model served by the configured provider.
const embeddingDimensions = 1536

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	st        store.Store
	sink      *events.Sink
	metrics   *observe.Metrics
	breakers  *resilience.BreakerSet
	calls     *providercall.Logger
	orch      *orchestrator.Orchestrator
	states    *sessionstate.Service
	summaries *summary.Service
	manager   *ws.Manager
	projector *ws.Projector

	auth      ws.Authenticator
	providers *ws.ProviderSet

	server  *http.Server
	handler http.Handler

	// closers run in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for [New]. Used to inject test doubles.
type Option func(*App)

// WithStore injects a store bundle instead of connecting from config.
func WithStore(st store.Store) Option {
	return func(a *App) { a.st = st }
}

// WithAuthenticator injects the token verifier. Required outside
// development; development defaults to the bypass authenticator.
func WithAuthenticator(auth ws.Authenticator) Option {
	return func(a *App) { a.auth = auth }
}

// WithProviders injects the provider set instead of building it from the
// config registry.
func WithProviders(p ws.ProviderSet) Option {
	return func(a *App) { a.providers = &p }
}

// WithLogger injects a logger instead of building one from the log section.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. Call Run to serve
// and Shutdown to tear down.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = newLogger(cfg.Log)
	}

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "halyard"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, otelShutdown)

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	if a.st == nil {
		a.st, err = openStore(ctx, cfg, a.log)
		if err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, func(context.Context) error {
		a.st.Close()
		return nil
	})

	a.sink = events.NewSink(a.st.Events(), a.log)
	a.closers = append(a.closers, func(ctx context.Context) error {
		if err := a.sink.Flush(ctx); err != nil {
			a.log.Warn("event sink flush on shutdown failed", "error", err)
		}
		a.sink.Close()
		return nil
	})

	a.breakers = resilience.NewBreakerSet(cfg.BreakerSettings())
	a.calls = providercall.New(a.st.Calls(), a.breakers, a.sink, a.log,
		providercall.WithMetrics(a.metrics))

	if a.providers == nil {
		p, err := buildProviders(cfg, a.breakers)
		if err != nil {
			return nil, err
		}
		a.providers = &p
	}
	a.providers.CallLogger = a.calls
	if a.providers.Index == nil {
		a.providers.Index = a.st.Semantic()
	}

	registry, err := pipelines.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("app: build pipelines: %w", err)
	}
	gateway := policy.New(cfg.PolicySettings(), a.st.Runs(), a.sink, a.log, a.metrics)
	guards := guardrails.New(cfg.GuardrailsSettings(), a.sink, a.log)
	a.orch = orchestrator.New(registry, a.st.Runs(), a.st.Calls(), a.st.DLQ(),
		a.sink, gateway, guards, a.metrics, a.log)

	a.states = sessionstate.New(a.st.SessionStates(), a.log,
		sessionstate.WithDefaults(defaultTopology(cfg.Pipeline.Mode), stage.BehaviorFreeConversation))

	if primary := a.providers.Models[a.providers.DefaultModel]; primary != nil {
		var sumOpts []summary.Option
		if cfg.Pipeline.SummaryThresholdPairs > 0 {
			sumOpts = append(sumOpts, summary.WithThreshold(cfg.Pipeline.SummaryThresholdPairs))
		}
		if a.providers.Backup != nil {
			sumOpts = append(sumOpts, summary.WithBackup(a.providers.Backup))
		}
		a.summaries = summary.New(a.st.Summaries(), a.st.Sessions(), a.calls, primary,
			a.sink, a.log, sumOpts...)
	}

	if a.auth == nil {
		if cfg.Environment != config.EnvDevelopment {
			return nil, errors.New("app: an authenticator is required outside development")
		}
		a.auth = devAuthenticator{}
	}

	a.projector = ws.NewProjector(a.metrics, a.log)
	a.manager = ws.NewManager(a.orch, a.auth, a.st.Users(), a.st.Sessions(), a.states,
		a.summaries, *a.providers, a.projector, a.metrics, a.log, ws.Config{
			PingInterval:   cfg.Server.PingInterval.Std(),
			PingTimeout:    cfg.Server.PingTimeout.Std(),
			DefaultMode:    cfg.Pipeline.Mode,
			AllowedOrigins: cfg.Server.CORSAllowOrigins,
		})

	a.handler = a.buildRoutes()
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the root HTTP handler. Exposed for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the WebSocket connection manager.
func (a *App) Manager() *ws.Manager { return a.manager }

// Run serves until the context is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server listening", "addr", a.cfg.Server.Addr, "environment", string(a.cfg.Environment))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server and tears down every subsystem in reverse
// construction order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.server != nil {
			if serr := a.server.Shutdown(ctx); serr != nil {
				err = errors.Join(err, serr)
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if cerr := a.closers[i](ctx); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		a.log.Info("server stopped")
	})
	return err
}

// buildRoutes assembles the HTTP surface: the WebSocket endpoint, the pulse
// read APIs, health probes, and the Prometheus scrape endpoint.
func (a *App) buildRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.manager.Handle)
	pulse.New(a.st.Runs(), a.st.Calls(), a.st.Events(), a.st.DLQ(), a.log).Register(mux)

	var checkers []health.Checker
	if pg, ok := a.st.(*postgres.Store); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: pg.Ping})
	}
	h := health.New(checkers...)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// openStore connects to Postgres when a database URL is configured and
// falls back to the in-memory store for development.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn("no database url configured, using the in-memory store")
		return memstore.New(), nil
	}
	st, err := postgres.NewStore(ctx, cfg.Database.URL, embeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	return st, nil
}

// buildProviders constructs the provider set from the config registry.
// Providers whose credentials are absent stay nil and the pipeline stages
// skip the corresponding capabilities. When both TTS backends are
// configured, ElevenLabs is wrapped with failover to Google.
func buildProviders(cfg *config.Config, breakers *resilience.BreakerSet) (ws.ProviderSet, error) {
	reg := config.NewRegistry()
	pc := cfg.Providers
	set := ws.ProviderSet{
		Models:       make(map[string]llm.Provider),
		DefaultModel: pc.ModelChoice,
	}

	if pc.Model1ID != "" {
		p, err := reg.CreateLLM(pc.LLMProvider, pc, pc.Model1ID)
		if err != nil {
			return ws.ProviderSet{}, fmt.Errorf("app: build model1: %w", err)
		}
		set.Models["model1"] = p
	}
	if pc.Model2ID != "" {
		p, err := reg.CreateLLM(pc.LLMProvider, pc, pc.Model2ID)
		if err != nil {
			return ws.ProviderSet{}, fmt.Errorf("app: build model2: %w", err)
		}
		set.Models["model2"] = p
	}
	if pc.LLMBackupProvider != "" {
		model := pc.Model1ID
		if pc.ModelChoice == "model2" {
			model = pc.Model2ID
		}
		p, err := reg.CreateLLM(pc.LLMBackupProvider, pc, model)
		if err != nil {
			return ws.ProviderSet{}, fmt.Errorf("app: build backup llm: %w", err)
		}
		set.Backup = p
	}
	if pc.DeepgramAPIKey != "" {
		p, err := reg.CreateSTT("deepgram", pc)
		if err != nil {
			return ws.ProviderSet{}, fmt.Errorf("app: build stt: %w", err)
		}
		set.STT = p
	}
	var elevenTTS, googleTTS tts.Provider
	if pc.ElevenLabsAPIKey != "" {
		p, err := reg.CreateTTS("elevenlabs", pc)
		if err != nil {
			return ws.ProviderSet{}, fmt.Errorf("app: build tts: %w", err)
		}
		elevenTTS = p
	}
	if pc.GoogleAPIKey != "" {
		p, err := reg.CreateTTS("google", pc)
		if err != nil {
			return ws.ProviderSet{}, fmt.Errorf("app: build tts: %w", err)
		}
		googleTTS = p
	}
	switch {
	case elevenTTS != nil && googleTTS != nil:
		set.TTS = resilience.NewTTSFallback(elevenTTS, googleTTS, breakers)
	case elevenTTS != nil:
		set.TTS = elevenTTS
	case googleTTS != nil:
		set.TTS = googleTTS
	}
	if pc.OpenAIAPIKey != "" {
		p, err := reg.CreateEmbeddings("openai", pc)
		if err != nil {
			return ws.ProviderSet{}, fmt.Errorf("app: build embeddings: %w", err)
		}
		set.Embeddings = p
	}
	return set, nil
}

// defaultTopology maps the server pipeline mode to the session default.
func defaultTopology(mode string) stage.Topology {
	if mode == "accurate" || mode == "accurate_filler" {
		return stage.TopologyChatAccurate
	}
	return stage.TopologyChatFast
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// devAuthenticator accepts any token in development. The token doubles as
// the user id so concurrent dev clients stay distinguishable.
type devAuthenticator struct{}

func (devAuthenticator) Verify(_ context.Context, token string) (ws.Identity, error) {
	if token == "" {
		return ws.Identity{}, errors.New("app: empty token")
	}
	return ws.Identity{UserID: "dev-" + token, Email: token + "@dev.local"}, nil
}
