package ws

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/orchestrator"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/sessionstate"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/internal/summary"
	"github.com/halyard-ai/halyard/pkg/provider/embeddings"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	"github.com/halyard-ai/halyard/pkg/provider/stt"
	"github.com/halyard-ai/halyard/pkg/provider/tts"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	OrgID  string
	Email  string
	Name   string
}

// Authenticator verifies a client token. Implementations wrap the identity
// provider; tests supply fakes.
type Authenticator interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// PipelineRunner executes one pipeline turn. Implemented by
// [orchestrator.Orchestrator]; tests supply fakes.
type PipelineRunner interface {
	Execute(ctx context.Context, req orchestrator.Request) orchestrator.Outcome
}

// ProviderSet bundles the long-lived provider clients handed to pipeline
// runs. Models maps the model choice ("model1", "model2") to its provider.
type ProviderSet struct {
	Models       map[string]llm.Provider
	DefaultModel string
	Backup       llm.Provider
	STT          stt.Provider
	TTS          tts.Provider
	Voice        tts.Voice
	Embeddings   embeddings.Provider
	Index        store.SemanticIndex
	CallLogger   *providercall.Logger
}

// Config tunes the connection manager.
type Config struct {
	// PingInterval is how often the server pings idle connections.
	// Zero disables pinging.
	PingInterval time.Duration

	// PingTimeout bounds each ping round trip.
	PingTimeout time.Duration

	// DefaultMode is the pipeline mode for fresh connections.
	DefaultMode string

	// AllowedOrigins is passed to the WebSocket accept handshake. Empty
	// allows same-origin only.
	AllowedOrigins []string

	// HistoryTurns caps how many past interactions seed a run's message
	// history.
	HistoryTurns int
}

// Conn is the server-side state of one WebSocket client. Mutable fields are
// guarded by mu; the read loop is the only writer for most of them.
type Conn struct {
	id    string
	write sendFunc

	mu            sync.Mutex
	authenticated bool
	identity      Identity
	sessionID     string
	platform      string
	mode          string
	modelChoice   string

	recording   bool
	voiceFormat string
	voiceBuf    bytes.Buffer

	lastPing time.Time
}

func (c *Conn) snapshotIdentity() (Identity, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.sessionID, c.authenticated
}

func (c *Conn) orgID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.OrgID
}

// Manager owns all live WebSocket connections. Construct with [NewManager];
// register [Manager.Handle] on the HTTP mux.
type Manager struct {
	runner    PipelineRunner
	auth      Authenticator
	users     store.UserStore
	sessions  store.SessionStore
	states    *sessionstate.Service
	summaries *summary.Service
	providers ProviderSet
	projector *Projector
	metrics   *observe.Metrics
	log       *slog.Logger
	cfg       Config

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewManager creates a Manager. summaries may be nil to disable summary
// generation; metrics and log may be nil for the process defaults.
func NewManager(runner PipelineRunner, auth Authenticator, users store.UserStore, sessions store.SessionStore, states *sessionstate.Service, summaries *summary.Service, providers ProviderSet, projector *Projector, metrics *observe.Metrics, log *slog.Logger, cfg Config) *Manager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeFast
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 20
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	return &Manager{
		runner:    runner,
		auth:      auth,
		users:     users,
		sessions:  sessions,
		states:    states,
		summaries: summaries,
		providers: providers,
		projector: projector,
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
		conns:     make(map[string]*Conn),
	}
}

// Handle upgrades the HTTP request and serves the connection until it
// closes.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: m.cfg.AllowedOrigins,
	})
	if err != nil {
		m.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer sock.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := m.newConn(func(ctx context.Context, data []byte) error {
		return sock.Write(ctx, websocket.MessageText, data)
	})
	m.register(ctx, c)
	defer m.unregister(ctx, c)

	if m.cfg.PingInterval > 0 {
		go m.pingLoop(ctx, cancel, sock, c)
	}

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		m.dispatch(ctx, c, data)
	}
}

// newConn builds the per-connection state with the configured defaults.
func (m *Manager) newConn(write sendFunc) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		write:       write,
		mode:        m.cfg.DefaultMode,
		modelChoice: m.providers.DefaultModel,
		lastPing:    time.Now(),
	}
}

func (m *Manager) register(ctx context.Context, c *Conn) {
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	m.metrics.ActiveConnections.Add(ctx, 1)
	m.log.Info("websocket connected", "connection_id", c.id)
}

func (m *Manager) unregister(ctx context.Context, c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	m.metrics.ActiveConnections.Add(ctx, -1)
	m.log.Info("websocket disconnected", "connection_id", c.id)
}

// ActiveConnections returns the number of live connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// pingLoop keeps the connection alive and tears it down when a ping round
// trip exceeds the timeout.
func (m *Manager) pingLoop(ctx context.Context, cancel context.CancelFunc, sock *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			err := sock.Ping(pctx)
			pcancel()
			if err != nil {
				m.log.Warn("ping failed, closing connection", "connection_id", c.id, "error", err)
				cancel()
				return
			}
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
		}
	}
}
