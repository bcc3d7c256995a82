// Package gateway is the HTTP front of hookpilot. It receives GitHub, Jira
// and Slack webhooks, turns matching events into tasks, handles Slack
// approval buttons and serves the task API, the live output tail, metrics and
// health.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/hookpilot/internal/audit"
	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/idempotency"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/metrics"
	"github.com/alekspetrov/hookpilot/internal/store"
	"github.com/alekspetrov/hookpilot/internal/stream"
)

// DefaultMaxBodyBytes bounds webhook and API request bodies.
const DefaultMaxBodyBytes = 5 << 20

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
	// Auth protects /api/v1 and /ws. Nil leaves them open.
	Auth *AuthConfig `yaml:"auth"`
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// AllowedOrigins are extra WebSocket origins besides localhost.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig binds to loopback with local auth.
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         9090,
		Auth:         &AuthConfig{Type: AuthTypeLocal},
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Validate checks the listen address and auth settings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Port)
	}
	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Secrets verify inbound webhooks. An empty secret disables verification for
// that provider.
type Secrets struct {
	GitHub string
	Jira   string
	Slack  string
}

// Canceller cancels tasks. *worker.Worker implements it; without one the
// gateway flips the status in the store and the owning worker notices.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// MessageUpdater rewrites a Slack message. *slack.Client implements it.
type MessageUpdater interface {
	UpdateMessage(ctx context.Context, channel, ts, text string, blocks []any) error
}

// Reactor adds an emoji reaction to a GitHub comment. *github.Client
// implements it.
type Reactor interface {
	AddCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error
}

// Deps are the gateway's collaborators. Store and Factory are required.
type Deps struct {
	Store     store.Store
	Factory   *intake.Factory
	Matcher   *intake.Matcher
	Guard     *idempotency.Guard
	Audit     *audit.Log
	Broker    stream.Broker
	Canceller Canceller
	Signer    *dispatch.Signer
	Slack     MessageUpdater
	GitHub    Reactor
	// AckReaction is added to a triggering GitHub comment once its task is
	// queued. Empty disables it.
	AckReaction string
	Metrics     *metrics.Metrics
	Secrets     Secrets
}

// Server is the gateway HTTP server. It is safe for concurrent use.
type Server struct {
	config   *Config
	deps     Deps
	sessions *SessionManager
	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server
	now      func() time.Time
	log      *slog.Logger
	mu       sync.Mutex
	running  bool
}

// NewServer creates a gateway server. It is not started until Start is called.
func NewServer(config *Config, deps Deps) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.Canceller == nil {
		deps.Canceller = storeCanceller{deps.Store}
	}
	s := &Server{
		config:   config,
		deps:     deps,
		sessions: NewSessionManager(),
		now:      time.Now,
		log:      logging.WithComponent("gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	// Webhooks authenticate by signature, not bearer token.
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/github", s.handleGitHubWebhook)
		r.Post("/jira", s.handleJiraWebhook)
		r.Post("/slack", s.handleSlackWebhook)
		r.Post("/slack/actions", s.handleSlackActions)
	})

	r.Group(func(r chi.Router) {
		if s.config.Auth != nil {
			r.Use(NewAuthenticator(s.config.Auth).Middleware)
		}
		r.Route("/api/v1/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.createTask)
			r.Get("/{taskID}", s.getTask)
			r.Post("/{taskID}/cancel", s.cancelTask)
		})
		r.Get("/ws/tasks/{taskID}", s.handleTail)
	})
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 30-second timeout.
// Live tails get a going-away close frame first.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.sessions.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"tails":  s.sessions.Count(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// CLI clients send no origin.
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type storeCanceller struct {
	store store.Store
}

func (c storeCanceller) Cancel(ctx context.Context, taskID string) (bool, error) {
	return c.store.CancelTask(ctx, taskID)
}
