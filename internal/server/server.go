// Package server is the chat-facing HTTP surface: thread CRUD, the SSE
// chat stream, the HITL respond endpoint, and feedback capture. One
// instance fronts one agent configuration; each POST /chat builds a
// fresh orchestrator bound to the thread's session memory.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/axonhq/axon/internal/artifacts"
	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/guardrails"
	"github.com/axonhq/axon/internal/hitl"
	"github.com/axonhq/axon/internal/hooks"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/providers"
	"github.com/axonhq/axon/internal/threads"
	"github.com/axonhq/axon/internal/tools"
	"github.com/axonhq/axon/pkg/models"
)

// SessionStore is the slice of the tiered memory store the chat server
// needs. The in-process fallback in memory.go covers deployments with
// no session backend configured.
type SessionStore interface {
	CreateSessionWithID(ctx context.Context, sessionID, agentName, userID string, metadata map[string]any) (*models.Session, error)
	ResumeSession(ctx context.Context, sessionID string) (*models.Session, error)
	AddMessages(ctx context.Context, sessionID string, msgs []models.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	MessageCount(ctx context.Context, sessionID string) (int, error)
}

// Options assembles one chat server.
type Options struct {
	Config *config.Config

	// Store persists threads, steps and feedback. Required.
	Store threads.Store

	// Sessions is the agent's working memory, keyed by thread id. Nil
	// falls back to an in-process store.
	Sessions SessionStore

	// Client is the model backend. Required.
	Client providers.ModelClient

	// Tools holds the shared capabilities; per-request tools (ask_human,
	// code_interpreter) are layered on top for each chat stream.
	Tools *tools.Registry

	// CodeRunner, when set, exposes the code_interpreter tool bound to
	// the thread's sandbox session.
	CodeRunner tools.CodeRunner

	Guardrails []guardrails.Guardrail
	Hooks      *hooks.Registry

	// Bridge resolves HITL responses. Nil creates a private bridge.
	Bridge *hitl.Bridge

	// Artifacts persists binary tool output. Nil disables saving.
	Artifacts *artifacts.Saver

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Server routes and serves the chat API.
type Server struct {
	cfg        *config.Config
	store      threads.Store
	sessions   SessionStore
	client     providers.ModelClient
	tools      *tools.Registry
	codeRunner tools.CodeRunner
	checks     []guardrails.Guardrail
	hooks      *hooks.Registry
	bridge     *hitl.Bridge
	saver      *artifacts.Saver

	checksMu sync.RWMutex

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	router  *chi.Mux
	httpSrv *http.Server
}

// SetGuardrails swaps the guardrail set. Running streams keep the set
// they started with; new chat requests pick up the replacement. Used by
// the config watcher for hot reload.
func (s *Server) SetGuardrails(checks []guardrails.Guardrail) {
	s.checksMu.Lock()
	s.checks = checks
	s.checksMu.Unlock()
}

func (s *Server) guardrailChecks() []guardrails.Guardrail {
	s.checksMu.RLock()
	defer s.checksMu.RUnlock()
	return s.checks
}

// New validates the options and builds a routed server.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("server: thread store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("server: model client is required")
	}

	s := &Server{
		cfg:        opts.Config,
		store:      opts.Store,
		sessions:   opts.Sessions,
		client:     opts.Client,
		tools:      opts.Tools,
		codeRunner: opts.CodeRunner,
		checks:     opts.Guardrails,
		hooks:      opts.Hooks,
		bridge:     opts.Bridge,
		saver:      opts.Artifacts,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}
	if s.sessions == nil {
		s.sessions = newLocalSessions()
	}
	if s.tools == nil {
		s.tools = tools.NewRegistry()
	}
	if s.bridge == nil {
		s.bridge = hitl.NewBridge(s.cfg.Agent.HITLTimeout.Duration(), opts.Logger)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.LogConfig{})
	}
	if s.tracer == nil {
		s.tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info(ctx, "chat server listening",
		"addr", addr,
		"auth", s.cfg.Server.JWTSecret != "",
		"provider", s.client.Name(),
		"model", s.client.Model(),
	)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
// SSE streams observe the shutdown through their request contexts.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.instrument)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/threads", s.handleCreateThread)
		r.Get("/threads", s.handleListThreads)
		r.Route("/threads/{threadID}", func(r chi.Router) {
			r.Get("/", s.handleGetThread)
			r.Patch("/", s.handleRenameThread)
			r.Delete("/", s.handleDeleteThread)
			r.Get("/messages", s.handleThreadMessages)
		})

		r.Post("/chat", s.handleChat)
		r.Post("/chat/respond/{requestID}", s.handleRespond)
		r.Post("/feedbacks", s.handleFeedback)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(ww.Status()), elapsed.Seconds())
		}
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
