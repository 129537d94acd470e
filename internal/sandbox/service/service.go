// Package service exposes the sandbox over HTTP. One instance runs per
// pod, fronting that pod's session manager and VM pool; the routing
// client in internal/sandbox/client picks the pod for a session. All
// API routes live under /v1 and carry optional bearer auth; health
// probes are unauthenticated.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox"
)

// Server is the sandbox HTTP facade.
type Server struct {
	cfg     config.SandboxConfig
	manager *sandbox.Manager
	logger  *observability.Logger
	metrics *observability.Metrics

	router    *chi.Mux
	httpSrv   *http.Server
	podName   string
	startTime time.Time

	maxCodeBytes   int
	maxTimeoutSecs int
}

// New builds the facade over a started session manager. Missing limits
// fall back to the defaults the rest of the stack assumes.
func New(cfg config.SandboxConfig, manager *sandbox.Manager, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:            cfg,
		manager:        manager,
		logger:         logger,
		metrics:        metrics,
		podName:        podName(),
		startTime:      time.Now(),
		maxCodeBytes:   cfg.Limits.MaxCodeBytes,
		maxTimeoutSecs: int(cfg.Limits.MaxTimeout.Duration() / time.Second),
	}
	if s.maxCodeBytes <= 0 {
		s.maxCodeBytes = 1 << 20
	}
	if s.maxTimeoutSecs <= 0 {
		s.maxTimeoutSecs = 300
	}
	if s.cfg.Limits.MaxSessionsPerPod <= 0 {
		s.cfg.Limits.MaxSessionsPerPod = 50
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info(ctx, "sandbox service listening",
		"addr", addr,
		"pod", s.podName,
		"pool_size", s.cfg.Pool.Size,
		"max_sessions", s.cfg.Limits.MaxSessionsPerPod,
	)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
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
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.instrument)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/execute", s.handleExecute)
			r.Get("/sessions", s.handleListSessions)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDestroySession)
				r.Post("/reset", s.handleResetSession)
				r.Get("/state", s.handleSessionState)
				r.Post("/files/write", s.handleWriteFile)
				r.Get("/files/read", s.handleReadFile)
				r.Get("/files/read_binary", s.handleReadFileBinary)
				r.Post("/install", s.handleInstall)
			})
		})
	})

	return r
}

// requireAuth enforces the bearer token when one is configured. Health
// routes are registered outside this group.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Missing or invalid Authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusForbidden, ErrCodeForbidden, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
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

// podName resolves this pod's identity from the downward API, falling
// back to the hostname for local runs.
func podName() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "sandbox-0"
}
