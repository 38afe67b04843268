// Package api exposes conversations and runs over HTTP, SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/errand/pkg/conversation"
	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/storage"
	"github.com/odvcencio/errand/pkg/telemetry"
	"github.com/odvcencio/errand/pkg/toolrunner"
)

// Runner executes one requester message against a history.
type Runner interface {
	Run(ctx context.Context, req toolrunner.Request) (*toolrunner.Result, error)
}

// Store persists conversations and exposes the todo list.
type Store interface {
	Ping(ctx context.Context) error
	CreateConversation(ctx context.Context, id, title string) (*storage.Conversation, error)
	GetConversation(ctx context.Context, id string) (*storage.Conversation, error)
	AppendTurns(ctx context.Context, conversationID string, from int, turns []conversation.Turn) error
	LoadTurns(ctx context.Context, conversationID string) ([]conversation.Turn, error)
	ListTodos(ctx context.Context, status string) ([]storage.Todo, error)
	TodoCounts(ctx context.Context) (map[string]int, error)
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: 127.0.0.1:8740)
	Address string

	Runner Runner
	Store  Store

	// Hub feeds /api/v1/events (optional)
	Hub *telemetry.Hub

	// Gatherer backs /metrics (optional)
	Gatherer prometheus.Gatherer

	Logger *logging.Logger

	// Heartbeat is the keep-alive interval for SSE and WebSocket streams.
	Heartbeat time.Duration

	// AllowedOrigins for WebSocket upgrades; empty allows same-origin only.
	AllowedOrigins []string

	// ProgressBuffer sizes the per-run progress queue of a streamed run.
	ProgressBuffer int
}

// Server is the errand API server.
type Server struct {
	runner     Runner
	store      Store
	hub        *telemetry.Hub
	logger     *logging.Logger
	heartbeat  time.Duration
	origins    []string
	buffer     int
	handler    http.Handler
	httpServer *http.Server

	mu     sync.Mutex
	active map[string]struct{}
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8740"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.ProgressBuffer <= 0 {
		cfg.ProgressBuffer = 64
	}

	s := &Server{
		runner:    cfg.Runner,
		store:     cfg.Store,
		hub:       cfg.Hub,
		logger:    cfg.Logger,
		heartbeat: cfg.Heartbeat,
		origins:   cfg.AllowedOrigins,
		buffer:    cfg.ProgressBuffer,
		active:    make(map[string]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealthz)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.handleCreateConversation)
			r.Get("/{id}", s.handleGetConversation)
			r.Post("/{id}/runs", s.handleRun)
			r.Get("/{id}/ws", s.handleWebSocket)
		})
		api.Get("/todos", s.handleListTodos)
		api.Get("/events", s.handleEvents)
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until Shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// acquire marks a conversation busy. Only one run per conversation may be in
// flight; the second caller gets RUN_IN_PROGRESS.
func (s *Server) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Server) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug(logging.CategoryAPI, "request", "", map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	})
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]ErrorBody{"error": errorBody(err)})
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Code: string(errandErrors.GetCode(err)), Message: err.Error()}
	if e, ok := errandErrors.As(err); ok {
		body.Message = e.Public()
	}
	return body
}

func statusFor(err error) int {
	switch errandErrors.GetCode(err) {
	case errandErrors.ErrCodeInvalidInput, errandErrors.ErrCodeInvalidSequence:
		return http.StatusBadRequest
	case errandErrors.ErrCodeNotFound:
		return http.StatusNotFound
	case errandErrors.ErrCodeRunInProgress:
		return http.StatusConflict
	case errandErrors.ErrCodeModelAPIError, errandErrors.ErrCodeModelEmpty:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
