// Package server exposes the chat pipeline, document management, and
// configuration endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/llm"
	"github.com/knoguchi/ragpipe/internal/pipeline"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// Pipeline is the slice of the orchestrator the handlers need.
type Pipeline interface {
	Chat(ctx context.Context, snap *config.Snapshot, prompt string, history []llm.Message, datasets []string) (*pipeline.Result, error)
	ChatStream(ctx context.Context, snap *config.Snapshot, prompt string, history []llm.Message, datasets []string) <-chan pipeline.Event
	Title(ctx context.Context, question string) (string, error)
	Reload(snap *config.Snapshot) error
}

// FileIngestor loads one uploaded file into the store.
type FileIngestor interface {
	IngestFile(ctx context.Context, snap *config.Snapshot, path string) error
}

// Server wraps the HTTP server and its route dependencies.
type Server struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
	opts   *config.Store
	store  retriever.Retriever
	pipe   Pipeline
	ingest FileIngestor
	ready  atomic.Bool
}

// Config holds construction parameters for the server.
type Config struct {
	Addr           string
	Logger         *slog.Logger
	Options        *config.Store
	Store          retriever.Retriever
	Pipeline       Pipeline
	Ingestor       FileIngestor
	AllowedOrigins []string
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &Server{
		router: router,
		logger: logger,
		opts:   cfg.Options,
		store:  cfg.Store,
		pipe:   cfg.Pipeline,
		ingest: cfg.Ingestor,
	}

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)

	router.Post("/create_title", s.handleCreateTitle)
	router.Post("/chat", s.handleChat)
	router.Post("/chat_stream", s.handleChatStream)
	router.Get("/get_documents", s.handleGetDocuments)
	router.Post("/get_document", s.handleGetDocument)
	router.Post("/delete", s.handleDelete)
	router.Post("/add_document", s.handleAddDocument)
	router.Get("/get_datasets", s.handleGetDatasets)
	router.Get("/config", s.handleGetConfig)
	router.Put("/config", s.handleUpdateConfig)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming LLM responses
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// SetReady flips the readiness probe, called after cold-start ingestion.
func (s *Server) SetReady() {
	s.ready.Store(true)
}

// Router returns the mux, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// No origins configured: allow all in development.
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
