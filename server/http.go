// Package server exposes the storage gateway over HTTP: content
// create/replace/fetch/delete, derived assets, upload sessions, and
// anonymous share links.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quarkstore/gateway/content"
	"github.com/quarkstore/gateway/store"
	"github.com/quarkstore/gateway/telemetry"
	"github.com/quarkstore/gateway/upload"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer authentication when non-empty. Health,
	// metrics, and anonymous share fetches are exempt.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// ShareStore persists share grants (token → tenant/node).
type ShareStore interface {
	PutShare(ctx context.Context, s *store.Share) error
	GetShare(ctx context.Context, token string) (*store.Share, error)
	DeleteShare(ctx context.Context, token string) error
}

// Components are the gateway components the server fronts.
type Components struct {
	Engine  *content.Engine
	Uploads *upload.Manager
	Shares  ShareStore
}

// Server is the HTTP server for the storage gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	engine  *content.Engine
	uploads *upload.Manager
	shares  ShareStore
}

// New creates a new server over the given components.
func New(cfg Config, c Components) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if c.Engine == nil || c.Uploads == nil || c.Shares == nil {
		return nil, fmt.Errorf("server requires engine, uploads, and shares components")
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		engine:  c.Engine,
		uploads: c.Uploads,
		shares:  c.Shares,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // large uploads and downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Content lifecycle
	mux.HandleFunc("POST /tenants/{tenantID}/nodes/{nodeID}/content", s.handleCreateContent)
	mux.HandleFunc("PUT /tenants/{tenantID}/nodes/{nodeID}/content", s.handleReplaceContent)
	mux.HandleFunc("GET /tenants/{tenantID}/nodes/{nodeID}/content", s.handleGetContent)
	mux.HandleFunc("HEAD /tenants/{tenantID}/nodes/{nodeID}/content", s.handleGetContent)
	mux.HandleFunc("DELETE /tenants/{tenantID}/nodes/{nodeID}/content", s.handleDeleteContent)

	// Derived assets
	mux.HandleFunc("PUT /tenants/{tenantID}/nodes/{nodeID}/assets/{assetKey}", s.handlePutAsset)
	mux.HandleFunc("GET /tenants/{tenantID}/nodes/{nodeID}/assets/{assetKey}", s.handleGetAsset)
	mux.HandleFunc("HEAD /tenants/{tenantID}/nodes/{nodeID}/assets/{assetKey}", s.handleGetAsset)

	// Chunked uploads
	mux.HandleFunc("POST /tenants/{tenantID}/nodes/{nodeID}/upload-session", s.handleCreateSession)
	mux.HandleFunc("POST /upload-sessions/{sessionID}/part", s.handleUploadPart)
	mux.HandleFunc("POST /upload-sessions/{sessionID}/finalize", s.handleFinalize)

	// Share links
	mux.HandleFunc("POST /tenants/{tenantID}/nodes/{nodeID}/shares", s.handleCreateShare)
	mux.HandleFunc("DELETE /shares/{accessToken}", s.handleRevokeShare)
	mux.HandleFunc("GET /shares/{accessToken}/content", s.handleShareContent)
	mux.HandleFunc("HEAD /shares/{accessToken}/content", s.handleShareContent)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set tenant, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Tenant != "" {
			attrs = append(attrs, "tenant", tags.Tenant)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
