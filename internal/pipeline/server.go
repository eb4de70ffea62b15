package pipeline

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxUploadSize = int64(50 << 20) // 50MB

// Server handles HTTP intake and document queries
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux
	http      *http.Server
	// maxUpload caps the request body of an upload
	maxUpload int64
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
		maxUpload: maxUploadSize,
	}
	// Wrap the mux with CORS middleware to handle all requests including OPTIONS
	s.http = &http.Server{
		Handler:           s.corsMiddleware(s.mux.ServeHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Ingest"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// statusRecorder keeps the status code a handler wrote
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logRequests tags each request with an id, echoed in X-Request-ID, and logs
// its outcome. Artifact and metrics reads log at debug.
func logRequests(pattern string, next http.HandlerFunc) http.HandlerFunc {
	quiet := strings.Contains(pattern, "/api/artifacts/") || strings.HasSuffix(pattern, "/api/metrics")
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case quiet && rec.status < http.StatusBadRequest:
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "Request", "route", pattern, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start), "request_id", id)
	}
}

// limitBody caps the upload body so an oversized file fails while it is read
func (s *Server) limitBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		next(w, r)
	}
}

// handle registers an authenticated, logged route
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, logRequests(pattern, s.requireAuth(h)))
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.handle("POST /api/files", s.limitBody(s.handleUpload))
	s.handle("GET /api/files/{id}", s.handleGetFile)

	s.handle("POST /api/documents/{id}/retry", s.handleRetry)
	s.handle("GET /api/documents/{id}", s.handleGetDocument)
	s.handle("GET /api/documents", s.handleListDocuments)

	s.handle("GET /api/artifacts/{key...}", s.handleArtifact)
	s.handle("GET /api/metrics", s.handleMetrics)
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	s.http.Addr = addr
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
