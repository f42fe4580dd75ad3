// Package server exposes the demo control surface over HTTP: identity
// listing, the two protocol flows, stored-message fetch, the SSE packet
// stream, and the reset signal.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/trace-labs/didtrace/bus"
	"github.com/trace-labs/didtrace/flow"
	"github.com/trace-labs/didtrace/identity"
	"github.com/trace-labs/didtrace/messaging"
	"github.com/trace-labs/didtrace/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Flows      *flow.Orchestrator
	Identities *identity.Registry
	Client     messaging.Client
	Bus        bus.EventBus
	CORSOrigin string
	MaxBody    int64

	// StaticDir, when set, serves frontend assets for non-API paths.
	StaticDir string

	Logger *slog.Logger
}

// Server is the demo HTTP API server.
type Server struct {
	flows      *flow.Orchestrator
	identities *identity.Registry
	client     messaging.Client
	bus        bus.EventBus
	corsOrigin string
	maxBody    int64
	staticDir  string
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		flows:      cfg.Flows,
		identities: cfg.Identities,
		client:     cfg.Client,
		bus:        cfg.Bus,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		staticDir:  cfg.StaticDir,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/identities", s.handleIdentities)
	mux.HandleFunc("POST /api/messages/send", s.handleSendMessage)
	mux.HandleFunc("POST /api/ping", s.handlePing)
	mux.HandleFunc("GET /api/messages/{alias}", s.handleFetchMessages)
	mux.Handle("GET /api/packets/stream", sse.NewHandler(sse.HandlerConfig{
		Bus:    s.bus,
		Logger: s.logger,
	}))
	mux.HandleFunc("POST /api/reset", s.handleReset)

	if s.staticDir != "" {
		mux.HandleFunc("/", s.handleStatic)
	}
}

// handleStatic serves frontend assets, falling back to index.html for
// client-side routes.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(s.staticDir, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		path = filepath.Join(s.staticDir, "index.html")
	}
	http.ServeFile(w, r, path)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the error envelope. Step names the protocol step that
// failed and is omitted for validation errors.
type apiError struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, step string) {
	writeJSON(w, status, apiError{Error: message, Step: step})
}

// writeFlowError maps a flow error onto the wire: local validation
// failures are the caller's fault, everything else is a failed
// exchange with the mediator.
func writeFlowError(w http.ResponseWriter, err error) {
	if flow.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeError(w, http.StatusBadGateway, err.Error(), flow.FailedStep(err))
}
