package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalrun/metrics"
	"github.com/petal-labs/petalrun/queue"
	"github.com/petal-labs/petalrun/sse"
	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/stream"
	"github.com/petal-labs/petalrun/ws"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Runs  store.RunStore
	Queue queue.Queue
	// Distributor backs the events and ws routes. Without it those routes
	// are not mounted.
	Distributor *stream.Distributor
	// ArtifactDir is served under /artifacts/ when set (local artifact store).
	ArtifactDir  string
	SSEHeartbeat time.Duration
	CORSOrigin   string
	MaxBody      int64
	Now          func() time.Time
	Logger       *slog.Logger
}

// Server is the petalrun HTTP API server.
type Server struct {
	runs        store.RunStore
	queue       queue.Queue
	artifactDir string
	events      http.Handler
	sockets     http.Handler
	corsOrigin  string
	maxBody     int64
	now         func() time.Time
	logger      *slog.Logger
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
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Server{
		runs:        cfg.Runs,
		queue:       cfg.Queue,
		artifactDir: cfg.ArtifactDir,
		corsOrigin:  corsOrigin,
		maxBody:     maxBody,
		now:         now,
		logger:      logger,
	}
	if cfg.Distributor != nil {
		s.events = sse.NewHandler(sse.HandlerConfig{
			Distributor: cfg.Distributor,
			Heartbeat:   cfg.SSEHeartbeat,
			Logger:      logger,
		})
		s.sockets = ws.NewHandler(ws.HandlerConfig{
			Distributor:    cfg.Distributor,
			OriginPatterns: originPatterns(corsOrigin),
			Logger:         logger,
		})
	}
	return s
}

func originPatterns(corsOrigin string) []string {
	if corsOrigin == "*" {
		return []string{"*"}
	}
	return []string{corsOrigin}
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
	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{run_id}", s.handleDeleteRun)
	mux.HandleFunc("GET /api/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/queue/failed", s.handleFailedJobs)
	mux.Handle("GET /metrics", metrics.Handler())

	if s.events != nil {
		mux.Handle("GET /api/runs/{run_id}/events", s.events)
		mux.Handle("GET /api/runs/{run_id}/ws", s.sockets)
	}
	if s.artifactDir != "" {
		mux.Handle("GET /artifacts/", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.artifactDir))))
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
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

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
