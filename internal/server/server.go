package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"aerobrain/internal/brain"
	"aerobrain/internal/metrics"
	"aerobrain/internal/queue"
	"aerobrain/internal/storage"
)

// Router answers a single query.
type Router interface {
	Process(ctx context.Context, query string, history []json.RawMessage) (brain.Response, error)
}

// Publisher receives an event for every successfully routed query.
type Publisher interface {
	Publish(ctx context.Context, ev queue.QueryEvent) (string, error)
}

// Limiter enforces per-user request quotas.
type Limiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (queue.Decision, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// History reads back the query log.
type History interface {
	ListQueryLog(ctx context.Context, userID string, limit int) ([]storage.QueryLogEntry, error)
}

const healthPingTimeout = 2 * time.Second

type Server struct {
	router          Router
	publisher       Publisher
	limiter         Limiter
	history         History
	db              Pinger
	logger          zerolog.Logger
	metrics         *metrics.Metrics
	allowedOrigins  []string
	streamWordDelay time.Duration
	now             func() time.Time
}

type Config struct {
	Router          Router
	Publisher       Publisher
	Limiter         Limiter
	History         History
	DB              Pinger
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	AllowedOrigins  []string
	StreamWordDelay time.Duration
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Router == nil {
		cfg.Router = brain.New(brain.Config{ThinkDelay: brain.DefaultThinkDelay})
	}
	if cfg.StreamWordDelay < 0 {
		cfg.StreamWordDelay = 0
	}
	return &Server{
		router:          cfg.Router,
		publisher:       cfg.Publisher,
		limiter:         cfg.Limiter,
		history:         cfg.History,
		db:              cfg.DB,
		logger:          cfg.Logger,
		metrics:         m,
		allowedOrigins:  cfg.AllowedOrigins,
		streamWordDelay: cfg.StreamWordDelay,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the full HTTP surface with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.root)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /chat", s.chat)
	mux.HandleFunc("POST /api/chat", s.chat)
	mux.HandleFunc("GET /chat/stream", s.chatStream)
	mux.HandleFunc("GET /api/chat/stream", s.chatStream)
	mux.HandleFunc("GET /tools", s.tools)
	mux.HandleFunc("GET /topics", s.topics)
	mux.HandleFunc("GET /history", s.queryHistory)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = s.withCORS(h)
	h = s.recoverer(h)
	h = s.accessLog(h)
	h = requestID(h)
	return h
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "online",
		"message": "Aerophysics Brain (Go) is active",
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	workerState := "disabled"
	if s.publisher != nil {
		workerState = "enabled"
	}
	dbState := "disabled"
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("database ping failed")
			status, code, dbState = "unhealthy", http.StatusServiceUnavailable, "unavailable"
		} else {
			dbState = "ok"
		}
	}
	writeJSON(w, code, map[string]string{
		"status":   status,
		"engine":   "net/http",
		"worker":   workerState,
		"database": dbState,
	})
}

func (s *Server) tools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": brain.Tools()})
}

func (s *Server) topics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, brain.Topics())
}

type errorDetail struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorDetail{Detail: detail})
}
