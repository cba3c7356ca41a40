package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazz-dev/loginprobe/internal/checker"
	"github.com/hazz-dev/loginprobe/internal/config"
)

// Snapshotter renders the current metrics in the text exposition format.
type Snapshotter interface {
	Snapshot() (string, error)
}

// Server holds the chi router and its dependencies.
type Server struct {
	metrics     Snapshotter
	contentType string
	targets     []config.Target
	router      chi.Router
	logger      *slog.Logger

	mu     sync.RWMutex
	latest map[string]checker.Outcome
}

// New creates a new Server and registers all routes. contentType is sent
// with /metrics responses.
func New(metrics Snapshotter, contentType string, targets []config.Target, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		metrics:     metrics,
		contentType: contentType,
		targets:     targets,
		router:      chi.NewRouter(),
		logger:      logger,
		latest:      make(map[string]checker.Outcome, len(targets)),
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

// Record stores the most recent outcome for its target. It is meant to be
// passed to scheduler.SetOnResult.
func (s *Server) Record(out checker.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[out.Target] = out
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/health", s.handleHealth)
	r.Get("/api/targets", s.handleListTargets)
	r.Get("/api/targets/{name}", s.handleGetTarget)
}

// --- Response helpers ---

type envelope struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg})
}

// --- Handlers ---

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := s.metrics.Snapshot()
	if err != nil {
		s.logger.Error("failed to generate metrics", "error", err)
		http.Error(w, "failed to generate metrics", http.StatusInternalServerError)
		return
	}
	s.logger.Debug("metrics generated", "bytes", len(text))
	w.Header().Set("Content-Type", s.contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type lastCheck struct {
	Result     string    `json:"result"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CheckedAt  time.Time `json:"checked_at"`
}

type targetDetail struct {
	Name        string     `json:"name"`
	LoginURL    string     `json:"login_url"`
	Interval    string     `json:"interval"`
	SuccessMode string     `json:"success_mode"`
	Status      string     `json:"status"`
	LastCheck   *lastCheck `json:"last_check"`
}

func (s *Server) detail(t config.Target) targetDetail {
	d := targetDetail{
		Name:        t.Name,
		LoginURL:    t.LoginURL,
		Interval:    t.CheckInterval.Duration.String(),
		SuccessMode: t.Selectors.SuccessMode(),
		Status:      "unknown",
	}

	s.mu.RLock()
	out, ok := s.latest[t.Name]
	s.mu.RUnlock()
	if ok {
		d.Status = string(out.Result)
		d.LastCheck = &lastCheck{
			Result:     string(out.Result),
			Reason:     string(out.Reason()),
			Error:      out.ErrorMessage(),
			DurationMs: out.Duration.Milliseconds(),
			CheckedAt:  out.CheckedAt,
		}
	}
	return d
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	details := make([]targetDetail, 0, len(s.targets))
	for _, t := range s.targets {
		details = append(details, s.detail(t))
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, t := range s.targets {
		if t.Name == name {
			writeJSON(w, http.StatusOK, s.detail(t))
			return
		}
	}
	writeError(w, http.StatusNotFound, "target not found")
}

// --- Middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}
