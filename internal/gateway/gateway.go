// Package gateway is the outer HTTP adapter: health, read-only semaphore
// and execution views, chain cancellation, and a per-task event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/hooks"
	"github.com/basket/go-lanes/internal/otel"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/semaphore"
	"github.com/basket/go-lanes/internal/shared"
	"go.opentelemetry.io/otel/trace"
)

const defaultHistoryLimit = 100

// Core is the orchestrator surface the gateway exposes.
type Core interface {
	SemaphoreStatus(ctx context.Context, columnID string) (semaphore.Status, error)
	Prioritize(ctx context.Context, taskID, columnID string) error
	ExecutionHistory(ctx context.Context, taskID string, limit int) ([]persistence.HookExecution, error)
	ListAllHooks(ctx context.Context, boardID string) ([]hooks.Hook, error)
	CancelPipeline(ctx context.Context, taskID string) (bool, error)
}

// MetricsSource serves the in-process metric snapshot.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]otel.MetricPoint, error)
}

// Health reports whether the record layer is usable.
type Health interface {
	SchemaVersion() (version uint, dirty bool, err error)
}

type Config struct {
	Core    Core
	Health  Health
	Metrics MetricsSource
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer

	// AuthToken, when set, must be sent as a bearer token on every route
	// except /healthz.
	AuthToken string
	// AllowOrigins lists accepted Origin patterns for browser clients.
	// Empty means same-origin only.
	AllowOrigins []string
	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway"), tracer: tracer}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/columns/{id}/semaphore", s.handleSemaphoreStatus)
	mux.HandleFunc("POST /api/columns/{id}/prioritize/{task}", s.handlePrioritize)
	mux.HandleFunc("GET /api/boards/{id}/hooks", s.handleBoardHooks)
	mux.HandleFunc("GET /api/tasks/{id}/executions", s.handleExecutions)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/tasks/{id}/stream", s.handleTaskStream)
	mux.HandleFunc("GET /ws", s.handleWS)

	var h http.Handler = mux
	h = s.withRequestID(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	return h
}

// withRequestID attaches a request id and a server span to every request.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = shared.WithRequestID(ctx, id)
		}
		ctx, reqID := shared.EnsureRequestID(ctx)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path, otel.AttrRequestID.String(reqID))
		defer span.End()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":            true,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"time":               time.Now().UTC(),
	}
	status := http.StatusOK
	if s.cfg.Health != nil {
		version, dirty, err := s.cfg.Health.SchemaVersion()
		payload["schema_version"] = version
		payload["schema_dirty"] = dirty
		if err != nil || dirty {
			payload["healthy"] = false
			status = http.StatusServiceUnavailable
		}
		if err != nil {
			payload["error"] = err.Error()
		}
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{"metrics": []otel.MetricPoint{}})
		return
	}
	points, err := s.cfg.Metrics.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if points == nil {
		points = []otel.MetricPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func (s *Server) handleSemaphoreStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Core.SemaphoreStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Core.Prioritize(r.Context(), r.PathValue("task"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hookView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

func viewHook(h hooks.Hook) hookView {
	v := hookView{ID: h.ID(), Name: h.Name(), Enabled: h.Enabled()}
	switch t := h.(type) {
	case *hooks.SystemHook:
		v.Kind = "system"
		v.Description = t.Description()
	case *hooks.CustomHook:
		v.Kind = string(t.Kind())
	}
	return v
}

func (s *Server) handleBoardHooks(w http.ResponseWriter, r *http.Request) {
	all, err := s.cfg.Core.ListAllHooks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]hookView, 0, len(all))
	for _, h := range all {
		out = append(out, viewHook(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"hooks": out})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	execs, err := s.cfg.Core.ExecutionHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []persistence.HookExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.cfg.Core.CancelPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, hooks.ErrNotFound), errors.Is(err, actor.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, semaphore.ErrNotInQueue):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("gateway: request failed", "path", r.URL.Path, "request_id", shared.RequestID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
