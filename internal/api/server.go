package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"autopilot-core/internal/bus"
	"autopilot-core/internal/operator"
	"autopilot-core/internal/policy"
	"autopilot-core/internal/queue"
	"autopilot-core/internal/ratelimit"
	"autopilot-core/internal/store"
	"autopilot-core/internal/telemetry"
)

// StatusProvider exposes the operator runtime snapshot. Nil when this
// process does not host the operator loop.
type StatusProvider interface {
	GetStatus() operator.Status
}

// Server wires the enqueue/status HTTP surface.
type Server struct {
	jobs    *queue.Queue
	events  *bus.Bus
	engine  *policy.Engine
	budgets *ratelimit.Tracker
	status  StatusProvider
	logger  *zap.Logger
}

// New constructs the API server.
func New(jobs *queue.Queue, events *bus.Bus, engine *policy.Engine, budgets *ratelimit.Tracker, status StatusProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		jobs:    jobs,
		events:  events,
		engine:  engine,
		budgets: budgets,
		status:  status,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tenants/{tenantID}/jobs", s.handleEnqueueJob)
	r.Post("/tenants/{tenantID}/events", s.handleCreateEvent)
	r.Get("/tenants/{tenantID}/stats", s.handleTenantStats)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/operator/status", s.handleOperatorStatus)
	return r
}

type enqueueJobRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	ScheduledAt    *time.Time      `json:"scheduled_at"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	decision, err := s.engine.CheckAction(r.Context(), tenantID, "enqueue", 1)
	if err != nil {
		s.internalError(w, "check enqueue admission", err)
		return
	}
	if !decision.Allowed {
		http.Error(w, decision.Reason, http.StatusTooManyRequests)
		return
	}

	scheduledAt := time.Time{}
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	if decision.QueueUntil != nil && (scheduledAt.IsZero() || scheduledAt.Before(*decision.QueueUntil)) {
		// Overage says queue: honor it by deferring the work itself.
		scheduledAt = *decision.QueueUntil
	}

	job, err := s.jobs.Enqueue(r.Context(), queue.EnqueueParams{
		TenantID:       tenantID,
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       req.Priority,
		ScheduledAt:    scheduledAt,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.internalError(w, "enqueue job", err)
		return
	}
	if err := s.engine.EnforceAction(r.Context(), tenantID, "enqueue", 1); err != nil {
		s.logger.Warn("enforce enqueue budget", zap.String("tenant", tenantID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, job)
}

type createEventRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	ScheduledAt    *time.Time      `json:"scheduled_at"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	decision, err := s.engine.CheckAction(r.Context(), tenantID, "emit", 1)
	if err != nil {
		s.internalError(w, "check emit admission", err)
		return
	}
	if !decision.Allowed {
		http.Error(w, decision.Reason, http.StatusTooManyRequests)
		return
	}

	scheduledAt := time.Time{}
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	evt, err := s.events.CreateEvent(r.Context(), bus.CreateParams{
		TenantID:       tenantID,
		Type:           req.Type,
		Payload:        req.Payload,
		ScheduledAt:    scheduledAt,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.internalError(w, "create event", err)
		return
	}
	if err := s.engine.EnforceAction(r.Context(), tenantID, "emit", 1); err != nil {
		s.logger.Warn("enforce emit budget", zap.String("tenant", tenantID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, evt)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ok, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "cancel job", err)
		return
	}
	if !ok {
		http.Error(w, "job already terminal", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ctx := r.Context()

	jobStats, err := s.jobs.GetStats(ctx, tenantID)
	if err != nil {
		s.internalError(w, "job stats", err)
		return
	}
	eventStats, err := s.events.GetStats(ctx, tenantID)
	if err != nil {
		s.internalError(w, "event stats", err)
		return
	}
	budgetStats, err := s.budgets.GetStats(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "budget stats", err)
		return
	}
	score, err := s.engine.GetHealthScore(ctx, tenantID)
	if err != nil {
		s.internalError(w, "health score", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":         jobStats,
		"events":       eventStats,
		"budgets":      budgetStats,
		"health_score": score,
	})
}

func (s *Server) handleOperatorStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		http.Error(w, "operator not hosted here", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.status.GetStatus())
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
