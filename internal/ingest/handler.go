// Package ingest exposes the HTTP API: event ingestion, alert queries,
// user risk lookups, and operational endpoints.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatlens/internal/alerting"
	"threatlens/internal/behavior"
	"threatlens/internal/config"
	"threatlens/internal/pipeline"
	"threatlens/internal/queue"
	"threatlens/internal/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBatchErrors   = 10
)

// Deps holds the components the HTTP API reads from and writes to.
type Deps struct {
	Validator *schema.Validator
	Queue     *queue.RingBuffer
	Alerts    *alerting.Manager
	Scorer    *behavior.Scorer
	Pipeline  *pipeline.Pipeline
	Analyses  *pipeline.AnalysisCache
}

// Handler serves the threatlens HTTP API.
type Handler struct {
	cfg       config.IngestConfig
	validator *schema.Validator
	queue     *queue.RingBuffer
	alerts    *alerting.Manager
	scorer    *behavior.Scorer
	pipe      *pipeline.Pipeline
	analyses  *pipeline.AnalysisCache
	logger    *slog.Logger
	startTime time.Time

	// Metrics (accessed atomically)
	batchesTotal  uint64
	eventsTotal   uint64
	rejectedTotal uint64
}

// NewHandler creates an API handler.
func NewHandler(cfg config.IngestConfig, deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:       cfg,
		validator: deps.Validator,
		queue:     deps.Queue,
		alerts:    deps.Alerts,
		scorer:    deps.Scorer,
		pipe:      deps.Pipeline,
		analyses:  deps.Analyses,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
}

// Routes returns a mux with all API routes registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/alerts", h.HandleListAlerts)
	mux.HandleFunc("GET /v1/alerts/{id}", h.HandleGetAlert)
	mux.HandleFunc("POST /v1/alerts/{id}/status", h.HandleUpdateAlertStatus)
	mux.HandleFunc("GET /v1/users/{id}/risk-score", h.HandleRiskScore)
	mux.HandleFunc("POST /v1/users/{id}/baseline", h.HandleTrainBaseline)
	mux.HandleFunc("GET /v1/dashboard", h.HandleDashboard)
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	return mux
}

// EventBatchRequest is the body of POST /v1/events: one user's events.
type EventBatchRequest struct {
	UserID string         `json:"user_id"`
	Events []schema.Event `json:"events"`
}

// IngestResponse reports how a submitted batch was handled.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents accepts a batch of behavioral events and enqueues the
// valid ones for analysis.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	atomic.AddUint64(&h.batchesTotal, 1)

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxPayloadSize))

	var req EventBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON body", requestID)
		return
	}

	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", requestID)
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "events must not be empty", requestID)
		return
	}
	if len(req.Events) > h.cfg.MaxBatchSize {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("batch size %d exceeds maximum %d", len(req.Events), h.cfg.MaxBatchSize),
			requestID)
		return
	}

	now := time.Now().UTC()
	valid := make([]schema.Event, 0, len(req.Events))
	var errs []string
	for i := range req.Events {
		ev := req.Events[i]
		if ev.UserID == "" {
			ev.UserID = req.UserID
		}
		if ev.UserID != req.UserID {
			errs = append(errs, fmt.Sprintf("event %d: user_id %q does not match batch user %q",
				i, ev.UserID, req.UserID))
			continue
		}
		if err := h.validator.Validate(&ev); err != nil {
			errs = append(errs, fmt.Sprintf("event %d: %v", i, err))
			continue
		}
		ev.ReceivedAt = now
		valid = append(valid, ev)
	}

	rejected := len(req.Events) - len(valid)
	atomic.AddUint64(&h.eventsTotal, uint64(len(valid)))
	atomic.AddUint64(&h.rejectedTotal, uint64(rejected))

	if len(valid) == 0 {
		respondJSON(w, http.StatusBadRequest, IngestResponse{
			Accepted:  0,
			Rejected:  rejected,
			Errors:    truncateErrors(errs),
			RequestID: requestID,
		})
		return
	}

	err := h.queue.Push(&queue.Batch{
		UserID:     req.UserID,
		Events:     valid,
		EnqueuedAt: now,
	})
	if err != nil {
		h.logger.Warn("rejecting batch, queue unavailable",
			"user_id", req.UserID, "error", err, "request_id", requestID)
		respondError(w, http.StatusServiceUnavailable, "event queue unavailable, retry later", requestID)
		return
	}

	status := http.StatusAccepted
	if rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, IngestResponse{
		Success:   rejected == 0,
		Accepted:  len(valid),
		Rejected:  rejected,
		Errors:    truncateErrors(errs),
		RequestID: requestID,
	})
}

func truncateErrors(errs []string) []string {
	if len(errs) <= maxBatchErrors {
		return errs
	}
	out := errs[:maxBatchErrors:maxBatchErrors]
	return append(out, fmt.Sprintf("... and %d more", len(errs)-maxBatchErrors))
}

// HandleListAlerts returns alerts newest first, filtered by query
// parameters.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	q := r.URL.Query()

	filter := alerting.AlertFilter{
		UserID: q.Get("user_id"),
		Limit:  defaultListLimit,
	}

	if v := q.Get("threat_type"); v != "" {
		t := schema.ThreatType(v)
		if !t.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid threat_type", requestID)
			return
		}
		filter.ThreatType = t
	}
	if v := q.Get("severity"); v != "" {
		s := schema.Severity(v)
		if !s.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid severity", requestID)
			return
		}
		filter.Severity = s
	}
	if v := q.Get("priority"); v != "" {
		p := schema.Priority(v)
		if !p.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid priority", requestID)
			return
		}
		filter.Priority = p
	}
	if v := q.Get("status"); v != "" {
		s := schema.AlertStatus(v)
		if !s.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid status", requestID)
			return
		}
		filter.Status = s
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since timestamp, want RFC3339", requestID)
			return
		}
		filter.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid until timestamp, want RFC3339", requestID)
			return
		}
		filter.Until = ts
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset", requestID)
			return
		}
		filter.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", requestID)
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}

	alerts := h.alerts.Store().List(filter)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":     alerts,
		"count":      len(alerts),
		"total":      h.alerts.Store().Count(),
		"request_id": requestID,
	})
}

// HandleGetAlert returns a single alert by ID.
func (h *Handler) HandleGetAlert(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	alert, err := h.alerts.Store().Get(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "alert not found", requestID)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

// statusUpdateRequest is the body of POST /v1/alerts/{id}/status.
type statusUpdateRequest struct {
	Status schema.AlertStatus `json:"status"`
}

// HandleUpdateAlertStatus transitions an alert through its lifecycle.
func (h *Handler) HandleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", requestID)
		return
	}

	alert, err := h.alerts.Store().UpdateStatus(r.PathValue("id"), req.Status, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, alerting.ErrAlertNotFound):
			respondError(w, http.StatusNotFound, "alert not found", requestID)
		case errors.Is(err, alerting.ErrInvalidStatus):
			respondError(w, http.StatusBadRequest, "invalid status", requestID)
		default:
			respondError(w, http.StatusInternalServerError, "failed to update alert", requestID)
		}
		return
	}

	h.logger.Info("alert status updated",
		"alert_id", alert.ID, "status", alert.Status, "request_id", requestID)
	respondJSON(w, http.StatusOK, alert)
}

// riskScoreResponse is the body of GET /v1/users/{id}/risk-score.
type riskScoreResponse struct {
	UserID       string           `json:"user_id"`
	AnomalyScore float64          `json:"anomaly_score"`
	RiskLevel    schema.Severity  `json:"risk_level"`
	HasBaseline  bool             `json:"has_baseline"`
	EventCount   int              `json:"event_count"`
	Patterns     map[string]bool  `json:"patterns,omitempty"`
	Anomalies    []schema.Anomaly `json:"anomalies,omitempty"`
	AnalyzedAt   time.Time        `json:"analyzed_at"`
}

// HandleRiskScore returns the latest behavioral analysis for a user.
func (h *Handler) HandleRiskScore(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	userID := r.PathValue("id")

	analysis, ok := h.analyses.Latest(userID)
	if !ok {
		respondError(w, http.StatusNotFound, "no analysis for user", requestID)
		return
	}

	respondJSON(w, http.StatusOK, riskScoreResponse{
		UserID:       userID,
		AnomalyScore: analysis.AnomalyScore,
		RiskLevel:    analysis.RiskLevel,
		HasBaseline:  h.scorer.HasBaseline(userID),
		EventCount:   analysis.EventCount,
		Patterns:     analysis.Patterns,
		Anomalies:    analysis.Anomalies,
		AnalyzedAt:   analysis.AnalyzedAt,
	})
}

// baselineRequest is the body of POST /v1/users/{id}/baseline.
type baselineRequest struct {
	Samples []schema.FeatureVector `json:"samples"`
}

// HandleTrainBaseline retrains a user's behavioral baseline from
// historical feature vectors.
func (h *Handler) HandleTrainBaseline(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	userID := r.PathValue("id")

	var req baselineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", requestID)
		return
	}
	if len(req.Samples) == 0 {
		respondError(w, http.StatusBadRequest, "samples must not be empty", requestID)
		return
	}

	trained, err := h.scorer.UpdateBaseline(r.Context(), userID, req.Samples)
	if err != nil {
		h.logger.Error("baseline training failed",
			"user_id", userID, "error", err, "request_id", requestID)
		respondError(w, http.StatusInternalServerError, "baseline training failed", requestID)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"trained":     trained,
		"samples":     len(req.Samples),
		"min_samples": behavior.MinBaselineSamples,
		"request_id":  requestID,
	})
}

// HandleDashboard returns an operational summary across all components.
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":         h.alerts.Stats(),
		"pipeline":       h.pipe.Stats(),
		"queue":          h.queue.Metrics(),
		"users_analyzed": h.analyses.Len(),
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

// HealthCheck reports service health. The service degrades when the
// event queue is nearly full.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Capacity > 0 && float64(metrics.Depth)/float64(metrics.Capacity) > 0.9 {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"alerts_total":   h.alerts.Store().Count(),
	})
}

// Metrics exposes counters in Prometheus text format.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	qm := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP threatlens_batches_received_total Event batches received over HTTP.\n")
	fmt.Fprintf(w, "# TYPE threatlens_batches_received_total counter\n")
	fmt.Fprintf(w, "threatlens_batches_received_total %d\n", atomic.LoadUint64(&h.batchesTotal))

	fmt.Fprintf(w, "# HELP threatlens_events_accepted_total Events accepted for analysis.\n")
	fmt.Fprintf(w, "# TYPE threatlens_events_accepted_total counter\n")
	fmt.Fprintf(w, "threatlens_events_accepted_total %d\n", atomic.LoadUint64(&h.eventsTotal))

	fmt.Fprintf(w, "# HELP threatlens_events_rejected_total Events rejected at ingestion.\n")
	fmt.Fprintf(w, "# TYPE threatlens_events_rejected_total counter\n")
	fmt.Fprintf(w, "threatlens_events_rejected_total %d\n", atomic.LoadUint64(&h.rejectedTotal))

	fmt.Fprintf(w, "# HELP threatlens_queue_depth Batches waiting in the event queue.\n")
	fmt.Fprintf(w, "# TYPE threatlens_queue_depth gauge\n")
	fmt.Fprintf(w, "threatlens_queue_depth %d\n", qm.Depth)

	fmt.Fprintf(w, "# HELP threatlens_queue_dropped_total Batches dropped because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE threatlens_queue_dropped_total counter\n")
	fmt.Fprintf(w, "threatlens_queue_dropped_total %d\n", qm.Dropped)

	fmt.Fprintf(w, "# HELP threatlens_alerts_stored Alerts currently held in the store.\n")
	fmt.Fprintf(w, "# TYPE threatlens_alerts_stored gauge\n")
	fmt.Fprintf(w, "threatlens_alerts_stored %d\n", h.alerts.Store().Count())

	fmt.Fprintf(w, "# HELP threatlens_uptime_seconds Seconds since the server started.\n")
	fmt.Fprintf(w, "# TYPE threatlens_uptime_seconds gauge\n")
	fmt.Fprintf(w, "threatlens_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// errorResponse is the uniform error body for all endpoints.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, errorResponse{Error: message, RequestID: requestID})
}
