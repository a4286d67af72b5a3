// Package api exposes the dispatch engine over HTTP: campaign send and
// schedule operations, queue and scheduler status, and stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

// CampaignService is the orchestrator surface the API needs.
type CampaignService interface {
	SendCampaign(ctx context.Context, id string) (*campaign.SendReport, error)
	SendTestEmail(ctx context.Context, id, address string) error
	PreviewCampaign(ctx context.Context, id string, sample map[string]any) (string, string, error)
	Stats(ctx context.Context, id string) (map[domain.MessageStatus]int, error)
}

// SchedulerControl is the scheduler surface the API needs.
type SchedulerControl interface {
	ScheduleCampaign(ctx context.Context, id string, at time.Time) error
	CancelScheduledCampaign(ctx context.Context, id string) error
	RescheduleCampaign(ctx context.Context, id string, at time.Time) error
	Status() *worker.SchedulerStatus
	UpcomingCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error)
}

// QueueControl is the delivery worker surface the API needs.
type QueueControl interface {
	RateLimitStatus(ctx context.Context) (*worker.RateLimitStatus, error)
	QueueStatus(ctx context.Context) (*worker.QueueStatus, error)
}

// BounceReporter exposes aggregate bounce stats.
type BounceReporter interface {
	Stats(ctx context.Context, window time.Duration) (map[domain.BounceType]int, error)
}

// Handlers bundles the HTTP handlers and their dependencies.
type Handlers struct {
	campaigns CampaignService
	scheduler SchedulerControl
	queue     QueueControl
	bounces   BounceReporter
}

// NewHandlers creates the handler set.
func NewHandlers(campaigns CampaignService, scheduler SchedulerControl, queue QueueControl, bounces BounceReporter) *Handlers {
	return &Handlers{campaigns: campaigns, scheduler: scheduler, queue: queue, bounces: bounces}
}

// SendCampaign triggers an immediate dispatch.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.campaigns.SendCampaign(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// SendTestEmail sends a single test render to one address.
func (h *Handlers) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		respondError(w, http.StatusBadRequest, "address is required")
		return
	}
	if err := h.campaigns.SendTestEmail(r.Context(), id, req.Address); err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// PreviewCampaign renders the campaign with sample data.
func (h *Handlers) PreviewCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		SampleData map[string]any `json:"sample_data"`
	}
	if r.Body != nil {
		// An empty body previews with defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	subject, html, err := h.campaigns.PreviewCampaign(r.Context(), id, req.SampleData)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"subject": subject, "html": html})
}

// CampaignStats returns message counts by status.
func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := h.campaigns.Stats(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// ScheduleCampaign moves a draft campaign to scheduled.
func (h *Handlers) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	h.mutateSchedule(w, r, h.scheduler.ScheduleCampaign)
}

// RescheduleCampaign replaces the schedule time.
func (h *Handlers) RescheduleCampaign(w http.ResponseWriter, r *http.Request) {
	h.mutateSchedule(w, r, h.scheduler.RescheduleCampaign)
}

func (h *Handlers) mutateSchedule(w http.ResponseWriter, r *http.Request, op func(context.Context, string, time.Time) error) {
	id := chi.URLParam(r, "id")
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduledAt.IsZero() {
		respondError(w, http.StatusBadRequest, "scheduled_at is required (RFC 3339)")
		return
	}
	if err := op(r.Context(), id, req.ScheduledAt); err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "scheduled", "scheduled_at": req.ScheduledAt.Format(time.RFC3339)})
}

// CancelSchedule returns a scheduled campaign to draft.
func (h *Handlers) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.scheduler.CancelScheduledCampaign(r.Context(), id); err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// QueueStatus returns queue depth, worker counters, and the rate window.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := h.queue.QueueStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rl, err := h.queue.RateLimitStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": qs, "rate_limit": rl})
}

// SchedulerStatus returns loop state and counters.
func (h *Handlers) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Status())
}

// UpcomingCampaigns lists the next scheduled campaigns.
func (h *Handlers) UpcomingCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	up, err := h.scheduler.UpcomingCampaigns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if up == nil {
		up = []domain.Campaign{}
	}
	respondJSON(w, http.StatusOK, up)
}

// BounceStats returns bounce counts over a trailing window (default 24h).
func (h *Handlers) BounceStats(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}
	stats, err := h.bounces.Stats(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"window_hours": hours, "bounces": stats})
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondCampaignError maps service errors onto HTTP statuses.
func respondCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrAlreadySending), errors.Is(err, campaign.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrEmptyAudience), campaign.IsValidationError(err):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, worker.ErrScheduleInPast):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
