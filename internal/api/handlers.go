package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/analytics"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/orchestrator"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/store"
)

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	store store.Store
	orch  *orchestrator.Orchestrator
	agg   *analytics.Aggregator
}

// NewHandlers creates the handler set.
func NewHandlers(st store.Store, orch *orchestrator.Orchestrator, agg *analytics.Aggregator) *Handlers {
	return &Handlers{store: st, orch: orch, agg: agg}
}

// HealthCheck reports service liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type createCampaignRequest struct {
	Name                 string                      `json:"name"`
	Type                 string                      `json:"type"`
	Channel              domain.ChannelType          `json:"channel"`
	Subject              string                      `json:"subject"`
	Body                 string                      `json:"body"`
	FromName             string                      `json:"from_name"`
	FromAddress          string                      `json:"from_address"`
	PersonalizationLevel domain.PersonalizationLevel `json:"personalization_level"`
	RateLimit            domain.RateLimit            `json:"rate_limit"`
	Window               domain.SendWindow           `json:"window"`
	ScheduledAt          *time.Time                  `json:"scheduled_at"`
}

// CreateCampaign creates a draft campaign. A future scheduled_at creates
// it in the scheduled state instead; the scheduler launches it when due.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if req.Channel != domain.ChannelEmail && req.Channel != domain.ChannelSMS {
		httputil.BadRequest(w, "channel must be email or sms")
		return
	}
	if req.Body == "" {
		httputil.BadRequest(w, "body is required")
		return
	}

	c := &domain.Campaign{
		Name:                 req.Name,
		Type:                 req.Type,
		Channel:              req.Channel,
		Subject:              req.Subject,
		Body:                 req.Body,
		FromName:             req.FromName,
		FromAddress:          req.FromAddress,
		PersonalizationLevel: req.PersonalizationLevel,
		RateLimit:            req.RateLimit,
		Window:               req.Window,
		Status:               domain.CampaignDraft,
	}
	if req.ScheduledAt != nil {
		if req.ScheduledAt.Before(time.Now()) {
			httputil.BadRequest(w, "scheduled_at must be in the future")
			return
		}
		c.ScheduledAt = req.ScheduledAt
		c.Status = domain.CampaignScheduled
	}

	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, c)
}

// GetCampaign returns one campaign by ID.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ListCampaigns returns campaigns, optionally filtered by ?status=.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	status := domain.CampaignStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	campaigns, err := h.store.ListCampaigns(r.Context(), status, limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// AddRecipients attaches recipients to a campaign's audience. Recipients
// without an ID get one assigned.
func (h *Handlers) AddRecipients(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req struct {
		Recipients []domain.Recipient `json:"recipients"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "recipients is required")
		return
	}
	for i := range req.Recipients {
		if req.Recipients[i].ID == "" {
			req.Recipients[i].ID = uuid.New().String()
		}
	}

	if err := h.store.AddRecipients(r.Context(), campaignID, req.Recipients); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]any{"added": len(req.Recipients)})
}

// ListRecipients returns a campaign's audience.
func (h *Handlers) ListRecipients(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListRecipients(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"recipients": recs,
		"count":      len(recs),
	})
}

// ListMessages returns a campaign's materialized messages.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// LaunchCampaign starts dispatching a draft or scheduled campaign.
func (h *Handlers) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.orch.Launch)
}

// PauseCampaign pauses a running campaign.
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.orch.Pause)
}

// ResumeCampaign resumes a paused campaign.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.orch.Resume)
}

// CancelCampaign terminally stops a campaign.
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.orch.Cancel)
}

func (h *Handlers) lifecycleAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, campaignID string) error) {

	id := chi.URLParam(r, "id")
	if err := action(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httputil.NotFound(w, "campaign not found")
		case errors.Is(err, orchestrator.ErrInvalidState):
			httputil.Conflict(w, "invalid_campaign_state", err.Error())
		default:
			httputil.BadRequest(w, err.Error())
		}
		return
	}

	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, c)
}

// GetMetrics returns a campaign's counters and derived rates.
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.agg.Metrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, m)
}

// GetTimeSeries returns the campaign's bucketed event series.
// ?bucket= accepts a Go duration (default 1h).
func (h *Handlers) GetTimeSeries(w http.ResponseWriter, r *http.Request) {
	bucket := time.Hour
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			httputil.BadRequest(w, "invalid bucket duration")
			return
		}
		bucket = d
	}

	buckets, err := h.agg.TimeSeries(r.Context(), chi.URLParam(r, "id"), bucket)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"bucket":  bucket.String(),
		"buckets": buckets,
		"count":   len(buckets),
	})
}

// GetDispatchStats returns process-wide dispatch counters.
func (h *Handlers) GetDispatchStats(w http.ResponseWriter, r *http.Request) {
	stats := h.orch.Snapshot()
	httputil.OK(w, map[string]any{
		"sent":               stats.Sent,
		"failed":             stats.Failed,
		"requeued":           stats.Requeued,
		"active_dispatchers": h.orch.ActiveDispatchers(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
