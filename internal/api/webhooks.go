package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/store"
)

// providerEvent is the generic callback payload. SMS gateways and the SES
// event destination both reduce to this shape.
type providerEvent struct {
	MessageID       string    `json:"message_id"`
	Event           string    `json:"event"`
	ProviderEventID string    `json:"provider_event_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// HandleProviderWebhook ingests delivery events from a provider callback.
// Duplicate deliveries return 200 so providers stop retrying; events for
// unknown messages return 404.
func (h *Handlers) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	r.Body = http.MaxBytesReader(w, r.Body, 5*1024*1024)

	events, err := h.parseWebhook(provider, r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(events) == 0 {
		httputil.OK(w, map[string]any{"status": "ignored"})
		return
	}

	accepted := 0
	for _, e := range events {
		if err := h.agg.Ingest(r.Context(), e); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httputil.NotFound(w, "unknown message "+e.MessageID)
				return
			}
			log.Printf("[Webhook] Ingest failed (%s, message %s): %v", provider, e.MessageID, err)
			httputil.BadRequest(w, err.Error())
			return
		}
		accepted++
	}

	httputil.OK(w, map[string]any{
		"status":   "processed",
		"accepted": accepted,
	})
}

func (h *Handlers) parseWebhook(provider string, r *http.Request) ([]*domain.Event, error) {
	if provider == "ses" {
		return parseSESNotification(r)
	}
	return parseGenericEvent(r)
}

func parseGenericEvent(r *http.Request) ([]*domain.Event, error) {
	var p providerEvent
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("message_id is required")
	}
	typ, ok := normalizeEventType(p.Event)
	if !ok {
		return nil, fmt.Errorf("unknown event %q", p.Event)
	}
	return []*domain.Event{{
		MessageID:       p.MessageID,
		Type:            typ,
		ProviderEventID: p.ProviderEventID,
		OccurredAt:      p.Timestamp,
	}}, nil
}

// parseSESNotification unwraps the SNS envelope SES event destinations
// deliver: an outer Type/Message wrapper whose Message field is a JSON
// string carrying the actual notification.
func parseSESNotification(r *http.Request) ([]*domain.Event, error) {
	var envelope struct {
		Type      string `json:"Type"`
		MessageID string `json:"MessageId"`
		Message   string `json:"Message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("invalid SNS envelope: %w", err)
	}
	// Subscription confirmations and other non-notification types are
	// acknowledged without producing events
	if envelope.Type != "Notification" {
		return nil, nil
	}

	var notification struct {
		EventType string `json:"eventType"`
		Mail      struct {
			Tags map[string][]string `json:"tags"`
		} `json:"mail"`
		Bounce struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"bounce"`
		Delivery struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"delivery"`
		Open struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"open"`
		Click struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"click"`
	}
	if err := json.Unmarshal([]byte(envelope.Message), &notification); err != nil {
		return nil, fmt.Errorf("invalid SES notification: %w", err)
	}

	// The engine tags every SES send with its message ID
	ids := notification.Mail.Tags["engine_message_id"]
	if len(ids) == 0 || ids[0] == "" {
		return nil, fmt.Errorf("notification has no engine_message_id tag")
	}

	typ, ok := normalizeEventType(notification.EventType)
	if !ok {
		return nil, nil
	}

	var occurred time.Time
	switch typ {
	case domain.EventBounced:
		occurred = notification.Bounce.Timestamp
	case domain.EventDelivered:
		occurred = notification.Delivery.Timestamp
	case domain.EventOpened:
		occurred = notification.Open.Timestamp
	case domain.EventClicked:
		occurred = notification.Click.Timestamp
	}

	return []*domain.Event{{
		MessageID:       ids[0],
		Type:            typ,
		ProviderEventID: envelope.MessageID,
		OccurredAt:      occurred,
	}}, nil
}

// normalizeEventType maps provider event names onto the internal types.
func normalizeEventType(raw string) (domain.EventType, bool) {
	switch strings.ToLower(raw) {
	case "send", "sent":
		return domain.EventSent, true
	case "delivery", "delivered":
		return domain.EventDelivered, true
	case "bounce", "bounced":
		return domain.EventBounced, true
	case "open", "opened":
		return domain.EventOpened, true
	case "click", "clicked":
		return domain.EventClicked, true
	case "unsubscribe", "unsubscribed", "complaint":
		return domain.EventUnsubscribed, true
	case "failure", "failed", "rendering failure":
		return domain.EventFailed, true
	}
	return "", false
}
