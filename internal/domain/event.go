package domain

import (
	"fmt"
	"time"
)

// EventType enumerates the facts a provider can report about a message.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventBounced      EventType = "bounced"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventUnsubscribed EventType = "unsubscribed"
	EventFailed       EventType = "failed"
)

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventSent, EventDelivered, EventBounced, EventOpened, EventClicked, EventUnsubscribed, EventFailed:
		return true
	}
	return false
}

// Event is an immutable fact about a message's history, ingested from
// provider callbacks (or synthesized at send time). Events are deduped by
// (MessageID, Type, ProviderEventID) and applied idempotently.
type Event struct {
	ID              string    `json:"id" db:"id"`
	MessageID       string    `json:"message_id" db:"message_id"`
	CampaignID      string    `json:"campaign_id" db:"campaign_id"`
	Type            EventType `json:"type" db:"type"`
	ProviderEventID string    `json:"provider_event_id" db:"provider_event_id"`
	OccurredAt      time.Time `json:"occurred_at" db:"occurred_at"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
}

// DedupKey returns the idempotency key for this event.
func (e *Event) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s", e.MessageID, e.Type, e.ProviderEventID)
}

// StatusFor maps an event type to the message status it implies, if any.
// Opened/clicked return "" because they set flags rather than statuses.
func (e *Event) StatusFor() MessageStatus {
	return StatusForEvent(e.Type)
}

// StatusForEvent maps an event type to the message status it implies.
func StatusForEvent(t EventType) MessageStatus {
	switch t {
	case EventSent:
		return MessageSent
	case EventDelivered:
		return MessageDelivered
	case EventBounced:
		return MessageBounced
	case EventUnsubscribed:
		return MessageUnsubscribed
	case EventFailed:
		return MessageFailed
	}
	return ""
}

// CampaignMetrics is the aggregate counter set for a campaign, together
// with derived rates. Rates are 0 when their denominator is 0.
type CampaignMetrics struct {
	CampaignID string `json:"campaign_id"`

	TotalMessages    int `json:"total_messages"`
	SentCount        int `json:"sent_count"`
	DeliveredCount   int `json:"delivered_count"`
	OpenCount        int `json:"open_count"`
	ClickCount       int `json:"click_count"`
	BounceCount      int `json:"bounce_count"`
	UnsubscribeCount int `json:"unsubscribe_count"`
	FailedCount      int `json:"failed_count"`

	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
}

// TimeBucket is one interval of a campaign's event time series.
type TimeBucket struct {
	BucketStart time.Time `json:"bucket_start"`

	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Opens        int `json:"opens"`
	Clicks       int `json:"clicks"`
	Bounces      int `json:"bounces"`
	Unsubscribes int `json:"unsubscribes"`
	Failed       int `json:"failed"`
}
