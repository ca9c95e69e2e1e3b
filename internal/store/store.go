// Package store provides persistence for campaigns, recipients, messages,
// events, and aggregate counters. Two implementations exist: Memory for
// tests and single-process development, and Postgres for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a guarded status update finds
	// the entity in a state the caller did not expect.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence boundary for the engine. All methods are safe
// for concurrent use.
type Store interface {
	// Campaigns
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, status domain.CampaignStatus, limit, offset int) ([]domain.Campaign, error)
	UpdateCampaign(ctx context.Context, c *domain.Campaign) error
	// UpdateCampaignStatus moves a campaign to status "to" only if its
	// current status is one of "from". Returns ErrInvalidTransition
	// otherwise. This is the compare-and-swap used by lifecycle operations.
	UpdateCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error

	// Recipients
	AddRecipients(ctx context.Context, campaignID string, recs []domain.Recipient) error
	ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)

	// Messages. CreateMessages is idempotent on (campaign_id, recipient_id)
	// and returns the number of rows actually inserted. ClaimDueMessages
	// atomically selects pending messages whose scheduled send time has
	// passed and marks them queued, so concurrent dispatchers never claim
	// the same message twice.
	CreateMessages(ctx context.Context, msgs []domain.Message) (int, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ClaimDueMessages(ctx context.Context, campaignID string, now time.Time, limit int) ([]domain.Message, error)
	UpdateMessage(ctx context.Context, m *domain.Message) error
	// RequeueMessage returns a claimed message to pending with a new
	// scheduled send time (transient failure backoff).
	RequeueMessage(ctx context.Context, id string, nextAttemptAt time.Time, attemptCount int, lastError string) error
	MarkPendingCancelled(ctx context.Context, campaignID string) (int, error)
	CountMessagesByStatus(ctx context.Context, campaignID string) (map[domain.MessageStatus]int, error)
	ListMessages(ctx context.Context, campaignID string) ([]domain.Message, error)

	// Events. InsertEvent reports false when the event's dedup key
	// (message_id, type, provider_event_id) already exists; on insert it
	// fills e.CampaignID from the owning message. ApplyEvent applies one
	// event's effect to its message as a single atomic operation:
	// opened/clicked set the cumulative flag and add to the count, status
	// events advance the message along the monotonic state machine. A
	// stale or out-of-order status fact leaves the message untouched and
	// returns nil, so concurrent provider callbacks never clobber each
	// other's writes.
	InsertEvent(ctx context.Context, e *domain.Event) (bool, error)
	ApplyEvent(ctx context.Context, messageID string, typ domain.EventType) error
	EventsForCampaign(ctx context.Context, campaignID string) ([]domain.Event, error)

	// Counters. One commutative integer per (campaign, event type);
	// aggregation order never changes the result.
	IncrementCounter(ctx context.Context, campaignID string, typ domain.EventType, delta int) error
	GetCounters(ctx context.Context, campaignID string) (map[domain.EventType]int, error)
	ResetCounters(ctx context.Context, campaignID string) error
}
