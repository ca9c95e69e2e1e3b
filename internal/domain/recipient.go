package domain

import "time"

// EngagementTier buckets recipients by how actively they engage with
// past sends. Used by the advanced personalization rule evaluator.
type EngagementTier string

const (
	TierHigh   EngagementTier = "high"
	TierMedium EngagementTier = "medium"
	TierLow    EngagementTier = "low"
	TierNone   EngagementTier = "none"
)

// EngagementRecord is one historical open or click, kept as a summary on
// the recipient for send-time optimization.
type EngagementRecord struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Recipient is a member of a campaign's audience with per-channel contact
// info and an engagement history summary.
type Recipient struct {
	ID        string `json:"id" db:"id"`
	Email     string `json:"email" db:"email"`
	Phone     string `json:"phone" db:"phone"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	City      string `json:"city" db:"city"`

	// Timezone is an IANA zone name ("America/Chicago"). Empty means UTC.
	Timezone string `json:"timezone" db:"timezone"`

	// Attributes holds list-specific custom fields referenced by templates
	// and segment rules (property_type, budget, ...).
	Attributes map[string]any `json:"attributes,omitempty"`

	EngagementTier EngagementTier     `json:"engagement_tier" db:"engagement_tier"`
	History        []EngagementRecord `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AddressFor returns the recipient's contact address for the given channel,
// or "" if the recipient has none.
func (r *Recipient) AddressFor(ch ChannelType) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	}
	return ""
}

// Location resolves the recipient's timezone, falling back to UTC when the
// zone is missing or unknown.
func (r *Recipient) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
