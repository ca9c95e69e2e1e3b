package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// ChannelType identifies an outbound delivery channel.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelSMS   ChannelType = "sms"
)

// PersonalizationLevel controls how much content customization is applied
// when a message is rendered for a recipient.
type PersonalizationLevel string

const (
	PersonalizationBasic    PersonalizationLevel = "basic"
	PersonalizationAdvanced PersonalizationLevel = "advanced"
	PersonalizationAI       PersonalizationLevel = "ai"
)

// RateLimit configures the per-campaign token bucket.
// Capacity bounds the burst; RefillPerMinute is the sustained rate.
type RateLimit struct {
	Capacity        int `json:"capacity" yaml:"capacity"`
	RefillPerMinute int `json:"refill_per_minute" yaml:"refill_per_minute"`
}

// SendWindow restricts when messages may be dispatched, expressed in the
// recipient's local time. EndHour is exclusive; a window of 9..17 allows
// sends from 09:00:00 up to 16:59:59. Empty Days means every day.
type SendWindow struct {
	StartHour int            `json:"start_hour" yaml:"start_hour"`
	EndHour   int            `json:"end_hour" yaml:"end_hour"`
	Days      []time.Weekday `json:"days,omitempty" yaml:"days,omitempty"`
}

// Contains reports whether t (already in the recipient's location) falls
// inside the window.
func (w SendWindow) Contains(t time.Time) bool {
	if !w.allowsDay(t.Weekday()) {
		return false
	}
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

func (w SendWindow) allowsDay(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, day := range w.Days {
		if day == d {
			return true
		}
	}
	return false
}

// Campaign represents a configured outbound run targeting a recipient list.
type Campaign struct {
	ID                   string               `json:"id" db:"id"`
	Name                 string               `json:"name" db:"name"`
	Type                 string               `json:"type" db:"type"`
	Channel              ChannelType          `json:"channel" db:"channel"`
	TemplateID           string               `json:"template_id" db:"template_id"`
	Subject              string               `json:"subject" db:"subject"`
	Body                 string               `json:"body" db:"body"`
	FromName             string               `json:"from_name" db:"from_name"`
	FromAddress          string               `json:"from_address" db:"from_address"`
	PersonalizationLevel PersonalizationLevel `json:"personalization_level" db:"personalization_level"`
	Status               CampaignStatus       `json:"status" db:"status"`
	RateLimit            RateLimit            `json:"rate_limit"`
	Window               SendWindow           `json:"window"`

	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled || c.Status == CampaignFailed
}

// CanLaunch reports whether the campaign may be launched from its current
// status. Only draft and scheduled campaigns are launchable.
func (c *Campaign) CanLaunch() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// CanPause reports whether the campaign may be paused.
func (c *Campaign) CanPause() bool {
	return c.Status == CampaignRunning
}

// CanResume reports whether the campaign may be resumed.
func (c *Campaign) CanResume() bool {
	return c.Status == CampaignPaused
}

// CanCancel reports whether the campaign may be cancelled. Cancellation is
// always allowed except from a state that is already terminal.
func (c *Campaign) CanCancel() bool {
	return !c.IsTerminal()
}

// EffectiveRateLimit returns the configured rate limit with defaults
// applied for unset fields.
func (c *Campaign) EffectiveRateLimit() RateLimit {
	rl := c.RateLimit
	if rl.Capacity <= 0 {
		rl.Capacity = 60
	}
	if rl.RefillPerMinute <= 0 {
		rl.RefillPerMinute = rl.Capacity
	}
	return rl
}

// EffectiveWindow returns the scheduling window, defaulting to 09:00-20:00
// local when unconfigured.
func (c *Campaign) EffectiveWindow() SendWindow {
	w := c.Window
	if w.StartHour == 0 && w.EndHour == 0 {
		w = SendWindow{StartHour: 9, EndHour: 20}
	}
	return w
}
