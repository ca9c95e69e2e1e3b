package domain

import "time"

// MessageStatus enumerates the dispatch/engagement lifecycle of a single
// message. Transitions are monotonic: once a message reaches a given state
// it never moves backwards, and terminal states never change.
type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageQueued       MessageStatus = "queued"
	MessageSent         MessageStatus = "sent"
	MessageDelivered    MessageStatus = "delivered"
	MessageBounced      MessageStatus = "bounced"
	MessageUnsubscribed MessageStatus = "unsubscribed"
	MessageFailed       MessageStatus = "failed"
	MessageCancelled    MessageStatus = "cancelled"
)

// messageTransitions encodes the allowed forward edges of the message
// state machine. Opened/clicked are cumulative flags on the Message, not
// statuses, so they never appear here.
var messageTransitions = map[MessageStatus][]MessageStatus{
	MessagePending:   {MessageQueued, MessageSent, MessageFailed, MessageCancelled},
	MessageQueued:    {MessageSent, MessageFailed, MessageCancelled},
	MessageSent:      {MessageDelivered, MessageBounced, MessageFailed},
	MessageDelivered: {MessageBounced, MessageUnsubscribed},
}

// CanTransition reports whether a message may move from one status to
// another. Self-transitions are allowed (idempotent re-application).
func CanTransition(from, to MessageStatus) bool {
	if from == to {
		return true
	}
	for _, next := range messageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which a message may reach
// to, including to itself. Guarded store updates use this as the
// predicate set so a stale fact can never move a message backwards.
func TransitionSources(to MessageStatus) []MessageStatus {
	out := []MessageStatus{to}
	for from, nexts := range messageTransitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// IsTerminalMessage returns true for statuses that end the dispatch
// pipeline for a message. Delivered is not terminal for engagement
// purposes but is terminal for dispatch accounting.
func IsTerminalMessage(s MessageStatus) bool {
	switch s {
	case MessageSent, MessageDelivered, MessageBounced, MessageUnsubscribed, MessageFailed, MessageCancelled:
		return true
	}
	return false
}

// Message is the per-recipient instance of a campaign's content, tracked
// through delivery and engagement. (CampaignID, RecipientID) is unique.
type Message struct {
	ID          string        `json:"id" db:"id"`
	CampaignID  string        `json:"campaign_id" db:"campaign_id"`
	RecipientID string        `json:"recipient_id" db:"recipient_id"`
	Channel     ChannelType   `json:"channel" db:"channel"`
	Status      MessageStatus `json:"status" db:"status"`

	RenderedSubject string `json:"rendered_subject" db:"rendered_subject"`
	RenderedBody    string `json:"rendered_body" db:"rendered_body"`

	// Opened/Clicked are independent cumulative flags; either may be set
	// regardless of the other, and repeat events only bump the counts.
	Opened     bool `json:"opened" db:"opened"`
	Clicked    bool `json:"clicked" db:"clicked"`
	OpenCount  int  `json:"open_count" db:"open_count"`
	ClickCount int  `json:"click_count" db:"click_count"`

	ScheduledSendAt   time.Time  `json:"scheduled_send_at" db:"scheduled_send_at"`
	AttemptCount      int        `json:"attempt_count" db:"attempt_count"`
	LastError         string     `json:"last_error,omitempty" db:"last_error"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" db:"provider_message_id"`
	SentAt            *time.Time `json:"sent_at" db:"sent_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
