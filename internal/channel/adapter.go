// Package channel delivers rendered messages over outbound providers.
// Adapters translate provider-specific failures into the transient vs
// permanent taxonomy the dispatcher's retry policy is built on.
package channel

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// OutboundMessage is a fully rendered message ready for delivery.
type OutboundMessage struct {
	MessageID   string
	CampaignID  string
	RecipientID string
	To          string
	FromName    string
	FromAddress string
	Subject     string
	Body        string
}

// Adapter delivers messages for a single channel. Send returns the
// provider's message ID on success; failures are wrapped as
// TransientError or PermanentError.
type Adapter interface {
	Channel() domain.ChannelType
	Send(ctx context.Context, msg *OutboundMessage) (string, error)
}

// Registry maps channel types to adapters.
type Registry map[domain.ChannelType]Adapter

// For returns the adapter for ch, or nil if none is registered.
func (r Registry) For(ch domain.ChannelType) Adapter {
	return r[ch]
}
