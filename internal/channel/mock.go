package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// MockAdapter is a scriptable Adapter for tests and the dev server.
// Outcomes can be scripted per recipient address; unscripted sends
// succeed with a generated provider ID.
type MockAdapter struct {
	mu       sync.Mutex
	channel  domain.ChannelType
	outcomes map[string]error
	sent     []OutboundMessage
	delay    func(ctx context.Context) error
}

// NewMockAdapter creates a mock adapter for the given channel.
func NewMockAdapter(ch domain.ChannelType) *MockAdapter {
	return &MockAdapter{
		channel:  ch,
		outcomes: make(map[string]error),
	}
}

func (a *MockAdapter) Channel() domain.ChannelType { return a.channel }

// FailWith scripts the error returned for sends to the given address.
func (a *MockAdapter) FailWith(to string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[to] = err
}

// Succeed clears any scripted failure for the address.
func (a *MockAdapter) Succeed(to string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.outcomes, to)
}

// Block makes every send wait on the context, simulating a hung provider.
func (a *MockAdapter) Block() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = func(ctx context.Context) error {
		<-ctx.Done()
		return Transient(ctx.Err())
	}
}

func (a *MockAdapter) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	a.mu.Lock()
	outcome, scripted := a.outcomes[msg.To]
	delay := a.delay
	a.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return "", err
		}
	}
	if scripted && outcome != nil {
		return "", outcome
	}

	a.mu.Lock()
	a.sent = append(a.sent, *msg)
	a.mu.Unlock()
	return fmt.Sprintf("mock-%s", uuid.New().String()[:8]), nil
}

// Sent returns a copy of all successfully delivered messages.
func (a *MockAdapter) Sent() []OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OutboundMessage, len(a.sent))
	copy(out, a.sent)
	return out
}

// SentCount returns the number of successful sends.
func (a *MockAdapter) SentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}
