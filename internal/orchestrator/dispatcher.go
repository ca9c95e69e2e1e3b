package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-engine/internal/channel"
	"github.com/ignite/campaign-engine/internal/domain"
)

// Stats tracks dispatch outcomes across all campaigns.
type Stats struct {
	Sent     int64
	Failed   int64
	Requeued int64
}

// Snapshot returns a copy of the current counters.
func (o *Orchestrator) Snapshot() Stats {
	return Stats{
		Sent:     atomic.LoadInt64(&o.stats.Sent),
		Failed:   atomic.LoadInt64(&o.stats.Failed),
		Requeued: atomic.LoadInt64(&o.stats.Requeued),
	}
}

// dispatcher is the handle for one campaign's dispatch loop.
type dispatcher struct {
	campaignID string
	stop       chan struct{}
	stopped    atomic.Bool
}

func newDispatcher(campaignID string) *dispatcher {
	return &dispatcher{campaignID: campaignID, stop: make(chan struct{})}
}

func (d *dispatcher) requestStop() {
	if d.stopped.CompareAndSwap(false, true) {
		close(d.stop)
	}
}

// runDispatcher is the serialized per-campaign loop. It holds the
// campaign's distributed lock while running so only one engine process
// dispatches a given campaign.
func (o *Orchestrator) runDispatcher(d *dispatcher) {
	lock := o.NewLock(d.campaignID)

	ticker := time.NewTicker(o.cfg.TickInterval())
	defer ticker.Stop()

	locked := false
	defer func() {
		if locked {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(ctx); err != nil {
				log.Printf("[Dispatcher] Failed to release lock for %s: %v", d.campaignID, err)
			}
		}
	}()

	for {
		if !locked {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.Acquire(ctx)
			cancel()
			if err != nil {
				log.Printf("[Dispatcher] Lock acquire failed for %s: %v", d.campaignID, err)
			}
			locked = ok
		}

		if locked {
			if done := o.tick(d.campaignID); done {
				return
			}
		}

		select {
		case <-d.stop:
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// tick runs one dispatch round. Returns true when the dispatcher should
// exit: the campaign left the running state or has no work left.
func (o *Orchestrator) tick(campaignID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Printf("[Dispatcher] Failed to load campaign %s: %v", campaignID, err)
		return false
	}
	if c.Status != domain.CampaignRunning {
		return true
	}

	now := time.Now().UTC()
	claimed, err := o.store.ClaimDueMessages(ctx, campaignID, now, o.cfg.BatchSize)
	if err != nil {
		log.Printf("[Dispatcher] Claim failed for %s: %v", campaignID, err)
		return false
	}

	if len(claimed) > 0 {
		granted, err := o.limiter.Reserve(ctx, campaignID, c.EffectiveRateLimit(), len(claimed))
		if err != nil {
			// Fail closed: send nothing this tick rather than exceed the limit
			log.Printf("[Dispatcher] Rate limit check failed for %s: %v", campaignID, err)
			granted = 0
		}
		for i := range claimed {
			m := &claimed[i]
			if i < granted {
				o.sendOne(ctx, c, m)
				continue
			}
			// Budget exhausted: return the claim untouched for a later tick
			if err := o.store.RequeueMessage(ctx, m.ID, m.ScheduledSendAt, m.AttemptCount, m.LastError); err != nil {
				log.Printf("[Dispatcher] Requeue failed for message %s: %v", m.ID, err)
			}
		}
	}

	return o.checkCompletion(ctx, campaignID)
}

// checkCompletion finishes the campaign when no dispatchable messages
// remain. All-failed campaigns end as failed rather than completed.
func (o *Orchestrator) checkCompletion(ctx context.Context, campaignID string) bool {
	counts, err := o.store.CountMessagesByStatus(ctx, campaignID)
	if err != nil {
		log.Printf("[Dispatcher] Count failed for %s: %v", campaignID, err)
		return false
	}
	if counts[domain.MessagePending] > 0 || counts[domain.MessageQueued] > 0 {
		return false
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	final := domain.CampaignCompleted
	if total > 0 && counts[domain.MessageFailed] == total {
		final = domain.CampaignFailed
	}

	err = o.store.UpdateCampaignStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignRunning}, final)
	if err != nil {
		log.Printf("[Dispatcher] Completion update failed for %s: %v", campaignID, err)
		return false
	}
	log.Printf("[Dispatcher] Campaign %s finished as %s (%d messages)", campaignID, final, total)
	return true
}

// sendOne renders and delivers a single claimed message.
func (o *Orchestrator) sendOne(ctx context.Context, c *domain.Campaign, m *domain.Message) {
	rec, err := o.store.GetRecipient(ctx, m.RecipientID)
	if err != nil {
		o.failMessage(ctx, m, m.AttemptCount+1, fmt.Errorf("recipient %s: %w", m.RecipientID, err))
		return
	}

	to := rec.AddressFor(c.Channel)
	if to == "" {
		o.failMessage(ctx, m, m.AttemptCount+1, fmt.Errorf("no %s address for recipient %s", c.Channel, rec.ID))
		return
	}

	adapter := o.adapters.For(c.Channel)
	if adapter == nil {
		o.failMessage(ctx, m, m.AttemptCount+1, fmt.Errorf("no adapter for channel %s", c.Channel))
		return
	}

	level := c.PersonalizationLevel
	if level == "" {
		level = domain.PersonalizationBasic
	}
	rendered, err := o.engine.Render(ctx, o.TemplateFor(c), rec, level)
	if err != nil {
		// Render failures never succeed on retry
		o.failMessage(ctx, m, m.AttemptCount+1, err)
		return
	}
	m.RenderedSubject = rendered.Subject
	m.RenderedBody = rendered.Body

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout())
	defer cancel()

	providerID, err := adapter.Send(sendCtx, &channel.OutboundMessage{
		MessageID:   m.ID,
		CampaignID:  c.ID,
		RecipientID: rec.ID,
		To:          to,
		FromName:    c.FromName,
		FromAddress: c.FromAddress,
		Subject:     rendered.Subject,
		Body:        rendered.Body,
	})

	attempts := m.AttemptCount + 1
	if err != nil {
		if channel.IsTransient(err) && attempts < o.cfg.MaxAttempts {
			next := time.Now().UTC().Add(o.backoff(attempts))
			if reqErr := o.store.RequeueMessage(ctx, m.ID, next, attempts, err.Error()); reqErr != nil {
				log.Printf("[Dispatcher] Requeue failed for message %s: %v", m.ID, reqErr)
				return
			}
			atomic.AddInt64(&o.stats.Requeued, 1)
			log.Printf("[Dispatcher] Message %s attempt %d failed, retrying at %s: %v",
				m.ID, attempts, next.Format(time.RFC3339), err)
			return
		}
		o.failMessage(ctx, m, attempts, err)
		return
	}

	now := time.Now().UTC()
	m.Status = domain.MessageSent
	m.SentAt = &now
	m.AttemptCount = attempts
	m.LastError = ""
	m.ProviderMessageID = providerID
	if err := o.store.UpdateMessage(ctx, m); err != nil {
		log.Printf("[Dispatcher] Failed to persist sent message %s: %v", m.ID, err)
		return
	}
	atomic.AddInt64(&o.stats.Sent, 1)

	o.synthesizeEvent(ctx, m.ID, domain.EventSent, attempts, now)
}

// failMessage terminally fails a message and records a failed event.
func (o *Orchestrator) failMessage(ctx context.Context, m *domain.Message, attempts int, cause error) {
	m.Status = domain.MessageFailed
	m.AttemptCount = attempts
	m.LastError = cause.Error()
	if err := o.store.UpdateMessage(ctx, m); err != nil {
		log.Printf("[Dispatcher] Failed to persist failed message %s: %v", m.ID, err)
		return
	}
	atomic.AddInt64(&o.stats.Failed, 1)
	log.Printf("[Dispatcher] Message %s failed permanently after %d attempts: %v", m.ID, attempts, cause)

	o.synthesizeEvent(ctx, m.ID, domain.EventFailed, attempts, time.Now().UTC())
}

// synthesizeEvent records a dispatch-originated event so analytics sees
// sends and failures without waiting for provider callbacks.
func (o *Orchestrator) synthesizeEvent(ctx context.Context, messageID string, typ domain.EventType, attempt int, at time.Time) {
	if o.ingest == nil {
		return
	}
	err := o.ingest.Ingest(ctx, &domain.Event{
		MessageID:       messageID,
		Type:            typ,
		ProviderEventID: fmt.Sprintf("dispatch-%d", attempt),
		OccurredAt:      at,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Dispatcher] Failed to ingest %s event for message %s: %v", typ, messageID, err)
	}
}

// backoff returns the retry delay before the next attempt: exponential
// from the configured base, capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.RetryBase()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.RetryCap() {
			return o.cfg.RetryCap()
		}
	}
	if delay > o.cfg.RetryCap() {
		delay = o.cfg.RetryCap()
	}
	return delay
}
