// Package analytics turns message events into campaign metrics. Ingestion
// is idempotent and commutative: duplicate events are dropped on their
// dedup key, and out-of-order arrivals converge to the same counters.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/store"
)

// Aggregator ingests events and serves aggregate views.
type Aggregator struct {
	store store.Store

	now func() time.Time // injectable for tests
}

// New creates an aggregator over the given store.
func New(st store.Store) *Aggregator {
	return &Aggregator{store: st, now: time.Now}
}

// Ingest records one event. Duplicates (same message, type, and provider
// event ID) are silently dropped. For fresh events it advances the
// message's status along the monotonic state machine, sets the cumulative
// opened/clicked flags, and bumps the campaign counter for the type.
func (a *Aggregator) Ingest(ctx context.Context, e *domain.Event) error {
	if !domain.ValidEventType(e.Type) {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	inserted, err := a.store.InsertEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if !inserted {
		return nil
	}

	// The store applies the event in one atomic step so concurrent
	// callbacks for the same message never lose counts or regress the
	// status. Stale status facts are dropped there; the event still
	// counts below.
	if err := a.store.ApplyEvent(ctx, e.MessageID, e.Type); err != nil {
		return fmt.Errorf("apply event to message %s: %w", e.MessageID, err)
	}
	if err := a.store.IncrementCounter(ctx, e.CampaignID, e.Type, 1); err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

// Metrics returns the campaign's counters and derived rates. Every rate
// is zero when its denominator is zero.
func (a *Aggregator) Metrics(ctx context.Context, campaignID string) (*domain.CampaignMetrics, error) {
	if _, err := a.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	counters, err := a.store.GetCounters(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	counts, err := a.store.CountMessagesByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	m := &domain.CampaignMetrics{
		CampaignID:       campaignID,
		TotalMessages:    total,
		SentCount:        counters[domain.EventSent],
		DeliveredCount:   counters[domain.EventDelivered],
		OpenCount:        counters[domain.EventOpened],
		ClickCount:       counters[domain.EventClicked],
		BounceCount:      counters[domain.EventBounced],
		UnsubscribeCount: counters[domain.EventUnsubscribed],
		FailedCount:      counters[domain.EventFailed],
	}
	m.DeliveryRate = safeRate(m.DeliveredCount, m.SentCount)
	m.OpenRate = safeRate(m.OpenCount, m.DeliveredCount)
	m.ClickRate = safeRate(m.ClickCount, m.DeliveredCount)
	m.BounceRate = safeRate(m.BounceCount, m.SentCount)
	m.UnsubscribeRate = safeRate(m.UnsubscribeCount, m.DeliveredCount)
	return m, nil
}

func safeRate(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// TimeSeries buckets the campaign's events by occurrence time. The
// series is contiguous from the campaign start (or first event,
// whichever is earlier) through the current interval: spans with no
// events appear as zero buckets, never omitted. A campaign that has not
// started and has no events yields an empty series.
func (a *Aggregator) TimeSeries(ctx context.Context, campaignID string, bucket time.Duration) ([]domain.TimeBucket, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	c, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	events, err := a.store.EventsForCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	var start time.Time
	if c.StartedAt != nil {
		start = *c.StartedAt
	}
	byBucket := make(map[time.Time]*domain.TimeBucket)
	for _, e := range events {
		if start.IsZero() || e.OccurredAt.Before(start) {
			start = e.OccurredAt
		}
		key := e.OccurredAt.UTC().Truncate(bucket)
		tb, ok := byBucket[key]
		if !ok {
			tb = &domain.TimeBucket{BucketStart: key}
			byBucket[key] = tb
		}
		applyToBucket(tb, e.Type)
	}
	if start.IsZero() {
		return nil, nil
	}

	start = start.UTC().Truncate(bucket)
	end := a.now().UTC().Truncate(bucket)
	for key := range byBucket {
		if key.After(end) {
			end = key
		}
	}

	var out []domain.TimeBucket
	for t := start; !t.After(end); t = t.Add(bucket) {
		if tb, ok := byBucket[t]; ok {
			out = append(out, *tb)
		} else {
			out = append(out, domain.TimeBucket{BucketStart: t})
		}
	}
	return out, nil
}

func applyToBucket(tb *domain.TimeBucket, typ domain.EventType) {
	switch typ {
	case domain.EventSent:
		tb.Sent++
	case domain.EventDelivered:
		tb.Delivered++
	case domain.EventOpened:
		tb.Opens++
	case domain.EventClicked:
		tb.Clicks++
	case domain.EventBounced:
		tb.Bounces++
	case domain.EventUnsubscribed:
		tb.Unsubscribes++
	case domain.EventFailed:
		tb.Failed++
	}
}

// Rebuild discards the campaign's counters and re-derives them from the
// stored event log. Counters are pure functions of the event set, so a
// rebuild after any ingest order matches the incremental result.
func (a *Aggregator) Rebuild(ctx context.Context, campaignID string) error {
	if _, err := a.store.GetCampaign(ctx, campaignID); err != nil {
		return err
	}
	events, err := a.store.EventsForCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if err := a.store.ResetCounters(ctx, campaignID); err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	for i := range events {
		if err := a.store.IncrementCounter(ctx, campaignID, events[i].Type, 1); err != nil {
			return fmt.Errorf("replay counter: %w", err)
		}
	}
	log.Printf("[Analytics] Rebuilt counters for campaign %s from %d events", campaignID, len(events))
	return nil
}
