package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func seedCampaign(t *testing.T, s *Memory) *domain.Campaign {
	t.Helper()
	c := &domain.Campaign{
		Name:    "spring-open-house",
		Channel: domain.ChannelEmail,
		Subject: "You're invited",
		Body:    "Hello {{ first_name }}",
	}
	require.NoError(t, s.CreateCampaign(context.Background(), c))
	return c
}

func TestMemoryCampaignLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignDraft, got.Status)

	err = s.UpdateCampaignStatus(ctx, c.ID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled},
		domain.CampaignRunning)
	require.NoError(t, err)

	got, err = s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	// Launching again must fail the compare-and-swap
	err = s.UpdateCampaignStatus(ctx, c.ID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled},
		domain.CampaignRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.UpdateCampaignStatus(ctx, "missing", []domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignRunning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListCampaignsFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c1 := seedCampaign(t, s)
	seedCampaign(t, s)
	require.NoError(t, s.UpdateCampaignStatus(ctx, c1.ID,
		[]domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignRunning))

	running, err := s.ListCampaigns(ctx, domain.CampaignRunning, 0, 0)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, c1.ID, running[0].ID)

	all, err := s.ListCampaigns(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryRecipients(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)

	recs := []domain.Recipient{
		{ID: "r1", Email: "a@example.com", Timezone: "America/Chicago"},
		{ID: "r2", Email: "b@example.com"},
	}
	require.NoError(t, s.AddRecipients(ctx, c.ID, recs))
	// Re-adding must not duplicate the attachment
	require.NoError(t, s.AddRecipients(ctx, c.ID, recs[:1]))

	got, err := s.ListRecipients(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	r, err := s.GetRecipient(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", r.Email)

	err = s.AddRecipients(ctx, "missing", recs)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCreateMessagesIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)
	now := time.Now().UTC()

	msgs := []domain.Message{
		{CampaignID: c.ID, RecipientID: "r1", Channel: domain.ChannelEmail, ScheduledSendAt: now},
		{CampaignID: c.ID, RecipientID: "r2", Channel: domain.ChannelEmail, ScheduledSendAt: now},
	}
	n, err := s.CreateMessages(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Second create for the same (campaign, recipient) pairs inserts nothing
	n, err = s.CreateMessages(ctx, []domain.Message{
		{CampaignID: c.ID, RecipientID: "r1", Channel: domain.ChannelEmail, ScheduledSendAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	counts, err := s.CountMessagesByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.MessagePending])
}

func TestMemoryClaimDueMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)
	now := time.Now().UTC()

	_, err := s.CreateMessages(ctx, []domain.Message{
		{ID: "m-late", CampaignID: c.ID, RecipientID: "r1", Channel: domain.ChannelEmail, ScheduledSendAt: now.Add(-time.Minute)},
		{ID: "m-early", CampaignID: c.ID, RecipientID: "r2", Channel: domain.ChannelEmail, ScheduledSendAt: now.Add(-time.Hour)},
		{ID: "m-future", CampaignID: c.ID, RecipientID: "r3", Channel: domain.ChannelEmail, ScheduledSendAt: now.Add(time.Hour)},
	})
	require.NoError(t, err)

	claimed, err := s.ClaimDueMessages(ctx, c.ID, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// Oldest scheduled first
	assert.Equal(t, "m-early", claimed[0].ID)
	assert.Equal(t, "m-late", claimed[1].ID)
	assert.Equal(t, domain.MessageQueued, claimed[0].Status)

	// Claimed messages are not returned again
	claimed, err = s.ClaimDueMessages(ctx, c.ID, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryClaimRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)
	past := time.Now().UTC().Add(-time.Minute)

	var msgs []domain.Message
	for _, rid := range []string{"r1", "r2", "r3"} {
		msgs = append(msgs, domain.Message{
			CampaignID: c.ID, RecipientID: rid,
			Channel: domain.ChannelEmail, ScheduledSendAt: past,
		})
	}
	_, err := s.CreateMessages(ctx, msgs)
	require.NoError(t, err)

	claimed, err := s.ClaimDueMessages(ctx, c.ID, time.Now().UTC(), 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestMemoryRequeueMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)
	now := time.Now().UTC()

	_, err := s.CreateMessages(ctx, []domain.Message{
		{ID: "m1", CampaignID: c.ID, RecipientID: "r1", Channel: domain.ChannelEmail, ScheduledSendAt: now.Add(-time.Minute)},
	})
	require.NoError(t, err)

	_, err = s.ClaimDueMessages(ctx, c.ID, now, 1)
	require.NoError(t, err)

	next := now.Add(30 * time.Second)
	require.NoError(t, s.RequeueMessage(ctx, "m1", next, 1, "timeout"))

	m, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, m.Status)
	assert.Equal(t, 1, m.AttemptCount)
	assert.Equal(t, "timeout", m.LastError)
	assert.True(t, m.ScheduledSendAt.Equal(next))
}

func TestMemoryMarkPendingCancelled(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)
	now := time.Now().UTC()

	_, err := s.CreateMessages(ctx, []domain.Message{
		{ID: "m1", CampaignID: c.ID, RecipientID: "r1", Channel: domain.ChannelEmail, ScheduledSendAt: now},
		{ID: "m2", CampaignID: c.ID, RecipientID: "r2", Channel: domain.ChannelEmail, ScheduledSendAt: now},
	})
	require.NoError(t, err)

	// m1 already sent, only m2 is cancellable
	m1, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	m1.Status = domain.MessageSent
	require.NoError(t, s.UpdateMessage(ctx, m1))

	n, err := s.MarkPendingCancelled(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.CountMessagesByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.MessageSent])
	assert.Equal(t, 1, counts[domain.MessageCancelled])
}

func TestMemoryInsertEventDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)
	now := time.Now().UTC()

	_, err := s.CreateMessages(ctx, []domain.Message{
		{ID: "m1", CampaignID: c.ID, RecipientID: "r1", Channel: domain.ChannelEmail, ScheduledSendAt: now},
	})
	require.NoError(t, err)

	ev := &domain.Event{MessageID: "m1", Type: domain.EventOpened, ProviderEventID: "p-1", OccurredAt: now}
	inserted, err := s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, c.ID, ev.CampaignID)

	dup := &domain.Event{MessageID: "m1", Type: domain.EventOpened, ProviderEventID: "p-1", OccurredAt: now}
	inserted, err = s.InsertEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same type, different provider event id is a distinct fact
	inserted, err = s.InsertEvent(ctx, &domain.Event{
		MessageID: "m1", Type: domain.EventOpened, ProviderEventID: "p-2", OccurredAt: now,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	evs, err := s.EventsForCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	_, err = s.InsertEvent(ctx, &domain.Event{MessageID: "ghost", Type: domain.EventOpened})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryApplyEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := seedCampaign(t, s)
	now := time.Now().UTC()

	_, err := s.CreateMessages(ctx, []domain.Message{
		{ID: "m1", CampaignID: c.ID, RecipientID: "r1", Channel: domain.ChannelEmail, ScheduledSendAt: now},
	})
	require.NoError(t, err)

	require.NoError(t, s.ApplyEvent(ctx, "m1", domain.EventSent))
	require.NoError(t, s.ApplyEvent(ctx, "m1", domain.EventDelivered))
	require.NoError(t, s.ApplyEvent(ctx, "m1", domain.EventOpened))
	require.NoError(t, s.ApplyEvent(ctx, "m1", domain.EventOpened))
	require.NoError(t, s.ApplyEvent(ctx, "m1", domain.EventClicked))

	m, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageDelivered, m.Status)
	assert.True(t, m.Opened)
	assert.True(t, m.Clicked)
	assert.Equal(t, 2, m.OpenCount)
	assert.Equal(t, 1, m.ClickCount)

	// A late 'sent' fact is a no-op, never a regression
	require.NoError(t, s.ApplyEvent(ctx, "m1", domain.EventSent))
	m, err = s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageDelivered, m.Status)

	assert.ErrorIs(t, s.ApplyEvent(ctx, "ghost", domain.EventOpened), ErrNotFound)
}

func TestMemoryCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.IncrementCounter(ctx, "c1", domain.EventSent, 1))
	require.NoError(t, s.IncrementCounter(ctx, "c1", domain.EventSent, 1))
	require.NoError(t, s.IncrementCounter(ctx, "c1", domain.EventOpened, 1))

	counters, err := s.GetCounters(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, counters[domain.EventSent])
	assert.Equal(t, 1, counters[domain.EventOpened])

	require.NoError(t, s.ResetCounters(ctx, "c1"))
	counters, err = s.GetCounters(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, counters)
}
