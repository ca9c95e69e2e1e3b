package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/analytics"
	"github.com/ignite/campaign-engine/internal/channel"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/personalize"
	"github.com/ignite/campaign-engine/internal/sendtime"
	"github.com/ignite/campaign-engine/internal/store"
)

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		TickIntervalSeconds: 1,
		BatchSize:           100,
		SendTimeoutSeconds:  2,
		MaxAttempts:         3,
		RetryBaseSeconds:    1,
		RetryCapMinutes:     1,
		LockTTLSeconds:      30,
	}
}

type fixture struct {
	store *store.Memory
	email *channel.MockAdapter
	sms   *channel.MockAdapter
	agg   *analytics.Aggregator
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	email := channel.NewMockAdapter(domain.ChannelEmail)
	sms := channel.NewMockAdapter(domain.ChannelSMS)
	agg := analytics.New(st)
	orch := New(st,
		channel.Registry{domain.ChannelEmail: email, domain.ChannelSMS: sms},
		personalize.NewEngine(nil, time.Second),
		sendtime.New(config.SendTimeConfig{HistoryDays: 90, HalfLifeDays: 30, MinEngagements: 3}),
		NewBucketLimiter(),
		agg,
		testConfig())
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)
	return &fixture{store: st, email: email, sms: sms, agg: agg, orch: orch}
}

// allDay keeps dispatch immediate regardless of wall clock.
var allDay = domain.SendWindow{StartHour: 0, EndHour: 24}

func (f *fixture) newCampaign(t *testing.T, ch domain.ChannelType, rl domain.RateLimit, recs ...domain.Recipient) *domain.Campaign {
	t.Helper()
	ctx := context.Background()
	c := &domain.Campaign{
		Name:        "test",
		Type:        "one-off",
		Channel:     ch,
		Subject:     "Hi {{ first_name }}",
		Body:        "Hello {{ first_name }}, news from {{ city }}",
		FromName:    "Engine",
		FromAddress: "noreply@example.com",
		RateLimit:   rl,
		Window:      allDay,
	}
	require.NoError(t, f.store.CreateCampaign(ctx, c))
	if len(recs) > 0 {
		require.NoError(t, f.store.AddRecipients(ctx, c.ID, recs))
	}
	return c
}

func (f *fixture) campaignStatus(t *testing.T, id string) domain.CampaignStatus {
	t.Helper()
	c, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func emailRec(id, addr string) domain.Recipient {
	return domain.Recipient{ID: id, Email: addr, FirstName: "Pat", City: "Austin"}
}

func TestLaunchSendsAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{},
		emailRec("r1", "a@example.com"), emailRec("r2", "b@example.com"))

	require.NoError(t, f.orch.Launch(ctx, c.ID))
	assert.Equal(t, domain.CampaignRunning, f.campaignStatus(t, c.ID))

	require.Eventually(t, func() bool {
		return f.campaignStatus(t, c.ID) == domain.CampaignCompleted
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, 2, f.email.SentCount())
	for _, sent := range f.email.Sent() {
		assert.Equal(t, "Hello Pat, news from Austin", sent.Body)
		assert.Equal(t, "Hi Pat", sent.Subject)
	}

	msgs, err := f.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, domain.MessageSent, m.Status)
		assert.NotEmpty(t, m.ProviderMessageID)
		assert.NotNil(t, m.SentAt)
	}

	// Dispatch synthesized one sent event per message
	counters, err := f.store.GetCounters(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counters[domain.EventSent])
}

func TestLaunchEmptyAudienceCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{})

	require.NoError(t, f.orch.Launch(context.Background(), c.ID))
	assert.Equal(t, domain.CampaignCompleted, f.campaignStatus(t, c.ID))
	assert.Zero(t, f.email.SentCount())
}

func TestLaunchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{}, emailRec("r1", "a@example.com"))
	require.NoError(t, f.orch.Launch(ctx, c.ID))

	// Double launch from running is rejected
	err := f.orch.Launch(ctx, c.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Empty body is rejected
	empty := &domain.Campaign{Name: "empty", Channel: domain.ChannelEmail}
	require.NoError(t, f.store.CreateCampaign(ctx, empty))
	assert.Error(t, f.orch.Launch(ctx, empty.ID))

	assert.ErrorIs(t, f.orch.Launch(ctx, "ghost"), store.ErrNotFound)
}

func TestLaunchDeduplicatesRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{},
		emailRec("r1", "same@example.com"),
		emailRec("r2", "same@example.com"), // duplicate address
		emailRec("r3", "other@example.com"))

	require.NoError(t, f.orch.Launch(ctx, c.ID))

	msgs, err := f.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRateLimitHoldsBackExcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{Capacity: 2, RefillPerMinute: 2},
		emailRec("r1", "a@example.com"), emailRec("r2", "b@example.com"), emailRec("r3", "c@example.com"))

	require.NoError(t, f.orch.Launch(ctx, c.ID))

	require.Eventually(t, func() bool {
		return f.email.SentCount() == 2
	}, 5*time.Second, 50*time.Millisecond)

	// The third message stays queued until the bucket refills
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 2, f.email.SentCount())
	assert.Equal(t, domain.CampaignRunning, f.campaignStatus(t, c.ID))

	counts, err := f.store.CountMessagesByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.MessagePending])
}

func TestMissingContactFailsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// SMS campaign, recipient has no phone number
	c := f.newCampaign(t, domain.ChannelSMS, domain.RateLimit{},
		domain.Recipient{ID: "r1", Email: "a@example.com", FirstName: "Pat", City: "Austin"})

	require.NoError(t, f.orch.Launch(ctx, c.ID))

	require.Eventually(t, func() bool {
		return f.campaignStatus(t, c.ID) == domain.CampaignFailed
	}, 5*time.Second, 50*time.Millisecond)

	msgs, err := f.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageFailed, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].AttemptCount)
	assert.Contains(t, msgs[0].LastError, "no sms address")
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{}, emailRec("r1", "flaky@example.com"))

	f.email.FailWith("flaky@example.com", channel.Transient(errors.New("provider 503")))
	require.NoError(t, f.orch.Launch(ctx, c.ID))

	// First attempt fails and the message is requeued with backoff
	require.Eventually(t, func() bool {
		m, err := f.store.ListMessages(ctx, c.ID)
		if err != nil {
			return false
		}
		return len(m) == 1 && m[0].Status == domain.MessagePending && m[0].AttemptCount == 1
	}, 5*time.Second, 50*time.Millisecond)

	f.email.Succeed("flaky@example.com")

	require.Eventually(t, func() bool {
		return f.campaignStatus(t, c.ID) == domain.CampaignCompleted
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, f.email.SentCount())

	msgs, err := f.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, msgs[0].AttemptCount)
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{}, emailRec("r1", "down@example.com"))

	f.email.FailWith("down@example.com", channel.Transient(errors.New("provider 503")))
	require.NoError(t, f.orch.Launch(ctx, c.ID))

	require.Eventually(t, func() bool {
		return f.campaignStatus(t, c.ID) == domain.CampaignFailed
	}, 15*time.Second, 100*time.Millisecond)

	msgs, err := f.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, msgs[0].Status)
	assert.Equal(t, 3, msgs[0].AttemptCount)
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{}, emailRec("r1", "reject@example.com"))

	f.email.FailWith("reject@example.com", channel.Permanent(errors.New("address rejected")))
	require.NoError(t, f.orch.Launch(ctx, c.ID))

	require.Eventually(t, func() bool {
		return f.campaignStatus(t, c.ID) == domain.CampaignFailed
	}, 5*time.Second, 50*time.Millisecond)

	msgs, err := f.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, msgs[0].AttemptCount)

	counters, err := f.store.GetCounters(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters[domain.EventFailed])
}

func TestPauseResumeCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{Capacity: 1, RefillPerMinute: 1},
		emailRec("r1", "a@example.com"), emailRec("r2", "b@example.com"), emailRec("r3", "c@example.com"))

	require.NoError(t, f.orch.Launch(ctx, c.ID))
	require.Eventually(t, func() bool { return f.email.SentCount() == 1 },
		5*time.Second, 50*time.Millisecond)

	require.NoError(t, f.orch.Pause(ctx, c.ID))
	assert.Equal(t, domain.CampaignPaused, f.campaignStatus(t, c.ID))
	require.Eventually(t, func() bool { return f.orch.ActiveDispatchers() == 0 },
		5*time.Second, 50*time.Millisecond)

	// Pausing twice is invalid
	assert.ErrorIs(t, f.orch.Pause(ctx, c.ID), ErrInvalidState)
	// Resuming a paused campaign restarts the dispatcher
	require.NoError(t, f.orch.Resume(ctx, c.ID))
	assert.Equal(t, domain.CampaignRunning, f.campaignStatus(t, c.ID))

	require.NoError(t, f.orch.Cancel(ctx, c.ID))
	assert.Equal(t, domain.CampaignCancelled, f.campaignStatus(t, c.ID))

	counts, err := f.store.CountMessagesByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.MessagePending])
	assert.Zero(t, counts[domain.MessageQueued])
	assert.Equal(t, 2, counts[domain.MessageCancelled])
	assert.Equal(t, 1, counts[domain.MessageSent])

	// Cancel is terminal
	assert.ErrorIs(t, f.orch.Cancel(ctx, c.ID), ErrInvalidState)
}

func TestCancelFromDraft(t *testing.T) {
	f := newFixture(t)
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{}, emailRec("r1", "a@example.com"))

	require.NoError(t, f.orch.Cancel(context.Background(), c.ID))
	assert.Equal(t, domain.CampaignCancelled, f.campaignStatus(t, c.ID))
}

func TestScheduledCampaignLaunchesWhenDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{}, emailRec("r1", "a@example.com"))

	past := time.Now().Add(-time.Minute)
	c.ScheduledAt = &past
	require.NoError(t, f.store.UpdateCampaign(ctx, c))
	require.NoError(t, f.store.UpdateCampaignStatus(ctx, c.ID,
		[]domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignScheduled))

	// The scheduler loop picks it up on its next tick
	require.Eventually(t, func() bool {
		return f.campaignStatus(t, c.ID) == domain.CampaignCompleted
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, 1, f.email.SentCount())
}

func TestSendTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t, domain.ChannelEmail, domain.RateLimit{}, emailRec("r1", "slow@example.com"))

	f.email.Block()
	require.NoError(t, f.orch.Launch(ctx, c.ID))

	// The hung provider hits the send timeout and the message is requeued
	require.Eventually(t, func() bool {
		msgs, err := f.store.ListMessages(ctx, c.ID)
		if err != nil {
			return false
		}
		return len(msgs) == 1 && msgs[0].AttemptCount >= 1 && msgs[0].Status == domain.MessagePending
	}, 10*time.Second, 100*time.Millisecond)

	assert.Zero(t, f.email.SentCount())
}

func TestBackoffSchedule(t *testing.T) {
	o := &Orchestrator{cfg: config.OrchestratorConfig{
		RetryBaseSeconds: 30,
		RetryCapMinutes:  30,
	}}

	assert.Equal(t, 30*time.Second, o.backoff(1))
	assert.Equal(t, time.Minute, o.backoff(2))
	assert.Equal(t, 2*time.Minute, o.backoff(3))
	assert.Equal(t, 16*time.Minute, o.backoff(6))
	// Capped
	assert.Equal(t, 30*time.Minute, o.backoff(7))
	assert.Equal(t, 30*time.Minute, o.backoff(20))
}
