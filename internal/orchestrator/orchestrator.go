// Package orchestrator drives campaign execution: launching, pausing,
// resuming, and cancelling campaigns, and dispatching their messages
// through channel adapters under per-campaign rate limits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/channel"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/personalize"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/sendtime"
	"github.com/ignite/campaign-engine/internal/store"
)

// ErrInvalidState is returned when a lifecycle operation is not allowed
// from the campaign's current status.
var ErrInvalidState = errors.New("invalid campaign state")

// Ingestor receives the events the dispatcher synthesizes at send time.
// Satisfied by analytics.Aggregator.
type Ingestor interface {
	Ingest(ctx context.Context, e *domain.Event) error
}

// Orchestrator owns one dispatcher goroutine per running campaign plus a
// scheduler loop that launches due scheduled campaigns.
type Orchestrator struct {
	store     store.Store
	adapters  channel.Registry
	engine    *personalize.Engine
	optimizer *sendtime.Optimizer
	limiter   Limiter
	ingest    Ingestor
	cfg       config.OrchestratorConfig

	// NewLock builds the distributed lock guarding a campaign's
	// dispatcher. Defaults to a process-local no-op lock.
	NewLock func(campaignID string) distlock.DistLock

	// TemplateFor builds the render template for a campaign. The default
	// uses the campaign's own subject/body; callers with a template store
	// can override to attach variants and required fields.
	TemplateFor func(c *domain.Campaign) personalize.Template

	mu          sync.Mutex
	dispatchers map[string]*dispatcher
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	stats Stats
}

// New creates an orchestrator. ingest may be nil (no event synthesis).
func New(st store.Store, adapters channel.Registry, engine *personalize.Engine,
	optimizer *sendtime.Optimizer, limiter Limiter, ingest Ingestor,
	cfg config.OrchestratorConfig) *Orchestrator {

	return &Orchestrator{
		store:     st,
		adapters:  adapters,
		engine:    engine,
		optimizer: optimizer,
		limiter:   limiter,
		ingest:    ingest,
		cfg:       cfg,
		NewLock: func(campaignID string) distlock.DistLock {
			return distlock.NewLock(nil, nil, "campaign:"+campaignID+":dispatch", time.Minute)
		},
		TemplateFor: defaultTemplate,
		dispatchers: make(map[string]*dispatcher),
	}
}

func defaultTemplate(c *domain.Campaign) personalize.Template {
	tpl := personalize.Template{
		Subject: c.Subject,
		Body:    c.Body,
	}
	if c.Channel == domain.ChannelSMS {
		tpl.MaxBodyLength = 480
	}
	return tpl
}

// Start resumes dispatchers for already-running campaigns and begins the
// scheduler loop. Returns an error if already started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	running, err := o.store.ListCampaigns(ctx, domain.CampaignRunning, 0, 0)
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}
	for _, c := range running {
		o.startDispatcher(c.ID)
	}
	log.Printf("[Orchestrator] Started (resumed %d running campaigns)", len(running))

	o.wg.Add(1)
	go o.schedulerLoop()
	return nil
}

// Stop signals all dispatchers and the scheduler to exit and waits for
// them to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	for _, d := range o.dispatchers {
		d.requestStop()
	}
	o.mu.Unlock()

	o.wg.Wait()
	log.Printf("[Orchestrator] Stopped")
}

// schedulerLoop launches scheduled campaigns when their time arrives.
func (o *Orchestrator) schedulerLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.launchDueCampaigns()
		}
	}
}

func (o *Orchestrator) launchDueCampaigns() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduled, err := o.store.ListCampaigns(ctx, domain.CampaignScheduled, 0, 0)
	if err != nil {
		log.Printf("[Orchestrator] Failed to list scheduled campaigns: %v", err)
		return
	}
	now := time.Now()
	for _, c := range scheduled {
		if c.ScheduledAt == nil || c.ScheduledAt.After(now) {
			continue
		}
		if err := o.Launch(ctx, c.ID); err != nil && !errors.Is(err, ErrInvalidState) {
			log.Printf("[Orchestrator] Failed to launch scheduled campaign %s: %v", c.ID, err)
		}
	}
}

// Launch validates a draft or scheduled campaign, materializes its
// messages with per-recipient send times, and starts its dispatcher.
// A campaign with no recipients completes immediately.
func (o *Orchestrator) Launch(ctx context.Context, campaignID string) error {
	c, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !c.CanLaunch() {
		return fmt.Errorf("%w: cannot launch from %s", ErrInvalidState, c.Status)
	}
	if c.Body == "" {
		return fmt.Errorf("campaign %s has no content", campaignID)
	}
	if o.adapters.For(c.Channel) == nil {
		return fmt.Errorf("campaign %s: no adapter for channel %s", campaignID, c.Channel)
	}

	recipients, err := o.store.ListRecipients(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}
	recipients = dedupeRecipients(recipients, c.Channel)

	launchable := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled}
	if len(recipients) == 0 {
		if err := o.store.UpdateCampaignStatus(ctx, campaignID, launchable, domain.CampaignCompleted); err != nil {
			return mapStatusErr(err)
		}
		log.Printf("[Orchestrator] Campaign %s has no recipients, completed immediately", campaignID)
		return nil
	}

	now := time.Now().UTC()
	window := c.EffectiveWindow()
	msgs := make([]domain.Message, 0, len(recipients))
	for i := range recipients {
		rec := &recipients[i]
		msgs = append(msgs, domain.Message{
			CampaignID:      campaignID,
			RecipientID:     rec.ID,
			Channel:         c.Channel,
			Status:          domain.MessagePending,
			ScheduledSendAt: o.optimizer.ComputeSendTime(rec, c.Type, window, now),
		})
	}
	inserted, err := o.store.CreateMessages(ctx, msgs)
	if err != nil {
		return fmt.Errorf("create messages: %w", err)
	}

	if err := o.store.UpdateCampaignStatus(ctx, campaignID, launchable, domain.CampaignRunning); err != nil {
		return mapStatusErr(err)
	}

	log.Printf("[Orchestrator] Launched campaign %s (%d recipients, %d new messages)",
		campaignID, len(recipients), inserted)
	o.startDispatcher(campaignID)
	return nil
}

// Pause moves a running campaign to paused. In-flight sends finish;
// nothing new is claimed.
func (o *Orchestrator) Pause(ctx context.Context, campaignID string) error {
	err := o.store.UpdateCampaignStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignPaused)
	if err != nil {
		return mapStatusErr(err)
	}
	o.stopDispatcher(campaignID)
	log.Printf("[Orchestrator] Paused campaign %s", campaignID)
	return nil
}

// Resume moves a paused campaign back to running and restarts its
// dispatcher. Messages whose send time passed while paused go out on the
// next tick.
func (o *Orchestrator) Resume(ctx context.Context, campaignID string) error {
	err := o.store.UpdateCampaignStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignRunning)
	if err != nil {
		return mapStatusErr(err)
	}
	log.Printf("[Orchestrator] Resumed campaign %s", campaignID)
	o.startDispatcher(campaignID)
	return nil
}

// Cancel terminally stops a campaign from any non-terminal state and
// cancels its undispatched messages. Already-sent messages keep
// receiving engagement events.
func (o *Orchestrator) Cancel(ctx context.Context, campaignID string) error {
	err := o.store.UpdateCampaignStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled,
			domain.CampaignRunning, domain.CampaignPaused},
		domain.CampaignCancelled)
	if err != nil {
		return mapStatusErr(err)
	}
	o.stopDispatcher(campaignID)

	n, err := o.store.MarkPendingCancelled(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("cancel pending messages: %w", err)
	}
	log.Printf("[Orchestrator] Cancelled campaign %s (%d messages cancelled)", campaignID, n)
	return nil
}

func mapStatusErr(err error) error {
	if errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}

// dedupeRecipients drops recipients already seen by ID or by their
// contact address for the campaign's channel. First occurrence wins.
func dedupeRecipients(recs []domain.Recipient, ch domain.ChannelType) []domain.Recipient {
	seenID := make(map[string]struct{}, len(recs))
	seenAddr := make(map[string]struct{}, len(recs))
	out := recs[:0]
	for _, r := range recs {
		if _, dup := seenID[r.ID]; dup {
			continue
		}
		seenID[r.ID] = struct{}{}
		if addr := r.AddressFor(ch); addr != "" {
			if _, dup := seenAddr[addr]; dup {
				continue
			}
			seenAddr[addr] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}

func (o *Orchestrator) startDispatcher(campaignID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	if _, exists := o.dispatchers[campaignID]; exists {
		return
	}
	d := newDispatcher(campaignID)
	o.dispatchers[campaignID] = d
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.removeDispatcher(campaignID)
		o.runDispatcher(d)
	}()
}

func (o *Orchestrator) stopDispatcher(campaignID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.dispatchers[campaignID]; ok {
		d.requestStop()
	}
}

func (o *Orchestrator) removeDispatcher(campaignID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.dispatchers, campaignID)
}

// ActiveDispatchers returns the number of live dispatcher goroutines.
func (o *Orchestrator) ActiveDispatchers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.dispatchers)
}
