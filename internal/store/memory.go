package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Memory is an in-memory Store used by tests and the dev server.
// All data is held behind a single mutex; values are copied in and out
// so callers never share memory with the store.
type Memory struct {
	mu sync.RWMutex

	campaigns      map[string]domain.Campaign
	recipients     map[string]domain.Recipient
	campaignRecips map[string][]string // campaignID -> ordered recipient IDs
	messages       map[string]domain.Message
	msgByPair      map[string]string   // campaignID|recipientID -> messageID
	msgsByCampaign map[string][]string // campaignID -> ordered message IDs
	eventKeys      map[string]struct{}
	events         map[string][]domain.Event // campaignID -> ordered events
	counters       map[string]map[domain.EventType]int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		campaigns:      make(map[string]domain.Campaign),
		recipients:     make(map[string]domain.Recipient),
		campaignRecips: make(map[string][]string),
		messages:       make(map[string]domain.Message),
		msgByPair:      make(map[string]string),
		msgsByCampaign: make(map[string][]string),
		eventKeys:      make(map[string]struct{}),
		events:         make(map[string][]domain.Event),
		counters:       make(map[string]map[domain.EventType]int),
	}
}

func pairKey(campaignID, recipientID string) string {
	return campaignID + "|" + recipientID
}

// ---- Campaigns ----

func (s *Memory) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	s.campaigns[c.ID] = *c
	return nil
}

func (s *Memory) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *Memory) ListCampaigns(ctx context.Context, status domain.CampaignStatus, limit, offset int) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Campaign
	for _, c := range s.campaigns {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) UpdateCampaign(ctx context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	s.campaigns[c.ID] = *c
	return nil
}

func (s *Memory) UpdateCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if c.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case domain.CampaignRunning:
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
	case domain.CampaignCompleted, domain.CampaignCancelled, domain.CampaignFailed:
		if c.CompletedAt == nil {
			c.CompletedAt = &now
		}
	}
	s.campaigns[id] = c
	return nil
}

// ---- Recipients ----

func (s *Memory) AddRecipients(ctx context.Context, campaignID string, recs []domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[campaignID]; !ok {
		return ErrNotFound
	}
	attached := make(map[string]struct{}, len(s.campaignRecips[campaignID]))
	for _, id := range s.campaignRecips[campaignID] {
		attached[id] = struct{}{}
	}
	for i := range recs {
		r := recs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
			recs[i].ID = r.ID
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		s.recipients[r.ID] = r
		if _, ok := attached[r.ID]; !ok {
			s.campaignRecips[campaignID] = append(s.campaignRecips[campaignID], r.ID)
			attached[r.ID] = struct{}{}
		}
	}
	return nil
}

func (s *Memory) ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.campaignRecips[campaignID]
	out := make([]domain.Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.recipients[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Memory) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.recipients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// ---- Messages ----

func (s *Memory) CreateMessages(ctx context.Context, msgs []domain.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	now := time.Now().UTC()
	for i := range msgs {
		m := msgs[i]
		key := pairKey(m.CampaignID, m.RecipientID)
		if _, ok := s.msgByPair[key]; ok {
			continue
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
			msgs[i].ID = m.ID
		}
		if m.Status == "" {
			m.Status = domain.MessagePending
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		s.messages[m.ID] = m
		s.msgByPair[key] = m.ID
		s.msgsByCampaign[m.CampaignID] = append(s.msgsByCampaign[m.CampaignID], m.ID)
		inserted++
	}
	return inserted, nil
}

func (s *Memory) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *Memory) ClaimDueMessages(ctx context.Context, campaignID string, now time.Time, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Message
	for _, id := range s.msgsByCampaign[campaignID] {
		m := s.messages[id]
		if m.Status == domain.MessagePending && !m.ScheduledSendAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledSendAt.Before(due[j].ScheduledSendAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = domain.MessageQueued
		due[i].UpdatedAt = time.Now().UTC()
		s.messages[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Memory) UpdateMessage(ctx context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID]; !ok {
		return ErrNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	s.messages[m.ID] = *m
	return nil
}

func (s *Memory) RequeueMessage(ctx context.Context, id string, nextAttemptAt time.Time, attemptCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = domain.MessagePending
	m.ScheduledSendAt = nextAttemptAt
	m.AttemptCount = attemptCount
	m.LastError = lastError
	m.UpdatedAt = time.Now().UTC()
	s.messages[id] = m
	return nil
}

func (s *Memory) MarkPendingCancelled(ctx context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.msgsByCampaign[campaignID] {
		m := s.messages[id]
		if m.Status == domain.MessagePending || m.Status == domain.MessageQueued {
			m.Status = domain.MessageCancelled
			m.UpdatedAt = time.Now().UTC()
			s.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountMessagesByStatus(ctx context.Context, campaignID string) (map[domain.MessageStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.MessageStatus]int)
	for _, id := range s.msgsByCampaign[campaignID] {
		out[s.messages[id].Status]++
	}
	return out, nil
}

func (s *Memory) ListMessages(ctx context.Context, campaignID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.msgsByCampaign[campaignID]
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	return out, nil
}

// ---- Events ----

func (s *Memory) InsertEvent(ctx context.Context, e *domain.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[e.MessageID]
	if !ok {
		return false, ErrNotFound
	}
	key := e.DedupKey()
	if _, dup := s.eventKeys[key]; dup {
		return false, nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	e.CampaignID = m.CampaignID
	s.eventKeys[key] = struct{}{}
	s.events[m.CampaignID] = append(s.events[m.CampaignID], *e)
	return true, nil
}

func (s *Memory) ApplyEvent(ctx context.Context, messageID string, typ domain.EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	switch typ {
	case domain.EventOpened:
		m.Opened = true
		m.OpenCount++
	case domain.EventClicked:
		m.Clicked = true
		m.ClickCount++
	default:
		next := domain.StatusForEvent(typ)
		if next == "" || !domain.CanTransition(m.Status, next) {
			// Stale status fact: the message already moved past it
			return nil
		}
		m.Status = next
	}
	m.UpdatedAt = time.Now().UTC()
	s.messages[messageID] = m
	return nil
}

func (s *Memory) EventsForCampaign(ctx context.Context, campaignID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[campaignID]
	out := make([]domain.Event, len(evs))
	copy(out, evs)
	return out, nil
}

// ---- Counters ----

func (s *Memory) IncrementCounter(ctx context.Context, campaignID string, typ domain.EventType, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counters[campaignID] == nil {
		s.counters[campaignID] = make(map[domain.EventType]int)
	}
	s.counters[campaignID][typ] += delta
	return nil
}

func (s *Memory) GetCounters(ctx context.Context, campaignID string) (map[domain.EventType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.EventType]int, len(s.counters[campaignID]))
	for k, v := range s.counters[campaignID] {
		out[k] = v
	}
	return out, nil
}

func (s *Memory) ResetCounters(ctx context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, campaignID)
	return nil
}
