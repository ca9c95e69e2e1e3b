package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Postgres implements Store against PostgreSQL via lib/pq.
type Postgres struct{ db *sql.DB }

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// Open connects to PostgreSQL and verifies the connection.
func Open(url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the schema if it does not exist. Statements are
// idempotent so this is safe to run on every startup.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			template_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			from_name TEXT NOT NULL DEFAULT '',
			from_address TEXT NOT NULL DEFAULT '',
			personalization_level TEXT NOT NULL DEFAULT 'basic',
			status TEXT NOT NULL DEFAULT 'draft',
			rate_capacity INT NOT NULL DEFAULT 0,
			rate_refill_per_minute INT NOT NULL DEFAULT 0,
			window_start_hour INT NOT NULL DEFAULT 0,
			window_end_hour INT NOT NULL DEFAULT 0,
			window_days INT[] NOT NULL DEFAULT '{}',
			scheduled_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS recipients (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			attributes JSONB NOT NULL DEFAULT '{}',
			engagement_tier TEXT NOT NULL DEFAULT 'none',
			history JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_recipients (
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			recipient_id TEXT NOT NULL REFERENCES recipients(id),
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (campaign_id, recipient_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			recipient_id TEXT NOT NULL REFERENCES recipients(id),
			channel TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			rendered_subject TEXT NOT NULL DEFAULT '',
			rendered_body TEXT NOT NULL DEFAULT '',
			opened BOOLEAN NOT NULL DEFAULT FALSE,
			clicked BOOLEAN NOT NULL DEFAULT FALSE,
			open_count INT NOT NULL DEFAULT 0,
			click_count INT NOT NULL DEFAULT 0,
			scheduled_send_at TIMESTAMPTZ NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			sent_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (campaign_id, recipient_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_due
			ON messages (campaign_id, scheduled_send_at) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id),
			campaign_id TEXT NOT NULL,
			type TEXT NOT NULL,
			provider_event_id TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (message_id, type, provider_event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_campaign ON events (campaign_id, occurred_at)`,
		`CREATE TABLE IF NOT EXISTS campaign_counters (
			campaign_id TEXT NOT NULL,
			type TEXT NOT NULL,
			value INT NOT NULL DEFAULT 0,
			PRIMARY KEY (campaign_id, type)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func weekdaysToInts(days []time.Weekday) []int64 {
	out := make([]int64, len(days))
	for i, d := range days {
		out[i] = int64(d)
	}
	return out
}

func intsToWeekdays(ints []int64) []time.Weekday {
	if len(ints) == 0 {
		return nil
	}
	out := make([]time.Weekday, len(ints))
	for i, v := range ints {
		out[i] = time.Weekday(v)
	}
	return out
}

// ---- Campaigns ----

const campaignCols = `id, name, type, channel, template_id, subject, body,
	from_name, from_address, personalization_level, status,
	rate_capacity, rate_refill_per_minute,
	window_start_hour, window_end_hour, window_days,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var days pq.Int64Array
	err := row.Scan(
		&c.ID, &c.Name, &c.Type, &c.Channel, &c.TemplateID, &c.Subject, &c.Body,
		&c.FromName, &c.FromAddress, &c.PersonalizationLevel, &c.Status,
		&c.RateLimit.Capacity, &c.RateLimit.RefillPerMinute,
		&c.Window.StartHour, &c.Window.EndHour, &days,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Window.Days = intsToWeekdays(days)
	return c, nil
}

func (s *Postgres) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, type, channel, template_id, subject, body,
			 from_name, from_address, personalization_level, status,
			 rate_capacity, rate_refill_per_minute,
			 window_start_hour, window_end_hour, window_days, scheduled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, c.ID, c.Name, c.Type, c.Channel, c.TemplateID, c.Subject, c.Body,
		c.FromName, c.FromAddress, c.PersonalizationLevel, c.Status,
		c.RateLimit.Capacity, c.RateLimit.RefillPerMinute,
		c.Window.StartHour, c.Window.EndHour, pq.Array(weekdaysToInts(c.Window.Days)),
		c.ScheduledAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (s *Postgres) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Postgres) ListCampaigns(ctx context.Context, status domain.CampaignStatus, limit, offset int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + campaignCols + ` FROM campaigns`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateCampaign(ctx context.Context, c *domain.Campaign) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			name = $2, type = $3, channel = $4, template_id = $5,
			subject = $6, body = $7, from_name = $8, from_address = $9,
			personalization_level = $10, rate_capacity = $11,
			rate_refill_per_minute = $12, window_start_hour = $13,
			window_end_hour = $14, window_days = $15, scheduled_at = $16,
			updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.Name, c.Type, c.Channel, c.TemplateID,
		c.Subject, c.Body, c.FromName, c.FromAddress,
		c.PersonalizationLevel, c.RateLimit.Capacity,
		c.RateLimit.RefillPerMinute, c.Window.StartHour,
		c.Window.EndHour, pq.Array(weekdaysToInts(c.Window.Days)), c.ScheduledAt)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) UpdateCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			status = $2,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed','cancelled','failed') AND completed_at IS NULL THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, pq.Array(fromStrs))
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// ---- Recipients ----

func (s *Postgres) AddRecipients(ctx context.Context, campaignID string, recs []domain.Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add recipients: %w", err)
	}
	defer tx.Rollback()

	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		attrs, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		history, err := json.Marshal(r.History)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		tier := r.EngagementTier
		if tier == "" {
			tier = domain.TierNone
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipients
				(id, email, phone, first_name, last_name, city, timezone,
				 attributes, engagement_tier, history)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET
				email = $2, phone = $3, first_name = $4, last_name = $5,
				city = $6, timezone = $7, attributes = $8,
				engagement_tier = $9, history = $10
		`, r.ID, r.Email, r.Phone, r.FirstName, r.LastName, r.City, r.Timezone,
			attrs, tier, history); err != nil {
			return fmt.Errorf("upsert recipient: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_recipients (campaign_id, recipient_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, campaignID, r.ID); err != nil {
			if isFKViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("attach recipient: %w", err)
		}
	}
	return tx.Commit()
}

const recipientCols = `id, email, phone, first_name, last_name, city,
	timezone, attributes, engagement_tier, history, created_at`

func scanRecipient(row interface{ Scan(...any) error }) (*domain.Recipient, error) {
	r := &domain.Recipient{}
	var attrs, history []byte
	err := row.Scan(
		&r.ID, &r.Email, &r.Phone, &r.FirstName, &r.LastName, &r.City,
		&r.Timezone, &attrs, &r.EngagementTier, &history, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &r.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return r, nil
}

func (s *Postgres) ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recipientCols+`
		FROM recipients r
		JOIN campaign_recipients cr ON cr.recipient_id = r.id
		WHERE cr.campaign_id = $1
		ORDER BY cr.added_at
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Postgres) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recipientCols+` FROM recipients WHERE id = $1`, id)
	r, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return r, nil
}

// ---- Messages ----

const messageCols = `id, campaign_id, recipient_id, channel, status,
	rendered_subject, rendered_body, opened, clicked, open_count, click_count,
	scheduled_send_at, attempt_count, last_error, provider_message_id,
	sent_at, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	m := &domain.Message{}
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.RecipientID, &m.Channel, &m.Status,
		&m.RenderedSubject, &m.RenderedBody, &m.Opened, &m.Clicked,
		&m.OpenCount, &m.ClickCount, &m.ScheduledSendAt, &m.AttemptCount,
		&m.LastError, &m.ProviderMessageID, &m.SentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Postgres) CreateMessages(ctx context.Context, msgs []domain.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("create messages: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Status == "" {
			m.Status = domain.MessagePending
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages
				(id, campaign_id, recipient_id, channel, status, scheduled_send_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (campaign_id, recipient_id) DO NOTHING
		`, m.ID, m.CampaignID, m.RecipientID, m.Channel, m.Status, m.ScheduledSendAt)
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create messages: %w", err)
	}
	return inserted, nil
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ClaimDueMessages selects due pending messages and marks them queued in a
// single transaction. FOR UPDATE SKIP LOCKED keeps concurrent dispatchers
// from claiming the same rows.
func (s *Postgres) ClaimDueMessages(ctx context.Context, campaignID string, now time.Time, limit int) ([]domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE campaign_id = $1 AND status = 'pending' AND scheduled_send_at <= $2
		ORDER BY scheduled_send_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, campaignID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}

	var claimed []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due message: %w", err)
		}
		claimed = append(claimed, *m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(claimed))
	for i := range claimed {
		ids[i] = claimed[i].ID
		claimed[i].Status = domain.MessageQueued
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = 'queued', updated_at = NOW()
		WHERE id = ANY($1)
	`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("mark queued: %w", err)
	}
	return claimed, tx.Commit()
}

func (s *Postgres) UpdateMessage(ctx context.Context, m *domain.Message) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			status = $2, rendered_subject = $3, rendered_body = $4,
			opened = $5, clicked = $6, open_count = $7, click_count = $8,
			scheduled_send_at = $9, attempt_count = $10, last_error = $11,
			provider_message_id = $12, sent_at = $13, updated_at = NOW()
		WHERE id = $1
	`, m.ID, m.Status, m.RenderedSubject, m.RenderedBody,
		m.Opened, m.Clicked, m.OpenCount, m.ClickCount,
		m.ScheduledSendAt, m.AttemptCount, m.LastError,
		m.ProviderMessageID, m.SentAt)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) RequeueMessage(ctx context.Context, id string, nextAttemptAt time.Time, attemptCount int, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			status = 'pending', scheduled_send_at = $2,
			attempt_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, nextAttemptAt, attemptCount, lastError)
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) MarkPendingCancelled(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'cancelled', updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ('pending','queued')
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Postgres) CountMessagesByStatus(ctx context.Context, campaignID string) (map[domain.MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM messages
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.MessageStatus]int)
	for rows.Next() {
		var status domain.MessageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Postgres) ListMessages(ctx context.Context, campaignID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE campaign_id = $1
		ORDER BY created_at
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ---- Events ----

func (s *Postgres) InsertEvent(ctx context.Context, e *domain.Event) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events
			(id, message_id, campaign_id, type, provider_event_id, occurred_at, received_at)
		SELECT $1, $2, m.campaign_id, $3, $4, $5, $6
		FROM messages m WHERE m.id = $2
		ON CONFLICT (message_id, type, provider_event_id) DO NOTHING
		RETURNING campaign_id
	`, e.ID, e.MessageID, e.Type, e.ProviderEventID, e.OccurredAt, e.ReceivedAt).Scan(&e.CampaignID)
	if err == sql.ErrNoRows {
		// Either a duplicate or an unknown message. Distinguish so the
		// caller can reject events for messages we never created.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, e.MessageID).Scan(&exists); err != nil {
			return false, fmt.Errorf("insert event: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return true, nil
}

// ApplyEvent applies one event's effect to its message in a single
// statement. Open/click counts are incremented in place rather than
// read-modify-written, and status advances are guarded on the allowed
// predecessor set, so concurrent callbacks cannot lose updates or move
// a message backwards.
func (s *Postgres) ApplyEvent(ctx context.Context, messageID string, typ domain.EventType) error {
	var res sql.Result
	var err error
	switch typ {
	case domain.EventOpened:
		res, err = s.db.ExecContext(ctx, `
			UPDATE messages SET
				opened = TRUE, open_count = open_count + 1, updated_at = NOW()
			WHERE id = $1
		`, messageID)
	case domain.EventClicked:
		res, err = s.db.ExecContext(ctx, `
			UPDATE messages SET
				clicked = TRUE, click_count = click_count + 1, updated_at = NOW()
			WHERE id = $1
		`, messageID)
	default:
		next := domain.StatusForEvent(typ)
		if next == "" {
			return nil
		}
		sources := domain.TransitionSources(next)
		from := make([]string, len(sources))
		for i, f := range sources {
			from[i] = string(f)
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE messages SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3)
		`, messageID, next, pq.Array(from))
	}
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
			return fmt.Errorf("apply event: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		// Stale status fact: the message already moved past this transition
	}
	return nil
}

func (s *Postgres) EventsForCampaign(ctx context.Context, campaignID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, type, provider_event_id, occurred_at, received_at
		FROM events
		WHERE campaign_id = $1
		ORDER BY received_at, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("events for campaign: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Type, &e.ProviderEventID,
			&e.OccurredAt, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CampaignID = campaignID
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Counters ----

func (s *Postgres) IncrementCounter(ctx context.Context, campaignID string, typ domain.EventType, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_counters (campaign_id, type, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id, type)
		DO UPDATE SET value = campaign_counters.value + EXCLUDED.value
	`, campaignID, typ, delta)
	if err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

func (s *Postgres) GetCounters(ctx context.Context, campaignID string) (map[domain.EventType]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, value FROM campaign_counters WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get counters: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EventType]int)
	for rows.Next() {
		var typ domain.EventType
		var v int
		if err := rows.Scan(&typ, &v); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out[typ] = v
	}
	return out, rows.Err()
}

func (s *Postgres) ResetCounters(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM campaign_counters WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	return nil
}

func isFKViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23503"
	}
	return false
}
