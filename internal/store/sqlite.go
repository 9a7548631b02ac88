package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN so
// that concurrent claimers all wait on the write lock instead of failing.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range sqlitePragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if strings.Contains(path, ":memory:") {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS campaigns (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	messages_per_week  INTEGER NOT NULL DEFAULT 0,
	min_interval_hours INTEGER NOT NULL DEFAULT 0,
	cold_days          INTEGER NOT NULL DEFAULT 0,
	warm_days          INTEGER NOT NULL DEFAULT 0,
	hot_days           INTEGER NOT NULL DEFAULT 0,
	quiet_start        TEXT NOT NULL DEFAULT '',
	quiet_end          TEXT NOT NULL DEFAULT '',
	timezone           TEXT NOT NULL DEFAULT '',
	priority_channel   TEXT NOT NULL,
	fallback_channels  TEXT NOT NULL DEFAULT '[]',
	whatsapp_instance  TEXT NOT NULL DEFAULT '',
	agent_prompt       TEXT NOT NULL DEFAULT '',
	max_contacts       INTEGER NOT NULL DEFAULT 0,
	is_active          INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id                TEXT PRIMARY KEY,
	campaign_id       TEXT NOT NULL REFERENCES campaigns(id),
	lead_id           TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	external_code     TEXT NOT NULL DEFAULT '',
	timezone          TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT 'manual',
	temperature       TEXT NOT NULL DEFAULT 'cold',
	contact_count     INTEGER NOT NULL DEFAULT 0,
	response_count    INTEGER NOT NULL DEFAULT 0,
	last_contact_at   DATETIME,
	next_scheduled_at DATETIME NOT NULL,
	status            TEXT NOT NULL DEFAULT 'active',
	pause_reason      TEXT NOT NULL DEFAULT '',
	message_status    TEXT NOT NULL DEFAULT 'pending',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	next_retry_at     DATETIME,
	last_error        TEXT NOT NULL DEFAULT '',
	claimed_at        DATETIME,
	claimed_from      TEXT NOT NULL DEFAULT '',
	claim_token       TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	UNIQUE (campaign_id, lead_id)
);

CREATE INDEX IF NOT EXISTS idx_participants_due ON participants(campaign_id, status, next_scheduled_at);
CREATE INDEX IF NOT EXISTS idx_participants_retry ON participants(message_status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_participants_lead ON participants(lead_id);

CREATE TABLE IF NOT EXISTS message_history (
	id                  TEXT PRIMARY KEY,
	participant_id      TEXT NOT NULL,
	campaign_id         TEXT NOT NULL,
	channel             TEXT NOT NULL,
	body                TEXT NOT NULL DEFAULT '',
	outcome             TEXT NOT NULL,
	provider_message_id TEXT NOT NULL DEFAULT '',
	error               TEXT NOT NULL DEFAULT '',
	fallback            INTEGER NOT NULL DEFAULT 0,
	attempted_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_history_participant ON message_history(participant_id, attempted_at);

CREATE TABLE IF NOT EXISTS lead_states (
	lead_id       TEXT PRIMARY KEY,
	activity_code TEXT UNIQUE,
	funnel_id     TEXT NOT NULL DEFAULT '',
	current_stage TEXT NOT NULL DEFAULT '',
	stage_code    INTEGER NOT NULL DEFAULT 0,
	temperature   TEXT NOT NULL DEFAULT '',
	owner_lock    INTEGER NOT NULL DEFAULT 0,
	owner_id      TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_stage_history (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL,
	from_stage TEXT NOT NULL DEFAULT '',
	to_stage   TEXT NOT NULL,
	from_code  INTEGER NOT NULL DEFAULT 0,
	to_code    INTEGER NOT NULL DEFAULT 0,
	source     TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT '',
	changed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lead_stage_history_lead ON lead_stage_history(lead_id, changed_at);

CREATE TABLE IF NOT EXISTS sync_tasks (
	id              TEXT PRIMARY KEY,
	lead_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	owner_id        TEXT NOT NULL DEFAULT '',
	stage           TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME NOT NULL,
	locked_at       DATETIME,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_tasks_due ON sync_tasks(status, next_attempt_at);
`

const participantCols = `id, campaign_id, lead_id, name, phone, email, external_code, timezone, source,
	temperature, contact_count, response_count, last_contact_at, next_scheduled_at,
	status, pause_reason, message_status, retry_count, next_retry_at, last_error,
	claimed_at, claimed_from, created_at, updated_at`

// duePredicate selects active participants whose next message is due.
const sqliteDuePredicate = `status = 'active' AND next_scheduled_at <= ?
	AND (message_status IN ('pending', 'sent')
	     OR (message_status = 'failed' AND retry_count < ? AND next_retry_at <= ?))`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Campaigns

func (s *SQLiteStore) UpsertCampaign(ctx context.Context, c *model.Campaign) error {
	fallbacks, err := marshalChannels(c.FallbackChannels)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert campaign")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, messages_per_week, min_interval_hours, cold_days, warm_days, hot_days,
			quiet_start, quiet_end, timezone, priority_channel, fallback_channels, whatsapp_instance,
			agent_prompt, max_contacts, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, messages_per_week = excluded.messages_per_week,
			min_interval_hours = excluded.min_interval_hours, cold_days = excluded.cold_days,
			warm_days = excluded.warm_days, hot_days = excluded.hot_days,
			quiet_start = excluded.quiet_start, quiet_end = excluded.quiet_end,
			timezone = excluded.timezone, priority_channel = excluded.priority_channel,
			fallback_channels = excluded.fallback_channels, whatsapp_instance = excluded.whatsapp_instance,
			agent_prompt = excluded.agent_prompt, max_contacts = excluded.max_contacts,
			is_active = excluded.is_active, updated_at = excluded.updated_at`,
		c.ID, c.Name, c.MessagesPerWeek, c.MinIntervalHours, c.ColdDays, c.WarmDays, c.HotDays,
		c.QuietHours.Start, c.QuietHours.End, c.Timezone, string(c.PriorityChannel), string(fallbacks),
		c.WhatsAppInstance, c.AgentPrompt, c.MaxContacts, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert campaign %s", c.ID)
}

const campaignCols = `id, name, messages_per_week, min_interval_hours, cold_days, warm_days, hot_days,
	quiet_start, quiet_end, timezone, priority_channel, fallback_channels, whatsapp_instance,
	agent_prompt, max_contacts, is_active, created_at, updated_at`

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanSQLiteCampaign(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "campaign %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get campaign %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListCampaigns(ctx context.Context, activeOnly bool) ([]model.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list campaigns")
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanSQLiteCampaign(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list campaigns iterate")
}

func (s *SQLiteStore) SetCampaignActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set campaign active %s", id)
	}
	return checkRowsAffected(res, "campaign", id)
}

// Participants

func (s *SQLiteStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	prepareParticipant(p, time.Now().UTC())
	_, err := s.db.ExecContext(ctx, insertParticipantSQLite, participantArgs(p)...)
	return eris.Wrapf(err, "sqlite: insert participant %s", p.ID)
}

const insertParticipantSQLite = `INSERT INTO participants (id, campaign_id, lead_id, name, phone, email,
	external_code, timezone, source, temperature, next_scheduled_at, status, pause_reason, message_status,
	created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func participantArgs(p *model.Participant) []any {
	return []any{
		p.ID, p.CampaignID, p.LeadID, p.Name, p.Phone, p.Email, p.ExternalCode, p.Timezone,
		string(p.Source), string(p.Temperature), p.NextScheduledAt, string(p.Status),
		string(p.PauseReason), string(p.MessageStatus), p.CreatedAt, p.UpdatedAt,
	}
}

func (s *SQLiteStore) BulkCreateParticipants(ctx context.Context, ps []model.Participant) (int, error) {
	if len(ps) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bulk participants begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, insertParticipantSQLite+` ON CONFLICT (campaign_id, lead_id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bulk participants prepare")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for i := range ps {
		prepareParticipant(&ps[i], now)
		res, err := stmt.ExecContext(ctx, participantArgs(&ps[i])...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: bulk insert participant %s", ps[i].ID)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: bulk participants commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantCols+` FROM participants WHERE id = ?`, id)
	p, err := scanSQLiteParticipant(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "participant %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get participant %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, filter model.ParticipantFilter) ([]model.Participant, error) {
	query := `SELECT ` + participantCols + ` FROM participants WHERE 1=1`
	var args []any

	if filter.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, filter.CampaignID)
	}
	if filter.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.MessageStatus != "" {
		query += ` AND message_status = ?`
		args = append(args, string(filter.MessageStatus))
	}
	if filter.TerminalFailed {
		query += ` AND message_status = 'failed' AND retry_count >= ?`
		args = append(args, model.MaxRetries)
	}

	query += ` ORDER BY next_scheduled_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	return s.queryParticipants(ctx, "list participants", query, args...)
}

func (s *SQLiteStore) queryParticipants(ctx context.Context, op, query string, args ...any) ([]model.Participant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanSQLiteParticipant(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		out = append(out, *p)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) DeleteParticipant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete participant %s", id)
	}
	return checkRowsAffected(res, "participant", id)
}

func (s *SQLiteStore) TransitionParticipant(ctx context.Context, id string, change StatusChange) (bool, error) {
	n, err := s.transition(ctx, "id", id, change)
	return n > 0, err
}

func (s *SQLiteStore) TransitionCampaign(ctx context.Context, campaignID string, change StatusChange) (int, error) {
	return s.transition(ctx, "campaign_id", campaignID, change)
}

func (s *SQLiteStore) TransitionLead(ctx context.Context, leadID string, change StatusChange) (int, error) {
	return s.transition(ctx, "lead_id", leadID, change)
}

func (s *SQLiteStore) transition(ctx context.Context, keyCol, key string, change StatusChange) (int, error) {
	if err := model.CheckTransition(change.From, change.To); err != nil {
		return 0, err
	}
	query := `UPDATE participants SET status = ?, pause_reason = ?, updated_at = ?
		WHERE ` + keyCol + ` = ? AND status = ?`
	args := []any{string(change.To), string(change.Reason), time.Now().UTC(), key, string(change.From)}
	if change.OnlyReason != nil {
		query += ` AND pause_reason = ?`
		args = append(args, string(*change.OnlyReason))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: transition participants by %s %s", keyCol, key)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ResetParticipant(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET message_status = 'pending', retry_count = 0, next_retry_at = NULL,
			last_error = '', next_scheduled_at = ?, updated_at = ?
		 WHERE id = ? AND message_status != 'processing'`,
		now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset participant %s", id)
	}
	return checkRowsAffected(res, "participant", id)
}

func (s *SQLiteStore) RecordResponse(ctx context.Context, id string, temp model.Temperature) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET response_count = response_count + 1, temperature = ?, updated_at = ? WHERE id = ?`,
		string(temp), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record response %s", id)
	}
	return checkRowsAffected(res, "participant", id)
}

// Dispatch claim/commit

func (s *SQLiteStore) ListDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Participant, error) {
	now = now.UTC()
	return s.queryParticipants(ctx, "list due",
		`SELECT `+participantCols+` FROM participants
		 WHERE campaign_id = ? AND `+sqliteDuePredicate+`
		 ORDER BY next_scheduled_at ASC LIMIT ?`,
		campaignID, now, model.MaxRetries, now, dueLimit(limit),
	)
}

func (s *SQLiteStore) CountDue(ctx context.Context, campaignID string, now time.Time) (int, error) {
	now = now.UTC()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE campaign_id = ? AND `+sqliteDuePredicate,
		campaignID, now, model.MaxRetries, now,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count due")
}

func (s *SQLiteStore) Claim(ctx context.Context, id string, now time.Time) (*model.Participant, error) {
	now = now.UTC()
	token := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants
		 SET message_status = 'processing', claimed_from = message_status, claimed_at = ?,
		     claim_token = ?, updated_at = ?
		 WHERE id = ? AND `+sqliteDuePredicate,
		now, token, now, id, now, model.MaxRetries, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim participant %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE id = ? AND claim_token = ?`, id, token)
	p, err := scanSQLiteParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read claimed participant %s", id)
	}
	p.ClaimToken = token
	return p, nil
}

func (s *SQLiteStore) CommitSend(ctx context.Context, id, token string, c model.SendCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit send begin")
	}
	defer tx.Rollback() //nolint:errcheck

	at := c.At.UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE participants
		 SET message_status = 'sent', contact_count = contact_count + 1, last_contact_at = ?,
		     retry_count = 0, next_retry_at = NULL, last_error = '', next_scheduled_at = ?,
		     status = CASE WHEN ? AND status = 'active' THEN 'completed' ELSE status END,
		     claimed_at = NULL, claimed_from = '', claim_token = '', updated_at = ?
		 WHERE id = ? AND message_status = 'processing' AND claim_token = ?`,
		at, c.NextScheduledAt.UTC(), c.Complete, at, id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: commit send %s", id)
	}
	if err := claimHeld(res, id); err != nil {
		return err
	}
	if err := insertHistorySQLite(ctx, tx, c.History); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit send")
}

func (s *SQLiteStore) CommitFailure(ctx context.Context, id, token string, c model.FailureCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit failure begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE participants
		 SET message_status = 'failed', retry_count = ?, next_retry_at = ?, last_error = ?,
		     claimed_at = NULL, claimed_from = '', claim_token = '', updated_at = ?
		 WHERE id = ? AND message_status = 'processing' AND claim_token = ?`,
		c.RetryCount, utcPtr(c.NextRetryAt), c.LastError, time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: commit failure %s", id)
	}
	if err := claimHeld(res, id); err != nil {
		return err
	}
	if err := insertHistorySQLite(ctx, tx, c.History); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit failure")
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, id, token string, r model.ClaimRelease) error {
	sets := []string{
		`message_status = CASE WHEN claimed_from = '' THEN 'pending' ELSE claimed_from END`,
		`claimed_at = NULL`, `claimed_from = ''`, `claim_token = ''`, `updated_at = ?`,
	}
	args := []any{time.Now().UTC()}
	if r.NextScheduledAt != nil {
		sets = append(sets, `next_scheduled_at = ?`)
		args = append(args, r.NextScheduledAt.UTC())
	}
	if r.NextRetryAt != nil {
		sets = append(sets, `next_retry_at = ?`)
		args = append(args, r.NextRetryAt.UTC())
	}
	if r.Status != "" {
		sets = append(sets, `status = ?`, `pause_reason = ?`)
		args = append(args, string(r.Status), string(r.PauseReason))
	}
	if r.Note != "" {
		sets = append(sets, `last_error = ?`)
		args = append(args, r.Note)
	}
	args = append(args, id, token)

	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET `+strings.Join(sets, ", ")+
			` WHERE id = ? AND message_status = 'processing' AND claim_token = ?`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release claim %s", id)
	}
	return claimHeld(res, id)
}

func (s *SQLiteStore) ReclaimStale(ctx context.Context, campaignID string, staleBefore time.Time) (int, error) {
	query := `UPDATE participants
		SET message_status = 'pending', claimed_at = NULL, claimed_from = '', claim_token = '', updated_at = ?
		WHERE message_status = 'processing' AND claimed_at < ?`
	args := []any{time.Now().UTC(), staleBefore.UTC()}
	if campaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, campaignID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reclaim stale")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountByMessageStatus(ctx context.Context, campaignID string) (map[model.MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_status, COUNT(*) FROM participants WHERE campaign_id = ? GROUP BY message_status`,
		campaignID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by message status")
	}
	defer rows.Close()

	counts := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message status count")
		}
		counts[model.MessageStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by message status iterate")
}

func (s *SQLiteStore) ListMessages(ctx context.Context, participantID string) ([]model.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant_id, campaign_id, channel, body, outcome, provider_message_id, error, fallback, attempted_at
		 FROM message_history WHERE participant_id = ? ORDER BY attempted_at ASC, id ASC`,
		participantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list messages")
	}
	defer rows.Close()

	var out []model.MessageRecord
	for rows.Next() {
		var m model.MessageRecord
		var channel, outcome string
		if err := rows.Scan(&m.ID, &m.ParticipantID, &m.CampaignID, &channel, &m.Body, &outcome,
			&m.ProviderMessageID, &m.Error, &m.Fallback, &m.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		m.Channel = model.Channel(channel)
		m.Outcome = model.AttemptOutcome(outcome)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list messages iterate")
}

// Lead state

const leadCols = `lead_id, activity_code, funnel_id, current_stage, stage_code, temperature,
	owner_lock, owner_id, created_at, updated_at`

func (s *SQLiteStore) GetLeadState(ctx context.Context, leadID string) (*model.LeadState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadCols+` FROM lead_states WHERE lead_id = ?`, leadID)
	l, err := scanSQLiteLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead state %s", leadID)
	}
	return l, nil
}

func (s *SQLiteStore) EnsureLeadState(ctx context.Context, l model.LeadState) (*model.LeadState, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_states (lead_id, activity_code, funnel_id, current_stage, stage_code, temperature,
			owner_lock, owner_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		 ON CONFLICT (lead_id) DO UPDATE SET
			activity_code = COALESCE(lead_states.activity_code, excluded.activity_code),
			funnel_id = CASE WHEN lead_states.funnel_id = '' THEN excluded.funnel_id ELSE lead_states.funnel_id END`,
		l.LeadID, nullString(l.ActivityCode), l.FunnelID, l.CurrentStage, l.StageCode,
		string(l.Temperature), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure lead state %s", l.LeadID)
	}
	got, err := s.GetLeadState(ctx, l.LeadID)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, eris.Wrapf(ErrNotFound, "lead state %s", l.LeadID)
	}
	return got, nil
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, leadID, userID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lead_states SET owner_lock = 1, owner_id = ?, updated_at = ?
		 WHERE lead_id = ? AND (owner_lock = 0 OR owner_id = ?)`,
		userID, now.UTC(), leadID, userID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", leadID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, leadID, userID string, force bool, now time.Time) (bool, error) {
	query := `UPDATE lead_states SET owner_lock = 0, owner_id = '', updated_at = ?
		WHERE lead_id = ? AND owner_lock = 1`
	args := []any{now.UTC(), leadID}
	if !force {
		query += ` AND owner_id = ?`
		args = append(args, userID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: release lock %s", leadID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SetLeadStage(ctx context.Context, change model.StageChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: set lead stage begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}
	if change.ID == "" {
		change.ID = uuid.New().String()
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE lead_states SET current_stage = ?, stage_code = ?, updated_at = ? WHERE lead_id = ?`,
		change.ToStage, change.ToCode, change.ChangedAt.UTC(), change.LeadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set lead stage %s", change.LeadID)
	}
	if err := checkRowsAffected(res, "lead state", change.LeadID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO lead_stage_history (id, lead_id, from_stage, to_stage, from_code, to_code, source, note, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.LeadID, change.FromStage, change.ToStage, change.FromCode, change.ToCode,
		change.Source, change.Note, change.ChangedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert stage history %s", change.LeadID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: set lead stage commit")
}

func (s *SQLiteStore) ListStageHistory(ctx context.Context, leadID string) ([]model.StageChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, from_stage, to_stage, from_code, to_code, source, note, changed_at
		 FROM lead_stage_history WHERE lead_id = ? ORDER BY changed_at ASC, id ASC`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage history")
	}
	defer rows.Close()

	var out []model.StageChange
	for rows.Next() {
		var c model.StageChange
		if err := rows.Scan(&c.ID, &c.LeadID, &c.FromStage, &c.ToStage, &c.FromCode, &c.ToCode,
			&c.Source, &c.Note, &c.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage change")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stage history iterate")
}

// CRM sync outbox

const syncCols = `id, lead_id, kind, owner_id, stage, status, attempts, next_attempt_at, locked_at,
	last_error, created_at, updated_at`

func (s *SQLiteStore) EnqueueSync(ctx context.Context, t *model.SyncTask) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = now
	}
	t.Status = model.SyncQueued
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_tasks (id, lead_id, kind, owner_id, stage, status, attempts, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		t.ID, t.LeadID, string(t.Kind), t.OwnerID, t.Stage, string(t.Status),
		t.NextAttemptAt.UTC(), now, now,
	)
	return eris.Wrapf(err, "sqlite: enqueue sync %s", t.LeadID)
}

func (s *SQLiteStore) ClaimSyncTasks(ctx context.Context, now time.Time, limit int) ([]model.SyncTask, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncCols+` FROM sync_tasks
		 WHERE status = 'queued' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, created_at ASC LIMIT ?`,
		now, dueLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select sync tasks")
	}
	var candidates []model.SyncTask
	for rows.Next() {
		t, err := scanSQLiteSync(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan sync task")
		}
		candidates = append(candidates, *t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: select sync tasks iterate")
	}
	rows.Close()

	var claimed []model.SyncTask
	for _, t := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sync_tasks SET status = 'sending', attempts = attempts + 1, locked_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'queued'`,
			now, now, t.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim sync task %s", t.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		t.Status = model.SyncSending
		t.Attempts++
		lockedAt := now
		t.LockedAt = &lockedAt
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (s *SQLiteStore) CompleteSync(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'done', locked_at = NULL, last_error = '', updated_at = ? WHERE id = ?`,
		now.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete sync %s", id)
	}
	return checkRowsAffected(res, "sync task", id)
}

func (s *SQLiteStore) FailSync(ctx context.Context, id, lastErr string, next time.Time, dead bool) error {
	status := model.SyncQueued
	if dead {
		status = model.SyncDead
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(status), lastErr, next.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail sync %s", id)
	}
	return checkRowsAffected(res, "sync task", id)
}

func (s *SQLiteStore) RequeueStaleSync(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'queued', locked_at = NULL, updated_at = ?
		 WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue stale sync")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func claimHeld(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrClaimLost, "participant %s", id)
	}
	return nil
}

func insertHistorySQLite(ctx context.Context, tx *sql.Tx, history []model.MessageRecord) error {
	for _, m := range history {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO message_history (id, participant_id, campaign_id, channel, body, outcome,
				provider_message_id, error, fallback, attempted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ParticipantID, m.CampaignID, string(m.Channel), m.Body, string(m.Outcome),
			m.ProviderMessageID, m.Error, m.Fallback, m.AttemptedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert message history %s", m.ParticipantID)
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteParticipant(row scannable) (*model.Participant, error) {
	var p model.Participant
	var source, temp, status, reason, msgStatus, claimedFrom string
	var lastContact, nextRetry, claimedAt sql.NullTime

	err := row.Scan(&p.ID, &p.CampaignID, &p.LeadID, &p.Name, &p.Phone, &p.Email, &p.ExternalCode,
		&p.Timezone, &source, &temp, &p.ContactCount, &p.ResponseCount, &lastContact,
		&p.NextScheduledAt, &status, &reason, &msgStatus, &p.RetryCount, &nextRetry, &p.LastError,
		&claimedAt, &claimedFrom, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Source = model.EnrollmentSource(source)
	p.Temperature = model.Temperature(temp)
	p.Status = model.ParticipantStatus(status)
	p.PauseReason = model.PauseReason(reason)
	p.MessageStatus = model.MessageStatus(msgStatus)
	p.ClaimedFrom = model.MessageStatus(claimedFrom)
	p.LastContactAt = fromNullTime(lastContact)
	p.NextRetryAt = fromNullTime(nextRetry)
	p.ClaimedAt = fromNullTime(claimedAt)
	p.NextScheduledAt = p.NextScheduledAt.UTC()
	return &p, nil
}

func scanSQLiteCampaign(row scannable) (*model.Campaign, error) {
	var c model.Campaign
	var priority, fallbacks string
	err := row.Scan(&c.ID, &c.Name, &c.MessagesPerWeek, &c.MinIntervalHours, &c.ColdDays, &c.WarmDays,
		&c.HotDays, &c.QuietHours.Start, &c.QuietHours.End, &c.Timezone, &priority, &fallbacks,
		&c.WhatsAppInstance, &c.AgentPrompt, &c.MaxContacts, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PriorityChannel = model.Channel(priority)
	c.FallbackChannels, err = unmarshalChannels([]byte(fallbacks))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSQLiteLead(row scannable) (*model.LeadState, error) {
	var l model.LeadState
	var activity sql.NullString
	var temp string
	err := row.Scan(&l.LeadID, &activity, &l.FunnelID, &l.CurrentStage, &l.StageCode, &temp,
		&l.OwnerLock, &l.OwnerID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.ActivityCode = activity.String
	l.Temperature = model.Temperature(temp)
	return &l, nil
}

func scanSQLiteSync(row scannable) (*model.SyncTask, error) {
	var t model.SyncTask
	var kind, status string
	var lockedAt sql.NullTime
	err := row.Scan(&t.ID, &t.LeadID, &kind, &t.OwnerID, &t.Stage, &status, &t.Attempts,
		&t.NextAttemptAt, &lockedAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = model.SyncKind(kind)
	t.Status = model.SyncStatus(status)
	t.LockedAt = fromNullTime(lockedAt)
	return &t, nil
}
