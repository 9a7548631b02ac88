package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/db"
	"github.com/sells-group/prospect-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgDuePredicate = `status = 'active' AND next_scheduled_at <= $2
	AND (message_status IN ('pending', 'sent')
	     OR (message_status = 'failed' AND retry_count < $3 AND next_retry_at <= $2))`

const pgClaimSQL = `UPDATE participants
	SET message_status = 'processing', claimed_from = message_status, claimed_at = $2,
	    claim_token = $4, updated_at = $2
	WHERE id = $1 AND ` + pgDuePredicate + `
	RETURNING ` + participantCols

const pgListDueSQL = `SELECT ` + participantCols + ` FROM participants
	WHERE campaign_id = $1 AND ` + pgDuePredicate + `
	ORDER BY next_scheduled_at ASC LIMIT $4`

// preparedStatements lists the dispatch hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"claim_participant": pgClaimSQL,
	"list_due":          pgListDueSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// Tables may not exist yet on a fresh database; skip preparation then.
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT to_regclass('participants') IS NOT NULL`).Scan(&exists); err != nil || !exists {
			return nil
		}
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
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
	fallback_channels  JSONB NOT NULL DEFAULT '[]',
	whatsapp_instance  TEXT NOT NULL DEFAULT '',
	agent_prompt       TEXT NOT NULL DEFAULT '',
	max_contacts       INTEGER NOT NULL DEFAULT 0,
	is_active          BOOLEAN NOT NULL DEFAULT true,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS participants (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	last_contact_at   TIMESTAMPTZ,
	next_scheduled_at TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL DEFAULT 'active',
	pause_reason      TEXT NOT NULL DEFAULT '',
	message_status    TEXT NOT NULL DEFAULT 'pending',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	next_retry_at     TIMESTAMPTZ,
	last_error        TEXT NOT NULL DEFAULT '',
	claimed_at        TIMESTAMPTZ,
	claimed_from      TEXT NOT NULL DEFAULT '',
	claim_token       TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (campaign_id, lead_id)
);

CREATE INDEX IF NOT EXISTS idx_participants_due ON participants(campaign_id, status, next_scheduled_at);
CREATE INDEX IF NOT EXISTS idx_participants_retry ON participants(message_status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_participants_lead ON participants(lead_id);

CREATE TABLE IF NOT EXISTS message_history (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	participant_id      TEXT NOT NULL,
	campaign_id         TEXT NOT NULL,
	channel             TEXT NOT NULL,
	body                TEXT NOT NULL DEFAULT '',
	outcome             TEXT NOT NULL,
	provider_message_id TEXT NOT NULL DEFAULT '',
	error               TEXT NOT NULL DEFAULT '',
	fallback            BOOLEAN NOT NULL DEFAULT false,
	attempted_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_message_history_participant ON message_history(participant_id, attempted_at);

CREATE TABLE IF NOT EXISTS lead_states (
	lead_id       TEXT PRIMARY KEY,
	activity_code TEXT UNIQUE,
	funnel_id     TEXT NOT NULL DEFAULT '',
	current_stage TEXT NOT NULL DEFAULT '',
	stage_code    INTEGER NOT NULL DEFAULT 0,
	temperature   TEXT NOT NULL DEFAULT '',
	owner_lock    BOOLEAN NOT NULL DEFAULT false,
	owner_id      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lead_stage_history (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lead_id    TEXT NOT NULL,
	from_stage TEXT NOT NULL DEFAULT '',
	to_stage   TEXT NOT NULL,
	from_code  INTEGER NOT NULL DEFAULT 0,
	to_code    INTEGER NOT NULL DEFAULT 0,
	source     TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT '',
	changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lead_stage_history_lead ON lead_stage_history(lead_id, changed_at);

CREATE TABLE IF NOT EXISTS sync_tasks (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lead_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	owner_id        TEXT NOT NULL DEFAULT '',
	stage           TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_at       TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sync_tasks_due ON sync_tasks(status, next_attempt_at);
`

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Campaigns

func (s *PostgresStore) UpsertCampaign(ctx context.Context, c *model.Campaign) error {
	fallbacks, err := marshalChannels(c.FallbackChannels)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert campaign")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, name, messages_per_week, min_interval_hours, cold_days, warm_days, hot_days,
			quiet_start, quiet_end, timezone, priority_channel, fallback_channels, whatsapp_instance,
			agent_prompt, max_contacts, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, messages_per_week = EXCLUDED.messages_per_week,
			min_interval_hours = EXCLUDED.min_interval_hours, cold_days = EXCLUDED.cold_days,
			warm_days = EXCLUDED.warm_days, hot_days = EXCLUDED.hot_days,
			quiet_start = EXCLUDED.quiet_start, quiet_end = EXCLUDED.quiet_end,
			timezone = EXCLUDED.timezone, priority_channel = EXCLUDED.priority_channel,
			fallback_channels = EXCLUDED.fallback_channels, whatsapp_instance = EXCLUDED.whatsapp_instance,
			agent_prompt = EXCLUDED.agent_prompt, max_contacts = EXCLUDED.max_contacts,
			is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, c.MessagesPerWeek, c.MinIntervalHours, c.ColdDays, c.WarmDays, c.HotDays,
		c.QuietHours.Start, c.QuietHours.End, c.Timezone, string(c.PriorityChannel), fallbacks,
		c.WhatsAppInstance, c.AgentPrompt, c.MaxContacts, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert campaign %s", c.ID)
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id)
	c, err := scanPgCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "campaign %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get campaign %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, activeOnly bool) ([]model.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list campaigns")
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanPgCampaign(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list campaigns iterate")
}

func (s *PostgresStore) SetCampaignActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set campaign active %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "campaign %s", id)
	}
	return nil
}

// Participants

var participantInsertColumns = []string{
	"id", "campaign_id", "lead_id", "name", "phone", "email", "external_code", "timezone",
	"source", "temperature", "next_scheduled_at", "status", "pause_reason", "message_status",
	"created_at", "updated_at",
}

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	prepareParticipant(p, time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (`+strings.Join(participantInsertColumns, ", ")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		participantArgs(p)...,
	)
	return eris.Wrapf(err, "postgres: insert participant %s", p.ID)
}

// BulkCreateParticipants enrolls many participants, skipping leads already in
// the campaign.
func (s *PostgresStore) BulkCreateParticipants(ctx context.Context, ps []model.Participant) (int, error) {
	if len(ps) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(ps))
	for i := range ps {
		prepareParticipant(&ps[i], now)
		rows[i] = participantArgs(&ps[i])
	}
	n, err := db.InsertNew(ctx, s.pool, db.InsertConfig{
		Table:        "participants",
		Columns:      participantInsertColumns,
		ConflictKeys: []string{"campaign_id", "lead_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bulk create participants")
	}
	return int(n), nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+participantCols+` FROM participants WHERE id = $1`, id)
	p, err := scanPgParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "participant %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get participant %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, filter model.ParticipantFilter) ([]model.Participant, error) {
	query := `SELECT ` + participantCols + ` FROM participants WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.CampaignID != "" {
		query += fmt.Sprintf(` AND campaign_id = $%d`, argIdx)
		args = append(args, filter.CampaignID)
		argIdx++
	}
	if filter.LeadID != "" {
		query += fmt.Sprintf(` AND lead_id = $%d`, argIdx)
		args = append(args, filter.LeadID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.MessageStatus != "" {
		query += fmt.Sprintf(` AND message_status = $%d`, argIdx)
		args = append(args, string(filter.MessageStatus))
		argIdx++
	}
	if filter.TerminalFailed {
		query += fmt.Sprintf(` AND message_status = 'failed' AND retry_count >= $%d`, argIdx)
		args = append(args, model.MaxRetries)
		argIdx++
	}

	query += ` ORDER BY next_scheduled_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, argIdx)
			args = append(args, filter.Offset)
		}
	}

	return s.queryParticipants(ctx, "list participants", query, args...)
}

func (s *PostgresStore) queryParticipants(ctx context.Context, op, query string, args ...any) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanPgParticipant(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		out = append(out, *p)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) DeleteParticipant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete participant %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "participant %s", id)
	}
	return nil
}

func (s *PostgresStore) TransitionParticipant(ctx context.Context, id string, change StatusChange) (bool, error) {
	n, err := s.transition(ctx, "id", id, change)
	return n > 0, err
}

func (s *PostgresStore) TransitionCampaign(ctx context.Context, campaignID string, change StatusChange) (int, error) {
	return s.transition(ctx, "campaign_id", campaignID, change)
}

func (s *PostgresStore) TransitionLead(ctx context.Context, leadID string, change StatusChange) (int, error) {
	return s.transition(ctx, "lead_id", leadID, change)
}

func (s *PostgresStore) transition(ctx context.Context, keyCol, key string, change StatusChange) (int, error) {
	if err := model.CheckTransition(change.From, change.To); err != nil {
		return 0, err
	}
	query := `UPDATE participants SET status = $1, pause_reason = $2, updated_at = $3
		WHERE ` + keyCol + ` = $4 AND status = $5`
	args := []any{string(change.To), string(change.Reason), time.Now().UTC(), key, string(change.From)}
	if change.OnlyReason != nil {
		query += ` AND pause_reason = $6`
		args = append(args, string(*change.OnlyReason))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: transition participants by %s %s", keyCol, key)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ResetParticipant(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET message_status = 'pending', retry_count = 0, next_retry_at = NULL,
			last_error = '', next_scheduled_at = $1, updated_at = $1
		 WHERE id = $2 AND message_status <> 'processing'`,
		now.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset participant %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "participant %s", id)
	}
	return nil
}

func (s *PostgresStore) RecordResponse(ctx context.Context, id string, temp model.Temperature) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET response_count = response_count + 1, temperature = $1, updated_at = $2 WHERE id = $3`,
		string(temp), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record response %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "participant %s", id)
	}
	return nil
}

// Dispatch claim/commit

func (s *PostgresStore) ListDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Participant, error) {
	return s.queryParticipants(ctx, "list due", pgListDueSQL,
		campaignID, now.UTC(), model.MaxRetries, dueLimit(limit))
}

func (s *PostgresStore) CountDue(ctx context.Context, campaignID string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM participants WHERE campaign_id = $1 AND `+pgDuePredicate,
		campaignID, now.UTC(), model.MaxRetries,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count due")
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (*model.Participant, error) {
	token := uuid.New().String()
	row := s.pool.QueryRow(ctx, pgClaimSQL, id, now.UTC(), model.MaxRetries, token)
	p, err := scanPgParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim participant %s", id)
	}
	p.ClaimToken = token
	return p, nil
}

func (s *PostgresStore) CommitSend(ctx context.Context, id, token string, c model.SendCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: commit send begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	at := c.At.UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE participants
		 SET message_status = 'sent', contact_count = contact_count + 1, last_contact_at = $1,
		     retry_count = 0, next_retry_at = NULL, last_error = '', next_scheduled_at = $2,
		     status = CASE WHEN $3::boolean AND status = 'active' THEN 'completed' ELSE status END,
		     claimed_at = NULL, claimed_from = '', claim_token = '', updated_at = $1
		 WHERE id = $4 AND message_status = 'processing' AND claim_token = $5`,
		at, c.NextScheduledAt.UTC(), c.Complete, id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: commit send %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrClaimLost, "participant %s", id)
	}
	if err := insertHistoryPg(ctx, tx, c.History); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit send")
}

func (s *PostgresStore) CommitFailure(ctx context.Context, id, token string, c model.FailureCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: commit failure begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE participants
		 SET message_status = 'failed', retry_count = $1, next_retry_at = $2, last_error = $3,
		     claimed_at = NULL, claimed_from = '', claim_token = '', updated_at = $4
		 WHERE id = $5 AND message_status = 'processing' AND claim_token = $6`,
		c.RetryCount, utcPtr(c.NextRetryAt), c.LastError, time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: commit failure %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrClaimLost, "participant %s", id)
	}
	if err := insertHistoryPg(ctx, tx, c.History); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit failure")
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, id, token string, r model.ClaimRelease) error {
	sets := []string{
		`message_status = CASE WHEN claimed_from = '' THEN 'pending' ELSE claimed_from END`,
		`claimed_at = NULL`, `claimed_from = ''`, `claim_token = ''`, `updated_at = $1`,
	}
	args := []any{time.Now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(`%s = $%d`, col, len(args)))
	}
	if r.NextScheduledAt != nil {
		add("next_scheduled_at", r.NextScheduledAt.UTC())
	}
	if r.NextRetryAt != nil {
		add("next_retry_at", r.NextRetryAt.UTC())
	}
	if r.Status != "" {
		add("status", string(r.Status))
		add("pause_reason", string(r.PauseReason))
	}
	if r.Note != "" {
		add("last_error", r.Note)
	}
	args = append(args, id, token)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE participants SET %s WHERE id = $%d AND message_status = 'processing' AND claim_token = $%d`,
			strings.Join(sets, ", "), len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release claim %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrClaimLost, "participant %s", id)
	}
	return nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, campaignID string, staleBefore time.Time) (int, error) {
	query := `UPDATE participants
		SET message_status = 'pending', claimed_at = NULL, claimed_from = '', claim_token = '', updated_at = $1
		WHERE message_status = 'processing' AND claimed_at < $2`
	args := []any{time.Now().UTC(), staleBefore.UTC()}
	if campaignID != "" {
		query += ` AND campaign_id = $3`
		args = append(args, campaignID)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reclaim stale")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountByMessageStatus(ctx context.Context, campaignID string) (map[model.MessageStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_status, COUNT(*) FROM participants WHERE campaign_id = $1 GROUP BY message_status`,
		campaignID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by message status")
	}
	defer rows.Close()

	counts := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message status count")
		}
		counts[model.MessageStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by message status iterate")
}

func (s *PostgresStore) ListMessages(ctx context.Context, participantID string) ([]model.MessageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_id, campaign_id, channel, body, outcome, provider_message_id, error, fallback, attempted_at
		 FROM message_history WHERE participant_id = $1 ORDER BY attempted_at ASC, id ASC`,
		participantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list messages")
	}
	defer rows.Close()

	var out []model.MessageRecord
	for rows.Next() {
		var m model.MessageRecord
		var channel, outcome string
		if err := rows.Scan(&m.ID, &m.ParticipantID, &m.CampaignID, &channel, &m.Body, &outcome,
			&m.ProviderMessageID, &m.Error, &m.Fallback, &m.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		m.Channel = model.Channel(channel)
		m.Outcome = model.AttemptOutcome(outcome)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list messages iterate")
}

// Lead state

func (s *PostgresStore) GetLeadState(ctx context.Context, leadID string) (*model.LeadState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadCols+` FROM lead_states WHERE lead_id = $1`, leadID)
	l, err := scanPgLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead state %s", leadID)
	}
	return l, nil
}

func (s *PostgresStore) EnsureLeadState(ctx context.Context, l model.LeadState) (*model.LeadState, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO lead_states (lead_id, activity_code, funnel_id, current_stage, stage_code, temperature,
			owner_lock, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, '', $7, $7)
		 ON CONFLICT (lead_id) DO UPDATE SET
			activity_code = COALESCE(lead_states.activity_code, EXCLUDED.activity_code),
			funnel_id = CASE WHEN lead_states.funnel_id = '' THEN EXCLUDED.funnel_id ELSE lead_states.funnel_id END
		 RETURNING `+leadCols,
		l.LeadID, nullString(l.ActivityCode), l.FunnelID, l.CurrentStage, l.StageCode,
		string(l.Temperature), now,
	)
	got, err := scanPgLead(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure lead state %s", l.LeadID)
	}
	return got, nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, leadID, userID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lead_states SET owner_lock = true, owner_id = $1, updated_at = $2
		 WHERE lead_id = $3 AND (NOT owner_lock OR owner_id = $1)`,
		userID, now.UTC(), leadID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", leadID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, leadID, userID string, force bool, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lead_states SET owner_lock = false, owner_id = '', updated_at = $1
		 WHERE lead_id = $2 AND owner_lock AND ($3::boolean OR owner_id = $4)`,
		now.UTC(), leadID, force, userID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: release lock %s", leadID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetLeadStage(ctx context.Context, change model.StageChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: set lead stage begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}
	if change.ID == "" {
		change.ID = uuid.New().String()
	}

	tag, err := tx.Exec(ctx,
		`UPDATE lead_states SET current_stage = $1, stage_code = $2, updated_at = $3 WHERE lead_id = $4`,
		change.ToStage, change.ToCode, change.ChangedAt.UTC(), change.LeadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set lead stage %s", change.LeadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "lead state %s", change.LeadID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO lead_stage_history (id, lead_id, from_stage, to_stage, from_code, to_code, source, note, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		change.ID, change.LeadID, change.FromStage, change.ToStage, change.FromCode, change.ToCode,
		change.Source, change.Note, change.ChangedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert stage history %s", change.LeadID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: set lead stage commit")
}

func (s *PostgresStore) ListStageHistory(ctx context.Context, leadID string) ([]model.StageChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lead_id, from_stage, to_stage, from_code, to_code, source, note, changed_at
		 FROM lead_stage_history WHERE lead_id = $1 ORDER BY changed_at ASC, id ASC`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage history")
	}
	defer rows.Close()

	var out []model.StageChange
	for rows.Next() {
		var c model.StageChange
		if err := rows.Scan(&c.ID, &c.LeadID, &c.FromStage, &c.ToStage, &c.FromCode, &c.ToCode,
			&c.Source, &c.Note, &c.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage change")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stage history iterate")
}

// CRM sync outbox

func (s *PostgresStore) EnqueueSync(ctx context.Context, t *model.SyncTask) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_tasks (id, lead_id, kind, owner_id, stage, status, attempts, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)`,
		t.ID, t.LeadID, string(t.Kind), t.OwnerID, t.Stage, string(t.Status), t.NextAttemptAt.UTC(), now,
	)
	return eris.Wrapf(err, "postgres: enqueue sync %s", t.LeadID)
}

// ClaimSyncTasks leases due tasks. SKIP LOCKED lets several sync workers drain
// the queue without blocking on each other.
func (s *PostgresStore) ClaimSyncTasks(ctx context.Context, now time.Time, limit int) ([]model.SyncTask, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE sync_tasks SET status = 'sending', attempts = attempts + 1, locked_at = $1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM sync_tasks
			WHERE status = 'queued' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+syncCols,
		now.UTC(), dueLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim sync tasks")
	}
	defer rows.Close()

	var out []model.SyncTask
	for rows.Next() {
		t, err := scanPgSync(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: claim sync tasks iterate")
}

func (s *PostgresStore) CompleteSync(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks SET status = 'done', locked_at = NULL, last_error = '', updated_at = $1 WHERE id = $2`,
		now.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete sync %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sync task %s", id)
	}
	return nil
}

func (s *PostgresStore) FailSync(ctx context.Context, id, lastErr string, next time.Time, dead bool) error {
	status := model.SyncQueued
	if dead {
		status = model.SyncDead
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks SET status = $1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4
		 WHERE id = $5`,
		string(status), lastErr, next.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail sync %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sync task %s", id)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSync(ctx context.Context, staleBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks SET status = 'queued', locked_at = NULL, updated_at = $1
		 WHERE status = 'sending' AND locked_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue stale sync")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func insertHistoryPg(ctx context.Context, tx pgx.Tx, history []model.MessageRecord) error {
	for _, m := range history {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO message_history (id, participant_id, campaign_id, channel, body, outcome,
				provider_message_id, error, fallback, attempted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, m.ParticipantID, m.CampaignID, string(m.Channel), m.Body, string(m.Outcome),
			m.ProviderMessageID, m.Error, m.Fallback, m.AttemptedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert message history %s", m.ParticipantID)
		}
	}
	return nil
}

func scanPgParticipant(row pgx.Row) (*model.Participant, error) {
	var p model.Participant
	var source, temp, status, reason, msgStatus, claimedFrom string

	err := row.Scan(&p.ID, &p.CampaignID, &p.LeadID, &p.Name, &p.Phone, &p.Email, &p.ExternalCode,
		&p.Timezone, &source, &temp, &p.ContactCount, &p.ResponseCount, &p.LastContactAt,
		&p.NextScheduledAt, &status, &reason, &msgStatus, &p.RetryCount, &p.NextRetryAt, &p.LastError,
		&p.ClaimedAt, &claimedFrom, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Source = model.EnrollmentSource(source)
	p.Temperature = model.Temperature(temp)
	p.Status = model.ParticipantStatus(status)
	p.PauseReason = model.PauseReason(reason)
	p.MessageStatus = model.MessageStatus(msgStatus)
	p.ClaimedFrom = model.MessageStatus(claimedFrom)
	return &p, nil
}

func scanPgCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	var priority string
	var fallbacks []byte
	err := row.Scan(&c.ID, &c.Name, &c.MessagesPerWeek, &c.MinIntervalHours, &c.ColdDays, &c.WarmDays,
		&c.HotDays, &c.QuietHours.Start, &c.QuietHours.End, &c.Timezone, &priority, &fallbacks,
		&c.WhatsAppInstance, &c.AgentPrompt, &c.MaxContacts, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PriorityChannel = model.Channel(priority)
	c.FallbackChannels, err = unmarshalChannels(fallbacks)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanPgLead(row pgx.Row) (*model.LeadState, error) {
	var l model.LeadState
	var activity *string
	var temp string
	err := row.Scan(&l.LeadID, &activity, &l.FunnelID, &l.CurrentStage, &l.StageCode, &temp,
		&l.OwnerLock, &l.OwnerID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if activity != nil {
		l.ActivityCode = *activity
	}
	l.Temperature = model.Temperature(temp)
	return &l, nil
}

func scanPgSync(row pgx.Row) (*model.SyncTask, error) {
	var t model.SyncTask
	var kind, status string
	err := row.Scan(&t.ID, &t.LeadID, &kind, &t.OwnerID, &t.Stage, &status, &t.Attempts,
		&t.NextAttemptAt, &t.LockedAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = model.SyncKind(kind)
	t.Status = model.SyncStatus(status)
	return &t, nil
}
