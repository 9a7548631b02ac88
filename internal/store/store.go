package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("not found")

// StatusChange describes a conditional participant status update. Rows are
// only changed when they currently hold From (and OnlyReason, when set).
type StatusChange struct {
	From       model.ParticipantStatus
	To         model.ParticipantStatus
	Reason     model.PauseReason
	OnlyReason *model.PauseReason
}

// Store defines the persistence interface for the dispatch engine. All
// components read and write shared state through it; nothing caches mutable
// state beyond a single operation.
type Store interface {
	// Campaigns
	UpsertCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, activeOnly bool) ([]model.Campaign, error)
	SetCampaignActive(ctx context.Context, id string, active bool) error

	// Participants
	CreateParticipant(ctx context.Context, p *model.Participant) error
	BulkCreateParticipants(ctx context.Context, ps []model.Participant) (int, error)
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	ListParticipants(ctx context.Context, filter model.ParticipantFilter) ([]model.Participant, error)
	DeleteParticipant(ctx context.Context, id string) error
	TransitionParticipant(ctx context.Context, id string, change StatusChange) (bool, error)
	TransitionCampaign(ctx context.Context, campaignID string, change StatusChange) (int, error)
	TransitionLead(ctx context.Context, leadID string, change StatusChange) (int, error)
	ResetParticipant(ctx context.Context, id string, now time.Time) error
	RecordResponse(ctx context.Context, id string, temp model.Temperature) error

	// Dispatch claim/commit
	ListDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Participant, error)
	CountDue(ctx context.Context, campaignID string, now time.Time) (int, error)
	Claim(ctx context.Context, id string, now time.Time) (*model.Participant, error)
	CommitSend(ctx context.Context, id, token string, c model.SendCommit) error
	CommitFailure(ctx context.Context, id, token string, c model.FailureCommit) error
	ReleaseClaim(ctx context.Context, id, token string, r model.ClaimRelease) error
	ReclaimStale(ctx context.Context, campaignID string, staleBefore time.Time) (int, error)
	CountByMessageStatus(ctx context.Context, campaignID string) (map[model.MessageStatus]int, error)
	ListMessages(ctx context.Context, participantID string) ([]model.MessageRecord, error)

	// Lead state
	GetLeadState(ctx context.Context, leadID string) (*model.LeadState, error)
	EnsureLeadState(ctx context.Context, l model.LeadState) (*model.LeadState, error)
	AcquireLock(ctx context.Context, leadID, userID string, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, leadID, userID string, force bool, now time.Time) (bool, error)
	SetLeadStage(ctx context.Context, change model.StageChange) error
	ListStageHistory(ctx context.Context, leadID string) ([]model.StageChange, error)

	// CRM sync outbox
	EnqueueSync(ctx context.Context, t *model.SyncTask) error
	ClaimSyncTasks(ctx context.Context, now time.Time, limit int) ([]model.SyncTask, error)
	CompleteSync(ctx context.Context, id string, now time.Time) error
	FailSync(ctx context.Context, id, lastErr string, next time.Time, dead bool) error
	RequeueStaleSync(ctx context.Context, staleBefore time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// dueLimit clamps a batch size to a sane default.
func dueLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// ErrClaimLost is returned when a commit targets a participant that is no
// longer claimed under the caller's token, e.g. because its claim was
// reclaimed as stale and taken by another worker.
var ErrClaimLost = eris.New("participant claim lost")

// prepareParticipant fills identity, timestamps and lifecycle defaults for a
// newly enrolled participant.
func prepareParticipant(p *model.Participant, now time.Time) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.LeadID == "" {
		p.LeadID = p.ID
	}
	if p.Status == "" {
		p.Status = model.StatusActive
	}
	if p.MessageStatus == "" {
		p.MessageStatus = model.MessagePending
	}
	if p.Temperature == "" {
		p.Temperature = model.TemperatureCold
	}
	if p.Source == "" {
		p.Source = model.SourceManual
	}
	if p.NextScheduledAt.IsZero() {
		p.NextScheduledAt = now
	}
	p.NextScheduledAt = p.NextScheduledAt.UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
}

func marshalChannels(chs []model.Channel) ([]byte, error) {
	if chs == nil {
		chs = []model.Channel{}
	}
	b, err := json.Marshal(chs)
	return b, eris.Wrap(err, "marshal channels")
}

func unmarshalChannels(b []byte) ([]model.Channel, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var chs []model.Channel
	if err := json.Unmarshal(b, &chs); err != nil {
		return nil, eris.Wrap(err, "unmarshal channels")
	}
	return chs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
