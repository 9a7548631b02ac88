package model

import "time"

// AttemptOutcome is the result of a single channel send attempt.
type AttemptOutcome string

const (
	OutcomeSent   AttemptOutcome = "sent"
	OutcomeFailed AttemptOutcome = "failed"
)

// MessageRecord is one entry of a participant's message history.
type MessageRecord struct {
	ID                string         `json:"id"`
	ParticipantID     string         `json:"participant_id"`
	CampaignID        string         `json:"campaign_id"`
	Channel           Channel        `json:"channel"`
	Body              string         `json:"body,omitempty"`
	Outcome           AttemptOutcome `json:"outcome"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	Fallback          bool           `json:"fallback"`
	AttemptedAt       time.Time      `json:"attempted_at"`
}

// SendCommit is the state written when a message was delivered.
type SendCommit struct {
	At              time.Time
	NextScheduledAt time.Time
	Complete        bool
	History         []MessageRecord
}

// FailureCommit is the state written when every attempt of a claim failed.
type FailureCommit struct {
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
	History     []MessageRecord
}

// ClaimRelease returns a claimed participant to its pre-claim message status
// without recording an attempt. Status and PauseReason are applied when Status
// is non-empty.
type ClaimRelease struct {
	NextScheduledAt *time.Time
	NextRetryAt     *time.Time
	Status          ParticipantStatus
	PauseReason     PauseReason
	Note            string
}
