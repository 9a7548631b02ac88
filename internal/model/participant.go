package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// MaxRetries is the number of failed attempts on the priority channel after
// which a participant falls through to its fallback channels.
const MaxRetries = 3

// ParticipantStatus is the enrollment state of a participant within a campaign.
type ParticipantStatus string

const (
	StatusActive       ParticipantStatus = "active"
	StatusPaused       ParticipantStatus = "paused"
	StatusPausedKanban ParticipantStatus = "paused_kanban"
	StatusCompleted    ParticipantStatus = "completed"
	StatusConverted    ParticipantStatus = "converted"
	StatusBlocked      ParticipantStatus = "blocked"
)

// MessageStatus tracks the dispatch state of the participant's current message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageFailed     MessageStatus = "failed"
)

// PauseReason records why a participant left the active state, so that only
// the matching resume action restores it.
type PauseReason string

const (
	PauseNone      PauseReason = ""
	PauseManual    PauseReason = "manual"
	PauseCampaign  PauseReason = "campaign"
	PauseOwnerLock PauseReason = "owner_lock"
	PauseKanban    PauseReason = "kanban"
)

// Temperature is the engagement tier that drives cadence spacing.
type Temperature string

const (
	TemperatureCold Temperature = "cold"
	TemperatureWarm Temperature = "warm"
	TemperatureHot  Temperature = "hot"
)

// EnrollmentSource identifies how a participant entered the campaign.
type EnrollmentSource string

const (
	SourceManual  EnrollmentSource = "manual"
	SourceList    EnrollmentSource = "list"
	SourceDynamic EnrollmentSource = "dynamic"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = eris.New("invalid participant status transition")

// statusTransitions lists the allowed target states for each participant status.
var statusTransitions = map[ParticipantStatus]map[ParticipantStatus]bool{
	StatusActive: {
		StatusPaused: true, StatusPausedKanban: true, StatusCompleted: true,
		StatusConverted: true, StatusBlocked: true,
	},
	StatusPaused: {
		StatusActive: true, StatusPausedKanban: true, StatusConverted: true,
		StatusBlocked: true, StatusCompleted: true,
	},
	StatusPausedKanban: {
		StatusActive: true, StatusPaused: true, StatusConverted: true,
		StatusBlocked: true, StatusCompleted: true,
	},
	StatusBlocked:   {StatusActive: true},
	StatusCompleted: {StatusConverted: true},
	StatusConverted: {},
}

// Valid reports whether s is a known participant status.
func (s ParticipantStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransition reports whether a participant may move from one status to another.
func CanTransition(from, to ParticipantStatus) bool {
	return statusTransitions[from][to]
}

// CheckTransition returns ErrInvalidTransition when from→to is not allowed.
func CheckTransition(from, to ParticipantStatus) error {
	if !CanTransition(from, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// Valid reports whether t is a known temperature.
func (t Temperature) Valid() bool {
	switch t {
	case TemperatureCold, TemperatureWarm, TemperatureHot:
		return true
	}
	return false
}

// Warmer returns the next engagement tier; hot stays hot.
func (t Temperature) Warmer() Temperature {
	switch t {
	case TemperatureCold:
		return TemperatureWarm
	default:
		return TemperatureHot
	}
}

// Participant is one lead enrolled in one campaign.
type Participant struct {
	ID           string           `json:"id"`
	CampaignID   string           `json:"campaign_id"`
	LeadID       string           `json:"lead_id"`
	Name         string           `json:"name"`
	Phone        string           `json:"phone,omitempty"`
	Email        string           `json:"email,omitempty"`
	ExternalCode string           `json:"external_code,omitempty"`
	Timezone     string           `json:"timezone,omitempty"`
	Source       EnrollmentSource `json:"source"`

	Temperature     Temperature `json:"temperature"`
	ContactCount    int         `json:"contact_count"`
	ResponseCount   int         `json:"response_count"`
	LastContactAt   *time.Time  `json:"last_contact_at,omitempty"`
	NextScheduledAt time.Time   `json:"next_scheduled_at"`

	Status        ParticipantStatus `json:"status"`
	PauseReason   PauseReason       `json:"pause_reason,omitempty"`
	MessageStatus MessageStatus     `json:"message_status"`
	RetryCount    int               `json:"retry_count"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	ClaimedAt     *time.Time        `json:"claimed_at,omitempty"`
	ClaimedFrom   MessageStatus     `json:"claimed_from,omitempty"`
	// ClaimToken fences commits to the claim that produced this copy. It is
	// set by Claim only.
	ClaimToken string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TerminallyFailed reports whether the participant exhausted every retry and
// fallback and now waits for a manual reset.
func (p *Participant) TerminallyFailed() bool {
	return p.MessageStatus == MessageFailed && p.RetryCount >= MaxRetries
}

// Eligible reports whether the participant would be selected for dispatch at now.
// It mirrors the store's due-selection predicate.
func (p *Participant) Eligible(now time.Time) bool {
	if p.Status != StatusActive || p.NextScheduledAt.After(now) {
		return false
	}
	switch p.MessageStatus {
	case MessagePending, MessageSent:
		return true
	case MessageFailed:
		return p.RetryCount < MaxRetries && p.NextRetryAt != nil && !p.NextRetryAt.After(now)
	}
	return false
}

// Recipient returns the contact reference used by channel senders.
func (p *Participant) Recipient() Recipient {
	return Recipient{
		Name:  p.Name,
		Phone: p.Phone,
		Email: p.Email,
	}
}

// Recipient is the addressable contact of a participant.
type Recipient struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// ParticipantFilter specifies criteria for listing participants.
type ParticipantFilter struct {
	CampaignID     string            `json:"campaign_id,omitempty"`
	LeadID         string            `json:"lead_id,omitempty"`
	Status         ParticipantStatus `json:"status,omitempty"`
	MessageStatus  MessageStatus     `json:"message_status,omitempty"`
	TerminalFailed bool              `json:"terminal_failed,omitempty"`
	Limit          int               `json:"limit,omitempty"`
	Offset         int               `json:"offset,omitempty"`
}
