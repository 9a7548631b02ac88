package model

import "time"

// SyncKind identifies the CRM-side effect an outbound sync task mirrors.
type SyncKind string

const (
	SyncLockMirror   SyncKind = "lock_mirror"
	SyncUnlockMirror SyncKind = "unlock_mirror"
	SyncStageMirror  SyncKind = "stage_mirror"
)

// SyncStatus is the lifecycle state of a sync task.
type SyncStatus string

const (
	SyncQueued  SyncStatus = "queued"
	SyncSending SyncStatus = "sending"
	SyncDone    SyncStatus = "done"
	SyncDead    SyncStatus = "dead"
)

// SyncTask is a durable outbound CRM work item decoupled from the local
// transition that produced it.
type SyncTask struct {
	ID            string     `json:"id"`
	LeadID        string     `json:"lead_id"`
	Kind          SyncKind   `json:"kind"`
	OwnerID       string     `json:"owner_id,omitempty"`
	Stage         string     `json:"stage,omitempty"`
	Status        SyncStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
