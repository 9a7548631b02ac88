// Package ownership coordinates human ownership locks on leads. A locked lead
// is never contacted automatically; its participants stay paused with reason
// owner_lock until the owner (or an admin) releases it.
package ownership

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

var (
	// ErrAlreadyLocked is returned when another user holds the lead.
	ErrAlreadyLocked = eris.New("ownership: lead is locked by another user")
	// ErrNotOwner is returned when a non-admin releases someone else's lock.
	ErrNotOwner = eris.New("ownership: user does not hold the lock")
	// ErrMissingIdentity is returned when the lead or user is empty.
	ErrMissingIdentity = eris.New("ownership: lead and user are required")
)

// Source identifies where a lock change originated.
type Source string

const (
	SourceUser Source = "user"
	// SourceCRM changes already happened in the CRM and are not mirrored back.
	SourceCRM Source = "crm"
)

// Result describes the effect of an Assume or Release.
type Result struct {
	LeadID       string `json:"lead_id"`
	OwnerID      string `json:"owner_id,omitempty"`
	Locked       bool   `json:"locked"`
	Changed      bool   `json:"changed"`
	Participants int    `json:"participants"`
	Mirrored     bool   `json:"mirrored"`
}

// Coordinator applies lock changes to lead state and linked participants.
type Coordinator struct {
	store store.Store
	now   func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st store.Store) *Coordinator {
	return &Coordinator{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Assume locks leadID for userID and pauses its active participants.
// Assuming a lead the user already holds changes nothing.
func (c *Coordinator) Assume(ctx context.Context, leadID, userID string, src Source) (*Result, error) {
	if leadID == "" || userID == "" {
		return nil, ErrMissingIdentity
	}
	log := zap.L().With(zap.String("lead_id", leadID), zap.String("user_id", userID), zap.String("source", string(src)))

	before, err := c.store.EnsureLeadState(ctx, model.LeadState{LeadID: leadID})
	if err != nil {
		return nil, err
	}
	if before.LockedByOther(userID) {
		return nil, eris.Wrapf(ErrAlreadyLocked, "lead %s held by %s", leadID, before.OwnerID)
	}

	ok, err := c.store.AcquireLock(ctx, leadID, userID, c.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another user.
		return nil, eris.Wrapf(ErrAlreadyLocked, "lead %s", leadID)
	}

	res := &Result{LeadID: leadID, OwnerID: userID, Locked: true, Changed: !before.OwnerLock}
	n, err := c.store.TransitionLead(ctx, leadID, store.StatusChange{
		From:   model.StatusActive,
		To:     model.StatusPaused,
		Reason: model.PauseOwnerLock,
	})
	if err != nil {
		return res, eris.Wrapf(err, "ownership: pause participants of lead %s", leadID)
	}
	res.Participants = n

	if res.Changed {
		res.Mirrored = c.mirror(ctx, log, src, &model.SyncTask{LeadID: leadID, Kind: model.SyncLockMirror, OwnerID: userID})
		log.Info("ownership: lead locked", zap.Int("paused", n))
	}
	return res, nil
}

// Release unlocks leadID and resumes participants paused by the lock. Only
// the holder may release unless admin is set. Releasing an unlocked lead
// changes nothing.
func (c *Coordinator) Release(ctx context.Context, leadID, userID string, admin bool, src Source) (*Result, error) {
	log := zap.L().With(zap.String("lead_id", leadID), zap.String("user_id", userID),
		zap.String("source", string(src)), zap.Bool("admin", admin))

	before, err := c.store.GetLeadState(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "lead state %s", leadID)
	}
	res := &Result{LeadID: leadID}
	if !before.OwnerLock {
		return res, nil
	}
	if before.OwnerID != userID && !admin {
		return nil, eris.Wrapf(ErrNotOwner, "lead %s held by %s", leadID, before.OwnerID)
	}

	ok, err := c.store.ReleaseLock(ctx, leadID, userID, admin, c.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		after, err := c.store.GetLeadState(ctx, leadID)
		if err != nil {
			return nil, err
		}
		if after != nil && after.OwnerLock {
			return nil, eris.Wrapf(ErrNotOwner, "lead %s held by %s", leadID, after.OwnerID)
		}
		// Released concurrently by someone else.
		return res, nil
	}
	res.Changed = true

	kind := model.PauseOwnerLock
	n, err := c.store.TransitionLead(ctx, leadID, store.StatusChange{
		From:       model.StatusPaused,
		To:         model.StatusActive,
		OnlyReason: &kind,
	})
	if err != nil {
		return res, eris.Wrapf(err, "ownership: resume participants of lead %s", leadID)
	}
	res.Participants = n
	res.Mirrored = c.mirror(ctx, log, src, &model.SyncTask{LeadID: leadID, Kind: model.SyncUnlockMirror})
	log.Info("ownership: lead released", zap.Int("resumed", n))
	return res, nil
}

// mirror enqueues the CRM-side copy of a lock change. The local change stands
// even when enqueueing fails.
func (c *Coordinator) mirror(ctx context.Context, log *zap.Logger, src Source, task *model.SyncTask) bool {
	if src == SourceCRM {
		return false
	}
	if err := c.store.EnqueueSync(ctx, task); err != nil {
		log.Error("ownership: enqueue CRM mirror failed", zap.String("kind", string(task.Kind)), zap.Error(err))
		return false
	}
	return true
}

// Status returns the lead's current lock state.
func (c *Coordinator) Status(ctx context.Context, leadID string) (*model.LeadState, error) {
	lead, err := c.store.GetLeadState(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "lead state %s", leadID)
	}
	return lead, nil
}
