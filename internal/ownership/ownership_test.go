package ownership

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedParticipant(t *testing.T, st store.Store, campaignID, leadID string) *model.Participant {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertCampaign(ctx, &model.Campaign{
		ID:              campaignID,
		Name:            campaignID,
		PriorityChannel: model.ChannelEmail,
		IsActive:        true,
	}))
	p := &model.Participant{
		CampaignID:      campaignID,
		LeadID:          leadID,
		Name:            "Lead " + leadID,
		Email:           leadID + "@example.com",
		NextScheduledAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateParticipant(ctx, p))
	return p
}

func statusOf(t *testing.T, st store.Store, id string) (model.ParticipantStatus, model.PauseReason) {
	t.Helper()
	p, err := st.GetParticipant(context.Background(), id)
	require.NoError(t, err)
	return p.Status, p.PauseReason
}

func syncKinds(t *testing.T, st store.Store) []model.SyncKind {
	t.Helper()
	tasks, err := st.ClaimSyncTasks(context.Background(), time.Now().UTC().Add(time.Minute), 100)
	require.NoError(t, err)
	var kinds []model.SyncKind
	for _, task := range tasks {
		kinds = append(kinds, task.Kind)
	}
	return kinds
}

func TestAssumeAndRelease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p1 := seedParticipant(t, st, "c1", "lead-1")
	p2 := seedParticipant(t, st, "c2", "lead-1")
	other := seedParticipant(t, st, "c1", "lead-2")
	c := NewCoordinator(st)

	res, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Locked)
	assert.True(t, res.Mirrored)
	assert.Equal(t, 2, res.Participants)

	for _, id := range []string{p1.ID, p2.ID} {
		status, reason := statusOf(t, st, id)
		assert.Equal(t, model.StatusPaused, status)
		assert.Equal(t, model.PauseOwnerLock, reason)
	}
	status, _ := statusOf(t, st, other.ID)
	assert.Equal(t, model.StatusActive, status)

	lead, err := c.Status(ctx, "lead-1")
	require.NoError(t, err)
	assert.True(t, lead.OwnerLock)
	assert.Equal(t, "alice", lead.OwnerID)

	res, err = c.Release(ctx, "lead-1", "alice", false, SourceUser)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.Participants)
	for _, id := range []string{p1.ID, p2.ID} {
		status, reason := statusOf(t, st, id)
		assert.Equal(t, model.StatusActive, status)
		assert.Equal(t, model.PauseNone, reason)
	}

	assert.Equal(t, []model.SyncKind{model.SyncLockMirror, model.SyncUnlockMirror}, syncKinds(t, st))
}

func TestAssume_LockedByOther(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := NewCoordinator(st)

	_, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)

	_, err = c.Assume(ctx, "lead-1", "bob", SourceUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.Contains(t, err.Error(), "held by alice")

	lead, err := c.Status(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", lead.OwnerID)
}

func TestAssume_IdempotentForOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedParticipant(t, st, "c1", "lead-1")
	c := NewCoordinator(st)

	_, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)
	res, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Zero(t, res.Participants)
	assert.False(t, res.Mirrored)

	assert.Equal(t, []model.SyncKind{model.SyncLockMirror}, syncKinds(t, st))
}

func TestAssume_PausesLateEnrollments(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := NewCoordinator(st)

	_, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)
	late := seedParticipant(t, st, "c1", "lead-1")

	res, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Participants)
	status, _ := statusOf(t, st, late.ID)
	assert.Equal(t, model.StatusPaused, status)
}

func TestRelease_NotOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := seedParticipant(t, st, "c1", "lead-1")
	c := NewCoordinator(st)

	_, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)

	_, err = c.Release(ctx, "lead-1", "bob", false, SourceUser)
	assert.ErrorIs(t, err, ErrNotOwner)
	status, _ := statusOf(t, st, p.ID)
	assert.Equal(t, model.StatusPaused, status)

	res, err := c.Release(ctx, "lead-1", "bob", true, SourceUser)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	status, _ = statusOf(t, st, p.ID)
	assert.Equal(t, model.StatusActive, status)
}

func TestRelease_OnlyOwnerLockPausesResume(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	locked := seedParticipant(t, st, "c1", "lead-1")
	manual := seedParticipant(t, st, "c2", "lead-1")
	kanban := seedParticipant(t, st, "c3", "lead-1")

	_, err := st.TransitionParticipant(ctx, manual.ID, store.StatusChange{
		From: model.StatusActive, To: model.StatusPaused, Reason: model.PauseManual,
	})
	require.NoError(t, err)
	_, err = st.TransitionParticipant(ctx, kanban.ID, store.StatusChange{
		From: model.StatusActive, To: model.StatusPausedKanban, Reason: model.PauseKanban,
	})
	require.NoError(t, err)

	c := NewCoordinator(st)
	res, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Participants)

	res, err = c.Release(ctx, "lead-1", "alice", false, SourceUser)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Participants)

	status, _ := statusOf(t, st, locked.ID)
	assert.Equal(t, model.StatusActive, status)
	status, reason := statusOf(t, st, manual.ID)
	assert.Equal(t, model.StatusPaused, status)
	assert.Equal(t, model.PauseManual, reason)
	status, _ = statusOf(t, st, kanban.ID)
	assert.Equal(t, model.StatusPausedKanban, status)
}

func TestRelease_UnlockedIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := NewCoordinator(st)
	_, err := st.EnsureLeadState(ctx, model.LeadState{LeadID: "lead-1"})
	require.NoError(t, err)

	res, err := c.Release(ctx, "lead-1", "anyone", false, SourceUser)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, syncKinds(t, st))

	_, err = c.Release(ctx, "missing", "anyone", false, SourceUser)
	assert.True(t, store.IsNotFound(err))
}

func TestCRMSourceDoesNotMirror(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := NewCoordinator(st)

	res, err := c.Assume(ctx, "lead-1", "alice", SourceCRM)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Mirrored)

	_, err = c.Release(ctx, "lead-1", "alice", false, SourceCRM)
	require.NoError(t, err)
	assert.Empty(t, syncKinds(t, st))
}

// failingSyncStore rejects every outbound sync task.
type failingSyncStore struct {
	store.Store
}

func (failingSyncStore) EnqueueSync(context.Context, *model.SyncTask) error {
	return errors.New("disk full")
}

func TestAssume_SyncFailureKeepsLocalLock(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := seedParticipant(t, st, "c1", "lead-1")
	c := NewCoordinator(failingSyncStore{st})

	res, err := c.Assume(ctx, "lead-1", "alice", SourceUser)
	require.NoError(t, err)
	assert.False(t, res.Mirrored)

	lead, err := c.Status(ctx, "lead-1")
	require.NoError(t, err)
	assert.True(t, lead.OwnerLock)
	status, _ := statusOf(t, st, p.ID)
	assert.Equal(t, model.StatusPaused, status)
}

func TestAssume_Validation(t *testing.T) {
	c := NewCoordinator(newTestStore(t))
	_, err := c.Assume(context.Background(), "", "alice", SourceUser)
	assert.Error(t, err)
	_, err = c.Assume(context.Background(), "lead-1", "", SourceUser)
	assert.Error(t, err)
}

func TestAssume_ConcurrentSingleWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.EnsureLeadState(ctx, model.LeadState{LeadID: "lead-1"})
	require.NoError(t, err)
	c := NewCoordinator(st)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := c.Assume(ctx, "lead-1", user, SourceUser)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyLocked):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(5), conflicts.Load())
}
