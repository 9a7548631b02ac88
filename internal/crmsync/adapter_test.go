package crmsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

func TestAdvanceStage_Forward(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "new", 1)
	remote := &mockRemote{}
	a := NewAdapter(st, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "meeting")
	require.NoError(t, err)
	assert.Equal(t, "meeting", reached)
	assert.Equal(t, []move{{1, 2}, {2, 3}, {3, 4}}, remote.moves)

	stage, code := leadStage(t, st, "l1")
	assert.Equal(t, "meeting", stage)
	assert.Equal(t, 4, code)

	hist, err := st.ListStageHistory(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "new", hist[0].FromStage)
	assert.Equal(t, "meeting", hist[0].ToStage)
	assert.Equal(t, SourceEngine, hist[0].Source)
}

func TestAdvanceStage_ThirdStepFails(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "new", 1)
	remote := &mockRemote{moveFn: func(n, _, _ int) error {
		if n == 3 {
			return errors.New("redsis: 503")
		}
		return nil
	}}
	a := NewAdapter(st, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "meeting")
	require.Error(t, err)
	assert.Equal(t, "prospecting", reached)

	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "prospecting", pf.Reached)
	assert.Equal(t, "meeting", pf.Target)
	assert.Contains(t, pf.Error(), "redsis: 503")

	stage, code := leadStage(t, st, "l1")
	assert.Equal(t, "prospecting", stage)
	assert.Equal(t, 3, code)

	hist, err := st.ListStageHistory(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Contains(t, hist[0].Note, "partial")
}

func TestAdvanceStage_FirstStepFails(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "contacted", 2)
	remote := &mockRemote{moveFn: func(int, int, int) error { return errors.New("timeout") }}
	a := NewAdapter(st, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "won")
	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "contacted", reached)

	hist, err := st.ListStageHistory(context.Background(), "l1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestAdvanceStage_Backward(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "meeting", 4)
	remote := &mockRemote{}
	a := NewAdapter(st, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "contacted")
	require.NoError(t, err)
	assert.Equal(t, "contacted", reached)
	assert.Equal(t, []move{{4, 3}, {3, 2}}, remote.moves)
}

func TestAdvanceStage_AlreadyThere(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "meeting", 4)
	remote := &mockRemote{}
	a := NewAdapter(st, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "meeting")
	require.NoError(t, err)
	assert.Equal(t, "meeting", reached)
	assert.Empty(t, remote.moves)

	hist, err := st.ListStageHistory(context.Background(), "l1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestAdvanceStage_ReadsRemoteWhenNoLocalStage(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "", 0)
	remote := &mockRemote{stageCodeFn: func(*model.LeadState) (int, error) { return 2, nil }}
	a := NewAdapter(st, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "prospecting")
	require.NoError(t, err)
	assert.Equal(t, "prospecting", reached)
	assert.Equal(t, []move{{2, 3}}, remote.moves)
}

func TestAdvanceStage_Errors(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "new", 1)
	a := NewAdapter(st, &mockRemote{}, testMappings(t))

	_, err := a.AdvanceStage(context.Background(), "missing", "won")
	assert.True(t, store.IsNotFound(err))

	reached, err := a.AdvanceStage(context.Background(), "l1", "lost")
	assert.ErrorIs(t, err, model.ErrUnknownStage)
	assert.Equal(t, "new", reached)
}

// failingStageStore fails every SetLeadStage.
type failingStageStore struct {
	store.Store
}

func (failingStageStore) SetLeadStage(context.Context, model.StageChange) error {
	return errors.New("database is locked")
}

func TestAdvanceStage_ReconcileFailureKeepsLastKnownGood(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "new", 1)
	remote := &mockRemote{moveFn: func(n, _, _ int) error {
		if n == 2 {
			return errors.New("remote down")
		}
		return nil
	}}
	a := NewAdapter(failingStageStore{st}, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "won")
	require.Error(t, err)
	assert.Equal(t, "new", reached)
	assert.Contains(t, err.Error(), "database is locked")

	var pf *PartialFailureError
	assert.False(t, errors.As(err, &pf))

	stage, code := leadStage(t, st, "l1")
	assert.Equal(t, "new", stage)
	assert.Equal(t, 1, code)
}

func TestAdvanceStage_WorkableReconciliation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLead(t, st, "l1", "prospecting", 3)
	p1 := seedParticipant(t, st, "c1", "l1")
	p2 := seedParticipant(t, st, "c2", "l1")
	_, err := st.TransitionParticipant(ctx, p2.ID, store.StatusChange{
		From: model.StatusActive, To: model.StatusPaused, Reason: model.PauseManual,
	})
	require.NoError(t, err)

	a := NewAdapter(st, &mockRemote{}, testMappings(t))

	_, err = a.AdvanceStage(ctx, "l1", "meeting")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPausedKanban, participantStatus(t, st, p1.ID))
	assert.Equal(t, model.StatusPaused, participantStatus(t, st, p2.ID))

	_, err = a.AdvanceStage(ctx, "l1", "prospecting")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, participantStatus(t, st, p1.ID))
	assert.Equal(t, model.StatusPaused, participantStatus(t, st, p2.ID), "manual pause survives")
}

func TestAdvanceStage_PartialFailureLandsOnWorkable(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "contacted", 2)
	p := seedParticipant(t, st, "c1", "l1")
	_, err := st.TransitionParticipant(context.Background(), p.ID, store.StatusChange{
		From: model.StatusActive, To: model.StatusPausedKanban, Reason: model.PauseKanban,
	})
	require.NoError(t, err)

	remote := &mockRemote{moveFn: func(n, _, _ int) error {
		if n == 2 {
			return errors.New("remote down")
		}
		return nil
	}}
	a := NewAdapter(st, remote, testMappings(t))

	reached, err := a.AdvanceStage(context.Background(), "l1", "won")
	require.Error(t, err)
	assert.Equal(t, "prospecting", reached)
	assert.Equal(t, model.StatusActive, participantStatus(t, st, p.ID))
}

func TestApplyRemoteStage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLead(t, st, "l1", "prospecting", 3)
	p := seedParticipant(t, st, "c1", "l1")
	remote := &mockRemote{}
	a := NewAdapter(st, remote, testMappings(t))

	name, err := a.ApplyRemoteStage(ctx, "l1", 5)
	require.NoError(t, err)
	assert.Equal(t, "won", name)
	assert.Empty(t, remote.moves)
	assert.Equal(t, model.StatusPausedKanban, participantStatus(t, st, p.ID))

	hist, err := st.ListStageHistory(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, SourceCRM, hist[0].Source)

	// Same code again is a no-op.
	name, err = a.ApplyRemoteStage(ctx, "l1", 5)
	require.NoError(t, err)
	assert.Equal(t, "won", name)
	hist, err = st.ListStageHistory(ctx, "l1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = a.ApplyRemoteStage(ctx, "l1", 99)
	assert.ErrorIs(t, err, model.ErrUnknownStage)
}

func TestRefresh(t *testing.T) {
	st := newTestStore(t)
	seedLead(t, st, "l1", "new", 1)
	remote := &mockRemote{stageCodeFn: func(*model.LeadState) (int, error) { return 4, nil }}
	a := NewAdapter(st, remote, testMappings(t))

	name, err := a.Refresh(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "meeting", name)
	stage, _ := leadStage(t, st, "l1")
	assert.Equal(t, "meeting", stage)
}

func TestMirrorOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLead(t, st, "l1", "new", 1)
	_, err := st.EnsureLeadState(ctx, model.LeadState{LeadID: "l2"})
	require.NoError(t, err)

	remote := &mockRemote{}
	a := NewAdapter(st, remote, testMappings(t))

	require.NoError(t, a.MirrorOwner(ctx, "l1", true, "u1"))
	require.NoError(t, a.MirrorOwner(ctx, "l2", true, "u1"))
	assert.Equal(t, []string{"u1"}, remote.owners)

	remote.setOwnerFn = func(*model.LeadState, bool, string) error { return errors.New("503") }
	err = a.MirrorOwner(ctx, "l1", false, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror owner of lead l1")
}

func TestPartialFailureError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := error(&PartialFailureError{LeadID: "l1", Reached: "a", Target: "b", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `crmsync: lead l1 stopped at "a" moving to "b": boom`, err.Error())
}
