package monitoring

import (
	"context"
	"errors"
	"path/filepath"
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

func seed(t *testing.T, st store.Store, campaignID string, active bool, leads ...string) []*model.Participant {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertCampaign(ctx, &model.Campaign{
		ID: campaignID, PriorityChannel: model.ChannelEmail, IsActive: active,
	}))
	var out []*model.Participant
	for _, l := range leads {
		p := &model.Participant{
			CampaignID:      campaignID,
			LeadID:          l,
			Email:           l + "@example.com",
			NextScheduledAt: time.Now().UTC().Add(-time.Hour),
		}
		require.NoError(t, st.CreateParticipant(ctx, p))
		out = append(out, p)
	}
	return out
}

func TestCollector_Collect(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ps := seed(t, st, "c1", true, "a", "b", "c", "d")
	seed(t, st, "paused", false, "e")
	now := time.Now().UTC()

	// a: sent
	claimed, err := st.Claim(ctx, ps[0].ID, now)
	require.NoError(t, err)
	require.NoError(t, st.CommitSend(ctx, ps[0].ID, claimed.ClaimToken, model.SendCommit{At: now, NextScheduledAt: now.Add(time.Hour)}))

	// b: terminal failure
	claimed, err = st.Claim(ctx, ps[1].ID, now)
	require.NoError(t, err)
	require.NoError(t, st.CommitFailure(ctx, ps[1].ID, claimed.ClaimToken, model.FailureCommit{RetryCount: model.MaxRetries, LastError: "boom"}))

	// c: claim held for an hour
	_, err = st.Claim(ctx, ps[2].ID, now.Add(-time.Hour))
	require.NoError(t, err)

	snap, err := NewCollector(st, 15*time.Minute).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Campaigns, 1, "inactive campaigns are not collected")

	c := snap.Campaigns[0]
	assert.Equal(t, "c1", c.CampaignID)
	assert.Equal(t, 1, c.Pending)
	assert.Equal(t, 1, c.Processing)
	assert.Equal(t, 1, c.Sent)
	assert.Equal(t, 1, c.Failed)
	assert.Equal(t, 1, c.Terminal)
	assert.Equal(t, 1, snap.StaleClaims)
	assert.Equal(t, 15*time.Minute, snap.StaleAfter)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_FreshClaimNotStale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ps := seed(t, st, "c1", true, "a")

	_, err := st.Claim(ctx, ps[0].ID, time.Now().UTC())
	require.NoError(t, err)

	snap, err := NewCollector(st, 15*time.Minute).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.StaleClaims)
	assert.Equal(t, 1, snap.Campaigns[0].Processing)
}

// errSource implements Source and fails on the configured call.
type errSource struct {
	Source
	listErr  error
	countErr error
}

func (e *errSource) ListCampaigns(ctx context.Context, activeOnly bool) ([]model.Campaign, error) {
	if e.listErr != nil {
		return nil, e.listErr
	}
	return e.Source.ListCampaigns(ctx, activeOnly)
}

func (e *errSource) CountByMessageStatus(ctx context.Context, campaignID string) (map[model.MessageStatus]int, error) {
	if e.countErr != nil {
		return nil, e.countErr
	}
	return e.Source.CountByMessageStatus(ctx, campaignID)
}

func TestCollector_Errors(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c1", true, "a")
	ctx := context.Background()

	_, err := NewCollector(&errSource{Source: st, listErr: errors.New("db down")}, time.Minute).Collect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list campaigns")

	_, err = NewCollector(&errSource{Source: st, countErr: errors.New("db down")}, time.Minute).Collect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count campaign c1")
}
