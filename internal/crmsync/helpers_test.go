package crmsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

const testStagesYAML = `
funnels:
  - funnel_id: "f1"
    workable: prospecting
    stages:
      - {name: new, code: 1}
      - {name: contacted, code: 2}
      - {name: prospecting, code: 3}
      - {name: meeting, code: 4}
      - {name: won, code: 5}
`

type move struct{ from, to int }

// mockRemote implements Remote for testing.
type mockRemote struct {
	mu          sync.Mutex
	moves       []move
	owners      []string
	moveFn      func(n int, from, to int) error
	stageCodeFn func(lead *model.LeadState) (int, error)
	setOwnerFn  func(lead *model.LeadState, locked bool, ownerID string) error
	mappingFn   func(funnelID string) (*model.StageMapping, error)
}

func (m *mockRemote) StageCode(_ context.Context, lead *model.LeadState) (int, error) {
	if m.stageCodeFn != nil {
		return m.stageCodeFn(lead)
	}
	return lead.StageCode, nil
}

func (m *mockRemote) Move(_ context.Context, _ *model.LeadState, from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.moves) + 1
	if m.moveFn != nil {
		if err := m.moveFn(n, from, to); err != nil {
			return err
		}
	}
	m.moves = append(m.moves, move{from, to})
	return nil
}

func (m *mockRemote) SetOwner(_ context.Context, lead *model.LeadState, locked bool, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setOwnerFn != nil {
		if err := m.setOwnerFn(lead, locked, ownerID); err != nil {
			return err
		}
	}
	m.owners = append(m.owners, ownerID)
	return nil
}

func (m *mockRemote) Mapping(_ context.Context, funnelID string) (*model.StageMapping, error) {
	if m.mappingFn != nil {
		return m.mappingFn(funnelID)
	}
	return nil, ErrNoRemoteMapping
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testMappings(t *testing.T) *FileMappings {
	t.Helper()
	fm, err := ParseMappings([]byte(testStagesYAML))
	require.NoError(t, err)
	return fm
}

func seedLead(t *testing.T, st store.Store, leadID, stage string, code int) {
	t.Helper()
	_, err := st.EnsureLeadState(context.Background(), model.LeadState{
		LeadID:       leadID,
		ActivityCode: "act-" + leadID,
		FunnelID:     "f1",
		CurrentStage: stage,
		StageCode:    code,
	})
	require.NoError(t, err)
}

func seedParticipant(t *testing.T, st store.Store, campaignID, leadID string) *model.Participant {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertCampaign(ctx, &model.Campaign{
		ID:              campaignID,
		Name:            campaignID,
		PriorityChannel: model.ChannelWhatsApp,
		IsActive:        true,
	}))
	p := &model.Participant{
		CampaignID:      campaignID,
		LeadID:          leadID,
		Name:            "Lead " + leadID,
		Phone:           "+5511999990000",
		NextScheduledAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateParticipant(ctx, p))
	return p
}

func leadStage(t *testing.T, st store.Store, leadID string) (string, int) {
	t.Helper()
	l, err := st.GetLeadState(context.Background(), leadID)
	require.NoError(t, err)
	require.NotNil(t, l)
	return l.CurrentStage, l.StageCode
}

func participantStatus(t *testing.T, st store.Store, id string) model.ParticipantStatus {
	t.Helper()
	p, err := st.GetParticipant(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}
