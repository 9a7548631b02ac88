package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/channel"
	"github.com/sells-group/prospect-cli/internal/composer"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// t0 is a Monday afternoon, outside any quiet window used in tests.
var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sendCall struct {
	to   model.Recipient
	body string
}

// fakeSender implements channel.Sender for testing.
type fakeSender struct {
	ch     model.Channel
	mu     sync.Mutex
	calls  []sendCall
	sendFn func(n int, to model.Recipient) error
	delay  time.Duration
}

func (f *fakeSender) Channel() model.Channel { return f.ch }

func (f *fakeSender) Send(_ context.Context, to model.Recipient, body string) (channel.Delivery, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{to: to, body: body})
	n := len(f.calls)
	fn := f.sendFn
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fn != nil {
		if err := fn(n, to); err != nil {
			return channel.Delivery{}, err
		}
	}
	return channel.Delivery{Channel: f.ch, ProviderMessageID: fmt.Sprintf("%s-%d", f.ch, n)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) perPhone() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, c := range f.calls {
		out[c.to.Phone]++
	}
	return out
}

// fakeComposer implements composer.Composer for testing.
type fakeComposer struct {
	mu        sync.Mutex
	calls     int
	composeFn func(agent composer.AgentConfig, pc composer.ParticipantContext) (string, error)
}

func (f *fakeComposer) Compose(_ context.Context, agent composer.AgentConfig, pc composer.ParticipantContext) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.composeFn != nil {
		return f.composeFn(agent, pc)
	}
	return fmt.Sprintf("Hi %s (%s)", pc.Name, agent.Channel), nil
}

// fakeAlerter implements Alerter for testing.
type fakeAlerter struct {
	mu       sync.Mutex
	campaign string
	failures []TerminalFailure
}

func (f *fakeAlerter) TerminalFailures(_ context.Context, campaignID string, failures []TerminalFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign = campaignID
	f.failures = append(f.failures, failures...)
	return nil
}

// staticMappings implements StageMappings for testing.
type staticMappings struct {
	mu      sync.Mutex
	calls   int
	mapping *model.StageMapping
	err     error
}

func (s *staticMappings) Mapping(context.Context, string) (*model.StageMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	m := *s.mapping
	return &m, nil
}

func testStageMapping() *model.StageMapping {
	return &model.StageMapping{
		FunnelID: "f1",
		Workable: "prospecting",
		Stages: []model.StageDef{
			{Name: "new", Code: 1},
			{Name: "prospecting", Code: 2},
			{Name: "meeting", Code: 3},
		},
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// harness wires an orchestrator to a SQLite store, fake senders and a fake
// composer under a controllable clock.
type harness struct {
	st    *store.SQLiteStore
	wa    *fakeSender
	email *fakeSender
	comp  *fakeComposer
	clock *testClock
	reg   *channel.Registry
	camp  *model.Campaign
}

func newHarness(t *testing.T, mut func(c *model.Campaign)) *harness {
	t.Helper()
	h := &harness{
		st:    newTestStore(t),
		wa:    &fakeSender{ch: model.ChannelWhatsApp},
		email: &fakeSender{ch: model.ChannelEmail},
		comp:  &fakeComposer{},
		clock: &testClock{now: t0},
	}
	h.reg = channel.NewRegistry(h.wa, h.email)
	h.camp = &model.Campaign{
		ID:               "camp-1",
		Name:             "Spring outreach",
		ColdDays:         3,
		WarmDays:         2,
		HotDays:          1,
		PriorityChannel:  model.ChannelWhatsApp,
		FallbackChannels: []model.Channel{model.ChannelEmail},
		IsActive:         true,
	}
	if mut != nil {
		mut(h.camp)
	}
	require.NoError(t, h.st.UpsertCampaign(context.Background(), h.camp))
	return h
}

func (h *harness) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	return NewOrchestrator(h.st, h.reg, h.comp, cfg, opts...)
}

func (h *harness) policy() model.Policy {
	return h.camp.Policy()
}

func (h *harness) enroll(t *testing.T, leadID string, mut func(p *model.Participant)) *model.Participant {
	t.Helper()
	p := &model.Participant{
		CampaignID:      h.camp.ID,
		LeadID:          leadID,
		Name:            "lead " + leadID,
		Phone:           "+55119" + leadID,
		Email:           leadID + "@example.com",
		NextScheduledAt: t0.Add(-time.Hour),
	}
	if mut != nil {
		mut(p)
	}
	require.NoError(t, h.st.CreateParticipant(context.Background(), p))
	return p
}

func (h *harness) get(t *testing.T, id string) *model.Participant {
	t.Helper()
	p, err := h.st.GetParticipant(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) history(t *testing.T, id string) map[model.Channel][]model.MessageRecord {
	t.Helper()
	recs, err := h.st.ListMessages(context.Background(), id)
	require.NoError(t, err)
	out := make(map[model.Channel][]model.MessageRecord)
	for _, r := range recs {
		out[r.Channel] = append(out[r.Channel], r)
	}
	return out
}
