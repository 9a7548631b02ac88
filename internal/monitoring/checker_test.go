package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1}
	checker := NewChecker(NewCollector(st, time.Minute), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	st := newTestStore(t)
	checker := NewChecker(NewCollector(st, time.Minute), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsBacklogAlert(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	st := newTestStore(t)
	ctx := context.Background()
	ps := seed(t, st, "c1", true, "a", "b")
	now := time.Now().UTC()
	for _, p := range ps {
		claimed, err := st.Claim(ctx, p.ID, now)
		require.NoError(t, err)
		require.NoError(t, st.CommitFailure(ctx, p.ID, claimed.ClaimToken, model.FailureCommit{RetryCount: model.MaxRetries, LastError: "x"}))
	}

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, BacklogAlertThreshold: 2}
	checker := NewChecker(NewCollector(st, time.Minute), NewAlerter(cfg), cfg)

	assert.Equal(t, 1, checker.Check(ctx))
	assert.Equal(t, int32(1), received.Load())

	cfg.BacklogAlertThreshold = 3
	checker = NewChecker(NewCollector(st, time.Minute), NewAlerter(cfg), cfg)
	assert.Equal(t, 0, checker.Check(ctx))
}

func TestChecker_RepeatWindow(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, RepeatAfterMins: 60}
	checker := NewChecker(nil, NewAlerter(cfg), cfg)
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	checker.now = func() time.Time { return clock }

	alerts := []Alert{
		{Type: AlertTerminalBacklog, Details: map[string]any{"campaign_id": "c1"}},
		{Type: AlertTerminalBacklog, Details: map[string]any{"campaign_id": "c2"}},
	}
	due := checker.due(alerts)
	require.Len(t, due, 2)
	checker.mark(checker.alerter.deliver(context.Background(), due))
	assert.Equal(t, int32(2), received.Load())

	clock = clock.Add(30 * time.Minute)
	assert.Empty(t, checker.due(alerts))

	clock = clock.Add(31 * time.Minute)
	assert.Len(t, checker.due(alerts), 2)
}

func TestChecker_FailedDeliveryNotSilenced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, RepeatAfterMins: 60}
	checker := NewChecker(nil, NewAlerter(cfg), cfg)
	alerts := []Alert{{Type: AlertStaleClaims}}

	checker.mark(checker.alerter.deliver(context.Background(), alerts))
	assert.Len(t, checker.due(alerts), 1)
}
