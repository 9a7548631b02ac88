// Package schedule runs the periodic jobs of the engine: due-participant
// dispatch, the CRM sync outbox drain and the health check. Jobs run either
// as Temporal scheduled workflows or in-process on a cron runner.
package schedule

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/crmsync"
	"github.com/sells-group/prospect-cli/internal/dispatch"
)

// Dispatcher processes every active campaign once.
type Dispatcher interface {
	ProcessAll(ctx context.Context) ([]dispatch.BatchResult, error)
}

// SyncDrainer delivers one batch of queued CRM sync tasks.
type SyncDrainer interface {
	Drain(ctx context.Context) (*crmsync.DrainResult, error)
}

// HealthChecker evaluates alert rules and returns how many alerts fired.
type HealthChecker interface {
	Check(ctx context.Context) int
}

// DispatchSummary totals one dispatch pass across campaigns.
type DispatchSummary struct {
	Campaigns int `json:"campaigns"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
	Terminal  int `json:"terminal"`
}

// Summarize totals batch results.
func Summarize(results []dispatch.BatchResult) DispatchSummary {
	s := DispatchSummary{Campaigns: len(results)}
	for _, r := range results {
		s.Sent += r.Sent
		s.Failed += r.Failed
		s.Skipped += r.Skipped
		s.Remaining += r.Remaining
		s.Terminal += len(r.Terminal)
	}
	return s
}

// Activities holds the dependencies of the scheduled jobs. Any field may be
// nil, in which case the matching activity is a no-op.
type Activities struct {
	Dispatcher Dispatcher
	Sync       SyncDrainer
	Health     HealthChecker
}

// ProcessCampaigns runs one dispatch pass.
func (a *Activities) ProcessCampaigns(ctx context.Context) (*DispatchSummary, error) {
	if a.Dispatcher == nil {
		return &DispatchSummary{}, nil
	}
	results, err := a.Dispatcher.ProcessAll(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "schedule: process campaigns")
	}
	s := Summarize(results)
	zap.L().Info("schedule: dispatch pass complete",
		zap.Int("campaigns", s.Campaigns),
		zap.Int("sent", s.Sent),
		zap.Int("failed", s.Failed),
		zap.Int("remaining", s.Remaining),
	)
	return &s, nil
}

// DrainSync delivers one batch of CRM sync tasks.
func (a *Activities) DrainSync(ctx context.Context) (*crmsync.DrainResult, error) {
	if a.Sync == nil {
		return &crmsync.DrainResult{}, nil
	}
	res, err := a.Sync.Drain(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "schedule: drain sync")
	}
	return res, nil
}

// CheckHealth evaluates monitoring rules.
func (a *Activities) CheckHealth(ctx context.Context) (int, error) {
	if a.Health == nil {
		return 0, nil
	}
	return a.Health.Check(ctx), nil
}
