package schedule

import (
	"context"
	"errors"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/rotisserie/eris"
)

// Schedule IDs registered with Temporal.
const (
	DispatchScheduleID = "prospect-dispatch"
	SyncScheduleID     = "prospect-sync"
)

// Intervals sets how often each scheduled workflow runs. A zero interval
// leaves that schedule unregistered.
type Intervals struct {
	Dispatch time.Duration
	Sync     time.Duration
}

// NewWorker registers the workflows and activities on a task queue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(DispatchWorkflow, workflow.RegisterOptions{Name: DispatchWorkflowName})
	w.RegisterWorkflowWithOptions(SyncWorkflow, workflow.RegisterOptions{Name: SyncWorkflowName})
	w.RegisterActivity(acts)
	return w
}

// EnsureSchedules creates the dispatch and sync schedules. Schedules that
// already exist are left as they are.
func EnsureSchedules(ctx context.Context, c client.Client, taskQueue string, iv Intervals) error {
	specs := []struct {
		id       string
		workflow string
		every    time.Duration
	}{
		{id: DispatchScheduleID, workflow: DispatchWorkflowName, every: iv.Dispatch},
		{id: SyncScheduleID, workflow: SyncWorkflowName, every: iv.Sync},
	}

	for _, s := range specs {
		if s.every <= 0 {
			continue
		}
		_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: s.id,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: s.every}},
			},
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
			Action: &client.ScheduleWorkflowAction{
				ID:        s.id + "-run",
				Workflow:  s.workflow,
				TaskQueue: taskQueue,
			},
		})
		if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
			zap.L().Debug("schedule: already registered", zap.String("schedule_id", s.id))
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "schedule: create %s", s.id)
		}
		zap.L().Info("schedule: registered",
			zap.String("schedule_id", s.id),
			zap.Duration("every", s.every),
		)
	}
	return nil
}
