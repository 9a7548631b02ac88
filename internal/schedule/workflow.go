package schedule

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/prospect-cli/internal/crmsync"
)

// Workflow names used by schedules and the CLI.
const (
	DispatchWorkflowName = "DispatchWorkflow"
	SyncWorkflowName     = "SyncWorkflow"
)

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
}

// DispatchWorkflow runs one dispatch pass followed by a health check. A failed
// health check does not fail the workflow.
func DispatchWorkflow(ctx workflow.Context) (*DispatchSummary, error) {
	var a *Activities
	logger := workflow.GetLogger(ctx)

	dctx := workflow.WithActivityOptions(ctx, activityOptions(10*time.Minute))
	var summary DispatchSummary
	if err := workflow.ExecuteActivity(dctx, a.ProcessCampaigns).Get(ctx, &summary); err != nil {
		return nil, err
	}

	hctx := workflow.WithActivityOptions(ctx, activityOptions(time.Minute))
	var alerts int
	if err := workflow.ExecuteActivity(hctx, a.CheckHealth).Get(ctx, &alerts); err != nil {
		logger.Warn("health check failed", "error", err)
	}

	logger.Info("dispatch workflow complete", "sent", summary.Sent, "failed", summary.Failed, "alerts", alerts)
	return &summary, nil
}

// SyncWorkflow drains one batch of the CRM sync outbox.
func SyncWorkflow(ctx workflow.Context) (*crmsync.DrainResult, error) {
	var a *Activities
	ctx = workflow.WithActivityOptions(ctx, activityOptions(5*time.Minute))

	var res crmsync.DrainResult
	if err := workflow.ExecuteActivity(ctx, a.DrainSync).Get(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
