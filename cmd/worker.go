package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/schedule"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for scheduled dispatch and CRM sync",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    schedule.NewLogger(zap.L()),
		})
		if err != nil {
			return eris.Wrap(err, "temporal dial")
		}
		defer c.Close()

		skip, _ := cmd.Flags().GetBool("skip-schedules")
		if !skip {
			iv := schedule.Intervals{
				Dispatch: time.Duration(cfg.Temporal.DispatchIntervalSecs) * time.Second,
				Sync:     time.Duration(cfg.Temporal.SyncIntervalSecs) * time.Second,
			}
			if err := schedule.EnsureSchedules(ctx, c, cfg.Temporal.TaskQueue, iv); err != nil {
				return err
			}
		}

		w := schedule.NewWorker(c, cfg.Temporal.TaskQueue, env.Activities())
		zap.L().Info("starting worker",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("namespace", cfg.Temporal.Namespace),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().Bool("skip-schedules", false, "do not create the dispatch and sync schedules")
	rootCmd.AddCommand(workerCmd)
}
