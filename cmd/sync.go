package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "CRM sync outbox",
}

var syncDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver due sync tasks to the CRM once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Sync.Drain(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("sync drained",
			zap.Int("done", res.Done),
			zap.Int("retried", res.Retried),
			zap.Int("dead", res.Dead),
			zap.Int("requeued", res.Requeued),
		)
		return printJSON(os.Stdout, res)
	},
}

func init() {
	syncCmd.AddCommand(syncDrainCmd)
	rootCmd.AddCommand(syncCmd)
}
