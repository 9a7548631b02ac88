package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/crmsync"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/ownership"
)

var leadCmd = &cobra.Command{
	Use:   "lead",
	Short: "Lead ownership and pipeline stage",
}

var leadAssumeCmd = &cobra.Command{
	Use:   "assume <lead-id>",
	Short: "Take ownership of a lead, pausing its automated contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")

		env, err := initApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Ownership.Assume(ctx, args[0], user, ownership.SourceUser)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

var leadReleaseCmd = &cobra.Command{
	Use:   "release <lead-id>",
	Short: "Release ownership of a lead and resume its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		admin, _ := cmd.Flags().GetBool("admin")

		env, err := initApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Ownership.Release(ctx, args[0], user, admin, ownership.SourceUser)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

var leadStageCmd = &cobra.Command{
	Use:   "stage <lead-id> <stage>",
	Short: "Move a lead to a pipeline stage in the CRM",
	Long: `Moves a lead one stage at a time toward the target stage. With --queue the
move is written to the sync outbox and delivered by the sync worker.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		queue, _ := cmd.Flags().GetBool("queue")

		env, err := initApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		if queue {
			if err := env.Adapter.QueueStage(ctx, args[0], args[1]); err != nil {
				return err
			}
			zap.L().Info("stage move queued", zap.String("lead_id", args[0]), zap.String("target", args[1]))
			return nil
		}

		reached, err := env.Adapter.AdvanceStage(ctx, args[0], args[1])
		var partial *crmsync.PartialFailureError
		if errors.As(err, &partial) {
			_, _ = fmt.Fprintf(os.Stdout, "lead %s stopped at %s\n", args[0], reached)
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "lead %s now at %s\n", args[0], reached)
		return nil
	},
}

var leadStatusCmd = &cobra.Command{
	Use:   "status <lead-id>",
	Short: "Show a lead's stage, owner and stage history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			if _, err := env.Adapter.Refresh(ctx, args[0]); err != nil {
				return err
			}
		}
		lead, err := env.Ownership.Status(ctx, args[0])
		if err != nil {
			return err
		}
		hist, err := env.Store.ListStageHistory(ctx, args[0])
		if err != nil {
			return err
		}
		formatLead(os.Stdout, lead, hist)
		return nil
	},
}

func formatLead(out io.Writer, lead *model.LeadState, hist []model.StageChange) {
	owner := "-"
	if lead.OwnerLock {
		owner = lead.OwnerID
	}
	_, _ = fmt.Fprintf(out, "Lead:   %s\n", lead.LeadID)
	_, _ = fmt.Fprintf(out, "Stage:  %s (%d)\n", dash(lead.CurrentStage), lead.StageCode)
	_, _ = fmt.Fprintf(out, "Owner:  %s\n", owner)
	if len(hist) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tFROM\tTO\tSOURCE\tNOTE")
	for _, h := range hist {
		at := h.ChangedAt
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", fmtTime(&at), dash(h.FromStage), h.ToStage, h.Source, dash(h.Note))
	}
	_ = w.Flush()
}

func init() {
	leadAssumeCmd.Flags().String("user", "", "user taking ownership")
	_ = leadAssumeCmd.MarkFlagRequired("user")
	leadReleaseCmd.Flags().String("user", "", "user releasing ownership")
	leadReleaseCmd.Flags().Bool("admin", false, "release a lock held by another user")
	leadStageCmd.Flags().Bool("queue", false, "deliver through the sync outbox")
	leadStatusCmd.Flags().Bool("refresh", false, "read the current stage from the CRM first")

	leadCmd.AddCommand(leadAssumeCmd, leadReleaseCmd, leadStageCmd, leadStatusCmd)
	rootCmd.AddCommand(leadCmd)
}
