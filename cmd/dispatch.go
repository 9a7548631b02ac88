package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/dispatch"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send due campaign messages",
}

var dispatchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one due batch for a campaign, or for every active campaign",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		campaignID, _ := cmd.Flags().GetString("campaign")
		asJSON, _ := cmd.Flags().GetBool("json")

		var results []dispatch.BatchResult
		if campaignID != "" {
			res, err := env.Service.ProcessDueBatch(ctx, campaignID)
			if err != nil {
				return err
			}
			results = append(results, *res)
		} else {
			results, err = env.Service.ProcessAll(ctx)
			if err != nil {
				return err
			}
		}

		if asJSON {
			return printJSON(os.Stdout, results)
		}
		if len(results) == 0 {
			zap.L().Info("no active campaigns")
			return nil
		}
		formatBatchResults(os.Stdout, results)
		return nil
	},
}

// formatBatchResults writes one row per campaign batch to out.
func formatBatchResults(out io.Writer, results []dispatch.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CAMPAIGN\tSENT\tFAILED\tSKIPPED\tREMAINING\tRECLAIMED\tTERMINAL")
	_, _ = fmt.Fprintln(w, "--------\t----\t------\t-------\t---------\t---------\t--------")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.CampaignID, r.Sent, r.Failed, r.Skipped, r.Remaining, r.Reclaimed, len(r.Terminal))
	}
	_ = w.Flush()

	for _, r := range results {
		for _, t := range r.Terminal {
			_, _ = fmt.Fprintf(out, "terminal failure: campaign=%s participant=%s lead=%s error=%s\n",
				r.CampaignID, t.ParticipantID, t.LeadID, t.LastError)
		}
	}
}

func init() {
	dispatchRunCmd.Flags().String("campaign", "", "campaign ID (default: every active campaign)")
	dispatchRunCmd.Flags().Bool("json", false, "print results as JSON")
	dispatchCmd.AddCommand(dispatchRunCmd)
	rootCmd.AddCommand(dispatchCmd)
}
