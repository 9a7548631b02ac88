package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/enroll"
	"github.com/sells-group/prospect-cli/internal/model"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll leads into a campaign from a spreadsheet or the Notion lead queue",
	Long: `Reads leads from a .xlsx or .csv file (--file) or from the queued rows of
the Notion lead database (--notion) and enrolls them into a campaign. Rows
that fail validation are reported and skipped. Leads already enrolled in the
campaign are left untouched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		campaignID, _ := cmd.Flags().GetString("campaign")
		file, _ := cmd.Flags().GetString("file")
		fromNotion, _ := cmd.Flags().GetBool("notion")
		sheet, _ := cmd.Flags().GetString("sheet")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		if campaignID == "" {
			return eris.New("--campaign is required")
		}
		if (file == "") == !fromNotion {
			return eris.New("exactly one of --file or --notion is required")
		}

		env, err := initApp(ctx, "enroll")
		if err != nil {
			return err
		}
		defer env.Close()

		var (
			batch *enroll.Batch
			src   *enroll.NotionSource
		)
		if fromNotion {
			if env.Notion == nil || cfg.Notion.LeadDB == "" {
				return eris.New("notion.token and notion.lead_db are required for --notion")
			}
			src = enroll.NewNotionSource(env.Notion, cfg.Notion.LeadDB)
			batch, err = src.Load(ctx, campaignID)
		} else {
			batch, err = enroll.LoadFile(file, enroll.FileOptions{
				CampaignID: campaignID,
				Source:     model.SourceList,
				SheetName:  sheet,
			})
		}
		if err != nil {
			return err
		}

		if dryRun {
			res := &enroll.Result{Read: len(batch.Enrollments) + len(batch.Rejected), Rejected: batch.Rejected}
			zap.L().Info("dry run, nothing enrolled", zap.Int("valid", len(batch.Enrollments)))
			return writeImportResult(os.Stdout, res, asJSON)
		}

		res, err := enroll.Import(ctx, env.Service, campaignID, batch)
		if err != nil {
			return err
		}

		if src != nil {
			if err := src.Ack(ctx, batch); err != nil {
				zap.L().Warn("enroll: notion acknowledgement incomplete", zap.Error(err))
			}
		}

		zap.L().Info("enrollment complete",
			zap.String("campaign_id", campaignID),
			zap.Int("created", res.Created),
			zap.Int("existing", res.Existing),
			zap.Int("rejected", len(res.Rejected)),
		)
		return writeImportResult(os.Stdout, res, asJSON)
	},
}

func writeImportResult(out io.Writer, res *enroll.Result, asJSON bool) error {
	if asJSON {
		return printJSON(out, res)
	}
	formatImportResult(out, res)
	return nil
}

// formatImportResult writes a short summary followed by each rejected row.
func formatImportResult(out io.Writer, res *enroll.Result) {
	_, _ = fmt.Fprintf(out, "read: %d  created: %d  existing: %d  rejected: %d\n",
		res.Read, res.Created, res.Existing, len(res.Rejected))
	for _, r := range res.Rejected {
		_, _ = fmt.Fprintf(out, "  %s\n", r.Error())
	}
}

func init() {
	f := enrollCmd.Flags()
	f.String("campaign", "", "campaign ID to enroll into")
	f.String("file", "", "path to a .xlsx or .csv lead list")
	f.Bool("notion", false, "enroll the queued rows of the Notion lead database")
	f.String("sheet", "", "xlsx sheet name (default: first sheet)")
	f.Bool("dry-run", false, "validate the list without enrolling")
	f.Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(enrollCmd)
}
