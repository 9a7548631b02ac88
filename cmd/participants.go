package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/dispatch"
	"github.com/sells-group/prospect-cli/internal/model"
)

var participantsCmd = &cobra.Command{
	Use:     "participants",
	Aliases: []string{"p"},
	Short:   "Inspect and manage campaign participants",
}

// -- participants list --

var participantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List participants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		campaignID, _ := cmd.Flags().GetString("campaign")
		leadID, _ := cmd.Flags().GetString("lead")
		status, _ := cmd.Flags().GetString("status")
		msgStatus, _ := cmd.Flags().GetString("message-status")
		terminal, _ := cmd.Flags().GetBool("terminal")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		ps, err := env.Service.ListParticipants(ctx, model.ParticipantFilter{
			CampaignID:     campaignID,
			LeadID:         leadID,
			Status:         model.ParticipantStatus(status),
			MessageStatus:  model.MessageStatus(msgStatus),
			TerminalFailed: terminal,
			Limit:          limit,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, ps)
		}
		if len(ps) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No participants found.")
			return nil
		}
		formatParticipants(os.Stdout, ps)
		return nil
	},
}

// formatParticipants writes a tabular participant listing to out.
func formatParticipants(out io.Writer, ps []model.Participant) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCAMPAIGN\tLEAD\tSTATUS\tMESSAGE\tTEMP\tCONTACTS\tRETRIES\tNEXT")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t------\t-------\t----\t--------\t-------\t----")
	for _, p := range ps {
		status := string(p.Status)
		if p.PauseReason != model.PauseNone {
			status = fmt.Sprintf("%s (%s)", p.Status, p.PauseReason)
		}
		next := p.NextScheduledAt
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			p.ID, p.CampaignID, p.LeadID, status, p.MessageStatus, p.Temperature,
			p.ContactCount, p.RetryCount, fmtTime(&next))
	}
	_ = w.Flush()
}

// -- participants show --

var participantsShowCmd = &cobra.Command{
	Use:   "show <participant-id>",
	Short: "Show a participant and its message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Service.GetParticipant(ctx, args[0])
		if err != nil {
			return err
		}
		msgs, err := env.Service.History(ctx, args[0])
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, map[string]any{"participant": p, "messages": msgs})
		}
		formatParticipantDetail(os.Stdout, p, msgs)
		return nil
	},
}

// formatParticipantDetail writes a participant followed by its message
// history, newest first as returned by the store.
func formatParticipantDetail(out io.Writer, p *model.Participant, msgs []model.MessageRecord) {
	next := p.NextScheduledAt
	_, _ = fmt.Fprintf(out, "Participant:  %s\n", p.ID)
	_, _ = fmt.Fprintf(out, "Campaign:     %s\n", p.CampaignID)
	_, _ = fmt.Fprintf(out, "Lead:         %s (%s)\n", p.LeadID, dash(p.Name))
	_, _ = fmt.Fprintf(out, "Contact:      phone=%s email=%s\n", dash(p.Phone), dash(p.Email))
	_, _ = fmt.Fprintf(out, "Status:       %s\n", p.Status)
	if p.PauseReason != model.PauseNone {
		_, _ = fmt.Fprintf(out, "Paused by:    %s\n", p.PauseReason)
	}
	_, _ = fmt.Fprintf(out, "Message:      %s (retries %d/%d)\n", p.MessageStatus, p.RetryCount, model.MaxRetries)
	_, _ = fmt.Fprintf(out, "Temperature:  %s\n", p.Temperature)
	_, _ = fmt.Fprintf(out, "Contacts:     %d sent, %d responses\n", p.ContactCount, p.ResponseCount)
	_, _ = fmt.Fprintf(out, "Last contact: %s\n", fmtTime(p.LastContactAt))
	_, _ = fmt.Fprintf(out, "Next:         %s\n", fmtTime(&next))
	if p.LastError != "" {
		_, _ = fmt.Fprintf(out, "Last error:   %s\n", p.LastError)
	}
	if p.TerminallyFailed() {
		_, _ = fmt.Fprintln(out, "Terminal failure: reset required")
	}

	if len(msgs) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tCHANNEL\tOUTCOME\tFALLBACK\tDETAIL")
	for _, m := range msgs {
		at := m.AttemptedAt
		detail := m.ProviderMessageID
		if m.Error != "" {
			detail = m.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", fmtTime(&at), m.Channel, m.Outcome, m.Fallback, truncate(dash(detail), 60))
	}
	_ = w.Flush()
}

// participantActionCmd builds a subcommand applying fn to one participant.
func participantActionCmd(use, short, done string, fn func(*dispatch.Service) func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <participant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := initApp(ctx, "dispatch")
			if err != nil {
				return err
			}
			defer env.Close()

			if err := fn(env.Service)(ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "participant %s %s\n", args[0], done)
			return nil
		},
	}
}

func init() {
	f := participantsListCmd.Flags()
	f.String("campaign", "", "filter by campaign ID")
	f.String("lead", "", "filter by lead ID")
	f.String("status", "", "filter by participant status")
	f.String("message-status", "", "filter by message status")
	f.Bool("terminal", false, "only participants that exhausted every retry")
	f.Int("limit", 50, "maximum rows")
	f.Bool("json", false, "print as JSON")
	participantsShowCmd.Flags().Bool("json", false, "print as JSON")

	participantsCmd.AddCommand(
		participantsListCmd,
		participantsShowCmd,
		participantActionCmd("pause", "Pause a participant", "paused",
			func(s *dispatch.Service) func(context.Context, string) error { return s.PauseParticipant }),
		participantActionCmd("resume", "Resume a manually paused participant", "resumed",
			func(s *dispatch.Service) func(context.Context, string) error { return s.ResumeParticipant }),
		participantActionCmd("reset", "Clear a failed participant's retries so it is sent again", "reset",
			func(s *dispatch.Service) func(context.Context, string) error { return s.ResetParticipant }),
		participantActionCmd("remove", "Remove a participant from its campaign", "removed",
			func(s *dispatch.Service) func(context.Context, string) error { return s.RemoveParticipant }),
		participantActionCmd("respond", "Record an inbound response from a participant", "updated",
			func(s *dispatch.Service) func(context.Context, string) error {
				return func(ctx context.Context, id string) error {
					_, err := s.RecordResponse(ctx, id)
					return err
				}
			}),
	)
	rootCmd.AddCommand(participantsCmd)
}
