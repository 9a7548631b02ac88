package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospect-cli/internal/model"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage campaigns",
}

// campaignFile is the YAML form of a campaign accepted by "campaign apply".
type campaignFile struct {
	ID               string           `yaml:"id"`
	Name             string           `yaml:"name"`
	MessagesPerWeek  int              `yaml:"messages_per_week"`
	MinIntervalHours int              `yaml:"min_interval_hours"`
	ColdDays         int              `yaml:"cold_days"`
	WarmDays         int              `yaml:"warm_days"`
	HotDays          int              `yaml:"hot_days"`
	QuietHours       model.QuietHours `yaml:"quiet_hours"`
	Timezone         string           `yaml:"timezone"`
	PriorityChannel  string           `yaml:"priority_channel"`
	FallbackChannels []string         `yaml:"fallback_channels"`
	WhatsAppInstance string           `yaml:"whatsapp_instance"`
	AgentPrompt      string           `yaml:"agent_prompt"`
	MaxContacts      int              `yaml:"max_contacts"`
	Active           *bool            `yaml:"active"`
}

// parseCampaignFile decodes and validates a campaign definition. Campaigns
// are active unless the file says otherwise.
func parseCampaignFile(data []byte) (*model.Campaign, error) {
	var f campaignFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, eris.Wrap(err, "parse campaign file")
	}

	c := &model.Campaign{
		ID:               f.ID,
		Name:             f.Name,
		MessagesPerWeek:  f.MessagesPerWeek,
		MinIntervalHours: f.MinIntervalHours,
		ColdDays:         f.ColdDays,
		WarmDays:         f.WarmDays,
		HotDays:          f.HotDays,
		QuietHours:       f.QuietHours,
		Timezone:         f.Timezone,
		PriorityChannel:  model.Channel(strings.ToLower(f.PriorityChannel)),
		WhatsAppInstance: f.WhatsAppInstance,
		AgentPrompt:      strings.TrimSpace(f.AgentPrompt),
		MaxContacts:      f.MaxContacts,
		IsActive:         f.Active == nil || *f.Active,
	}
	for _, ch := range f.FallbackChannels {
		c.FallbackChannels = append(c.FallbackChannels, model.Channel(strings.ToLower(ch)))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// -- campaign apply --

var campaignApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update a campaign from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			return eris.New("--file is required")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "read %s", path)
		}
		c, err := parseCampaignFile(data)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.UpsertCampaign(ctx, c); err != nil {
			return eris.Wrap(err, "campaign apply")
		}
		zap.L().Info("campaign saved", zap.String("campaign_id", c.ID), zap.Bool("active", c.IsActive))
		return nil
	},
}

// -- campaign list --

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		activeOnly, _ := cmd.Flags().GetBool("active")
		camps, err := env.Store.ListCampaigns(ctx, activeOnly)
		if err != nil {
			return eris.Wrap(err, "campaign list")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, camps)
		}
		if len(camps) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No campaigns found.")
			return nil
		}
		formatCampaigns(os.Stdout, camps)
		return nil
	},
}

// formatCampaigns writes a tabular campaign listing to out.
func formatCampaigns(out io.Writer, camps []model.Campaign) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tACTIVE\tCHANNELS\tPER WEEK\tCOLD/WARM/HOT\tMAX")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t--------\t-------------\t---")
	for _, c := range camps {
		chs := []string{string(c.PriorityChannel)}
		for _, f := range c.FallbackChannels {
			chs = append(chs, string(f))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%d/%d/%d\t%d\n",
			c.ID, truncate(dash(c.Name), 30), c.IsActive, strings.Join(chs, ">"),
			c.MessagesPerWeek, c.ColdDays, c.WarmDays, c.HotDays, c.MaxContacts)
	}
	_ = w.Flush()
}

// -- campaign show --

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign-id>",
	Short: "Show a campaign and its participant counts by message status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Store.GetCampaign(ctx, args[0])
		if err != nil {
			return err
		}
		counts, err := env.Store.CountByMessageStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, map[string]any{"campaign": c, "message_counts": counts})
		}
		formatCampaignDetail(os.Stdout, c, counts)
		return nil
	},
}

func formatCampaignDetail(out io.Writer, c *model.Campaign, counts map[model.MessageStatus]int) {
	_, _ = fmt.Fprintf(out, "Campaign:   %s (%s)\n", c.ID, dash(c.Name))
	_, _ = fmt.Fprintf(out, "Active:     %t\n", c.IsActive)
	_, _ = fmt.Fprintf(out, "Cadence:    %d/week, min %dh, cold %dd, warm %dd, hot %dd\n",
		c.MessagesPerWeek, c.MinIntervalHours, c.ColdDays, c.WarmDays, c.HotDays)
	if c.QuietHours.Enabled() {
		_, _ = fmt.Fprintf(out, "Quiet:      %s-%s %s\n", c.QuietHours.Start, c.QuietHours.End, dash(c.Timezone))
	}
	_, _ = fmt.Fprintf(out, "Channel:    %s (fallback %v)\n", c.PriorityChannel, c.FallbackChannels)
	_, _ = fmt.Fprintf(out, "Max:        %d contacts\n", c.MaxContacts)

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		_, _ = fmt.Fprintf(out, "  %-11s %d\n", s, counts[model.MessageStatus(s)])
	}
}

// -- campaign pause / resume --

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign-id>",
	Short: "Pause every active participant of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Service.PauseCampaign(ctx, args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "campaign %s paused (%d participants)\n", args[0], n)
		return nil
	},
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign-id>",
	Short: "Resume participants paused with their campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Service.ResumeCampaign(ctx, args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "campaign %s resumed (%d participants)\n", args[0], n)
		return nil
	},
}

func init() {
	campaignApplyCmd.Flags().StringP("file", "f", "", "campaign YAML file")
	campaignListCmd.Flags().Bool("active", false, "only active campaigns")
	campaignListCmd.Flags().Bool("json", false, "print as JSON")
	campaignShowCmd.Flags().Bool("json", false, "print as JSON")

	campaignCmd.AddCommand(campaignApplyCmd, campaignListCmd, campaignShowCmd, campaignPauseCmd, campaignResumeCmd)
	rootCmd.AddCommand(campaignCmd)
}
