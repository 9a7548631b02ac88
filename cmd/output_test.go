//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/dispatch"
	"github.com/sells-group/prospect-cli/internal/enroll"
	"github.com/sells-group/prospect-cli/internal/model"
)

func TestParseCampaignFile(t *testing.T) {
	c, err := parseCampaignFile([]byte(`
id: spring
name: Spring outreach
messages_per_week: 2
min_interval_hours: 24
cold_days: 7
warm_days: 3
hot_days: 1
quiet_hours: {start: "21:00", end: "08:00"}
timezone: America/Sao_Paulo
priority_channel: WhatsApp
fallback_channels: [email, SMS]
max_contacts: 6
agent_prompt: |
  Be brief.
`))
	require.NoError(t, err)
	assert.Equal(t, "spring", c.ID)
	assert.Equal(t, model.ChannelWhatsApp, c.PriorityChannel)
	assert.Equal(t, []model.Channel{model.ChannelEmail, model.ChannelSMS}, c.FallbackChannels)
	assert.Equal(t, "21:00", c.QuietHours.Start)
	assert.Equal(t, "Be brief.", c.AgentPrompt)
	assert.True(t, c.IsActive)
}

func TestParseCampaignFile_Inactive(t *testing.T) {
	c, err := parseCampaignFile([]byte("id: c1\npriority_channel: email\nactive: false\n"))
	require.NoError(t, err)
	assert.False(t, c.IsActive)
}

func TestParseCampaignFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "unknown_field", yaml: "id: c1\npriority_channel: email\ncadence: 3\n", want: "parse campaign file"},
		{name: "bad_channel", yaml: "id: c1\npriority_channel: fax\n", want: "invalid priority channel"},
		{name: "missing_id", yaml: "priority_channel: email\n", want: "campaign id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCampaignFile([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFormatBatchResults(t *testing.T) {
	var buf bytes.Buffer
	formatBatchResults(&buf, []dispatch.BatchResult{{
		CampaignID: "camp-1",
		Sent:       3,
		Failed:     1,
		Terminal:   []dispatch.TerminalFailure{{ParticipantID: "p1", LeadID: "l1", LastError: "invalid number"}},
	}})
	out := buf.String()
	assert.Contains(t, out, "CAMPAIGN")
	assert.Contains(t, out, "camp-1")
	assert.Contains(t, out, "terminal failure: campaign=camp-1 participant=p1 lead=l1 error=invalid number")
}

func TestFormatParticipantDetail(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	p := &model.Participant{
		ID:            "p1",
		CampaignID:    "camp-1",
		LeadID:        "l1",
		Status:        model.StatusActive,
		MessageStatus: model.MessageFailed,
		RetryCount:    model.MaxRetries,
		LastError:     "gateway down",
	}
	msgs := []model.MessageRecord{
		{Channel: model.ChannelWhatsApp, Outcome: model.OutcomeFailed, Error: "gateway down", AttemptedAt: now},
		{Channel: model.ChannelEmail, Outcome: model.OutcomeSent, ProviderMessageID: "m-1", Fallback: true, AttemptedAt: now},
	}

	var buf bytes.Buffer
	formatParticipantDetail(&buf, p, msgs)
	out := buf.String()
	assert.Contains(t, out, "Participant:  p1")
	assert.Contains(t, out, "Terminal failure: reset required")
	assert.Contains(t, out, "m-1")
	assert.Contains(t, out, "gateway down")
}

func TestFormatParticipants(t *testing.T) {
	var buf bytes.Buffer
	formatParticipants(&buf, []model.Participant{
		{ID: "p1", CampaignID: "c1", LeadID: "l1", Status: model.StatusPaused, PauseReason: model.PauseOwnerLock},
	})
	assert.Contains(t, buf.String(), "paused (owner_lock)")
}

func TestFormatImportResult(t *testing.T) {
	var buf bytes.Buffer
	formatImportResult(&buf, &enroll.Result{
		Read:     3,
		Created:  1,
		Existing: 1,
		Rejected: []enroll.RowError{{Line: 4, Reason: "missing phone and email"}},
	})
	assert.Contains(t, buf.String(), "read: 3  created: 1  existing: 1  rejected: 1")
	assert.Contains(t, buf.String(), "row 4: missing phone and email")
}

func TestTruncateAndDash(t *testing.T) {
	assert.Equal(t, "-", dash(""))
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "-", fmtTime(nil))
}
