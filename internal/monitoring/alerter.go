package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/dispatch"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTerminalFailures AlertType = "terminal_failures"
	AlertTerminalBacklog  AlertType = "terminal_backlog"
	AlertStaleClaims      AlertType = "stale_claims"
)

// Alert is the JSON body posted to the webhook.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// key groups alerts of one type for one campaign.
func (a Alert) key() string {
	if id, ok := a.Details["campaign_id"].(string); ok {
		return string(a.Type) + ":" + id
	}
	return string(a.Type)
}

// Alerter turns dispatch health into webhook alerts. It also serves as the
// dispatch.Alerter fed by every batch.
type Alerter struct {
	url               string
	terminalThreshold int
	backlogThreshold  int
	http              *http.Client
}

// NewAlerter builds an alerter from the monitoring config. Without a
// webhook URL alerts are evaluated but never delivered.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	threshold := cfg.TerminalAlertThreshold
	if threshold < 1 {
		threshold = 1
	}
	return &Alerter{
		url:               cfg.WebhookURL,
		terminalThreshold: threshold,
		backlogThreshold:  cfg.BacklogAlertThreshold,
		http:              &http.Client{Timeout: 10 * time.Second},
	}
}

// TerminalFailures posts one alert when a batch leaves at least the
// configured number of participants terminally failed.
func (a *Alerter) TerminalFailures(ctx context.Context, campaignID string, failures []dispatch.TerminalFailure) error {
	if a.url == "" || len(failures) < a.terminalThreshold {
		return nil
	}

	ids := make([]string, len(failures))
	for i, f := range failures {
		ids[i] = f.ParticipantID
	}
	return a.post(ctx, Alert{
		Type:     AlertTerminalFailures,
		Severity: "high",
		Message: fmt.Sprintf("%d participant(s) in campaign %s exhausted every channel and need a manual reset",
			len(failures), campaignID),
		Details: map[string]any{
			"campaign_id":     campaignID,
			"count":           len(failures),
			"participant_ids": ids,
			"last_error":      failures[0].LastError,
		},
		Timestamp: time.Now().UTC(),
	})
}

// Evaluate returns the alerts a snapshot raises: one per campaign whose
// terminal backlog reaches the threshold, plus one for stale claims.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	now := time.Now().UTC()
	var out []Alert

	if a.backlogThreshold > 0 {
		for _, c := range snap.Campaigns {
			if c.Terminal < a.backlogThreshold {
				continue
			}
			out = append(out, Alert{
				Type:     AlertTerminalBacklog,
				Severity: "medium",
				Message: fmt.Sprintf("Campaign %s has %d terminally failed participant(s) awaiting reset (threshold %d)",
					c.CampaignID, c.Terminal, a.backlogThreshold),
				Details: map[string]any{
					"campaign_id": c.CampaignID,
					"terminal":    c.Terminal,
					"threshold":   a.backlogThreshold,
				},
				Timestamp: now,
			})
		}
	}

	if snap.StaleClaims > 0 {
		out = append(out, Alert{
			Type:     AlertStaleClaims,
			Severity: "high",
			Message:  fmt.Sprintf("%d participant claim(s) held longer than %s", snap.StaleClaims, snap.StaleAfter),
			Details: map[string]any{
				"stale_claims": snap.StaleClaims,
				"stale_after":  snap.StaleAfter.String(),
			},
			Timestamp: now,
		})
	}
	return out
}

// SendAlerts posts each alert and returns how many were accepted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	return len(a.deliver(ctx, alerts))
}

// deliver posts alerts one by one and returns those the webhook accepted.
// Failures are logged and skipped.
func (a *Alerter) deliver(ctx context.Context, alerts []Alert) []Alert {
	if a.url == "" {
		return nil
	}
	var ok []Alert
	for _, al := range alerts {
		if err := a.post(ctx, al); err != nil {
			zap.L().Error("monitoring: deliver alert", zap.String("type", string(al.Type)), zap.Error(err))
			continue
		}
		ok = append(ok, al)
	}
	return ok
}

func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(al.Type)),
		zap.String("severity", al.Severity),
	)
	return nil
}
