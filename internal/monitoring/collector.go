package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
)

// CampaignStats is the message-status breakdown of one campaign.
type CampaignStats struct {
	CampaignID string `json:"campaign_id"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Terminal   int    `json:"terminal"`
}

// Snapshot holds a point-in-time view of dispatch health.
type Snapshot struct {
	Campaigns   []CampaignStats `json:"campaigns"`
	StaleClaims int             `json:"stale_claims"`
	StaleAfter  time.Duration   `json:"stale_after"`
	CollectedAt time.Time       `json:"collected_at"`
}

// Source is the subset of store.Store the collector reads.
type Source interface {
	ListCampaigns(ctx context.Context, activeOnly bool) ([]model.Campaign, error)
	CountByMessageStatus(ctx context.Context, campaignID string) (map[model.MessageStatus]int, error)
	ListParticipants(ctx context.Context, filter model.ParticipantFilter) ([]model.Participant, error)
}

// Collector gathers dispatch metrics from the store.
type Collector struct {
	store      Source
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. Claims older than staleAfter are counted
// as stale.
func NewCollector(st Source, staleAfter time.Duration) *Collector {
	return &Collector{
		store:      st,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot across active campaigns.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{StaleAfter: c.staleAfter, CollectedAt: now}

	camps, err := c.store.ListCampaigns(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list campaigns")
	}

	for _, camp := range camps {
		counts, err := c.store.CountByMessageStatus(ctx, camp.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count campaign %s", camp.ID)
		}
		terminal, err := c.store.ListParticipants(ctx, model.ParticipantFilter{CampaignID: camp.ID, TerminalFailed: true})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list terminal failures %s", camp.ID)
		}
		snap.Campaigns = append(snap.Campaigns, CampaignStats{
			CampaignID: camp.ID,
			Pending:    counts[model.MessagePending],
			Processing: counts[model.MessageProcessing],
			Sent:       counts[model.MessageSent],
			Failed:     counts[model.MessageFailed],
			Terminal:   len(terminal),
		})

		if counts[model.MessageProcessing] == 0 || c.staleAfter <= 0 {
			continue
		}
		claimed, err := c.store.ListParticipants(ctx, model.ParticipantFilter{
			CampaignID:    camp.ID,
			MessageStatus: model.MessageProcessing,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list claims %s", camp.ID)
		}
		for _, p := range claimed {
			if p.ClaimedAt != nil && now.Sub(*p.ClaimedAt) > c.staleAfter {
				snap.StaleClaims++
			}
		}
	}

	return snap, nil
}
