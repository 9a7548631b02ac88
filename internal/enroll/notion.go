package enroll

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/pkg/notion"
)

// notionColumns are the database properties read from each queued page.
var notionColumns = []string{
	"Lead ID", "Name", "Phone", "Email", "External Code",
	"Timezone", "Activity Code", "Funnel", "Stage",
}

// NotionSource reads queued leads from a Notion database. Each page with
// Status "Queued" becomes one enrollment candidate.
type NotionSource struct {
	client notion.Client
	dbID   string
}

// NewNotionSource creates a NotionSource.
func NewNotionSource(c notion.Client, dbID string) *NotionSource {
	return &NotionSource{client: c, dbID: dbID}
}

// Load reads every queued page into a Batch. Refs hold the page ids.
func (s *NotionSource) Load(ctx context.Context, campaignID string) (*Batch, error) {
	pages, err := notion.QueuedLeads(ctx, s.client, s.dbID)
	if err != nil {
		return nil, eris.Wrap(err, "enroll: load notion")
	}

	b := NewBuilder(campaignID, model.SourceList)
	for i, p := range pages {
		fields := make(map[string]string, len(notionColumns))
		for _, col := range notionColumns {
			fields[col] = notion.PropertyText(p.Properties, col)
		}
		b.Add(Record{Line: i + 1, Ref: string(p.ID), Fields: fields})
	}
	return b.Batch(), nil
}

// Ack marks enrolled pages "Enrolled" and rejected pages "Rejected" with the
// reason. Update failures are logged and counted, and the first is returned.
func (s *NotionSource) Ack(ctx context.Context, b *Batch) error {
	log := zap.L().With(zap.String("component", "enroll.notion"), zap.String("database_id", s.dbID))

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(3)

	for _, ref := range b.Refs {
		if ref == "" {
			continue
		}
		g.Go(func() error {
			if err := notion.SetStatus(ctx, s.client, ref, notion.StatusEnrolled, ""); err != nil {
				failed.Add(1)
				log.Warn("failed to mark page enrolled", zap.String("page_id", ref), zap.Error(err))
				return err
			}
			return nil
		})
	}
	for _, rej := range b.Rejected {
		if rej.Ref == "" {
			continue
		}
		g.Go(func() error {
			if err := notion.SetStatus(ctx, s.client, rej.Ref, notion.StatusRejected, rej.Reason); err != nil {
				failed.Add(1)
				log.Warn("failed to mark page rejected", zap.String("page_id", rej.Ref), zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrapf(err, "enroll: ack notion pages (%d failed)", failed.Load())
	}
	return nil
}
