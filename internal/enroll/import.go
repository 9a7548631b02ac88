package enroll

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/dispatch"
)

// Enroller creates participants in bulk.
type Enroller interface {
	BulkEnroll(ctx context.Context, campaignID string, es []dispatch.Enrollment) (int, error)
}

// Result summarizes one import.
type Result struct {
	Read     int        `json:"read"`
	Created  int        `json:"created"`
	Existing int        `json:"existing"`
	Rejected []RowError `json:"rejected,omitempty"`
}

// Import enrolls every valid row of a batch into a campaign. Leads already in
// the campaign are counted as existing. Rejected rows are reported, not
// fatal.
func Import(ctx context.Context, e Enroller, campaignID string, b *Batch) (*Result, error) {
	res := &Result{Read: len(b.Enrollments) + len(b.Rejected), Rejected: b.Rejected}
	if len(b.Enrollments) == 0 {
		return res, nil
	}

	created, err := e.BulkEnroll(ctx, campaignID, b.Enrollments)
	if err != nil {
		return res, eris.Wrap(err, "enroll: import")
	}
	res.Created = created
	res.Existing = len(b.Enrollments) - created

	log := zap.L().With(zap.String("campaign_id", campaignID))
	for _, r := range b.Rejected {
		log.Warn("enroll: row rejected", zap.Int("line", r.Line), zap.String("ref", r.Ref), zap.String("reason", r.Reason))
	}
	log.Info("enroll: import complete",
		zap.Int("read", res.Read),
		zap.Int("created", res.Created),
		zap.Int("existing", res.Existing),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}
