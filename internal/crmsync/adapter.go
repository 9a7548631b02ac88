package crmsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// Stage change sources recorded in lead_stage_history.
const (
	SourceEngine = "engine"
	SourceCRM    = "crm"
)

// PartialFailureError reports a stage move that stopped before its target.
// Reached is the stage the CRM (and the local record) ended on.
type PartialFailureError struct {
	LeadID  string
	Reached string
	Target  string
	Err     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("crmsync: lead %s stopped at %q moving to %q: %v", e.LeadID, e.Reached, e.Target, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// Adapter moves leads through the CRM pipeline and mirrors the result locally.
type Adapter struct {
	store    store.Store
	remote   Remote
	mappings MappingSource
	now      func() time.Time
}

// NewAdapter creates an Adapter.
func NewAdapter(st store.Store, remote Remote, mappings MappingSource) *Adapter {
	return &Adapter{
		store:    st,
		remote:   remote,
		mappings: mappings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *Adapter) lead(ctx context.Context, leadID string) (*model.LeadState, error) {
	lead, err := a.store.GetLeadState(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "lead state %s", leadID)
	}
	return lead, nil
}

// AdvanceStage moves a lead to target one CRM step at a time and returns the
// stage it reached. When a step fails the local record is reconciled to the
// last stage the CRM confirmed and a *PartialFailureError is returned. If that
// reconciliation fails too, the previous local stage is kept and returned.
func (a *Adapter) AdvanceStage(ctx context.Context, leadID, target string) (string, error) {
	lead, err := a.lead(ctx, leadID)
	if err != nil {
		return "", err
	}
	mapping, err := a.mappings.Mapping(ctx, lead.FunnelID)
	if err != nil {
		return lead.CurrentStage, err
	}
	targetCode, err := mapping.Code(target)
	if err != nil {
		return lead.CurrentStage, err
	}

	startCode := lead.StageCode
	if lead.CurrentStage == "" {
		if startCode, err = a.remote.StageCode(ctx, lead); err != nil {
			return lead.CurrentStage, eris.Wrapf(err, "crmsync: read stage of lead %s", leadID)
		}
	}
	from, err := mapping.Index(startCode)
	if err != nil {
		return lead.CurrentStage, err
	}
	to, err := mapping.Index(targetCode)
	if err != nil {
		return lead.CurrentStage, err
	}

	dir := 1
	if to < from {
		dir = -1
	}

	log := zap.L().With(zap.String("lead_id", leadID), zap.String("target", target))
	code := startCode
	var moveErr error
	for i := from; i != to; i += dir {
		next := mapping.Stages[i+dir].Code
		if err := a.remote.Move(ctx, lead, code, next); err != nil {
			moveErr = err
			break
		}
		code = next
	}

	reached, err := mapping.Name(code)
	if err != nil {
		return lead.CurrentStage, err
	}

	if code != lead.StageCode || reached != lead.CurrentStage {
		change := model.StageChange{
			LeadID:    leadID,
			FromStage: lead.CurrentStage,
			ToStage:   reached,
			FromCode:  lead.StageCode,
			ToCode:    code,
			Source:    SourceEngine,
			ChangedAt: a.now(),
		}
		if moveErr != nil {
			change.Note = "partial: " + moveErr.Error()
		}
		if err := a.store.SetLeadStage(ctx, change); err != nil {
			log.Error("crmsync: local stage reconcile failed",
				zap.String("remote_stage", reached),
				zap.String("local_stage", lead.CurrentStage),
				zap.NamedError("move_error", moveErr),
				zap.Error(err),
			)
			return lead.CurrentStage, eris.Wrapf(err, "crmsync: reconcile lead %s to %q", leadID, reached)
		}
		a.reconcileWorkable(ctx, leadID, mapping, reached)
	}

	if moveErr != nil {
		log.Warn("crmsync: stage move stopped early", zap.String("reached", reached), zap.Error(moveErr))
		return reached, &PartialFailureError{LeadID: leadID, Reached: reached, Target: target, Err: moveErr}
	}
	return reached, nil
}

// ApplyRemoteStage records a stage change made on the CRM side, e.g. a card
// dragged on the Kanban board. It returns the local stage name.
func (a *Adapter) ApplyRemoteStage(ctx context.Context, leadID string, code int) (string, error) {
	lead, err := a.lead(ctx, leadID)
	if err != nil {
		return "", err
	}
	mapping, err := a.mappings.Mapping(ctx, lead.FunnelID)
	if err != nil {
		return lead.CurrentStage, err
	}
	name, err := mapping.Name(code)
	if err != nil {
		return lead.CurrentStage, err
	}
	if name == lead.CurrentStage && code == lead.StageCode {
		return name, nil
	}

	err = a.store.SetLeadStage(ctx, model.StageChange{
		LeadID:    leadID,
		FromStage: lead.CurrentStage,
		ToStage:   name,
		FromCode:  lead.StageCode,
		ToCode:    code,
		Source:    SourceCRM,
		ChangedAt: a.now(),
	})
	if err != nil {
		return lead.CurrentStage, eris.Wrapf(err, "crmsync: apply remote stage to lead %s", leadID)
	}
	a.reconcileWorkable(ctx, leadID, mapping, name)
	return name, nil
}

// Refresh pulls the lead's current stage from the CRM.
func (a *Adapter) Refresh(ctx context.Context, leadID string) (string, error) {
	lead, err := a.lead(ctx, leadID)
	if err != nil {
		return "", err
	}
	code, err := a.remote.StageCode(ctx, lead)
	if err != nil {
		return lead.CurrentStage, eris.Wrapf(err, "crmsync: read stage of lead %s", leadID)
	}
	return a.ApplyRemoteStage(ctx, leadID, code)
}

// QueueStage enqueues an asynchronous stage move for the sync worker.
func (a *Adapter) QueueStage(ctx context.Context, leadID, target string) error {
	if _, err := a.lead(ctx, leadID); err != nil {
		return err
	}
	return a.store.EnqueueSync(ctx, &model.SyncTask{
		LeadID: leadID,
		Kind:   model.SyncStageMirror,
		Stage:  target,
	})
}

// MirrorOwner copies the local ownership lock onto the CRM card. Leads
// without a CRM card have nothing to mirror.
func (a *Adapter) MirrorOwner(ctx context.Context, leadID string, locked bool, ownerID string) error {
	lead, err := a.lead(ctx, leadID)
	if err != nil {
		return err
	}
	if lead.ActivityCode == "" {
		zap.L().Debug("crmsync: no activity to mirror owner onto", zap.String("lead_id", leadID))
		return nil
	}
	if err := a.remote.SetOwner(ctx, lead, locked, ownerID); err != nil {
		return eris.Wrapf(err, "crmsync: mirror owner of lead %s", leadID)
	}
	return nil
}

// reconcileWorkable resumes kanban-paused participants when the lead lands on
// the workable stage and pauses active ones when it lands anywhere else. The
// dispatcher re-checks the stage on every claim, so failures only log.
func (a *Adapter) reconcileWorkable(ctx context.Context, leadID string, mapping *model.StageMapping, stage string) {
	if mapping.Workable == "" {
		return
	}
	kanban := model.PauseKanban
	change := store.StatusChange{
		From:   model.StatusActive,
		To:     model.StatusPausedKanban,
		Reason: model.PauseKanban,
	}
	if stage == mapping.Workable {
		change = store.StatusChange{
			From:       model.StatusPausedKanban,
			To:         model.StatusActive,
			OnlyReason: &kanban,
		}
	}

	n, err := a.store.TransitionLead(ctx, leadID, change)
	if err != nil {
		zap.L().Warn("crmsync: workable reconcile failed",
			zap.String("lead_id", leadID), zap.String("stage", stage), zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("crmsync: participants moved by stage change",
			zap.String("lead_id", leadID),
			zap.String("stage", stage),
			zap.String("status", string(change.To)),
			zap.Int("count", n),
		)
	}
}
