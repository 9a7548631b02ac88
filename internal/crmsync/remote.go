// Package crmsync keeps a lead's local pipeline stage and ownership lock
// consistent with the external CRM.
package crmsync

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/redsis"
	sfpkg "github.com/sells-group/prospect-cli/pkg/salesforce"
)

// Remote is the CRM side of a lead's pipeline position and ownership.
// Move steps exactly one stage; callers issue one call per step.
type Remote interface {
	StageCode(ctx context.Context, lead *model.LeadState) (int, error)
	Move(ctx context.Context, lead *model.LeadState, from, to int) error
	SetOwner(ctx context.Context, lead *model.LeadState, locked bool, ownerID string) error
	Mapping(ctx context.Context, funnelID string) (*model.StageMapping, error)
}

// ErrNoActivity is returned when a lead has no CRM card to act on.
var ErrNoActivity = eris.New("crmsync: lead has no CRM activity")

// ErrNoRemoteMapping is returned by remotes that cannot describe their stages.
var ErrNoRemoteMapping = model.ErrNoStageMapping

func requireActivity(lead *model.LeadState) error {
	if lead.ActivityCode == "" {
		return resilience.NewPermanentError(eris.Wrapf(ErrNoActivity, "lead %s", lead.LeadID), 0)
	}
	return nil
}

// NopRemote keeps stages local. It is used when no CRM is configured.
type NopRemote struct{}

func (NopRemote) StageCode(_ context.Context, lead *model.LeadState) (int, error) {
	return lead.StageCode, nil
}

func (NopRemote) Move(context.Context, *model.LeadState, int, int) error { return nil }

func (NopRemote) SetOwner(context.Context, *model.LeadState, bool, string) error { return nil }

func (NopRemote) Mapping(context.Context, string) (*model.StageMapping, error) {
	return nil, ErrNoRemoteMapping
}

// RedsisRemote drives Redsis activities through their advance/retreat endpoints.
type RedsisRemote struct {
	client redsis.Client
}

// NewRedsisRemote wraps a Redsis client.
func NewRedsisRemote(client redsis.Client) *RedsisRemote {
	return &RedsisRemote{client: client}
}

func (r *RedsisRemote) StageCode(ctx context.Context, lead *model.LeadState) (int, error) {
	if err := requireActivity(lead); err != nil {
		return 0, err
	}
	act, err := r.client.GetActivity(ctx, lead.ActivityCode)
	if err != nil {
		return 0, err
	}
	return act.SubfunnelCode, nil
}

func (r *RedsisRemote) Move(ctx context.Context, lead *model.LeadState, from, to int) error {
	if err := requireActivity(lead); err != nil {
		return err
	}
	step := r.client.Advance
	if to < from {
		step = r.client.Retreat
	}
	act, err := step(ctx, lead.ActivityCode)
	if err != nil {
		return err
	}
	if act.SubfunnelCode != to {
		return eris.Errorf("crmsync: redsis moved %s to %d, want %d", lead.ActivityCode, act.SubfunnelCode, to)
	}
	return nil
}

func (r *RedsisRemote) SetOwner(ctx context.Context, lead *model.LeadState, locked bool, ownerID string) error {
	if err := requireActivity(lead); err != nil {
		return err
	}
	if !locked {
		ownerID = ""
	}
	return r.client.SetOwner(ctx, lead.ActivityCode, redsis.OwnerRequest{Locked: locked, OwnerID: ownerID})
}

func (r *RedsisRemote) Mapping(ctx context.Context, funnelID string) (*model.StageMapping, error) {
	subs, err := r.client.Subfunnels(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	m := &model.StageMapping{FunnelID: funnelID}
	for _, s := range subs {
		m.Stages = append(m.Stages, model.StageDef{Name: s.Name, Code: s.Code})
		if s.Workable && m.Workable == "" {
			m.Workable = s.Name
		}
	}
	return m, nil
}

// SalesforceRemote stores the stage code and owner on Opportunity fields.
type SalesforceRemote struct {
	client     sfpkg.Client
	stageField string
	ownerField string
}

// NewSalesforceRemote wraps a Salesforce client. stageField must be a picklist
// whose values are the numeric stage codes and whose labels are stage names.
func NewSalesforceRemote(client sfpkg.Client, stageField, ownerField string) *SalesforceRemote {
	return &SalesforceRemote{client: client, stageField: stageField, ownerField: ownerField}
}

func (r *SalesforceRemote) StageCode(ctx context.Context, lead *model.LeadState) (int, error) {
	if err := requireActivity(lead); err != nil {
		return 0, err
	}
	rec, err := sfpkg.FindRecord(ctx, r.client, sfpkg.OpportunityObject, lead.ActivityCode, r.stageField)
	if err != nil {
		return 0, err
	}
	return codeValue(rec[r.stageField])
}

func (r *SalesforceRemote) Move(ctx context.Context, lead *model.LeadState, _, to int) error {
	if err := requireActivity(lead); err != nil {
		return err
	}
	return r.client.UpdateOne(ctx, sfpkg.OpportunityObject, lead.ActivityCode,
		map[string]any{r.stageField: strconv.Itoa(to)})
}

func (r *SalesforceRemote) SetOwner(ctx context.Context, lead *model.LeadState, locked bool, ownerID string) error {
	if err := requireActivity(lead); err != nil {
		return err
	}
	if !locked {
		ownerID = ""
	}
	return r.client.UpdateOne(ctx, sfpkg.OpportunityObject, lead.ActivityCode,
		map[string]any{r.ownerField: ownerID})
}

func (r *SalesforceRemote) Mapping(ctx context.Context, funnelID string) (*model.StageMapping, error) {
	values, err := sfpkg.Picklist(ctx, r.client, sfpkg.OpportunityObject, r.stageField)
	if err != nil {
		return nil, err
	}
	m := &model.StageMapping{FunnelID: funnelID}
	for _, v := range values {
		code, err := strconv.Atoi(v.Value)
		if err != nil {
			return nil, eris.Wrapf(err, "crmsync: picklist value %q of %s", v.Value, r.stageField)
		}
		m.Stages = append(m.Stages, model.StageDef{Name: v.Label, Code: code})
	}
	return m, nil
}

// codeValue reads a stage code from a decoded SOQL field.
func codeValue(v any) (int, error) {
	switch x := v.(type) {
	case float64:
		return int(x), nil
	case int:
		return x, nil
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, eris.Wrapf(err, "crmsync: stage code %q", x)
		}
		return n, nil
	case nil:
		return 0, eris.New("crmsync: stage code is empty")
	default:
		return 0, eris.New(fmt.Sprintf("crmsync: unexpected stage code type %T", v))
	}
}
