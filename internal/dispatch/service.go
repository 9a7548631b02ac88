package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// ErrNotPaused is returned when resuming a participant that was not paused
// manually. Pauses caused by the campaign, an owner lock or the pipeline stage
// are lifted only by their own resume action.
var ErrNotPaused = eris.New("dispatch: participant not manually paused")

// ErrNotFailed is returned when resetting a participant that has not failed.
var ErrNotFailed = eris.New("dispatch: participant has not failed")

// ErrInvalidEnrollment is returned when an enrollment request is incomplete
// or malformed.
var ErrInvalidEnrollment = eris.New("dispatch: invalid enrollment")

// Enrollment is a request to add one lead to a campaign.
type Enrollment struct {
	CampaignID   string                 `json:"campaign_id"`
	LeadID       string                 `json:"lead_id"`
	Name         string                 `json:"name"`
	Phone        string                 `json:"phone,omitempty"`
	Email        string                 `json:"email,omitempty"`
	ExternalCode string                 `json:"external_code,omitempty"`
	Timezone     string                 `json:"timezone,omitempty"`
	Source       model.EnrollmentSource `json:"source,omitempty"`
	ActivityCode string                 `json:"activity_code,omitempty"`
	FunnelID     string                 `json:"funnel_id,omitempty"`
	Stage        string                 `json:"stage,omitempty"`
}

// Service is the inbound API of the dispatch engine used by the CLI, the HTTP
// server and the schedule worker.
type Service struct {
	store     store.Store
	orch      *Orchestrator
	stages    StageMappings
	batchSize int
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEnrollmentStages resolves enrollment stages to CRM codes. New leads
// enrolled without a stage start at the funnel's workable stage.
func WithEnrollmentStages(m StageMappings) ServiceOption {
	return func(s *Service) {
		s.stages = m
	}
}

// NewService creates a Service. batchSize caps each ProcessDueBatch call.
func NewService(st store.Store, orch *Orchestrator, batchSize int, opts ...ServiceOption) *Service {
	s := &Service{
		store:     st,
		orch:      orch,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnrollParticipant adds a lead to a campaign. The participant starts paused
// when the campaign is paused or the lead is owner-locked.
func (s *Service) EnrollParticipant(ctx context.Context, e Enrollment) (*model.Participant, error) {
	camp, err := s.store.GetCampaign(ctx, e.CampaignID)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: enroll")
	}
	p, err := s.prepare(ctx, camp, e)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateParticipant(ctx, p); err != nil {
		return nil, eris.Wrap(err, "dispatch: enroll")
	}
	zap.L().Info("dispatch: participant enrolled",
		zap.String("campaign_id", p.CampaignID),
		zap.String("participant_id", p.ID),
		zap.String("lead_id", p.LeadID),
		zap.String("status", string(p.Status)),
	)
	return p, nil
}

// BulkEnroll enrolls many leads into one campaign. Leads already enrolled are
// skipped. It returns the number of participants created.
func (s *Service) BulkEnroll(ctx context.Context, campaignID string, es []Enrollment) (int, error) {
	camp, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: bulk enroll")
	}
	ps := make([]model.Participant, 0, len(es))
	for _, e := range es {
		e.CampaignID = campaignID
		p, err := s.prepare(ctx, camp, e)
		if err != nil {
			return 0, err
		}
		ps = append(ps, *p)
	}
	n, err := s.store.BulkCreateParticipants(ctx, ps)
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: bulk enroll")
	}
	zap.L().Info("dispatch: bulk enrollment complete",
		zap.String("campaign_id", campaignID),
		zap.Int("requested", len(es)),
		zap.Int("created", n),
	)
	return n, nil
}

func (s *Service) prepare(ctx context.Context, camp *model.Campaign, e Enrollment) (*model.Participant, error) {
	if e.LeadID == "" {
		return nil, eris.Wrap(ErrInvalidEnrollment, "lead id is required")
	}
	if e.Phone == "" && e.Email == "" {
		return nil, eris.Wrapf(ErrInvalidEnrollment, "lead %s has no phone or email", e.LeadID)
	}

	lead := model.LeadState{LeadID: e.LeadID, ActivityCode: e.ActivityCode, FunnelID: e.FunnelID, CurrentStage: e.Stage}
	if s.stages != nil {
		m, err := s.stages.Mapping(ctx, e.FunnelID)
		switch {
		case errors.Is(err, model.ErrNoStageMapping):
			// No CRM stage table; the lead is enrolled without stage tracking.
		case err != nil:
			return nil, eris.Wrapf(err, "dispatch: stage mapping for lead %s", e.LeadID)
		default:
			if lead.CurrentStage == "" {
				lead.CurrentStage = m.Workable
			}
			if lead.CurrentStage != "" {
				if lead.StageCode, err = m.Code(lead.CurrentStage); err != nil {
					return nil, eris.Wrapf(err, "dispatch: enroll lead %s", e.LeadID)
				}
			}
		}
	}
	state, err := s.store.EnsureLeadState(ctx, lead)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: enroll")
	}

	tz := e.Timezone
	if tz == "" {
		tz = camp.Timezone
	} else if _, err := time.LoadLocation(tz); err != nil {
		return nil, eris.Wrapf(ErrInvalidEnrollment, "lead %s timezone %q", e.LeadID, tz)
	}

	p := &model.Participant{
		CampaignID:      camp.ID,
		LeadID:          e.LeadID,
		Name:            e.Name,
		Phone:           e.Phone,
		Email:           e.Email,
		ExternalCode:    e.ExternalCode,
		Timezone:        tz,
		Source:          e.Source,
		Temperature:     state.Temperature,
		Status:          model.StatusActive,
		NextScheduledAt: s.now(),
	}
	switch {
	case !camp.IsActive:
		p.Status, p.PauseReason = model.StatusPaused, model.PauseCampaign
	case state.OwnerLock:
		p.Status, p.PauseReason = model.StatusPaused, model.PauseOwnerLock
	}
	return p, nil
}

// GetParticipant returns one participant.
func (s *Service) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return s.store.GetParticipant(ctx, id)
}

// ListParticipants lists participants matching filter.
func (s *Service) ListParticipants(ctx context.Context, filter model.ParticipantFilter) ([]model.Participant, error) {
	return s.store.ListParticipants(ctx, filter)
}

// ListTerminalFailures lists participants that exhausted every channel and
// wait for a manual reset.
func (s *Service) ListTerminalFailures(ctx context.Context, campaignID string) ([]model.Participant, error) {
	return s.store.ListParticipants(ctx, model.ParticipantFilter{CampaignID: campaignID, TerminalFailed: true})
}

// History returns a participant's message attempts.
func (s *Service) History(ctx context.Context, participantID string) ([]model.MessageRecord, error) {
	return s.store.ListMessages(ctx, participantID)
}

// PauseParticipant stops automated contact. Pausing a participant that is
// already paused for any reason is a no-op.
func (s *Service) PauseParticipant(ctx context.Context, id string) error {
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == model.StatusPaused || p.Status == model.StatusPausedKanban {
		return nil
	}
	ok, err := s.store.TransitionParticipant(ctx, id, store.StatusChange{
		From: p.Status, To: model.StatusPaused, Reason: model.PauseManual,
	})
	if err != nil {
		return eris.Wrapf(err, "dispatch: pause participant %s", id)
	}
	if !ok {
		return eris.Errorf("dispatch: pause participant %s: status changed concurrently", id)
	}
	return nil
}

// ResumeParticipant lifts a manual pause.
func (s *Service) ResumeParticipant(ctx context.Context, id string) error {
	manual := model.PauseManual
	ok, err := s.store.TransitionParticipant(ctx, id, store.StatusChange{
		From: model.StatusPaused, To: model.StatusActive, OnlyReason: &manual,
	})
	if err != nil {
		return eris.Wrapf(err, "dispatch: resume participant %s", id)
	}
	if !ok {
		if _, err := s.store.GetParticipant(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrNotPaused, "participant %s", id)
	}
	return nil
}

// RemoveParticipant deletes a participant and ends its campaign membership.
func (s *Service) RemoveParticipant(ctx context.Context, id string) error {
	if err := s.store.DeleteParticipant(ctx, id); err != nil {
		return eris.Wrapf(err, "dispatch: remove participant %s", id)
	}
	zap.L().Info("dispatch: participant removed", zap.String("participant_id", id))
	return nil
}

// ResetParticipant clears a failed participant's retry state so that it is
// due again immediately.
func (s *Service) ResetParticipant(ctx context.Context, id string) error {
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return err
	}
	if p.MessageStatus != model.MessageFailed {
		return eris.Wrapf(ErrNotFailed, "participant %s is %s", id, p.MessageStatus)
	}
	if err := s.store.ResetParticipant(ctx, id, s.now()); err != nil {
		return eris.Wrapf(err, "dispatch: reset participant %s", id)
	}
	zap.L().Info("dispatch: participant reset",
		zap.String("participant_id", id),
		zap.Int("retry_count", p.RetryCount),
		zap.String("last_error", p.LastError),
	)
	return nil
}

// PauseCampaign deactivates a campaign and pauses its active participants.
// It returns the number of participants paused.
func (s *Service) PauseCampaign(ctx context.Context, campaignID string) (int, error) {
	if err := s.store.SetCampaignActive(ctx, campaignID, false); err != nil {
		return 0, eris.Wrapf(err, "dispatch: pause campaign %s", campaignID)
	}
	n, err := s.store.TransitionCampaign(ctx, campaignID, store.StatusChange{
		From: model.StatusActive, To: model.StatusPaused, Reason: model.PauseCampaign,
	})
	if err != nil {
		return 0, eris.Wrapf(err, "dispatch: pause campaign %s", campaignID)
	}
	zap.L().Info("dispatch: campaign paused", zap.String("campaign_id", campaignID), zap.Int("participants", n))
	return n, nil
}

// ResumeCampaign reactivates a campaign and resumes only the participants
// that the campaign pause stopped.
func (s *Service) ResumeCampaign(ctx context.Context, campaignID string) (int, error) {
	if err := s.store.SetCampaignActive(ctx, campaignID, true); err != nil {
		return 0, eris.Wrapf(err, "dispatch: resume campaign %s", campaignID)
	}
	reason := model.PauseCampaign
	n, err := s.store.TransitionCampaign(ctx, campaignID, store.StatusChange{
		From: model.StatusPaused, To: model.StatusActive, OnlyReason: &reason,
	})
	if err != nil {
		return 0, eris.Wrapf(err, "dispatch: resume campaign %s", campaignID)
	}
	zap.L().Info("dispatch: campaign resumed", zap.String("campaign_id", campaignID), zap.Int("participants", n))
	return n, nil
}

// ProcessDueBatch runs one dispatch batch for a campaign using a fresh
// policy snapshot.
func (s *Service) ProcessDueBatch(ctx context.Context, campaignID string) (*BatchResult, error) {
	camp, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: process batch")
	}
	return s.orch.ProcessDueBatch(ctx, camp.Policy(), s.batchSize)
}

// ProcessAll runs one batch for every active campaign. A failing campaign is
// logged and does not stop the others.
func (s *Service) ProcessAll(ctx context.Context) ([]BatchResult, error) {
	camps, err := s.store.ListCampaigns(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: list campaigns")
	}
	results := make([]BatchResult, 0, len(camps))
	for _, c := range camps {
		if ctx.Err() != nil {
			break
		}
		res, err := s.orch.ProcessDueBatch(ctx, c.Policy(), s.batchSize)
		if err != nil {
			zap.L().Error("dispatch: campaign batch failed", zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// RecordResponse registers a reply from the participant and warms its
// temperature one tier.
func (s *Service) RecordResponse(ctx context.Context, id string) (*model.Participant, error) {
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	temp := p.Temperature.Warmer()
	if err := s.store.RecordResponse(ctx, id, temp); err != nil {
		return nil, eris.Wrapf(err, "dispatch: record response %s", id)
	}
	p.ResponseCount++
	p.Temperature = temp
	return p, nil
}
