// Package dispatch decides which campaign participants are due, sends their
// next message through the channel registry and records the outcome.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-cli/internal/channel"
	"github.com/sells-group/prospect-cli/internal/composer"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/internal/store"
)

// Config tunes the orchestrator.
type Config struct {
	Concurrency     int
	StaleClaimAfter time.Duration
	Deadline        time.Duration
	RetryBackoff    resilience.Backoff
}

// StageMappings resolves a funnel's stage mapping. It is consulted at most
// once per funnel per batch.
type StageMappings interface {
	Mapping(ctx context.Context, funnelID string) (*model.StageMapping, error)
}

// Alerter is notified of participants that exhausted every channel.
type Alerter interface {
	TerminalFailures(ctx context.Context, campaignID string, failures []TerminalFailure) error
}

// TerminalFailure is a participant that needs a manual reset.
type TerminalFailure struct {
	ParticipantID string `json:"participant_id"`
	LeadID        string `json:"lead_id"`
	LastError     string `json:"last_error"`
}

// BatchResult summarizes one ProcessDueBatch call.
type BatchResult struct {
	CampaignID string            `json:"campaign_id"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Remaining  int               `json:"remaining"`
	Reclaimed  int               `json:"reclaimed"`
	Errors     int               `json:"errors"`
	Terminal   []TerminalFailure `json:"terminal,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStageMappings enables the workable-stage gate.
func WithStageMappings(m StageMappings) Option {
	return func(o *Orchestrator) {
		o.mappings = m
	}
}

// WithAlerter reports terminal failures after each batch.
func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) {
		o.alerter = a
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs dispatch batches.
type Orchestrator struct {
	store    store.Store
	senders  *channel.Registry
	composer composer.Composer
	mappings StageMappings
	alerter  Alerter
	cfg      Config
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator with defaults filled in.
func NewOrchestrator(st store.Store, senders *channel.Registry, comp composer.Composer, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 15 * time.Minute
	}
	if cfg.RetryBackoff.Base <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	o := &Orchestrator{
		store:    st,
		senders:  senders,
		composer: comp,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type outcome int

const (
	outcomeUntouched outcome = iota
	outcomeSent
	outcomeFailed
	outcomeTerminal
	outcomeSkipped
	outcomeError
)

// ProcessDueBatch claims and processes up to maxBatchSize due participants of
// one campaign. Participants not reached before the deadline are left as they
// were. Per-participant failures are recorded on the participant; only store
// failures around selection are returned.
func (o *Orchestrator) ProcessDueBatch(ctx context.Context, pol model.Policy, maxBatchSize int) (*BatchResult, error) {
	log := zap.L().With(zap.String("campaign_id", pol.CampaignID))
	res := &BatchResult{CampaignID: pol.CampaignID}
	if !pol.Active {
		log.Debug("dispatch: campaign inactive, skipping batch")
		return res, nil
	}

	batchCtx := ctx
	if o.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, o.cfg.Deadline)
		defer cancel()
	}

	now := o.now()
	reclaimed, err := o.store.ReclaimStale(ctx, pol.CampaignID, now.Add(-o.cfg.StaleClaimAfter))
	if err != nil {
		return res, eris.Wrap(err, "dispatch: reclaim stale")
	}
	if reclaimed > 0 {
		log.Warn("dispatch: reclaimed stale claims", zap.Int("count", reclaimed))
	}
	res.Reclaimed = reclaimed

	due, err := o.store.ListDue(ctx, pol.CampaignID, now, maxBatchSize)
	if err != nil {
		return res, eris.Wrap(err, "dispatch: list due")
	}

	b := &batch{o: o, pol: pol, mappings: make(map[string]*model.StageMapping)}
	var sent, failed, skipped, errs atomic.Int64
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, p := range due {
		if batchCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, tf := b.process(ctx, batchCtx, p)
			switch out {
			case outcomeSent:
				sent.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeTerminal:
				failed.Add(1)
				mu.Lock()
				res.Terminal = append(res.Terminal, *tf)
				mu.Unlock()
			case outcomeSkipped:
				skipped.Add(1)
			case outcomeError:
				errs.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Sent = int(sent.Load())
	res.Failed = int(failed.Load())
	res.Skipped = int(skipped.Load())
	res.Errors = int(errs.Load())

	remaining, err := o.store.CountDue(ctx, pol.CampaignID, o.now())
	if err != nil {
		log.Warn("dispatch: count remaining failed", zap.Error(err))
	}
	res.Remaining = remaining

	if batchCtx.Err() == context.DeadlineExceeded {
		log.Warn("dispatch: batch deadline reached", zap.Int("remaining", remaining))
	}
	if len(res.Terminal) > 0 && o.alerter != nil {
		if err := o.alerter.TerminalFailures(ctx, pol.CampaignID, res.Terminal); err != nil {
			log.Warn("dispatch: terminal failure alert failed", zap.Error(err))
		}
	}

	log.Info("dispatch: batch complete",
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("terminal", len(res.Terminal)),
		zap.Int("remaining", res.Remaining),
	)
	return res, nil
}

// batch holds per-batch state shared by workers.
type batch struct {
	o   *Orchestrator
	pol model.Policy

	mu       sync.Mutex
	mappings map[string]*model.StageMapping
}

// process handles one candidate. ctx bounds the selection work and the
// priority attempt; runCtx outlives the batch deadline and bounds fallbacks.
func (b *batch) process(runCtx, ctx context.Context, cand model.Participant) (outcome, *TerminalFailure) {
	if ctx.Err() != nil {
		return outcomeUntouched, nil
	}
	o := b.o
	log := zap.L().With(zap.String("campaign_id", b.pol.CampaignID), zap.String("participant_id", cand.ID))

	now := o.now()
	p, err := o.store.Claim(ctx, cand.ID, now)
	if err != nil {
		log.Error("dispatch: claim failed", zap.Error(err))
		return outcomeError, nil
	}
	if p == nil {
		return outcomeUntouched, nil
	}

	// Writes after this point must land even if the batch deadline passes
	// mid-send, otherwise the claim would linger until reclaimed as stale.
	wctx := context.WithoutCancel(ctx)

	lead, err := o.store.GetLeadState(ctx, p.LeadID)
	if err != nil {
		log.Error("dispatch: read lead state failed", zap.Error(err))
		return b.release(wctx, log, p, model.ClaimRelease{}), nil
	}

	if lead != nil && lead.OwnerLock {
		log.Info("dispatch: lead owner-locked, pausing", zap.String("owner_id", lead.OwnerID))
		return b.release(wctx, log, p, model.ClaimRelease{
			Status:      model.StatusPaused,
			PauseReason: model.PauseOwnerLock,
		}), nil
	}

	workable, err := b.workable(ctx, lead)
	if err != nil {
		log.Warn("dispatch: stage mapping unavailable", zap.Error(err))
		return b.release(wctx, log, p, model.ClaimRelease{}), nil
	}
	if !workable {
		log.Info("dispatch: lead outside workable stage, pausing", zap.String("stage", lead.CurrentStage))
		return b.release(wctx, log, p, model.ClaimRelease{
			Status:      model.StatusPausedKanban,
			PauseReason: model.PauseKanban,
		}), nil
	}

	if until, quiet := QuietUntil(b.pol.QuietHours, Location(p.Timezone, b.pol.Timezone), now); quiet {
		log.Debug("dispatch: quiet hours, rescheduling", zap.Time("until", until))
		u := until.UTC()
		return b.release(wctx, log, p, model.ClaimRelease{NextScheduledAt: &u}), nil
	}

	if b.pol.MaxContacts > 0 && p.ContactCount >= b.pol.MaxContacts {
		return b.release(wctx, log, p, model.ClaimRelease{Status: model.StatusCompleted}), nil
	}

	return b.send(ctx, runCtx, wctx, log, p, lead)
}

// release gives up the claim without recording an attempt.
func (b *batch) release(ctx context.Context, log *zap.Logger, p *model.Participant, r model.ClaimRelease) outcome {
	if err := b.o.store.ReleaseClaim(ctx, p.ID, p.ClaimToken, r); err != nil {
		log.Error("dispatch: release claim failed", zap.Error(err))
		return outcomeError
	}
	return outcomeSkipped
}

// workable reports whether the lead's stage allows automated contact. Leads
// without a known stage, funnels without a workable stage and sources with no
// stage table at all are not gated.
func (b *batch) workable(ctx context.Context, lead *model.LeadState) (bool, error) {
	if b.o.mappings == nil || lead == nil || lead.CurrentStage == "" {
		return true, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.mappings[lead.FunnelID]
	if !ok {
		var err error
		m, err = b.o.mappings.Mapping(ctx, lead.FunnelID)
		if err != nil && !errors.Is(err, model.ErrNoStageMapping) {
			return false, err
		}
		b.mappings[lead.FunnelID] = m
	}
	return m == nil || m.Workable == "" || m.Workable == lead.CurrentStage, nil
}

type attempt struct {
	channel  model.Channel
	body     string
	delivery channel.Delivery
	err      error
	fallback bool
	at       time.Time
}

func (b *batch) try(ctx context.Context, p *model.Participant, lead *model.LeadState, ch model.Channel, fallback bool) attempt {
	o := b.o
	a := attempt{channel: ch, fallback: fallback}
	body, err := o.composer.Compose(ctx, composer.AgentConfig{
		CampaignID: b.pol.CampaignID,
		Prompt:     b.pol.AgentPrompt,
		Channel:    ch,
	}, composer.ContextFor(p, lead))
	if err != nil {
		a.err, a.at = channel.Classify(ch, err), o.now()
		return a
	}
	a.body = body

	sender, err := o.senders.Resolve(ch, b.pol.WhatsAppInstance)
	if err != nil {
		a.err, a.at = &channel.SendError{Channel: ch, Kind: channel.KindPermanent, Err: err}, o.now()
		return a
	}
	a.delivery, a.err = sender.Send(ctx, p.Recipient(), body)
	if a.err != nil {
		a.err = channel.Classify(ch, a.err)
	}
	a.at = o.now()
	return a
}

// send tries the priority channel and, once retries are spent, each fallback
// channel once. A fallback walk interrupted by runCtx is committed as a due
// retry so the next run resumes it instead of going terminal.
func (b *batch) send(ctx, runCtx, wctx context.Context, log *zap.Logger, p *model.Participant, lead *model.LeadState) (outcome, *TerminalFailure) {
	o := b.o
	attempts := []attempt{b.try(ctx, p, lead, b.pol.PriorityChannel, false)}
	first := attempts[0]
	if first.err == nil {
		return b.commitSend(wctx, log, p, attempts), nil
	}

	retry := p.RetryCount + 1
	if retry < model.MaxRetries && !channel.IsPermanent(first.err) {
		next := first.at.Add(o.cfg.RetryBackoff.Delay(retry))
		log.Warn("dispatch: send failed, will retry",
			zap.String("channel", string(first.channel)),
			zap.Int("retry_count", retry),
			zap.Time("next_retry_at", next),
			zap.Error(first.err),
		)
		err := o.store.CommitFailure(wctx, p.ID, p.ClaimToken, model.FailureCommit{
			RetryCount:  retry,
			NextRetryAt: &next,
			LastError:   first.err.Error(),
			History:     b.history(p, attempts),
		})
		if err != nil {
			log.Error("dispatch: commit failure failed", zap.Error(err))
			return outcomeError, nil
		}
		return outcomeFailed, nil
	}

	for _, ch := range b.pol.FallbackChannels {
		if ch == b.pol.PriorityChannel {
			continue
		}
		if runCtx.Err() != nil {
			return b.interrupted(wctx, log, p, attempts)
		}
		a := b.try(runCtx, p, lead, ch, true)
		attempts = append(attempts, a)
		if a.err == nil {
			log.Info("dispatch: delivered on fallback channel", zap.String("channel", string(ch)))
			return b.commitSend(wctx, log, p, attempts), nil
		}
		log.Warn("dispatch: fallback failed", zap.String("channel", string(ch)), zap.Error(a.err))
	}

	errs := make([]string, 0, len(attempts))
	for _, a := range attempts {
		errs = append(errs, a.err.Error())
	}
	lastErr := strings.Join(errs, "; ")
	log.Error("dispatch: all channels failed", zap.String("last_error", lastErr))

	err := o.store.CommitFailure(wctx, p.ID, p.ClaimToken, model.FailureCommit{
		RetryCount: model.MaxRetries,
		LastError:  lastErr,
		History:    b.history(p, attempts),
	})
	if err != nil {
		log.Error("dispatch: commit terminal failure failed", zap.Error(err))
		return outcomeError, nil
	}
	return outcomeTerminal, &TerminalFailure{ParticipantID: p.ID, LeadID: p.LeadID, LastError: lastErr}
}

// interrupted records the attempts made so far and leaves the participant due
// one retry short of terminal.
func (b *batch) interrupted(ctx context.Context, log *zap.Logger, p *model.Participant, attempts []attempt) (outcome, *TerminalFailure) {
	last := attempts[len(attempts)-1]
	next := last.at
	log.Warn("dispatch: fallback walk interrupted, will resume", zap.Error(last.err))
	err := b.o.store.CommitFailure(ctx, p.ID, p.ClaimToken, model.FailureCommit{
		RetryCount:  model.MaxRetries - 1,
		NextRetryAt: &next,
		LastError:   last.err.Error(),
		History:     b.history(p, attempts),
	})
	if err != nil {
		log.Error("dispatch: commit failure failed", zap.Error(err))
		return outcomeError, nil
	}
	return outcomeFailed, nil
}

func (b *batch) commitSend(ctx context.Context, log *zap.Logger, p *model.Participant, attempts []attempt) outcome {
	at := attempts[len(attempts)-1].at
	err := b.o.store.CommitSend(ctx, p.ID, p.ClaimToken, model.SendCommit{
		At:              at,
		NextScheduledAt: NextContact(b.pol, p.Temperature, at),
		Complete:        b.pol.MaxContacts > 0 && p.ContactCount+1 >= b.pol.MaxContacts,
		History:         b.history(p, attempts),
	})
	if err != nil {
		// The message went out; only the bookkeeping is lost.
		log.Error("dispatch: commit send failed", zap.Error(err))
		return outcomeError
	}
	return outcomeSent
}

func (b *batch) history(p *model.Participant, attempts []attempt) []model.MessageRecord {
	out := make([]model.MessageRecord, 0, len(attempts))
	for _, a := range attempts {
		rec := model.MessageRecord{
			ParticipantID:     p.ID,
			CampaignID:        p.CampaignID,
			Channel:           a.channel,
			Body:              a.body,
			Outcome:           model.OutcomeSent,
			ProviderMessageID: a.delivery.ProviderMessageID,
			Fallback:          a.fallback,
			AttemptedAt:       a.at,
		}
		if a.err != nil {
			rec.Outcome = model.OutcomeFailed
			rec.Error = a.err.Error()
		}
		out = append(out, rec)
	}
	return out
}
