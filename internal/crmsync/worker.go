package crmsync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/internal/store"
)

// WorkerConfig tunes the sync outbox worker.
type WorkerConfig struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int
	Backoff     resilience.Backoff
	StaleAfter  time.Duration
}

// DrainResult summarizes one pass over the sync outbox.
type DrainResult struct {
	Done     int `json:"done"`
	Retried  int `json:"retried"`
	Dead     int `json:"dead"`
	Requeued int `json:"requeued"`
}

// Worker delivers queued sync tasks to the CRM.
type Worker struct {
	store   store.Store
	adapter *Adapter
	cfg     WorkerConfig
	now     func() time.Time
}

// NewWorker creates a Worker with defaults filled in.
func NewWorker(st store.Store, adapter *Adapter, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = resilience.Backoff{Base: 30 * time.Second, Max: time.Hour}
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Worker{
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Drain requeues stale tasks, then claims and delivers one batch of due tasks.
// Individual task failures are recorded on the task, not returned.
func (w *Worker) Drain(ctx context.Context) (*DrainResult, error) {
	log := zap.L().With(zap.String("component", "crmsync.worker"))
	now := w.now()
	res := &DrainResult{}

	requeued, err := w.store.RequeueStaleSync(ctx, now.Add(-w.cfg.StaleAfter))
	if err != nil {
		return res, eris.Wrap(err, "crmsync: requeue stale")
	}
	if requeued > 0 {
		log.Warn("requeued stale sync tasks", zap.Int("count", requeued))
	}
	res.Requeued = requeued

	tasks, err := w.store.ClaimSyncTasks(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return res, eris.Wrap(err, "crmsync: claim tasks")
	}
	if len(tasks) == 0 {
		return res, nil
	}

	var done, retried, dead atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, t := range tasks {
		g.Go(func() error {
			tLog := log.With(
				zap.String("task_id", t.ID),
				zap.String("lead_id", t.LeadID),
				zap.String("kind", string(t.Kind)),
				zap.Int("attempt", t.Attempts),
			)

			handleErr := w.handle(gctx, t)
			if handleErr == nil {
				if err := w.store.CompleteSync(gctx, t.ID, w.now()); err != nil {
					return err
				}
				done.Add(1)
				return nil
			}

			isDead := resilience.IsPermanent(handleErr) || t.Attempts >= w.cfg.MaxAttempts
			next := w.cfg.Backoff.Next(w.now(), t.Attempts-1)
			if err := w.store.FailSync(gctx, t.ID, handleErr.Error(), next, isDead); err != nil {
				return err
			}
			if isDead {
				tLog.Error("sync task dead", zap.Error(handleErr))
				dead.Add(1)
				return nil
			}
			tLog.Warn("sync task failed, will retry", zap.Time("next_attempt_at", next), zap.Error(handleErr))
			retried.Add(1)
			return nil
		})
	}

	err = g.Wait()
	res.Done = int(done.Load())
	res.Retried = int(retried.Load())
	res.Dead = int(dead.Load())
	if err != nil {
		return res, eris.Wrap(err, "crmsync: drain")
	}

	log.Info("sync drain complete",
		zap.Int("done", res.Done),
		zap.Int("retried", res.Retried),
		zap.Int("dead", res.Dead),
	)
	return res, nil
}

// handle delivers one task. Missing leads and unknown stages never heal, so
// they fail permanently.
func (w *Worker) handle(ctx context.Context, t model.SyncTask) error {
	err := w.deliver(ctx, t)
	if store.IsNotFound(err) || errors.Is(err, model.ErrUnknownStage) {
		return resilience.NewPermanentError(err, 0)
	}
	return err
}

func (w *Worker) deliver(ctx context.Context, t model.SyncTask) error {
	switch t.Kind {
	case model.SyncLockMirror:
		return w.adapter.MirrorOwner(ctx, t.LeadID, true, t.OwnerID)
	case model.SyncUnlockMirror:
		return w.adapter.MirrorOwner(ctx, t.LeadID, false, "")
	case model.SyncStageMirror:
		_, err := w.adapter.AdvanceStage(ctx, t.LeadID, t.Stage)
		return err
	default:
		return resilience.NewPermanentError(eris.Errorf("crmsync: unknown sync kind %q", t.Kind), 0)
	}
}
