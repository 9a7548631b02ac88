package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Runner runs jobs in-process on standard five-field cron specs (or
// "@every 5m" style descriptors). A job still running when its next tick
// fires is skipped for that tick.
type Runner struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. Jobs receive ctx, bounded by timeout when it is
// positive.
func NewRunner(ctx context.Context, timeout time.Duration) *Runner {
	return &Runner{
		cron:    cron.NewWithLocation(time.UTC),
		ctx:     ctx,
		timeout: timeout,
	}
}

// Add registers a job. An empty spec disables the job.
func (r *Runner) Add(name, spec string, fn func(context.Context) error) error {
	if spec == "" {
		return nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return eris.Wrapf(err, "schedule: parse %s spec %q", name, spec)
	}

	var running atomic.Bool
	r.cron.Schedule(sched, cron.FuncJob(func() {
		if !running.CompareAndSwap(false, true) {
			zap.L().Debug("schedule: job still running, skipping tick", zap.String("job", name))
			return
		}
		defer running.Store(false)
		if !r.enter() {
			return
		}
		defer r.wg.Done()
		r.run(name, fn)
	}))
	return nil
}

// enter registers an in-flight job. It fails once Stop has begun so that a
// tick racing Stop never adds to the wait group while Stop is waiting on it.
func (r *Runner) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	return true
}

// RunNow executes a job synchronously, outside the schedule.
func (r *Runner) RunNow(name string, fn func(context.Context) error) {
	r.run(name, fn)
}

func (r *Runner) run(name string, fn func(context.Context) error) {
	if r.ctx.Err() != nil {
		return
	}
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := fn(ctx); err != nil {
		zap.L().Error("schedule: job failed", zap.String("job", name), zap.Error(err))
		return
	}
	zap.L().Debug("schedule: job complete", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
}

// Len returns the number of registered jobs.
func (r *Runner) Len() int {
	return len(r.cron.Entries())
}

// Start begins firing jobs in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts the scheduler and waits for in-flight jobs to return.
func (r *Runner) Stop() {
	r.cron.Stop()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

// AddActivities registers the dispatch, sync and health jobs on the runner.
func (r *Runner) AddActivities(acts *Activities, dispatchSpec, syncSpec, healthSpec string) error {
	if err := r.Add("dispatch", dispatchSpec, func(ctx context.Context) error {
		_, err := acts.ProcessCampaigns(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := r.Add("crm_sync", syncSpec, func(ctx context.Context) error {
		_, err := acts.DrainSync(ctx)
		return err
	}); err != nil {
		return err
	}
	return r.Add("health", healthSpec, func(ctx context.Context) error {
		_, err := acts.CheckHealth(ctx)
		return err
	})
}
