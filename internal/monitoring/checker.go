package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/config"
)

const defaultCheckInterval = 15 * time.Minute

// Checker evaluates dispatch health on an interval. An alert that already
// fired is held back until the repeat window passes, so a standing backlog
// pages once per window rather than once per tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	repeat    time.Duration

	mu    sync.Mutex
	fired map[string]time.Time
	now   func() time.Time
}

// NewChecker wires a collector to an alerter.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		repeat:    time.Duration(cfg.RepeatAfterMins) * time.Minute,
		fired:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run checks on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("health checks started", zap.Duration("interval", c.interval))

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("health checks stopped")
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Check takes one snapshot and delivers the alerts it raises that are not
// inside their repeat window. It returns how many were delivered.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		zap.L().Error("monitoring: collect snapshot", zap.Error(err))
		return 0
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		return 0
	}
	sent := c.alerter.deliver(ctx, due)
	c.mark(sent)
	zap.L().Info("monitoring: check complete",
		zap.Int("campaigns", len(snap.Campaigns)),
		zap.Int("due", len(due)),
		zap.Int("sent", len(sent)),
	)
	return len(sent)
}

func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := alerts[:0:0]
	for _, a := range alerts {
		if last, ok := c.fired[a.key()]; ok && c.repeat > 0 && now.Sub(last) < c.repeat {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) mark(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, a := range alerts {
		c.fired[a.key()] = now
	}
}
