package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor purges finished jobs older than a retention period on a cron schedule.
type Janitor struct {
	store     JobStore
	retention time.Duration
	schedule  cron.Schedule
	logger    *zap.Logger

	pollInterval time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor parses spec, a standard five-field cron expression.
func NewJanitor(store JobStore, spec string, retention time.Duration, logger *zap.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	return &Janitor{
		store:        store,
		retention:    retention,
		schedule:     schedule,
		logger:       logger.With(zap.String("component", "janitor")),
		pollInterval: 30 * time.Second,
		now:          time.Now,
	}, nil
}

// Start runs the purge loop in the background.
func (j *Janitor) Start() {
	j.ctx, j.cancel = context.WithCancel(context.Background())
	next := j.schedule.Next(j.now())
	j.logger.Info("Starting job janitor",
		zap.Duration("retention", j.retention),
		zap.Time("next_run", next),
	)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-j.ctx.Done():
				return
			case <-ticker.C:
				now := j.now()
				if now.Before(next) {
					continue
				}
				if _, err := j.RunOnce(j.ctx, now); err != nil {
					j.logger.Error("Failed to purge optimization jobs", zap.Error(err))
				}
				next = j.schedule.Next(now)
			}
		}
	}()
}

// Stop stops the purge loop.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("Job janitor stopped")
}

// RunOnce deletes finished jobs that completed more than the retention period
// before now.
func (j *Janitor) RunOnce(ctx context.Context, now time.Time) (int, error) {
	n, err := j.store.DeleteFinishedBefore(ctx, now.Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("Purged finished optimization jobs", zap.Int("count", n))
	}
	return n, nil
}
