package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// task is one candidate handed to a worker.
type task struct {
	gen    int64
	stage  int
	index  int
	values domain.ParameterSet // the stage's own parameters
	params domain.ParameterSet // full combination passed to the evaluator
}

// outcome is a worker's answer for one task.
type outcome struct {
	task
	metrics *domain.Metrics
	err     error
	elapsed time.Duration
	// stale is set when the task's stage was skipped before it ran.
	stale bool
}

// worker evaluates tasks for one job.
type worker struct {
	id     int
	r      *runner
	logger *zap.Logger
}

func newWorker(id int, r *runner) *worker {
	return &worker{
		id:     id,
		r:      r,
		logger: r.logger.With(zap.Int("worker_id", id)),
	}
}

// run processes tasks until the channel closes or ctx is done.
func (w *worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-w.r.tasks:
			if !ok {
				return nil
			}
			out := w.process(ctx, t)
			select {
			case w.r.results <- out:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// process evaluates one task under the per-test timeout.
func (w *worker) process(ctx context.Context, t task) (out outcome) {
	out.task = t
	if t.gen != w.r.gen.Load() {
		out.stale = true
		return out
	}
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	testCtx := ctx
	if timeout := w.r.cfg.TestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		testCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("Evaluator panicked",
				zap.Int("stage", t.stage),
				zap.String("params", t.params.Key()),
				zap.Any("panic", p),
			)
			out.metrics = nil
			out.err = fmt.Errorf("%w: evaluator panic: %v", domain.ErrSimulation, p)
		}
		out.elapsed = time.Since(start)
	}()

	out.metrics, out.err = w.r.eval.Evaluate(testCtx, t.params)
	if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
		out.err = fmt.Errorf("test timed out after %s: %w", w.r.cfg.TestTimeout, out.err)
	}
	if out.err == nil && out.metrics == nil {
		out.err = fmt.Errorf("%w: evaluator returned no metrics", domain.ErrSimulation)
	}
	return out
}
