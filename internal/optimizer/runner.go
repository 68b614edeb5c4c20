package optimizer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdSkip
	cmdCancel
	cmdSnapshot
)

func (k commandKind) String() string {
	switch k {
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	case cmdSkip:
		return "skip"
	case cmdCancel:
		return "cancel"
	default:
		return "snapshot"
	}
}

type command struct {
	kind     commandKind
	stage    int
	defaults domain.ParameterSet
	reply    chan commandReply
}

type commandReply struct {
	job *domain.OptimizationJob
	err error
}

// runner owns one job. Only the goroutine executing run touches job and the fields
// below it; everything else talks to it through cmds.
type runner struct {
	cfg    Config
	eval   Evaluator
	rounds int
	store  JobStore
	broker *Broker
	logger *zap.Logger

	cmds    chan command
	tasks   chan task
	results chan outcome
	done    chan struct{}
	gen     atomic.Int64

	job        *domain.OptimizationJob
	stageIdx   int
	current    domain.ParameterSet
	roundStart domain.ParameterSet
	queueLen   int
	next       int
	inFlight   int // every dispatched task not yet answered
	pending    int // dispatched tasks of the current stage generation
	stageBest  *candidate
	paused     bool
	eventSeq   int64
	testSeq    int
}

func newRunner(cfg Config, job *domain.OptimizationJob, plan *StagePlan, initial domain.ParameterSet,
	eval Evaluator, store JobStore, broker *Broker, logger *zap.Logger) *runner {
	job.Stages = plan.Stages
	job.BestCombination = initial.Clone()
	return &runner{
		cfg:        cfg,
		eval:       eval,
		rounds:     plan.Rounds,
		store:      store,
		broker:     broker,
		logger:     logger.With(zap.String("job_id", job.ID.String())),
		cmds:       make(chan command),
		tasks:      make(chan task, cfg.MaxConcurrentTests),
		results:    make(chan outcome, cfg.MaxConcurrentTests),
		done:       make(chan struct{}),
		job:        job,
		current:    initial.Clone(),
		roundStart: initial.Clone(),
	}
}

// send delivers a command to the owner and waits for the reply. It returns
// ErrJobFinished once the owner has exited.
func (r *runner) send(ctx context.Context, cmd command) (*domain.OptimizationJob, error) {
	cmd.reply = make(chan commandReply, 1)
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return nil, domain.ErrJobFinished
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-cmd.reply:
		return rep.job, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes the job to a terminal state. parent bounds the job's lifetime.
func (r *runner) run(parent context.Context) {
	defer close(r.done)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.cfg.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	workCtx, stopWorkers := context.WithCancel(ctx)
	var g errgroup.Group
	for i := 0; i < r.cfg.MaxConcurrentTests; i++ {
		w := newWorker(i, r)
		g.Go(func() error { return w.run(workCtx) })
	}

	r.logger.Info("Optimization started",
		zap.Int("stages", len(r.job.Stages)),
		zap.Int("rounds", r.rounds),
		zap.Int("workers", r.cfg.MaxConcurrentTests),
	)

	status, msg := r.loop(ctx)

	stopWorkers()
	close(r.tasks)
	_ = g.Wait()

	r.finish(status, msg)
}

func (r *runner) loop(ctx context.Context) (domain.JobStatus, string) {
	interval := r.cfg.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.setStatus(domain.JobStatusRunning)
	r.startStage()

	for {
		if r.stageIdx >= len(r.job.Stages) {
			return domain.JobStatusComplete, ""
		}
		r.dispatch()
		if r.next >= r.queueLen && r.pending == 0 {
			r.completeStage()
			r.advance()
			continue
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return domain.JobStatusError, fmt.Sprintf("optimization timed out after %s", r.cfg.JobTimeout)
			}
			return domain.JobStatusCancelled, "optimization service shut down"
		case cmd := <-r.cmds:
			if r.handle(cmd) {
				return domain.JobStatusCancelled, ""
			}
		case out := <-r.results:
			r.record(out)
		case <-ticker.C:
			if !r.paused {
				r.emit(domain.EventProgress, nil)
			}
		}
	}
}

// dispatch hands out candidates of the current stage up to the concurrency limit.
// The task buffer holds MaxConcurrentTests entries, so sends never block.
func (r *runner) dispatch() {
	stage := &r.job.Stages[r.stageIdx]
	for !r.paused && r.next < r.queueLen && r.inFlight < r.cfg.MaxConcurrentTests {
		values := CandidateAt(*stage, r.next)
		r.tasks <- task{
			gen:    r.gen.Load(),
			stage:  stage.StageNum,
			index:  r.next,
			values: values,
			params: r.current.Merge(values),
		}
		r.next++
		r.inFlight++
		r.pending++
	}
}

// handle applies a control command. It returns true when the job must stop.
func (r *runner) handle(cmd command) bool {
	var err error
	stop := false

	switch cmd.kind {
	case cmdPause:
		if !r.paused {
			r.paused = true
			r.setStatus(domain.JobStatusPaused)
		}
	case cmdResume:
		if r.paused {
			r.paused = false
			r.setStatus(domain.JobStatusRunning)
		}
	case cmdSkip:
		err = r.skip(cmd.stage, cmd.defaults)
	case cmdCancel:
		stop = true
	}

	if cmd.kind != cmdSnapshot {
		r.logger.Debug("Command handled", zap.Stringer("command", cmd.kind), zap.Error(err))
	}
	cmd.reply <- commandReply{job: r.job.Clone(), err: err}
	return stop
}

// skip ends the current stage with the caller's values. Commands for any stage other
// than the running one are ignored.
func (r *runner) skip(stageNum int, defaults domain.ParameterSet) error {
	stage := &r.job.Stages[r.stageIdx]
	if stage.StageNum != stageNum {
		r.logger.Debug("Ignoring skip for a stage that is not running",
			zap.Int("requested", stageNum),
			zap.Int("current", stage.StageNum),
		)
		return nil
	}
	for name := range defaults {
		if !slices.Contains(stage.Parameters, name) {
			return fmt.Errorf("%w: stage %d does not optimize %q", domain.ErrInvalidInput, stageNum, name)
		}
	}

	values := make(domain.ParameterSet, len(stage.Parameters))
	for _, name := range stage.Parameters {
		if v, ok := defaults[name]; ok {
			values[name] = v
		} else {
			values[name] = r.current[name]
		}
	}

	// results still in flight for this stage are discarded on arrival
	r.gen.Add(1)
	r.queueLen = 0
	r.next = 0
	r.pending = 0

	stage.Status = domain.StageStatusSkipped
	stage.BestValue = values
	stage.Warnings = append(stage.Warnings, "stage skipped, applied "+values.Key())
	r.current = r.current.Merge(values)
	r.job.BestCombination = r.current.Clone()
	r.job.UpdatedAt = time.Now()

	r.logger.Info("Stage skipped", zap.Int("stage", stageNum), zap.String("values", values.Key()))
	r.save()
	r.emitStage(stage)
	r.advance()
	return nil
}

// record folds one worker outcome into the job.
func (r *runner) record(out outcome) {
	r.inFlight--
	if out.stale || out.gen != r.gen.Load() {
		return
	}
	r.pending--

	stage := &r.job.Stages[r.stageIdx]
	r.testSeq++
	res := domain.TestResult{
		Seq:        r.testSeq,
		StageNum:   out.stage,
		Parameters: out.params,
		DurationMs: out.elapsed.Milliseconds(),
	}

	if out.err != nil {
		failure := domain.TestFailure{StageNum: out.stage, Parameters: out.params, Err: out.err}
		res.Error = failure.Error()
		stage.FailedTests++
		r.logger.Warn("Optimization test failed", zap.Error(failure))
	} else {
		res.Metrics = out.metrics
		res.Score = Score(r.job.Objective, out.metrics)
		c := candidate{index: out.index, score: res.Score, params: out.values, metrics: out.metrics}
		if c.better(r.stageBest) {
			r.stageBest = &c
			stage.BestValue = c.params.Clone()
			stage.BestScore = c.score
			stage.BestMetrics = c.metrics
		}
	}

	stage.CompletedTests++
	r.job.Results = append(r.job.Results, res)
	r.job.UpdatedAt = time.Now()
	r.emit(domain.EventTestCompleted, func(ev *domain.ProgressEvent) {
		ev.Test = &res
	})
}

func (r *runner) startStage() {
	if r.stageIdx >= len(r.job.Stages) {
		return
	}
	stage := &r.job.Stages[r.stageIdx]
	stage.Status = domain.StageStatusRunning
	r.job.CurrentStage = stage.StageNum
	r.queueLen = CandidateCount(*stage)
	r.next = 0
	r.pending = 0
	r.stageBest = nil

	r.logger.Info("Stage started",
		zap.Int("stage", stage.StageNum),
		zap.Stringer("kind", stage.Kind),
		zap.Strings("parameters", stage.Parameters),
		zap.Int("tests", stage.TotalTests),
	)
	for _, w := range stage.Warnings {
		r.logger.Warn("Stage warning", zap.Int("stage", stage.StageNum), zap.String("warning", w))
	}
}

// completeStage fixes the stage's best values into the running combination.
func (r *runner) completeStage() {
	stage := &r.job.Stages[r.stageIdx]
	stage.Status = domain.StageStatusComplete

	if r.stageBest != nil {
		r.current = r.current.Merge(r.stageBest.params)
		r.job.BestScore = r.stageBest.score
		r.job.BestMetrics = r.stageBest.metrics
	} else {
		kept := make(domain.ParameterSet, len(stage.Parameters))
		for _, name := range stage.Parameters {
			kept[name] = r.current[name]
		}
		stage.BestValue = kept
		stage.Warnings = append(stage.Warnings,
			fmt.Sprintf("no candidate produced a %s score, kept %s", r.job.Objective, kept.Key()))
	}
	r.job.BestCombination = r.current.Clone()
	r.job.UpdatedAt = time.Now()

	r.logger.Info("Stage completed",
		zap.Int("stage", stage.StageNum),
		zap.Int("tests", stage.CompletedTests),
		zap.Int("failed", stage.FailedTests),
		zap.String("best", stage.BestValue.Key()),
	)
	r.save()
	r.emitStage(stage)
}

// advance moves to the next stage, appending another sequential round when rounds
// remain and the last round still changed the combination.
func (r *runner) advance() {
	r.stageIdx++
	if r.stageIdx >= len(r.job.Stages) {
		last := r.job.Stages[len(r.job.Stages)-1]
		if last.Round >= r.rounds || r.current.Equal(r.roundStart) {
			return
		}
		r.job.Stages = append(r.job.Stages, nextRound(r.job.Stages, last.Round+1, last.StageNum)...)
		r.roundStart = r.current.Clone()
		r.logger.Info("Starting refinement round", zap.Int("round", last.Round+1))
	}
	r.startStage()
}

func (r *runner) setStatus(status domain.JobStatus) {
	r.job.Status = status
	r.job.UpdatedAt = time.Now()
	r.save()
	r.emit(domain.EventStatusChanged, nil)
}

func (r *runner) finish(status domain.JobStatus, msg string) {
	now := time.Now()
	r.job.Status = status
	r.job.UpdatedAt = now
	r.job.CompletedAt = &now
	if msg != "" {
		r.job.ErrorMessage = &msg
	}
	for i := range r.job.Stages {
		if s := &r.job.Stages[i]; s.Status == domain.StageStatusRunning && status != domain.JobStatusComplete {
			s.Status = domain.StageStatusPending
		}
	}

	r.logger.Info("Optimization finished",
		zap.Stringer("status", status),
		zap.Int("tests", r.job.CompletedTests()),
		zap.String("best", r.job.BestCombination.Key()),
		zap.String("message", msg),
	)
	r.save()
	r.emit(domain.EventStatusChanged, nil)
	r.emit(domain.EventJobCompleted, func(ev *domain.ProgressEvent) {
		ev.Message = msg
	})
}

// save persists a snapshot. Storage errors are logged, not fatal to the job.
func (r *runner) save() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Save(ctx, r.job); err != nil {
		r.logger.Error("Failed to save optimization job", zap.Error(err))
	}
}

func (r *runner) emitStage(stage *domain.OptimizationStage) {
	snapshot := *stage
	snapshot.Parameters = append([]string(nil), stage.Parameters...)
	snapshot.Warnings = append([]string(nil), stage.Warnings...)
	snapshot.BestValue = stage.BestValue.Clone()
	r.emit(domain.EventStageCompleted, func(ev *domain.ProgressEvent) {
		ev.Stage = &snapshot
		ev.StageNum = stage.StageNum
		ev.StageKind = stage.Kind
	})
}

func (r *runner) emit(typ domain.EventType, mutate func(ev *domain.ProgressEvent)) {
	r.eventSeq++
	ev := domain.ProgressEvent{
		ID:             uuid.New(),
		Seq:            r.eventSeq,
		Type:           typ,
		JobID:          r.job.ID,
		Timestamp:      time.Now(),
		Status:         r.job.Status,
		StageNum:       r.job.CurrentStage,
		TotalStages:    len(r.job.Stages),
		CompletedTests: r.job.CompletedTests(),
		TotalTests:     r.job.TotalTests(),
		Percent:        r.percent(),
		BestParameters: r.job.BestCombination.Clone(),
		BestScore:      r.job.BestScore,
	}
	if r.stageIdx < len(r.job.Stages) {
		ev.StageKind = r.job.Stages[r.stageIdx].Kind
	}
	if mutate != nil {
		mutate(&ev)
	}
	r.broker.Publish(ev)
}

// percent counts skipped and completed stages as fully done.
func (r *runner) percent() float64 {
	total, done := 0, 0
	for _, s := range r.job.Stages {
		total += s.TotalTests
		if s.Status.IsDone() {
			done += s.TotalTests
		} else {
			done += s.CompletedTests
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
