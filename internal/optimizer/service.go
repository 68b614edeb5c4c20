package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/backtest"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Config holds the optimizer settings.
type Config struct {
	MaxConcurrentTests int
	TestTimeout        time.Duration
	JobTimeout         time.Duration
	ProgressInterval   time.Duration
	GridWarnThreshold  int
	MaxCombinations    int
	RefinementRounds   int
	DefaultObjective   domain.Objective
}

// DefaultConfig returns the standard optimizer settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTests: 4,
		TestTimeout:        time.Minute,
		JobTimeout:         30 * time.Minute,
		ProgressInterval:   2 * time.Second,
		GridWarnThreshold:  DefaultGridWarnThreshold,
		MaxCombinations:    DefaultMaxCombinations,
		RefinementRounds:   1,
		DefaultObjective:   domain.ObjectiveSharpe,
	}
}

// Service starts and controls optimization jobs.
type Service struct {
	cfg    Config
	engine *backtest.Engine
	store  JobStore
	broker *Broker
	logger *zap.Logger

	mu      sync.RWMutex
	runners map[uuid.UUID]*runner
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a Service. engine may be nil when every job is started with an
// explicit Evaluator.
func NewService(cfg Config, engine *backtest.Engine, store JobStore, broker *Broker, logger *zap.Logger) *Service {
	if cfg.MaxConcurrentTests <= 0 {
		cfg.MaxConcurrentTests = 1
	}
	if !cfg.DefaultObjective.IsValid() {
		cfg.DefaultObjective = domain.ObjectiveSharpe
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		broker:  broker,
		logger:  logger.With(zap.String("component", "optimizer")),
		runners: make(map[uuid.UUID]*runner),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartOptimization validates req against the strategy and starts a job that
// backtests every candidate over data.
func (s *Service) StartOptimization(ctx context.Context, req domain.OptimizationRequest, data MarketData) (*domain.OptimizationJob, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("%w: no backtest engine configured", domain.ErrInvalidInput)
	}
	if len(data.Candles) == 0 {
		return nil, fmt.Errorf("%w: no candles supplied", domain.ErrInvalidInput)
	}

	risk := s.engine.PrepareRisk(&req.Risk)
	initial := InitialCombination(req.Schema, req.InitialParameters)
	compiled, err := backtest.Compile(req.Strategy, initial, risk)
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(req.Schema) {
		if !compiled.Consumes(name) {
			return nil, fmt.Errorf("%w: parameter %q is not used by strategy %q", domain.ErrInvalidInput, name, req.Strategy.Name)
		}
	}
	if len(data.Candles) < compiled.Warmup {
		return nil, domain.DataInsufficientError{Indicator: req.Strategy.Name, Required: compiled.Warmup, Available: len(data.Candles)}
	}

	data.Candles = domain.NormalizeCandles(data.Candles)
	data.Fine = domain.NormalizeCandles(data.Fine)
	eval := NewBacktestEvaluator(s.engine, req.Strategy, risk, data)
	return s.Start(ctx, req, eval)
}

// Start plans req and runs it with eval. The returned job is a snapshot taken at
// submission.
func (s *Service) Start(ctx context.Context, req domain.OptimizationRequest, eval Evaluator) (*domain.OptimizationJob, error) {
	plan, err := Plan(req.Schema, req.CorrelatedGroups, PlanOptions{
		GridWarnThreshold: s.cfg.GridWarnThreshold,
		MaxCombinations:   s.cfg.MaxCombinations,
		RefinementRounds:  s.cfg.RefinementRounds,
	})
	if err != nil {
		return nil, err
	}

	objective := req.Objective
	if objective == "" {
		objective = s.cfg.DefaultObjective
	}
	if !objective.IsValid() {
		return nil, fmt.Errorf("%w: unknown objective %q", domain.ErrInvalidInput, req.Objective)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: optimizer is shutting down", domain.ErrConflict)
	}

	job := domain.NewOptimizationJob(req.Strategy.Name, objective)
	r := newRunner(s.cfg, job, plan, InitialCombination(req.Schema, req.InitialParameters), eval, s.store, s.broker, s.logger)
	if err := s.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save optimization job: %w", err)
	}
	snapshot := job.Clone()

	s.runners[job.ID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(s.ctx)
		s.mu.Lock()
		delete(s.runners, job.ID)
		s.mu.Unlock()
	}()

	s.logger.Info("Optimization submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("strategy", job.Strategy),
		zap.Stringer("objective", objective),
		zap.Int("stages", len(plan.Stages)),
	)
	return snapshot, nil
}

// Pause stops dispatching new tests. Tests already running finish and are recorded.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error) {
	return s.control(ctx, id, command{kind: cmdPause})
}

// Resume continues a paused job from where it stopped.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error) {
	return s.control(ctx, id, command{kind: cmdResume})
}

// Skip ends the given stage, fixing its parameters to defaults. Parameters missing
// from defaults keep their current values.
func (s *Service) Skip(ctx context.Context, id uuid.UUID, stage int, defaults domain.ParameterSet) (*domain.OptimizationJob, error) {
	return s.control(ctx, id, command{kind: cmdSkip, stage: stage, defaults: defaults})
}

// Cancel stops the job and releases its workers.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error) {
	return s.control(ctx, id, command{kind: cmdCancel})
}

// Get returns the current state of a job.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error) {
	return s.control(ctx, id, command{kind: cmdSnapshot})
}

// control routes cmd to the job's owner. Commands for jobs that already finished are
// no-ops that return the stored state.
func (s *Service) control(ctx context.Context, id uuid.UUID, cmd command) (*domain.OptimizationJob, error) {
	s.mu.RLock()
	r, ok := s.runners[id]
	s.mu.RUnlock()

	if ok {
		job, err := r.send(ctx, cmd)
		switch {
		case err == nil && cmd.kind == cmdCancel:
			// the reply predates finish; wait for the terminal snapshot
			select {
			case <-r.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case !errors.Is(err, domain.ErrJobFinished):
			return job, err
		default:
			<-r.done
		}
	}
	return s.store.Get(ctx, id)
}

// GetResult returns the job with its best parameters and every test ranked by score.
func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*domain.OptimizationResult, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ranked := append([]domain.TestResult(nil), job.Results...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Score, ranked[j].Score
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	return &domain.OptimizationResult{
		Job:            job,
		BestParameters: job.BestCombination.Clone(),
		BestMetrics:    job.BestMetrics,
		AllResults:     ranked,
	}, nil
}

// List returns stored jobs, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*domain.OptimizationJob, int, error) {
	return s.store.List(ctx, filter)
}

// Subscribe streams the events of one job. The channel closes after the job's
// completion event, immediately when the job already finished, or when the returned
// function is called.
func (s *Service) Subscribe(ctx context.Context, id uuid.UUID) (<-chan domain.ProgressEvent, func(), error) {
	s.mu.RLock()
	r, running := s.runners[id]
	s.mu.RUnlock()

	if running {
		ch, unsubscribe := s.broker.Subscribe(id)
		// the terminal state is saved before the completion event is published, so a
		// job that looks unfinished here is guaranteed to deliver it
		select {
		case <-r.done:
			unsubscribe()
		default:
			if job, err := s.store.Get(ctx, id); err == nil && job.Status.IsTerminal() {
				unsubscribe()
			}
		}
		return ch, unsubscribe, nil
	}

	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	ch := make(chan domain.ProgressEvent)
	close(ch)
	return ch, func() {}, nil
}

// SubscribeAll streams the events of every job.
func (s *Service) SubscribeAll() (<-chan domain.ProgressEvent, func()) {
	return s.broker.Subscribe(uuid.Nil)
}

// Active returns the number of jobs that have not finished.
func (s *Service) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runners)
}

// Shutdown cancels every running job and waits for them to stop, or until ctx is
// done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Stopping optimizer", zap.Int("active_jobs", s.Active()))
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Optimizer stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Optimizer shutdown timed out")
		return ctx.Err()
	}
}
