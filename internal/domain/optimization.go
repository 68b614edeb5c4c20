package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ParamRange is an inclusive numeric range explored by the optimizer.
type ParamRange struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Validate checks the range bounds.
func (r ParamRange) Validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsNaN(r.Step) {
		return fmt.Errorf("%w: range contains NaN", ErrInvalidInput)
	}
	if math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) || math.IsInf(r.Step, 0) {
		return fmt.Errorf("%w: range is not finite", ErrInvalidInput)
	}
	if r.Max < r.Min {
		return fmt.Errorf("%w: max %g below min %g", ErrInvalidInput, r.Max, r.Min)
	}
	if r.Step < 0 {
		return fmt.Errorf("%w: negative step %g", ErrInvalidInput, r.Step)
	}
	return nil
}

// Values enumerates min, min+step, ... up to and including max. Values are derived
// from the step index so accumulated float error never drops the upper bound.
// Call Count first on untrusted ranges.
func (r ParamRange) Values() []float64 {
	if r.Step <= 0 || r.Max == r.Min {
		return []float64{r.Min}
	}
	n := int(r.Count())
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := r.Min + float64(i)*r.Step
		out = append(out, roundTo(v, 1e-9))
	}
	return out
}

// Count is the number of values the range yields. It is a float so that absurd
// ranges can be compared against a cap without overflowing.
func (r ParamRange) Count() float64 {
	if r.Step <= 0 || r.Max == r.Min {
		return 1
	}
	return math.Floor((r.Max-r.Min)/r.Step+1e-9) + 1
}

func roundTo(v, unit float64) float64 {
	return math.Round(v/unit) * unit
}

// OptimizationRequest starts an optimization job.
type OptimizationRequest struct {
	Strategy          StrategyDefinition    `json:"strategy"`
	Schema            map[string]ParamRange `json:"schema"`
	CorrelatedGroups  [][]string            `json:"correlated_groups,omitempty"`
	InitialParameters ParameterSet          `json:"initial_parameters,omitempty"`
	Objective         Objective             `json:"objective,omitempty"`
	Risk              RiskConfig            `json:"risk"`
}

// OptimizationStage is one step of the hybrid search.
type OptimizationStage struct {
	StageNum        int                  `json:"stage_num"`
	Kind            StageKind            `json:"kind"`
	Round           int                  `json:"round"`
	Parameters      []string             `json:"parameters"`
	CandidateValues map[string][]float64 `json:"candidate_values"`
	TotalTests      int                  `json:"total_tests"`
	CompletedTests  int                  `json:"completed_tests"`
	FailedTests     int                  `json:"failed_tests"`
	BestValue       ParameterSet         `json:"best_value,omitempty"`
	BestScore       *float64             `json:"best_score,omitempty"`
	BestMetrics     *Metrics             `json:"best_metrics,omitempty"`
	Status          StageStatus          `json:"status"`
	Warnings        []string             `json:"warnings,omitempty"`
}

// Progress returns the completed fraction of the stage in [0,1].
func (s *OptimizationStage) Progress() float64 {
	if s.TotalTests == 0 {
		return 1
	}
	return float64(s.CompletedTests) / float64(s.TotalTests)
}

// TestResult records the outcome of one candidate evaluation.
type TestResult struct {
	Seq        int          `json:"seq"`
	StageNum   int          `json:"stage_num"`
	Parameters ParameterSet `json:"parameters"`
	Score      *float64     `json:"score,omitempty"`
	Metrics    *Metrics     `json:"metrics,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMs int64        `json:"duration_ms"`
}

// Failed returns true if the candidate could not be evaluated.
func (r *TestResult) Failed() bool {
	return r.Error != ""
}

// OptimizationJob is the persisted state of an optimization.
type OptimizationJob struct {
	ID              uuid.UUID           `json:"id"`
	Strategy        string              `json:"strategy"`
	Status          JobStatus           `json:"status"`
	Objective       Objective           `json:"objective"`
	Stages          []OptimizationStage `json:"stages"`
	CurrentStage    int                 `json:"current_stage"`
	BestCombination ParameterSet        `json:"best_combination"`
	BestScore       *float64            `json:"best_score,omitempty"`
	BestMetrics     *Metrics            `json:"best_metrics,omitempty"`
	Results         []TestResult        `json:"results"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// NewOptimizationJob creates a pending job with a generated UUID.
func NewOptimizationJob(strategy string, objective Objective) *OptimizationJob {
	now := time.Now()
	return &OptimizationJob{
		ID:              uuid.New(),
		Strategy:        strategy,
		Status:          JobStatusPending,
		Objective:       objective,
		BestCombination: ParameterSet{},
		Results:         make([]TestResult, 0),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TotalTests sums the planned tests over all stages.
func (j *OptimizationJob) TotalTests() int {
	total := 0
	for i := range j.Stages {
		total += j.Stages[i].TotalTests
	}
	return total
}

// CompletedTests sums the finished tests over all stages.
func (j *OptimizationJob) CompletedTests() int {
	done := 0
	for i := range j.Stages {
		done += j.Stages[i].CompletedTests
	}
	return done
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *OptimizationJob) Clone() *OptimizationJob {
	out := *j
	out.BestCombination = j.BestCombination.Clone()
	out.Stages = make([]OptimizationStage, len(j.Stages))
	for i, s := range j.Stages {
		s.Parameters = append([]string(nil), s.Parameters...)
		s.Warnings = append([]string(nil), s.Warnings...)
		if s.BestValue != nil {
			s.BestValue = s.BestValue.Clone()
		}
		out.Stages[i] = s
	}
	out.Results = append([]TestResult(nil), j.Results...)
	return &out
}

// OptimizationResult is the answer to a result query.
type OptimizationResult struct {
	Job            *OptimizationJob `json:"job"`
	BestParameters ParameterSet     `json:"best_parameters"`
	BestMetrics    *Metrics         `json:"best_metrics,omitempty"`
	AllResults     []TestResult     `json:"all_results"`
}

// ProgressEvent is emitted while a job runs. Each event carries enough of the job's
// state for an observer that missed earlier events to resynchronize.
type ProgressEvent struct {
	ID             uuid.UUID          `json:"id"`
	Seq            int64              `json:"seq"`
	Type           EventType          `json:"type"`
	JobID          uuid.UUID          `json:"job_id"`
	Timestamp      time.Time          `json:"timestamp"`
	Status         JobStatus          `json:"status"`
	StageNum       int                `json:"stage_num"`
	StageKind      StageKind          `json:"stage_kind,omitempty"`
	TotalStages    int                `json:"total_stages"`
	CompletedTests int                `json:"completed_tests"`
	TotalTests     int                `json:"total_tests"`
	Percent        float64            `json:"percent"`
	Test           *TestResult        `json:"test,omitempty"`
	Stage          *OptimizationStage `json:"stage,omitempty"`
	BestParameters ParameterSet       `json:"best_parameters,omitempty"`
	BestScore      *float64           `json:"best_score,omitempty"`
	Message        string             `json:"message,omitempty"`
}
