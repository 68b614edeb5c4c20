// Package optimizer searches a strategy's parameter space with grid stages for
// correlated groups followed by one-parameter sequential stages.
package optimizer

import (
	"fmt"
	"sort"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// DefaultGridWarnThreshold is the combination count above which a grid stage carries
// a warning.
const DefaultGridWarnThreshold = 1000

// DefaultMaxCombinations is the hard cap on the candidates of one stage.
const DefaultMaxCombinations = 1_000_000

// PlanOptions tunes stage planning.
type PlanOptions struct {
	GridWarnThreshold int
	// MaxCombinations rejects any range or grid with more candidates. Values below 1
	// use DefaultMaxCombinations.
	MaxCombinations int
	// RefinementRounds caps the number of sequential passes when the plan has no
	// grid stage. Values below 1 mean a single pass.
	RefinementRounds int
}

// StagePlan is the ordered list of stages of one round plus the number of rounds
// allowed.
type StagePlan struct {
	Stages []domain.OptimizationStage
	Rounds int
}

// Plan builds the stages for schema. Every correlated group becomes one grid stage in
// the order given; the remaining parameters each get a sequential stage, sorted by
// name.
func Plan(schema map[string]domain.ParamRange, groups [][]string, opts PlanOptions) (*StagePlan, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("%w: parameter schema is empty", domain.ErrInvalidInput)
	}
	limit := opts.MaxCombinations
	if limit <= 0 {
		limit = DefaultMaxCombinations
	}
	for name, r := range schema {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		if n := r.Count(); n > float64(limit) {
			return nil, fmt.Errorf("%w: parameter %q has %.0f values (limit %d)", domain.ErrInvalidInput, name, n, limit)
		}
	}
	threshold := opts.GridWarnThreshold
	if threshold <= 0 {
		threshold = DefaultGridWarnThreshold
	}

	grouped := make(map[string]bool)
	var stages []domain.OptimizationStage
	for gi, group := range groups {
		if len(group) == 0 {
			return nil, fmt.Errorf("%w: correlated group %d is empty", domain.ErrInvalidInput, gi)
		}
		stage := domain.OptimizationStage{
			Kind:            domain.StageKindGrid,
			Parameters:      make([]string, 0, len(group)),
			CandidateValues: make(map[string][]float64, len(group)),
			Status:          domain.StageStatusPending,
			TotalTests:      1,
		}
		for _, name := range group {
			r, ok := schema[name]
			if !ok {
				return nil, fmt.Errorf("%w: correlated group %d names unknown parameter %q", domain.ErrInvalidInput, gi, name)
			}
			if grouped[name] {
				return nil, fmt.Errorf("%w: parameter %q appears in more than one correlated group", domain.ErrInvalidInput, name)
			}
			grouped[name] = true
			if float64(stage.TotalTests)*r.Count() > float64(limit) {
				return nil, fmt.Errorf("%w: grid over %v exceeds %d combinations", domain.ErrInvalidInput, group, limit)
			}
			values := r.Values()
			stage.Parameters = append(stage.Parameters, name)
			stage.CandidateValues[name] = values
			stage.TotalTests *= len(values)
		}
		if stage.TotalTests > threshold {
			stage.Warnings = append(stage.Warnings,
				fmt.Sprintf("grid over %v has %d combinations (above %d)", stage.Parameters, stage.TotalTests, threshold))
		}
		stages = append(stages, stage)
	}

	hasGrid := len(stages) > 0
	for _, name := range sortedKeys(schema) {
		if grouped[name] {
			continue
		}
		values := schema[name].Values()
		stages = append(stages, domain.OptimizationStage{
			Kind:            domain.StageKindSequential,
			Parameters:      []string{name},
			CandidateValues: map[string][]float64{name: values},
			TotalTests:      len(values),
			Status:          domain.StageStatusPending,
		})
	}

	rounds := 1
	if !hasGrid && opts.RefinementRounds > 1 {
		rounds = opts.RefinementRounds
	}
	for i := range stages {
		stages[i].StageNum = i + 1
		stages[i].Round = 1
	}
	return &StagePlan{Stages: stages, Rounds: rounds}, nil
}

// nextRound returns fresh copies of the sequential stages numbered after last.
func nextRound(stages []domain.OptimizationStage, round, last int) []domain.OptimizationStage {
	var out []domain.OptimizationStage
	for _, s := range stages {
		if s.Round != 1 || s.Kind != domain.StageKindSequential {
			continue
		}
		last++
		out = append(out, domain.OptimizationStage{
			StageNum:        last,
			Kind:            s.Kind,
			Round:           round,
			Parameters:      append([]string(nil), s.Parameters...),
			CandidateValues: s.CandidateValues,
			TotalTests:      s.TotalTests,
			Status:          domain.StageStatusPending,
		})
	}
	return out
}

// CandidateCount is the number of parameter sets a stage evaluates.
func CandidateCount(stage domain.OptimizationStage) int {
	if len(stage.Parameters) == 0 {
		return 0
	}
	n := 1
	for _, name := range stage.Parameters {
		n *= len(stage.CandidateValues[name])
	}
	return n
}

// CandidateAt decodes the i-th parameter set of a stage, 0 <= i < CandidateCount.
// For grid stages the last parameter varies fastest.
func CandidateAt(stage domain.OptimizationStage, i int) domain.ParameterSet {
	out := make(domain.ParameterSet, len(stage.Parameters))
	for k := len(stage.Parameters) - 1; k >= 0; k-- {
		name := stage.Parameters[k]
		values := stage.CandidateValues[name]
		out[name] = values[i%len(values)]
		i /= len(values)
	}
	return out
}

// InitialCombination returns the starting values: the caller's initial value for each
// schema parameter when given, otherwise the range minimum. Initial values for names
// outside the schema are kept as fixed parameters.
func InitialCombination(schema map[string]domain.ParamRange, initial domain.ParameterSet) domain.ParameterSet {
	out := initial.Clone()
	for name, r := range schema {
		if _, ok := out[name]; !ok {
			out[name] = r.Min
		}
	}
	return out
}

func sortedKeys(m map[string]domain.ParamRange) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
