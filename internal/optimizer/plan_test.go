package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

func TestPlanGridStageCount(t *testing.T) {
	schema := map[string]domain.ParamRange{
		"fast": {Min: 3, Max: 7, Step: 2},
		"slow": {Min: 20, Max: 25, Step: 5},
	}
	plan, err := Plan(schema, [][]string{{"fast", "slow"}}, PlanOptions{RefinementRounds: 3})
	require.NoError(t, err)

	require.Len(t, plan.Stages, 1)
	stage := plan.Stages[0]
	assert.Equal(t, domain.StageKindGrid, stage.Kind)
	assert.Equal(t, 6, stage.TotalTests)
	assert.Equal(t, 1, plan.Rounds)

	require.Equal(t, 6, CandidateCount(stage))
	seen := make(map[string]bool)
	for i := 0; i < CandidateCount(stage); i++ {
		seen[CandidateAt(stage, i).Key()] = true
	}
	assert.Len(t, seen, 6)
	assert.Equal(t, "fast=3,slow=20", CandidateAt(stage, 0).Key())
	assert.Equal(t, "fast=3,slow=25", CandidateAt(stage, 1).Key())
	assert.Equal(t, "fast=7,slow=25", CandidateAt(stage, 5).Key())
}

func TestPlanSequentialStages(t *testing.T) {
	schema := map[string]domain.ParamRange{
		"zeta":  {Min: 1, Max: 3, Step: 1},
		"alpha": {Min: 0.01, Max: 0.05, Step: 0.01},
		"mid":   {Min: 10, Max: 10},
	}
	plan, err := Plan(schema, nil, PlanOptions{RefinementRounds: 3})
	require.NoError(t, err)

	require.Len(t, plan.Stages, 3)
	assert.Equal(t, []string{"alpha"}, plan.Stages[0].Parameters)
	assert.Equal(t, []string{"mid"}, plan.Stages[1].Parameters)
	assert.Equal(t, []string{"zeta"}, plan.Stages[2].Parameters)
	assert.Equal(t, 5, plan.Stages[0].TotalTests)
	assert.Equal(t, 1, plan.Stages[1].TotalTests)
	for i, s := range plan.Stages {
		assert.Equal(t, i+1, s.StageNum)
		assert.Equal(t, domain.StageKindSequential, s.Kind)
		assert.Equal(t, domain.StageStatusPending, s.Status)
	}
	assert.Equal(t, 3, plan.Rounds)
}

func TestPlanGridBeforeSequential(t *testing.T) {
	schema := map[string]domain.ParamRange{
		"fast":      {Min: 5, Max: 10, Step: 5},
		"slow":      {Min: 20, Max: 30, Step: 10},
		"stop_loss": {Min: 0.01, Max: 0.03, Step: 0.01},
	}
	plan, err := Plan(schema, [][]string{{"slow", "fast"}}, PlanOptions{RefinementRounds: 4})
	require.NoError(t, err)

	require.Len(t, plan.Stages, 2)
	assert.Equal(t, domain.StageKindGrid, plan.Stages[0].Kind)
	assert.Equal(t, []string{"slow", "fast"}, plan.Stages[0].Parameters)
	assert.Equal(t, domain.StageKindSequential, plan.Stages[1].Kind)
	assert.Equal(t, []string{"stop_loss"}, plan.Stages[1].Parameters)
	assert.Equal(t, 1, plan.Rounds, "a grid stage disables refinement")
}

func TestPlanGridWarning(t *testing.T) {
	schema := map[string]domain.ParamRange{
		"a": {Min: 1, Max: 3, Step: 1},
		"b": {Min: 1, Max: 2, Step: 1},
	}
	plan, err := Plan(schema, [][]string{{"a", "b"}}, PlanOptions{GridWarnThreshold: 5})
	require.NoError(t, err)
	require.Len(t, plan.Stages[0].Warnings, 1)
	assert.Contains(t, plan.Stages[0].Warnings[0], "6 combinations")

	plan, err = Plan(schema, [][]string{{"a", "b"}}, PlanOptions{})
	require.NoError(t, err)
	assert.Empty(t, plan.Stages[0].Warnings)
}

func TestPlanErrors(t *testing.T) {
	schema := map[string]domain.ParamRange{
		"a": {Min: 1, Max: 3, Step: 1},
		"b": {Min: 1, Max: 2, Step: 1},
	}
	tests := []struct {
		name   string
		schema map[string]domain.ParamRange
		groups [][]string
	}{
		{"empty schema", map[string]domain.ParamRange{}, nil},
		{"unknown group member", schema, [][]string{{"a", "c"}}},
		{"parameter in two groups", schema, [][]string{{"a", "b"}, {"a"}}},
		{"empty group", schema, [][]string{{}}},
		{"inverted range", map[string]domain.ParamRange{"a": {Min: 3, Max: 1, Step: 1}}, nil},
		{"infinite range", map[string]domain.ParamRange{"a": {Min: 0, Max: math.Inf(1), Step: 1}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.schema, tt.groups, PlanOptions{})
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestPlanRejectsOversizedRanges(t *testing.T) {
	huge := map[string]domain.ParamRange{"x": {Min: 0, Max: 1e18, Step: 1}}
	var err error
	require.NotPanics(t, func() { _, err = Plan(huge, nil, PlanOptions{}) })
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = Plan(map[string]domain.ParamRange{"x": {Min: 0, Max: 1e308, Step: 1e-308}}, nil, PlanOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// each factor fits but the product does not
	grid := map[string]domain.ParamRange{
		"a": {Min: 1, Max: 100, Step: 1},
		"b": {Min: 1, Max: 100, Step: 1},
	}
	_, err = Plan(grid, [][]string{{"a", "b"}}, PlanOptions{MaxCombinations: 5000})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	plan, err := Plan(grid, [][]string{{"a", "b"}}, PlanOptions{MaxCombinations: 10000})
	require.NoError(t, err)
	assert.Equal(t, 10000, plan.Stages[0].TotalTests)
	assert.NotEmpty(t, plan.Stages[0].Warnings, "the warning threshold stays soft")
	assert.Equal(t, "a=100,b=100", CandidateAt(plan.Stages[0], 9999).Key())
}

func TestNextRoundRenumbers(t *testing.T) {
	schema := map[string]domain.ParamRange{
		"a": {Min: 1, Max: 3, Step: 1},
		"b": {Min: 1, Max: 2, Step: 1},
	}
	plan, err := Plan(schema, nil, PlanOptions{RefinementRounds: 2})
	require.NoError(t, err)

	more := nextRound(plan.Stages, 2, 2)
	require.Len(t, more, 2)
	assert.Equal(t, 3, more[0].StageNum)
	assert.Equal(t, 4, more[1].StageNum)
	assert.Equal(t, 2, more[0].Round)
	assert.Equal(t, []string{"a"}, more[0].Parameters)
}

func TestInitialCombination(t *testing.T) {
	schema := map[string]domain.ParamRange{
		"a": {Min: 1, Max: 3, Step: 1},
		"b": {Min: 5, Max: 9, Step: 1},
	}
	got := InitialCombination(schema, domain.ParameterSet{"b": 7, "fixed": 0.5})
	assert.Equal(t, domain.ParameterSet{"a": 1, "b": 7, "fixed": 0.5}, got)
}

func TestScoreObjectives(t *testing.T) {
	m := &domain.Metrics{
		SharpeRatio:    domain.Float(1.5),
		SortinoRatio:   domain.Float(2),
		TotalReturnPct: 12,
		WinRate:        domain.Float(55),
	}
	assert.Equal(t, 1.5, *Score(domain.ObjectiveSharpe, m))
	assert.Equal(t, 2.0, *Score(domain.ObjectiveSortino, m))
	assert.Equal(t, 12.0, *Score(domain.ObjectiveTotalReturn, m))
	assert.Equal(t, 55.0, *Score(domain.ObjectiveWinRate, m))
	assert.Nil(t, Score(domain.ObjectiveCalmar, m))
	assert.Nil(t, Score(domain.ObjectiveSharpe, nil))
}

func TestCandidateBetter(t *testing.T) {
	a := candidate{index: 3, score: domain.Float(1)}
	b := candidate{index: 1, score: domain.Float(1)}
	c := candidate{index: 0, score: domain.Float(2)}
	unscored := candidate{index: 0}

	assert.True(t, a.better(nil))
	assert.False(t, unscored.better(nil))
	assert.True(t, b.better(&a), "earlier candidate wins a tie")
	assert.False(t, a.better(&b))
	assert.True(t, c.better(&b))
	assert.False(t, unscored.better(&a))
}
