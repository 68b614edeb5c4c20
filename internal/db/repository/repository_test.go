package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/optimizer"
)

func hourlyCandles(start time.Time, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = domain.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      p,
			High:      p + 1,
			Low:       p - 1,
			Close:     p + 0.5,
			Volume:    10,
		}
	}
	return out
}

func TestCandleRepository_UpsertAndRange(t *testing.T) {
	pool := setupTestDB(t)
	truncateTables(t, pool, "candles")
	repo := NewCandleRepository(pool)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := repo.UpsertCandles(ctx, "BTC/USDT", domain.Timeframe1h, hourlyCandles(start, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Re-inserting replaces rather than duplicates.
	updated := hourlyCandles(start, 1)
	updated[0].Close = 999
	_, err = repo.UpsertCandles(ctx, "BTC/USDT", domain.Timeframe1h, updated)
	require.NoError(t, err)

	all, err := repo.GetCandles(ctx, "BTC/USDT", domain.Timeframe1h, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 10)
	assert.Equal(t, 999.0, all[0].Close)
	assert.True(t, all[0].Timestamp.Equal(start))

	ranged, err := repo.GetCandles(ctx, "BTC/USDT", domain.Timeframe1h, start.Add(2*time.Hour), start.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Len(t, ranged, 3)

	other, err := repo.GetCandles(ctx, "ETH/USDT", domain.Timeframe1h, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestOptimizationJobRepository_SaveGetList(t *testing.T) {
	pool := setupTestDB(t)
	truncateTables(t, pool, "optimization_jobs")
	repo := NewOptimizationJobRepository(pool)
	ctx := context.Background()

	first := domain.NewOptimizationJob("ma_cross", domain.ObjectiveSharpe)
	first.CreatedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.Save(ctx, first))

	second := domain.NewOptimizationJob("rsi", domain.ObjectiveSharpe)
	second.Status = domain.JobStatusRunning
	second.BestCombination = domain.ParameterSet{"period": 14}
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
	assert.Equal(t, 14.0, got.BestCombination["period"])

	jobs, total, err := repo.List(ctx, optimizer.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)

	running := domain.JobStatusRunning
	jobs, total, err = repo.List(ctx, optimizer.ListFilter{Status: &running, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOptimizationJobRepository_DeleteFinishedBefore(t *testing.T) {
	pool := setupTestDB(t)
	truncateTables(t, pool, "optimization_jobs")
	repo := NewOptimizationJobRepository(pool)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	done := domain.NewOptimizationJob("old", domain.ObjectiveSharpe)
	done.Status = domain.JobStatusComplete
	done.CompletedAt = &old
	require.NoError(t, repo.Save(ctx, done))

	live := domain.NewOptimizationJob("live", domain.ObjectiveSharpe)
	live.Status = domain.JobStatusRunning
	require.NoError(t, repo.Save(ctx, live))

	n, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, done.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.Get(ctx, live.ID)
	assert.NoError(t, err)
}
