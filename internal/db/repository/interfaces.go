// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"time"

	"github.com/saltfish/stratlab/go-backend/internal/db"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/optimizer"
)

// CandleRepository defines the interface for candle data access.
type CandleRepository interface {
	// GetCandles returns the candles of symbol and timeframe with open time in
	// [since, until], ascending. A zero bound is open.
	GetCandles(ctx context.Context, symbol string, tf domain.Timeframe, since, until time.Time) ([]domain.Candle, error)

	// UpsertCandles stores candles in one transaction, replacing bars with the same
	// open time.
	UpsertCandles(ctx context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) (int, error)
}

// OptimizationJobRepository persists optimization job snapshots.
type OptimizationJobRepository interface {
	optimizer.JobStore
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Candles CandleRepository
	Jobs    OptimizationJobRepository
}

// NewRepositories creates a new Repositories instance with all PostgreSQL implementations.
func NewRepositories(pool *db.Pool) *Repositories {
	return &Repositories{
		Candles: NewCandleRepository(pool),
		Jobs:    NewOptimizationJobRepository(pool),
	}
}
