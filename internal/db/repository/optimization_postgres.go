package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saltfish/stratlab/go-backend/internal/db"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/optimizer"
)

// optimizationJobRepo implements OptimizationJobRepository using PostgreSQL.
type optimizationJobRepo struct {
	pool *db.Pool
}

// NewOptimizationJobRepository creates a new PostgreSQL optimization job repository.
func NewOptimizationJobRepository(pool *db.Pool) OptimizationJobRepository {
	return &optimizationJobRepo{pool: pool}
}

// Save inserts or replaces the job snapshot.
func (r *optimizationJobRepo) Save(ctx context.Context, job *domain.OptimizationJob) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal optimization job: %w", err)
	}

	query := `
		INSERT INTO optimization_jobs (
			id, strategy, status, objective, snapshot,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.Strategy,
		job.Status.String(),
		job.Objective.String(),
		snapshot,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save optimization job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *optimizationJobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error) {
	var snapshot []byte
	err := r.pool.QueryRow(ctx, "SELECT snapshot FROM optimization_jobs WHERE id = $1", id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("optimization job", id.String())
		}
		return nil, fmt.Errorf("failed to get optimization job: %w", err)
	}
	return decodeJob(snapshot)
}

// List lists jobs newest first with an optional status filter and pagination.
func (r *optimizationJobRepo) List(ctx context.Context, filter optimizer.ListFilter) ([]*domain.OptimizationJob, int, error) {
	whereClause := ""
	var args []any
	if filter.Status != nil {
		whereClause = "WHERE status = $1"
		args = append(args, filter.Status.String())
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM optimization_jobs " + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count optimization jobs: %w", err)
	}

	limit := any(nil) // LIMIT NULL means no limit
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	offset := max(filter.Offset, 0)
	args = append(args, limit, offset)

	selectQuery := fmt.Sprintf(`
		SELECT snapshot
		FROM optimization_jobs
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, whereClause, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query optimization jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.OptimizationJob, 0)
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, 0, fmt.Errorf("failed to scan optimization job row: %w", err)
		}
		job, err := decodeJob(snapshot)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating optimization job rows: %w", err)
	}
	return jobs, total, nil
}

// DeleteFinishedBefore removes terminal jobs completed before t.
func (r *optimizationJobRepo) DeleteFinishedBefore(ctx context.Context, t time.Time) (int, error) {
	query := `
		DELETE FROM optimization_jobs
		WHERE completed_at IS NOT NULL
			AND completed_at < $1
			AND status = ANY($2)
	`
	terminal := []string{
		domain.JobStatusComplete.String(),
		domain.JobStatusCancelled.String(),
		domain.JobStatusError.String(),
	}
	result, err := r.pool.Exec(ctx, query, t, terminal)
	if err != nil {
		return 0, fmt.Errorf("failed to purge optimization jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func decodeJob(snapshot []byte) (*domain.OptimizationJob, error) {
	job := &domain.OptimizationJob{}
	if err := json.Unmarshal(snapshot, job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal optimization job: %w", err)
	}
	if job.Results == nil {
		job.Results = make([]domain.TestResult, 0)
	}
	if job.BestCombination == nil {
		job.BestCombination = domain.ParameterSet{}
	}
	return job, nil
}

// Ensure interface implementations at compile time.
var _ OptimizationJobRepository = (*optimizationJobRepo)(nil)
