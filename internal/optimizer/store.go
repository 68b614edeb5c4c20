package optimizer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// ListFilter narrows a job listing.
type ListFilter struct {
	Status *domain.JobStatus
	Limit  int
	Offset int
}

// JobStore persists optimization job snapshots.
type JobStore interface {
	Save(ctx context.Context, job *domain.OptimizationJob) error
	Get(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error)
	// List returns jobs newest first and the total count matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*domain.OptimizationJob, int, error)
	// DeleteFinishedBefore removes terminal jobs completed before t.
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int, error)
}

// MemoryStore is an in-process JobStore.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.OptimizationJob
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*domain.OptimizationJob)}
}

// Save stores a copy of job.
func (s *MemoryStore) Save(_ context.Context, job *domain.OptimizationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.OptimizationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.NewNotFoundError("optimization job", id.String())
	}
	return job.Clone(), nil
}

// List returns copies of the matching jobs.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*domain.OptimizationJob, int, error) {
	s.mu.RLock()
	matched := make([]*domain.OptimizationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []*domain.OptimizationJob{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]*domain.OptimizationJob, len(matched))
	for i, job := range matched {
		out[i] = job.Clone()
	}
	return out, total, nil
}

// DeleteFinishedBefore removes terminal jobs completed before t.
func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(t) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
