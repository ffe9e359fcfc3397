package memstorage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
)

type JobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*job.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs: make(map[uuid.UUID]*job.Job),
	}
}

var _ job.Repository = (*JobRepository)(nil)

func (r *JobRepository) Create(ctx context.Context, j *job.Job) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *j
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, exists := r.jobs[c.ID]; exists {
		return uuid.Nil, fmt.Errorf("%w: job %s already exists", ierr.ErrConflict, c.ID)
	}
	if c.Status == "" {
		c.Status = job.StatusQueued
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	r.jobs[c.ID] = &c
	return c.ID, nil
}

func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ierr.ErrNotFound, id)
	}
	c := *j
	return &c, nil
}

func (r *JobRepository) List(ctx context.Context, params job.ListParams) ([]*job.Job, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*job.Job
	for _, j := range r.jobs {
		if params.Type != nil && j.Type != *params.Type {
			continue
		}
		if params.Status != nil && j.Status != *params.Status {
			continue
		}
		if params.Reference != nil && j.Reference.String != *params.Reference {
			continue
		}
		c := *j
		matched = append(matched, &c)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	total := int64(len(matched))
	start := min(max(params.Offset, 0), len(matched))
	end := len(matched)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(matched))
	}
	return matched[start:end], total, nil
}

func (r *JobRepository) ListUnfinished(ctx context.Context, limit int) ([]*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*job.Job
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			c := *j
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID, attempt int) error {
	return r.update(id, func(j *job.Job, now time.Time) {
		j.Status = job.StatusRunning
		j.Attempts = attempt
		if !j.StartedAt.Valid {
			j.StartedAt = sql.NullTime{Time: now, Valid: true}
		}
	})
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, p job.Progress) error {
	return r.update(id, func(j *job.Job, _ time.Time) {
		j.Progress = p
	})
}

func (r *JobRepository) MarkRetrying(ctx context.Context, id uuid.UUID, reason string) error {
	return r.update(id, func(j *job.Job, _ time.Time) {
		j.Status = job.StatusQueued
		j.Error = sql.NullString{String: reason, Valid: true}
	})
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	return r.update(id, func(j *job.Job, now time.Time) {
		j.Status = job.StatusCompleted
		j.Result = result
		j.Error = sql.NullString{}
		j.FinishedAt = sql.NullTime{Time: now, Valid: true}
	})
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return r.update(id, func(j *job.Job, now time.Time) {
		j.Status = job.StatusFailed
		j.Error = sql.NullString{String: reason, Valid: true}
		j.FinishedAt = sql.NullTime{Time: now, Valid: true}
	})
}

func (r *JobRepository) update(id uuid.UUID, fn func(j *job.Job, now time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", ierr.ErrNotFound, id)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", ierr.ErrConflict, id, j.Status)
	}

	now := time.Now().UTC()
	fn(j, now)
	j.UpdatedAt = now
	return nil
}
