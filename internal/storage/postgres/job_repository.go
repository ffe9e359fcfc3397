package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"go.uber.org/zap"
)

const jobColumns = `
	id, type, status, reference, payload, processed, total, result, error,
	attempts, max_attempts, created_at, started_at, finished_at, updated_at`

type JobRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewJobRepository(db *pgxpool.Pool, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger.Named("JobRepository"),
	}
}

var _ job.Repository = (*JobRepository)(nil)

func (r *JobRepository) Create(ctx context.Context, j *job.Job) (uuid.UUID, error) {
	query := `
		INSERT INTO fulfillment_jobs (id, type, status, reference, payload, total, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	id := j.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	status := j.Status
	if status == "" {
		status = job.StatusQueued
	}

	var insertedID uuid.UUID
	err := r.db.QueryRow(ctx, query,
		id,
		string(j.Type),
		string(status),
		j.Reference,
		j.Payload,
		j.Progress.Total,
		j.MaxAttempts,
	).Scan(&insertedID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return uuid.Nil, fmt.Errorf("%w: job %s already exists", ierr.ErrConflict, id)
		}
		r.logger.Error("Failed to create job", zap.String("type", string(j.Type)), zap.Error(err))
		return uuid.Nil, fmt.Errorf("db error creating job: %w", err)
	}

	r.logger.Debug("Job created", zap.String("id", insertedID.String()), zap.String("type", string(j.Type)))
	return insertedID, nil
}

func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	j, err := r.scanJob(r.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM fulfillment_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ierr.ErrNotFound, id)
	}
	return j, err
}

func (r *JobRepository) List(ctx context.Context, params job.ListParams) ([]*job.Job, int64, error) {
	var (
		conds []string
		args  []any
	)
	if params.Type != nil {
		args = append(args, string(*params.Type))
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if params.Status != nil {
		args = append(args, string(*params.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if params.Reference != nil {
		args = append(args, *params.Reference)
		conds = append(conds, fmt.Sprintf("reference = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT count(*) FROM fulfillment_jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("db error counting jobs: %w", err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(params.Offset, 0))
	query := fmt.Sprintf(`SELECT%s FROM fulfillment_jobs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list jobs", zap.Error(err))
		return nil, 0, fmt.Errorf("db error listing jobs: %w", err)
	}
	jobs, err := r.collect(rows)
	return jobs, total, err
}

func (r *JobRepository) ListUnfinished(ctx context.Context, limit int) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM fulfillment_jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error listing unfinished jobs: %w", err)
	}
	return r.collect(rows)
}

func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID, attempt int) error {
	return r.exec(ctx, id, "mark running", `
		UPDATE fulfillment_jobs SET
			status = 'running',
			attempts = $2,
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, attempt)
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, p job.Progress) error {
	return r.exec(ctx, id, "update progress", `
		UPDATE fulfillment_jobs SET processed = $2, total = $3, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, p.Processed, p.Total)
}

func (r *JobRepository) MarkRetrying(ctx context.Context, id uuid.UUID, reason string) error {
	return r.exec(ctx, id, "mark retrying", `
		UPDATE fulfillment_jobs SET status = 'queued', error = $2, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, reason)
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	return r.exec(ctx, id, "complete", `
		UPDATE fulfillment_jobs SET
			status = 'completed',
			result = $2,
			error = NULL,
			finished_at = now(),
			updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, result)
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return r.exec(ctx, id, "fail", `
		UPDATE fulfillment_jobs SET
			status = 'failed',
			error = $2,
			finished_at = now(),
			updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, reason)
}

// exec runs a status update guarded so terminal jobs are never touched again.
func (r *JobRepository) exec(ctx context.Context, id uuid.UUID, op, query string, args ...any) error {
	cmdTag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		r.logger.Error("Failed to update job", zap.String("id", id.String()), zap.String("op", op), zap.Error(err))
		return fmt.Errorf("db error on job %s: %w", op, err)
	}
	if cmdTag.RowsAffected() == 0 {
		r.logger.Warn("Job update affected no rows", zap.String("id", id.String()), zap.String("op", op))
		return fmt.Errorf("%w: job %s not found or already finished", ierr.ErrConflict, id)
	}
	return nil
}

func (r *JobRepository) collect(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()

	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Status,
		&j.Reference,
		&j.Payload,
		&j.Progress.Processed,
		&j.Progress.Total,
		&j.Result,
		&j.Error,
		&j.Attempts,
		&j.MaxAttempts,
		&j.CreatedAt,
		&j.StartedAt,
		&j.FinishedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		r.logger.Error("Failed to scan job row", zap.Error(err))
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	return &j, nil
}
