package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/metrics"
	"go.uber.org/zap"
)

// Tracker mirrors a task's life onto its job row. Row updates are best effort: a
// failure to record progress never fails the work itself.
type Tracker struct {
	jobs      job.Repository
	retryInfo func(ctx context.Context) (retried, maxRetry int)
	taskID    func(ctx context.Context) string
	logger    *zap.Logger
}

// taskJobNamespace derives job row ids from asynq task ids.
var taskJobNamespace = uuid.MustParse("6f1c2a4e-3b7d-5e90-8a41-d2c6b9f0e317")

func NewTracker(jobs job.Repository, logger *zap.Logger) *Tracker {
	return &Tracker{
		jobs:      jobs,
		retryInfo: asynqRetryInfo,
		taskID:    asynqTaskID,
		logger:    logger.Named("JobTracker"),
	}
}

func asynqRetryInfo(ctx context.Context) (int, int) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried, maxRetry
}

func asynqTaskID(ctx context.Context) string {
	id, _ := asynq.GetTaskID(ctx)
	return id
}

// Open returns the job row of a task that was enqueued without one, such as a
// scheduler entry. The row id is derived from the asynq task id, so every retry of
// the task lands on the row the first attempt created.
func (t *Tracker) Open(ctx context.Context, typ job.Type, payload []byte) (uuid.UUID, error) {
	taskID := t.taskID(ctx)
	if taskID == "" {
		return uuid.Nil, fmt.Errorf("open %s job: no task id in context: %w", typ, asynq.SkipRetry)
	}
	id := uuid.NewSHA1(taskJobNamespace, []byte(taskID))

	_, err := t.jobs.FindByID(ctx, id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ierr.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("open %s job: %w", typ, err)
	}

	_, maxRetry := t.retryInfo(ctx)
	_, err = t.jobs.Create(ctx, &job.Job{
		ID:          id,
		Type:        typ,
		Status:      job.StatusQueued,
		Payload:     payload,
		MaxAttempts: maxRetry + 1,
	})
	if err != nil && !errors.Is(err, ierr.ErrConflict) {
		return uuid.Nil, fmt.Errorf("open %s job: %w", typ, err)
	}
	t.logger.Info("Opened job for task", zap.String("job_id", id.String()), zap.String("task_id", taskID), zap.String("type", string(typ)))
	return id, nil
}

// Attempt is one delivery of a task to a handler.
type Attempt struct {
	JobID   uuid.UUID
	Type    job.Type
	Number  int
	Final   bool
	started time.Time
}

func (t *Tracker) Start(ctx context.Context, id uuid.UUID, typ job.Type) *Attempt {
	retried, maxRetry := t.retryInfo(ctx)
	a := &Attempt{
		JobID:   id,
		Type:    typ,
		Number:  retried + 1,
		Final:   retried >= maxRetry,
		started: time.Now(),
	}
	if err := t.jobs.MarkRunning(ctx, id, a.Number); err != nil {
		t.logger.Warn("Failed to mark job running", zap.String("job_id", id.String()), zap.Error(err))
	}
	t.logger.Info("Job attempt started",
		zap.String("job_id", id.String()),
		zap.String("type", string(typ)),
		zap.Int("attempt", a.Number),
		zap.Bool("final", a.Final),
	)
	return a
}

func (t *Tracker) Progress(ctx context.Context, a *Attempt, processed, total int) {
	if err := t.jobs.UpdateProgress(ctx, a.JobID, job.Progress{Processed: processed, Total: total}); err != nil {
		t.logger.Warn("Failed to update job progress", zap.String("job_id", a.JobID.String()), zap.Error(err))
	}
}

// Finish records the attempt's outcome and returns the error asynq should see.
// Permanent failures are wrapped with asynq.SkipRetry.
func (t *Tracker) Finish(ctx context.Context, a *Attempt, result any, err error) error {
	// The task context may already be past its deadline.
	ctx = context.WithoutCancel(ctx)
	metrics.JobDuration.WithLabelValues(string(a.Type)).Observe(time.Since(a.started).Seconds())
	log := t.logger.With(zap.String("job_id", a.JobID.String()), zap.String("type", string(a.Type)))

	if err == nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			raw = nil
		}
		if uerr := t.jobs.Complete(ctx, a.JobID, raw); uerr != nil {
			log.Warn("Failed to mark job completed", zap.Error(uerr))
		}
		metrics.JobsTotal.WithLabelValues(string(a.Type), "completed").Inc()
		log.Info("Job completed", zap.Int("attempt", a.Number))
		return nil
	}

	permanent := Permanent(err)
	if a.Final || permanent {
		if uerr := t.jobs.Fail(ctx, a.JobID, err.Error()); uerr != nil {
			log.Warn("Failed to mark job failed", zap.Error(uerr))
		}
		metrics.JobsTotal.WithLabelValues(string(a.Type), "failed").Inc()
		log.Error("Job failed permanently", zap.Int("attempt", a.Number), zap.Error(err))
		if permanent && !errors.Is(err, asynq.SkipRetry) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if uerr := t.jobs.MarkRetrying(ctx, a.JobID, err.Error()); uerr != nil {
		log.Warn("Failed to mark job for retry", zap.Error(uerr))
	}
	metrics.JobsTotal.WithLabelValues(string(a.Type), "retry").Inc()
	log.Warn("Job attempt failed, will retry", zap.Int("attempt", a.Number), zap.Error(err))
	return err
}

// Permanent reports errors that another attempt cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, asynq.SkipRetry) ||
		errors.Is(err, ierr.ErrFulfillmentFailed) ||
		errors.Is(err, ierr.ErrInvalidTransition) ||
		errors.Is(err, ierr.ErrValidation)
}
