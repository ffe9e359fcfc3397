package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/fulfillment"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/dto"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/importer"
	"github.com/makkenzo/key-fulfillment-service/internal/tasks"
	"go.uber.org/zap"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is satisfied by *asynq.Inspector.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

type JobServiceConfig struct {
	MaxRetry    int
	Timeout     time.Duration
	SyncTargets []config.SyncTarget
}

// importMeta is what an import job row keeps of its payload. Key codes only travel
// in the queued task, never in the job table.
type importMeta struct {
	Filename string              `json:"filename"`
	Records  int                 `json:"records"`
	Rejected []importer.RowError `json:"rejected,omitempty"`
}

const recoverBatch = 1000

// JobService is the producer side of the job queue. Every task carries its job row id
// as the asynq task id, so a job can never be queued twice.
type JobService struct {
	jobs      job.Repository
	queue     Enqueuer
	inspector TaskInspector
	cfg       JobServiceConfig
	logger    *zap.Logger
}

func NewJobService(jobs job.Repository, queue Enqueuer, inspector TaskInspector, cfg JobServiceConfig, logger *zap.Logger) *JobService {
	return &JobService{
		jobs:      jobs,
		queue:     queue,
		inspector: inspector,
		cfg:       cfg,
		logger:    logger.Named("JobService"),
	}
}

// EnqueueFulfillment queues the saga for one order. While a job for the same order is
// queued, running or completed, that job is returned instead of a new one.
func (s *JobService) EnqueueFulfillment(ctx context.Context, req *fulfillment.Request) (*dto.EnqueueResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("order_id", req.OrderID))

	typ := job.TypeFulfillment
	existing, _, err := s.jobs.List(ctx, job.ListParams{Type: &typ, Reference: &req.OrderID, Limit: 50})
	if err != nil {
		log.Error("Failed to look up existing jobs for order", zap.Error(err))
		return nil, fmt.Errorf("look up jobs for order %s: %w", req.OrderID, err)
	}
	for _, j := range existing {
		if j.Status != job.StatusFailed {
			log.Info("Fulfillment already enqueued for order", zap.String("job_id", j.ID.String()), zap.String("status", string(j.Status)))
			return &dto.EnqueueResponse{JobID: j.ID, Type: j.Type, Status: j.Status, Duplicate: true}, nil
		}
	}

	id := uuid.New()
	payload := tasks.FulfillmentPayload{JobID: id, Request: *req}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode fulfillment payload: %w", err)
	}
	row := &job.Job{
		ID:          id,
		Type:        job.TypeFulfillment,
		Status:      job.StatusQueued,
		Reference:   job.NullString(req.OrderID),
		Payload:     raw,
		Progress:    job.Progress{Total: req.Units()},
		MaxAttempts: s.cfg.MaxRetry + 1,
	}

	task, err := tasks.NewFulfillmentTask(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrValidation, err)
	}
	if err := s.enqueue(ctx, row, task, tasks.QueueCritical); err != nil {
		return nil, err
	}
	log.Info("Fulfillment job enqueued", zap.String("job_id", id.String()), zap.Int("units", req.Units()))
	return &dto.EnqueueResponse{JobID: id, Type: row.Type, Status: job.StatusQueued}, nil
}

// EnqueueSync queues an inventory top-up. Without explicit targets the configured
// ones are used.
func (s *JobService) EnqueueSync(ctx context.Context, targets []config.SyncTarget) (*dto.EnqueueResponse, error) {
	if len(targets) == 0 {
		targets = s.cfg.SyncTargets
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no sync targets given or configured", ierr.ErrValidation)
	}

	id := uuid.New()
	payload := tasks.SyncPayload{JobID: id, Targets: targets}
	task, err := tasks.NewSyncTask(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrValidation, err)
	}
	row := &job.Job{
		ID:          id,
		Type:        job.TypeSync,
		Status:      job.StatusQueued,
		Payload:     task.Payload(),
		MaxAttempts: s.cfg.MaxRetry + 1,
	}
	if err := s.enqueue(ctx, row, task, tasks.QueueLow); err != nil {
		return nil, err
	}
	s.logger.Info("Sync job enqueued", zap.String("job_id", id.String()), zap.Int("targets", len(targets)))
	return &dto.EnqueueResponse{JobID: id, Type: row.Type, Status: job.StatusQueued}, nil
}

// EnqueueImport parses an uploaded key file and queues its valid rows. Rejected rows
// are reported back and do not block the rest.
func (s *JobService) EnqueueImport(ctx context.Context, filename string, r io.Reader) (*dto.EnqueueResponse, error) {
	batch, err := importer.Parse(filename, r)
	if err != nil {
		s.logger.Warn("Rejected key file", zap.String("filename", filename), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ierr.ErrValidation, err)
	}
	if len(batch.Records) == 0 {
		return nil, fmt.Errorf("%w: %s has no importable rows (%d rejected)", ierr.ErrValidation, filename, len(batch.Rejected))
	}

	id := uuid.New()
	meta, err := json.Marshal(importMeta{Filename: filename, Records: len(batch.Records), Rejected: batch.Rejected})
	if err != nil {
		return nil, fmt.Errorf("encode import meta: %w", err)
	}
	task, err := tasks.NewImportTask(tasks.ImportPayload{
		JobID:    id,
		Filename: filename,
		Records:  batch.Records,
		Rejected: len(batch.Rejected),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrValidation, err)
	}
	row := &job.Job{
		ID:          id,
		Type:        job.TypeImport,
		Status:      job.StatusQueued,
		Reference:   job.NullString(filename),
		Payload:     meta,
		Progress:    job.Progress{Total: len(batch.Records)},
		MaxAttempts: s.cfg.MaxRetry + 1,
	}
	if err := s.enqueue(ctx, row, task, tasks.QueueDefault); err != nil {
		return nil, err
	}
	s.logger.Info("Import job enqueued",
		zap.String("job_id", id.String()),
		zap.String("filename", filename),
		zap.Int("records", len(batch.Records)),
		zap.Int("rejected", len(batch.Rejected)),
	)
	return &dto.EnqueueResponse{
		JobID:    id,
		Type:     row.Type,
		Status:   job.StatusQueued,
		Accepted: len(batch.Records),
		Rejected: batch.Rejected,
	}, nil
}

// enqueue writes the row first so the worker always finds it. A row whose task never
// reached the queue is failed right away instead of being left queued.
func (s *JobService) enqueue(ctx context.Context, row *job.Job, task *asynq.Task, queue string) error {
	if _, err := s.jobs.Create(ctx, row); err != nil {
		s.logger.Error("Failed to create job row", zap.String("type", string(row.Type)), zap.Error(err))
		return fmt.Errorf("create %s job: %w", row.Type, err)
	}
	if _, err := s.queue.EnqueueContext(ctx, task, s.taskOptions(row.ID, queue)...); err != nil {
		s.logger.Error("Failed to enqueue task", zap.String("job_id", row.ID.String()), zap.Error(err))
		if ferr := s.jobs.Fail(context.WithoutCancel(ctx), row.ID, "enqueue failed: "+err.Error()); ferr != nil {
			s.logger.Warn("Failed to mark unqueued job failed", zap.String("job_id", row.ID.String()), zap.Error(ferr))
		}
		return fmt.Errorf("enqueue %s job: %w", row.Type, err)
	}
	return nil
}

func (s *JobService) taskOptions(id uuid.UUID, queue string) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(id.String()),
		asynq.Queue(queue),
		asynq.MaxRetry(s.cfg.MaxRetry),
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(s.cfg.Timeout))
	}
	return opts
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*dto.JobResponse, error) {
	j, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return dto.NewJobResponse(j), nil
}

func (s *JobService) ListJobs(ctx context.Context, req *dto.ListJobsRequest) (*dto.PaginatedJobResponse, error) {
	params := job.ListParams{
		Type:      req.Type,
		Status:    req.Status,
		Reference: req.Reference,
		Limit:     req.Limit,
		Offset:    req.Offset,
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}

	jobs, total, err := s.jobs.List(ctx, params)
	if err != nil {
		s.logger.Error("Failed to list jobs", zap.Error(err))
		return nil, fmt.Errorf("repository error listing jobs: %w", err)
	}
	resp := &dto.PaginatedJobResponse{
		Jobs:       make([]*dto.JobResponse, len(jobs)),
		TotalCount: total,
		Limit:      params.Limit,
		Offset:     params.Offset,
	}
	for i, j := range jobs {
		resp.Jobs[i] = dto.NewJobResponse(j)
	}
	return resp, nil
}

// RecoverPending re-enqueues job rows left queued or running by a previous process.
// Tasks still known to asynq conflict on their task id and are left alone. Import rows
// do not keep their key codes, so an import whose task is gone is failed instead.
func (s *JobService) RecoverPending(ctx context.Context) (int, error) {
	pending, err := s.jobs.ListUnfinished(ctx, recoverBatch)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	recovered := 0
	var errs []error
	for _, j := range pending {
		ok, err := s.recover(ctx, j)
		if err != nil {
			s.logger.Error("Failed to recover job", zap.String("job_id", j.ID.String()), zap.String("type", string(j.Type)), zap.Error(err))
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		if ok {
			recovered++
		}
	}

	s.logger.Info("Pending jobs recovered", zap.Int("unfinished", len(pending)), zap.Int("requeued", recovered))
	return recovered, errors.Join(errs...)
}

func (s *JobService) recover(ctx context.Context, j *job.Job) (bool, error) {
	var (
		task  *asynq.Task
		queue string
		err   error
	)
	switch j.Type {
	case job.TypeFulfillment:
		var p tasks.FulfillmentPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return false, s.failUnrecoverable(ctx, j, "stored payload is unreadable")
		}
		p.JobID = j.ID
		task, err = tasks.NewFulfillmentTask(p)
		queue = tasks.QueueCritical
	case job.TypeSync:
		var p tasks.SyncPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return false, s.failUnrecoverable(ctx, j, "stored payload is unreadable")
		}
		p.JobID = j.ID
		task, err = tasks.NewSyncTask(p)
		queue = tasks.QueueLow
	case job.TypeImport:
		return false, s.checkImport(ctx, j)
	default:
		return false, s.failUnrecoverable(ctx, j, fmt.Sprintf("unknown job type %q", j.Type))
	}
	if err != nil {
		return false, s.failUnrecoverable(ctx, j, err.Error())
	}

	if _, err := s.queue.EnqueueContext(ctx, task, s.taskOptions(j.ID, queue)...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return false, nil
		}
		return false, fmt.Errorf("re-enqueue: %w", err)
	}
	s.logger.Info("Job re-enqueued", zap.String("job_id", j.ID.String()), zap.String("type", string(j.Type)))
	return true, nil
}

func (s *JobService) checkImport(ctx context.Context, j *job.Job) error {
	if s.inspector == nil {
		return nil
	}
	_, err := s.inspector.GetTaskInfo(tasks.QueueDefault, j.ID.String())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return s.failUnrecoverable(ctx, j, "import task was lost; upload the file again")
	default:
		return fmt.Errorf("inspect import task: %w", err)
	}
}

func (s *JobService) failUnrecoverable(ctx context.Context, j *job.Job, reason string) error {
	s.logger.Warn("Failing unrecoverable job", zap.String("job_id", j.ID.String()), zap.String("reason", reason))
	if err := s.jobs.Fail(ctx, j.ID, reason); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}
