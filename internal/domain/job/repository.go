package job

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Repository persists job rows. Only the worker executing a job mutates it after Create.
type Repository interface {
	Create(ctx context.Context, j *Job) (uuid.UUID, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, params ListParams) ([]*Job, int64, error)
	// ListUnfinished returns queued and running jobs, oldest first.
	ListUnfinished(ctx context.Context, limit int) ([]*Job, error)

	MarkRunning(ctx context.Context, id uuid.UUID, attempt int) error
	UpdateProgress(ctx context.Context, id uuid.UUID, p Progress) error
	// MarkRetrying puts the job back to queued and records the last error.
	MarkRetrying(ctx context.Context, id uuid.UUID, reason string) error
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
}
