package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/fulfillment"
	"github.com/makkenzo/key-fulfillment-service/internal/importer"
)

const (
	TypeFulfillment = "fulfillment:order"
	TypeSync        = "inventory:sync"
	TypeImport      = "inventory:import"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// FulfillmentPayload is the queue job schema for one order.
type FulfillmentPayload struct {
	JobID   uuid.UUID           `json:"job_id" validate:"required"`
	Request fulfillment.Request `json:"request" validate:"required"`
}

// SyncPayload has no JobID when it comes from the scheduler; the handler then opens a
// job row itself.
type SyncPayload struct {
	JobID   uuid.UUID           `json:"job_id,omitempty"`
	Targets []config.SyncTarget `json:"targets" validate:"dive"`
}

type ImportPayload struct {
	JobID    uuid.UUID         `json:"job_id" validate:"required"`
	Filename string            `json:"filename"`
	Records  []importer.Record `json:"records" validate:"required,min=1"`
	Rejected int               `json:"rejected"`
}

var validate = validator.New()

func NewFulfillmentTask(p FulfillmentPayload, opts ...asynq.Option) (*asynq.Task, error) {
	return newTask(TypeFulfillment, p, opts...)
}

func NewSyncTask(p SyncPayload, opts ...asynq.Option) (*asynq.Task, error) {
	return newTask(TypeSync, p, opts...)
}

func NewImportTask(p ImportPayload, opts ...asynq.Option) (*asynq.Task, error) {
	return newTask(TypeImport, p, opts...)
}

func newTask(typename string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", typename, err)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, payloadBytes, opts...), nil
}

// decode rejects payloads that can never succeed, so asynq does not retry them.
func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("invalid payload for %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload for %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
