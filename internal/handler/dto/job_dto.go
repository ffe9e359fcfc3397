package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/fulfillment"
	"github.com/makkenzo/key-fulfillment-service/internal/importer"
)

type FulfillmentItemRequest struct {
	ProductID  string `json:"product_id" binding:"required"`
	VariantID  string `json:"variant_id"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity" binding:"required,gte=1,lte=100"`
	LineItemID string `json:"line_item_id" binding:"required"`
}

// CreateFulfillmentRequest is what the storefront posts once an order is paid.
type CreateFulfillmentRequest struct {
	OrderID    string                   `json:"order_id" binding:"required"`
	CustomerID string                   `json:"customer_id" binding:"required"`
	Recipient  string                   `json:"recipient" binding:"required"`
	Items      []FulfillmentItemRequest `json:"items" binding:"required,min=1,dive"`
}

func (r *CreateFulfillmentRequest) ToRequest() *fulfillment.Request {
	req := &fulfillment.Request{
		OrderID:    r.OrderID,
		CustomerID: r.CustomerID,
		Recipient:  r.Recipient,
		Items:      make([]fulfillment.Item, len(r.Items)),
	}
	for i, it := range r.Items {
		req.Items[i] = fulfillment.Item{
			ProductID:  it.ProductID,
			VariantID:  it.VariantID,
			SKU:        it.SKU,
			Quantity:   it.Quantity,
			LineItemID: it.LineItemID,
		}
	}
	return req
}

type SyncTargetRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	VariantID string `json:"variant_id"`
	SKU       string `json:"sku" binding:"required"`
	Target    int    `json:"target" binding:"required,gte=1,lte=10000"`
}

// TriggerSyncRequest falls back to the configured targets when Targets is empty.
type TriggerSyncRequest struct {
	Targets []SyncTargetRequest `json:"targets" binding:"omitempty,dive"`
}

// EnqueueResponse is returned with 202. Duplicate is set when an existing job for the
// same order was returned instead of a new one.
type EnqueueResponse struct {
	JobID     uuid.UUID           `json:"job_id"`
	Type      job.Type            `json:"type"`
	Status    job.Status          `json:"status"`
	Duplicate bool                `json:"duplicate,omitempty"`
	Accepted  int                 `json:"accepted,omitempty"`
	Rejected  []importer.RowError `json:"rejected,omitempty"`
}

type JobResponse struct {
	ID          uuid.UUID       `json:"id"`
	Type        job.Type        `json:"type"`
	Status      job.Status      `json:"status"`
	Reference   *string         `json:"reference,omitempty"`
	Progress    job.Progress    `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty" swaggertype:"object"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func NewJobResponse(j *job.Job) *JobResponse {
	resp := &JobResponse{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Progress:    j.Progress,
		Result:      j.Result,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.Reference.Valid {
		resp.Reference = &j.Reference.String
	}
	if j.Error.Valid {
		resp.Error = &j.Error.String
	}
	if j.StartedAt.Valid {
		resp.StartedAt = &j.StartedAt.Time
	}
	if j.FinishedAt.Valid {
		resp.FinishedAt = &j.FinishedAt.Time
	}
	return resp
}

type ListJobsRequest struct {
	Type      *job.Type   `form:"type" binding:"omitempty,oneof=fulfillment sync import"`
	Status    *job.Status `form:"status" binding:"omitempty,oneof=queued running completed failed"`
	Reference *string     `form:"reference"`
	Limit     int         `form:"limit,default=20" binding:"omitempty,gte=0,lte=500"`
	Offset    int         `form:"offset,default=0" binding:"omitempty,gte=0"`
}

type PaginatedJobResponse struct {
	Jobs       []*JobResponse `json:"jobs"`
	TotalCount int64          `json:"totalCount"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}
