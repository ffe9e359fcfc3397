package tasks

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/fulfillment"
	"go.uber.org/zap"
)

type Fulfiller interface {
	Fulfill(ctx context.Context, req *fulfillment.Request, opts ...fulfillment.Option) (*fulfillment.Result, error)
}

type FulfillmentHandler struct {
	orchestrator Fulfiller
	tracker      *Tracker
	logger       *zap.Logger
}

func NewFulfillmentHandler(orchestrator Fulfiller, tracker *Tracker, logger *zap.Logger) *FulfillmentHandler {
	return &FulfillmentHandler{
		orchestrator: orchestrator,
		tracker:      tracker,
		logger:       logger.Named("FulfillmentHandler"),
	}
}

func (h *FulfillmentHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeFulfillment {
		return fmt.Errorf("unexpected task type: %s: %w", t.Type(), asynq.SkipRetry)
	}

	var p FulfillmentPayload
	if err := decode(t, &p); err != nil {
		h.logger.Error("Rejecting fulfillment task", zap.Error(err))
		return err
	}

	a := h.tracker.Start(ctx, p.JobID, job.TypeFulfillment)
	total := p.Request.Units()
	h.tracker.Progress(ctx, a, 0, total)

	res, err := h.orchestrator.Fulfill(ctx, &p.Request, fulfillment.WithFinalAttempt(a.Final))
	if err == nil {
		h.tracker.Progress(ctx, a, total, total)
	}
	return h.tracker.Finish(ctx, a, res, err)
}
