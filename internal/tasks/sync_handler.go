package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/fulfillment"
	"go.uber.org/zap"
)

type SyncTargetResult struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	SKU       string `json:"sku"`
	Before    int64  `json:"before"`
	Added     int    `json:"added"`
	Error     string `json:"error,omitempty"`
}

type SyncResult struct {
	Targets []SyncTargetResult `json:"targets"`
}

// SyncHandler tops up available inventory to each target level from the provider chain.
type SyncHandler struct {
	keys      digitalkey.Repository
	providers fulfillment.KeySource
	tracker   *Tracker
	logger    *zap.Logger
}

func NewSyncHandler(keys digitalkey.Repository, providers fulfillment.KeySource, tracker *Tracker, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		keys:      keys,
		providers: providers,
		tracker:   tracker,
		logger:    logger.Named("SyncHandler"),
	}
}

func (h *SyncHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeSync {
		return fmt.Errorf("unexpected task type: %s: %w", t.Type(), asynq.SkipRetry)
	}

	var p SyncPayload
	if err := decode(t, &p); err != nil {
		h.logger.Error("Rejecting sync task", zap.Error(err))
		return err
	}

	if p.JobID == uuid.Nil {
		id, err := h.tracker.Open(ctx, job.TypeSync, t.Payload())
		if err != nil {
			return err
		}
		p.JobID = id
	}

	a := h.tracker.Start(ctx, p.JobID, job.TypeSync)
	res, err := h.sync(ctx, a, p.Targets)
	return h.tracker.Finish(ctx, a, res, err)
}

func (h *SyncHandler) sync(ctx context.Context, a *Attempt, targets []config.SyncTarget) (*SyncResult, error) {
	res := &SyncResult{Targets: make([]SyncTargetResult, len(targets))}
	need := make([]int, len(targets))
	total := 0

	for i, tg := range targets {
		res.Targets[i] = SyncTargetResult{ProductID: tg.ProductID, VariantID: tg.VariantID, SKU: skuOf(tg)}
		n, err := h.keys.CountAvailable(ctx, tg.ProductID, tg.VariantID)
		if err != nil {
			return res, fmt.Errorf("count inventory of %s: %w", tg.ProductID, err)
		}
		res.Targets[i].Before = n
		if missing := int64(tg.Target) - n; missing > 0 {
			need[i] = int(missing)
			total += need[i]
		}
	}

	processed := 0
	h.tracker.Progress(ctx, a, processed, total)

	var failed []error
	for i, tg := range targets {
		for n := 0; n < need[i]; n++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			added, err := h.topUp(ctx, tg)
			processed++
			if err != nil {
				res.Targets[i].Error = err.Error()
				failed = append(failed, err)
				h.logger.Warn("Sync target stopped",
					zap.String("product_id", tg.ProductID),
					zap.String("sku", skuOf(tg)),
					zap.Error(err),
				)
				// The rest of this target's units would hit the same exhausted chain.
				processed += need[i] - n - 1
				h.tracker.Progress(ctx, a, processed, total)
				break
			}
			res.Targets[i].Added += added
			h.tracker.Progress(ctx, a, processed, total)
		}
	}

	h.logger.Info("Inventory sync finished", zap.Int("units", total), zap.Int("failed_targets", len(failed)))
	if len(failed) > 0 && addedAny(res) == 0 {
		return res, errors.Join(failed...)
	}
	return res, nil
}

func (h *SyncHandler) topUp(ctx context.Context, tg config.SyncTarget) (int, error) {
	fk, from, err := h.providers.FetchKey(ctx, skuOf(tg))
	if err != nil {
		return 0, err
	}
	created, err := h.keys.BulkCreate(ctx, []*digitalkey.DigitalKey{{
		KeyCode:   fk.Code,
		ProductID: tg.ProductID,
		VariantID: digitalkey.NullString(tg.VariantID),
		Provider:  from,
		SKU:       skuOf(tg),
		Platform:  fk.Platform,
		Region:    fk.Region,
		Status:    digitalkey.StatusAvailable,
	}})
	if err != nil {
		return 0, fmt.Errorf("store synced key: %w", err)
	}
	if len(created) == 0 {
		h.logger.Warn("Provider returned a key already in inventory",
			zap.String("provider", string(from)),
			zap.String("sku", skuOf(tg)),
		)
	}
	return len(created), nil
}

func skuOf(tg config.SyncTarget) string {
	if tg.SKU != "" {
		return tg.SKU
	}
	return tg.ProductID
}

func addedAny(res *SyncResult) int {
	n := 0
	for _, t := range res.Targets {
		n += t.Added
	}
	return n
}
