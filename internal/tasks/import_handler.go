package tasks

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/job"
	"github.com/makkenzo/key-fulfillment-service/internal/importer"
	"go.uber.org/zap"
)

const importChunkSize = 500

type ImportResult struct {
	Filename   string `json:"filename,omitempty"`
	Imported   int    `json:"imported"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
}

type ImportHandler struct {
	keys    digitalkey.Repository
	tracker *Tracker
	logger  *zap.Logger
}

func NewImportHandler(keys digitalkey.Repository, tracker *Tracker, logger *zap.Logger) *ImportHandler {
	return &ImportHandler{
		keys:    keys,
		tracker: tracker,
		logger:  logger.Named("ImportHandler"),
	}
}

// ProcessTask imports in chunks. Codes already in the store are counted as duplicates,
// so a retried import does not create anything twice.
func (h *ImportHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeImport {
		return fmt.Errorf("unexpected task type: %s: %w", t.Type(), asynq.SkipRetry)
	}

	var p ImportPayload
	if err := decode(t, &p); err != nil {
		h.logger.Error("Rejecting import task", zap.Error(err))
		return err
	}

	a := h.tracker.Start(ctx, p.JobID, job.TypeImport)
	res := &ImportResult{Filename: p.Filename, Rejected: p.Rejected}
	total := len(p.Records)
	h.tracker.Progress(ctx, a, 0, total)

	for start := 0; start < total; start += importChunkSize {
		end := min(start+importChunkSize, total)
		created, err := h.keys.BulkCreate(ctx, toKeys(p.Records[start:end]))
		if err != nil {
			return h.tracker.Finish(ctx, a, res, fmt.Errorf("import rows %d-%d: %w", start, end, err))
		}
		res.Imported += len(created)
		res.Duplicates += end - start - len(created)
		h.tracker.Progress(ctx, a, end, total)
	}

	h.logger.Info("Import finished",
		zap.String("filename", p.Filename),
		zap.Int("imported", res.Imported),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", res.Rejected),
	)
	return h.tracker.Finish(ctx, a, res, nil)
}

func toKeys(records []importer.Record) []*digitalkey.DigitalKey {
	keys := make([]*digitalkey.DigitalKey, len(records))
	for i, r := range records {
		sku := r.SKU
		if sku == "" {
			sku = r.ProductID
		}
		keys[i] = &digitalkey.DigitalKey{
			KeyCode:   r.Code,
			ProductID: r.ProductID,
			VariantID: digitalkey.NullString(r.VariantID),
			Provider:  digitalkey.ProviderManual,
			SKU:       sku,
			Platform:  r.Platform,
			Region:    r.Region,
			Status:    digitalkey.StatusAvailable,
		}
	}
	return keys
}
