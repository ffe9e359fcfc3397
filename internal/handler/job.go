package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/dto"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/service"
	"go.uber.org/zap"
)

const uploadField = "file"

type JobHandler struct {
	service        *service.JobService
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewJobHandler(service *service.JobService, maxUploadBytes int64, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.Named("JobHandler"),
	}
}

// CreateFulfillment is the ingest endpoint the storefront calls once an order is paid.
func (h *JobHandler) CreateFulfillment(c *gin.Context) {
	var req dto.CreateFulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind fulfillment request", zap.Error(err))
		_ = c.Error(bindError(err))
		return
	}

	resp, err := h.service.EnqueueFulfillment(c.Request.Context(), req.ToRequest())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if resp.Duplicate {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *JobHandler) TriggerSync(c *gin.Context) {
	var req dto.TriggerSyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(bindError(err))
			return
		}
	}

	targets := make([]config.SyncTarget, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = config.SyncTarget{ProductID: t.ProductID, VariantID: t.VariantID, SKU: t.SKU, Target: t.Target}
	}

	resp, err := h.service.EnqueueSync(c.Request.Context(), targets)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Info("Sync triggered via handler", zap.String("job_id", resp.JobID.String()), zap.String("by", subject(c)))
	c.JSON(http.StatusAccepted, resp)
}

// UploadImport accepts a multipart CSV or XLSX file under the "file" field.
func (h *JobHandler) UploadImport(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	fh, err := c.FormFile(uploadField)
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: multipart field %q is required: %v", ierr.ErrValidation, uploadField, err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		_ = c.Error(fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()

	resp, err := h.service.EnqueueImport(c.Request.Context(), fh.Filename, f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Info("Import uploaded via handler",
		zap.String("job_id", resp.JobID.String()),
		zap.String("filename", fh.Filename),
		zap.String("by", subject(c)),
	)
	c.JSON(http.StatusAccepted, resp)
}

func (h *JobHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c, "job")
	if !ok {
		return
	}

	resp, err := h.service.GetJob(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) List(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}

	resp, err := h.service.ListJobs(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
