package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/dto"
	"github.com/makkenzo/key-fulfillment-service/internal/service"
	"go.uber.org/zap"
)

type KeyHandler struct {
	service *service.KeyService
	logger  *zap.Logger
}

func NewKeyHandler(service *service.KeyService, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		service: service,
		logger:  logger.Named("KeyHandler"),
	}
}

func (h *KeyHandler) List(c *gin.Context) {
	var req dto.ListKeysRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Failed to bind or validate query parameters", zap.Error(err))
		_ = c.Error(bindError(err))
		return
	}

	resp, err := h.service.ListKeys(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *KeyHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c, "key")
	if !ok {
		return
	}

	resp, err := h.service.GetKey(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *KeyHandler) Revoke(c *gin.Context) {
	id, ok := parseID(c, "key")
	if !ok {
		return
	}

	resp, err := h.service.RevokeKey(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Info("Key revoked via handler", zap.String("id", id.String()), zap.String("by", subject(c)))
	c.JSON(http.StatusOK, resp)
}

func (h *KeyHandler) Release(c *gin.Context) {
	id, ok := parseID(c, "key")
	if !ok {
		return
	}

	resp, err := h.service.ReleaseKey(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Info("Key released via handler", zap.String("id", id.String()), zap.String("by", subject(c)))
	c.JSON(http.StatusOK, resp)
}

func (h *KeyHandler) CountAvailable(c *gin.Context) {
	var req dto.InventoryCountRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}

	resp, err := h.service.CountAvailable(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *KeyHandler) Summary(c *gin.Context) {
	resp, err := h.service.Summary(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
