package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/dto"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"go.uber.org/zap"
)

// ProviderCatalog is satisfied by *provider.Chain.
type ProviderCatalog interface {
	Providers() []digitalkey.Provider
	CheckAvailability(ctx context.Context, sku string) (bool, error)
	GetProductInfo(ctx context.Context, sku string) (*provider.ProductInfo, digitalkey.Provider, error)
}

type ProviderHandler struct {
	catalog ProviderCatalog
	logger  *zap.Logger
}

func NewProviderHandler(catalog ProviderCatalog, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		catalog: catalog,
		logger:  logger.Named("ProviderHandler"),
	}
}

// GetSKU asks the fallback chain whether anyone can sell the SKU right now.
func (h *ProviderHandler) GetSKU(c *gin.Context) {
	sku := c.Param("sku")
	ctx := c.Request.Context()

	available, err := h.catalog.CheckAvailability(ctx, sku)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := &dto.ProviderSKUResponse{
		SKU:       sku,
		Available: available,
		Providers: h.catalog.Providers(),
	}

	info, from, err := h.catalog.GetProductInfo(ctx, sku)
	switch {
	case err == nil:
		resp.Product = info
		resp.Source = from
	case errors.Is(err, ierr.ErrNotFound):
	default:
		h.logger.Warn("Product info lookup failed", zap.String("sku", sku), zap.Error(err))
	}
	c.JSON(http.StatusOK, resp)
}
