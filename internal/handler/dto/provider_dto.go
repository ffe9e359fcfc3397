package dto

import (
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
)

type ProviderSKUResponse struct {
	SKU       string                `json:"sku"`
	Available bool                  `json:"available"`
	Providers []digitalkey.Provider `json:"providers"`
	Source    digitalkey.Provider   `json:"source,omitempty"`
	Product   *provider.ProductInfo `json:"product,omitempty"`
}
