// Package provider defines the contract for external key-supply vendors and the
// ordered fallback chain the fulfillment saga iterates.
package provider

import (
	"context"

	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
)

// FetchedKey is one fresh key bought from a vendor.
type FetchedKey struct {
	Code     string
	Platform string
	Region   string
}

type ProductInfo struct {
	SKU      string  `json:"sku"`
	Name     string  `json:"name"`
	Platform string  `json:"platform,omitempty"`
	Region   string  `json:"region,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
	InStock  bool    `json:"in_stock"`
}

// Adapter is implemented once per vendor. Credentials and session refresh stay inside
// the adapter. Failures are reported as *Error; FetchKey never returns a key on error.
type Adapter interface {
	Name() digitalkey.Provider
	FetchKey(ctx context.Context, sku string) (*FetchedKey, error)
	CheckAvailability(ctx context.Context, sku string) (bool, error)
	// GetProductInfo returns an error wrapping ierr.ErrNotFound for unknown SKUs.
	GetProductInfo(ctx context.Context, sku string) (*ProductInfo, error)
}
