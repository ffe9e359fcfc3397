package fulfillment

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
)

type Item struct {
	ProductID  string `json:"product_id" validate:"required"`
	VariantID  string `json:"variant_id,omitempty"`
	SKU        string `json:"sku,omitempty"`
	Quantity   int    `json:"quantity" validate:"required,min=1,max=100"`
	LineItemID string `json:"line_item_id" validate:"required"`
}

// ProviderSKU is what providers are asked for. Defaults to ProductID.
func (i Item) ProviderSKU() string {
	if i.SKU != "" {
		return i.SKU
	}
	return i.ProductID
}

type Request struct {
	OrderID    string `json:"order_id" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
	Recipient  string `json:"recipient" validate:"required"`
	Items      []Item `json:"items" validate:"required,min=1,dive"`
}

var validate = validator.New()

func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ierr.ErrValidation, err)
	}
	seen := make(map[string]struct{}, len(r.Items))
	for _, it := range r.Items {
		if _, dup := seen[it.LineItemID]; dup {
			return fmt.Errorf("%w: duplicate line item %s", ierr.ErrValidation, it.LineItemID)
		}
		seen[it.LineItemID] = struct{}{}
	}
	return nil
}

// Units is the total number of keys the order needs.
func (r *Request) Units() int {
	n := 0
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}
