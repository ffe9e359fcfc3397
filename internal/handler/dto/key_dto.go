package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
)

// KeyResponse never carries the full key code.
type KeyResponse struct {
	ID          uuid.UUID           `json:"id"`
	MaskedCode  string              `json:"masked_code"`
	ProductID   string              `json:"product_id"`
	VariantID   *string             `json:"variant_id,omitempty"`
	Provider    digitalkey.Provider `json:"provider"`
	SKU         string              `json:"sku"`
	Platform    string              `json:"platform,omitempty"`
	Region      string              `json:"region,omitempty"`
	Status      digitalkey.Status   `json:"status"`
	OrderID     *string             `json:"order_id,omitempty"`
	CustomerID  *string             `json:"customer_id,omitempty"`
	LineItemID  *string             `json:"line_item_id,omitempty"`
	AssignedAt  *time.Time          `json:"assigned_at,omitempty"`
	DeliveredAt *time.Time          `json:"delivered_at,omitempty"`
	RevokedAt   *time.Time          `json:"revoked_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func NewKeyResponse(k *digitalkey.DigitalKey) *KeyResponse {
	resp := &KeyResponse{
		ID:         k.ID,
		MaskedCode: util.MaskKeyCode(k.KeyCode),
		ProductID:  k.ProductID,
		Provider:   k.Provider,
		SKU:        k.SKU,
		Platform:   k.Platform,
		Region:     k.Region,
		Status:     k.Status,
		CreatedAt:  k.CreatedAt,
		UpdatedAt:  k.UpdatedAt,
	}
	if k.VariantID.Valid {
		resp.VariantID = &k.VariantID.String
	}
	if k.OrderID.Valid {
		resp.OrderID = &k.OrderID.String
	}
	if k.CustomerID.Valid {
		resp.CustomerID = &k.CustomerID.String
	}
	if k.LineItemID.Valid {
		resp.LineItemID = &k.LineItemID.String
	}
	if k.AssignedAt.Valid {
		resp.AssignedAt = &k.AssignedAt.Time
	}
	if k.DeliveredAt.Valid {
		resp.DeliveredAt = &k.DeliveredAt.Time
	}
	if k.RevokedAt.Valid {
		resp.RevokedAt = &k.RevokedAt.Time
	}
	return resp
}

type ListKeysRequest struct {
	ProductID *string            `form:"product_id"`
	Status    *digitalkey.Status `form:"status" binding:"omitempty,oneof=available assigned delivered revoked"`
	Provider  *string            `form:"provider"`
	OrderID   *string            `form:"order_id"`
	Limit     int                `form:"limit,default=20" binding:"omitempty,gte=0,lte=500"`
	Offset    int                `form:"offset,default=0" binding:"omitempty,gte=0"`
}

type PaginatedKeyResponse struct {
	Keys       []*KeyResponse `json:"keys"`
	TotalCount int64          `json:"totalCount"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

type InventoryCountRequest struct {
	ProductID string `form:"product_id" binding:"required"`
	VariantID string `form:"variant_id"`
}

type InventoryCountResponse struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Available int64  `json:"available"`
}

type KeySummaryResponse struct {
	Total        int64                       `json:"total"`
	StatusCounts map[digitalkey.Status]int64 `json:"statusCounts"`
}
