package digitalkey

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusAssigned  Status = "assigned"
	StatusDelivered Status = "delivered"
	StatusRevoked   Status = "revoked"
)

// Provider records where a key came from. Vendor names come from configuration.
type Provider string

const ProviderManual Provider = "manual"

type DigitalKey struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	KeyCode     string         `db:"key_code" json:"-"`
	ProductID   string         `db:"product_id" json:"product_id"`
	VariantID   sql.NullString `db:"variant_id" json:"variant_id,omitempty"`
	Provider    Provider       `db:"provider" json:"provider"`
	SKU         string         `db:"sku" json:"sku"`
	Platform    string         `db:"platform" json:"platform"`
	Region      string         `db:"region" json:"region"`
	Status      Status         `db:"status" json:"status"`
	OrderID     sql.NullString `db:"order_id" json:"order_id,omitempty"`
	CustomerID  sql.NullString `db:"customer_id" json:"customer_id,omitempty"`
	LineItemID  sql.NullString `db:"line_item_id" json:"line_item_id,omitempty"`
	AssignedAt  sql.NullTime   `db:"assigned_at" json:"assigned_at,omitempty"`
	DeliveredAt sql.NullTime   `db:"delivered_at" json:"delivered_at,omitempty"`
	RevokedAt   sql.NullTime   `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Binding ties a claimed key to one unit of an order's demand.
type Binding struct {
	OrderID    string
	CustomerID string
	LineItemID string
}

// ListParams filters the admin listing. Nil pointers mean "any".
type ListParams struct {
	ProductID *string
	Status    *Status
	Provider  *Provider
	OrderID   *string
	Limit     int
	Offset    int
}

func (k *DigitalKey) IsBoundTo(orderID string) bool {
	return k.OrderID.Valid && k.OrderID.String == orderID
}

func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
