package digitalkey

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the Key Store. Claim is the only operation allowed to move a key
// from available to assigned, and it must do so with a conditional write.
type Repository interface {
	// FindAvailable returns the oldest available key for the product (and variant, if
	// non-empty) that is not in exclude, or ierr.ErrNotFound.
	FindAvailable(ctx context.Context, productID, variantID string, exclude []uuid.UUID) (*DigitalKey, error)
	// Claim fails with ierr.ErrAlreadyClaimed when the key is no longer available.
	Claim(ctx context.Context, id uuid.UUID, b Binding) (*DigitalKey, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (*DigitalKey, error)
	// Release is idempotent for keys that are already available.
	Release(ctx context.Context, id uuid.UUID) (*DigitalKey, error)
	Revoke(ctx context.Context, id uuid.UUID) (*DigitalKey, error)
	CountAvailable(ctx context.Context, productID, variantID string) (int64, error)
	// BulkCreate inserts keys and skips codes that already exist. It returns the created rows.
	BulkCreate(ctx context.Context, keys []*DigitalKey) ([]*DigitalKey, error)
	// CreateAssigned persists a freshly fetched key already bound to an order.
	CreateAssigned(ctx context.Context, key *DigitalKey, b Binding) (*DigitalKey, error)

	FindByID(ctx context.Context, id uuid.UUID) (*DigitalKey, error)
	FindByOrder(ctx context.Context, orderID string) ([]*DigitalKey, error)
	List(ctx context.Context, params ListParams) ([]*DigitalKey, int64, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
