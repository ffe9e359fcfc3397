package memstorage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
)

// DigitalKeyRepository keeps keys in process memory. A single mutex serializes every
// write, which gives Claim the same compare-and-set behaviour as the SQL store.
type DigitalKeyRepository struct {
	mu     sync.Mutex
	keys   map[uuid.UUID]*digitalkey.DigitalKey
	hashes map[string]uuid.UUID
	order  []uuid.UUID
	now    func() time.Time
}

func NewDigitalKeyRepository() *DigitalKeyRepository {
	return &DigitalKeyRepository{
		keys:   make(map[uuid.UUID]*digitalkey.DigitalKey),
		hashes: make(map[string]uuid.UUID),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ digitalkey.Repository = (*DigitalKeyRepository)(nil)

func (r *DigitalKeyRepository) FindAvailable(ctx context.Context, productID, variantID string, exclude []uuid.UUID) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		k := r.keys[id]
		if k.Status != digitalkey.StatusAvailable || k.ProductID != productID {
			continue
		}
		if variantID != "" && (!k.VariantID.Valid || k.VariantID.String != variantID) {
			continue
		}
		if slices.Contains(exclude, k.ID) {
			continue
		}
		return clone(k), nil
	}
	return nil, fmt.Errorf("%w: no available key for product %s", ierr.ErrNotFound, productID)
}

func (r *DigitalKeyRepository) Claim(ctx context.Context, id uuid.UUID, b digitalkey.Binding) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ierr.ErrNotFound, id)
	}
	if k.Status != digitalkey.StatusAvailable {
		return nil, fmt.Errorf("%w: key %s is %s", ierr.ErrAlreadyClaimed, id, k.Status)
	}

	now := r.now()
	bind(k, b, now)
	k.UpdatedAt = now
	return clone(k), nil
}

func (r *DigitalKeyRepository) MarkDelivered(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ierr.ErrNotFound, id)
	}
	if k.Status != digitalkey.StatusAssigned {
		return nil, digitalkey.CheckTransition(id, k.Status, digitalkey.StatusDelivered)
	}

	now := r.now()
	k.Status = digitalkey.StatusDelivered
	k.DeliveredAt = nullTime(now)
	k.UpdatedAt = now
	return clone(k), nil
}

func (r *DigitalKeyRepository) Release(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ierr.ErrNotFound, id)
	}
	switch k.Status {
	case digitalkey.StatusAvailable:
		return clone(k), nil
	case digitalkey.StatusAssigned:
	default:
		return nil, digitalkey.CheckTransition(id, k.Status, digitalkey.StatusAvailable)
	}

	k.Status = digitalkey.StatusAvailable
	k.OrderID = digitalkey.NullString("")
	k.CustomerID = digitalkey.NullString("")
	k.LineItemID = digitalkey.NullString("")
	k.AssignedAt.Valid = false
	k.AssignedAt.Time = time.Time{}
	k.UpdatedAt = r.now()
	return clone(k), nil
}

func (r *DigitalKeyRepository) Revoke(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ierr.ErrNotFound, id)
	}
	if k.Status == digitalkey.StatusRevoked {
		return clone(k), nil
	}

	now := r.now()
	k.Status = digitalkey.StatusRevoked
	k.RevokedAt = nullTime(now)
	k.UpdatedAt = now
	return clone(k), nil
}

func (r *DigitalKeyRepository) CountAvailable(ctx context.Context, productID, variantID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.keys {
		if k.Status != digitalkey.StatusAvailable || k.ProductID != productID {
			continue
		}
		if variantID != "" && k.VariantID.String != variantID {
			continue
		}
		n++
	}
	return n, nil
}

func (r *DigitalKeyRepository) BulkCreate(ctx context.Context, keys []*digitalkey.DigitalKey) ([]*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := make([]*digitalkey.DigitalKey, 0, len(keys))
	for _, in := range keys {
		hash := util.HashKeyCode(in.KeyCode)
		if _, dup := r.hashes[hash]; dup {
			continue
		}

		k := clone(in)
		if k.Status != digitalkey.StatusAssigned || !k.OrderID.Valid {
			k.Status = digitalkey.StatusAvailable
			k.OrderID = digitalkey.NullString("")
			k.CustomerID = digitalkey.NullString("")
			k.LineItemID = digitalkey.NullString("")
			k.AssignedAt.Valid = false
		} else if !k.AssignedAt.Valid {
			k.AssignedAt = nullTime(r.now())
		}
		r.insert(k, hash)
		created = append(created, clone(k))
	}
	return created, nil
}

func (r *DigitalKeyRepository) CreateAssigned(ctx context.Context, key *digitalkey.DigitalKey, b digitalkey.Binding) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := util.HashKeyCode(key.KeyCode)
	if _, dup := r.hashes[hash]; dup {
		return nil, fmt.Errorf("%w: %s", ierr.ErrDuplicateKeyCode, util.MaskKeyCode(key.KeyCode))
	}

	k := clone(key)
	bind(k, b, r.now())
	r.insert(k, hash)
	return clone(k), nil
}

func (r *DigitalKeyRepository) FindByID(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ierr.ErrNotFound, id)
	}
	return clone(k), nil
}

func (r *DigitalKeyRepository) FindByOrder(ctx context.Context, orderID string) ([]*digitalkey.DigitalKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*digitalkey.DigitalKey
	for _, id := range r.order {
		if k := r.keys[id]; k.IsBoundTo(orderID) {
			out = append(out, clone(k))
		}
	}
	return out, nil
}

func (r *DigitalKeyRepository) List(ctx context.Context, params digitalkey.ListParams) ([]*digitalkey.DigitalKey, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*digitalkey.DigitalKey
	for i := len(r.order) - 1; i >= 0; i-- {
		k := r.keys[r.order[i]]
		if params.ProductID != nil && k.ProductID != *params.ProductID {
			continue
		}
		if params.Status != nil && k.Status != *params.Status {
			continue
		}
		if params.Provider != nil && k.Provider != *params.Provider {
			continue
		}
		if params.OrderID != nil && !k.IsBoundTo(*params.OrderID) {
			continue
		}
		matched = append(matched, k)
	}

	total := int64(len(matched))
	start := min(max(params.Offset, 0), len(matched))
	end := len(matched)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(matched))
	}

	page := make([]*digitalkey.DigitalKey, 0, end-start)
	for _, k := range matched[start:end] {
		page = append(page, clone(k))
	}
	return page, total, nil
}

func (r *DigitalKeyRepository) CountByStatus(ctx context.Context) (map[digitalkey.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[digitalkey.Status]int64)
	for _, k := range r.keys {
		counts[k.Status]++
	}
	return counts, nil
}

func (r *DigitalKeyRepository) insert(k *digitalkey.DigitalKey, hash string) {
	now := r.now()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.Provider == "" {
		k.Provider = digitalkey.ProviderManual
	}
	k.CreatedAt = now
	k.UpdatedAt = now

	r.keys[k.ID] = k
	r.hashes[hash] = k.ID
	r.order = append(r.order, k.ID)
}

func bind(k *digitalkey.DigitalKey, b digitalkey.Binding, now time.Time) {
	k.Status = digitalkey.StatusAssigned
	k.OrderID = digitalkey.NullString(b.OrderID)
	k.CustomerID = digitalkey.NullString(b.CustomerID)
	k.LineItemID = digitalkey.NullString(b.LineItemID)
	k.AssignedAt = nullTime(now)
}

func clone(k *digitalkey.DigitalKey) *digitalkey.DigitalKey {
	c := *k
	return &c
}
