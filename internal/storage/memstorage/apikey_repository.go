package memstorage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/apikey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
)

type APIKeyRepository struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*apikey.APIKey
}

func NewAPIKeyRepository() *APIKeyRepository {
	return &APIKeyRepository{
		keys: make(map[uuid.UUID]*apikey.APIKey),
	}
}

var _ apikey.Repository = (*APIKeyRepository)(nil)

func (r *APIKeyRepository) FindByPrefix(ctx context.Context, prefix string) (*apikey.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.keys {
		if k.Prefix == prefix && k.IsEnabled {
			c := *k
			return &c, nil
		}
	}
	return nil, ierr.ErrAPIKeyNotFound
}

func (r *APIKeyRepository) Create(ctx context.Context, key *apikey.APIKey) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.Prefix == key.Prefix {
			return uuid.Nil, fmt.Errorf("%w: api key prefix %s", ierr.ErrConflict, key.Prefix)
		}
	}

	c := *key
	c.ID = uuid.New()
	c.CreatedAt = time.Now().UTC()
	r.keys[c.ID] = &c
	return c.ID, nil
}

func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID, lastUsed time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.keys[id]; ok {
		k.LastUsedAt = &lastUsed
	}
	return nil
}

func (r *APIKeyRepository) List(ctx context.Context) ([]*apikey.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*apikey.APIKey, 0, len(r.keys))
	for _, k := range r.keys {
		c := *k
		out = append(out, &c)
	}
	return out, nil
}

func (r *APIKeyRepository) Disable(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[id]
	if !ok {
		return fmt.Errorf("%w: api key %s", ierr.ErrNotFound, id)
	}
	k.IsEnabled = false
	return nil
}
