package memstorage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
)

// OrderLocker is the single-process counterpart of redis.OrderLocker.
type OrderLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	token uint64
	owner map[string]uint64
}

func NewOrderLocker() *OrderLocker {
	return &OrderLocker{
		held:  make(map[string]time.Time),
		owner: make(map[string]uint64),
	}
}

func (l *OrderLocker) Lock(ctx context.Context, orderID string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.held[orderID]; ok && now.Before(exp) {
		return nil, fmt.Errorf("%w: order %s", ierr.ErrOrderLocked, orderID)
	}

	l.token++
	token := l.token
	l.held[orderID] = now.Add(ttl)
	l.owner[orderID] = token

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.owner[orderID] == token {
			delete(l.held, orderID)
			delete(l.owner, orderID)
		}
		return nil
	}, nil
}
