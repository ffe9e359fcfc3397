package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const orderLockPrefix = "fulfillment:lock:"

// unlockScript deletes the lock only if it still carries our token, so an expired
// lock taken over by another worker is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// OrderLocker serializes saga runs for the same order across worker processes.
type OrderLocker struct {
	client *redis.Client
	logger *zap.Logger
}

func NewOrderLocker(client *redis.Client, logger *zap.Logger) *OrderLocker {
	return &OrderLocker{
		client: client,
		logger: logger.Named("OrderLocker"),
	}
}

func (l *OrderLocker) Lock(ctx context.Context, orderID string, ttl time.Duration) (func(context.Context) error, error) {
	key := orderLockPrefix + orderID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire order lock: %w", err)
	}
	if !ok {
		l.logger.Info("Order lock is held by another worker", zap.String("order_id", orderID))
		return nil, fmt.Errorf("%w: order %s", ierr.ErrOrderLocked, orderID)
	}

	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("Failed to release order lock", zap.String("order_id", orderID), zap.Error(err))
			return fmt.Errorf("release order lock: %w", err)
		}
		return nil
	}, nil
}
