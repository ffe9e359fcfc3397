package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimit holds each task until the limiter admits it. Bursts above the rate wait in
// line instead of failing.
func RateLimit(limiter *rate.Limiter) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
			return next.ProcessTask(ctx, t)
		})
	}
}

func Instrument(logger *zap.Logger) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			taskID, _ := asynq.GetTaskID(ctx)
			start := time.Now()
			logger.Debug("Task started", zap.String("task_type", t.Type()), zap.String("task_id", taskID))

			err := next.ProcessTask(ctx, t)

			logger.Debug("Task finished",
				zap.String("task_type", t.Type()),
				zap.String("task_id", taskID),
				zap.Duration("took", time.Since(start)),
				zap.Bool("ok", err == nil),
			)
			return err
		})
	}
}

// Backoff returns an exponential retry delay: base, 2*base, 4*base and so on, capped at
// ceiling.
func Backoff(base, ceiling time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n < 0 {
			n = 0
		}
		d := float64(base) * math.Pow(2, float64(n))
		if d > float64(ceiling) {
			return ceiling
		}
		return time.Duration(d)
	}
}
