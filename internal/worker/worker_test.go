package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestBackoff(t *testing.T) {
	delay := Backoff(2*time.Second, 30*time.Second)
	task := asynq.NewTask("t", nil)

	tests := []struct {
		retried int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, delay(tt.retried, errors.New("x"), task), "retried=%d", tt.retried)
	}
}

func TestRateLimitQueuesBursts(t *testing.T) {
	var calls atomic.Int32
	handler := RateLimit(rate.NewLimiter(rate.Limit(20), 1))(asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		calls.Add(1)
		return nil
	}))

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, handler.ProcessTask(context.Background(), asynq.NewTask("t", nil)))
	}
	assert.EqualValues(t, 3, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRateLimitHonoursCancellation(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(0.001), 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := RateLimit(limiter)(asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		t.Fatal("handler must not run")
		return nil
	}))
	assert.Error(t, handler.ProcessTask(ctx, asynq.NewTask("t", nil)))
}

func TestInstrumentPassesErrorThrough(t *testing.T) {
	boom := errors.New("boom")
	handler := Instrument(zap.NewNop())(asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		return boom
	}))
	assert.ErrorIs(t, handler.ProcessTask(context.Background(), asynq.NewTask("t", nil)), boom)
}
