package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/tasks"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handlers are the task handlers the pool serves.
type Handlers struct {
	Fulfillment asynq.Handler
	Sync        asynq.Handler
	Import      asynq.Handler
}

func RedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// RunWorkers starts the asynq server and, when sync targets are configured, the
// scheduler for periodic inventory sync. All pool options come from cfg.Worker.
func RunWorkers(cfg *config.Config, h Handlers, logger *zap.Logger) (<-chan error, func(context.Context)) {
	errChan := make(chan error, 2)
	wcfg := cfg.Worker
	redisConnOpts := RedisOpt(&cfg.Redis)

	srv := asynq.NewServer(
		redisConnOpts,
		asynq.Config{
			Concurrency:     wcfg.Concurrency,
			Queues:          wcfg.Queues,
			RetryDelayFunc:  Backoff(wcfg.BackoffBase, wcfg.BackoffMax),
			ShutdownTimeout: wcfg.ShutdownWait,
			ErrorHandler:    errorHandler(logger.Named("AsynqServerErrorHandler")),
			Logger:          NewAsynqLoggerAdapter(logger.Named("AsynqServer")),
		},
	)

	mux := asynq.NewServeMux()
	mux.Use(
		Instrument(logger.Named("TaskMiddleware")),
		RateLimit(rate.NewLimiter(rate.Limit(wcfg.RatePerSecond), max(wcfg.Burst, 1))),
	)
	mux.Handle(tasks.TypeFulfillment, h.Fulfillment)
	mux.Handle(tasks.TypeSync, h.Sync)
	mux.Handle(tasks.TypeImport, h.Import)

	go func() {
		logger.Info("Starting Asynq Server...",
			zap.Int("concurrency", wcfg.Concurrency),
			zap.Float64("rate_per_second", wcfg.RatePerSecond),
		)
		if err := srv.Run(mux); err != nil {
			logger.Error("Asynq Server run failed", zap.Error(err))
			errChan <- fmt.Errorf("asynq server error: %w", err)
		}
		logger.Info("Asynq Server stopped.")
	}()

	scheduler := asynq.NewScheduler(
		redisConnOpts,
		&asynq.SchedulerOpts{
			Logger: NewAsynqLoggerAdapter(logger.Named("AsynqScheduler")),
		},
	)

	if len(cfg.Sync.Targets) == 0 {
		logger.Info("No sync targets configured, periodic inventory sync disabled")
	} else if syncTask, err := tasks.NewSyncTask(tasks.SyncPayload{Targets: cfg.Sync.Targets}); err != nil {
		logger.Error("Failed to create inventory sync task for scheduler", zap.Error(err))
		errChan <- fmt.Errorf("scheduler task creation error: %w", err)
	} else {
		entryID, err := scheduler.Register(wcfg.SyncSchedule, syncTask,
			asynq.Queue(tasks.QueueLow),
			asynq.MaxRetry(wcfg.MaxRetry),
			asynq.Timeout(wcfg.JobTimeout),
		)
		if err != nil {
			logger.Error("Could not register periodic inventory sync", zap.Error(err))
			errChan <- fmt.Errorf("scheduler registration error: %w", err)
		} else {
			logger.Info("Registered periodic inventory sync", zap.String("entry_id", entryID), zap.String("schedule", wcfg.SyncSchedule))
		}
	}

	go func() {
		logger.Info("Starting Asynq Scheduler...")
		if err := scheduler.Run(); err != nil {
			logger.Error("Asynq Scheduler run failed", zap.Error(err))
			errChan <- fmt.Errorf("asynq scheduler error: %w", err)
		}
		logger.Info("Asynq Scheduler stopped.")
	}()

	shutdownFunc := func(ctx context.Context) {
		logger.Info("Shutting down Asynq Scheduler...")
		scheduler.Shutdown()
		logger.Info("Asynq Scheduler stopped.")

		logger.Info("Shutting down Asynq Server...")
		srv.Shutdown()
		logger.Info("Asynq Server stopped.")
	}

	return errChan, shutdownFunc
}

// errorHandler surfaces jobs that will not run again at error level, for operators.
func errorHandler(log *zap.Logger) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		taskID, _ := asynq.GetTaskID(ctx)

		fields := []zap.Field{
			zap.String("task_type", task.Type()),
			zap.String("task_id", taskID),
			zap.Int("retried", retried),
			zap.Int("max_retry", maxRetry),
			zap.Error(err),
		}
		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			log.Error("Task failed permanently and was archived", fields...)
			return
		}
		log.Warn("Asynq task processing failed", fields...)
	})
}
