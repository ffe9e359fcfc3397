package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/makkenzo/key-fulfillment-service/internal/allocator"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/fulfillment"
	"github.com/makkenzo/key-fulfillment-service/internal/handler"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/middleware"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/metrics"
	"github.com/makkenzo/key-fulfillment-service/internal/notifier"
	"github.com/makkenzo/key-fulfillment-service/internal/provider"
	"github.com/makkenzo/key-fulfillment-service/internal/provider/restvendor"
	"github.com/makkenzo/key-fulfillment-service/internal/saga"
	"github.com/makkenzo/key-fulfillment-service/internal/service"
	"github.com/makkenzo/key-fulfillment-service/internal/storage/postgres"
	"github.com/makkenzo/key-fulfillment-service/internal/storage/redis"
	"github.com/makkenzo/key-fulfillment-service/internal/tasks"
	"github.com/makkenzo/key-fulfillment-service/internal/telemetry"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
	"github.com/makkenzo/key-fulfillment-service/internal/worker"
	"github.com/makkenzo/key-fulfillment-service/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	sugarLogger := appLogger.Sugar()

	sugarLogger.Info("Starting application...")
	sugarLogger.Infof("Log level set to: %s", cfg.Log.Level)

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	shutdownTracing, err := telemetry.Setup(appCtx, &cfg.Tracing, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			sugarLogger.Warnf("Tracer shutdown failed: %v", err)
		}
	}()

	dbPool, err := postgres.NewPgxPool(appCtx, &cfg.Database, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer dbPool.Close()

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(appCtx, dbPool, appLogger); err != nil {
			sugarLogger.Fatalf("Failed to apply database schema: %v", err)
		}
	}

	redisClient, err := redis.NewRedisClient(appCtx, &cfg.Redis, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	sealer, err := util.NewKeySealer(cfg.Security.KeyEncryptionSecret, cfg.Security.KeyEncryptionSalt)
	if err != nil {
		sugarLogger.Fatalf("Failed to initialize key code encryption: %v", err)
	}

	keyRepo := postgres.NewDigitalKeyRepository(dbPool, sealer, appLogger)
	jobRepo := postgres.NewJobRepository(dbPool, appLogger)
	apiKeyRepo := postgres.NewAPIKeyRepository(dbPool, appLogger)

	tokenCache := redis.NewTokenCache(redisClient)
	var adapters []provider.Adapter
	for _, pc := range cfg.Providers {
		if pc.Disabled {
			sugarLogger.Infof("Provider %s is disabled, skipping", pc.Name)
			continue
		}
		adapters = append(adapters, restvendor.New(pc, tokenCache, appLogger))
	}
	if len(adapters) == 0 {
		sugarLogger.Warn("No key providers configured; shortfalls will fail fulfillment")
	}
	chain := provider.NewChain(appLogger, adapters...)

	notify, err := notifier.New(&cfg.Notifier, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to initialize notifier: %v", err)
	}

	orchestrator := fulfillment.New(
		fulfillment.Config{
			LockTTL:        cfg.Fulfillment.LockTTL,
			NotifyChannel:  cfg.Fulfillment.NotifyChannel,
			NotifyTemplate: cfg.Fulfillment.NotifyTemplate,
		},
		fulfillment.Dependencies{
			Keys:      keyRepo,
			Allocator: allocator.New(keyRepo, cfg.Fulfillment.ClaimAttempts, appLogger),
			Providers: chain,
			Notifier:  notify,
			Locker:    redis.NewOrderLocker(redisClient, appLogger),
			Runner:    saga.NewRunner(cfg.Fulfillment.CompensationTimeout, appLogger),
		},
		appLogger,
	)

	tracker := tasks.NewTracker(jobRepo, appLogger)
	taskHandlers := worker.Handlers{
		Fulfillment: tasks.NewFulfillmentHandler(orchestrator, tracker, appLogger),
		Sync:        tasks.NewSyncHandler(keyRepo, chain, tracker, appLogger),
		Import:      tasks.NewImportHandler(keyRepo, tracker, appLogger),
	}

	asynqClient := asynq.NewClient(worker.RedisOpt(&cfg.Redis))
	defer asynqClient.Close()
	asynqInspector := asynq.NewInspector(worker.RedisOpt(&cfg.Redis))
	defer asynqInspector.Close()

	authService, err := service.NewAuthService(&cfg.Auth, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to initialize auth: %v", err)
	}
	keyService := service.NewKeyService(keyRepo, appLogger)
	apiKeyService := service.NewAPIKeyService(apiKeyRepo, appLogger)
	jobService := service.NewJobService(jobRepo, asynqClient, asynqInspector, service.JobServiceConfig{
		MaxRetry:    cfg.Worker.MaxRetry,
		Timeout:     cfg.Worker.JobTimeout,
		SyncTargets: cfg.Sync.Targets,
	}, appLogger)

	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logMsg := "Panic recovered"
		if err, ok := recovered.(string); ok {
			logMsg = fmt.Sprintf("%s: %s", logMsg, err)
		} else if err, ok := recovered.(error); ok {
			logMsg = fmt.Sprintf("%s: %v", logMsg, err)
		}
		appLogger.Error(logMsg, zap.Stack("stack"))

		_ = c.Error(ierr.ErrInternalServer)
		c.Abort()
	}))

	corsConfig := cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-API-Key",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))
	router.Use(middleware.ErrorHandlerMiddleware(appLogger))

	handler.Mount(router, handler.Routes{
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"database": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		}, appLogger),
		Keys:       handler.NewKeyHandler(keyService, appLogger),
		Jobs:       handler.NewJobHandler(jobService, cfg.Server.MaxUploadBytes, appLogger),
		Providers:  handler.NewProviderHandler(chain, appLogger),
		APIKeys:    handler.NewAPIKeyHandler(apiKeyService, appLogger),
		AdminAuth:  middleware.AuthMiddleware(authService, appLogger),
		IngestAuth: middleware.APIKeyAuthMiddleware(apiKeyRepo, appLogger),
	})

	g, groupCtx := errgroup.WithContext(appCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		sugarLogger.Infof("HTTP server listening on port %s", cfg.Server.Port)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugarLogger.Errorf("HTTP server ListenAndServe error: %v", err)
			return fmt.Errorf("http server failed: %w", err)
		}
		sugarLogger.Info("HTTP server stopped listening.")
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		sugarLogger.Info("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugarLogger.Errorf("HTTP server graceful shutdown failed: %v", err)
			return fmt.Errorf("http server shutdown error: %w", err)
		}
		sugarLogger.Info("HTTP server shutdown complete.")
		return nil
	})

	workerErrs, shutdownWorkers := worker.RunWorkers(cfg, taskHandlers, appLogger)
	g.Go(func() error {
		var runErr error
		select {
		case runErr = <-workerErrs:
			sugarLogger.Errorf("Asynq worker failed: %v", runErr)
		case <-groupCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownWait)
		defer cancel()
		shutdownWorkers(shutdownCtx)
		if runErr != nil {
			return fmt.Errorf("asynq worker error: %w", runErr)
		}
		sugarLogger.Info("Asynq workers finished gracefully.")
		return nil
	})

	g.Go(func() error {
		n, err := jobService.RecoverPending(groupCtx)
		if err != nil {
			// Unrecoverable rows are already failed; the rest stay for the next start.
			sugarLogger.Warnf("Job recovery finished with errors: %v", err)
		}
		sugarLogger.Infof("Job recovery re-enqueued %d job(s)", n)
		return nil
	})

	sugarLogger.Info("Application started. Waiting for interrupt signal (Ctrl+C) or component error...")

	waitErr := g.Wait()

	sugarLogger.Info("Shutdown sequence finished.")

	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			sugarLogger.Info("Shutdown reason: Context canceled (likely due to OS signal).")
		} else {
			sugarLogger.Errorf("Application shutdown finished with unexpected error: %v", waitErr)
		}
	} else {
		sugarLogger.Info("Application shutdown successfully (all components finished without errors).")
	}

	sugarLogger.Info("Application exiting now.")
}
