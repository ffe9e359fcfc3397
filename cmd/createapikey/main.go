package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/service"
	"github.com/makkenzo/key-fulfillment-service/internal/storage/postgres"
	"github.com/makkenzo/key-fulfillment-service/pkg/logger"
)

// createapikey bootstraps credentials: an ingest API key for the storefront, or with
// -admin a signed operator token for the admin API.
func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	description := flag.String("description", "Storefront order-completion hook", "Description stored with the API key")
	admin := flag.String("admin", "", "Issue an admin token for this subject instead of an API key")
	ttl := flag.Duration("ttl", 24*time.Hour, "Admin token lifetime")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewZapLogger("warn", cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	if *admin != "" {
		authService, err := service.NewAuthService(&cfg.Auth, appLogger)
		if err != nil {
			log.Fatalf("Failed to initialize auth: %v", err)
		}
		token, err := authService.IssueToken(*admin, *ttl)
		if err != nil {
			log.Fatalf("Failed to issue admin token: %v", err)
		}
		fmt.Printf("Admin token for %s (valid %s):\n%s\n", *admin, *ttl, token)
		return
	}

	ctx := context.Background()
	pool, err := postgres.NewPgxPool(ctx, &cfg.Database, appLogger)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	apiKeyService := service.NewAPIKeyService(postgres.NewAPIKeyRepository(pool, appLogger), appLogger)
	resp, fullKey, err := apiKeyService.CreateAPIKey(ctx, *description)
	if err != nil {
		log.Fatalf("Failed to save API key to database: %v", err)
	}

	fmt.Printf("Generated API Key (SAVE THIS securely!):\n%s\n\n", fullKey)
	fmt.Printf("Prefix: %s\n", resp.Prefix)
	fmt.Printf("API Key saved to database with ID: %s\n", resp.ID)
}
