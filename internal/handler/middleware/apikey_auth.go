package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/makkenzo/key-fulfillment-service/internal/domain/apikey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
)

const (
	apiKeyHeader      = "X-API-Key"
	apiKeyIDContext   = "apiKeyID"
	lastUsedUpdateTTL = 5 * time.Second
)

// APIKeyAuthMiddleware guards the ingest API used by the storefront.
func APIKeyAuthMiddleware(repo apikey.Repository, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("APIKeyAuthMiddleware")
	return func(c *gin.Context) {
		apiKeyFromHeader := c.GetHeader(apiKeyHeader)
		if apiKeyFromHeader == "" {
			log.Debug("API Key header is missing", zap.String("header", apiKeyHeader))
			_ = c.Error(fmt.Errorf("%w: api key required", ierr.ErrUnauthorized))
			c.Abort()
			return
		}

		prefix, ok := util.ParseAPIKeyPrefix(apiKeyFromHeader)
		if !ok {
			log.Warn("Invalid API key format received")
			_ = c.Error(fmt.Errorf("%w: invalid api key format", ierr.ErrUnauthorized))
			c.Abort()
			return
		}

		keyRecord, err := repo.FindByPrefix(c.Request.Context(), prefix)
		if err != nil {
			if errors.Is(err, ierr.ErrAPIKeyNotFound) {
				log.Warn("API key not found or disabled", zap.String("prefix", prefix))
				_ = c.Error(err)
				c.Abort()
				return
			}
			log.Error("Failed to query API key repository", zap.String("prefix", prefix), zap.Error(err))
			_ = c.Error(fmt.Errorf("api key lookup: %w", err))
			c.Abort()
			return
		}

		receivedKeyHash := util.HashAPIKey(apiKeyFromHeader)
		if subtle.ConstantTimeCompare([]byte(receivedKeyHash), []byte(keyRecord.KeyHash)) != 1 {
			log.Warn("API key hash mismatch", zap.String("prefix", prefix), zap.String("key_id", keyRecord.ID.String()))
			_ = c.Error(fmt.Errorf("%w: api key mismatch", ierr.ErrForbidden))
			c.Abort()
			return
		}

		go func(id uuid.UUID) {
			ctx, cancel := context.WithTimeout(context.Background(), lastUsedUpdateTTL)
			defer cancel()
			if err := repo.UpdateLastUsed(ctx, id, time.Now().UTC()); err != nil {
				log.Error("Failed to update API key last used time asynchronously", zap.String("key_id", id.String()), zap.Error(err))
			}
		}(keyRecord.ID)

		c.Set(apiKeyIDContext, keyRecord.ID)
		log.Debug("API key validated", zap.String("prefix", prefix))
		c.Next()
	}
}
