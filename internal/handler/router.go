package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes groups what NewRouter mounts. AdminAuth guards operator endpoints and
// IngestAuth guards the storefront's fulfillment endpoint.
type Routes struct {
	Health    *HealthHandler
	Keys      *KeyHandler
	Jobs      *JobHandler
	Providers *ProviderHandler
	APIKeys   *APIKeyHandler

	AdminAuth  gin.HandlerFunc
	IngestAuth gin.HandlerFunc
}

// Mount registers every route on router. Global middleware (recovery, CORS, error
// mapping) is the caller's business and must already be installed.
func Mount(router *gin.Engine, r Routes) {
	router.GET("/healthz", r.Health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/fulfillments", r.IngestAuth, r.Jobs.CreateFulfillment)

		admin := apiV1.Group("")
		admin.Use(r.AdminAuth)

		keyRoutes := admin.Group("/keys")
		{
			keyRoutes.GET("", r.Keys.List)
			keyRoutes.GET("/summary", r.Keys.Summary)
			keyRoutes.GET("/available", r.Keys.CountAvailable)
			keyRoutes.GET("/:id", r.Keys.GetByID)
			keyRoutes.POST("/:id/revoke", r.Keys.Revoke)
			keyRoutes.POST("/:id/release", r.Keys.Release)
		}

		jobRoutes := admin.Group("/jobs")
		{
			jobRoutes.GET("", r.Jobs.List)
			jobRoutes.GET("/:id", r.Jobs.GetByID)
			jobRoutes.POST("/import", r.Jobs.UploadImport)
			jobRoutes.POST("/sync", r.Jobs.TriggerSync)
		}

		admin.GET("/providers/:sku", r.Providers.GetSKU)

		apiKeyRoutes := admin.Group("/apikeys")
		{
			apiKeyRoutes.POST("", r.APIKeys.Create)
			apiKeyRoutes.GET("", r.APIKeys.List)
			apiKeyRoutes.DELETE("/:id", r.APIKeys.Revoke)
		}
	}
}
