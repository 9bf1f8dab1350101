package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/shopsync/internal/api/handler"
	"github.com/timmy/shopsync/internal/api/middleware"
	"github.com/timmy/shopsync/internal/config"
	"github.com/timmy/shopsync/internal/logger"
)

// Handlers groups the route handlers mounted by SetupRouter.
type Handlers struct {
	Health      *handler.HealthHandler
	Jobs        *handler.JobHandler
	Invoices    *handler.InvoiceHandler
	Idempotency *handler.IdempotencyHandler
	Webhooks    *handler.WebhookHandler
	Orders      *handler.OrderHandler
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(h Handlers, cfg *config.Config, log *logger.Logger) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.Server.CORS))

	r.GET("/health", h.Health.Health)

	// Webhooks authenticate by HMAC, not by bearer token.
	r.POST("/webhooks/shopify/orders", h.Webhooks.ShopifyOrders)

	v1 := r.Group("/api/v1")
	if cfg.Auth.JWTSecret != "" {
		v1.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
	}
	{
		// Jobs
		v1.POST("/jobs", h.Jobs.CreateJob)
		v1.GET("/jobs", h.Jobs.ListJobs)
		v1.GET("/jobs/:id", h.Jobs.GetJob)
		v1.POST("/jobs/:id/pause", h.Jobs.PauseJob)
		v1.POST("/jobs/:id/resume", h.Jobs.ResumeJob)
		v1.POST("/jobs/:id/cancel", h.Jobs.CancelJob)
		v1.POST("/jobs/:id/retry", h.Jobs.RetryJob)
		v1.DELETE("/jobs/:id", h.Jobs.DeleteJob)
		v1.GET("/jobs/:id/report", h.Jobs.GetReport)

		v1.POST("/orders/:id/sync", h.Orders.SyncOrder)

		// Invoices
		v1.GET("/invoices", h.Invoices.ListInvoices)
		v1.GET("/invoices/stats", h.Invoices.GetStats)
		v1.GET("/invoices/:id", h.Invoices.GetInvoice)

		// Idempotency
		v1.GET("/idempotency/collisions", h.Idempotency.Collisions)
		v1.GET("/idempotency/records/:external_id", h.Idempotency.GetRecord)
	}

	return r
}
