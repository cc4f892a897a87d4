package server

import (
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/handler"
	middleware2 "github.com/agentgate/agentgate/internal/server/middleware"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with the middleware chain and all routes.
func NewRouter(
	handlers *handler.Handlers,
	apiKeyAuth middleware2.APIKeyAuthMiddleware,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	if len(cfg.Server.TrustedProxies) > 0 {
		_ = r.SetTrustedProxies(cfg.Server.TrustedProxies)
	}

	r.Use(middleware2.RequestLogger(cfg.Gateway.RequestIDHeader))
	r.Use(middleware2.Logger())
	r.Use(middleware2.CORS(cfg.CORS))
	r.Use(middleware2.SecurityHeaders())

	registerRoutes(r, handlers, apiKeyAuth)
	return r
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, apiKeyAuth middleware2.APIKeyAuthMiddleware) {
	// Unauthenticated probes.
	r.GET("/healthz", h.System.Healthz)

	v1 := r.Group("/v1")
	v1.Use(gin.HandlerFunc(apiKeyAuth))

	// Data plane. The send endpoint writes envelope bytes verbatim.
	v1.POST("/sessions/:id/messages", h.Gateway.SendMessage)

	// Management plane, tenant-scoped by the auth middleware.
	v1.POST("/agents", h.Agent.Create)
	v1.GET("/agents", h.Agent.List)
	v1.GET("/agents/:id", h.Agent.Get)
	v1.PUT("/agents/:id", h.Agent.Update)
	v1.DELETE("/agents/:id", h.Agent.Delete)

	v1.POST("/sessions", h.Session.Create)
	v1.GET("/sessions", h.Session.List)
	v1.GET("/sessions/:id", h.Session.Get)
	v1.POST("/sessions/:id/close", h.Session.Close)
	v1.GET("/sessions/:id/messages", h.Session.Messages)

	v1.GET("/usage/events", h.Usage.List)
	v1.GET("/usage/summary", h.Usage.Summary)
	v1.GET("/usage/daily", h.Usage.Daily)

	v1.GET("/pricing", h.Pricing.Rates)
	v1.GET("/system/status", h.System.Status)
}
