package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/maxdp/dataplane/cmd/dataplane/container"
	"github.com/maxdp/dataplane/cmd/dataplane/handlers"
	"github.com/maxdp/dataplane/cmd/dataplane/middleware"
	commonmw "github.com/maxdp/dataplane/common/middleware"
)

// RegisterExecuteRoutes registers the dispatch surface
func RegisterExecuteRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecuteHandler(
		c.Store,
		c.Workers,
		c.Deps,
		c.Audit,
		c.Metrics,
		c.Components.Logger,
	)

	cfg := c.Components.Config

	execute := e.Group("/execute")
	execute.Use(middleware.ExtractIdentity(c.Auth))
	{
		execute.GET("/health", h.Health)
		execute.GET("/worker-stats", h.WorkerStats, middleware.RequireAdmin(cfg.Auth))
		execute.POST("/worker/:api_id/reload", h.ReloadWorker, middleware.RequireAdmin(cfg.Auth))

		// Dispatch catches every remaining path under /execute
		dispatch := []echo.MiddlewareFunc{}
		if cfg.Limits.Enabled && c.RateLimiter != nil {
			dispatch = append(dispatch,
				commonmw.GlobalRateLimitMiddleware(c.RateLimiter, cfg.Limits.GlobalPerMin),
				commonmw.EndpointRateLimitMiddleware(c.RateLimiter, cfg.Limits.EndpointPerMin),
			)
		}
		execute.Any("/*", h.Dispatch, dispatch...)
	}

	// Prometheus scrape endpoint
	e.GET("/metrics", c.Metrics.Handler())
}
