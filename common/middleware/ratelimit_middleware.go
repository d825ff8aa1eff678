package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/maxdp/dataplane/common/ratelimit"
)

// GlobalRateLimitMiddleware checks the global service-wide dispatch limit.
// Protects the whole service from being overwhelmed; fails open when the
// limiter errors so Redis outages never block dispatch.
func GlobalRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rateLimiter == nil {
				return next(c)
			}

			result, err := rateLimiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "global_rate_limit_exceeded",
					"message": "Service is experiencing high load. Please try again later.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// EndpointRateLimitMiddleware checks per-published-endpoint dispatch limits,
// keyed by the wildcard path under /execute.
func EndpointRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rateLimiter == nil {
				return next(c)
			}

			endpointPath := c.Param("*")
			if endpointPath == "" {
				return next(c)
			}

			result, err := rateLimiter.CheckEndpointLimit(c.Request().Context(), endpointPath, limit)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "endpoint_rate_limit_exceeded",
					"message": "This endpoint has exceeded its request quota. Please wait before trying again.",
					"details": map[string]interface{}{
						"endpoint":            endpointPath,
						"limit":               result.Limit,
						"window":              "60 seconds",
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
