package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/maxdp/dataplane/cmd/dataplane/container"
	"github.com/maxdp/dataplane/cmd/dataplane/routes"
	"github.com/maxdp/dataplane/common/bootstrap"
	"github.com/maxdp/dataplane/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, Redis, cache)
	components, err := bootstrap.Setup(ctx, "dataplane")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap dataplane: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize container (singleton pattern - all collaborators created once)
	c, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize container: %v\n", err)
		os.Exit(1)
	}

	// Worker manager background jobs (TTL reaper + stats)
	c.Workers.Start(ctx)
	defer c.Workers.Shutdown()

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e)
	routes.RegisterExecuteRoutes(e, c)

	// Start with graceful shutdown
	srv := server.New("dataplane", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
}

// setupHealthCheck registers the service-level liveness endpoint
func setupHealthCheck(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "dataplane",
		})
	})
}
