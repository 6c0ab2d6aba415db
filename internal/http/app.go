// Package http holds the pieces the router and the domain modules share:
// the composed App and the Module contract.
package http

import (
	"context"
	"net/http"

	"lead_router_backend/platform/config"
	"lead_router_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

// RouterConfig is the configuration the router reads.
type RouterConfig interface {
	config.HTTPConfig
	config.JWTConfig
}

// HealthChecker backs the readiness probe.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App is assembled in main and handed to router.New.
type App struct {
	Config RouterConfig
	Logger *logger.Logger
	// Health is pinged by /api/ready; nil reports ready unconditionally.
	Health HealthChecker
	// Metrics serves the Prometheus exposition; nil disables /metrics.
	Metrics http.Handler
	Modules []Module
}

// Module mounts one feature's routes.
type Module interface {
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext exposes the route groups modules mount on.
type RouterContext struct {
	// V1 is /api/v1 with no authentication; modules add their own.
	V1 *gin.RouterGroup
	// Admin is /api/v1/admin behind an admin-role JWT.
	Admin *gin.RouterGroup
}
