package router

import (
	"context"
	"net/http"
	"time"

	apphttp "lead_router_backend/internal/http"
	"lead_router_backend/internal/http/middleware"
	"lead_router_backend/platform/httpkit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const readinessTimeout = 2 * time.Second

// New builds the gin engine and mounts every module.
func New(app *apphttp.App) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(httpkit.RequestLogger(app.Logger))
	engine.Use(httpkit.SecurityHeaders())
	engine.Use(cors.New(corsConfig(app.Config.GetCORSOrigins())))

	engine.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/api/ready", func(c *gin.Context) {
		if app.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()
		if err := app.Health.Ping(ctx); err != nil {
			app.Logger.StoreError("readiness ping", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if app.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(app.Metrics))
	}

	v1 := engine.Group("/api/v1")
	admin := v1.Group("/admin")
	admin.Use(httpkit.AuthRequired(app.Config), httpkit.RequireRole("admin"))

	rctx := &apphttp.RouterContext{V1: v1, Admin: admin}
	for _, module := range app.Modules {
		module.RegisterRoutes(rctx)
		app.Logger.Info("module registered", "module", module.Name())
	}

	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
