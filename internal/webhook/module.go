// Package webhook provides the inbound event intake: the HTTP surface the CRM
// delivers to and the pipeline that routes each event to a flow.
package webhook

import (
	apphttp "lead_router_backend/internal/http"
	"lead_router_backend/platform/config"
	"lead_router_backend/platform/httpkit"
	"lead_router_backend/platform/logger"
	"lead_router_backend/platform/validator"

	"golang.org/x/time/rate"
)

const (
	// Per-IP budget for delivery bursts from one CRM egress address.
	inboundRatePerSecond = 20
	inboundBurst         = 40
)

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	secret  string
	limiter *httpkit.IPRateLimiter
}

// NewModule creates the webhook module around a ready pipeline.
func NewModule(service *Service, cfg config.WebhookConfig, val *validator.Validator, log *logger.Logger) *Module {
	return &Module{
		handler: NewHandler(service, val),
		secret:  cfg.GetWebhookSecret(),
		limiter: httpkit.NewIPRateLimiter(rate.Limit(inboundRatePerSecond), inboundBurst, log),
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/webhook")
	group.Use(m.limiter.RateLimit(), SecretAuthMiddleware(m.secret))
	group.POST("/inbound", m.handler.HandleInbound)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
