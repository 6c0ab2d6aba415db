package admin

import (
	"lead_router_backend/internal/domain"
	apphttp "lead_router_backend/internal/http"
	"lead_router_backend/platform/logger"
	"lead_router_backend/platform/validator"
)

// Module is the admin bounded context module implementing http.Module.
type Module struct {
	handler *Handler
}

// NewModule creates the admin module and registers the flowtype validation tag.
func NewModule(service *Service, val *validator.Validator, log *logger.Logger) *Module {
	if err := val.RegisterValidation("flowtype", validator.StringValidation(func(s string) bool {
		_, ok := domain.ParseFlowType(s)
		return ok
	})); err != nil {
		log.Error("failed to register flowtype validation", "error", err)
	}
	return &Module{handler: NewHandler(service, val)}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "admin"
}

// RegisterRoutes mounts the override routes under the admin group.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.Admin.Group("/assignments")
	group.GET("/:contactId", m.handler.HandleInspect)
	group.PUT("/:contactId", m.handler.HandleReassign)
	group.DELETE("/:contactId", m.handler.HandleClear)
}

var _ apphttp.Module = (*Module)(nil)
