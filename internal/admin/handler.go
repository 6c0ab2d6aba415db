package admin

import (
	"net/http"
	"strings"

	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/httpkit"
	"lead_router_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest = "invalid request body"
	errValidation     = "validation error"
	errMissingContact = "contact id is required"
)

// ReassignRequest is the body of PUT /admin/assignments/:contactId.
type ReassignRequest struct {
	FlowType string `json:"flowType" validate:"required,flowtype"`
}

type Handler struct {
	service *Service
	val     *validator.Validator
}

func NewHandler(service *Service, val *validator.Validator) *Handler {
	return &Handler{service: service, val: val}
}

// HandleReassign clears and resets a contact onto a new flow.
// PUT /api/v1/admin/assignments/:contactId
func (h *Handler) HandleReassign(c *gin.Context) {
	contactID, ok := contactParam(c)
	if !ok {
		return
	}

	var req ReassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return
	}
	flowType, _ := domain.ParseFlowType(req.FlowType)

	a, err := h.service.Reassign(c.Request.Context(), contactID, flowType, actor(c))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, a)
}

// HandleClear removes a contact's assignment and progress.
// DELETE /api/v1/admin/assignments/:contactId
func (h *Handler) HandleClear(c *gin.Context) {
	contactID, ok := contactParam(c)
	if !ok {
		return
	}
	if httpkit.HandleError(c, h.service.Clear(c.Request.Context(), contactID, actor(c))) {
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleInspect returns assignment, state and handoff records.
// GET /api/v1/admin/assignments/:contactId
func (h *Handler) HandleInspect(c *gin.Context) {
	contactID, ok := contactParam(c)
	if !ok {
		return
	}
	snap, err := h.service.Inspect(c.Request.Context(), contactID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, snap)
}

func contactParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("contactId"))
	if id == "" {
		httpkit.Error(c, http.StatusBadRequest, errMissingContact, nil)
		return "", false
	}
	return id, true
}

func actor(c *gin.Context) string {
	op, ok := httpkit.GetOperator(c)
	if !ok {
		return ""
	}
	return op.Subject
}
