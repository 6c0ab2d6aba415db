package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"lead_router_backend/platform/httpkit"
	"lead_router_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest = "invalid request body"
	errValidation     = "validation error"

	maxBodyBytes = 1 << 20
)

// Processor runs the inbound pipeline.
type Processor interface {
	Process(ctx context.Context, evt InboundEvent) Outcome
}

// Handler handles webhook HTTP requests.
type Handler struct {
	service Processor
	val     *validator.Validator
}

// NewHandler creates a new webhook handler.
func NewHandler(service Processor, val *validator.Validator) *Handler {
	return &Handler{service: service, val: val}
}

// HandleInbound processes one inbound conversational event.
// POST /api/v1/webhook/inbound
// Delivery systems only retry on non-2xx, so skipped events answer 200 and
// throttled events answer 429.
func (h *Handler) HandleInbound(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var body map[string]any
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil || body == nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, nil)
		return
	}

	evt := ParseInboundEvent(normalizeNumbers(body), time.Now().UTC())
	if err := h.val.Struct(evt); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return
	}

	out := h.service.Process(c.Request.Context(), evt)

	status := http.StatusOK
	if out.Status == StatusThrottled {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, out)
}

// normalizeNumbers turns json.Number values into strings so ids keep their
// exact digits.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		switch t := v.(type) {
		case json.Number:
			m[k] = t.String()
		case map[string]any:
			m[k] = normalizeNumbers(t)
		}
	}
	return m
}
