package webhook

import (
	"time"

	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/sanitize"
)

// InboundEvent is one normalised delivery from the CRM.
type InboundEvent struct {
	EventID    string `validate:"max=256"`
	ContactID  string `validate:"required,max=128"`
	LocationID string `validate:"max=128"`
	Message    string `validate:"max=4000"`
	// FlowHint is the flow the payload declared, "" when it declared none.
	FlowHint   domain.FlowType
	RawFlow    string
	Contact    ContactProfile
	ReceivedAt time.Time
}

// ParseInboundEvent reads the loosely shaped webhook body. Unknown keys are
// ignored; a declared flow that is not recognised is kept in RawFlow only.
func ParseInboundEvent(body map[string]any, receivedAt time.Time) InboundEvent {
	evt := InboundEvent{
		EventID:    firstString(body, "eventId", "event_id", "id", "webhookId"),
		ContactID:  firstString(body, "contactId", "contact_id"),
		LocationID: firstString(body, "locationId", "location_id"),
		Message:    messageText(body),
		ReceivedAt: receivedAt,
	}
	if contact, ok := body["contact"].(map[string]any); ok && evt.ContactID == "" {
		evt.ContactID = firstString(contact, "id", "contactId")
	}

	custom, _ := body["customData"].(map[string]any)
	if custom == nil {
		custom, _ = body["custom_data"].(map[string]any)
	}

	// customData wins over top-level keys.
	for _, src := range []map[string]any{custom, body} {
		raw := firstString(src, "flowType", "flow_type", "botType", "bot_type")
		if raw == "" {
			continue
		}
		evt.RawFlow = raw
		if ft, ok := domain.ParseFlowType(raw); ok {
			evt.FlowHint = ft
		}
		break
	}

	evt.Contact = ExtractProfile(body)
	if contact, ok := body["contact"].(map[string]any); ok {
		mergeProfile(&evt.Contact, ExtractProfile(contact))
	}
	if custom != nil {
		mergeProfile(&evt.Contact, ExtractProfile(custom))
	}
	return evt
}

// messageText returns the message with markup removed; email replies arrive
// as HTML.
func messageText(body map[string]any) string {
	switch m := body["message"].(type) {
	case string:
		return sanitize.Message(m)
	case map[string]any:
		if text := firstString(m, "body", "text"); text != "" {
			return sanitize.Message(text)
		}
	}
	return sanitize.Message(firstString(body, "body", "text", "messageBody"))
}

func firstString(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := scalar(m[k]); ok && v != "" {
			return v
		}
	}
	return ""
}

func mergeProfile(dst *ContactProfile, src ContactProfile) {
	if dst.FirstName == "" {
		dst.FirstName = src.FirstName
	}
	if dst.LastName == "" {
		dst.LastName = src.LastName
	}
	if dst.Email == "" {
		dst.Email = src.Email
	}
	if dst.Phone == "" {
		dst.Phone = src.Phone
	}
}
