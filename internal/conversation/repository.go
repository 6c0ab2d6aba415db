package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/kvstore"
	"lead_router_backend/platform/logger"
)

// Repository loads and saves State in the shared store.
type Repository struct {
	store kvstore.Store
	keys  kvstore.Keys
	log   *logger.Logger
	now   func() time.Time
}

// NewRepository creates a store-backed repository.
func NewRepository(store kvstore.Store, keys kvstore.Keys, log *logger.Logger) *Repository {
	return &Repository{store: store, keys: keys, log: log, now: time.Now}
}

// SetClock overrides the time source used for UpdatedAt.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// Load returns the stored state or a default one. Content problems never
// fail: unknown keys are dropped, missing keys defaulted and an undecodable
// payload is logged and replaced by the default. Only store errors surface.
func (r *Repository) Load(ctx context.Context, contactID string) (State, error) {
	raw, err := r.store.Get(ctx, r.keys.Conversation(contactID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return NewState(contactID), nil
	}
	if err != nil {
		return State{}, err
	}

	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil || loose == nil {
		r.log.Warn("conversation state drift, starting fresh",
			"contactId", contactID,
			"error", err,
		)
		return NewState(contactID), nil
	}

	return fromLoose(contactID, loose), nil
}

// Save trims history, stamps UpdatedAt and the schema version, and writes
// the state with a refreshed TTL.
func (r *Repository) Save(ctx context.Context, state *State) error {
	if state.ContactID == "" {
		return fmt.Errorf("save conversation: empty contact id")
	}
	state.trimHistory()
	if state.ExtractedFields == nil {
		state.ExtractedFields = map[string]any{}
	}
	if state.History == nil {
		state.History = []Turn{}
	}
	state.UpdatedAt = r.now().UTC()
	state.SchemaVersion = SchemaVersion

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return r.store.Set(ctx, r.keys.Conversation(state.ContactID), data, TTL)
}

// Delete drops the contact's progress.
func (r *Repository) Delete(ctx context.Context, contactID string) error {
	return r.store.Delete(ctx, r.keys.Conversation(contactID))
}

// InProgress reports whether flowType has started and not completed its
// conversation with the contact.
func (r *Repository) InProgress(ctx context.Context, contactID string, flowType domain.FlowType) (bool, error) {
	state, err := r.Load(ctx, contactID)
	if err != nil {
		return false, err
	}
	return state.FlowType == flowType && state.Phase == PhaseActive, nil
}

func fromLoose(contactID string, m map[string]any) State {
	s := NewState(contactID)

	if v, ok := firstOf(m, "flow_type", "flowType", "bot_type"); ok {
		if ft, ok := domain.ParseFlowType(asString(v)); ok {
			s.FlowType = ft
		}
	}
	if v, ok := firstOf(m, "phase", "stage"); ok {
		switch Phase(asString(v)) {
		case PhaseActive:
			s.Phase = PhaseActive
		case PhaseComplete:
			s.Phase = PhaseComplete
		}
	}
	if v, ok := firstOf(m, "step_index", "step", "current_step"); ok {
		s.StepIndex = max(asInt(v), 0)
	}
	if v, ok := firstOf(m, "attempts", "retry_count"); ok {
		s.Attempts = max(asInt(v), 0)
	}
	if v, ok := firstOf(m, "extracted_fields", "fields", "answers"); ok {
		if fields, ok := v.(map[string]any); ok {
			for k, val := range fields {
				s.ExtractedFields[k] = val
			}
		}
	}
	if v, ok := firstOf(m, "temperature", "lead_temperature"); ok {
		s.Temperature = domain.ParseTemperature(asString(v))
	}
	if v, ok := firstOf(m, "history", "messages"); ok {
		s.History = asTurns(v)
	}
	if v, ok := m["updated_at"]; ok {
		s.UpdatedAt = asTime(v)
	}

	// A phase older writers never stored is implied by progress.
	if _, ok := m["phase"]; !ok && (s.StepIndex > 0 || len(s.ExtractedFields) > 0) {
		s.Phase = PhaseActive
	}

	s.trimHistory()
	return s
}

func firstOf(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0
		}
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case float64:
		return time.Unix(int64(t), 0).UTC()
	default:
		return time.Time{}
	}
}

func asTurns(v any) []Turn {
	items, ok := v.([]any)
	if !ok {
		return []Turn{}
	}
	turns := make([]Turn, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case map[string]any:
			role := asString(t["role"])
			if role == "" {
				role = RoleContact
			}
			text := asString(t["text"])
			if text == "" {
				text = asString(t["content"])
			}
			turns = append(turns, Turn{Role: role, Text: text, At: asTime(t["at"])})
		case string:
			turns = append(turns, Turn{Role: RoleContact, Text: t})
		}
	}
	return turns
}
