// Package conversation persists per-contact flow progress.
package conversation

import (
	"time"

	"lead_router_backend/internal/domain"
)

// SchemaVersion is written on every save. Readers accept any version.
const SchemaVersion = 2

// MaxHistory bounds stored turns; older turns are evicted first.
const MaxHistory = 20

// TTL is refreshed on every save.
const TTL = 7 * 24 * time.Hour

// Phase is the coarse position of a contact in its flow.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseActive   Phase = "active"
	PhaseComplete Phase = "complete"
)

// Turn roles.
const (
	RoleContact = "contact"
	RoleBot     = "bot"
)

// Turn is one message exchanged with the contact.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is the stored progress of one contact.
// A nil value in ExtractedFields means the step was asked but left unanswered.
type State struct {
	ContactID       string             `json:"contact_id"`
	FlowType        domain.FlowType    `json:"flow_type"`
	Phase           Phase              `json:"phase"`
	StepIndex       int                `json:"step_index"`
	Attempts        int                `json:"attempts"`
	ExtractedFields map[string]any     `json:"extracted_fields"`
	Temperature     domain.Temperature `json:"temperature"`
	History         []Turn             `json:"history"`
	UpdatedAt       time.Time          `json:"updated_at"`
	SchemaVersion   int                `json:"schema_version"`
}

// NewState returns the default state for a contact nobody has talked to.
func NewState(contactID string) State {
	return State{
		ContactID:       contactID,
		Phase:           PhaseInit,
		ExtractedFields: map[string]any{},
		History:         []Turn{},
		SchemaVersion:   SchemaVersion,
	}
}

// Started reports whether the first question was sent.
func (s State) Started() bool {
	return s.Phase == PhaseActive || s.Phase == PhaseComplete
}

// Append adds a turn, evicting the oldest beyond MaxHistory.
func (s *State) Append(role, text string, at time.Time) {
	s.History = append(s.History, Turn{Role: role, Text: text, At: at.UTC()})
	s.trimHistory()
}

// Recent returns up to n of the newest turns, oldest first.
func (s State) Recent(n int) []Turn {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if len(s.History) <= n {
		return append([]Turn(nil), s.History...)
	}
	return append([]Turn(nil), s.History[len(s.History)-n:]...)
}

// Reset moves the contact back to the start of flowType. The temperature
// belonged to the previous flow and is cleared.
func (s *State) Reset(flowType domain.FlowType) {
	s.FlowType = flowType
	s.Phase = PhaseInit
	s.StepIndex = 0
	s.Attempts = 0
	s.ExtractedFields = map[string]any{}
	s.Temperature = domain.TemperatureUnset
}

func (s *State) trimHistory() {
	if len(s.History) > MaxHistory {
		s.History = append([]Turn(nil), s.History[len(s.History)-MaxHistory:]...)
	}
}
