// Package events defines the routing events published on the platform bus.
// The bus types are re-exported so modules import a single package.
package events

import (
	"time"

	"lead_router_backend/platform/events"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

var (
	NewBaseEvent   = events.NewBaseEvent
	NewBaseEventAt = events.NewBaseEventAt
	NewInMemoryBus = events.NewInMemoryBus
)

// HandoffRecorded is published after a handoff audit record was appended.
type HandoffRecorded struct {
	BaseEvent
	RecordID   string    `json:"recordId"`
	ContactID  string    `json:"contactId"`
	SourceFlow string    `json:"sourceFlow"`
	TargetFlow string    `json:"targetFlow"`
	Confidence float64   `json:"confidence"`
	Decision   string    `json:"decision"`
	At         time.Time `json:"at"`
}

func (e HandoffRecorded) EventName() string { return "routing.handoff.recorded" }

// TemperatureChanged is published when a contact moves between hot/warm/cold.
type TemperatureChanged struct {
	BaseEvent
	ContactID string `json:"contactId"`
	FlowType  string `json:"flowType"`
	From      string `json:"from"`
	To        string `json:"to"`
}

func (e TemperatureChanged) EventName() string { return "routing.temperature.changed" }

// InboundProcessed is published once per inbound event with its final outcome.
type InboundProcessed struct {
	BaseEvent
	DeliveryID string `json:"deliveryId"`
	ContactID  string `json:"contactId"`
	FlowType   string `json:"flowType"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func (e InboundProcessed) EventName() string { return "routing.inbound.processed" }
