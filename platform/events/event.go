// Package events is an in-process publish/subscribe bus. Modules publish
// facts about processed deliveries; side concerns such as the audit mirror
// and metrics subscribe without the publisher knowing them.
// This is part of the platform layer and contains no business logic.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is anything published on the bus.
type Event interface {
	// EventName routes the event to its subscribers.
	EventName() string
	EventID() string
	OccurredAt() time.Time
}

// BaseEvent carries the identity and time every event needs. Embed it.
type BaseEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) EventID() string       { return e.ID }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// NewBaseEvent stamps a new event with a random id and the current time.
func NewBaseEvent() BaseEvent {
	return NewBaseEventAt(time.Now())
}

// NewBaseEventAt is NewBaseEvent with an explicit time, for callers that run
// on an injected clock.
func NewBaseEventAt(at time.Time) BaseEvent {
	return BaseEvent{ID: uuid.NewString(), Timestamp: at.UTC()}
}

// Handler consumes one event.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus delivers events to the handlers subscribed to their name.
type Bus interface {
	// Publish hands the event to every subscriber without waiting.
	Publish(ctx context.Context, event Event)
	// PublishSync runs every subscriber in order and joins their errors.
	PublishSync(ctx context.Context, event Event) error
	Subscribe(eventName string, handler Handler)
}
