package scheduler

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskDeferredAction = "routing.deferred_action"

// ActionKind is the CRM side effect a deferred action applies.
type ActionKind string

const (
	ActionAddTag    ActionKind = "add_tag"
	ActionRemoveTag ActionKind = "remove_tag"
)

// MaxAttempts is how often an action runs before it is dropped.
const MaxAttempts = 2

// DeferredAction is a side effect that must not run before NotBefore.
type DeferredAction struct {
	ID        string            `json:"id"`
	ContactID string            `json:"contactId"`
	Kind      ActionKind        `json:"kind"`
	Payload   map[string]string `json:"payload"`
	NotBefore time.Time         `json:"notBefore"`
}

// Tag returns the tag a tag action applies.
func (a DeferredAction) Tag() string {
	return a.Payload["tag"]
}

// NewTagAction builds an add_tag or remove_tag action.
func NewTagAction(contactID string, kind ActionKind, tag string, notBefore time.Time) DeferredAction {
	return DeferredAction{
		ContactID: contactID,
		Kind:      kind,
		Payload:   map[string]string{"tag": tag},
		NotBefore: notBefore,
	}
}

func NewDeferredActionTask(action DeferredAction) (*asynq.Task, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeferredAction, data), nil
}

func ParseDeferredActionPayload(task *asynq.Task) (DeferredAction, error) {
	var action DeferredAction
	if err := json.Unmarshal(task.Payload(), &action); err != nil {
		return DeferredAction{}, err
	}
	return action, nil
}
