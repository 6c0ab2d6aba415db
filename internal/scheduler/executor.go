package scheduler

import (
	"context"
	"errors"
	"fmt"

	"lead_router_backend/internal/metrics"
	"lead_router_backend/platform/logger"
)

// Enqueuer accepts deferred actions. Both the asynq client and LocalQueue
// implement it.
type Enqueuer interface {
	Enqueue(ctx context.Context, action DeferredAction) error
}

// TagWriter applies tag changes in the CRM.
type TagWriter interface {
	AddTag(ctx context.Context, contactID, tag string) error
	RemoveTag(ctx context.Context, contactID, tag string) error
}

// ErrUnknownAction marks a payload no handler understands. It is never retried.
var ErrUnknownAction = errors.New("unknown deferred action")

// Runner executes deferred actions and decides between retry and drop.
type Runner struct {
	tags      TagWriter
	log       *logger.Logger
	metrics   *metrics.Metrics
	retryable func(error) bool
}

func NewRunner(tags TagWriter, log *logger.Logger, m *metrics.Metrics) *Runner {
	return &Runner{tags: tags, log: log, metrics: m}
}

// SetRetryable installs a filter for errors worth a second attempt.
// Without one every failure is retried once.
func (r *Runner) SetRetryable(fn func(error) bool) {
	r.retryable = fn
}

// Execute performs action once.
func (r *Runner) Execute(ctx context.Context, action DeferredAction) error {
	tag := action.Tag()
	if action.ContactID == "" || tag == "" {
		return fmt.Errorf("%w: missing contact or tag", ErrUnknownAction)
	}

	switch action.Kind {
	case ActionAddTag:
		return r.tags.AddTag(ctx, action.ContactID, tag)
	case ActionRemoveTag:
		return r.tags.RemoveTag(ctx, action.ContactID, tag)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Kind)
	}
}

// Attempt runs action as attempt number attempt (1-based). It returns an
// error only when the caller should retry; a failure on the final attempt
// is logged and dropped.
func (r *Runner) Attempt(ctx context.Context, action DeferredAction, attempt int) error {
	err := r.Execute(ctx, action)
	if err == nil {
		r.metrics.RecordDeferred(string(action.Kind), "applied")
		return nil
	}

	final := attempt >= MaxAttempts || errors.Is(err, ErrUnknownAction)
	if r.retryable != nil && !r.retryable(err) {
		final = true
	}
	if final {
		r.log.Warn("dropping deferred action",
			"actionId", action.ID,
			"contactId", action.ContactID,
			"kind", action.Kind,
			"attempt", attempt,
			"error", err,
		)
		r.metrics.RecordDeferred(string(action.Kind), "dropped")
		return nil
	}

	r.metrics.RecordDeferred(string(action.Kind), "retried")
	return err
}
