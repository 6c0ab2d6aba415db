package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"lead_router_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	defaultLocalRetryDelay = 2 * time.Second
	localExecTimeout       = 30 * time.Second
)

type queuedAction struct {
	action  DeferredAction
	attempt int
	due     time.Time
}

// LocalQueue is the in-process consumer used when no Redis is configured.
// Actions live only in memory and are lost on restart.
type LocalQueue struct {
	runner     *Runner
	log        *logger.Logger
	retryDelay time.Duration

	mu      sync.Mutex
	pending []queuedAction
	wake    chan struct{}
	running sync.WaitGroup
}

func NewLocalQueue(runner *Runner, log *logger.Logger) *LocalQueue {
	return &LocalQueue{
		runner:     runner,
		log:        log,
		retryDelay: defaultLocalRetryDelay,
		wake:       make(chan struct{}, 1),
	}
}

// SetRetryDelay changes the pause before the second attempt.
func (q *LocalQueue) SetRetryDelay(d time.Duration) {
	if d > 0 {
		q.retryDelay = d
	}
}

// Enqueue stores action until its NotBefore time. The caller's context only
// bounds the enqueue itself, never the execution.
func (q *LocalQueue) Enqueue(_ context.Context, action DeferredAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	q.push(queuedAction{action: action, attempt: 1, due: action.NotBefore})
	return nil
}

// Pending reports how many actions are waiting.
func (q *LocalQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run dispatches due actions until ctx ends, then waits for in-flight ones.
func (q *LocalQueue) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, item := range q.popDue(time.Now()) {
			q.running.Add(1)
			go q.execute(context.WithoutCancel(ctx), item)
		}

		wait := q.untilNext(time.Now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			q.running.Wait()
			if n := q.Pending(); n > 0 {
				q.log.Warn("local deferred queue stopped with pending actions", "pending", n)
			}
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// Wait blocks until every started execution returned.
func (q *LocalQueue) Wait() {
	q.running.Wait()
}

func (q *LocalQueue) execute(ctx context.Context, item queuedAction) {
	defer q.running.Done()

	ctx, cancel := context.WithTimeout(ctx, localExecTimeout)
	defer cancel()

	if err := q.runner.Attempt(ctx, item.action, item.attempt); err != nil {
		q.push(queuedAction{
			action:  item.action,
			attempt: item.attempt + 1,
			due:     time.Now().Add(q.retryDelay),
		})
	}
}

func (q *LocalQueue) push(item queuedAction) {
	q.mu.Lock()
	q.pending = append(q.pending, item)
	sort.SliceStable(q.pending, func(i, j int) bool { return q.pending[i].due.Before(q.pending[j].due) })
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *LocalQueue) popDue(now time.Time) []queuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.pending) && !q.pending[n].due.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	due := append([]queuedAction(nil), q.pending[:n]...)
	q.pending = append(q.pending[:0], q.pending[n:]...)
	return due
}

func (q *LocalQueue) untilNext(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return time.Hour
	}
	return max(q.pending[0].due.Sub(now), time.Millisecond)
}
