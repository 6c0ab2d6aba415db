package coordination

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"lead_router_backend/platform/kvstore"

	"github.com/google/uuid"
)

const (
	DefaultLockTTL     = 30 * time.Second
	DefaultLockMaxWait = 10 * time.Second

	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// ErrLockTimeout is returned when the contact stayed locked for the whole wait.
var ErrLockTimeout = errors.New("contact lock wait exceeded")

// ContactLock is a per-contact mutual-exclusion primitive with TTL.
type ContactLock struct {
	store   kvstore.Store
	keys    kvstore.Keys
	ttl     time.Duration
	maxWait time.Duration
}

// LockOption configures a ContactLock.
type LockOption func(*ContactLock)

// WithLockTTL sets how long an unreleased lock survives.
func WithLockTTL(ttl time.Duration) LockOption {
	return func(l *ContactLock) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockMaxWait bounds how long Acquire keeps retrying.
func WithLockMaxWait(wait time.Duration) LockOption {
	return func(l *ContactLock) {
		if wait > 0 {
			l.maxWait = wait
		}
	}
}

// NewContactLock creates a lock with a 30s TTL and a 10s wait bound.
func NewContactLock(store kvstore.Store, keys kvstore.Keys, opts ...LockOption) *ContactLock {
	l := &ContactLock{
		store:   store,
		keys:    keys,
		ttl:     DefaultLockTTL,
		maxWait: DefaultLockMaxWait,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire loops on set-if-absent with jittered exponential backoff until it
// owns the contact, the wait bound passes (ErrLockTimeout) or ctx ends.
// The returned token must be passed to Release.
func (l *ContactLock) Acquire(ctx context.Context, contactID string) (string, error) {
	token := uuid.NewString()
	key := l.keys.Lock(contactID)
	deadline := time.Now().Add(l.maxWait)
	backoff := initialBackoff

	for {
		ok, err := l.store.SetNX(ctx, key, []byte(token), l.ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrLockTimeout
		}

		sleep := backoff/2 + rand.N(backoff/2+1)
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Release deletes the lock only while token still owns it. A lock that
// expired and was re-acquired by another request is left alone.
func (l *ContactLock) Release(ctx context.Context, contactID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return l.store.CompareAndDelete(ctx, l.keys.Lock(contactID), []byte(token))
}
