// Package kvstore provides the shared key-value state store used for locks,
// dedup markers, flow assignments, conversation state and audit logs.
// This is part of the platform layer and contains no business logic.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a key-value store with per-key TTL and atomic conditional writes.
// A zero ttl means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent. Reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only when the stored value equals expected.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only when the stored value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// Append pushes value to the list at key and refreshes the list TTL.
	Append(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// List returns every element of the list at key, oldest first.
	List(ctx context.Context, key string) ([][]byte, error)
	Ping(ctx context.Context) error
}

// Keys builds namespaced keys so several deployments can share one Redis.
type Keys struct {
	prefix string
}

// NewKeys creates a key builder. An empty prefix yields bare keys.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

func (k Keys) build(kind, id string) string {
	if k.prefix == "" {
		return kind + ":" + id
	}
	return k.prefix + ":" + kind + ":" + id
}

func (k Keys) Dedup(eventID string) string          { return k.build("dedup", eventID) }
func (k Keys) Lock(contactID string) string         { return k.build("lock", contactID) }
func (k Keys) Assignment(contactID string) string   { return k.build("assignment", contactID) }
func (k Keys) Conversation(contactID string) string { return k.build("conversation", contactID) }
func (k Keys) Handoffs(contactID string) string     { return k.build("handoffs", contactID) }
