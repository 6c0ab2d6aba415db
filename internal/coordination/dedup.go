// Package coordination holds the per-event and per-contact exclusion
// primitives of the inbound pipeline: the dedup marker and the contact lock.
package coordination

import (
	"context"
	"strings"
	"time"

	"lead_router_backend/platform/kvstore"

	"github.com/google/uuid"
)

// DedupTTL bounds how long a redelivered event is recognised as a duplicate.
const DedupTTL = 5 * time.Minute

// Deduplicator rejects re-delivery of an already claimed inbound event.
type Deduplicator struct {
	store kvstore.Store
	keys  kvstore.Keys
	ttl   time.Duration
}

// NewDeduplicator creates a deduplicator with the default 5 minute window.
func NewDeduplicator(store kvstore.Store, keys kvstore.Keys) *Deduplicator {
	return &Deduplicator{store: store, keys: keys, ttl: DedupTTL}
}

// Claim returns true when this is the first delivery of eventID within the
// window. Events without an id cannot be deduplicated and always claim.
func (d *Deduplicator) Claim(ctx context.Context, eventID string) (bool, error) {
	_, first, err := d.ClaimToken(ctx, eventID)
	return first, err
}

// ClaimToken is Claim that also returns the token stored in the marker, so
// the claimant can give the event back with Release. The token is empty when
// nothing was stored.
func (d *Deduplicator) ClaimToken(ctx context.Context, eventID string) (string, bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", true, nil
	}
	token := uuid.NewString()
	ok, err := d.store.SetNX(ctx, d.keys.Dedup(eventID), []byte(token), d.ttl)
	if err != nil || !ok {
		return "", ok, err
	}
	return token, true, nil
}

// Release removes the marker while token still owns it, so a redelivery of
// an event that was not handled is processed.
func (d *Deduplicator) Release(ctx context.Context, eventID, token string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" || token == "" {
		return false, nil
	}
	return d.store.CompareAndDelete(ctx, d.keys.Dedup(eventID), []byte(token))
}
