// Package audit keeps the append-only trail of handoff and reassignment
// decisions per contact.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lead_router_backend/internal/events"
	"lead_router_backend/platform/kvstore"
	"lead_router_backend/platform/logger"

	"github.com/google/uuid"
)

// Decision is the outcome recorded for a handoff or reassignment attempt.
type Decision string

const (
	DecisionAccepted              Decision = "accepted"
	DecisionRejectedLowConfidence Decision = "rejected_low_confidence"
	DecisionRejectedRateLimited   Decision = "rejected_rate_limited"
	DecisionRejectedCircular      Decision = "rejected_circular"
	DecisionAssignmentConflict    Decision = "bot_assignment_conflict"
	DecisionReassigned            Decision = "reassigned"
	DecisionAdminOverride         Decision = "admin_override"
)

// RecordTTL matches the assignment and conversation lifetime.
const RecordTTL = 7 * 24 * time.Hour

// Record is one immutable entry of the trail.
type Record struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contactId"`
	SourceFlow string    `json:"sourceFlow"`
	TargetFlow string    `json:"targetFlow"`
	Confidence float64   `json:"confidence"`
	Decision   Decision  `json:"decision"`
	At         time.Time `json:"at"`
}

// Log appends and reads records in the shared store.
type Log struct {
	store kvstore.Store
	keys  kvstore.Keys
	bus   events.Bus
	log   *logger.Logger
	now   func() time.Time
}

// NewLog creates a store-backed trail. bus may be nil.
func NewLog(store kvstore.Store, keys kvstore.Keys, bus events.Bus, log *logger.Logger) *Log {
	return &Log{store: store, keys: keys, bus: bus, log: log, now: time.Now}
}

// SetClock overrides the time source used to stamp records.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Now returns the log's current time so callers evaluate windows on the same clock.
func (l *Log) Now() time.Time {
	return l.now()
}

// Append stamps and stores rec, then publishes HandoffRecorded.
func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = l.now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal handoff record: %w", err)
	}
	if err := l.store.Append(ctx, l.keys.Handoffs(rec.ContactID), data, RecordTTL); err != nil {
		return Record{}, err
	}

	if l.bus != nil {
		l.bus.Publish(ctx, events.HandoffRecorded{
			BaseEvent:  events.NewBaseEventAt(rec.At),
			RecordID:   rec.ID,
			ContactID:  rec.ContactID,
			SourceFlow: rec.SourceFlow,
			TargetFlow: rec.TargetFlow,
			Confidence: rec.Confidence,
			Decision:   string(rec.Decision),
			At:         rec.At,
		})
	}

	return rec, nil
}

// List returns the contact's records, oldest first. Entries that fail to
// decode are skipped and logged.
func (l *Log) List(ctx context.Context, contactID string) ([]Record, error) {
	raw, err := l.store.List(ctx, l.keys.Handoffs(contactID))
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil {
			if l.log != nil {
				l.log.Warn("skipping undecodable handoff record", "contactId", contactID, "error", err)
			}
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// CountAcceptedSince counts accepted handoffs at or after since.
func CountAcceptedSince(records []Record, since time.Time) int {
	count := 0
	for _, rec := range records {
		if rec.Decision == DecisionAccepted && !rec.At.Before(since) {
			count++
		}
	}
	return count
}

// LastAccepted returns the most recent accepted record for the ordered pair.
func LastAccepted(records []Record, sourceFlow, targetFlow string) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Decision == DecisionAccepted && rec.SourceFlow == sourceFlow && rec.TargetFlow == targetFlow {
			return rec, true
		}
	}
	return Record{}, false
}
