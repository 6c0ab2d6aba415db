// Package assignment owns the sticky contact to flow ownership record.
// Every mutation goes through the shared store's atomic primitives so two
// instances resolving the same contact agree on a single owner.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lead_router_backend/internal/audit"
	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/kvstore"
	"lead_router_backend/platform/logger"
)

const (
	// TTL is refreshed on every write.
	TTL = 7 * 24 * time.Hour
	// ClaimGrace protects a freshly claimed assignment from direct explicit
	// overwrites while the automation that claimed it is still running.
	ClaimGrace = 2 * time.Minute

	maxCASRounds = 3
)

// ErrAssignmentConflict is returned when a direct explicit proposal targets a
// contact another flow currently owns.
var ErrAssignmentConflict = errors.New("flow assignment conflict")

// ErrContention is returned when every compare-and-swap round lost.
var ErrContention = errors.New("flow assignment contention")

// Assignment is the stored ownership record.
type Assignment struct {
	ContactID  string          `json:"contactId"`
	FlowType   domain.FlowType `json:"flowType"`
	Source     domain.Source   `json:"source"`
	AssignedAt time.Time       `json:"assignedAt"`
}

// Proposal asks the registry to route a contact to FlowType.
type Proposal struct {
	ContactID  string
	FlowType   domain.FlowType
	Source     domain.Source
	ViaHandoff bool
	Confidence float64
	FromFlow   domain.FlowType
}

// ProgressProbe reports whether a flow is mid-conversation with a contact.
type ProgressProbe interface {
	InProgress(ctx context.Context, contactID string, flowType domain.FlowType) (bool, error)
}

// Recorder appends decisions to the audit trail.
type Recorder interface {
	Append(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// Registry resolves proposals against the stored assignment.
type Registry struct {
	store    kvstore.Store
	keys     kvstore.Keys
	probe    ProgressProbe
	recorder Recorder
	log      *logger.Logger
	now      func() time.Time
}

// NewRegistry wires a registry. probe may be nil, in which case only the
// claim grace window protects an owner.
func NewRegistry(store kvstore.Store, keys kvstore.Keys, probe ProgressProbe, recorder Recorder, log *logger.Logger) *Registry {
	return &Registry{
		store:    store,
		keys:     keys,
		probe:    probe,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve applies a proposal and returns the assignment that holds afterwards.
//
//   - no assignment: the proposal is stored as is
//   - same flow: unchanged
//   - different flow, inferred: ignored
//   - different flow, explicit via handoff: overwritten, recorded as accepted
//   - different flow, explicit direct: rejected with ErrAssignmentConflict
//     while the owner is busy, otherwise overwritten and recorded as reassigned
func (r *Registry) Resolve(ctx context.Context, p Proposal) (Assignment, error) {
	if p.ContactID == "" {
		return Assignment{}, fmt.Errorf("resolve assignment: empty contact id")
	}
	if p.Source == "" {
		p.Source = domain.SourceInferred
	}
	key := r.keys.Assignment(p.ContactID)

	for round := 0; round < maxCASRounds; round++ {
		raw, err := r.store.Get(ctx, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			created := r.fromProposal(p)
			ok, err := r.store.SetNX(ctx, key, mustMarshal(created), TTL)
			if err != nil {
				return Assignment{}, err
			}
			if ok {
				if p.ViaHandoff {
					r.record(ctx, p, p.FromFlow, audit.DecisionAccepted)
				}
				return created, nil
			}
			continue
		}
		if err != nil {
			return Assignment{}, err
		}

		current, decodeErr := decode(raw)
		if decodeErr != nil {
			r.log.Warn("replacing undecodable assignment", "contactId", p.ContactID, "error", decodeErr)
			next := r.fromProposal(p)
			if ok, err := r.store.CompareAndSwap(ctx, key, raw, mustMarshal(next), TTL); err != nil {
				return Assignment{}, err
			} else if ok {
				return next, nil
			}
			continue
		}

		if current.FlowType == p.FlowType || p.Source == domain.SourceInferred {
			return current, nil
		}

		decision := audit.DecisionAccepted
		if !p.ViaHandoff {
			busy, err := r.ownerBusy(ctx, current)
			if err != nil {
				return Assignment{}, err
			}
			if busy {
				r.record(ctx, p, current.FlowType, audit.DecisionAssignmentConflict)
				return current, ErrAssignmentConflict
			}
			decision = audit.DecisionReassigned
		}

		next := r.fromProposal(p)
		ok, err := r.store.CompareAndSwap(ctx, key, raw, mustMarshal(next), TTL)
		if err != nil {
			return Assignment{}, err
		}
		if !ok {
			continue
		}
		r.record(ctx, p, current.FlowType, decision)
		return next, nil
	}

	return Assignment{}, ErrContention
}

// Get returns the stored assignment, if any.
func (r *Registry) Get(ctx context.Context, contactID string) (Assignment, bool, error) {
	raw, err := r.store.Get(ctx, r.keys.Assignment(contactID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, err
	}
	a, err := decode(raw)
	if err != nil {
		return Assignment{}, false, err
	}
	return a, true, nil
}

// Override unconditionally assigns flowType and records admin_override.
func (r *Registry) Override(ctx context.Context, contactID string, flowType domain.FlowType) (Assignment, error) {
	previous, _, err := r.Get(ctx, contactID)
	if err != nil {
		r.log.Warn("overriding unreadable assignment", "contactId", contactID, "error", err)
	}

	next := Assignment{
		ContactID:  contactID,
		FlowType:   flowType,
		Source:     domain.SourceExplicit,
		AssignedAt: r.now().UTC(),
	}
	if err := r.store.Set(ctx, r.keys.Assignment(contactID), mustMarshal(next), TTL); err != nil {
		return Assignment{}, err
	}

	r.record(ctx, Proposal{ContactID: contactID, FlowType: flowType, Confidence: 1}, previous.FlowType, audit.DecisionAdminOverride)
	return next, nil
}

// Clear removes the assignment so the next event claims afresh.
func (r *Registry) Clear(ctx context.Context, contactID string) error {
	return r.store.Delete(ctx, r.keys.Assignment(contactID))
}

func (r *Registry) ownerBusy(ctx context.Context, current Assignment) (bool, error) {
	if r.now().Sub(current.AssignedAt) < ClaimGrace {
		return true, nil
	}
	if r.probe == nil {
		return false, nil
	}
	busy, err := r.probe.InProgress(ctx, current.ContactID, current.FlowType)
	if err != nil {
		return false, fmt.Errorf("probe flow progress: %w", err)
	}
	return busy, nil
}

func (r *Registry) record(ctx context.Context, p Proposal, from domain.FlowType, decision audit.Decision) {
	if r.recorder == nil {
		return
	}
	source := p.FromFlow
	if source == "" {
		source = from
	}
	_, err := r.recorder.Append(ctx, audit.Record{
		ContactID:  p.ContactID,
		SourceFlow: string(source),
		TargetFlow: string(p.FlowType),
		Confidence: p.Confidence,
		Decision:   decision,
	})
	if err != nil {
		r.log.StoreError("append assignment record", err)
	}
}

func (r *Registry) fromProposal(p Proposal) Assignment {
	return Assignment{
		ContactID:  p.ContactID,
		FlowType:   p.FlowType,
		Source:     p.Source,
		AssignedAt: r.now().UTC(),
	}
}

func decode(raw []byte) (Assignment, error) {
	var a Assignment
	if err := json.Unmarshal(raw, &a); err != nil {
		return Assignment{}, fmt.Errorf("decode assignment: %w", err)
	}
	if a.FlowType == "" {
		return Assignment{}, fmt.Errorf("decode assignment: missing flow type")
	}
	return a, nil
}

func mustMarshal(a Assignment) []byte {
	data, err := json.Marshal(a)
	if err != nil {
		// Assignment only holds strings and a time.
		panic(err)
	}
	return data
}
