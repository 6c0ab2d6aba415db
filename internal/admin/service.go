// Package admin exposes operator overrides of flow ownership.
package admin

import (
	"context"
	"errors"

	"lead_router_backend/internal/assignment"
	"lead_router_backend/internal/audit"
	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/coordination"
	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/apperr"
	"lead_router_backend/platform/logger"
)

// flowTypeField is the CRM custom field the inbound pipeline infers a flow from.
const flowTypeField = "bot_flow_type"

// Registry is the assignment surface the overrides use.
type Registry interface {
	Get(ctx context.Context, contactID string) (assignment.Assignment, bool, error)
	Override(ctx context.Context, contactID string, flowType domain.FlowType) (assignment.Assignment, error)
	Clear(ctx context.Context, contactID string) error
}

// States reads and discards conversation progress.
type States interface {
	Load(ctx context.Context, contactID string) (conversation.State, error)
	Delete(ctx context.Context, contactID string) error
}

// Trail lists handoff records.
type Trail interface {
	List(ctx context.Context, contactID string) ([]audit.Record, error)
}

// Locker is the contact lock the inbound pipeline holds while it works.
type Locker interface {
	Acquire(ctx context.Context, contactID string) (string, error)
	Release(ctx context.Context, contactID, token string) (bool, error)
}

// FieldWriter mirrors the new owner into the CRM.
type FieldWriter interface {
	SetField(ctx context.Context, contactID, key string, value any) error
}

// Snapshot is everything stored about a contact's routing.
type Snapshot struct {
	ContactID  string                 `json:"contactId"`
	Assignment *assignment.Assignment `json:"assignment"`
	State      conversation.State     `json:"state"`
	Records    []audit.Record         `json:"records"`
}

type Service struct {
	registry Registry
	states   States
	trail    Trail
	lock     Locker
	crm      FieldWriter
	log      *logger.Logger
}

// NewService wires the override service. crm may be nil.
func NewService(registry Registry, states States, trail Trail, lock Locker, crm FieldWriter, log *logger.Logger) *Service {
	return &Service{registry: registry, states: states, trail: trail, lock: lock, crm: crm, log: log}
}

// Reassign clears the contact's progress and hands it to flowType.
func (s *Service) Reassign(ctx context.Context, contactID string, flowType domain.FlowType, actor string) (assignment.Assignment, error) {
	var result assignment.Assignment
	err := s.withLock(ctx, contactID, func() error {
		a, err := s.registry.Override(ctx, contactID, flowType)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to override assignment", err)
		}
		if err := s.states.Delete(ctx, contactID); err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to reset conversation", err)
		}
		result = a
		return nil
	})
	if err != nil {
		return assignment.Assignment{}, err
	}

	if s.crm != nil {
		if err := s.crm.SetField(ctx, contactID, flowTypeField, string(flowType)); err != nil {
			s.log.Warn("flow type field not updated after override", "contactId", contactID, "error", err)
		}
	}
	s.log.Info("assignment overridden", "contactId", contactID, "flowType", flowType, "actor", actor)
	return result, nil
}

// Clear removes the assignment, progress and the CRM flow field; the next
// event claims afresh. The field is blanked under the lock so the next event
// cannot infer the cleared flow from it.
func (s *Service) Clear(ctx context.Context, contactID, actor string) error {
	err := s.withLock(ctx, contactID, func() error {
		if err := s.registry.Clear(ctx, contactID); err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to clear assignment", err)
		}
		if err := s.states.Delete(ctx, contactID); err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to reset conversation", err)
		}
		if s.crm != nil {
			if err := s.crm.SetField(ctx, contactID, flowTypeField, ""); err != nil {
				s.log.Warn("flow type field not cleared", "contactId", contactID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("assignment cleared", "contactId", contactID, "actor", actor)
	return nil
}

// Inspect returns the stored routing data for a contact.
func (s *Service) Inspect(ctx context.Context, contactID string) (Snapshot, error) {
	snap := Snapshot{ContactID: contactID}

	a, ok, err := s.registry.Get(ctx, contactID)
	if err != nil {
		return Snapshot{}, apperr.Wrap(apperr.KindInternal, "failed to read assignment", err)
	}
	if ok {
		snap.Assignment = &a
	}

	if snap.State, err = s.states.Load(ctx, contactID); err != nil {
		return Snapshot{}, apperr.Wrap(apperr.KindInternal, "failed to read conversation", err)
	}
	if snap.Records, err = s.trail.List(ctx, contactID); err != nil {
		return Snapshot{}, apperr.Wrap(apperr.KindInternal, "failed to read handoff records", err)
	}
	if !ok && !snap.State.Started() && len(snap.Records) == 0 {
		return Snapshot{}, apperr.NotFound("contact has no routing data")
	}
	return snap, nil
}

// withLock serialises an override against the inbound pipeline.
func (s *Service) withLock(ctx context.Context, contactID string, fn func() error) error {
	token, err := s.lock.Acquire(ctx, contactID)
	if errors.Is(err, coordination.ErrLockTimeout) {
		return apperr.Throttled("contact is being processed, retry shortly")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to lock contact", err)
	}
	defer func() {
		if _, err := s.lock.Release(context.WithoutCancel(ctx), contactID, token); err != nil {
			s.log.StoreError("release contact lock", err)
		}
	}()
	return fn()
}
