package webhook

import (
	"context"
	"errors"
	"time"

	"lead_router_backend/internal/assignment"
	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/coordination"
	"lead_router_backend/internal/domain"
	"lead_router_backend/internal/events"
	"lead_router_backend/internal/flows"
	"lead_router_backend/internal/handoff"
	"lead_router_backend/internal/metrics"
	"lead_router_backend/internal/scheduler"
	"lead_router_backend/platform/logger"
)

const (
	// FlowTypeField is the CRM custom field that remembers a contact's flow.
	FlowTypeField = "bot_flow_type"
	// DefaultTagDelay separates the reply from the tag writes it triggers.
	DefaultTagDelay = 5 * time.Second
)

// Status is the result reported back to the delivery system.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusThrottled Status = "throttled"
)

// Outcome reasons.
const (
	ReasonDuplicate          = "duplicate"
	ReasonLockTimeout        = "lock_timeout"
	ReasonStoreUnavailable   = "store_unavailable"
	ReasonAssignmentConflict = "assignment_conflict"
	ReasonEmptyMessage       = "empty_message"
	ReasonFlowError          = "flow_error"
	ReasonHandoffAccepted    = "handoff_accepted"
	ReasonHandoffClarify     = "handoff_clarify"
)

// Outcome is the response body of the inbound endpoint.
type Outcome struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Deduplicator claims an event id once. A claim released with its token
// lets a redelivery through.
type Deduplicator interface {
	ClaimToken(ctx context.Context, eventID string) (string, bool, error)
	Release(ctx context.Context, eventID, token string) (bool, error)
}

// Locker serialises work per contact.
type Locker interface {
	Acquire(ctx context.Context, contactID string) (string, error)
	Release(ctx context.Context, contactID, token string) (bool, error)
}

// Assigner resolves which flow owns a contact.
type Assigner interface {
	Resolve(ctx context.Context, p assignment.Proposal) (assignment.Assignment, error)
	Get(ctx context.Context, contactID string) (assignment.Assignment, bool, error)
}

// StateStore loads and saves conversation progress.
type StateStore interface {
	Load(ctx context.Context, contactID string) (conversation.State, error)
	Save(ctx context.Context, state *conversation.State) error
}

// HandoffEvaluator decides whether a message moves the contact to another flow.
type HandoffEvaluator interface {
	Evaluate(ctx context.Context, contactID, message string, currentFlow domain.FlowType) (handoff.Decision, error)
}

// Stepper runs one flow step.
type Stepper interface {
	Switch(state *conversation.State, target domain.FlowType) []flows.TagAction
	Step(ctx context.Context, state *conversation.State, message string) (flows.Result, error)
	Clarify(ctx context.Context, state *conversation.State, message string, target domain.FlowType) (flows.Result, error)
}

// CRM is the part of the CRM client the pipeline writes through.
type CRM interface {
	SendMessage(ctx context.Context, contactID, message string) error
	SetFields(ctx context.Context, contactID string, fields map[string]any) error
	GetField(ctx context.Context, contactID, key string) (string, bool, error)
}

// Dependencies groups the collaborators of the pipeline. Handoff, Bus and
// Metrics are optional.
type Dependencies struct {
	Dedup    Deduplicator
	Lock     Locker
	Registry Assigner
	States   StateStore
	Handoff  HandoffEvaluator
	Engine   Stepper
	CRM      CRM
	Deferred scheduler.Enqueuer
	Bus      events.Bus
	Metrics  *metrics.Metrics
}

// Service runs the inbound pipeline: dedup, lock, assignment, handoff,
// flow step, CRM writes, reply, release, deferred tags.
type Service struct {
	deps     Dependencies
	log      *logger.Logger
	tagDelay time.Duration
	now      func() time.Time
}

// NewService creates the pipeline.
func NewService(deps Dependencies, tagDelay time.Duration, log *logger.Logger) *Service {
	if tagDelay <= 0 {
		tagDelay = DefaultTagDelay
	}
	return &Service{deps: deps, log: log, tagDelay: tagDelay, now: time.Now}
}

// SetClock overrides the time source used for deferred action deadlines.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Process handles one inbound event. It never returns an error: every
// failure maps to an outcome or a degraded reply.
func (s *Service) Process(ctx context.Context, evt InboundEvent) Outcome {
	start := time.Now()
	ctx = context.WithValue(ctx, logger.EventIDKey, evt.EventID)
	ctx = context.WithValue(ctx, logger.ContactIDKey, evt.ContactID)
	log := s.log.WithContext(ctx)

	out, flowType := s.process(ctx, log, evt)

	s.log.Outcome(evt.EventID, evt.ContactID, string(out.Status), out.Reason)
	s.deps.Metrics.RecordInbound(string(out.Status), out.Reason, time.Since(start))
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ctx, events.InboundProcessed{
			BaseEvent:  events.NewBaseEvent(),
			DeliveryID: evt.EventID,
			ContactID:  evt.ContactID,
			FlowType:   string(flowType),
			Status:     string(out.Status),
			Reason:     out.Reason,
		})
	}
	return out
}

func (s *Service) process(ctx context.Context, log *logger.Logger, evt InboundEvent) (Outcome, domain.FlowType) {
	claim, first, err := s.deps.Dedup.ClaimToken(ctx, evt.EventID)
	if err != nil {
		// Processing twice beats dropping a message.
		log.StoreError("dedup claim", err)
		first = true
	}
	if !first {
		return Outcome{Status: StatusSkipped, Reason: ReasonDuplicate}, ""
	}

	// A throttled event is redelivered later and must not look like a duplicate then.
	throttled := func(reason string) Outcome {
		if _, err := s.deps.Dedup.Release(context.WithoutCancel(ctx), evt.EventID, claim); err != nil {
			log.StoreError("release dedup claim", err)
		}
		return Outcome{Status: StatusThrottled, Reason: reason}
	}

	lockStart := time.Now()
	token, err := s.deps.Lock.Acquire(ctx, evt.ContactID)
	s.deps.Metrics.RecordLockWait(time.Since(lockStart))
	if err != nil {
		if errors.Is(err, coordination.ErrLockTimeout) {
			return throttled(ReasonLockTimeout), ""
		}
		log.StoreError("acquire contact lock", err)
		return throttled(ReasonStoreUnavailable), ""
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if _, err := s.deps.Lock.Release(context.WithoutCancel(ctx), evt.ContactID, token); err != nil {
			log.StoreError("release contact lock", err)
		}
	}
	defer release()

	owner, err := s.resolveFlow(ctx, log, evt)
	if err != nil {
		if errors.Is(err, assignment.ErrAssignmentConflict) {
			log.Info("inbound event targets a contact owned by another flow",
				"requested", evt.FlowHint, "owner", owner.FlowType)
			return Outcome{Status: StatusSkipped, Reason: ReasonAssignmentConflict}, owner.FlowType
		}
		log.StoreError("resolve flow assignment", err)
		return throttled(ReasonStoreUnavailable), ""
	}

	state, err := s.deps.States.Load(ctx, evt.ContactID)
	if err != nil {
		log.StoreError("load conversation state", err)
		return throttled(ReasonStoreUnavailable), owner.FlowType
	}

	var carried []flows.TagAction
	flowChanged := state.FlowType != owner.FlowType
	if flowChanged {
		carried = s.deps.Engine.Switch(&state, owner.FlowType)
	}

	if evt.Message == "" && state.Started() {
		return Outcome{Status: StatusSkipped, Reason: ReasonEmptyMessage}, owner.FlowType
	}

	out := Outcome{Status: StatusProcessed}
	res, reason, err := s.step(ctx, log, evt, &state)
	if err != nil {
		log.Error("flow step failed", "flowType", state.FlowType, "error", err)
		return Outcome{Status: StatusSkipped, Reason: ReasonFlowError}, state.FlowType
	}
	out.Reason = reason
	res.TagActions = append(carried, res.TagActions...)
	if state.FlowType != owner.FlowType {
		flowChanged = true
	}

	s.writeFields(ctx, log, evt, &state, res, flowChanged)

	if err := s.deps.States.Save(ctx, &state); err != nil {
		log.StoreError("save conversation state", err)
	}

	if res.UsedFallback {
		s.deps.Metrics.RecordFallback(string(state.FlowType))
	}
	sendErr := s.deps.CRM.SendMessage(ctx, evt.ContactID, res.Reply)
	sentAt := s.now()

	release()

	if sendErr != nil {
		// Tag automations must not run before the contact has seen the reply.
		log.Warn("reply not delivered, tag actions dropped", "tags", len(res.TagActions), "error", sendErr)
	} else {
		s.scheduleTags(ctx, log, evt.ContactID, res, sentAt)
	}
	if res.TemperatureChanged() {
		s.announceTemperature(ctx, evt.ContactID, state.FlowType, res)
	}
	return out, state.FlowType
}

// resolveFlow turns the event's declared flow, the stored assignment or the
// CRM field into a proposal and returns the registry's answer.
func (s *Service) resolveFlow(ctx context.Context, log *logger.Logger, evt InboundEvent) (assignment.Assignment, error) {
	if evt.FlowHint != "" {
		return s.deps.Registry.Resolve(ctx, assignment.Proposal{
			ContactID: evt.ContactID,
			FlowType:  evt.FlowHint,
			Source:    domain.SourceExplicit,
		})
	}
	if evt.RawFlow != "" {
		log.Warn("ignoring unknown flow type", "flowType", evt.RawFlow)
	}

	// An inferred proposal never moves an existing owner, so skip the CRM lookup.
	current, ok, err := s.deps.Registry.Get(ctx, evt.ContactID)
	if err != nil {
		return assignment.Assignment{}, err
	}
	if ok {
		return current, nil
	}

	flowType := domain.DefaultFlow
	if raw, found, err := s.deps.CRM.GetField(ctx, evt.ContactID, FlowTypeField); err != nil {
		log.Warn("flow type lookup failed, using default", "error", err)
	} else if found {
		if ft, ok := domain.ParseFlowType(raw); ok {
			flowType = ft
		}
	}

	return s.deps.Registry.Resolve(ctx, assignment.Proposal{
		ContactID: evt.ContactID,
		FlowType:  flowType,
		Source:    domain.SourceInferred,
	})
}

// step runs handoff evaluation and then the engine.
func (s *Service) step(ctx context.Context, log *logger.Logger, evt InboundEvent, state *conversation.State) (flows.Result, string, error) {
	if s.deps.Handoff != nil && evt.Message != "" {
		decision, err := s.deps.Handoff.Evaluate(ctx, evt.ContactID, evt.Message, state.FlowType)
		if err != nil {
			log.Warn("handoff evaluation failed", "error", err)
		} else {
			switch decision.Outcome {
			case handoff.OutcomeAccepted:
				log.Info("handoff accepted", "from", state.FlowType, "to", decision.TargetFlow, "confidence", decision.Confidence)
				carried := s.deps.Engine.Switch(state, decision.TargetFlow)
				res, err := s.deps.Engine.Step(ctx, state, evt.Message)
				res.TagActions = append(carried, res.TagActions...)
				return res, ReasonHandoffAccepted, err
			case handoff.OutcomeClarify:
				res, err := s.deps.Engine.Clarify(ctx, state, evt.Message, decision.TargetFlow)
				return res, ReasonHandoffClarify, err
			}
		}
	}

	res, err := s.deps.Engine.Step(ctx, state, evt.Message)
	return res, "", err
}

func (s *Service) writeFields(ctx context.Context, log *logger.Logger, evt InboundEvent, state *conversation.State, res flows.Result, flowChanged bool) {
	fields := map[string]any{}
	for _, w := range res.FieldWrites {
		fields[w.Key] = w.Value
	}
	if flowChanged {
		fields[FlowTypeField] = string(state.FlowType)
	}
	if state.ExtractedFields == nil {
		state.ExtractedFields = map[string]any{}
	}
	for k, v := range evt.Contact.Fields() {
		if _, known := state.ExtractedFields[k]; !known {
			state.ExtractedFields[k] = v
		}
	}
	if len(fields) == 0 {
		return
	}
	if err := s.deps.CRM.SetFields(ctx, evt.ContactID, fields); err != nil {
		log.Warn("field writes failed", "fields", len(fields), "error", err)
	}
}

func (s *Service) scheduleTags(ctx context.Context, log *logger.Logger, contactID string, res flows.Result, sentAt time.Time) {
	if s.deps.Deferred == nil || len(res.TagActions) == 0 {
		return
	}
	notBefore := sentAt.Add(s.tagDelay)
	for _, ta := range res.TagActions {
		action := scheduler.NewTagAction(contactID, scheduler.ActionKind(ta.Kind), ta.Tag, notBefore)
		if err := s.deps.Deferred.Enqueue(ctx, action); err != nil {
			log.Warn("deferred tag action not scheduled", "kind", ta.Kind, "tag", ta.Tag, "error", err)
		}
	}
}

func (s *Service) announceTemperature(ctx context.Context, contactID string, flowType domain.FlowType, res flows.Result) {
	s.deps.Metrics.RecordTemperature(string(flowType), string(res.Temperature))
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(ctx, events.TemperatureChanged{
		BaseEvent: events.NewBaseEvent(),
		ContactID: contactID,
		FlowType:  string(flowType),
		From:      string(res.TemperatureWas),
		To:        string(res.Temperature),
	})
}
