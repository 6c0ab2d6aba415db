package webhook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lead_router_backend/internal/assignment"
	"lead_router_backend/internal/audit"
	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/coordination"
	"lead_router_backend/internal/domain"
	"lead_router_backend/internal/flows"
	"lead_router_backend/internal/handoff"
	"lead_router_backend/internal/scheduler"
	"lead_router_backend/platform/kvstore"
	"lead_router_backend/platform/logger"
)

type fakeCRM struct {
	mu       sync.Mutex
	calls    *[]string
	messages []string
	fields   map[string]any
	stored   map[string]string
	sendErr  error
}

func (f *fakeCRM) SendMessage(_ context.Context, _ string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.calls = append(*f.calls, "send")
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeCRM) SetFields(_ context.Context, _ string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.calls = append(*f.calls, "fields")
	if f.fields == nil {
		f.fields = map[string]any{}
	}
	for k, v := range fields {
		f.fields[k] = v
	}
	return nil
}

func (f *fakeCRM) GetField(_ context.Context, _ string, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stored[key]
	return v, ok, nil
}

type recordingQueue struct {
	mu      sync.Mutex
	calls   *[]string
	actions []scheduler.DeferredAction
	check   func()
}

func (q *recordingQueue) Enqueue(_ context.Context, action scheduler.DeferredAction) error {
	if q.check != nil {
		q.check()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	*q.calls = append(*q.calls, "enqueue")
	q.actions = append(q.actions, action)
	return nil
}

type stubEngine struct {
	result flows.Result
}

func (s stubEngine) Step(_ context.Context, state *conversation.State, _ string) (flows.Result, error) {
	state.Phase = conversation.PhaseActive
	state.Temperature = s.result.Temperature
	return s.result, nil
}

func (s stubEngine) Switch(state *conversation.State, target domain.FlowType) []flows.TagAction {
	state.Reset(target)
	return nil
}

func (s stubEngine) Clarify(context.Context, *conversation.State, string, domain.FlowType) (flows.Result, error) {
	return flows.Result{Reply: "clarify?"}, nil
}

type stubHandoff struct {
	trigger  string
	decision handoff.Decision
	resolve  func(ctx context.Context) error
}

func (s stubHandoff) Evaluate(ctx context.Context, _ string, message string, _ domain.FlowType) (handoff.Decision, error) {
	if !strings.Contains(message, s.trigger) {
		return handoff.Decision{Outcome: handoff.OutcomeNone}, nil
	}
	if s.resolve != nil {
		if err := s.resolve(ctx); err != nil {
			return handoff.Decision{}, err
		}
	}
	return s.decision, nil
}

type pipeline struct {
	service  *Service
	store    *kvstore.MemoryStore
	keys     kvstore.Keys
	registry *assignment.Registry
	states   *conversation.Repository
	lock     *coordination.ContactLock
	crm      *fakeCRM
	queue    *recordingQueue
	calls    []string
	now      time.Time
}

func newPipeline(t *testing.T, mutate func(*Dependencies)) *pipeline {
	t.Helper()
	log := logger.Nop()
	p := &pipeline{
		store: kvstore.NewMemoryStore(),
		keys:  kvstore.NewKeys("test"),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	trail := audit.NewLog(p.store, p.keys, nil, log)
	p.states = conversation.NewRepository(p.store, p.keys, log)
	p.registry = assignment.NewRegistry(p.store, p.keys, p.states, trail, log)
	p.lock = coordination.NewContactLock(p.store, p.keys, coordination.WithLockMaxWait(100*time.Millisecond))
	p.crm = &fakeCRM{calls: &p.calls, stored: map[string]string{}}
	p.queue = &recordingQueue{calls: &p.calls}

	catalog, err := flows.LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	deps := Dependencies{
		Dedup:    coordination.NewDeduplicator(p.store, p.keys),
		Lock:     p.lock,
		Registry: p.registry,
		States:   p.states,
		Engine:   flows.NewEngine(catalog, log),
		CRM:      p.crm,
		Deferred: p.queue,
	}
	if mutate != nil {
		mutate(&deps)
	}
	p.service = NewService(deps, 5*time.Second, log)
	p.service.SetClock(func() time.Time { return p.now })
	return p
}

func TestFirstEventStartsDefaultFlow(t *testing.T) {
	p := newPipeline(t, nil)
	out := p.service.Process(context.Background(), InboundEvent{
		EventID:   "evt-1",
		ContactID: "c1",
		Message:   "hi there",
		Contact:   ContactProfile{Phone: "+12015550123"},
	})

	if out.Status != StatusProcessed {
		t.Fatalf("expected processed, got %+v", out)
	}
	if len(p.crm.messages) != 1 || p.crm.messages[0] != "Thanks for getting in touch! Are you looking to buy, sell, or just exploring for now?" {
		t.Fatalf("expected lead opening question, got %v", p.crm.messages)
	}
	if p.crm.fields[FlowTypeField] != "lead" {
		t.Fatalf("expected flow type field to be written, got %v", p.crm.fields)
	}

	a, ok, _ := p.registry.Get(context.Background(), "c1")
	if !ok || a.FlowType != domain.FlowLead || a.Source != domain.SourceInferred {
		t.Fatalf("expected inferred lead assignment, got %+v ok=%v", a, ok)
	}
	state, _ := p.states.Load(context.Background(), "c1")
	if !state.Started() || state.ExtractedFields["phone"] != "+12015550123" {
		t.Fatalf("expected started state with phone, got %+v", state)
	}
	if _, err := p.store.Get(context.Background(), p.keys.Lock("c1")); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected lock to be released, got %v", err)
	}
}

func TestCRMFlowFieldIsInferred(t *testing.T) {
	p := newPipeline(t, nil)
	p.crm.stored[FlowTypeField] = "buyer"

	p.service.Process(context.Background(), InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "hello"})

	a, _, _ := p.registry.Get(context.Background(), "c1")
	if a.FlowType != domain.FlowBuyer || a.Source != domain.SourceInferred {
		t.Fatalf("expected inferred buyer assignment, got %+v", a)
	}
}

func TestDuplicateEventIsSkipped(t *testing.T) {
	p := newPipeline(t, nil)
	evt := InboundEvent{EventID: "evt-dup", ContactID: "c1", Message: "hi"}

	first := p.service.Process(context.Background(), evt)
	second := p.service.Process(context.Background(), evt)

	if first.Status != StatusProcessed {
		t.Fatalf("expected first delivery processed, got %+v", first)
	}
	if second.Status != StatusSkipped || second.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate skip, got %+v", second)
	}
	if len(p.crm.messages) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(p.crm.messages))
	}
}

func TestLockedContactIsThrottled(t *testing.T) {
	p := newPipeline(t, nil)
	if _, err := p.lock.Acquire(context.Background(), "c1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	out := p.service.Process(context.Background(), InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "hi"})
	if out.Status != StatusThrottled || out.Reason != ReasonLockTimeout {
		t.Fatalf("expected throttled lock timeout, got %+v", out)
	}
	if len(p.crm.messages) != 0 {
		t.Fatalf("expected no reply while throttled")
	}
}

func TestThrottledEventIsProcessedOnRedelivery(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	held, err := p.lock.Acquire(ctx, "c1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	evt := InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "hi"}
	if out := p.service.Process(ctx, evt); out.Status != StatusThrottled || out.Reason != ReasonLockTimeout {
		t.Fatalf("expected throttled lock timeout, got %+v", out)
	}
	if _, err := p.lock.Release(ctx, "c1", held); err != nil {
		t.Fatalf("release: %v", err)
	}

	out := p.service.Process(ctx, evt)
	if out.Status != StatusProcessed {
		t.Fatalf("expected redelivery to be processed, got %+v", out)
	}
	if len(p.crm.messages) != 1 {
		t.Fatalf("expected one reply after redelivery, got %v", p.crm.messages)
	}

	if dup := p.service.Process(ctx, evt); dup.Status != StatusSkipped || dup.Reason != ReasonDuplicate {
		t.Fatalf("expected processed event to stay deduplicated, got %+v", dup)
	}
}

func TestCompetingFlowIsSkippedWithoutReply(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()

	p.service.Process(ctx, InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "hi", FlowHint: domain.FlowSeller})
	sent := len(p.crm.messages)

	out := p.service.Process(ctx, InboundEvent{EventID: "evt-2", ContactID: "c1", Message: "hi", FlowHint: domain.FlowBuyer})
	if out.Status != StatusSkipped || out.Reason != ReasonAssignmentConflict {
		t.Fatalf("expected conflict skip, got %+v", out)
	}
	if len(p.crm.messages) != sent {
		t.Fatalf("expected no reply on conflict")
	}
	a, _, _ := p.registry.Get(ctx, "c1")
	if a.FlowType != domain.FlowSeller {
		t.Fatalf("expected seller to keep the contact, got %s", a.FlowType)
	}
}

func TestTagsScheduledAfterReplyAndRelease(t *testing.T) {
	p := newPipeline(t, func(d *Dependencies) {
		d.Engine = stubEngine{result: flows.Result{
			Reply:          "noted",
			TemperatureWas: domain.TemperatureCold,
			Temperature:    domain.TemperatureWarm,
			FieldWrites:    []flows.FieldWrite{{Key: flows.TemperatureField, Value: "warm"}},
			TagActions: []flows.TagAction{
				{Kind: flows.ActionRemoveTag, Tag: "lead-cold"},
				{Kind: flows.ActionAddTag, Tag: "lead-warm"},
			},
		}}
	})
	p.queue.check = func() {
		if _, err := p.store.Get(context.Background(), p.keys.Lock("c1")); !errors.Is(err, kvstore.ErrNotFound) {
			t.Errorf("expected lock released before scheduling, got %v", err)
		}
	}

	out := p.service.Process(context.Background(), InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "soon"})
	if out.Status != StatusProcessed {
		t.Fatalf("expected processed, got %+v", out)
	}

	want := []string{"fields", "send", "enqueue", "enqueue"}
	if len(p.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, p.calls)
	}
	for i := range want {
		if p.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, p.calls)
		}
	}

	for _, action := range p.queue.actions {
		if !action.NotBefore.Equal(p.now.Add(5 * time.Second)) {
			t.Fatalf("expected not_before = sent_at + 5s, got %s", action.NotBefore)
		}
	}
	if p.queue.actions[0].Kind != scheduler.ActionRemoveTag || p.queue.actions[1].Tag() != "lead-warm" {
		t.Fatalf("unexpected actions %+v", p.queue.actions)
	}
	if p.crm.fields[flows.TemperatureField] != "warm" {
		t.Fatalf("expected temperature field write, got %v", p.crm.fields)
	}
}

func TestAcceptedHandoffStartsTargetFlow(t *testing.T) {
	var p *pipeline
	p = newPipeline(t, func(d *Dependencies) {
		d.Handoff = stubHandoff{
			trigger:  "sell",
			decision: handoff.Decision{Outcome: handoff.OutcomeAccepted, TargetFlow: domain.FlowSeller, Confidence: 0.9},
			resolve: func(ctx context.Context) error {
				_, err := p.registry.Resolve(ctx, assignment.Proposal{
					ContactID: "c1", FlowType: domain.FlowSeller, Source: domain.SourceExplicit,
					ViaHandoff: true, Confidence: 0.9, FromFlow: domain.FlowLead,
				})
				return err
			},
		}
	})
	ctx := context.Background()
	p.service.Process(ctx, InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "hi"})

	out := p.service.Process(ctx, InboundEvent{EventID: "evt-2", ContactID: "c1", Message: "actually I want to sell my house"})
	if out.Status != StatusProcessed || out.Reason != ReasonHandoffAccepted {
		t.Fatalf("expected accepted handoff, got %+v", out)
	}

	last := p.crm.messages[len(p.crm.messages)-1]
	if last != "Thanks for reaching out! What has you thinking about selling?" {
		t.Fatalf("expected seller opening question, got %q", last)
	}
	if p.crm.fields[FlowTypeField] != "seller" {
		t.Fatalf("expected flow field seller, got %v", p.crm.fields[FlowTypeField])
	}
	state, _ := p.states.Load(ctx, "c1")
	if state.FlowType != domain.FlowSeller || state.StepIndex != 0 {
		t.Fatalf("expected seller state at step 0, got %+v", state)
	}
}

func TestAcceptedHandoffRemovesPreviousTierTag(t *testing.T) {
	var p *pipeline
	p = newPipeline(t, func(d *Dependencies) {
		d.Handoff = stubHandoff{
			trigger:  "buy",
			decision: handoff.Decision{Outcome: handoff.OutcomeAccepted, TargetFlow: domain.FlowBuyer, Confidence: 0.9},
			resolve: func(ctx context.Context) error {
				_, err := p.registry.Resolve(ctx, assignment.Proposal{
					ContactID: "c1", FlowType: domain.FlowBuyer, Source: domain.SourceExplicit,
					ViaHandoff: true, Confidence: 0.9, FromFlow: domain.FlowSeller,
				})
				return err
			},
		}
	})
	ctx := context.Background()
	p.service.Process(ctx, InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "hi", FlowHint: domain.FlowSeller})

	state, _ := p.states.Load(ctx, "c1")
	state.Temperature = domain.TemperatureHot
	if err := p.states.Save(ctx, &state); err != nil {
		t.Fatalf("save state: %v", err)
	}

	out := p.service.Process(ctx, InboundEvent{EventID: "evt-2", ContactID: "c1", Message: "actually we want to buy first"})
	if out.Reason != ReasonHandoffAccepted {
		t.Fatalf("expected accepted handoff, got %+v", out)
	}
	if len(p.queue.actions) != 1 || p.queue.actions[0].Kind != scheduler.ActionRemoveTag || p.queue.actions[0].Tag() != "seller-hot" {
		t.Fatalf("expected seller-hot removal, got %+v", p.queue.actions)
	}
	after, _ := p.states.Load(ctx, "c1")
	if after.FlowType != domain.FlowBuyer || after.Temperature != domain.TemperatureUnset {
		t.Fatalf("expected buyer state without a carried tier, got %+v", after)
	}
}

func TestClarifyDoesNotAdvance(t *testing.T) {
	p := newPipeline(t, func(d *Dependencies) {
		d.Handoff = stubHandoff{trigger: "buying", decision: handoff.Decision{Outcome: handoff.OutcomeClarify, TargetFlow: domain.FlowBuyer, Confidence: 0.6}}
	})
	ctx := context.Background()
	p.service.Process(ctx, InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "hi"})
	before, _ := p.states.Load(ctx, "c1")

	out := p.service.Process(ctx, InboundEvent{EventID: "evt-2", ContactID: "c1", Message: "maybe buying"})
	if out.Reason != ReasonHandoffClarify {
		t.Fatalf("expected clarify, got %+v", out)
	}
	after, _ := p.states.Load(ctx, "c1")
	if after.StepIndex != before.StepIndex || after.FlowType != domain.FlowLead {
		t.Fatalf("expected no advance on clarify, before=%d after=%d", before.StepIndex, after.StepIndex)
	}
}

func TestReplyFailureDropsTags(t *testing.T) {
	p := newPipeline(t, func(d *Dependencies) {
		d.Engine = stubEngine{result: flows.Result{
			Reply:          "noted",
			TemperatureWas: domain.TemperatureUnset,
			Temperature:    domain.TemperatureHot,
			TagActions:     []flows.TagAction{{Kind: flows.ActionAddTag, Tag: "lead-hot"}},
		}}
	})
	p.crm.sendErr = errors.New("crm down")

	out := p.service.Process(context.Background(), InboundEvent{EventID: "evt-1", ContactID: "c1", Message: "now"})
	if out.Status != StatusProcessed {
		t.Fatalf("expected processed despite send failure, got %+v", out)
	}
	if len(p.queue.actions) != 0 {
		t.Fatalf("expected no tag action without a delivered reply, got %+v", p.queue.actions)
	}
	for _, call := range p.calls {
		if call == "enqueue" {
			t.Fatalf("expected no enqueue after failed send, got %v", p.calls)
		}
	}
}

func TestEmptyMessageOnStartedConversation(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	p.service.Process(ctx, InboundEvent{EventID: "evt-1", ContactID: "c1"})
	if len(p.crm.messages) != 1 {
		t.Fatalf("expected opening question for a fresh contact without text")
	}

	out := p.service.Process(ctx, InboundEvent{EventID: "evt-2", ContactID: "c1"})
	if out.Status != StatusSkipped || out.Reason != ReasonEmptyMessage {
		t.Fatalf("expected empty message skip, got %+v", out)
	}
}
