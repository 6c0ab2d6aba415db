package flows

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/logger"
)

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ PromptContext, _ []conversation.Turn, _ Constraints) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type staticGenerator struct {
	text  string
	calls []PromptContext
}

func (g *staticGenerator) Generate(_ context.Context, pc PromptContext, _ []conversation.Turn, _ Constraints) (string, error) {
	g.calls = append(g.calls, pc)
	return g.text, nil
}

type stubClassifier struct {
	value any
	err   error
	calls int
}

func (c *stubClassifier) Classify(context.Context, ClassifyRequest) (any, error) {
	c.calls++
	return c.value, c.err
}

func TestCatalogHasDefaultFlows(t *testing.T) {
	c := mustCatalog(t)
	for _, ft := range []domain.FlowType{domain.FlowSeller, domain.FlowBuyer, domain.FlowLead} {
		if _, ok := c.Get(ft); !ok {
			t.Fatalf("expected flow %s in catalog", ft)
		}
	}
	if c.Thresholds.Hot != 70 || c.Thresholds.Warm != 40 || c.Thresholds.Margin != 5 {
		t.Fatalf("unexpected thresholds %+v", c.Thresholds)
	}
}

func TestParseCatalogRejectsBadTemplates(t *testing.T) {
	doc := `
thresholds: {hot: 70, warm: 40, margin: 5}
flows:
  - type: lead
    steps:
      - {field: intent, kind: text, question: "hi?"}
    completion:
      fallback: "{{if}}"
`
	if _, err := ParseCatalog([]byte(doc)); err == nil {
		t.Fatalf("expected template parse error")
	}
}

func TestExtractPatterns(t *testing.T) {
	cases := []struct {
		kind    FieldKind
		options []string
		text    string
		want    any
	}{
		{KindMoney, nil, "I'd want about 350k for it", 350000.0},
		{KindMoney, nil, "$1,250,000 maybe", 1250000.0},
		{KindMoney, nil, "3 beds, around 1.2m", 1200000.0},
		{KindDays, nil, "within 2 months", 60.0},
		{KindDays, nil, "a couple of weeks", 14.0},
		{KindDays, nil, "ASAP please", 7.0},
		{KindBool, nil, "yes, already approved", true},
		{KindBool, nil, "nope", false},
		{KindChoice, []string{"buy", "sell", "explore"}, "Just exploring for now", "explore"},
		{KindChoice, []string{"excellent", "good", "fair", "needs work"}, "honestly it needs work", "needs work"},
	}
	for _, tc := range cases {
		got, ok := extractPattern(Step{Kind: tc.kind, Options: tc.options}, tc.text)
		if !ok || got != tc.want {
			t.Fatalf("extract %s from %q: got %v ok=%v, want %v", tc.kind, tc.text, got, ok, tc.want)
		}
	}

	if _, ok := extractPattern(Step{Kind: KindMoney}, "not sure yet"); ok {
		t.Fatalf("expected no money in text")
	}
}

func TestHysteresisAtBoundary(t *testing.T) {
	th := Thresholds{Hot: 70, Warm: 40, Margin: 5}

	if got := Classify(70, domain.TemperatureWarm, th); got != domain.TemperatureWarm {
		t.Fatalf("score exactly at hot boundary should stay warm, got %s", got)
	}
	if got := Classify(75, domain.TemperatureWarm, th); got != domain.TemperatureHot {
		t.Fatalf("score at boundary+margin should become hot, got %s", got)
	}
	if got := Classify(40, domain.TemperatureCold, th); got != domain.TemperatureCold {
		t.Fatalf("score exactly at warm boundary should stay cold, got %s", got)
	}
	if got := Classify(45, domain.TemperatureCold, th); got != domain.TemperatureWarm {
		t.Fatalf("score at warm boundary+margin should become warm, got %s", got)
	}
	if got := Classify(68, domain.TemperatureHot, th); got != domain.TemperatureHot {
		t.Fatalf("hot contact dipping inside the margin should stay hot, got %s", got)
	}
	if got := Classify(65, domain.TemperatureHot, th); got != domain.TemperatureWarm {
		t.Fatalf("hot contact at boundary-margin should drop to warm, got %s", got)
	}
	if got := Classify(90, domain.TemperatureCold, th); got != domain.TemperatureHot {
		t.Fatalf("large jump should cross both tiers, got %s", got)
	}
	if got := Classify(70, domain.TemperatureUnset, th); got != domain.TemperatureHot {
		t.Fatalf("first classification uses raw tiers, got %s", got)
	}
}

func TestReadinessShiftsBorderlineOnly(t *testing.T) {
	th := Thresholds{Hot: 70, Warm: 40, Margin: 5, ReadinessWindow: 10}

	cases := []struct {
		tier   domain.Temperature
		score  int
		signal Readiness
		want   domain.Temperature
		why    string
	}{
		{domain.TemperatureWarm, 62, ReadinessUrgent, domain.TemperatureHot, "urgent warm just below hot"},
		{domain.TemperatureWarm, 72, ReadinessUrgent, domain.TemperatureHot, "urgent warm held by hysteresis above hot"},
		{domain.TemperatureWarm, 55, ReadinessUrgent, domain.TemperatureWarm, "mid-tier score ignores readiness"},
		{domain.TemperatureWarm, 44, ReadinessUrgent, domain.TemperatureWarm, "urgent warm near its floor stays warm"},
		{domain.TemperatureWarm, 44, ReadinessHesitant, domain.TemperatureCold, "hesitant warm just above its floor"},
		{domain.TemperatureWarm, 62, ReadinessHesitant, domain.TemperatureWarm, "hesitant warm near hot stays warm"},
		{domain.TemperatureHot, 78, ReadinessUrgent, domain.TemperatureHot, "hot is capped"},
		{domain.TemperatureHot, 78, ReadinessHesitant, domain.TemperatureWarm, "hesitant hot just above its floor"},
		{domain.TemperatureHot, 90, ReadinessHesitant, domain.TemperatureHot, "hesitant hot far above its floor"},
		{domain.TemperatureCold, 35, ReadinessUrgent, domain.TemperatureWarm, "urgent cold just below warm"},
		{domain.TemperatureCold, 35, ReadinessHesitant, domain.TemperatureCold, "cold is floored"},
		{domain.TemperatureCold, 20, ReadinessUrgent, domain.TemperatureCold, "urgent cold far below warm"},
	}
	for _, tc := range cases {
		if got := ApplyReadiness(tc.tier, tc.score, tc.signal, th); got != tc.want {
			t.Fatalf("%s: %s at %d got %s, want %s", tc.why, tc.tier, tc.score, got, tc.want)
		}
	}
}

func TestScoreHonoursPresentRules(t *testing.T) {
	absent, present := false, true
	def := &Definition{Type: "test", Scoring: Scoring{Base: 10, Rules: []ScoringRule{
		{Field: "notes", Present: &absent, Points: 5},
		{Field: "budget", Present: &present, Points: 20},
	}}}

	got, err := Score(def, map[string]any{"notes": nil})
	if err != nil || got != 15 {
		t.Fatalf("expected unanswered field to score, got %d err=%v", got, err)
	}
	got, _ = Score(def, map[string]any{"notes": "call after 5", "budget": 300000.0})
	if got != 30 {
		t.Fatalf("expected only the present rule to score, got %d", got)
	}
}

func TestScoreRejectsNonNumericTimeline(t *testing.T) {
	c := mustCatalog(t)
	def, _ := c.Get(domain.FlowSeller)
	if _, err := Score(def, map[string]any{"timeline_days": "soonish"}); err == nil {
		t.Fatalf("expected scoring error")
	}
}

func TestFirstMessageSendsFirstQuestionWithoutAdvancing(t *testing.T) {
	engine := NewEngine(mustCatalog(t), logger.Nop())
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowSeller

	res, err := engine.Step(context.Background(), &state, "hi, I saw your ad")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.StepIndex != 0 || state.Phase != conversation.PhaseActive || res.Advanced {
		t.Fatalf("expected step 0 active without advancing, got %+v", state)
	}
	if !strings.Contains(res.Reply, "selling") {
		t.Fatalf("expected first seller question, got %q", res.Reply)
	}
	if len(state.ExtractedFields) != 0 {
		t.Fatalf("expected nothing extracted from the greeting, got %v", state.ExtractedFields)
	}
}

func TestUnansweredAfterThreeAttempts(t *testing.T) {
	engine := NewEngine(mustCatalog(t), logger.Nop())
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowBuyer
	state.Phase = conversation.PhaseActive

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, _ := engine.Step(ctx, &state, "hmm")
		if res.Advanced || state.StepIndex != 0 {
			t.Fatalf("attempt %d should not advance", i+1)
		}
	}
	res, _ := engine.Step(ctx, &state, "hmm")
	if !res.Advanced || state.StepIndex != 1 || state.Attempts != 0 {
		t.Fatalf("expected advance after third failure, got %+v", state)
	}
	if v, ok := state.ExtractedFields["budget"]; !ok || v != nil {
		t.Fatalf("expected budget recorded as unanswered, got %v ok=%v", v, ok)
	}
	if !strings.Contains(res.Reply, "pre-approved") {
		t.Fatalf("expected next question, got %q", res.Reply)
	}
}

func TestClassifierFallbackIsUsedAfterPatterns(t *testing.T) {
	classifier := &stubClassifier{value: "420000"}
	engine := NewEngine(mustCatalog(t), logger.Nop(), WithClassifier(classifier))
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowBuyer
	state.Phase = conversation.PhaseActive

	res, _ := engine.Step(context.Background(), &state, "somewhere in the low four hundreds")
	if classifier.calls != 1 || state.ExtractedFields["budget"] != 420000.0 {
		t.Fatalf("expected classifier value, calls=%d fields=%v", classifier.calls, state.ExtractedFields)
	}
	if len(res.FieldWrites) == 0 || res.FieldWrites[0].Key != "buyer_budget" {
		t.Fatalf("expected buyer_budget field write, got %+v", res.FieldWrites)
	}

	classifier.err = ErrClassification
	classifier.value = nil
	res, _ = engine.Step(context.Background(), &state, "hmm")
	if res.Advanced || state.Attempts != 1 {
		t.Fatalf("expected retry on classification failure, got %+v", state)
	}
}

func TestGeneratorTimeoutOnFinalStepKeepsComputedOffer(t *testing.T) {
	engine := NewEngine(mustCatalog(t), logger.Nop(),
		WithGenerator(blockingGenerator{}),
		WithExternalTimeout(30*time.Millisecond),
	)
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowSeller
	state.Phase = conversation.PhaseActive
	state.StepIndex = 3
	state.ExtractedFields = map[string]any{"motivation": "relocating", "timeline_days": 30.0, "condition": "good"}

	res, err := engine.Step(context.Background(), &state, "I'd want about 350k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Completed || state.Phase != conversation.PhaseComplete {
		t.Fatalf("expected completion, got %+v", res)
	}
	if !res.UsedFallback {
		t.Fatalf("expected scripted fallback after timeout")
	}
	if !strings.Contains(res.Reply, "$245,000") {
		t.Fatalf("expected computed offer in reply, got %q", res.Reply)
	}
	if strings.Contains(res.Reply, "{{") || strings.Contains(res.Reply, "<no value>") {
		t.Fatalf("expected no placeholders, got %q", res.Reply)
	}
}

func TestGeneratedReplyMissingRequiredValueFallsBack(t *testing.T) {
	gen := &staticGenerator{text: "Thanks! We'll be in touch with an offer."}
	engine := NewEngine(mustCatalog(t), logger.Nop(), WithGenerator(gen))
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowBuyer
	state.Phase = conversation.PhaseActive
	state.StepIndex = 3
	state.ExtractedFields = map[string]any{"budget": 500000.0, "preapproved": true, "timeline_days": 60.0}

	res, _ := engine.Step(context.Background(), &state, "Eastside")
	if !res.UsedFallback || !strings.Contains(res.Reply, "$500,000") || !strings.Contains(res.Reply, "Eastside") {
		t.Fatalf("expected fallback with max price, got %q", res.Reply)
	}
}

func TestTemperatureChangeEmitsTagActions(t *testing.T) {
	engine := NewEngine(mustCatalog(t), logger.Nop())
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowBuyer
	state.Phase = conversation.PhaseActive
	state.StepIndex = 1
	state.Temperature = domain.TemperatureCold
	state.ExtractedFields = map[string]any{"budget": 500000.0}

	res, _ := engine.Step(context.Background(), &state, "yes, pre-approved already")
	// base 10 + budget 15 + preapproved 30 = 55: cold -> warm.
	if !res.TemperatureChanged() || res.Temperature != domain.TemperatureWarm {
		t.Fatalf("expected warm, got %s", res.Temperature)
	}
	want := []TagAction{{Kind: ActionRemoveTag, Tag: "buyer-cold"}, {Kind: ActionAddTag, Tag: "buyer-warm"}}
	if len(res.TagActions) != 2 || res.TagActions[0] != want[0] || res.TagActions[1] != want[1] {
		t.Fatalf("unexpected tag actions %+v", res.TagActions)
	}

	found := false
	for _, fw := range res.FieldWrites {
		if fw.Key == TemperatureField && fw.Value == "warm" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected lead_temperature write, got %+v", res.FieldWrites)
	}
}

func TestSwitchDropsPreviousFlowTemperature(t *testing.T) {
	engine := NewEngine(mustCatalog(t), logger.Nop())
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowSeller
	state.Phase = conversation.PhaseActive
	state.StepIndex = 2
	state.Temperature = domain.TemperatureHot

	actions := engine.Switch(&state, domain.FlowBuyer)
	if len(actions) != 1 || actions[0] != (TagAction{Kind: ActionRemoveTag, Tag: "seller-hot"}) {
		t.Fatalf("expected seller-hot removal, got %+v", actions)
	}
	if state.FlowType != domain.FlowBuyer || state.Temperature != domain.TemperatureUnset || state.StepIndex != 0 {
		t.Fatalf("expected fresh buyer state, got %+v", state)
	}

	ctx := context.Background()
	if _, err := engine.Step(ctx, &state, "actually I want to buy"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := engine.Step(ctx, &state, "around 400k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// base 10 + budget 15 = 25: first classification, nothing to remove.
	if res.TemperatureWas != domain.TemperatureUnset || res.Temperature != domain.TemperatureCold {
		t.Fatalf("expected unset -> cold, got %s -> %s", res.TemperatureWas, res.Temperature)
	}
	if len(res.TagActions) != 1 || res.TagActions[0] != (TagAction{Kind: ActionAddTag, Tag: "buyer-cold"}) {
		t.Fatalf("expected only buyer-cold to be added, got %+v", res.TagActions)
	}
}

func TestClarifyDoesNotAdvance(t *testing.T) {
	engine := NewEngine(mustCatalog(t), logger.Nop())
	state := conversation.NewState("c1")
	state.FlowType = domain.FlowLead
	state.Phase = conversation.PhaseActive

	res, err := engine.Clarify(context.Background(), &state, "maybe I'd sell one day", domain.FlowSeller)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.StepIndex != 0 || state.Attempts != 0 || !strings.Contains(res.Reply, "selling") {
		t.Fatalf("expected clarifying question without progress, got %q state=%+v", res.Reply, state)
	}
}

func TestStepUnknownFlow(t *testing.T) {
	engine := NewEngine(mustCatalog(t), logger.Nop())
	state := conversation.NewState("c1")
	state.FlowType = "renter"
	if _, err := engine.Step(context.Background(), &state, "hi"); !errors.Is(err, ErrUnknownFlow) {
		t.Fatalf("expected ErrUnknownFlow, got %v", err)
	}
}
