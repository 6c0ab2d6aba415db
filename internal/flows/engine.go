package flows

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/logger"
)

const (
	// MaxAttempts is how many unusable answers a step accepts before the
	// field is recorded as unanswered and the flow moves on.
	MaxAttempts = 3
	// DefaultExternalTimeout bounds generator and classifier calls.
	DefaultExternalTimeout = 10 * time.Second
	// MaxReplyChars caps generated replies.
	MaxReplyChars = 480
	// PromptHistory is how many recent turns the generator sees.
	PromptHistory = 10

	// TemperatureField is the CRM custom field holding the tier.
	TemperatureField = "lead_temperature"
)

// ErrUnknownFlow is returned for a state whose flow type has no definition.
var ErrUnknownFlow = errors.New("unknown flow type")

// PromptContext is what the generator knows about the current step.
type PromptContext struct {
	FlowType domain.FlowType
	Step     string
	Prompt   string
	Fields   map[string]any
	Computed map[string]any
}

// Constraints bound a generated reply.
type Constraints struct {
	MaxChars    int
	MustInclude []string
}

// Generator writes the reply text.
type Generator interface {
	Generate(ctx context.Context, pc PromptContext, history []conversation.Turn, c Constraints) (string, error)
}

// TagAction kinds.
const (
	ActionAddTag    = "add_tag"
	ActionRemoveTag = "remove_tag"
)

// FieldWrite is a CRM custom field update applied before the reply is sent.
type FieldWrite struct {
	Key   string
	Value any
}

// TagAction is a tag change applied after the reply is sent.
type TagAction struct {
	Kind string
	Tag  string
}

// Result is what one engine step produced.
type Result struct {
	Reply          string
	UsedFallback   bool
	Advanced       bool
	Completed      bool
	FieldWrites    []FieldWrite
	TagActions     []TagAction
	TemperatureWas domain.Temperature
	Temperature    domain.Temperature
}

// TemperatureChanged reports whether the step moved the contact to a new tier.
func (r Result) TemperatureChanged() bool {
	return r.TemperatureWas != r.Temperature
}

// Engine advances a conversation one inbound message at a time. It mutates
// the state it is given; persisting it is the caller's job.
type Engine struct {
	catalog    *Catalog
	classifier Classifier
	generator  Generator
	log        *logger.Logger
	timeout    time.Duration
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier sets the fallback extractor.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithGenerator sets the reply generator. Without one every reply is scripted.
func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithExternalTimeout bounds each generator and classifier call.
func WithExternalTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the time source for history turns.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over catalog.
func NewEngine(catalog *Catalog, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		catalog: catalog,
		log:     log,
		timeout: DefaultExternalTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog exposes the engine's flow definitions.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Step consumes message and produces the next reply.
func (e *Engine) Step(ctx context.Context, state *conversation.State, message string) (Result, error) {
	def, ok := e.catalog.Get(state.FlowType)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFlow, state.FlowType)
	}
	if state.ExtractedFields == nil {
		state.ExtractedFields = map[string]any{}
	}

	res := Result{TemperatureWas: state.Temperature, Temperature: state.Temperature}
	if strings.TrimSpace(message) != "" {
		state.Append(conversation.RoleContact, message, e.now())
	}

	switch state.Phase {
	case conversation.PhaseInit, "":
		state.Phase = conversation.PhaseActive
		state.StepIndex = 0
		state.Attempts = 0
		step := def.Steps[0]
		res.Reply, res.UsedFallback = e.reply(ctx, state, def, step.Field, step.Prompt, step.Question, nil)

	case conversation.PhaseComplete:
		res.Reply, res.UsedFallback = e.reply(ctx, state, def, "follow_up", def.Completion.FollowUp, def.Completion.FollowUp, nil)

	default:
		if state.StepIndex >= len(def.Steps) {
			state.StepIndex = len(def.Steps) - 1
		}
		e.answer(ctx, state, def, message, &res)
		e.score(state, def, message, &res)
	}

	state.Append(conversation.RoleBot, res.Reply, e.now())
	return res, nil
}

// Switch resets state onto target. The returned actions remove the tier tag
// the previous flow left on the contact.
func (e *Engine) Switch(state *conversation.State, target domain.FlowType) []TagAction {
	var actions []TagAction
	if def, ok := e.catalog.Get(state.FlowType); ok {
		if tag := def.Tags.For(state.Temperature); tag != "" {
			actions = append(actions, TagAction{Kind: ActionRemoveTag, Tag: tag})
		}
	}
	state.Reset(target)
	return actions
}

// Clarify asks whether the contact meant target, without advancing.
func (e *Engine) Clarify(ctx context.Context, state *conversation.State, message string, target domain.FlowType) (Result, error) {
	def, ok := e.catalog.Get(target)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFlow, target)
	}
	res := Result{TemperatureWas: state.Temperature, Temperature: state.Temperature}
	if strings.TrimSpace(message) != "" {
		state.Append(conversation.RoleContact, message, e.now())
	}
	prompt := "Ask one short question to confirm whether the contact wants help with: " + string(target)
	res.Reply, res.UsedFallback = e.reply(ctx, state, def, "clarify", prompt, def.Clarify, nil)
	state.Append(conversation.RoleBot, res.Reply, e.now())
	return res, nil
}

func (e *Engine) answer(ctx context.Context, state *conversation.State, def *Definition, message string, res *Result) {
	step := def.Steps[state.StepIndex]

	value, ok := e.extract(ctx, state.FlowType, step, message)
	switch {
	case ok:
		state.ExtractedFields[step.Field] = value
		res.FieldWrites = append(res.FieldWrites, FieldWrite{Key: step.CRMKey(), Value: value})
	case state.Attempts+1 >= MaxAttempts:
		state.ExtractedFields[step.Field] = nil
		e.log.Info("step left unanswered", "flow", state.FlowType, "field", step.Field, "contactId", state.ContactID)
	default:
		state.Attempts++
		retry := step.Retry
		if retry == "" {
			retry = step.Question
		}
		res.Reply, res.UsedFallback = e.reply(ctx, state, def, step.Field, "The contact's answer was unclear. "+step.Prompt, retry, nil)
		return
	}

	state.Attempts = 0
	state.StepIndex++
	res.Advanced = true

	if state.StepIndex < len(def.Steps) {
		next := def.Steps[state.StepIndex]
		res.Reply, res.UsedFallback = e.reply(ctx, state, def, next.Field, next.Prompt, next.Question, nil)
		return
	}

	state.Phase = conversation.PhaseComplete
	res.Completed = true
	computed := def.Compute(state.ExtractedFields)
	for _, cv := range def.Computed {
		if v, ok := computed[cv.Name]; ok {
			res.FieldWrites = append(res.FieldWrites, FieldWrite{Key: cv.Name, Value: v})
		}
	}
	res.Reply, res.UsedFallback = e.completion(ctx, state, def, computed)
}

func (e *Engine) extract(ctx context.Context, flow domain.FlowType, step Step, message string) (any, bool) {
	if v, ok := extractPattern(step, message); ok {
		return v, true
	}
	if e.classifier == nil || step.Kind == KindText || strings.TrimSpace(message) == "" {
		return nil, false
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	raw, err := e.classifier.Classify(cctx, ClassifyRequest{
		FlowType: flow,
		Field:    step.Field,
		Kind:     step.Kind,
		Options:  step.Options,
		Question: step.Question,
		Message:  message,
	})
	if err != nil {
		if !errors.Is(err, ErrClassification) {
			e.log.UpstreamFailure("llm", "classify", err)
		}
		return nil, false
	}
	return coerce(step, raw)
}

func (e *Engine) score(state *conversation.State, def *Definition, message string, res *Result) {
	score, err := Score(def, state.ExtractedFields)
	if err != nil {
		e.log.Warn("temperature scoring failed, keeping previous tier", "contactId", state.ContactID, "error", err)
		return
	}

	th := e.catalog.Thresholds
	tier := Classify(score, state.Temperature, th)
	tier = ApplyReadiness(tier, score, DetectReadiness(message, state.ExtractedFields), th)
	if tier == state.Temperature {
		return
	}

	previous := state.Temperature
	state.Temperature = tier
	res.Temperature = tier
	res.FieldWrites = append(res.FieldWrites, FieldWrite{Key: TemperatureField, Value: string(tier)})
	if old := def.Tags.For(previous); old != "" {
		res.TagActions = append(res.TagActions, TagAction{Kind: ActionRemoveTag, Tag: old})
	}
	if tag := def.Tags.For(tier); tag != "" {
		res.TagActions = append(res.TagActions, TagAction{Kind: ActionAddTag, Tag: tag})
	}
}

func (e *Engine) completion(ctx context.Context, state *conversation.State, def *Definition, computed map[string]any) (string, bool) {
	var buf bytes.Buffer
	data := map[string]any{"Fields": state.ExtractedFields, "Computed": computed}
	if err := def.Completion.fallback.Execute(&buf, data); err != nil {
		e.log.Error("render completion fallback", "flow", def.Type, "error", err)
		buf.Reset()
		buf.WriteString(def.Completion.FollowUp)
	}

	var required []string
	for _, cv := range def.Computed {
		if v, ok := computed[cv.Name]; ok {
			required = append(required, formatMoney(v))
		}
	}
	return e.reply(ctx, state, def, "completion", def.Completion.Prompt, buf.String(), computed, required...)
}

// reply asks the generator for text and falls back to the scripted text on
// error, timeout, empty output, overlong output or a missing required value.
func (e *Engine) reply(ctx context.Context, state *conversation.State, def *Definition, stepName, prompt, fallback string, computed map[string]any, mustInclude ...string) (string, bool) {
	if e.generator == nil {
		return fallback, true
	}

	gctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := e.generator.Generate(gctx, PromptContext{
		FlowType: def.Type,
		Step:     stepName,
		Prompt:   prompt,
		Fields:   state.ExtractedFields,
		Computed: computed,
	}, state.Recent(PromptHistory), Constraints{MaxChars: MaxReplyChars, MustInclude: mustInclude})
	if err != nil {
		e.log.UpstreamFailure("llm", "generate", err)
		return fallback, true
	}

	text = strings.TrimSpace(text)
	if text == "" || len([]rune(text)) > MaxReplyChars {
		e.log.Warn("generated reply rejected", "flow", def.Type, "step", stepName, "length", len(text))
		return fallback, true
	}
	for _, want := range mustInclude {
		if !strings.Contains(text, want) {
			e.log.Warn("generated reply missing required value", "flow", def.Type, "step", stepName, "value", want)
			return fallback, true
		}
	}
	return text, false
}
