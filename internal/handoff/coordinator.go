// Package handoff decides when a contact should move from one flow to another.
package handoff

import (
	"context"
	"time"

	"lead_router_backend/internal/assignment"
	"lead_router_backend/internal/audit"
	"lead_router_backend/internal/domain"
	"lead_router_backend/platform/logger"
)

const (
	// DefaultThreshold is the confidence at which a handoff is attempted.
	DefaultThreshold = 0.70
	// ClarifyFloor is the exclusive lower bound of the clarify band.
	ClarifyFloor = 0.50

	CircularWindow = 30 * time.Minute
	HourlyLimit    = 3
	DailyLimit     = 10

	patternBlend  = 0.6
	semanticBlend = 0.4
)

// Outcome is what the pipeline should do after evaluation.
type Outcome string

const (
	OutcomeNone     Outcome = "none"
	OutcomeClarify  Outcome = "clarify"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Decision is the evaluation result.
type Decision struct {
	Outcome    Outcome
	TargetFlow domain.FlowType
	Confidence float64
	// Recorded is the audit decision written, empty when nothing was recorded
	// by the coordinator itself.
	Recorded   audit.Decision
	Assignment assignment.Assignment
}

// SemanticScorer rates how strongly message asks for target, in 0..1.
type SemanticScorer interface {
	ScoreIntent(ctx context.Context, message string, target domain.FlowType) (float64, error)
}

// ThresholdProvider supplies the acceptance threshold per contact and target.
// Adaptive tuning would plug in here.
type ThresholdProvider interface {
	Threshold(ctx context.Context, contactID string, target domain.FlowType) float64
}

// StaticThreshold always returns the same value.
type StaticThreshold float64

func (s StaticThreshold) Threshold(context.Context, string, domain.FlowType) float64 {
	return float64(s)
}

// Proposer is the assignment registry.
type Proposer interface {
	Resolve(ctx context.Context, p assignment.Proposal) (assignment.Assignment, error)
}

// Trail is the audit log.
type Trail interface {
	List(ctx context.Context, contactID string) ([]audit.Record, error)
	Append(ctx context.Context, rec audit.Record) (audit.Record, error)
	Now() time.Time
}

// Coordinator scores handoff intent, applies guards and proposes accepted
// handoffs to the registry.
type Coordinator struct {
	intents   []Intent
	semantic  SemanticScorer
	threshold ThresholdProvider
	registry  Proposer
	trail     Trail
	log       *logger.Logger
	timeout   time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSemanticScorer enables blending an LLM intent score.
func WithSemanticScorer(s SemanticScorer) Option {
	return func(c *Coordinator) { c.semantic = s }
}

// WithThreshold replaces the static 0.70 threshold.
func WithThreshold(p ThresholdProvider) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.threshold = p
		}
	}
}

// WithIntents replaces the built-in intents.
func WithIntents(intents []Intent) Option {
	return func(c *Coordinator) { c.intents = intents }
}

// WithExternalTimeout bounds the semantic scorer call.
func WithExternalTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewCoordinator(registry Proposer, trail Trail, log *logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		intents:   DefaultIntents(),
		threshold: StaticThreshold(DefaultThreshold),
		registry:  registry,
		trail:     trail,
		log:       log,
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate decides whether message moves the contact away from currentFlow.
func (c *Coordinator) Evaluate(ctx context.Context, contactID, message string, currentFlow domain.FlowType) (Decision, error) {
	target, confidence := c.detect(ctx, message, currentFlow)
	if target == "" || confidence <= ClarifyFloor {
		return Decision{Outcome: OutcomeNone, TargetFlow: target, Confidence: confidence}, nil
	}

	decision := Decision{TargetFlow: target, Confidence: confidence}

	if confidence < c.threshold.Threshold(ctx, contactID, target) {
		decision.Outcome = OutcomeClarify
		decision.Recorded = audit.DecisionRejectedLowConfidence
		c.record(ctx, contactID, currentFlow, decision)
		return decision, nil
	}

	records, err := c.trail.List(ctx, contactID)
	if err != nil {
		return Decision{}, err
	}
	now := c.trail.Now()

	if rejected := guard(records, now, currentFlow, target); rejected != "" {
		decision.Outcome = OutcomeRejected
		decision.Recorded = rejected
		c.record(ctx, contactID, currentFlow, decision)
		c.log.Info("handoff rejected", "contactId", contactID, "from", currentFlow, "to", target, "decision", rejected)
		return decision, nil
	}

	// The registry writes the accepted record.
	a, err := c.registry.Resolve(ctx, assignment.Proposal{
		ContactID:  contactID,
		FlowType:   target,
		Source:     domain.SourceExplicit,
		ViaHandoff: true,
		Confidence: confidence,
		FromFlow:   currentFlow,
	})
	if err != nil {
		return Decision{}, err
	}

	decision.Outcome = OutcomeAccepted
	decision.Recorded = audit.DecisionAccepted
	decision.Assignment = a
	return decision, nil
}

// detect returns the strongest non-current target and its confidence.
func (c *Coordinator) detect(ctx context.Context, message string, currentFlow domain.FlowType) (domain.FlowType, float64) {
	var (
		best      domain.FlowType
		bestScore float64
	)
	for _, in := range c.intents {
		if in.Flow == currentFlow {
			continue
		}
		if s := in.Score(message); s > bestScore {
			best, bestScore = in.Flow, s
		}
	}
	if best == "" || c.semantic == nil {
		return best, bestScore
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	semantic, err := c.semantic.ScoreIntent(sctx, message, best)
	if err != nil {
		c.log.UpstreamFailure("llm", "score_intent", err)
		return best, bestScore
	}
	semantic = min(max(semantic, 0), 1)
	return best, patternBlend*bestScore + semanticBlend*semantic
}

// guard applies the circular and rate limits, returning the rejection or "".
func guard(records []audit.Record, now time.Time, from, to domain.FlowType) audit.Decision {
	if last, ok := audit.LastAccepted(records, string(from), string(to)); ok && last.At.After(now.Add(-CircularWindow)) {
		return audit.DecisionRejectedCircular
	}

	if audit.CountAcceptedSince(records, now.Add(-time.Hour)) >= HourlyLimit ||
		audit.CountAcceptedSince(records, now.Add(-24*time.Hour)) >= DailyLimit {
		return audit.DecisionRejectedRateLimited
	}
	return ""
}

func (c *Coordinator) record(ctx context.Context, contactID string, from domain.FlowType, d Decision) {
	_, err := c.trail.Append(ctx, audit.Record{
		ContactID:  contactID,
		SourceFlow: string(from),
		TargetFlow: string(d.TargetFlow),
		Confidence: d.Confidence,
		Decision:   d.Recorded,
	})
	if err != nil {
		c.log.StoreError("append handoff record", err)
	}
}
