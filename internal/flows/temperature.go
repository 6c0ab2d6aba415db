package flows

import (
	"fmt"
	"regexp"

	"lead_router_backend/internal/domain"
)

// Readiness is a hint from the latest message that nudges a borderline tier.
type Readiness int

const (
	ReadinessNeutral Readiness = iota
	ReadinessUrgent
	ReadinessHesitant
)

var (
	urgentPattern   = regexp.MustCompile(`(?i)\b(asap|urgent(?:ly)?|right away|immediately|this week|need to (?:move|sell|buy) (?:fast|quickly|soon)|ready to (?:go|sell|buy|move))\b`)
	hesitantPattern = regexp.MustCompile(`(?i)\b(just looking|just browsing|not sure|maybe|thinking about|no rush|someday|not ready|down the road)\b`)
)

// shortTimelineDays marks a timeline answer that counts as urgent.
const shortTimelineDays = 14

// DetectReadiness reads urgency or hesitation from a message and the
// extracted timeline.
func DetectReadiness(message string, fields map[string]any) Readiness {
	switch {
	case hesitantPattern.MatchString(message):
		return ReadinessHesitant
	case urgentPattern.MatchString(message):
		return ReadinessUrgent
	}
	if days, ok := toFloat(fields["timeline_days"]); ok && days <= shortTimelineDays {
		return ReadinessUrgent
	}
	return ReadinessNeutral
}

// Score sums the flow's scoring rules over fields, clamped to 0..100.
// A rule with numeric bounds applied to a non-numeric value is an error.
func Score(def *Definition, fields map[string]any) (int, error) {
	score := def.Scoring.Base
	for _, rule := range def.Scoring.Rules {
		v, present := fields[rule.Field]
		present = present && v != nil
		if rule.Present != nil && !*rule.Present {
			if !present {
				score += rule.Points
			}
			continue
		}
		if !present {
			continue
		}

		if rule.Min != nil || rule.Max != nil {
			n, ok := toFloat(v)
			if !ok {
				return 0, fmt.Errorf("score %s: field %s is not numeric: %v", def.Type, rule.Field, v)
			}
			if rule.Min != nil && n < *rule.Min {
				continue
			}
			if rule.Max != nil && n > *rule.Max {
				continue
			}
		}
		if rule.Equals != "" && fmt.Sprint(v) != rule.Equals {
			continue
		}
		score += rule.Points
	}
	return min(max(score, 0), 100), nil
}

// Classify maps a score to a tier. Leaving the previous tier requires
// crossing the boundary by th.Margin in either direction; a score exactly
// on a boundary keeps the previous tier.
func Classify(score int, previous domain.Temperature, th Thresholds) domain.Temperature {
	if previous == domain.TemperatureUnset {
		return rawTier(score, th)
	}

	rank := previous.Rank()
	for rank < domain.TemperatureHot.Rank() && score >= upperBoundary(rank, th)+th.Margin {
		rank++
	}
	for rank > domain.TemperatureCold.Rank() && score <= lowerBoundary(rank, th)-th.Margin {
		rank--
	}
	return domain.TemperatureFromRank(rank)
}

// ApplyReadiness shifts a borderline tier one step across the boundary it
// borders: urgency lifts a score within th.ReadinessWindow of the next tier's
// boundary, hesitation drops a score within the window of its own floor.
func ApplyReadiness(tier domain.Temperature, score int, signal Readiness, th Thresholds) domain.Temperature {
	rank := tier.Rank()
	switch signal {
	case ReadinessUrgent:
		if rank < domain.TemperatureHot.Rank() && upperBoundary(rank, th)-score <= th.ReadinessWindow {
			rank++
		}
	case ReadinessHesitant:
		if rank > domain.TemperatureCold.Rank() && score-lowerBoundary(rank, th) <= th.ReadinessWindow {
			rank--
		}
	}
	return domain.TemperatureFromRank(rank)
}

func rawTier(score int, th Thresholds) domain.Temperature {
	switch {
	case score >= th.Hot:
		return domain.TemperatureHot
	case score >= th.Warm:
		return domain.TemperatureWarm
	default:
		return domain.TemperatureCold
	}
}

// upperBoundary is the score separating rank from rank+1.
func upperBoundary(rank int, th Thresholds) int {
	if rank <= domain.TemperatureCold.Rank() {
		return th.Warm
	}
	return th.Hot
}

// lowerBoundary is the score separating rank from rank-1.
func lowerBoundary(rank int, th Thresholds) int {
	if rank >= domain.TemperatureHot.Rank() {
		return th.Hot
	}
	return th.Warm
}
