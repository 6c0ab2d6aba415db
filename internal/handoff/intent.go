package handoff

import (
	"regexp"
	"strings"

	"lead_router_backend/internal/domain"
)

const (
	patternWeight = 0.45
	keywordWeight = 0.15
)

// Intent describes how a message signals a wish to switch to Flow.
type Intent struct {
	Flow     domain.FlowType
	Patterns []*regexp.Regexp
	Keywords []string
}

// Score sums pattern and keyword hits, capped at 1.
func (in Intent) Score(message string) float64 {
	var score float64
	for _, p := range in.Patterns {
		if p.MatchString(message) {
			score += patternWeight
		}
	}

	words := tokenSet(message)
	for _, kw := range in.Keywords {
		if words[kw] {
			score += keywordWeight
		}
	}
	return min(score, 1)
}

// DefaultIntents are the built-in handoff signals for seller and buyer.
// The lead flow is the general intake and is never a handoff target.
func DefaultIntents() []Intent {
	return []Intent{
		{
			Flow: domain.FlowSeller,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(sell|selling|list|listing)\b.{0,25}\b(my|our|the)\s+(house|home|property|place|condo|apartment)\b`),
				regexp.MustCompile(`(?i)\bwhat(?:'s| is)\s+(my|our)\s+(house|home|property|place)\s+worth\b`),
				regexp.MustCompile(`(?i)\b(cash offer|home valuation|sell fast|sell quickly)\b`),
			},
			Keywords: []string{"sell", "selling", "seller", "listing", "valuation", "worth", "offer"},
		},
		{
			Flow: domain.FlowBuyer,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(buy|buying|purchase|purchasing)\b.{0,25}\b(house|home|property|place|condo|apartment)\b`),
				regexp.MustCompile(`(?i)\b(looking|searching|shopping)\s+for\s+(a\s+)?(new\s+)?(house|home|place|condo)\b`),
				regexp.MustCompile(`(?i)\b(pre-?approved|pre-?approval|first[- ]time buyer)\b`),
			},
			Keywords: []string{"buy", "buying", "buyer", "listings", "bedroom", "bedrooms", "mortgage", "showing"},
		},
	}
}

func tokenSet(message string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '\'')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
