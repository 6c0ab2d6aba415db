package flows

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"lead_router_backend/internal/domain"
)

// ErrClassification is returned by a Classifier that could not extract a value.
var ErrClassification = errors.New("classification failed")

// ClassifyRequest describes a single field to extract from free text.
type ClassifyRequest struct {
	FlowType domain.FlowType
	Field    string
	Kind     FieldKind
	Options  []string
	Question string
	Message  string
}

// Classifier is the fallback extractor used when patterns find nothing.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (any, error)
}

var (
	moneyPattern = regexp.MustCompile(`(?i)\$?\s*(\d{1,3}(?:,\d{3})+|\d+(?:\.\d+)?)\s*(k|m|mm|thousand|million|mil)?\b`)
	daysPattern  = regexp.MustCompile(`(?i)\b(\d+|a|an|one|two|three|four|five|six|few|couple(?: of)?)\s*(day|week|month|year)s?\b`)

	immediatePattern = regexp.MustCompile(`(?i)\b(asap|immediately|right away|right now|this week|urgent(?:ly)?)\b`)
	nextMonthPattern = regexp.MustCompile(`(?i)\b(next month|this month)\b`)
	nextYearPattern  = regexp.MustCompile(`(?i)\b(next year|this year)\b`)
	noRushPattern    = regexp.MustCompile(`(?i)\b(no rush|not sure|no timeline|someday|eventually)\b`)

	yesPattern = regexp.MustCompile(`(?i)\b(yes|yeah|yep|yup|sure|correct|absolutely|already|approved|cash)\b`)
	noPattern  = regexp.MustCompile(`(?i)\b(no|nope|not yet|haven't|have not|nah|not)\b`)
)

var wordNumbers = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "few": 3, "couple": 2, "couple of": 2,
}

var unitDays = map[string]float64{"day": 1, "week": 7, "month": 30, "year": 365}

// extractPattern is the fast path. ok is false when nothing matched.
func extractPattern(step Step, message string) (any, bool) {
	text := strings.TrimSpace(message)
	if text == "" {
		return nil, false
	}

	switch step.Kind {
	case KindMoney:
		return parseMoney(text)
	case KindDays:
		return parseDays(text)
	case KindBool:
		return parseBool(text)
	case KindChoice:
		return matchChoice(text, step.Options)
	default:
		if len([]rune(text)) < 2 {
			return nil, false
		}
		return text, true
	}
}

func parseMoney(text string) (any, bool) {
	var best float64
	for _, m := range moneyPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "k", "thousand":
			n *= 1_000
		case "m", "mm", "million", "mil":
			n *= 1_000_000
		}
		// Prices below a thousand are almost always other numbers (bedrooms, years).
		if n >= 1_000 && n > best {
			best = n
		}
	}
	if best == 0 {
		return nil, false
	}
	return best, true
}

func parseDays(text string) (any, bool) {
	if m := daysPattern.FindStringSubmatch(text); m != nil {
		qty, ok := wordNumbers[strings.ToLower(m[1])]
		if !ok {
			n, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return nil, false
			}
			qty = n
		}
		return qty * unitDays[strings.ToLower(m[2])], true
	}
	switch {
	case immediatePattern.MatchString(text):
		return float64(7), true
	case nextMonthPattern.MatchString(text):
		return float64(30), true
	case nextYearPattern.MatchString(text):
		return float64(365), true
	case noRushPattern.MatchString(text):
		return float64(365), true
	}
	return nil, false
}

func parseBool(text string) (any, bool) {
	yes := yesPattern.MatchString(text)
	no := noPattern.MatchString(text)
	switch {
	case yes && !no:
		return true, true
	case no && !yes:
		return false, true
	default:
		return nil, false
	}
}

func matchChoice(text string, options []string) (any, bool) {
	lower := strings.ToLower(text)
	bestAt := -1
	var best string
	for _, opt := range options {
		o := strings.ToLower(opt)
		at := strings.Index(lower, o)
		if at < 0 && len(o) > 4 {
			at = strings.Index(lower, o[:len(o)-1])
		}
		if at >= 0 && (bestAt < 0 || at < bestAt) {
			bestAt, best = at, opt
		}
	}
	if bestAt < 0 {
		return nil, false
	}
	return best, true
}

// coerce normalises a classifier result to the step kind.
func coerce(step Step, v any) (any, bool) {
	switch step.Kind {
	case KindMoney, KindDays:
		f, ok := toFloat(v)
		if !ok || f < 0 {
			return nil, false
		}
		return f, true
	case KindBool:
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			return parseBool(t)
		}
		return nil, false
	case KindChoice:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		return matchChoice(s, step.Options)
	default:
		s := strings.TrimSpace(fmt.Sprint(v))
		if s == "" || v == nil {
			return nil, false
		}
		return s, true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(t), "$"), ",", ""), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// formatMoney renders 245000 as "$245,000".
func formatMoney(v any) string {
	f, ok := toFloat(v)
	if !ok {
		return ""
	}
	n := int64(math.Round(f))
	neg := n < 0
	if neg {
		n = -n
	}
	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}

var templateFuncs = template.FuncMap{
	"money": formatMoney,
}
