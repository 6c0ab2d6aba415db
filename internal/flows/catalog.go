// Package flows runs the qualification workflows: the step catalog, field
// extraction, temperature scoring and reply generation with a scripted
// fallback.
package flows

import (
	_ "embed"
	"fmt"
	"text/template"

	"lead_router_backend/internal/domain"

	"gopkg.in/yaml.v3"
)

//go:embed definitions.yaml
var definitionsYAML []byte

// FieldKind selects the extraction rules for a step.
type FieldKind string

const (
	KindText   FieldKind = "text"
	KindMoney  FieldKind = "money"
	KindDays   FieldKind = "days"
	KindBool   FieldKind = "bool"
	KindChoice FieldKind = "choice"
)

// Step is one question of a flow.
type Step struct {
	Field    string    `yaml:"field"`
	Kind     FieldKind `yaml:"kind"`
	Options  []string  `yaml:"options"`
	CRMField string    `yaml:"crm_field"`
	Question string    `yaml:"question"`
	Prompt   string    `yaml:"prompt"`
	Retry    string    `yaml:"retry"`
}

// CRMKey is the CRM custom field the step's answer is written to.
func (s Step) CRMKey() string {
	if s.CRMField != "" {
		return s.CRMField
	}
	return s.Field
}

// Completion is sent once all steps are done.
type Completion struct {
	Prompt   string `yaml:"prompt"`
	Fallback string `yaml:"fallback"`
	FollowUp string `yaml:"follow_up"`

	fallback *template.Template
}

// ComputedValue derives a deterministic number from an extracted field.
type ComputedValue struct {
	Name    string  `yaml:"name"`
	From    string  `yaml:"from"`
	Percent float64 `yaml:"percent"`
}

// ScoringRule adds Points when Field matches every condition set. Fields
// must be answered unless Present is false, which scores an unanswered field.
type ScoringRule struct {
	Field   string   `yaml:"field"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Equals  string   `yaml:"equals"`
	Present *bool    `yaml:"present"`
	Points  int      `yaml:"points"`
}

// Scoring is the per-flow temperature score definition.
type Scoring struct {
	Base  int           `yaml:"base"`
	Rules []ScoringRule `yaml:"rules"`
}

// Tags maps temperature tiers to CRM tag names.
type Tags struct {
	Hot  string `yaml:"hot"`
	Warm string `yaml:"warm"`
	Cold string `yaml:"cold"`
}

// For returns the tag for a tier, empty for unset.
func (t Tags) For(temp domain.Temperature) string {
	switch temp {
	case domain.TemperatureHot:
		return t.Hot
	case domain.TemperatureWarm:
		return t.Warm
	case domain.TemperatureCold:
		return t.Cold
	default:
		return ""
	}
}

// Definition is a complete flow.
type Definition struct {
	Type       domain.FlowType `yaml:"type"`
	Clarify    string          `yaml:"clarify"`
	Steps      []Step          `yaml:"steps"`
	Completion Completion      `yaml:"completion"`
	Computed   []ComputedValue `yaml:"computed"`
	Scoring    Scoring         `yaml:"scoring"`
	Tags       Tags            `yaml:"tags"`
}

// Thresholds configures tier boundaries.
type Thresholds struct {
	Hot             int `yaml:"hot"`
	Warm            int `yaml:"warm"`
	Margin          int `yaml:"margin"`
	ReadinessWindow int `yaml:"readiness_window"`
}

// Catalog holds every known flow.
type Catalog struct {
	Thresholds Thresholds
	flows      map[domain.FlowType]*Definition
	order      []domain.FlowType
}

type catalogFile struct {
	Thresholds Thresholds    `yaml:"thresholds"`
	Flows      []*Definition `yaml:"flows"`
}

// LoadCatalog parses the embedded flow definitions.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(definitionsYAML)
}

// ParseCatalog parses and validates a flow definition document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse flow catalog: %w", err)
	}

	th := file.Thresholds
	if th.Hot <= th.Warm || th.Warm <= 0 || th.Margin < 0 {
		return nil, fmt.Errorf("flow catalog: invalid thresholds %+v", th)
	}

	c := &Catalog{Thresholds: th, flows: make(map[domain.FlowType]*Definition, len(file.Flows))}
	for _, def := range file.Flows {
		if _, ok := domain.ParseFlowType(string(def.Type)); !ok {
			return nil, fmt.Errorf("flow catalog: unknown flow type %q", def.Type)
		}
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("flow catalog: %s has no steps", def.Type)
		}
		if _, dup := c.flows[def.Type]; dup {
			return nil, fmt.Errorf("flow catalog: duplicate flow %s", def.Type)
		}
		for i, step := range def.Steps {
			if step.Field == "" || step.Question == "" {
				return nil, fmt.Errorf("flow catalog: %s step %d needs field and question", def.Type, i)
			}
			if step.Kind == KindChoice && len(step.Options) == 0 {
				return nil, fmt.Errorf("flow catalog: %s step %s has no options", def.Type, step.Field)
			}
		}

		tpl, err := template.New(string(def.Type)).Funcs(templateFuncs).Option("missingkey=zero").Parse(def.Completion.Fallback)
		if err != nil {
			return nil, fmt.Errorf("flow catalog: %s completion template: %w", def.Type, err)
		}
		def.Completion.fallback = tpl

		c.flows[def.Type] = def
		c.order = append(c.order, def.Type)
	}

	if _, ok := c.flows[domain.DefaultFlow]; !ok {
		return nil, fmt.Errorf("flow catalog: default flow %s missing", domain.DefaultFlow)
	}
	return c, nil
}

// Get returns the flow definition for t.
func (c *Catalog) Get(t domain.FlowType) (*Definition, bool) {
	def, ok := c.flows[t]
	return def, ok
}

// Types lists flow types in catalog order.
func (c *Catalog) Types() []domain.FlowType {
	return append([]domain.FlowType(nil), c.order...)
}

// Compute derives the flow's deterministic values from extracted fields.
// Values whose source field is missing or unanswered are omitted.
func (d *Definition) Compute(fields map[string]any) map[string]any {
	out := make(map[string]any, len(d.Computed))
	for _, cv := range d.Computed {
		base, ok := toFloat(fields[cv.From])
		if !ok {
			continue
		}
		out[cv.Name] = base * cv.Percent / 100
	}
	return out
}
