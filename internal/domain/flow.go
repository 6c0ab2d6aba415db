// Package domain holds the value types shared by the routing modules.
package domain

import "strings"

// FlowType names a qualification workflow competing for a contact.
type FlowType string

const (
	FlowSeller FlowType = "seller"
	FlowBuyer  FlowType = "buyer"
	FlowLead   FlowType = "lead"
)

// DefaultFlow handles contacts nobody declared a flow for.
const DefaultFlow = FlowLead

// ParseFlowType normalises user-supplied flow names. Unknown names return false.
func ParseFlowType(raw string) (FlowType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "seller", "sell", "seller_bot":
		return FlowSeller, true
	case "buyer", "buy", "buyer_bot":
		return FlowBuyer, true
	case "lead", "lead_bot", "general":
		return FlowLead, true
	default:
		return "", false
	}
}

// Source tells whether a flow proposal was declared or looked up.
type Source string

const (
	// SourceExplicit means the caller declared the flow directly.
	SourceExplicit Source = "explicit"
	// SourceInferred means the flow came from stored CRM data or a default.
	SourceInferred Source = "inferred"
)

// Temperature is the three-tier readiness classification.
type Temperature string

const (
	TemperatureUnset Temperature = ""
	TemperatureCold  Temperature = "cold"
	TemperatureWarm  Temperature = "warm"
	TemperatureHot   Temperature = "hot"
)

// Rank orders tiers: unset < cold < warm < hot.
func (t Temperature) Rank() int {
	switch t {
	case TemperatureCold:
		return 1
	case TemperatureWarm:
		return 2
	case TemperatureHot:
		return 3
	default:
		return 0
	}
}

// TemperatureFromRank is the inverse of Rank, clamped to cold..hot.
func TemperatureFromRank(rank int) Temperature {
	switch {
	case rank <= 1:
		return TemperatureCold
	case rank == 2:
		return TemperatureWarm
	default:
		return TemperatureHot
	}
}

// ParseTemperature accepts stored values; anything unknown is unset.
func ParseTemperature(raw string) Temperature {
	switch Temperature(strings.ToLower(strings.TrimSpace(raw))) {
	case TemperatureCold:
		return TemperatureCold
	case TemperatureWarm:
		return TemperatureWarm
	case TemperatureHot:
		return TemperatureHot
	default:
		return TemperatureUnset
	}
}
