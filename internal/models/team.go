package models

import (
	"slices"
	"strings"
	"time"
)

type Strategy string

const (
	StrategySingleResponder   Strategy = "single_responder"
	StrategyHierarchical      Strategy = "hierarchical"
	StrategyParallelExecution Strategy = "parallel_execution"
	StrategyPhasedDelivery    Strategy = "phased_delivery"
	StrategyExploratory       Strategy = "exploratory"
)

var Strategies = []Strategy{
	StrategySingleResponder,
	StrategyHierarchical,
	StrategyParallelExecution,
	StrategyPhasedDelivery,
	StrategyExploratory,
}

// NormalizeStrategy maps free-form oracle output onto the closed strategy
// set. Anything unrecognized becomes hierarchical.
func NormalizeStrategy(raw string) Strategy {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for _, known := range Strategies {
		if Strategy(s) == known {
			return known
		}
	}
	return StrategyHierarchical
}

type RequestAnalysis struct {
	RequestType          string   `json:"request_type"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Complexity           int      `json:"complexity"`
	Strategy             Strategy `json:"strategy"`
	Rationale            string   `json:"rationale"`
}

type Team struct {
	Lead      string    `json:"lead"`
	Members   []string  `json:"members"`
	Strategy  Strategy  `json:"strategy"`
	Rationale string    `json:"rationale,omitempty"`
	FormedAt  time.Time `json:"formed_at"`
}

func (t *Team) HasMember(name string) bool {
	return slices.Contains(t.Members, name)
}

// MembersExcept returns the members in order, skipping name.
func (t *Team) MembersExcept(name string) []string {
	out := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		if m != name {
			out = append(out, m)
		}
	}
	return out
}
