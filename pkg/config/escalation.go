package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crewline-ai/crewline/core/pkg/approval"
)

// EscalationRules is the on-disk shape of the routing configuration.
type EscalationRules struct {
	DefaultChannel string               `yaml:"default_channel"`
	Rules          []approval.RouteRule `yaml:"rules"`
}

// DefaultEscalationRules is the shipped routing policy: urgent or
// policy-violating work goes to the escalations channel, everything else to
// the normal approvals channel. Operators override this via the rules file.
func DefaultEscalationRules() EscalationRules {
	return EscalationRules{
		DefaultChannel: "approvals",
		Rules: []approval.RouteRule{
			{
				Name:    "urgent",
				Channel: "escalations",
				Expr:    `priority == "URGENT" || escalation_reason == "POLICY_VIOLATION"`,
			},
		},
	}
}

// LoadEscalationRules reads the routing rules YAML. An empty path returns
// the defaults.
func LoadEscalationRules(path string) (EscalationRules, error) {
	if path == "" {
		return DefaultEscalationRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return EscalationRules{}, fmt.Errorf("read escalation rules: %w", err)
	}
	var rules EscalationRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return EscalationRules{}, fmt.Errorf("parse escalation rules: %w", err)
	}
	if rules.DefaultChannel == "" {
		rules.DefaultChannel = "approvals"
	}
	return rules, nil
}
