package scoring

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Rule maps a violation type to the number of points it subtracts from a
// device's security score.
type Rule struct {
	ViolationType string `yaml:"violation_type"`
	Weight        int    `yaml:"weight"`
}

// Policy aggregates recent security violations into a 0–100 device score.
type Policy struct {
	Rules         []Rule `yaml:"rules"`
	DefaultWeight int    `yaml:"default_weight"`
}

// DefaultPolicy weights the violation types the authenticator emits.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: []Rule{
			{ViolationType: "invalid_signature", Weight: 15},
			{ViolationType: "timestamp_expired", Weight: 5},
			{ViolationType: "auth_headers_missing", Weight: 3},
			{ViolationType: "banned_device_attempt", Weight: 25},
			{ViolationType: "duplicate_task_report", Weight: 1},
		},
		DefaultWeight: 5,
	}
}

// LoadPolicy reads a policy file, falling back to defaults when absent.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, err
	}
	pol := DefaultPolicy()
	if err := yaml.Unmarshal(data, pol); err != nil {
		return nil, err
	}
	return pol, nil
}

// Score computes 100 minus the weighted sum of violation counts, floored at
// zero. counts is keyed by violation type.
func (p *Policy) Score(counts map[string]int) int {
	score := 100
	for vtype, n := range counts {
		score -= p.weight(vtype) * n
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (p *Policy) weight(violationType string) int {
	for _, r := range p.Rules {
		if r.ViolationType == violationType {
			return r.Weight
		}
	}
	return p.DefaultWeight
}
