package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"warden/pkg/protocol"
)

// Approval timing defaults applied when the policy table omits them.
const (
	DefaultApprovalDeadline = 24 * time.Hour
	DefaultApprovalExpiry   = 7 * 24 * time.Hour
)

// Policy is the policy.yaml structure: per event kind, whether execution
// needs human approval and on what schedule.
type Policy struct {
	Kinds map[protocol.EventKind]KindPolicy `yaml:"kinds"`
}

// KindPolicy holds the approval requirements for one event kind.
type KindPolicy struct {
	Sensitive        bool               `yaml:"sensitive"`
	RiskLevel        protocol.RiskLevel `yaml:"risk_level,omitempty"`
	ApprovalDeadline Duration           `yaml:"approval_deadline,omitempty"`
	ApprovalExpiry   Duration           `yaml:"approval_expiry,omitempty"`
	Executor         string             `yaml:"executor,omitempty"` // command run by the retry loop
	ExecutorArgs     []string           `yaml:"executor_args,omitempty"`
}

// LoadPolicy reads and parses policy.yaml at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // policy path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy bytes, applies defaults, and validates the
// deadline-before-expiry invariant.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if p.Kinds == nil {
		p.Kinds = make(map[protocol.EventKind]KindPolicy)
	}

	for kind, kp := range p.Kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("policy for unknown event kind %q", kind)
		}
		if kp.Sensitive {
			if kp.RiskLevel == "" {
				kp.RiskLevel = protocol.RiskModerate
			}
			if kp.ApprovalDeadline == 0 {
				kp.ApprovalDeadline = Duration(DefaultApprovalDeadline)
			}
			if kp.ApprovalExpiry == 0 {
				kp.ApprovalExpiry = Duration(DefaultApprovalExpiry)
			}
			if kp.ApprovalDeadline >= kp.ApprovalExpiry {
				return nil, fmt.Errorf("kind %s: approval_deadline %s must be before approval_expiry %s",
					kind, kp.ApprovalDeadline.Std(), kp.ApprovalExpiry.Std())
			}
		}
		p.Kinds[kind] = kp
	}

	return &p, nil
}

// For returns the policy for kind. Kinds absent from the table default to
// non-sensitive: an unknown kind never auto-executes a gated action because
// gating is declared per kind, and detectors only emit declared kinds.
func (p *Policy) For(kind protocol.EventKind) KindPolicy {
	if kp, ok := p.Kinds[kind]; ok {
		return kp
	}
	return KindPolicy{Sensitive: false}
}
