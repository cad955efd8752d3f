package matrix

import (
	"fmt"

	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/mode"
)

// Context carries the facts a rule may condition on beyond the reason code
// itself. It is supplied by the caller; the matrix holds no state of its own.
type Context struct {
	// Consecutive is the current run length of identical reason codes from the
	// same source, as counted by the state service.
	Consecutive int
}

// Decision is the outcome of one matrix lookup.
type Decision struct {
	Target     mode.SystemMode
	ModeChange bool   // false when the rule is warning-only or below its consecutive gate
	Rule       string // reason code of the matched rule, for audit
}

// Matrix maps (reason code, context) to a target mode. It is a pure function
// of its configuration; identical inputs always yield identical decisions.
type Matrix struct {
	rules map[events.ReasonCode]compiledRule
}

type compiledRule struct {
	target         mode.SystemMode
	modeChange     bool
	minConsecutive int
}

// New compiles a matrix from configuration. Every reason code the control
// plane can emit must have a rule; unknown target names are rejected.
func New(cfg config.MatrixConfig) (*Matrix, error) {
	rules := make(map[events.ReasonCode]compiledRule, len(cfg.Rules))
	for reason, rule := range cfg.Rules {
		cr := compiledRule{minConsecutive: rule.MinConsecutive}
		if cr.minConsecutive < 1 {
			cr.minConsecutive = 1
		}
		if rule.Target != "" {
			target, ok := mode.ParseMode(rule.Target)
			if !ok {
				return nil, fmt.Errorf("matrix: rule %s targets unknown mode %q", reason, rule.Target)
			}
			cr.target = target
			cr.modeChange = true
		}
		rules[events.ReasonCode(reason)] = cr
	}
	return &Matrix{rules: rules}, nil
}

// Decide returns the target mode for a reason code under the given context.
// A reason with no configured rule is treated as warning-only; silence must
// never escalate or heal on its own.
func (m *Matrix) Decide(reason events.ReasonCode, ctx Context) Decision {
	rule, ok := m.rules[reason]
	if !ok {
		return Decision{Rule: string(reason)}
	}
	if !rule.modeChange {
		return Decision{Rule: string(reason)}
	}
	consecutive := ctx.Consecutive
	if consecutive < 1 {
		consecutive = 1
	}
	if consecutive < rule.minConsecutive {
		return Decision{Rule: string(reason)}
	}
	return Decision{Target: rule.target, ModeChange: true, Rule: string(reason)}
}

// HasRule reports whether a reason code has any configured rule. Used by
// config validation surfaces.
func (m *Matrix) HasRule(reason events.ReasonCode) bool {
	_, ok := m.rules[reason]
	return ok
}
