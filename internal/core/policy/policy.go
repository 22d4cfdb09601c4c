// Package policy decides whether an actor may perform a named gateway action.
// The decision logic is deliberately small: a rule table mapping action names
// to the roles allowed to perform them, with default-allow for unnamed
// actions. Richer policy engines plug in behind the Enforcer interface.
package policy

import (
	"fmt"

	"github.com/opsforge/stackgate/internal/core/auth"
	"gopkg.in/yaml.v3"
)

// Enforcer answers whether the actor may perform the named action.
type Enforcer interface {
	Enforce(actor auth.Context, action string) bool
}

// AllowAll permits every action. Used when no rules file is configured.
type AllowAll struct{}

func (AllowAll) Enforce(auth.Context, string) bool { return true }

// DenyAll refuses every action.
type DenyAll struct{}

func (DenyAll) Enforce(auth.Context, string) bool { return false }

// =============================================================================
// RuleSet
// =============================================================================

// RuleSet is a role-based enforcer loaded from a YAML rules file. Each entry
// maps an action name to the roles allowed to perform it; actions without an
// entry are allowed for any authenticated actor.
type RuleSet struct {
	rules map[string][]string
}

// ParseRules decodes a YAML rules document of the form:
//
//	stacks:create: [member, operator]
//	stacks:global_index: [admin]
func ParseRules(raw []byte) (*RuleSet, error) {
	rules := map[string][]string{}
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("invalid policy rules: %w", err)
	}
	return &RuleSet{rules: rules}, nil
}

// Enforce checks the actor's roles against the rule for the action.
func (r *RuleSet) Enforce(actor auth.Context, action string) bool {
	if !actor.Authenticated {
		return false
	}
	roles, ok := r.rules[action]
	if !ok {
		return true
	}
	for _, role := range roles {
		if actor.HasRole(role) {
			return true
		}
	}
	return false
}
