// Package rules – validate.go checks rule drafts before persistence.
// Triggers, conditions and actions are closed tagged unions: unknown
// discriminants are rejected here, never discovered at execution time.
package rules

import (
	"fmt"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/actions"
)

// ValidationResult aggregates every shape error found in a draft.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateRule checks a rule draft against the closed trigger/condition
// sets and the registry's per-kind action schemas. It collects all errors
// rather than stopping at the first.
func ValidateRule(rule *Rule, registry *actions.Registry) ValidationResult {
	var errs []string

	if rule.Name == "" {
		errs = append(errs, "name is required")
	}
	if rule.UserID == "" {
		errs = append(errs, "userId is required")
	}

	switch rule.Trigger.Type {
	case TriggerManual:
		if rule.Trigger.EventType != "" {
			errs = append(errs, "manual trigger must not set eventType")
		}
	case TriggerEvent:
		if rule.Trigger.EventType == "" {
			errs = append(errs, "event trigger requires eventType")
		}
	case "":
		errs = append(errs, "trigger type is required")
	default:
		errs = append(errs, fmt.Sprintf("unknown trigger type %q", rule.Trigger.Type))
	}

	for i, c := range rule.Conditions {
		switch c.Type {
		case CondExists, CondEquals:
			// known
		case "":
			errs = append(errs, fmt.Sprintf("condition %d: type is required", i))
		default:
			errs = append(errs, fmt.Sprintf("condition %d: unknown type %q", i, c.Type))
		}
		if c.Path == "" {
			errs = append(errs, fmt.Sprintf("condition %d: path is required", i))
		}
	}

	for i, a := range rule.Actions {
		if a.Type == "" {
			errs = append(errs, fmt.Sprintf("action %d: type is required", i))
			continue
		}
		if !registry.Has(a.Type) {
			errs = append(errs, fmt.Sprintf("action %d: unknown action kind %q", i, a.Type))
			continue
		}
		if err := registry.ValidateParams(a.Type, a.Params); err != nil {
			errs = append(errs, fmt.Sprintf("action %d: %v", i, err))
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
