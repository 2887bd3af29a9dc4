// Package rules implements the automation rule engine: trigger matching,
// condition evaluation, and ordered, permission-gated action execution
// with an append-only audit trail.
package rules

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"
)

// ErrNotFound indicates an unknown rule ID.
var ErrNotFound = errors.New("rule not found")

// Trigger types.
const (
	TriggerManual = "manual"
	TriggerEvent  = "event"
)

// Condition types.
const (
	CondExists = "exists"
	CondEquals = "equals"
)

// Trigger describes what activates a rule.
type Trigger struct {
	// Type is "manual" or "event".
	Type string `json:"type"`

	// EventType is required for event triggers and matched by exact
	// string equality against incoming events.
	EventType string `json:"eventType,omitempty"`
}

// Condition is a predicate over the execution context. All of a rule's
// conditions must hold for the rule to match.
type Condition struct {
	// Type is "exists" or "equals".
	Type string `json:"type"`

	// Path is a dotted lookup into the execution context, e.g. "event.type".
	Path string `json:"path"`

	// Value is the comparison value for "equals".
	Value any `json:"value,omitempty"`
}

// ActionSpec names a registered action kind with its parameters. Order in
// the rule's action list is significant: later actions see the side
// effects of earlier ones.
type ActionSpec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Rule is a persisted automation rule.
type Rule struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	Name       string       `json:"name"`
	Trigger    Trigger      `json:"trigger"`
	Conditions []Condition  `json:"conditions"`
	Actions    []ActionSpec `json:"actions"`
	Enabled    bool         `json:"enabled"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ActionResult records one action's outcome within an execution.
type ActionResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Execution is one append-only audit row. Success is the conjunction of
// all action results, vacuously true when no actions ran.
type Execution struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"rule_id"`
	UserID     string         `json:"user_id"`
	Matched    bool           `json:"matched"`
	Success    bool           `json:"success"`
	Result     []ActionResult `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// Invocation describes how a rule execution was triggered.
type Invocation struct {
	// Kind is "manual" or "event".
	Kind string

	// EventType is the incoming event's type for event invocations.
	EventType string

	// Context is the execution context conditions are evaluated against.
	Context map[string]any
}

// ExecuteResult is returned by Engine.Execute.
type ExecuteResult struct {
	Matched       bool           `json:"matched"`
	ActionResults []ActionResult `json:"actionResults,omitempty"`
}

// MatchTrigger reports whether a rule's trigger matches the invocation.
// Manual rules match only direct manual invocation; event rules match only
// an event whose type equals the configured one exactly.
func MatchTrigger(rule *Rule, invocationKind, eventType string) bool {
	switch rule.Trigger.Type {
	case TriggerManual:
		return invocationKind == TriggerManual
	case TriggerEvent:
		return invocationKind == TriggerEvent && eventType == rule.Trigger.EventType
	default:
		return false
	}
}

// EvaluateConditions reports whether every condition holds against the
// context. An empty condition list matches unconditionally.
func EvaluateConditions(conditions []Condition, context map[string]any) bool {
	for _, c := range conditions {
		if !evaluateCondition(c, context) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, context map[string]any) bool {
	value, found := LookupPath(context, c.Path)
	switch c.Type {
	case CondExists:
		// Absence-only semantics: a present key holding JSON null still exists.
		return found
	case CondEquals:
		return found && jsonEqual(value, c.Value)
	default:
		return false
	}
}

// LookupPath resolves a dotted path against nested maps. Returns the value
// and whether the full path was present.
func LookupPath(context map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = context
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// jsonEqual compares two values after JSON normalization so that 1 and
// float64(1) or equivalent nested structures compare equal the way they
// would arriving off the wire.
func jsonEqual(a, b any) bool {
	na, err1 := normalize(a)
	nb, err2 := normalize(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
