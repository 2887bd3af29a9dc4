// Package actions manages the registry of callable automation actions and
// dispatches invocations to their handlers. Actions are registered by kind
// name (e.g. "files.write") with a JSON Schema describing their parameters;
// rule validation checks action specs against these schemas before a rule
// is ever persisted.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes one action invocation on behalf of a user.
// Params have already passed schema validation at rule-creation time, but
// handlers must still re-check permissions at the moment of use.
type Handler func(ctx context.Context, userID string, params map[string]any) (map[string]any, error)

// Definition describes a registered action kind.
type Definition struct {
	// Kind is the action name, e.g. "files.read".
	Kind string

	// Description is a human-readable summary for listings.
	Description string

	// Resource and Operation name the permission this action requires
	// (checked as resource:operation, e.g. files:read).
	Resource  string
	Operation string

	// PathParam names the parameter carrying a file path, if the action
	// targets one. Used to build the permission check scope.
	PathParam string

	// Params is the JSON Schema for the action's parameters.
	Params map[string]any
}

// registeredAction bundles a definition with its handler and compiled schema.
type registeredAction struct {
	def     Definition
	handler Handler
	schema  *jsonschema.Schema
}

// Registry maps action kinds to handlers.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*registeredAction
	logger  *slog.Logger
}

// NewRegistry creates an empty action registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actions: make(map[string]*registeredAction),
		logger:  logger.With("component", "actions"),
	}
}

// Register adds an action kind. The params schema is compiled eagerly so a
// bad schema fails at startup, not at validation time. Re-registering a
// kind overwrites it.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Kind == "" {
		return fmt.Errorf("action kind is required")
	}
	if handler == nil {
		return fmt.Errorf("action %q: handler is required", def.Kind)
	}

	schema, err := compileSchema(def.Kind, def.Params)
	if err != nil {
		return fmt.Errorf("action %q: %w", def.Kind, err)
	}

	r.mu.Lock()
	r.actions[def.Kind] = &registeredAction{def: def, handler: handler, schema: schema}
	r.mu.Unlock()

	r.logger.Debug("action registered", "kind", def.Kind)
	return nil
}

// Has reports whether an action kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[kind]
	return ok
}

// Definition returns the definition for a kind.
func (r *Registry) Definition(kind string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[kind]
	if !ok {
		return Definition{}, false
	}
	return a.def, true
}

// Kinds returns all registered action kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	return kinds
}

// ValidateParams checks params against the kind's schema.
func (r *Registry) ValidateParams(kind string, params map[string]any) error {
	r.mu.RLock()
	a, ok := r.actions[kind]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown action kind %q", kind)
	}
	if a.schema == nil {
		return nil
	}

	// Round-trip through JSON so typed values (int vs float64) normalize
	// the same way they would coming off the wire.
	normalized, err := normalizeParams(params)
	if err != nil {
		return fmt.Errorf("action %q: normalize params: %w", kind, err)
	}
	if err := a.schema.Validate(normalized); err != nil {
		return fmt.Errorf("action %q: invalid params: %w", kind, err)
	}
	return nil
}

// Invoke dispatches a single action invocation to its handler.
func (r *Registry) Invoke(ctx context.Context, kind, userID string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	a, ok := r.actions[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}

	out, err := a.handler(ctx, userID, params)
	if err != nil {
		r.logger.Warn("action failed", "kind", kind, "user", userID, "error", err)
		return nil, err
	}
	r.logger.Debug("action executed", "kind", kind, "user", userID)
	return out, nil
}

// ---------- Internal ----------

func compileSchema(kind string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	id := "inmemory://actions/" + kind
	if err := compiler.AddResource(id, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func normalizeParams(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
