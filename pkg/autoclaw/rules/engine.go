// Package rules – engine.go runs rules: loads them from SQLite, matches
// triggers, evaluates conditions, and executes action lists in order with
// a fresh permission check before every effect. Every execution attempt,
// matched or not, appends exactly one audit row.
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/actions"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
)

// Engine validates, stores and executes automation rules.
type Engine struct {
	db       *sql.DB
	registry *actions.Registry
	perms    *permission.Manager
	logger   *slog.Logger

	now func() time.Time
}

// NewEngine creates a rule engine over the shared database handle.
func NewEngine(db *sql.DB, registry *actions.Registry, perms *permission.Manager, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:       db,
		registry: registry,
		perms:    perms,
		logger:   logger.With("component", "rules"),
		now:      time.Now,
	}
}

// Validate checks a rule draft without persisting anything.
func (e *Engine) Validate(rule *Rule) ValidationResult {
	return ValidateRule(rule, e.registry)
}

// Create validates and persists a new rule. Invalid drafts are rejected
// before any write.
func (e *Engine) Create(ctx context.Context, rule *Rule) (*Rule, error) {
	if res := e.Validate(rule); !res.Valid {
		return nil, fmt.Errorf("invalid rule: %v", res.Errors)
	}

	rule.ID = uuid.NewString()
	rule.CreatedAt = e.now().UTC()

	triggerJSON, _ := json.Marshal(rule.Trigger)
	conditionsJSON, _ := json.Marshal(rule.Conditions)
	actionsJSON, _ := json.Marshal(rule.Actions)

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO rules (id, user_id, name, trigger, conditions, actions, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.UserID, rule.Name,
		string(triggerJSON), string(conditionsJSON), string(actionsJSON),
		boolInt(rule.Enabled), rule.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}

	e.logger.Info("rule created",
		"id", rule.ID, "user", rule.UserID, "name", rule.Name,
		"trigger", rule.Trigger.Type)
	return rule, nil
}

// Get returns a rule by ID.
func (e *Engine) Get(ctx context.Context, ruleID string) (*Rule, error) {
	r, err := scanRule(e.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, trigger, conditions, actions, enabled, created_at
		FROM rules WHERE id = ?`, ruleID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}
	return r, nil
}

// List returns the user's rules, newest first.
func (e *Engine) List(ctx context.Context, userID string) ([]*Rule, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, user_id, name, trigger, conditions, actions, enabled, created_at
		FROM rules WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	res, err := e.db.ExecContext(ctx,
		"UPDATE rules SET enabled = ? WHERE id = ?", boolInt(enabled), ruleID)
	if err != nil {
		return fmt.Errorf("toggle rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// Execute runs one rule against an invocation. No match returns
// immediately with Matched=false; a match runs every action in order,
// recording each result even when an earlier action failed — the audit
// trail must show which steps ran. Exactly one execution row is appended
// either way.
func (e *Engine) Execute(ctx context.Context, ruleID string, inv Invocation) (*ExecuteResult, error) {
	rule, err := e.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return e.executeRule(ctx, rule, inv)
}

// DispatchEvent executes every enabled event rule of the user whose
// eventType matches the incoming event. Returns one result per rule run.
func (e *Engine) DispatchEvent(ctx context.Context, userID, eventType string, evtContext map[string]any) (map[string]*ExecuteResult, error) {
	ruleList, err := e.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	inv := Invocation{Kind: TriggerEvent, EventType: eventType, Context: evtContext}
	results := make(map[string]*ExecuteResult)
	for _, rule := range ruleList {
		if !rule.Enabled || !MatchTrigger(rule, inv.Kind, inv.EventType) {
			continue
		}
		res, err := e.executeRule(ctx, rule, inv)
		if err != nil {
			// Execution errors are already recorded in the audit row; keep
			// dispatching the remaining rules.
			e.logger.Warn("event rule execution failed",
				"rule", rule.ID, "event", eventType, "error", err)
			continue
		}
		results[rule.ID] = res
	}
	return results, nil
}

// Executions returns the newest audit rows for a rule, up to limit.
func (e *Engine) Executions(ctx context.Context, ruleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, rule_id, user_id, matched, success, result, error, executed_at
		FROM rule_executions WHERE rule_id = ?
		ORDER BY executed_at DESC LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			x                 Execution
			matched, success  int
			result, errField  sql.NullString
			executedAt        string
		)
		if err := rows.Scan(&x.ID, &x.RuleID, &x.UserID, &matched, &success,
			&result, &errField, &executedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		x.Matched = matched != 0
		x.Success = success != 0
		if result.Valid && result.String != "" {
			_ = json.Unmarshal([]byte(result.String), &x.Result)
		}
		x.Error = errField.String
		x.ExecutedAt, _ = time.Parse(time.RFC3339, executedAt)
		out = append(out, &x)
	}
	return out, rows.Err()
}

// ---------- Internal ----------

func (e *Engine) executeRule(ctx context.Context, rule *Rule, inv Invocation) (*ExecuteResult, error) {
	matched := MatchTrigger(rule, inv.Kind, inv.EventType) &&
		EvaluateConditions(rule.Conditions, inv.Context)

	if !matched {
		if err := e.recordExecution(ctx, rule, false, true, nil, ""); err != nil {
			return nil, err
		}
		return &ExecuteResult{Matched: false}, nil
	}

	results := make([]ActionResult, 0, len(rule.Actions))
	success := true
	topError := ""

	for _, spec := range rule.Actions {
		res := e.runAction(ctx, rule.UserID, spec)
		if !res.Success {
			success = false
			if topError == "" && !e.registry.Has(spec.Type) {
				topError = fmt.Sprintf("action kind %q is not registered", spec.Type)
			}
		}
		results = append(results, res)
	}

	if err := e.recordExecution(ctx, rule, true, success, results, topError); err != nil {
		return nil, err
	}

	e.logger.Info("rule executed",
		"rule", rule.ID, "user", rule.UserID,
		"matched", true, "success", success, "actions", len(results))
	return &ExecuteResult{Matched: true, ActionResults: results}, nil
}

// runAction executes one action: resolve handler, re-check permission at
// the moment of use, invoke, and capture the outcome. Failures never
// propagate — they become the action's recorded result.
func (e *Engine) runAction(ctx context.Context, userID string, spec ActionSpec) ActionResult {
	def, ok := e.registry.Definition(spec.Type)
	if !ok {
		return ActionResult{Success: false, Error: fmt.Sprintf("unknown action kind %q", spec.Type)}
	}

	if def.Resource != "" && def.Operation != "" {
		target := permission.CheckScope{}
		if def.PathParam != "" {
			target.Path, _ = spec.Params[def.PathParam].(string)
		}
		if err := e.perms.Require(ctx, userID, def.Resource, def.Operation, target); err != nil {
			return ActionResult{Success: false, Error: err.Error()}
		}
	}

	output, err := e.registry.Invoke(ctx, spec.Type, userID, spec.Params)
	if err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}
	return ActionResult{Success: true, Output: output}
}

func (e *Engine) recordExecution(ctx context.Context, rule *Rule, matched, success bool, results []ActionResult, topError string) error {
	var resultJSON any
	if results != nil {
		b, _ := json.Marshal(results)
		resultJSON = string(b)
	}
	var errField any
	if topError != "" {
		errField = topError
	}

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO rule_executions (id, rule_id, user_id, matched, success, result, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rule.ID, rule.UserID,
		boolInt(matched), boolInt(success),
		resultJSON, errField,
		e.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

func scanRule(row interface{ Scan(...any) error }) (*Rule, error) {
	var (
		r                                      Rule
		triggerJSON, conditionsJSON, actJSON   string
		enabled                                int
		createdAt                              string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &triggerJSON, &conditionsJSON,
		&actJSON, &enabled, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(triggerJSON), &r.Trigger)
	_ = json.Unmarshal([]byte(conditionsJSON), &r.Conditions)
	_ = json.Unmarshal([]byte(actJSON), &r.Actions)
	r.Enabled = enabled != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
