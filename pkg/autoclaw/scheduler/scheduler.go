// Package scheduler implements cron-driven activation of registered
// automation actions. Tasks carry a 5-field cron expression evaluated at
// minute granularity; each tick invokes every due task and records exactly
// one execution row per task regardless of outcome. A failing task never
// aborts the rest of the tick.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/actions"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
)

// cronParser parses the 5-field expressions tasks are stored with.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Task is a persisted scheduled task.
type Task struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Cron      string         `json:"cron"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
}

// Execution is one append-only audit row per task invocation.
type Execution struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// Scheduler loads due tasks each tick and dispatches their actions.
type Scheduler struct {
	db       *sql.DB
	registry *actions.Registry
	perms    *permission.Manager
	logger   *slog.Logger

	// driver is the optional in-process cron driving Tick once a minute.
	driver *cron.Cron

	mu  sync.Mutex
	now func() time.Time
}

// New creates a scheduler over the shared database handle.
func New(db *sql.DB, registry *actions.Registry, perms *permission.Manager, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:       db,
		registry: registry,
		perms:    perms,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Add validates and persists a new task.
func (s *Scheduler) Add(ctx context.Context, task *Task) (*Task, error) {
	if task.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if task.Action == "" {
		return nil, fmt.Errorf("action is required")
	}
	if !s.registry.Has(task.Action) {
		return nil, fmt.Errorf("unknown action kind %q", task.Action)
	}
	if _, err := cronParser.Parse(task.Cron); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", task.Cron, err)
	}

	task.ID = uuid.NewString()
	task.CreatedAt = s.now().UTC()
	paramsJSON, _ := json.Marshal(task.Params)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, user_id, name, action, params, cron, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.Name, task.Action,
		string(paramsJSON), task.Cron, boolInt(task.Enabled),
		task.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	s.logger.Info("task added",
		"id", task.ID, "name", task.Name,
		"action", task.Action, "cron", task.Cron)
	return task, nil
}

// Remove deletes a task by ID.
func (s *Scheduler) Remove(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q not found", taskID)
	}
	s.logger.Info("task removed", "id", taskID)
	return nil
}

// List returns all tasks, or only a user's tasks when userID is set.
func (s *Scheduler) List(ctx context.Context, userID string) ([]*Task, error) {
	query := `
		SELECT id, user_id, name, action, params, cron, enabled, created_at
		FROM scheduled_tasks`
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetEnabled toggles a task.
func (s *Scheduler) SetEnabled(ctx context.Context, taskID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET enabled = ? WHERE id = ?", boolInt(enabled), taskID)
	if err != nil {
		return fmt.Errorf("toggle task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q not found", taskID)
	}
	return nil
}

// Tick evaluates all enabled tasks against now and runs the due ones.
// Best effort across the batch: one task's failure is recorded and the
// remaining due tasks still run. Concurrent ticks for the same task are
// assumed externally serialized (single cron driver).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	tasks, err := s.enabledTasks(ctx)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		due, err := Due(task.Cron, now)
		if err != nil {
			s.logger.Warn("task has invalid cron expression, skipping",
				"id", task.ID, "cron", task.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.runTask(ctx, task)
	}
	return nil
}

// Due reports whether a 5-field cron expression fires at the given
// instant, at minute granularity.
func Due(expr string, now time.Time) (bool, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return false, err
	}
	minute := now.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// Executions returns the newest audit rows for a task, up to limit.
func (s *Scheduler) Executions(ctx context.Context, taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, success, result, error, executed_at
		FROM task_executions WHERE task_id = ?
		ORDER BY executed_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			x                Execution
			success          int
			result, errField sql.NullString
			executedAt       string
		)
		if err := rows.Scan(&x.ID, &x.TaskID, &x.UserID, &success,
			&result, &errField, &executedAt); err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
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

// Start registers an in-process per-minute driver calling Tick. External
// timers may instead invoke Tick directly; Start is a convenience for
// single-binary deployments.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.driver = cron.New(cron.WithParser(cronParser))
	_, err := s.driver.AddFunc("* * * * *", func() {
		if err := s.Tick(ctx, s.now()); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	})
	if err != nil {
		s.driver = nil
		return fmt.Errorf("register tick driver: %w", err)
	}

	s.driver.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop shuts the in-process driver down, waiting briefly for an in-flight
// tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	driver := s.driver
	s.driver = nil
	s.mu.Unlock()

	if driver == nil {
		return
	}
	stopCtx := driver.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// ---------- Internal ----------

// runTask executes one due task and appends its execution row. Panics are
// recovered so one bad action handler doesn't take down the tick loop.
func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	var (
		output map[string]any
		runErr error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
				s.logger.Error("scheduled task panicked", "id", task.ID, "panic", r)
			}
		}()

		if def, ok := s.registry.Definition(task.Action); ok && def.Resource != "" && def.Operation != "" {
			target := permission.CheckScope{}
			if def.PathParam != "" {
				target.Path, _ = task.Params[def.PathParam].(string)
			}
			if err := s.perms.Require(ctx, task.UserID, def.Resource, def.Operation, target); err != nil {
				runErr = err
				return
			}
		}

		output, runErr = s.registry.Invoke(ctx, task.Action, task.UserID, task.Params)
	}()

	if err := s.recordExecution(ctx, task, output, runErr); err != nil {
		s.logger.Error("failed to record task execution", "id", task.ID, "error", err)
	}

	if runErr != nil {
		s.logger.Error("scheduled task failed", "id", task.ID, "action", task.Action, "error", runErr)
	} else {
		s.logger.Info("scheduled task completed", "id", task.ID, "action", task.Action)
	}
}

func (s *Scheduler) recordExecution(ctx context.Context, task *Task, output map[string]any, runErr error) error {
	var resultJSON any
	if output != nil {
		b, _ := json.Marshal(output)
		resultJSON = string(b)
	}
	var errField any
	if runErr != nil {
		errField = runErr.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, task_id, user_id, success, result, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), task.ID, task.UserID,
		boolInt(runErr == nil), resultJSON, errField,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert task execution: %w", err)
	}
	return nil
}

func (s *Scheduler) enabledTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, action, params, cron, enabled, created_at
		FROM scheduled_tasks WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("load enabled tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t          Task
		paramsJSON string
		enabled    int
		createdAt  string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Action,
		&paramsJSON, &t.Cron, &enabled, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(paramsJSON), &t.Params)
	t.Enabled = enabled != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
