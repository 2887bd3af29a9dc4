// Package mission implements the self-improvement flow: a user states an
// objective over a set of workspace files, the model proposes concrete file
// changes, and the changes are applied only if the files on disk still match
// the content the proposal was computed against (sha256-pinned writes).
//
// Every filesystem touch goes through the permission manager: a mission with
// no files:read cover pauses and raises a permission request instead of
// reading anything.
package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/actions"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/toolcall"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/workspace"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the mission ID does not exist.
	ErrNotFound = errors.New("mission not found")

	// ErrConflict indicates at least one file changed on disk between
	// proposal and apply; the conflicting files were not written.
	ErrConflict = errors.New("mission file conflict")
)

// Mission statuses. paused → proposing may repeat after a grant; all other
// transitions are one-directional.
const (
	StatusPaused    = "paused"
	StatusProposing = "proposing"
	StatusProposed  = "proposed"
	StatusApplying  = "applying"
	StatusApplied   = "applied"
	StatusFailed    = "failed"
)

// FileChange is one proposed file edit, pinned to the content hash the
// proposal was computed against. An empty ExpectedOldSha256 means the file
// did not exist at proposal time.
type FileChange struct {
	Path              string `json:"path"`
	ExpectedOldSha256 string `json:"expected_old_sha256"`
	NewContent        string `json:"new_content"`
	Reason            string `json:"reason,omitempty"`
}

// Verification lists the commands that check a change took effect.
type Verification struct {
	Commands []string `json:"commands,omitempty"`
}

// Proposal is the model's suggested change set.
type Proposal struct {
	Summary      string       `json:"summary"`
	Risks        []string     `json:"risks,omitempty"`
	Files        []FileChange `json:"files"`
	Verification Verification `json:"verification"`
}

// Mission is one self-improvement run.
type Mission struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Objective   string    `json:"objective"`
	TargetPaths []string  `json:"target_paths"`
	Status      string    `json:"status"`
	Proposal    *Proposal `json:"proposal,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// PendingRequest is set when Start paused the mission awaiting a
	// files:read grant. Not persisted with the mission row.
	PendingRequest *permission.Request `json:"pending_request,omitempty"`
}

// ApplyResult reports which files were written and which conflicted.
type ApplyResult struct {
	Applied   []string `json:"applied"`
	Conflicts []string `json:"conflicts"`
}

// Completer is the single model capability the mission flow needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// Manager drives missions end to end.
type Manager struct {
	db        *sql.DB
	registry  *actions.Registry
	perms     *permission.Manager
	fs        *workspace.FS
	completer Completer
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a mission manager over the shared database handle.
func NewManager(db *sql.DB, registry *actions.Registry, perms *permission.Manager, fs *workspace.FS, completer Completer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:        db,
		registry:  registry,
		perms:     perms,
		fs:        fs,
		completer: completer,
		logger:    logger.With("component", "mission"),
		now:       time.Now,
	}
}

// Start begins a mission over the given target paths. Without files:read
// cover for every path the mission is persisted paused with a pending
// permission request attached; with cover it reads the targets, asks the
// model for a proposal, pins content hashes, and lands in status proposed.
func (m *Manager) Start(ctx context.Context, userID, objective string, targetPaths []string) (*Mission, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if strings.TrimSpace(objective) == "" {
		return nil, fmt.Errorf("objective is required")
	}
	if len(targetPaths) == 0 {
		return nil, fmt.Errorf("at least one target path is required")
	}

	mission := &Mission{
		ID:          uuid.NewString(),
		UserID:      userID,
		Objective:   objective,
		TargetPaths: targetPaths,
		CreatedAt:   m.now().UTC(),
	}

	covered, err := m.perms.CheckPaths(ctx, userID, actions.ResourceFiles, "read", targetPaths)
	if err != nil {
		return nil, fmt.Errorf("checking read cover: %w", err)
	}

	if !covered {
		req, err := m.perms.Request(ctx, userID, actions.ResourceFiles,
			[]string{"read"},
			permission.Scope{AllowedPaths: targetPaths},
			"mission: "+objective)
		if err != nil {
			return nil, fmt.Errorf("raising permission request: %w", err)
		}

		mission.Status = StatusPaused
		if err := m.insert(ctx, mission); err != nil {
			return nil, err
		}
		mission.PendingRequest = req
		m.logger.Info("mission paused awaiting grant",
			"id", mission.ID, "user_id", userID, "request_id", req.ID)
		return mission, nil
	}

	mission.Status = StatusProposing
	if err := m.insert(ctx, mission); err != nil {
		return nil, err
	}

	if err := m.propose(ctx, mission); err != nil {
		mission.Status = StatusFailed
		mission.Error = err.Error()
		if uerr := m.update(ctx, mission); uerr != nil {
			m.logger.Error("failed to persist mission failure", "id", mission.ID, "error", uerr)
		}
		return mission, err
	}

	mission.Status = StatusProposed
	if err := m.update(ctx, mission); err != nil {
		return nil, err
	}
	m.logger.Info("mission proposed",
		"id", mission.ID, "files", len(mission.Proposal.Files))
	return mission, nil
}

// Resume retries a paused mission after a grant. It runs the same cover
// check as Start; still-missing cover leaves the mission paused.
func (m *Manager) Resume(ctx context.Context, missionID string) (*Mission, error) {
	mission, err := m.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if mission.Status != StatusPaused {
		return nil, fmt.Errorf("mission %q is %s, not paused", missionID, mission.Status)
	}

	covered, err := m.perms.CheckPaths(ctx, mission.UserID, actions.ResourceFiles, "read", mission.TargetPaths)
	if err != nil {
		return nil, fmt.Errorf("checking read cover: %w", err)
	}
	if !covered {
		return mission, permission.ErrPermissionDenied
	}

	mission.Status = StatusProposing
	if err := m.update(ctx, mission); err != nil {
		return nil, err
	}

	if err := m.propose(ctx, mission); err != nil {
		mission.Status = StatusFailed
		mission.Error = err.Error()
		if uerr := m.update(ctx, mission); uerr != nil {
			m.logger.Error("failed to persist mission failure", "id", mission.ID, "error", uerr)
		}
		return mission, err
	}

	mission.Status = StatusProposed
	if err := m.update(ctx, mission); err != nil {
		return nil, err
	}
	return mission, nil
}

// Apply writes out a proposed mission's file changes. Missing files:write
// cover raises an idempotent permission request and returns
// ErrPermissionDenied. A file whose on-disk content no longer hashes to the
// pinned value is reported as a conflict and left untouched; the remaining
// files are still written. The mission lands in status applied only when
// every file was written cleanly.
func (m *Manager) Apply(ctx context.Context, missionID string) (*ApplyResult, error) {
	mission, err := m.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if mission.Status != StatusProposed {
		return nil, fmt.Errorf("mission %q is %s, not proposed", missionID, mission.Status)
	}
	if mission.Proposal == nil || len(mission.Proposal.Files) == 0 {
		return nil, fmt.Errorf("mission %q has no proposed changes", missionID)
	}

	paths := make([]string, 0, len(mission.Proposal.Files))
	for _, fc := range mission.Proposal.Files {
		paths = append(paths, fc.Path)
	}
	covered, err := m.perms.CheckPaths(ctx, mission.UserID, actions.ResourceFiles, "write", paths)
	if err != nil {
		return nil, fmt.Errorf("checking write cover: %w", err)
	}
	if !covered {
		req, rerr := m.perms.Request(ctx, mission.UserID, actions.ResourceFiles,
			[]string{"write"},
			permission.Scope{AllowedPaths: paths},
			"mission apply: "+mission.Objective)
		if rerr != nil {
			return nil, fmt.Errorf("raising permission request: %w", rerr)
		}
		m.logger.Info("mission apply awaiting write grant",
			"id", mission.ID, "request_id", req.ID)
		return nil, fmt.Errorf("applying mission %q: %w", missionID, permission.ErrPermissionDenied)
	}

	mission.Status = StatusApplying
	if err := m.update(ctx, mission); err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	var writeErrs []string
	for _, fc := range mission.Proposal.Files {
		liveHash := ""
		if data, err := m.fs.Read(fc.Path); err == nil {
			liveHash = workspace.HashBytes(data)
		}
		if liveHash != fc.ExpectedOldSha256 {
			result.Conflicts = append(result.Conflicts, fc.Path)
			m.logger.Warn("mission file conflict, skipping write",
				"id", mission.ID, "path", fc.Path)
			continue
		}

		_, err := m.registry.Invoke(ctx, actions.KindFilesWrite, mission.UserID, map[string]any{
			"path":    fc.Path,
			"content": fc.NewContent,
		})
		if err != nil {
			writeErrs = append(writeErrs, fmt.Sprintf("%s: %v", fc.Path, err))
			m.logger.Error("mission file write failed",
				"id", mission.ID, "path", fc.Path, "error", err)
			continue
		}
		result.Applied = append(result.Applied, fc.Path)
	}

	if len(result.Conflicts) == 0 && len(writeErrs) == 0 {
		mission.Status = StatusApplied
	} else {
		mission.Status = StatusFailed
		var parts []string
		if len(result.Conflicts) > 0 {
			parts = append(parts, fmt.Sprintf("%d conflict(s): %s",
				len(result.Conflicts), strings.Join(result.Conflicts, ", ")))
		}
		parts = append(parts, writeErrs...)
		mission.Error = strings.Join(parts, "; ")
	}
	if err := m.update(ctx, mission); err != nil {
		return result, err
	}

	m.logger.Info("mission apply finished",
		"id", mission.ID, "status", mission.Status,
		"applied", len(result.Applied), "conflicts", len(result.Conflicts))

	if len(result.Conflicts) > 0 {
		return result, fmt.Errorf("applying mission %q: %w", missionID, ErrConflict)
	}
	if len(writeErrs) > 0 {
		return result, fmt.Errorf("applying mission %q: %s", missionID, strings.Join(writeErrs, "; "))
	}
	return result, nil
}

// Get loads a mission by ID.
func (m *Manager) Get(ctx context.Context, missionID string) (*Mission, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, objective, target_paths, status, proposal, error, created_at, updated_at
		FROM missions WHERE id = ?`, missionID)
	mission, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %q: %w", missionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load mission: %w", err)
	}
	return mission, nil
}

// List returns a user's missions, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]*Mission, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, objective, target_paths, status, proposal, error, created_at, updated_at
		FROM missions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var out []*Mission
	for rows.Next() {
		mission, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		out = append(out, mission)
	}
	return out, rows.Err()
}

// ---------- Proposal flow ----------

const systemPrompt = `You are a careful code maintenance assistant. You will be given an objective and the current content of a set of files. Propose the minimal file changes that achieve the objective.

Reply with a single fenced json block of this shape:
{
  "summary": "one-paragraph description of the change",
  "risks": ["..."],
  "files": [
    {"path": "relative/path", "new_content": "full new file content", "reason": "..."}
  ],
  "verification": {"commands": ["command to verify the change", "..."]}
}

Rules: include the complete new content for every changed file, only touch the files you were given, and leave files you would not change out of the list.`

// propose reads the mission targets, asks the model, and pins hashes.
// The caller owns status transitions and persistence of the result.
func (m *Manager) propose(ctx context.Context, mission *Mission) error {
	currentHash := make(map[string]string, len(mission.TargetPaths))
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Objective: %s\n", mission.Objective)

	for _, path := range mission.TargetPaths {
		// Read the full file directly: files.read truncates large output,
		// and a hash pinned over a truncated prefix can never match the
		// live file at apply time. Read cover was checked by the caller.
		data, err := m.fs.Read(path)
		if err != nil {
			// Missing file: proposable as a new file, hash pinned empty.
			currentHash[path] = ""
			fmt.Fprintf(&prompt, "\n--- %s (does not exist yet) ---\n", path)
			continue
		}
		currentHash[path] = workspace.HashBytes(data)
		fmt.Fprintf(&prompt, "\n--- %s ---\n%s\n", path, data)
	}

	reply, err := m.completer.Complete(ctx, systemPrompt, prompt.String())
	if err != nil {
		return fmt.Errorf("requesting proposal: %w", err)
	}

	proposal, err := parseProposal(reply)
	if err != nil {
		return err
	}

	// Pin every change to the content hash this proposal was computed
	// against, discarding anything the model invented for paths it was
	// not given.
	kept := proposal.Files[:0]
	for _, fc := range proposal.Files {
		hash, ok := currentHash[fc.Path]
		if !ok {
			m.logger.Warn("proposal touches path outside mission targets, dropping",
				"id", mission.ID, "path", fc.Path)
			continue
		}
		fc.ExpectedOldSha256 = hash
		kept = append(kept, fc)
	}
	proposal.Files = kept

	if len(proposal.Files) == 0 {
		return fmt.Errorf("model proposed no changes to the mission targets")
	}

	mission.Proposal = proposal
	return nil
}

// parseProposal extracts the proposal from a model reply: fenced json block
// first, then the raw reply as JSON.
func parseProposal(reply string) (*Proposal, error) {
	raw, ok := toolcall.ExtractJSONBlock(reply)
	if !ok {
		raw = strings.TrimSpace(reply)
	}

	var proposal Proposal
	if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
		return nil, fmt.Errorf("parsing proposal: %w", err)
	}
	if proposal.Summary == "" {
		return nil, fmt.Errorf("proposal has no summary")
	}
	for i, fc := range proposal.Files {
		if fc.Path == "" {
			return nil, fmt.Errorf("proposal file %d has no path", i)
		}
	}
	return &proposal, nil
}

// ---------- Persistence ----------

func (m *Manager) insert(ctx context.Context, mission *Mission) error {
	mission.UpdatedAt = m.now().UTC()
	pathsJSON, _ := json.Marshal(mission.TargetPaths)

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO missions (id, user_id, objective, target_paths, status, proposal, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		mission.ID, mission.UserID, mission.Objective, string(pathsJSON),
		mission.Status, mission.Error,
		mission.CreatedAt.Format(time.RFC3339),
		mission.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

func (m *Manager) update(ctx context.Context, mission *Mission) error {
	mission.UpdatedAt = m.now().UTC()

	var proposalJSON any
	if mission.Proposal != nil {
		b, err := json.Marshal(mission.Proposal)
		if err != nil {
			return fmt.Errorf("marshal proposal: %w", err)
		}
		proposalJSON = string(b)
	}

	_, err := m.db.ExecContext(ctx, `
		UPDATE missions SET status = ?, proposal = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		mission.Status, proposalJSON, mission.Error,
		mission.UpdatedAt.Format(time.RFC3339), mission.ID,
	)
	if err != nil {
		return fmt.Errorf("update mission: %w", err)
	}
	return nil
}

func scanMission(row interface{ Scan(...any) error }) (*Mission, error) {
	var (
		mission              Mission
		pathsJSON            string
		proposal, errField   sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&mission.ID, &mission.UserID, &mission.Objective,
		&pathsJSON, &mission.Status, &proposal, &errField,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(pathsJSON), &mission.TargetPaths)
	if proposal.Valid && proposal.String != "" {
		var p Proposal
		if err := json.Unmarshal([]byte(proposal.String), &p); err == nil {
			mission.Proposal = &p
		}
	}
	mission.Error = errField.String
	mission.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	mission.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &mission, nil
}
