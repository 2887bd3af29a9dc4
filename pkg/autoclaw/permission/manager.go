// Package permission – manager.go implements the SQLite-backed permission
// manager. Every check reads live rows; nothing is cached across calls.
package permission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager owns permission and request records.
type Manager struct {
	db     *sql.DB
	policy TrustPolicy
	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewManager creates a permission manager over the shared database handle.
func NewManager(db *sql.DB, policy TrustPolicy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		policy: policy,
		logger: logger.With("component", "permission"),
		now:    time.Now,
	}
}

// GrantSpec describes a new grant.
type GrantSpec struct {
	Resource  string
	Actions   []string
	Scope     Scope
	ExpiresAt *time.Time
}

// Grant creates a new active permission for the user. Multiple grants for
// the same resource may coexist; checks union them.
func (m *Manager) Grant(ctx context.Context, userID string, spec GrantSpec) (*Permission, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if spec.Resource == "" {
		return nil, fmt.Errorf("resource is required")
	}
	if len(spec.Actions) == 0 {
		return nil, fmt.Errorf("at least one action is required")
	}

	p := &Permission{
		ID:        uuid.NewString(),
		UserID:    userID,
		Resource:  spec.Resource,
		Actions:   spec.Actions,
		Scope:     spec.Scope,
		GrantedAt: m.now().UTC(),
		ExpiresAt: spec.ExpiresAt,
	}

	actionsJSON, _ := json.Marshal(p.Actions)
	scopeJSON, _ := json.Marshal(p.Scope)

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO permissions (id, user_id, resource, actions, scope, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Resource,
		string(actionsJSON), string(scopeJSON),
		p.GrantedAt.Format(time.RFC3339),
		timePtrString(p.ExpiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert permission: %w", err)
	}

	m.logger.Info("permission granted",
		"id", p.ID,
		"user", userID,
		"resource", spec.Resource,
		"actions", spec.Actions,
	)
	return p, nil
}

// Check reports whether the user currently holds an active grant covering
// the action on the resource within the target scope. It must be called
// at the moment of use: a grant revoked a millisecond ago already fails.
func (m *Manager) Check(ctx context.Context, userID, resource, action string, target CheckScope) (bool, error) {
	perms, err := m.activePermissions(ctx, userID, resource)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Allows(action, target) {
			return true, nil
		}
	}
	return false, nil
}

// Require is Check that turns a negative answer into ErrPermissionDenied.
func (m *Manager) Require(ctx context.Context, userID, resource, action string, target CheckScope) error {
	ok, err := m.Check(ctx, userID, resource, action, target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s:%s for user %s", ErrPermissionDenied, resource, action, userID)
	}
	return nil
}

// CheckPaths reports whether a single active grant covers the action on
// every path. Used by missions, where a proposal spanning paths from two
// different grants would be unverifiable as a unit.
func (m *Manager) CheckPaths(ctx context.Context, userID, resource, action string, paths []string) (bool, error) {
	perms, err := m.activePermissions(ctx, userID, resource)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if !containsAction(p.Actions, action) {
			continue
		}
		if p.Scope.CoversAll(paths) {
			return true, nil
		}
	}
	return false, nil
}

// ListActive returns the user's currently active grants.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*Permission, error) {
	return m.activePermissions(ctx, userID, "")
}

// Revoke marks a permission revoked. Revocation is terminal and takes
// effect for every subsequent check.
func (m *Manager) Revoke(ctx context.Context, permissionID string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE permissions SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL`,
		m.now().UTC().Format(time.RFC3339), permissionID,
	)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish unknown ID from already-revoked: both are terminal,
		// but callers report them differently.
		var exists int
		err := m.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM permissions WHERE id = ?", permissionID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("revoke lookup: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("permission %s: %w", permissionID, ErrNotFound)
		}
		return nil // already revoked, idempotent
	}

	m.logger.Info("permission revoked", "id", permissionID)
	return nil
}

// RevokeAccount revokes every active grant belonging to the user.
func (m *Manager) RevokeAccount(ctx context.Context, userID string) (int, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE permissions SET revoked_at = ?
		WHERE user_id = ? AND revoked_at IS NULL`,
		m.now().UTC().Format(time.RFC3339), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke account: %w", err)
	}
	n, _ := res.RowsAffected()
	m.logger.Info("account permissions revoked", "user", userID, "count", n)
	return int(n), nil
}

// Request records an ask for a capability the user lacks. While a matching
// request for the same (user, resource, scope) is still pending, repeated
// calls return the existing request instead of stacking duplicates.
func (m *Manager) Request(ctx context.Context, userID, resource string, actions []string, scope Scope, reason string) (*Request, error) {
	if userID == "" || resource == "" {
		return nil, fmt.Errorf("user ID and resource are required")
	}

	scopeJSON, _ := json.Marshal(scope)

	// Idempotent upsert: reuse an existing pending request for the same
	// user/resource/scope rather than creating a twin.
	existing, err := m.findPendingRequest(ctx, userID, resource, string(scopeJSON))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	r := &Request{
		ID:          uuid.NewString(),
		UserID:      userID,
		Resource:    resource,
		Actions:     actions,
		Scope:       scope,
		Reason:      reason,
		Status:      StatusPending,
		RequestedAt: m.now().UTC(),
	}
	actionsJSON, _ := json.Marshal(actions)

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO permission_requests (id, user_id, resource, actions, scope, reason, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Resource,
		string(actionsJSON), string(scopeJSON),
		r.Reason, r.Status, r.RequestedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert permission request: %w", err)
	}

	m.logger.Info("permission requested",
		"id", r.ID, "user", userID, "resource", resource, "actions", actions)
	return r, nil
}

// Respond resolves a pending request. Approval atomically creates the
// permission and links it; a request never ends up approved without its
// grant existing.
func (m *Manager) Respond(ctx context.Context, requestID string, approve bool) (*Request, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := scanRequest(tx.QueryRowContext(ctx, `
		SELECT id, user_id, resource, actions, scope, reason, status, requested_at, responded_at, granted_permission_id
		FROM permission_requests WHERE id = ?`, requestID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrRequestClosed)
	}

	now := m.now().UTC()
	r.RespondedAt = &now

	if !approve {
		r.Status = StatusDenied
		if _, err := tx.ExecContext(ctx, `
			UPDATE permission_requests SET status = ?, responded_at = ? WHERE id = ?`,
			r.Status, now.Format(time.RFC3339), r.ID,
		); err != nil {
			return nil, fmt.Errorf("deny request: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		m.logger.Info("permission request denied", "id", r.ID, "user", r.UserID)
		return r, nil
	}

	permID := uuid.NewString()
	actionsJSON, _ := json.Marshal(r.Actions)
	scopeJSON, _ := json.Marshal(r.Scope)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO permissions (id, user_id, resource, actions, scope, granted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		permID, r.UserID, r.Resource,
		string(actionsJSON), string(scopeJSON),
		now.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("insert granted permission: %w", err)
	}

	r.Status = StatusApproved
	r.GrantedPermissionID = permID
	if _, err := tx.ExecContext(ctx, `
		UPDATE permission_requests
		SET status = ?, responded_at = ?, granted_permission_id = ?
		WHERE id = ?`,
		r.Status, now.Format(time.RFC3339), permID, r.ID,
	); err != nil {
		return nil, fmt.Errorf("approve request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	m.logger.Info("permission request approved",
		"id", r.ID, "user", r.UserID, "permission", permID)
	return r, nil
}

// GetRequest returns a request by ID.
func (m *Manager) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	r, err := scanRequest(m.db.QueryRowContext(ctx, `
		SELECT id, user_id, resource, actions, scope, reason, status, requested_at, responded_at, granted_permission_id
		FROM permission_requests WHERE id = ?`, requestID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	return r, nil
}

// ListRequests returns the user's requests, newest first. An empty status
// matches all.
func (m *Manager) ListRequests(ctx context.Context, userID, status string) ([]*Request, error) {
	query := `
		SELECT id, user_id, resource, actions, scope, reason, status, requested_at, responded_at, granted_permission_id
		FROM permission_requests WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY requested_at DESC"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LinkAccount records (or re-verifies) a platform identity for the user.
func (m *Manager) LinkAccount(ctx context.Context, userID, platform, platformID string, verified bool) (*LinkedAccount, error) {
	a := &LinkedAccount{
		ID:         uuid.NewString(),
		UserID:     userID,
		Platform:   platform,
		PlatformID: platformID,
		Verified:   verified,
		LinkedAt:   m.now().UTC(),
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (id, user_id, platform, platform_id, verified, linked_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			platform_id = excluded.platform_id,
			verified    = excluded.verified`,
		a.ID, a.UserID, a.Platform, a.PlatformID, boolInt(a.Verified),
		a.LinkedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("link account: %w", err)
	}
	return a, nil
}

// ListLinkedAccounts returns the user's platform identities.
func (m *Manager) ListLinkedAccounts(ctx context.Context, userID string) ([]*LinkedAccount, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, platform, platform_id, verified, linked_at
		FROM linked_accounts WHERE user_id = ? ORDER BY linked_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()

	var out []*LinkedAccount
	for rows.Next() {
		var (
			a        LinkedAccount
			verified int
			linkedAt string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Platform, &a.PlatformID, &verified, &linkedAt); err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		a.Verified = verified != 0
		a.LinkedAt, _ = time.Parse(time.RFC3339, linkedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// TrustLevel derives the user's trust level from verification and grant
// state using the configured policy.
func (m *Manager) TrustLevel(ctx context.Context, userID string) (string, error) {
	accounts, err := m.ListLinkedAccounts(ctx, userID)
	if err != nil {
		return "", err
	}
	verified := false
	for _, a := range accounts {
		if a.Verified {
			verified = true
			break
		}
	}
	if !verified {
		return TrustLow, nil
	}

	perms, err := m.ListActive(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, p := range perms {
		if m.policy.Privileged(p.Resource) {
			return TrustHigh, nil
		}
	}
	return TrustMedium, nil
}

// ---------- Internal ----------

// activePermissions loads the user's active grants, optionally filtered by
// resource. Activity is evaluated in Go against the manager clock so tests
// can pin time.
func (m *Manager) activePermissions(ctx context.Context, userID, resource string) ([]*Permission, error) {
	query := `
		SELECT id, user_id, resource, actions, scope, granted_at, expires_at, revoked_at
		FROM permissions WHERE user_id = ?`
	args := []any{userID}
	if resource != "" {
		query += " AND resource = ?"
		args = append(args, resource)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()

	now := m.now().UTC()
	var out []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		if p.Active(now) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

func (m *Manager) findPendingRequest(ctx context.Context, userID, resource, scopeJSON string) (*Request, error) {
	r, err := scanRequest(m.db.QueryRowContext(ctx, `
		SELECT id, user_id, resource, actions, scope, reason, status, requested_at, responded_at, granted_permission_id
		FROM permission_requests
		WHERE user_id = ? AND resource = ? AND scope = ? AND status = ?
		ORDER BY requested_at DESC LIMIT 1`,
		userID, resource, scopeJSON, StatusPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending request: %w", err)
	}
	return r, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (*Permission, error) {
	var (
		p                    Permission
		actionsJSON, scopeJSON, grantedAt string
		expiresAt, revokedAt sql.NullString
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Resource, &actionsJSON, &scopeJSON,
		&grantedAt, &expiresAt, &revokedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(actionsJSON), &p.Actions)
	_ = json.Unmarshal([]byte(scopeJSON), &p.Scope)
	p.GrantedAt, _ = time.Parse(time.RFC3339, grantedAt)
	p.ExpiresAt = parseTimePtr(expiresAt)
	p.RevokedAt = parseTimePtr(revokedAt)
	return &p, nil
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r                       Request
		actionsJSON, scopeJSON, requestedAt string
		respondedAt, grantedID  sql.NullString
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Resource, &actionsJSON, &scopeJSON,
		&r.Reason, &r.Status, &requestedAt, &respondedAt, &grantedID); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(actionsJSON), &r.Actions)
	_ = json.Unmarshal([]byte(scopeJSON), &r.Scope)
	r.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
	r.RespondedAt = parseTimePtr(respondedAt)
	r.GrantedPermissionID = grantedID.String
	return &r, nil
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
