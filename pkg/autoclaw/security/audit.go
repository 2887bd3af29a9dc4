// Package security – audit.go implements security auditing for AutoClaw
// configuration and grant hygiene. Checks for common misconfigurations,
// exposed secrets, and over-broad permissions.
package security

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"
)

// Severity levels for audit findings.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// SecurityChecks is the list of all check functions run during an audit.
var SecurityChecks = []func(AuditOptions) *AuditFinding{
	checkVaultNotConfigured,
	checkRawAPIKey,
	checkConfigPermissions,
	checkDatabasePermissions,
	checkVaultFilePermissions,
	checkExpiredGrants,
	checkUnscopedWriteGrants,
}

// AuditFinding represents a single security finding.
type AuditFinding struct {
	CheckID     string `json:"check_id"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Detail      string `json:"detail"`
	Remediation string `json:"remediation"`
}

// AuditReport is the result of a security audit.
type AuditReport struct {
	Timestamp     time.Time      `json:"timestamp"`
	TotalChecks   int            `json:"total_checks"`
	CriticalCount int            `json:"critical_count"`
	WarningCount  int            `json:"warning_count"`
	InfoCount     int            `json:"info_count"`
	Findings      []AuditFinding `json:"findings"`
}

// Summary returns a human-readable summary line.
func (r *AuditReport) Summary() string {
	if len(r.Findings) == 0 {
		return fmt.Sprintf("Security audit passed: %d checks, no findings.", r.TotalChecks)
	}
	return fmt.Sprintf("Security audit: %d checks, %d critical, %d warnings, %d info.",
		r.TotalChecks, r.CriticalCount, r.WarningCount, r.InfoCount)
}

// AuditOptions configures which checks to run.
type AuditOptions struct {
	ConfigPath      string // path to config.yaml
	DatabasePath    string // path to the SQLite database
	VaultPath       string // path to .autoclaw.vault
	VaultConfigured bool   // whether the vault is initialized
	APIKey          string // current provider API key value (plaintext check)
	Provider        string // current provider name

	// Grant hygiene counts, typically filled by CollectGrantStats.
	ExpiredUnrevokedGrants int
	UnscopedWriteGrants    int
}

// RunSecurityAudit executes all security checks and returns a report.
func RunSecurityAudit(opts AuditOptions) *AuditReport {
	report := &AuditReport{
		Timestamp:   time.Now(),
		TotalChecks: len(SecurityChecks),
	}

	for _, check := range SecurityChecks {
		if finding := check(opts); finding != nil {
			report.Findings = append(report.Findings, *finding)
			switch finding.Severity {
			case SeverityCritical:
				report.CriticalCount++
			case SeverityWarning:
				report.WarningCount++
			case SeverityInfo:
				report.InfoCount++
			}
		}
	}

	return report
}

// CollectGrantStats fills the grant hygiene counts from the database.
func CollectGrantStats(ctx context.Context, db *sql.DB, opts *AuditOptions) error {
	now := time.Now().UTC().Format(time.RFC3339)

	row := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permissions
		WHERE revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err := row.Scan(&opts.ExpiredUnrevokedGrants); err != nil {
		return fmt.Errorf("counting expired grants: %w", err)
	}

	row = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permissions
		WHERE revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND resource = 'files'
		  AND actions LIKE '%"write"%'
		  AND scope = '{}'`, now)
	if err := row.Scan(&opts.UnscopedWriteGrants); err != nil {
		return fmt.Errorf("counting unscoped write grants: %w", err)
	}

	return nil
}

// ---------- Individual Checks ----------

func checkVaultNotConfigured(opts AuditOptions) *AuditFinding {
	if opts.VaultConfigured {
		return nil
	}
	return &AuditFinding{
		CheckID:     "vault.not_configured",
		Severity:    SeverityWarning,
		Title:       "Vault not configured",
		Detail:      "The encrypted vault is not initialized. API keys may be stored in plaintext config or environment variables.",
		Remediation: "Run 'autoclaw vault init' to create an encrypted vault for storing secrets.",
	}
}

func checkRawAPIKey(opts AuditOptions) *AuditFinding {
	key := opts.APIKey
	if key == "" {
		return nil
	}
	if strings.HasPrefix(key, "vault:") || strings.HasPrefix(key, "${") {
		return nil
	}
	if !looksLikeAPIKey(key) {
		return nil
	}
	return &AuditFinding{
		CheckID:     "config.raw_api_key",
		Severity:    SeverityCritical,
		Title:       "API key in plaintext",
		Detail:      fmt.Sprintf("The %s API key appears to be stored in plaintext configuration.", opts.Provider),
		Remediation: "Store the key in the vault: 'autoclaw vault set OPENAI_API_KEY <key>'",
	}
}

// looksLikeAPIKey checks if a string looks like a real API key using
// known prefixes and entropy heuristics.
func looksLikeAPIKey(s string) bool {
	lower := strings.ToLower(s)

	// Skip test keys.
	if strings.HasPrefix(lower, "sk_test") || strings.HasPrefix(lower, "test_") ||
		strings.HasPrefix(lower, "pk_test") || strings.HasPrefix(lower, "rk_test") {
		return false
	}

	// Known API key prefixes (minimum 15 chars to avoid false positives).
	if len(s) >= 15 {
		knownPrefixes := []string{
			"sk-", "pk-", "ak-", "key-", "api-",
			"ghp_", "gho_", "ghs_", "ghu_",
			"AIzaSy",
			"sk-ant-", "sk-proj-",
		}
		for _, prefix := range knownPrefixes {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
	}

	// High-entropy heuristic: long strings with mixed character classes.
	if len(s) >= 32 {
		var hasUpper, hasLower, hasDigit bool
		for _, c := range s {
			switch {
			case c >= 'A' && c <= 'Z':
				hasUpper = true
			case c >= 'a' && c <= 'z':
				hasLower = true
			case c >= '0' && c <= '9':
				hasDigit = true
			}
		}
		if hasUpper && hasLower && hasDigit {
			return true
		}
	}

	return false
}

func checkConfigPermissions(opts AuditOptions) *AuditFinding {
	return checkWorldReadable(opts.ConfigPath, "fs.config_permissions",
		"Config file is world-readable",
		"It may contain sensitive data.")
}

func checkDatabasePermissions(opts AuditOptions) *AuditFinding {
	return checkWorldReadable(opts.DatabasePath, "fs.database_permissions",
		"Database file is world-readable",
		"It holds permission grants, rules, and mission proposals.")
}

// checkWorldReadable returns a warning finding when the file grants read
// access to others.
func checkWorldReadable(path, checkID, title, consequence string) *AuditFinding {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	perm := info.Mode().Perm()
	if perm&0o004 == 0 {
		return nil
	}
	return &AuditFinding{
		CheckID:     checkID,
		Severity:    SeverityWarning,
		Title:       title,
		Detail:      fmt.Sprintf("%s has permissions %o. %s", path, perm, consequence),
		Remediation: fmt.Sprintf("chmod 600 %s", path),
	}
}

func checkVaultFilePermissions(opts AuditOptions) *AuditFinding {
	if opts.VaultPath == "" {
		return nil
	}
	info, err := os.Stat(opts.VaultPath)
	if err != nil {
		return nil // covered by vault.not_configured
	}
	perm := info.Mode().Perm()
	if perm&0o077 == 0 {
		return nil
	}
	return &AuditFinding{
		CheckID:     "fs.vault_permissions",
		Severity:    SeverityCritical,
		Title:       "Vault file has open permissions",
		Detail:      fmt.Sprintf("Vault file %s has permissions %o. It should only be readable by the owner.", opts.VaultPath, perm),
		Remediation: fmt.Sprintf("chmod 600 %s", opts.VaultPath),
	}
}

func checkExpiredGrants(opts AuditOptions) *AuditFinding {
	if opts.ExpiredUnrevokedGrants == 0 {
		return nil
	}
	return &AuditFinding{
		CheckID:     "grants.expired_unrevoked",
		Severity:    SeverityInfo,
		Title:       "Expired grants still on record",
		Detail:      fmt.Sprintf("%d expired permission grant(s) have not been revoked. They no longer authorize anything but clutter the audit surface.", opts.ExpiredUnrevokedGrants),
		Remediation: "Revoke expired grants with 'autoclaw permissions revoke <id>'.",
	}
}

func checkUnscopedWriteGrants(opts AuditOptions) *AuditFinding {
	if opts.UnscopedWriteGrants == 0 {
		return nil
	}
	return &AuditFinding{
		CheckID:     "grants.unscoped_write",
		Severity:    SeverityWarning,
		Title:       "Unrestricted files:write grants",
		Detail:      fmt.Sprintf("%d active files:write grant(s) have no path scope, allowing writes anywhere in the workspace.", opts.UnscopedWriteGrants),
		Remediation: "Re-grant with an allowed_paths scope covering only the needed directories.",
	}
}
