package security

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func findingIDs(report *AuditReport) map[string]string {
	out := make(map[string]string, len(report.Findings))
	for _, f := range report.Findings {
		out[f.CheckID] = f.Severity
	}
	return out
}

func TestLooksLikeAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"sk-abcdefghijklmnop", true},
		{"sk-proj-abcdefghijklmnop", true},
		{"ghp_abcdefghijklmnop", true},
		{"AIzaSyAbCdEfGhIjKl", true},
		{"Xy9AbCdEfGhIjKlMnOpQrStUvWxYz012345", true}, // entropy heuristic
		{"sk_test_abcdefghijklmnop", false},           // test key
		{"test_abcdefghijklmnop", false},
		{"sk-short", false}, // below prefix minimum length
		{"password", false},
		{"all-lowercase-but-quite-long-string-here", false}, // single class
		{"", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			if got := looksLikeAPIKey(tt.input); got != tt.want {
				t.Errorf("looksLikeAPIKey(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRunSecurityAuditClean(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("workspace: ./ws\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	vaultPath := filepath.Join(dir, ".autoclaw.vault")
	if err := os.WriteFile(vaultPath, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	report := RunSecurityAudit(AuditOptions{
		ConfigPath:      configPath,
		VaultPath:       vaultPath,
		VaultConfigured: true,
		APIKey:          "${OPENAI_API_KEY}",
		Provider:        "openai",
	})

	if len(report.Findings) != 0 {
		t.Fatalf("clean setup produced findings: %+v", report.Findings)
	}
	if report.TotalChecks != len(SecurityChecks) {
		t.Errorf("TotalChecks = %d", report.TotalChecks)
	}
	if got := report.Summary(); got == "" || report.CriticalCount != 0 {
		t.Errorf("summary = %q, criticals = %d", got, report.CriticalCount)
	}
}

func TestRunSecurityAuditFindings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("provider:\n  api_key: sk-live\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	vaultPath := filepath.Join(dir, ".autoclaw.vault")
	if err := os.WriteFile(vaultPath, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	report := RunSecurityAudit(AuditOptions{
		ConfigPath:             configPath,
		VaultPath:              vaultPath,
		VaultConfigured:        false,
		APIKey:                 "sk-abcdefghijklmnop",
		Provider:               "openai",
		ExpiredUnrevokedGrants: 2,
		UnscopedWriteGrants:    1,
	})

	ids := findingIDs(report)
	wantSeverity := map[string]string{
		"vault.not_configured":     SeverityWarning,
		"config.raw_api_key":       SeverityCritical,
		"fs.config_permissions":    SeverityWarning,
		"fs.vault_permissions":     SeverityCritical,
		"grants.expired_unrevoked": SeverityInfo,
		"grants.unscoped_write":    SeverityWarning,
	}
	for id, severity := range wantSeverity {
		if got := ids[id]; got != severity {
			t.Errorf("finding %s severity = %q, want %q", id, got, severity)
		}
	}
	if report.CriticalCount != 2 {
		t.Errorf("CriticalCount = %d, want 2", report.CriticalCount)
	}
	if report.InfoCount != 1 {
		t.Errorf("InfoCount = %d, want 1", report.InfoCount)
	}
}

func TestVaultKeyReferenceNotFlagged(t *testing.T) {
	t.Parallel()

	if f := checkRawAPIKey(AuditOptions{APIKey: "vault:OPENAI_API_KEY"}); f != nil {
		t.Errorf("vault reference flagged: %+v", f)
	}
	if f := checkRawAPIKey(AuditOptions{APIKey: ""}); f != nil {
		t.Errorf("empty key flagged: %+v", f)
	}
}

func TestCollectGrantStats(t *testing.T) {
	t.Parallel()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	perms := permission.NewManager(db, permission.DefaultTrustPolicy(), discardLogger())
	ctx := context.Background()

	// Expired and unrevoked.
	expired := time.Now().UTC().Add(-time.Hour)
	if _, err := perms.Grant(ctx, "u1", permission.GrantSpec{
		Resource:  "files",
		Actions:   []string{"read"},
		ExpiresAt: &expired,
	}); err != nil {
		t.Fatal(err)
	}

	// Active unscoped files:write.
	if _, err := perms.Grant(ctx, "u1", permission.GrantSpec{
		Resource: "files",
		Actions:  []string{"write"},
	}); err != nil {
		t.Fatal(err)
	}

	// Active scoped files:write does not count.
	if _, err := perms.Grant(ctx, "u1", permission.GrantSpec{
		Resource: "files",
		Actions:  []string{"write"},
		Scope:    permission.Scope{AllowedPaths: []string{"notes"}},
	}); err != nil {
		t.Fatal(err)
	}

	// Revoked unscoped write does not count.
	p, err := perms.Grant(ctx, "u2", permission.GrantSpec{
		Resource: "files",
		Actions:  []string{"write"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := perms.Revoke(ctx, p.ID); err != nil {
		t.Fatal(err)
	}

	var opts AuditOptions
	if err := CollectGrantStats(ctx, db, &opts); err != nil {
		t.Fatalf("CollectGrantStats: %v", err)
	}
	if opts.ExpiredUnrevokedGrants != 1 {
		t.Errorf("ExpiredUnrevokedGrants = %d, want 1", opts.ExpiredUnrevokedGrants)
	}
	if opts.UnscopedWriteGrants != 1 {
		t.Errorf("UnscopedWriteGrants = %d, want 1", opts.UnscopedWriteGrants)
	}
}
