package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/provider"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/security"
)

// newAuditCmd creates the `autoclaw audit` command.
func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Run the security audit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			vault := provider.NewVault(provider.VaultFile)
			opts := security.AuditOptions{
				ConfigPath:      a.configPath,
				DatabasePath:    a.cfg.Database,
				VaultPath:       vault.Path(),
				VaultConfigured: vault.Exists(),
				APIKey:          a.cfg.Provider.APIKey,
				Provider:        a.provider.Provider(),
			}
			if err := security.CollectGrantStats(cmd.Context(), a.db, &opts); err != nil {
				return err
			}

			report := security.RunSecurityAudit(opts)
			fmt.Println(report.Summary())
			for _, f := range report.Findings {
				fmt.Printf("\n[%s] %s (%s)\n", strings.ToUpper(f.Severity), f.Title, f.CheckID)
				fmt.Printf("  %s\n", f.Detail)
				fmt.Printf("  Fix: %s\n", f.Remediation)
			}
			return nil
		},
	}
}
