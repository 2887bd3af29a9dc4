// Package commands implements the autoclaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoclaw",
		Short: "AutoClaw - permission-gated automation core",
		Long: `AutoClaw is the automation and trust core of an AI assistant:
permission grants, automation rules, scheduled tasks, and hash-pinned
self-improvement missions, all backed by a single SQLite file.

Examples:
  autoclaw permissions grant user-1 files read,write --paths notes/
  autoclaw rules create rule.json
  autoclaw schedule add "daily at 9:00" files.list --param path=notes
  autoclaw missions start user-1 "tighten error handling" notes/todo.md
  autoclaw audit`,
		Version: version,
	}

	rootCmd.AddCommand(
		newPermissionsCmd(),
		newRulesCmd(),
		newScheduleCmd(),
		newMissionsCmd(),
		newRunCmd(),
		newAuditCmd(),
		newVaultCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
