package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/provider"
)

// newConfigCmd creates the `autoclaw config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration and manage the provider key",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			source := a.configPath
			if source == "" {
				source = "(defaults, no config file found)"
			}
			keyState := "not set"
			if a.cfg.Provider.APIKey != "" {
				keyState = "set"
			}

			fmt.Printf("Config:    %s\n", source)
			fmt.Printf("Workspace: %s\n", a.fs.Root())
			fmt.Printf("Database:  %s\n", a.cfg.Database)
			fmt.Printf("Provider:  %s (model %s, key %s)\n",
				a.provider.Provider(), a.provider.Model(), keyState)
			fmt.Printf("Scheduler: enabled=%v\n", a.cfg.Scheduler.Enabled)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the provider API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !provider.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available; use 'autoclaw vault set' instead")
			}

			key, err := provider.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			return provider.MigrateKeyToKeyring(key, a.logger)
		},
	}
}
