package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/provider"
)

// newVaultCmd creates the `autoclaw vault` command group.
func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted secret vault",
		Long: `Manage the encrypted secret vault (` + provider.VaultFile + `).
Secrets are encrypted with AES-256-GCM under an Argon2id-derived key.

Examples:
  autoclaw vault init
  autoclaw vault set OPENAI_API_KEY sk-...
  autoclaw vault list`,
	}

	cmd.AddCommand(
		newVaultInitCmd(),
		newVaultSetCmd(),
		newVaultListCmd(),
		newVaultDeleteCmd(),
	)

	return cmd
}

func newVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault := provider.NewVault(provider.VaultFile)
			if vault.Exists() {
				return fmt.Errorf("vault already exists at %s", vault.Path())
			}

			password, err := provider.ReadPassword("New vault password: ")
			if err != nil {
				return err
			}
			confirm, err := provider.ReadPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return fmt.Errorf("passwords do not match")
			}

			if err := vault.Create(password); err != nil {
				return err
			}
			fmt.Printf("Vault created at %s\n", vault.Path())
			return nil
		},
	}
}

// unlockVault opens the existing vault, prompting for the password.
func unlockVault() (*provider.Vault, error) {
	vault := provider.NewVault(provider.VaultFile)
	if !vault.Exists() {
		return nil, fmt.Errorf("no vault at %s, run 'autoclaw vault init' first", vault.Path())
	}
	password, err := provider.ReadPassword("Vault password: ")
	if err != nil {
		return nil, err
	}
	if err := vault.Unlock(password); err != nil {
		return nil, err
	}
	return vault, nil
}

func newVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret (value prompted when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				value, err = provider.ReadPassword("Secret value: ")
				if err != nil {
					return err
				}
			}

			if err := vault.Set(args[0], value); err != nil {
				return err
			}
			fmt.Printf("Stored %s\n", args[0])
			return nil
		},
	}
}

func newVaultListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			keys, err := vault.Keys()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
}

func newVaultDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			if err := vault.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}
