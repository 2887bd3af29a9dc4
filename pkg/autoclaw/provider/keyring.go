// Package provider – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving the provider API key:
//  1. Encrypted vault (.autoclaw.vault — AES-256-GCM + Argon2, master password)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. Environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, etc.)
//  4. Config value (least secure — plaintext on disk)
package provider

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "autoclaw"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__autoclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey resolves the provider API key using the priority chain:
// vault → keyring → env var → config value. Updates cfg in place with the
// resolved value. If a vault exists but is locked, it tries the
// AUTOCLAW_VAULT_PASSWORD env var and then an interactive prompt when stdin
// is a terminal. Returns the unlocked vault (or nil) for reuse by callers.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Encrypted vault (most secure — password-protected).
	vault := NewVault(VaultFile)
	if vault.Exists() {
		if !vault.IsUnlocked() {
			if envPass := os.Getenv("AUTOCLAW_VAULT_PASSWORD"); envPass != "" {
				if err := vault.Unlock(envPass); err != nil {
					logger.Warn("failed to unlock vault with AUTOCLAW_VAULT_PASSWORD", "error", err)
				} else {
					logger.Info("vault unlocked via AUTOCLAW_VAULT_PASSWORD")
				}
			}
		}

		if !vault.IsUnlocked() {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				password, err := ReadPassword("Vault password: ")
				if err != nil {
					logger.Warn("failed to read vault password", "error", err)
				} else if err := vault.Unlock(password); err != nil {
					logger.Warn("failed to unlock vault", "error", err)
				}
			} else {
				logger.Info("vault exists but skipping (non-interactive mode, no AUTOCLAW_VAULT_PASSWORD), using env/config")
			}
		}

		if vault.IsUnlocked() {
			// Inject vault secrets into the process environment so provider
			// clients find keys under their standard names.
			if err := vault.InjectSecrets(); err != nil {
				logger.Warn("failed to inject vault secrets", "error", err)
			}
			providerKey := ProviderKeyName(cfg.Provider)
			if val, err := vault.Get(providerKey); err == nil && val != "" {
				cfg.APIKey = val
				logger.Debug("API key loaded from encrypted vault",
					"provider", cfg.Provider, "key", providerKey)
			}
			return vault
		}
	}

	// 2. OS keyring.
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return nil
	}

	// 3. Value already resolved from env/config.
	if cfg.APIKey != "" {
		logger.Debug("API key loaded from config/env")
		return nil
	}

	logger.Warn("no API key found. Set one with: autoclaw config set-key or autoclaw config vault-set")
	return nil
}

// MigrateKeyToKeyring moves an API key from config/env to the OS keyring.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring",
		"service", keyringService,
		"hint", "You can now remove it from .env and config.yaml")
	return nil
}
