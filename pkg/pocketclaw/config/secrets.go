package config

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// KeyringService is the service name under which secrets are stored
	// in the OS keyring.
	KeyringService = "pocketclaw"

	// APIKeySecret names the provider API key in the vault and keyring.
	APIKeySecret = "api_key"

	// APIKeyEnv is checked after the vault and keyring.
	APIKeyEnv = "POCKETCLAW_API_KEY"
)

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(name, value string) error {
	return keyring.Set(KeyringService, name, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent or the
// keyring is unavailable.
func GetKeyring(name string) string {
	val, err := keyring.Get(KeyringService, name)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(name string) error {
	return keyring.Delete(KeyringService, name)
}

// SecretSource names where a resolved secret came from.
type SecretSource string

const (
	SourceVault   SecretSource = "vault"
	SourceKeyring SecretSource = "keyring"
	SourceEnv     SecretSource = "env"
	SourceConfig  SecretSource = "config"
	SourceNone    SecretSource = "none"
)

// ResolveAPIKey fills cfg.Provider.APIKey from the first source that has
// one: the vault at vaultPath, the OS keyring, $POCKETCLAW_API_KEY or
// $OPENAI_API_KEY, then the config file itself. A vault is unlocked with
// $POCKETCLAW_VAULT_PASSWORD, or by prompting when stdin is a terminal.
//
// The unlocked vault is returned (nil otherwise) so callers can reuse it.
func ResolveAPIKey(cfg *Config, vaultPath string, logger *slog.Logger) (*Vault, SecretSource) {
	if logger == nil {
		logger = slog.Default()
	}

	vault := openVault(vaultPath, logger)
	if vault != nil {
		if val, err := vault.Get(APIKeySecret); err == nil && val != "" {
			cfg.Provider.APIKey = val
			logger.Debug("API key loaded from vault")
			return vault, SourceVault
		}
	}

	if val := GetKeyring(APIKeySecret); val != "" {
		cfg.Provider.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return vault, SourceKeyring
	}

	for _, env := range []string{APIKeyEnv, "OPENAI_API_KEY"} {
		if val := os.Getenv(env); val != "" {
			cfg.Provider.APIKey = val
			logger.Debug("API key loaded from environment", "var", env)
			return vault, SourceEnv
		}
	}

	if cfg.Provider.APIKey != "" && !IsEnvReference(cfg.Provider.APIKey) {
		return vault, SourceConfig
	}

	cfg.Provider.APIKey = ""
	logger.Warn("no API key found; set one with: pocketclaw secrets set api_key")
	return vault, SourceNone
}

// openVault unlocks the vault at path if it exists. Failures are logged and
// yield nil so resolution falls through to the next source.
func openVault(path string, logger *slog.Logger) *Vault {
	if path == "" {
		return nil
	}
	vault := NewVault(path)
	if !vault.Exists() {
		return nil
	}

	if pw := os.Getenv(VaultPasswordEnv); pw != "" {
		if err := vault.Unlock(pw); err != nil {
			logger.Warn("failed to unlock vault with "+VaultPasswordEnv, "error", err)
			return nil
		}
		return vault
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("vault present but locked (non-interactive, no " + VaultPasswordEnv + ")")
		return nil
	}
	pw, err := ReadPassword("Vault password: ")
	if err != nil {
		logger.Warn("failed to read vault password", "error", err)
		return nil
	}
	if err := vault.Unlock(pw); err != nil {
		logger.Warn("failed to unlock vault", "error", err)
		return nil
	}
	return vault
}
