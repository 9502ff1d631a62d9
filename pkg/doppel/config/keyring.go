// Package config – keyring.go resolves the generation API key using the
// operating system's native keyring (Linux: Secret Service, macOS:
// Keychain, Windows: Credential Manager).
//
// Resolution priority:
//  1. OS keyring (encrypted by the OS)
//  2. Environment variable (DOPPEL_API_KEY, then OPENAI_API_KEY)
//  3. config.yaml value (least secure — plaintext on disk)
//  4. Interactive terminal prompt, offered for storage in the keyring
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "doppel"

	// keyringAPIKey is the key name for the generation API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty when
// not found.
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

// ResolveAPIKey fills cfg.API.APIKey from the priority chain. When no
// source has a key and stdin is a terminal, the user is prompted once and
// offered to save the key in the keyring. Returns an error when the key
// cannot be resolved at all — a fatal configuration failure.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) error {
	if key := GetKeyring(keyringAPIKey); key != "" {
		cfg.API.APIKey = key
		logger.Debug("API key resolved from OS keyring")
		return nil
	}

	for _, envVar := range []string{"DOPPEL_API_KEY", "OPENAI_API_KEY"} {
		if key := os.Getenv(envVar); key != "" {
			cfg.API.APIKey = key
			logger.Debug("API key resolved from environment", "var", envVar)
			return nil
		}
	}

	if cfg.API.APIKey != "" {
		logger.Warn("API key is stored in plaintext config — consider the OS keyring or an environment variable")
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("no API key found in keyring, environment, or config")
	}

	fmt.Fprint(os.Stderr, "Generation API key: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading API key: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return fmt.Errorf("no API key provided")
	}
	cfg.API.APIKey = key

	if err := StoreKeyring(keyringAPIKey, key); err != nil {
		logger.Warn("could not save API key to OS keyring", "error", err)
	} else {
		logger.Info("API key saved to OS keyring")
	}
	return nil
}
