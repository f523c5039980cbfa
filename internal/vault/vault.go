// Package vault stores API keys in the OS keychain, with environment
// variable and file fallbacks.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "creditgate"

// knownAccounts is the list of key accounts checked by List().
var knownAccounts = []string{"embedding", "openai", "anthropic"}

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores an API key under the given account name in the OS keychain.
func (v *Vault) Set(account, key string) error {
	return keyring.Set(serviceName, account, key)
}

// Get retrieves the API key for the given account. It first checks the
// OS keychain, then falls back to the environment variable
// CREDITGATE_KEY_{UPPER(account)}.
func (v *Vault) Get(account string) (string, error) {
	secret, err := keyring.Get(serviceName, account)
	if err == nil && secret != "" {
		return secret, nil
	}

	// Fallback to environment variable.
	envKey := "CREDITGATE_KEY_" + strings.ToUpper(account)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for %q: not in keychain and %s not set", account, envKey)
}

// Delete removes the API key for the given account from the OS keychain.
func (v *Vault) Delete(account string) error {
	return keyring.Delete(serviceName, account)
}

// List returns the known accounts that currently have keys stored.
// It checks both the keychain and environment variables for each account.
func (v *Vault) List() ([]string, error) {
	var accounts []string

	for _, account := range knownAccounts {
		secret, err := keyring.Get(serviceName, account)
		if err == nil && secret != "" {
			accounts = append(accounts, account)
			continue
		}

		envKey := "CREDITGATE_KEY_" + strings.ToUpper(account)
		if val := os.Getenv(envKey); val != "" {
			accounts = append(accounts, account)
		}
	}

	return accounts, nil
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://creditgate/<account>" (preferred)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://creditgate/<account>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://creditgate/<account>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
