package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keychainService = "velocity"
	keychainPrefix  = "keychain:"
)

// ErrKeychainEntryNotFound means a "keychain:" reference names no entry.
var ErrKeychainEntryNotFound = errors.New("keychain entry not found")

// StoreSecret saves secret in the OS keychain (macOS Keychain, Windows
// Credential Manager, Linux Secret Service) under account and returns the
// "keychain:<account>" reference to put in configuration instead.
func StoreSecret(account, secret string) (string, error) {
	if err := keyring.Set(keychainService, account, secret); err != nil {
		return "", fmt.Errorf("store secret in keychain: %w", err)
	}
	return keychainPrefix + account, nil
}

// DeleteSecret removes the keychain entry for account. A missing entry is
// not an error.
func DeleteSecret(account string) error {
	if err := keyring.Delete(keychainService, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete secret from keychain: %w", err)
	}
	return nil
}

// resolveSecret returns value, or the keychain secret it references.
func resolveSecret(value string) (string, error) {
	account, ok := strings.CutPrefix(value, keychainPrefix)
	if !ok {
		return value, nil
	}
	secret, err := keyring.Get(keychainService, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrKeychainEntryNotFound, account)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s from keychain: %w", account, err)
	}
	return secret, nil
}

// Resolve replaces "keychain:" references in the token and password with
// the secrets they name.
func (c Credentials) Resolve() (Credentials, error) {
	var err error
	if c.Token, err = resolveSecret(c.Token); err != nil {
		return c, err
	}
	if c.Password, err = resolveSecret(c.Password); err != nil {
		return c, err
	}
	return c, nil
}
