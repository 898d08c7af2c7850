package security

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name used for keyring entries.
	KeyringService = "tunnelkeep"
)

// KeyringStore provides OS keyring integration for SSH password storage.
// It uses the system keyring (macOS Keychain, Linux Secret Service, Windows
// Credential Manager).
type KeyringStore struct {
	enabled bool
	mu      sync.RWMutex
}

// NewKeyringStore creates a new keyring store.
// If the system keyring is not available, the store will be disabled.
func NewKeyringStore() *KeyringStore {
	ks := &KeyringStore{
		enabled: true,
	}

	// Test if keyring is available by trying a dummy operation
	testKey := "__tunnelkeep_test__"
	err := keyring.Set(KeyringService, testKey, "test")
	if err != nil {
		slog.Debug("keyring not available",
			slog.String("error", err.Error()),
		)
		ks.enabled = false
		return ks
	}

	// Clean up test entry
	_ = keyring.Delete(KeyringService, testKey)

	slog.Debug("keyring storage enabled")
	return ks
}

// IsEnabled returns true if the keyring is available and enabled.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled allows enabling/disabling keyring usage.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

// entryKey builds the keyring entry name for a user@host pair.
func entryKey(user, host string) string {
	return fmt.Sprintf("ssh-password:%s@%s", user, host)
}

// StorePassword stores an SSH password for user@host in the keyring.
func (ks *KeyringStore) StorePassword(user, host string, password []byte) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	// Base64 encode to safely store binary data
	encoded := base64.StdEncoding.EncodeToString(password)

	if err := keyring.Set(KeyringService, entryKey(user, host), encoded); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}

	slog.Debug("stored SSH password in keyring",
		slog.String("user", user),
		slog.String("host", host),
	)
	return nil
}

// GetPassword retrieves an SSH password for user@host from the keyring.
// The caller owns the returned bytes and should wipe them when done.
func (ks *KeyringStore) GetPassword(user, host string) ([]byte, error) {
	if !ks.IsEnabled() {
		return nil, fmt.Errorf("keyring not available")
	}

	encoded, err := keyring.Get(KeyringService, entryKey(user, host))
	if err != nil {
		return nil, fmt.Errorf("failed to get password: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode password: %w", err)
	}
	return decoded, nil
}

// DeletePassword removes a stored SSH password from the keyring.
func (ks *KeyringStore) DeletePassword(user, host string) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	if err := keyring.Delete(KeyringService, entryKey(user, host)); err != nil {
		return fmt.Errorf("failed to delete password: %w", err)
	}
	return nil
}
