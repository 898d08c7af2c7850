// Package keymat turns a private-key field into something the external SSH
// client can read: either an existing path (with ~ expanded) or inline PEM
// content materialized to a restricted-permission temporary file.
package keymat

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// pemHeaderMarker identifies inline key material.
const pemHeaderMarker = "-----BEGIN"

// Kind says how the key material is delivered.
type Kind int

const (
	// KindPath references an existing file on disk.
	KindPath Kind = iota
	// KindInline was raw PEM content, written to a temporary file.
	KindInline
)

// ResolvedKey is usable key material for one connection attempt. Close must
// be called on teardown; for inline keys it removes the temporary file.
type ResolvedKey struct {
	Kind Kind
	Path string

	// Encrypted is set for inline keys protected by a passphrase.
	Encrypted bool

	tempPath string
}

// MaterialError reports key material that could not be materialized or
// secured. Fatal for the current cycle: an insecurely exposed key is worse
// than no tunnel.
type MaterialError struct {
	Err error
}

func (e *MaterialError) Error() string {
	return fmt.Sprintf("key material: %v", e.Err)
}

func (e *MaterialError) Unwrap() error { return e.Err }

// Resolve classifies raw as inline PEM or a filesystem path.
// Paths are not checked for existence here; the SSH client launch surfaces
// a missing file.
func Resolve(raw string) (*ResolvedKey, error) {
	if raw == "" {
		return nil, &MaterialError{Err: fmt.Errorf("empty private key")}
	}

	if strings.Contains(raw, pemHeaderMarker) {
		return materializeInline(raw)
	}

	return &ResolvedKey{
		Kind: KindPath,
		Path: ExpandTilde(raw),
	}, nil
}

// materializeInline writes PEM content to an owner-only temporary file.
func materializeInline(pem string) (*ResolvedKey, error) {
	encrypted := false
	if _, err := ssh.ParseRawPrivateKey([]byte(pem)); err != nil {
		if _, missing := err.(*ssh.PassphraseMissingError); missing {
			encrypted = true
		} else {
			// The external client gets the final say; it may understand
			// formats x/crypto does not.
			slog.Warn("inline key did not parse as a private key",
				slog.String("error", err.Error()),
			)
		}
	}

	f, err := os.CreateTemp("", "tunnelkeep-key-*")
	if err != nil {
		return nil, &MaterialError{Err: fmt.Errorf("create temp key file: %w", err)}
	}
	path := f.Name()

	cleanup := func() {
		f.Close()
		os.Remove(path)
	}

	if err := f.Chmod(0600); err != nil {
		cleanup()
		return nil, &MaterialError{Err: fmt.Errorf("restrict key file permissions: %w", err)}
	}

	content := pem
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if _, err := f.WriteString(content); err != nil {
		cleanup()
		return nil, &MaterialError{Err: fmt.Errorf("write key file: %w", err)}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &MaterialError{Err: fmt.Errorf("close key file: %w", err)}
	}

	return &ResolvedKey{
		Kind:      KindInline,
		Path:      path,
		Encrypted: encrypted,
		tempPath:  path,
	}, nil
}

// Close removes any temporary key material. Safe to call more than once.
func (k *ResolvedKey) Close() error {
	if k == nil || k.tempPath == "" {
		return nil
	}
	path := k.tempPath
	k.tempPath = ""

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp key file: %w", err)
	}
	return nil
}

// ExpandTilde expands a leading ~ segment to the user's home directory.
// Other paths are returned untouched.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
