// Package credential resolves SSH connection credentials, either from
// locally supplied fields or from a remote JSON endpoint.
package credential

import (
	"fmt"
	"time"
)

// AuthType selects the SSH authentication method.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
)

// Credential is an immutable snapshot of everything needed for one
// connection attempt. A fresh one is resolved per reconnect cycle so
// rotated credentials take effect.
type Credential struct {
	AuthType AuthType
	Host     string
	Port     int
	User     string

	// Password is the SSH password (password auth) or the key passphrase
	// (key auth). May be empty for unencrypted keys.
	Password string

	// PrivateKey is raw PEM content or a filesystem path.
	PrivateKey string

	// Display metadata, advisory only.
	Region     string
	SourceRef  string
	ExpiresAt  *time.Time
	ExpiresRaw string
}

// Addr returns the host:port dial target.
func (c *Credential) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Target returns the user@host display form.
func (c *Credential) Target() string {
	return fmt.Sprintf("%s@%s", c.User, c.Host)
}

// Validate checks the method-specific required fields.
func (c *Credential) Validate() error {
	if c.Host == "" {
		return &ValidationError{Field: "host", Reason: "required"}
	}
	if c.User == "" {
		return &ValidationError{Field: "user", Reason: "required"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("%d out of range", c.Port)}
	}

	switch c.AuthType {
	case AuthPassword:
		if c.Password == "" {
			return &ValidationError{Field: "password", Reason: "required for password auth"}
		}
	case AuthKey:
		if c.PrivateKey == "" {
			return &ValidationError{Field: "private_key", Reason: "required for key auth"}
		}
	default:
		return &ValidationError{Field: "auth_type", Reason: fmt.Sprintf("unknown value %q", c.AuthType)}
	}

	return nil
}
