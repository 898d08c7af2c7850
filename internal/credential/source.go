package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acolita/tunnelkeep/internal/ports"
	"github.com/acolita/tunnelkeep/internal/security"
)

// maxResponseBytes bounds the credential document size.
const maxResponseBytes = 1 << 20

// Source resolves a fresh Credential for one connection attempt.
type Source interface {
	Resolve(ctx context.Context) (*Credential, error)
}

// Invalidator is implemented by sources holding cached secrets that should
// be discarded after the server rejects them.
type Invalidator interface {
	Invalidate()
}

// ---------------------------------------------------------------------------
// Manual source
// ---------------------------------------------------------------------------

// ManualSource builds credentials from locally supplied fields. No network
// calls are made. When password auth is selected and no password was given,
// the OS keyring and then an interactive prompt are consulted; the answer is
// cached so later reconnect cycles do not re-prompt.
type ManualSource struct {
	Host       string
	User       string
	Port       int
	Password   string
	KeyPath    string
	Keyring    *security.KeyringStore // optional
	Dialog     ports.Dialog           // optional
	StoreOnUse bool                   // save a prompted password to the keyring

	mu     sync.Mutex
	cached string
}

// Resolve implements Source.
func (s *ManualSource) Resolve(ctx context.Context) (*Credential, error) {
	if s.Host == "" {
		return nil, &ValidationError{Field: "host", Reason: "required in manual mode"}
	}

	user := s.User
	if user == "" {
		user = "root"
	}
	port := s.Port
	if port == 0 {
		port = 22
	}

	authType := AuthPassword
	if s.KeyPath != "" {
		authType = AuthKey
	}

	password := s.Password
	if authType == AuthPassword && password == "" {
		var err error
		password, err = s.lookupPassword(user)
		if err != nil {
			return nil, err
		}
	}

	cred := &Credential{
		AuthType:   authType,
		Host:       s.Host,
		Port:       port,
		User:       user,
		Password:   password,
		PrivateKey: s.KeyPath,
		Region:     "Local",
		SourceRef:  "CLI Args",
	}

	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// lookupPassword tries the keyring, then the interactive dialog.
func (s *ManualSource) lookupPassword(user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	if s.Keyring != nil && s.Keyring.IsEnabled() {
		if b, err := s.Keyring.GetPassword(user, s.Host); err == nil {
			s.cached = string(b)
			security.WipeBytes(b)
			slog.Debug("using password from keyring",
				slog.String("user", user),
				slog.String("host", s.Host),
			)
			return s.cached, nil
		}
	}

	if s.Dialog == nil {
		return "", &ValidationError{Field: "password", Reason: "required for password auth"}
	}

	password, err := s.Dialog.PromptPassword(fmt.Sprintf("%s@%s", user, s.Host))
	if err != nil {
		return "", fmt.Errorf("prompt for password: %w", err)
	}
	if password == "" {
		return "", &ValidationError{Field: "password", Reason: "required for password auth"}
	}

	s.cached = password
	if s.StoreOnUse && s.Keyring != nil && s.Keyring.IsEnabled() {
		if err := s.Keyring.StorePassword(user, s.Host, []byte(password)); err != nil {
			slog.Warn("could not store password in keyring",
				slog.String("error", err.Error()),
			)
		}
	}
	return password, nil
}

// Invalidate drops the cached password and its keyring entry, so the next
// Resolve prompts again. Called after an authentication rejection; a
// password supplied directly in the Password field is kept, since there is
// nothing better to re-ask for.
func (s *ManualSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == "" {
		return
	}
	s.cached = ""

	if s.Keyring != nil && s.Keyring.IsEnabled() {
		user := s.User
		if user == "" {
			user = "root"
		}
		if err := s.Keyring.DeletePassword(user, s.Host); err != nil {
			slog.Debug("no keyring entry to remove", slog.String("error", err.Error()))
		}
	}
	slog.Info("discarded rejected password, will prompt again")
}

// ---------------------------------------------------------------------------
// API source
// ---------------------------------------------------------------------------

// APISource fetches a credential document from a remote endpoint. Each
// Resolve issues a fresh GET so rotated credentials take effect on
// reconnect.
type APISource struct {
	URL    string
	Client *http.Client
}

// NewAPISource returns an APISource with a bounded-timeout HTTP client.
func NewAPISource(url string, timeout time.Duration) *APISource {
	return &APISource{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Resolve implements Source.
func (s *APISource) Resolve(ctx context.Context) (*Credential, error) {
	slog.Info("fetching credentials", slog.String("url", s.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: s.URL, Err: err}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: s.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: s.URL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &FetchError{URL: s.URL, Err: err}
	}

	return Parse(body)
}

// payload is the wire schema of the credential document.
type payload struct {
	AuthType   string  `json:"auth_type"`
	Host       string  `json:"host"`
	Port       flexInt `json:"port"`
	User       string  `json:"user"`
	Password   string  `json:"password"`
	PrivateKey string  `json:"private_key"`
	Region     string  `json:"region"`
	Ref        string  `json:"ref"`
	ExpAt      string  `json:"exp_at"`
	ExpiresAt  string  `json:"expires_at"`
}

// flexInt accepts both 22 and "22" on the wire.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*f = flexInt(n)
	return nil
}

// Parse decodes and validates exactly one credential JSON object.
func Parse(data []byte) (*Credential, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))

	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, &ParseError{Err: err}
	}
	if dec.More() {
		return nil, &ParseError{Err: fmt.Errorf("trailing data after credential object")}
	}

	authType := AuthType(strings.ToLower(p.AuthType))
	if p.AuthType == "" {
		authType = AuthPassword
	}

	port := int(p.Port)
	if port == 0 {
		port = 22
	}

	expRaw := p.ExpAt
	if expRaw == "" {
		expRaw = p.ExpiresAt
	}
	expires := ParseExpiry(expRaw)
	if expRaw != "" && expires == nil {
		slog.Warn("unknown expiration date format", slog.String("value", expRaw))
	}

	cred := &Credential{
		AuthType:   authType,
		Host:       p.Host,
		Port:       port,
		User:       p.User,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
		Region:     p.Region,
		SourceRef:  p.Ref,
		ExpiresAt:  expires,
		ExpiresRaw: expRaw,
	}

	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// ---------------------------------------------------------------------------
// Key override
// ---------------------------------------------------------------------------

// keyOverrideSource wraps a Source and forces key auth with a local key
// path, regardless of what the wrapped source returned.
type keyOverrideSource struct {
	inner   Source
	keyPath string
}

// WithKeyOverride forces key authentication with keyPath on top of src.
// Used when a local private key is supplied alongside API mode.
func WithKeyOverride(src Source, keyPath string) Source {
	if keyPath == "" {
		return src
	}
	return &keyOverrideSource{inner: src, keyPath: keyPath}
}

// Invalidate forwards to the wrapped source.
func (s *keyOverrideSource) Invalidate() {
	if inv, ok := s.inner.(Invalidator); ok {
		inv.Invalidate()
	}
}

func (s *keyOverrideSource) Resolve(ctx context.Context) (*Credential, error) {
	cred, err := s.inner.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("overriding auth with local private key",
		slog.String("path", s.keyPath),
	)

	out := *cred
	out.AuthType = AuthKey
	out.PrivateKey = s.keyPath

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}
