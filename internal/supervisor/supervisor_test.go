package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/acolita/tunnelkeep/internal/config"
	"github.com/acolita/tunnelkeep/internal/credential"
	"github.com/acolita/tunnelkeep/internal/testing/fakes/fakeclock"
	"github.com/acolita/tunnelkeep/internal/tunnel"
)

// ============================================================
// Fakes
// ============================================================

// fakeSession is a scripted stand-in for a running ssh process.
type fakeSession struct {
	events chan tunnel.Event
	done   chan struct{}

	mu         sync.Mutex
	secrets    []string
	terminated bool
	exitErr    error
	onSecret   func(fs *fakeSession)

	exitOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan tunnel.Event, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeSession) emit(chunk string) { f.events <- tunnel.Event{Chunk: chunk} }

func (f *fakeSession) exit(err error) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exitErr = err
		f.mu.Unlock()
		close(f.events)
		close(f.done)
	})
}

func (f *fakeSession) Events() <-chan tunnel.Event { return f.events }
func (f *fakeSession) Done() <-chan struct{}       { return f.done }

func (f *fakeSession) ExitErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *fakeSession) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeSession) SendSecret(secret []byte) error {
	f.mu.Lock()
	f.secrets = append(f.secrets, string(secret))
	cb := f.onSecret
	f.mu.Unlock()
	if cb != nil {
		cb(f)
	}
	return nil
}

func (f *fakeSession) Terminate(grace time.Duration) {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
}

func (f *fakeSession) sentSecrets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.secrets...)
}

func (f *fakeSession) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// errScriptDone stops the loop once a test's scripted cycles are spent.
// ValidationError is the one error class the supervisor treats as fatal.
var errScriptDone = &credential.ValidationError{Field: "host", Reason: "script exhausted"}

// fakeSource returns one scripted credential per cycle, then errScriptDone.
type fakeSource struct {
	mu            sync.Mutex
	creds         []*credential.Credential
	calls         int
	invalidations int
}

func (f *fakeSource) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

func (f *fakeSource) invalidateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidations
}

func (f *fakeSource) Resolve(ctx context.Context) (*credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.creds) {
		f.calls++
		return nil, errScriptDone
	}
	cred := f.creds[f.calls]
	f.calls++
	return cred, nil
}

func (f *fakeSource) resolveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingClock records reconnect delays and fires them immediately so the
// loop proceeds without real waiting.
type recordingClock struct {
	*fakeclock.Clock

	mu     sync.Mutex
	delays []time.Duration
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- c.Clock.Now()
	return ch
}

func (c *recordingClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func passwordCred() *credential.Credential {
	return &credential.Credential{
		AuthType: credential.AuthPassword,
		Host:     "198.51.100.7",
		Port:     22,
		User:     "root",
		Password: "hunter2",
	}
}

func newTestSupervisor(src credential.Source, start func(ctx context.Context, spec tunnel.Spec) (session, error)) (*Supervisor, *recordingClock) {
	cfg := config.DefaultConfig()
	cfg.API.URL = "http://credentials.invalid/node"

	clock := &recordingClock{Clock: fakeclock.New(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))}

	s := New(cfg, src, clock)
	s.out = io.Discard
	s.start = start
	s.probe = func(ctx context.Context, addr string, timeout time.Duration) error {
		return errors.New("no socks answer")
	}
	return s, clock
}

// exitedSession returns a session whose process already died.
func exitedSession(chunks ...string) *fakeSession {
	fs := newFakeSession()
	for _, c := range chunks {
		fs.emit(c)
	}
	fs.exit(errors.New("exit status 255"))
	return fs
}

// ============================================================
// Loop control
// ============================================================

func TestRun_ValidationErrorIsFatal(t *testing.T) {
	src := &fakeSource{} // first resolve already fails
	started := false
	sup, clock := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		started = true
		return newFakeSession(), nil
	})

	err := sup.Run(context.Background())

	var verr *credential.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Run() = %v, want validation error", err)
	}
	if started {
		t.Error("no process should be launched for an invalid credential")
	}
	if len(clock.Delays()) != 0 {
		t.Error("fatal errors must not schedule a reconnect")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{creds: []*credential.Credential{passwordCred()}}
	sup, _ := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		cancel()
		fs := newFakeSession()
		fs.exit(nil)
		return fs, nil
	})

	if err := sup.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

// ============================================================
// Backoff
// ============================================================

func TestRun_BackoffGrows(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{
		passwordCred(), passwordCred(), passwordCred(),
	}}
	sup, clock := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		return exitedSession(), nil
	})

	sup.Run(context.Background())

	delays := clock.Delays()
	if len(delays) != 3 {
		t.Fatalf("recorded %d delays, want 3: %v", len(delays), delays)
	}
	if delays[0] != 2*time.Second {
		t.Errorf("first delay = %v, want the initial interval", delays[0])
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delay %d (%v) did not grow over %v", i, delays[i], delays[i-1])
		}
	}
}

func TestRun_BackoffCapped(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{
		passwordCred(), passwordCred(), passwordCred(), passwordCred(), passwordCred(),
	}}
	sup, clock := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		return exitedSession(), nil
	})
	cfg := config.DefaultConfig()
	cfg.API.URL = "http://credentials.invalid/node"
	cfg.Tunnel.BackoffMax = 4 * time.Second
	sup.cfg = cfg

	sup.Run(context.Background())

	for _, d := range clock.Delays() {
		if d > 4*time.Second {
			t.Errorf("delay %v exceeds the configured ceiling", d)
		}
	}
}

func TestRun_BackoffResetsAfterConnect(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{
		passwordCred(), passwordCred(), passwordCred(),
	}}
	sessions := []*fakeSession{
		exitedSession(),
		exitedSession("debug1: Entering interactive session.\r\n"),
		exitedSession(),
	}
	i := 0
	sup, clock := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		fs := sessions[i]
		i++
		return fs, nil
	})

	sup.Run(context.Background())

	delays := clock.Delays()
	if len(delays) != 3 {
		t.Fatalf("recorded %d delays, want 3: %v", len(delays), delays)
	}
	// Cycle 2 reached Connected before dying, so its delay starts over.
	if delays[1] != 2*time.Second {
		t.Errorf("post-connect delay = %v, want the initial interval", delays[1])
	}
	if delays[2] <= delays[1] {
		t.Errorf("delay after a fresh failure should grow, got %v then %v", delays[1], delays[2])
	}
}

// ============================================================
// Prompt answering
// ============================================================

func TestRun_AnswersPasswordPrompt(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{passwordCred()}}

	fs := newFakeSession()
	fs.onSecret = func(fs *fakeSession) {
		fs.emit("debug1: Entering interactive session.\r\n")
		fs.exit(nil)
	}
	fs.emit("root@198.51.100.7's password: ")

	sup, _ := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		return fs, nil
	})
	sup.Run(context.Background())

	secrets := fs.sentSecrets()
	if len(secrets) != 1 || secrets[0] != "hunter2" {
		t.Errorf("sent secrets = %q, want the credential password once", secrets)
	}
	if !fs.wasTerminated() {
		t.Error("session must be torn down when the cycle ends")
	}
}

func TestRun_PasswordPromptUnderKeyAuthFails(t *testing.T) {
	cred := passwordCred()
	cred.AuthType = credential.AuthKey
	cred.PrivateKey = "/tmp/tunnelkeep-test-key"
	cred.Password = ""
	src := &fakeSource{creds: []*credential.Credential{cred}}

	fs := newFakeSession()
	fs.emit("root@198.51.100.7's password: ")

	sup, _ := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		return fs, nil
	})
	sup.Run(context.Background())

	if len(fs.sentSecrets()) != 0 {
		t.Error("nothing must be written to the pty when no secret applies")
	}
	if !fs.wasTerminated() {
		t.Error("session must be torn down after the auth failure")
	}
}

func TestRun_AuthRejectionInvalidatesSource(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{passwordCred(), passwordCred()}}

	sup, _ := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		return exitedSession("root@198.51.100.7's password: \r\nPermission denied, please try again.\r\n"), nil
	})
	sup.Run(context.Background())

	// Each rejected cycle must drop the cached password so the next attempt
	// resolves a fresh one.
	if got := src.invalidateCalls(); got != 2 {
		t.Errorf("invalidations = %d, want one per rejected cycle", got)
	}
}

func TestRun_TransientFailureKeepsCachedCredential(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{passwordCred(), passwordCred()}}

	sup, _ := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		return exitedSession("connect to host 198.51.100.7 port 22: Connection refused\r\n"), nil
	})
	sup.Run(context.Background())

	if got := src.invalidateCalls(); got != 0 {
		t.Errorf("invalidations = %d, a refused connection says nothing about the password", got)
	}
}

// ============================================================
// Reload
// ============================================================

func TestRun_ReloadRecyclesTunnel(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{passwordCred(), passwordCred()}}

	started := make(chan *fakeSession, 4)
	sup, _ := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		fs := newFakeSession()
		started <- fs
		return fs, nil
	})

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	first := <-started
	sup.NotifyReload()

	<-started
	sup.NotifyReload()

	if err := <-runDone; !errors.As(err, new(*credential.ValidationError)) {
		t.Fatalf("Run() = %v", err)
	}
	if !first.wasTerminated() {
		t.Error("reload must terminate the old session")
	}
	if src.resolveCalls() < 3 {
		t.Errorf("resolve calls = %d, want a fresh resolve per recycle", src.resolveCalls())
	}
}

func TestRun_ReloadTightensBackoffCeiling(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{
		passwordCred(), passwordCred(), passwordCred(), passwordCred(), passwordCred(),
	}}

	lowered := config.DefaultConfig()
	lowered.API.URL = "http://credentials.invalid/node"
	lowered.Tunnel.BackoffMax = 3 * time.Second

	var sup *Supervisor
	calls := 0
	start := func(ctx context.Context, spec tunnel.Spec) (session, error) {
		calls++
		if calls == 3 {
			sup.UpdateConfig(lowered)
		}
		return exitedSession(), nil
	}
	sup, clock := newTestSupervisor(src, start)

	sup.Run(context.Background())

	delays := clock.Delays()
	if len(delays) < 4 {
		t.Fatalf("recorded %d delays: %v", len(delays), delays)
	}
	// Growth had already passed the new ceiling when the reload landed; every
	// delay from then on must respect it.
	for _, d := range delays[2:] {
		if d > 3*time.Second {
			t.Errorf("delay %v exceeds the reloaded ceiling, all delays: %v", d, delays)
		}
	}
}

// ============================================================
// Silent-client probing
// ============================================================

func TestRun_SilentClientConnectsViaProbe(t *testing.T) {
	src := &fakeSource{creds: []*credential.Credential{passwordCred()}}

	started := make(chan *fakeSession, 1)
	sup, clock := newTestSupervisor(src, func(ctx context.Context, spec tunnel.Spec) (session, error) {
		fs := newFakeSession()
		started <- fs
		return fs, nil
	})

	probed := make(chan struct{}, 16)
	sup.probe = func(ctx context.Context, addr string, timeout time.Duration) error {
		probed <- struct{}{}
		return nil
	}

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	fs := <-started

	// Keep nudging the fake ticker until the probe fires; the client never
	// prints anything, so the probe is the only connect signal.
	deadline := time.After(5 * time.Second)
	for fired := false; !fired; {
		clock.Clock.Advance(5 * time.Second)
		select {
		case <-probed:
			fired = true
		case <-deadline:
			t.Fatal("probe never ran")
		case <-time.After(20 * time.Millisecond):
		}
	}

	fs.exit(errors.New("connection dropped"))
	<-runDone

	delays := clock.Delays()
	if len(delays) == 0 {
		t.Fatal("no reconnect delay recorded")
	}
	// The cycle counted as connected, so backoff restarted from the bottom.
	if delays[0] != 2*time.Second {
		t.Errorf("delay after a connected cycle = %v, want the initial interval", delays[0])
	}
}
