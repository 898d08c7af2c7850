// Package supervisor runs the connection lifecycle: resolve credentials,
// materialize key material, launch the SSH client, classify its health, and
// reconnect with bounded exponential backoff. One cycle runs at a time;
// teardown is unconditional on every exit path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acolita/tunnelkeep/internal/config"
	"github.com/acolita/tunnelkeep/internal/credential"
	"github.com/acolita/tunnelkeep/internal/health"
	"github.com/acolita/tunnelkeep/internal/keymat"
	"github.com/acolita/tunnelkeep/internal/ports"
	"github.com/acolita/tunnelkeep/internal/tunnel"
)

// probeTimeout bounds one SOCKS liveness probe.
const probeTimeout = 2 * time.Second

// tailLimit caps the rolling output buffer used for classification.
const tailLimit = 8192

// session is the slice of tunnel.Session the supervisor needs; tests
// substitute a scripted implementation.
type session interface {
	Events() <-chan tunnel.Event
	Done() <-chan struct{}
	ExitErr() error
	Alive() bool
	SendSecret(secret []byte) error
	Terminate(grace time.Duration)
}

// Supervisor drives the reconnect loop.
type Supervisor struct {
	mu     sync.RWMutex
	cfg    *config.Config
	source credential.Source
	clock  ports.Clock
	out    io.Writer

	reload chan struct{}

	// Indirections for tests.
	start func(ctx context.Context, spec tunnel.Spec) (session, error)
	probe func(ctx context.Context, addr string, timeout time.Duration) error
}

// New creates a supervisor for the given config and credential source.
func New(cfg *config.Config, source credential.Source, clock ports.Clock) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		source: source,
		clock:  clock,
		out:    os.Stdout,
		reload: make(chan struct{}, 1),
		start: func(ctx context.Context, spec tunnel.Spec) (session, error) {
			return tunnel.Start(ctx, spec)
		},
		probe: health.Probe,
	}
}

// NotifyReload nudges the supervisor to recycle the current tunnel, e.g.
// after a config file change. Coalesces repeated notifications.
func (s *Supervisor) NotifyReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// UpdateConfig swaps in a new configuration and recycles the tunnel so it
// takes effect. Backoff bounds apply from the next reconnect delay.
func (s *Supervisor) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.NotifyReload()
}

func (s *Supervisor) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Run loops until ctx is cancelled or a fatal configuration/validation
// error occurs. All other failures reconnect with backoff; the delay grows
// across consecutive failures and resets after any Connected state.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config().Tunnel.BackoffInitial
	bo.MaxInterval = s.config().Tunnel.BackoffMax
	bo.MaxElapsedTime = 0 // never give up
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		connected, err := s.runCycle(ctx)

		if ctx.Err() != nil {
			slog.Info("shutting down")
			return ctx.Err()
		}

		if err != nil {
			if isFatal(err) {
				slog.Error("fatal configuration error", slog.String("error", err.Error()))
				return err
			}
			slog.Error("session ended", slog.String("error", err.Error()))

			// A rejected password must not be silently retried forever;
			// drop it so the next cycle asks again.
			if authRejected(err) {
				if inv, ok := s.source.(credential.Invalidator); ok {
					inv.Invalidate()
				}
			}
		}

		if connected {
			bo.Reset()
		}

		// Bounds follow the live config so a hot reload takes effect.
		cfg := s.config()
		bo.InitialInterval = cfg.Tunnel.BackoffInitial
		bo.MaxInterval = cfg.Tunnel.BackoffMax

		delay := bo.NextBackOff()
		if delay > cfg.Tunnel.BackoffMax {
			delay = cfg.Tunnel.BackoffMax
		}
		slog.Info("reconnecting", slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reload:
			// Fall through to an immediate new cycle with fresh config.
		case <-s.clock.After(delay):
		}
	}
}

// isFatal reports whether an error should stop the loop instead of being
// retried. Only schema/configuration violations qualify; every runtime
// failure is treated as retryable (conservative default).
func isFatal(err error) bool {
	var verr *credential.ValidationError
	return errors.As(err, &verr)
}

// runCycle performs one full connection attempt. It reports whether the
// tunnel reached Connected at least once.
func (s *Supervisor) runCycle(ctx context.Context) (connected bool, err error) {
	cfg := s.config()

	cred, err := s.source.Resolve(ctx)
	if err != nil {
		return false, err
	}

	spec := tunnel.Spec{
		Binary:    cfg.Tunnel.SSHBinary,
		LocalHost: cfg.Tunnel.LocalHost,
		LocalPort: cfg.Tunnel.LocalPort,
		Host:      cred.Host,
		Port:      cred.Port,
		User:      cred.User,
	}

	fmt.Fprint(s.out, renderBanner(cred, spec.LocalAddr(), s.clock.Now()))

	if cred.AuthType == credential.AuthKey {
		key, kerr := keymat.Resolve(cred.PrivateKey)
		if kerr != nil {
			return false, kerr
		}
		defer func() {
			if cerr := key.Close(); cerr != nil {
				slog.Warn("key material cleanup", slog.String("error", cerr.Error()))
			}
		}()
		spec.KeyPath = key.Path

		if key.Encrypted && cred.Password == "" {
			slog.Warn("key is encrypted and no passphrase is available")
		}
	}

	sess, err := s.start(ctx, spec)
	if err != nil {
		return false, err
	}
	defer sess.Terminate(cfg.Tunnel.TerminateGrace)

	return s.supervise(ctx, cred, sess, spec.LocalAddr())
}

// supervise watches one session until a terminal state, cancellation, or a
// reload request.
func (s *Supervisor) supervise(ctx context.Context, cred *credential.Credential, sess session, localAddr string) (bool, error) {
	cfg := s.config()
	mon := health.NewMonitor(s.clock, cfg.Tunnel.ConnectTimeout)
	ticker := s.clock.NewTicker(cfg.Tunnel.PollInterval)
	defer ticker.Stop()

	events := sess.Events()
	connected := false
	tail := ""

	for {
		select {
		case <-ctx.Done():
			return connected, ctx.Err()

		case <-s.reload:
			slog.Info("configuration changed, recycling tunnel")
			return connected, nil

		case ev, ok := <-events:
			if !ok {
				// Output stream closed; the Done case reports the exit.
				events = nil
				continue
			}
			tail = appendTail(tail, ev.Chunk)
			sig := health.Classify(tail)
			if sig != health.SignalNone {
				tail = ""
			}
			s.handleSignal(mon, cred, sess, sig)

		case <-sess.Done():
			// Drain whatever output raced the exit before classifying it.
			if events != nil {
				for ev := range events {
					tail = appendTail(tail, ev.Chunk)
				}
			}
			if st := mon.ObserveSignal(health.Classify(tail)); st.Phase == health.PhaseConnected {
				connected = true
			}
			st := mon.ObserveExit()
			slog.Warn("ssh process exited",
				slog.String("state", st.String()),
				slog.String("exit", errString(sess.ExitErr())),
			)
			return connected, stateError(st)

		case <-ticker.C():
			if mon.ShouldProbe() {
				perr := s.probe(ctx, localAddr, probeTimeout)
				if perr != nil {
					slog.Debug("socks probe failed", slog.String("error", perr.Error()))
				}
				mon.ObserveProbe(perr == nil && sess.Alive())
			}
		}

		st := mon.State()
		if st.Phase == health.PhaseConnected && !connected {
			connected = true
			slog.Info("tunnel established",
				slog.String("socks5", localAddr),
				slog.String("target", cred.Target()),
			)
		}
		if st.Terminal() {
			return connected, stateError(st)
		}
	}
}

// handleSignal reacts to classified output: answers credential prompts,
// folds everything else into the monitor.
func (s *Supervisor) handleSignal(mon *health.Monitor, cred *credential.Credential, sess session, sig health.Signal) {
	switch sig {
	case health.SignalPasswordPrompt:
		if cred.AuthType != credential.AuthPassword {
			slog.Error("server asked for a password but auth type is key")
			mon.Fail(health.ReasonAuthRejected)
			return
		}
		if cred.Password == "" {
			slog.Error("server asked for a password but none is available")
			mon.Fail(health.ReasonNoPassword)
			return
		}
		slog.Info("sending password")
		if err := sess.SendSecret([]byte(cred.Password)); err != nil {
			slog.Error("send password", slog.String("error", err.Error()))
			mon.Fail(health.ReasonNoPassword)
		}

	case health.SignalPassphrasePrompt:
		if cred.Password == "" {
			slog.Error("key passphrase required but none is available")
			mon.Fail(health.ReasonNoPassword)
			return
		}
		slog.Info("sending key passphrase")
		if err := sess.SendSecret([]byte(cred.Password)); err != nil {
			slog.Error("send passphrase", slog.String("error", err.Error()))
			mon.Fail(health.ReasonNoPassword)
		}

	default:
		mon.ObserveSignal(sig)
	}
}

// appendTail keeps the rolling classification buffer bounded.
func appendTail(tail, chunk string) string {
	tail += chunk
	if len(tail) > tailLimit {
		tail = tail[len(tail)-tailLimit:]
	}
	return tail
}

// cycleError is a cycle that ended in a terminal health state.
type cycleError struct {
	state health.State
}

func (e *cycleError) Error() string {
	return fmt.Sprintf("tunnel %s", e.state)
}

// stateError converts a terminal state into the cycle's error.
func stateError(st health.State) error {
	return &cycleError{state: st}
}

// authRejected reports whether a cycle error means the server rejected the
// credentials we presented.
func authRejected(err error) bool {
	var cerr *cycleError
	if !errors.As(err, &cerr) {
		return false
	}
	return cerr.state.Phase == health.PhaseFailed &&
		(cerr.state.Reason == health.ReasonAuthRejected || cerr.state.Reason == health.ReasonNoPassword)
}

func errString(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
