// Package tunnel owns the lifecycle of one external SSH client invocation
// in dynamic-forward mode. The client runs under a PTY so password and
// passphrase prompts can be answered programmatically.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/acolita/tunnelkeep/internal/security"
)

// Spec describes one SSH client invocation.
type Spec struct {
	Binary    string // ssh client binary, usually "ssh"
	LocalHost string // local SOCKS bind address
	LocalPort int
	Host      string
	Port      int
	User      string
	KeyPath   string // empty for password auth
}

// LaunchError reports a subprocess that could not be spawned: binary
// missing, bad arguments. Fatal for the current attempt.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Args builds the ssh argv for dynamic port forwarding.
// -N -C and keepalive/timeouts match what a careful operator would type by
// hand; -v gives the health monitor output to classify.
func (s Spec) Args() []string {
	args := []string{
		"-D", net.JoinHostPort(s.LocalHost, strconv.Itoa(s.LocalPort)),
		"-N",
		"-C",
		"-v",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ServerAliveInterval=15",
		"-o", "ConnectTimeout=10",
	}

	if s.KeyPath != "" {
		args = append(args, "-i", s.KeyPath)
	}

	args = append(args,
		"-p", strconv.Itoa(s.Port),
		fmt.Sprintf("%s@%s", s.User, s.Host),
	)
	return args
}

// LocalAddr returns the SOCKS endpoint the client binds.
func (s Spec) LocalAddr() string {
	return net.JoinHostPort(s.LocalHost, strconv.Itoa(s.LocalPort))
}

// Event is a chunk of raw subprocess output. Prompts do not end in a
// newline, so output is delivered as read, not line-buffered.
type Event struct {
	Chunk string
}

// Session is one running SSH client attempt. Owned by a single supervisor
// cycle; never shared between cycles.
type Session struct {
	StartedAt time.Time

	cmd *exec.Cmd
	pty *os.File

	events chan Event
	done   chan struct{}

	mu         sync.Mutex
	exitErr    error
	terminated bool
}

// Start spawns the SSH client under a PTY. It confirms only that the
// process exists; tunnel readiness is the health monitor's job.
func Start(ctx context.Context, spec Spec) (*Session, error) {
	s, err := startRaw(ctx, spec.Binary, spec.Args()...)
	if err != nil {
		return nil, err
	}

	slog.Debug("ssh process started",
		slog.Int("pid", s.cmd.Process.Pid),
		slog.String("target", fmt.Sprintf("%s@%s:%d", spec.User, spec.Host, spec.Port)),
	)
	return s, nil
}

func startRaw(ctx context.Context, binary string, args ...string) (*Session, error) {
	cmd := exec.CommandContext(ctx, binary, args...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &LaunchError{Binary: binary, Err: err}
	}

	s := &Session{
		StartedAt: time.Now(),
		cmd:       cmd,
		pty:       ptmx,
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}

	go s.readLoop()
	go s.waitLoop()

	return s, nil
}

// readLoop streams PTY output chunks to the events channel.
func (s *Session) readLoop() {
	defer close(s.events)

	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			select {
			case s.events <- Event{Chunk: string(buf[:n])}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			// EOF or EIO once the child exits and the slave side closes.
			return
		}
	}
}

// waitLoop reaps the subprocess and records its exit error.
func (s *Session) waitLoop() {
	err := s.cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()

	close(s.done)
}

// Events returns the subprocess output stream. Closed when the PTY closes.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the subprocess has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitErr returns the subprocess exit error once Done is closed.
func (s *Session) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Alive reports whether the subprocess is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// SendSecret writes a secret line to the PTY and wipes the buffer.
func (s *Session) SendSecret(secret []byte) error {
	buf := make([]byte, 0, len(secret)+1)
	buf = append(buf, secret...)
	buf = append(buf, '\n')

	_, err := s.pty.Write(buf)
	security.WipeBytes(buf)
	if err != nil {
		return fmt.Errorf("write to ssh pty: %w", err)
	}
	return nil
}

// Terminate guarantees process termination, escalating from SIGTERM to
// SIGKILL after the grace period. Safe to call more than once. Resources
// tied to the session (the PTY) are released before it returns.
func (s *Session) Terminate(grace time.Duration) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	defer s.pty.Close()

	select {
	case <-s.done:
		return
	default:
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-s.done:
	case <-time.After(grace):
		slog.Warn("ssh process ignored SIGTERM, killing")
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
	}
}
