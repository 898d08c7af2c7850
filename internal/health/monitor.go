package health

import (
	"time"

	"github.com/acolita/tunnelkeep/internal/ports"
)

// maxProbeFailures is how many consecutive probe failures a Connected
// tunnel survives before being declared Disconnected. A single failed
// probe under load is not evidence of a dead tunnel.
const maxProbeFailures = 3

// Monitor classifies one tunnel attempt. It is owned by a single
// supervisor cycle and is not safe for concurrent use.
type Monitor struct {
	clock          ports.Clock
	connectTimeout time.Duration
	startedAt      time.Time

	state         State
	probeFailures int
}

// NewMonitor starts a monitor in the Connecting phase.
func NewMonitor(clock ports.Clock, connectTimeout time.Duration) *Monitor {
	return &Monitor{
		clock:          clock,
		connectTimeout: connectTimeout,
		startedAt:      clock.Now(),
		state:          State{Phase: PhaseConnecting},
	}
}

// State returns the current classification.
func (m *Monitor) State() State {
	return m.state
}

// Elapsed returns time since the attempt started.
func (m *Monitor) Elapsed() time.Duration {
	return m.clock.Now().Sub(m.startedAt)
}

// ObserveSignal folds an output signal into the state machine.
func (m *Monitor) ObserveSignal(sig Signal) State {
	if m.state.Terminal() {
		return m.state
	}

	switch sig {
	case SignalSuccess:
		m.toConnected()
	case SignalAuthRejected, SignalHostKeyFailed:
		m.state = State{Phase: PhaseFailed, Reason: FailureReason(sig)}
	case SignalConnRefused, SignalTimedOut:
		m.state = State{Phase: PhaseDisconnected, Reason: FailureReason(sig)}
	}
	return m.state
}

// ObserveExit records an unexpected subprocess exit.
func (m *Monitor) ObserveExit() State {
	if m.state.Terminal() {
		return m.state
	}
	m.state = State{Phase: PhaseDisconnected, Reason: ReasonProcessExited}
	return m.state
}

// Fail records a non-transient failure decided outside the pattern table,
// such as a credential prompt with nothing to answer it.
func (m *Monitor) Fail(reason Reason) State {
	if m.state.Terminal() {
		return m.state
	}
	m.state = State{Phase: PhaseFailed, Reason: reason}
	return m.state
}

// ShouldProbe reports whether a port-liveness probe is due: always while
// Connected, and while Connecting once the connect timeout has elapsed
// without a terminal signal (the silent-client case).
func (m *Monitor) ShouldProbe() bool {
	switch m.state.Phase {
	case PhaseConnected:
		return true
	case PhaseConnecting:
		return m.Elapsed() >= m.connectTimeout
	default:
		return false
	}
}

// ObserveProbe folds a probe result into the state machine. A successful
// probe is authoritative: it moves Connecting to Connected even with zero
// output observed.
func (m *Monitor) ObserveProbe(ok bool) State {
	if m.state.Terminal() {
		return m.state
	}

	if ok {
		m.probeFailures = 0
		m.toConnected()
		return m.state
	}

	m.probeFailures++
	switch m.state.Phase {
	case PhaseConnecting:
		// Past twice the connect threshold with a dead port, the attempt
		// is not going to make it.
		if m.Elapsed() >= 2*m.connectTimeout {
			m.state = State{Phase: PhaseDisconnected, Reason: ReasonProbeFailed}
		}
	case PhaseConnected:
		if m.probeFailures >= maxProbeFailures {
			m.state = State{Phase: PhaseDisconnected, Reason: ReasonProbeFailed}
		}
	}
	return m.state
}

func (m *Monitor) toConnected() {
	if m.state.Phase == PhaseConnecting {
		m.state = State{Phase: PhaseConnected}
	}
}
