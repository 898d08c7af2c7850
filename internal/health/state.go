// Package health classifies the state of a running tunnel attempt from the
// subprocess output stream, elapsed time, process liveness, and a SOCKS5
// probe against the local port. The SSH client may legitimately produce no
// output at all, so the probe is the authoritative signal; output matching
// is an optimization.
package health

// Phase is the lifecycle phase of a connection attempt.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason explains a terminal state.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAuthRejected
	ReasonHostKeyFailed
	ReasonConnRefused
	ReasonTimedOut
	ReasonProcessExited
	ReasonProbeFailed
	ReasonNoPassword
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonAuthRejected:
		return "authentication rejected"
	case ReasonHostKeyFailed:
		return "host key verification failed"
	case ReasonConnRefused:
		return "connection refused"
	case ReasonTimedOut:
		return "connection timed out"
	case ReasonProcessExited:
		return "process exited"
	case ReasonProbeFailed:
		return "local SOCKS port not responding"
	case ReasonNoPassword:
		return "credential prompt with no secret available"
	default:
		return "unknown"
	}
}

// State is the classified connection state. Failed carries a reason and
// means the failure is not transient; Disconnected is transient.
type State struct {
	Phase  Phase
	Reason Reason
}

// Terminal reports whether the state requires teardown before any
// reconnect decision.
func (s State) Terminal() bool {
	return s.Phase == PhaseDisconnected || s.Phase == PhaseFailed
}

func (s State) String() string {
	if s.Reason == ReasonNone {
		return s.Phase.String()
	}
	return s.Phase.String() + " (" + s.Reason.String() + ")"
}
