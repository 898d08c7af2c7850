package health

import "regexp"

// Signal is what a piece of subprocess output means to the supervisor.
type Signal int

const (
	SignalNone Signal = iota
	// SignalPasswordPrompt means the client is waiting for the SSH password.
	SignalPasswordPrompt
	// SignalPassphrasePrompt means the client is waiting for a key passphrase.
	SignalPassphrasePrompt
	// SignalSuccess is an explicit success marker in the client output.
	SignalSuccess
	// SignalAuthRejected is an explicit authentication rejection.
	SignalAuthRejected
	// SignalHostKeyFailed is a host key verification failure.
	SignalHostKeyFailed
	// SignalConnRefused means the remote refused the TCP connection.
	SignalConnRefused
	// SignalTimedOut means the connect attempt timed out.
	SignalTimedOut
)

// pattern maps an output regex to a signal. Prompts carry no trailing
// newline, so prompt patterns anchor at the end of the buffered tail.
type pattern struct {
	name   string
	regex  *regexp.Regexp
	signal Signal
}

// patterns is ordered: errors win over prompts so that "Permission denied,
// please try again.\n...password:" classifies as a rejection first.
var patterns = []pattern{
	{
		name:   "permission_denied",
		regex:  regexp.MustCompile(`(?i)permission denied`),
		signal: SignalAuthRejected,
	},
	{
		name:   "host_key_failed",
		regex:  regexp.MustCompile(`(?i)host key verification failed`),
		signal: SignalHostKeyFailed,
	},
	{
		name:   "connection_refused",
		regex:  regexp.MustCompile(`(?i)connection refused`),
		signal: SignalConnRefused,
	},
	{
		name:   "timed_out",
		regex:  regexp.MustCompile(`(?i)(connection |operation )?timed out`),
		signal: SignalTimedOut,
	},
	{
		// "debug1: Entering interactive session." from ssh -v
		name:   "interactive_session",
		regex:  regexp.MustCompile(`Entering interactive session`),
		signal: SignalSuccess,
	},
	{
		name:   "key_passphrase",
		regex:  regexp.MustCompile(`(?i)enter passphrase for [^\n]*:\s*$`),
		signal: SignalPassphrasePrompt,
	},
	{
		name:   "password_prompt",
		regex:  regexp.MustCompile(`(?i)password:\s*$`),
		signal: SignalPasswordPrompt,
	},
}

// Classify matches buffered output against the pattern table.
// The input should be the rolling tail of the output stream, not a single
// line: prompts arrive without a newline.
func Classify(tail string) Signal {
	for _, p := range patterns {
		if p.regex.MatchString(tail) {
			return p.signal
		}
	}
	return SignalNone
}

// FailureReason maps a terminal signal to its reason.
func FailureReason(sig Signal) Reason {
	switch sig {
	case SignalAuthRejected:
		return ReasonAuthRejected
	case SignalHostKeyFailed:
		return ReasonHostKeyFailed
	case SignalConnRefused:
		return ReasonConnRefused
	case SignalTimedOut:
		return ReasonTimedOut
	default:
		return ReasonNone
	}
}
