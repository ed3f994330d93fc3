package session

// Outcome is the final session classification. Exactly one outcome is
// reported per session and each maps to a distinct exit code.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeModeFailure
	OutcomeHeartbeatFailure
	OutcomeInterrupted
	OutcomeHandshakeFailure
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeModeFailure:
		return "MODE_FAILURE"
	case OutcomeHeartbeatFailure:
		return "HEARTBEAT_FAILURE"
	case OutcomeInterrupted:
		return "INTERRUPTED"
	case OutcomeHandshakeFailure:
		return "HANDSHAKE_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// ExitCode returns the process exit code for the outcome. Exit code 1 is
// left to configuration and usage errors.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomeModeFailure:
		return 2
	case OutcomeHeartbeatFailure:
		return 3
	case OutcomeInterrupted:
		return 4
	case OutcomeHandshakeFailure:
		return 5
	default:
		return 1
	}
}
