package session

// State is the lifecycle state of an [Engine]'s session.
type State string

const (
	// StateIdle is the state before the first Start.
	StateIdle State = "Idle"

	// StateConnecting is entered by Start while the transport connects.
	StateConnecting State = "Connecting"

	// StateListening means audio is streamed and results are processed.
	StateListening State = "Listening"

	// StateStopping means Stop is flushing and closing the transport.
	// Results of already sent audio are still processed.
	StateStopping State = "Stopping"

	// StateStopped is the terminal state of a cleanly stopped session.
	StateStopped State = "Stopped"

	// StateCanceled is the terminal state of a session ended by a fatal error.
	StateCanceled State = "Canceled"
)

// IsActive reports whether a session is in progress.
func (s State) IsActive() bool {
	switch s {
	case StateConnecting, StateListening, StateStopping:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the session has ended.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateCanceled
}

// acceptsPackets reports whether inbound packets are processed in s.
func (s State) acceptsPackets() bool {
	return s == StateListening || s == StateStopping
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}
