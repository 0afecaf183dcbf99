package pull

// State is the position of one pull connection in its lifecycle.
//
//	Accepted -> IPChecked -> Handshaking -> Authenticated -> Streaming -> Closed
//
// IPChecked, Handshaking and Streaming may end in Rejected, TimedOut or
// Error instead of advancing.
type State int

const (
	StateAccepted State = iota
	StateIPChecked
	StateHandshaking
	StateAuthenticated
	StateStreaming
	StateClosed
	StateRejected
	StateTimedOut
	StateError
)

var stateNames = [...]string{
	StateAccepted:      "accepted",
	StateIPChecked:     "ip_checked",
	StateHandshaking:   "handshaking",
	StateAuthenticated: "authenticated",
	StateStreaming:     "streaming",
	StateClosed:        "closed",
	StateRejected:      "rejected",
	StateTimedOut:      "timed_out",
	StateError:         "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateClosed
}

// canTransition reports whether from -> to is an edge of the lifecycle.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == from+1 {
		return true
	}
	switch to {
	case StateRejected, StateTimedOut, StateError:
		// Rejection happens at the IP check, so it is also reachable from
		// Accepted.
		return true
	}
	return false
}
