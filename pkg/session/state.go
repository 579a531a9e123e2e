package session

// State is the lifecycle stage of one voice session.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateRelaying
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateRelaying:
		return "RELAYING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
