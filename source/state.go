package source

// State is the lifecycle state of a Source. States only move forward.
type State int

const (
	StateConnecting State = iota
	StateListening
	StateActive
	StateDisabled
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
