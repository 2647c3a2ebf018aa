package agentconn

// State is the lifecycle state of an agent connection.
//
//	Idle -> Connected -> (Connected | Disabled)
//	Idle -> Disabled                 (dial failed or no socket)
//	Disabled -> Idle                 (Enable)
type State int

const (
	StateIdle State = iota
	StateConnected
	StateDisabled
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
