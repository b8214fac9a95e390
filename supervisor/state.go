package supervisor

// State is the bus session state.
type State int

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// transitions lists the legal successor states. Connecting loops on
// itself for every retried attempt. Stopped has no successors.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateStopped},
	StateConnecting:   {StateConnecting, StateConnected, StateDisconnected, StateStopped},
	StateConnected:    {StateDisconnected, StateStopped},
	StateDisconnected: {StateConnecting, StateStopped},
	StateStopped:      nil,
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
