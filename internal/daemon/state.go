package daemon

// State is the lifecycle state of the node.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateTransportActive
	StateStopping
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateTransportActive:
		return "transport-active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateCreated:         {StateInitializing, StateStopped},
	StateInitializing:    {StateRunning},
	StateRunning:         {StateTransportActive, StateStopping},
	StateTransportActive: {StateStopping},
	StateStopping:        {StateStopped},
	StateStopped:         {StateDestroyed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
