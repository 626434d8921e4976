package supervisor

// State is the lifecycle state of the backend as seen by the supervisor.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
	// StateAttached means a development server is used and nothing was spawned.
	StateAttached State = "attached"
)

var allStates = []string{
	string(StateIdle), string(StateStarting), string(StateReady), string(StateStopping),
	string(StateStopped), string(StateFailed), string(StateAttached),
}

// Serving reports whether the window may load the backend URL.
func (s State) Serving() bool { return s == StateReady || s == StateAttached }
