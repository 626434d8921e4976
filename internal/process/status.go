package process

import "time"

// Status is a read-only snapshot of a Process.
type Status struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	Exited    bool      `json:"exited"`
	ExitCode  *int      `json:"exit_code,omitempty"` // nil until exit; -1 when killed by a signal
	ExitErr   string    `json:"exit_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
}
