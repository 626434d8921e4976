package client

import "time"

// Status mirrors the supervisor snapshot served at /status.
type Status struct {
	State       string         `json:"state"`
	URL         string         `json:"url,omitempty"`
	Port        uint16         `json:"port,omitempty"`
	PID         int            `json:"pid,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	ReadyAt     time.Time      `json:"ready_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Quitting    bool           `json:"quitting"`
	Diagnostics []string       `json:"diagnostics,omitempty"`
	Process     *ProcessStatus `json:"process,omitempty"`
}

// Serving reports whether the backend accepts requests.
func (s Status) Serving() bool { return s.State == "ready" || s.State == "attached" }

// ProcessStatus represents the status of the backend process
type ProcessStatus struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Running   bool      `json:"running"`
	Exited    bool      `json:"exited"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// StopResult describes how a stop request completed.
type StopResult struct {
	Skipped   bool  `json:"skipped"`
	Forced    bool  `json:"forced"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Resources is the last sampled CPU/memory usage of the backend.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

type diagnosticsResponse struct {
	Lines []string `json:"lines"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
