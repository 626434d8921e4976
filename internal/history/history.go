package history

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// EventType defines the kind of backend lifecycle event.
type EventType string

const (
	EventSpawn     EventType = "spawn"
	EventReady     EventType = "ready"
	EventFailed    EventType = "failed"
	EventExit      EventType = "exit"
	EventStop      EventType = "stop"
	EventForceKill EventType = "force_kill"
)

// DefaultTable is the table (or index) events are written to.
const DefaultTable = "backend_history"

// Event represents a backend lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTable rejects names that are unsafe to interpolate into SQL.
func ValidateTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid history table name %q", name)
	}
	return nil
}
