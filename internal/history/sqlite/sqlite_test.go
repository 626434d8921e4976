package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/moshouhot/CodePilot/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://"+dbPath, "")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	code := 1
	events := []history.Event{
		{Type: history.EventSpawn, OccurredAt: time.Now().UTC(), Name: "codepilot-server", RunID: "r1", PID: 4321, Port: 51234},
		{Type: history.EventExit, OccurredAt: time.Now().UTC(), Name: "codepilot-server", RunID: "r1", PID: 4321, Port: 51234, ExitCode: &code, Detail: "exited before ready"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	for _, typ := range []history.EventType{history.EventSpawn, history.EventExit} {
		n, err := sink.Count(ctx, "codepilot-server", typ)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 %s event, got %d", typ, n)
		}
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:", "events")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := sink.Send(ctx, history.Event{Type: history.EventReady, OccurredAt: time.Now(), Name: "svc", DurationMS: 2000}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	n, err := sink.Count(ctx, "svc", history.EventReady)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 ready events, got %d (err=%v)", n, err)
	}
}

func TestSQLiteSink_InvalidInput(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if _, err := New(":memory:", "bad table"); err == nil {
		t.Fatalf("expected error for invalid table name")
	}
}
