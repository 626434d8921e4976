package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorder_DeliversInOrderAndCloses(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, nil)
	r.Record(Event{Type: EventSpawn, Name: "srv", PID: 10})
	r.Record(Event{Type: EventReady, Name: "srv", PID: 10, DurationMS: 2100})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.Len(t, sink.events, 2)
	assert.Equal(t, EventSpawn, sink.events[0].Type)
	assert.Equal(t, EventReady, sink.events[1].Type)
	assert.False(t, sink.events[0].OccurredAt.IsZero())
	assert.True(t, sink.closed)
}

func TestRecorder_SinkErrorsAreSwallowed(t *testing.T) {
	sink := &memSink{fail: true}
	r := NewRecorder(sink, nil)
	r.Record(Event{Type: EventFailed, OccurredAt: time.Unix(10, 0)})
	require.NoError(t, r.Close())
	assert.Empty(t, sink.events)
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.Record(Event{Type: EventExit})
	assert.NoError(t, r.Close())

	r = NewRecorder(nil, nil)
	r.Record(Event{Type: EventExit})
	assert.NoError(t, r.Close())
}

func TestValidateTable(t *testing.T) {
	assert.NoError(t, ValidateTable("backend_history"))
	assert.Error(t, ValidateTable("x; DROP TABLE y"))
	assert.Error(t, ValidateTable(""))
}
