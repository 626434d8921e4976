package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Recorder delivers events to a Sink from a background goroutine so the
// supervisor never blocks on a slow destination. Events are dropped, with a
// warning, when the queue is full.
type Recorder struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex // guards closed against sends on a closed queue
	closed bool
	done   chan struct{}
}

// NewRecorder starts a Recorder. A nil sink yields a Recorder that discards.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sink:    sink,
		log:     log.With("component", "history"),
		timeout: 5 * time.Second,
		queue:   make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues e. OccurredAt defaults to now.
func (r *Recorder) Record(e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("history queue full, dropping event", "type", e.Type)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		if r.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Send(ctx, e); err != nil {
			r.log.Warn("history sink send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and closes the sink when it is an io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
