// Package history exports process lifecycle events to external systems
// for later analysis. Sinks are append-only and never influence
// supervision decisions.
package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventCrash     EventType = "crash"
	EventRestart   EventType = "restart"
	EventUnhealthy EventType = "unhealthy"
	EventFailed    EventType = "failed"
)

// Event represents one lifecycle transition of a managed process.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder decouples event producers from sink latency. Events are queued
// on a bounded buffer and written by a background goroutine; when the
// buffer is full the event is dropped with a warning rather than stalling
// the producer.
type Recorder struct {
	sink    Sink
	ch      chan Event
	done    chan struct{}
	timeout time.Duration
}

func NewRecorder(sink Sink, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		sink:    sink,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Send(ctx, e); err != nil {
			slog.Warn("history sink send failed", "event", e.Type, "name", e.Name, "err", err)
		}
		cancel()
	}
}

// Record queues an event, stamping OccurredAt when unset.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	select {
	case r.ch <- e:
	default:
		slog.Warn("history buffer full, dropping event", "event", e.Type, "name", e.Name)
	}
}

// Close stops accepting events, drains the queue and releases the sink's
// resources when it holds any.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.ch)
	<-r.done
	if c, ok := r.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("history sink close failed", "err", err)
		}
	}
}
