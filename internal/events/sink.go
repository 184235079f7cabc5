package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink receives engine events. The frame loop calls Emit inline, so
// implementations must return quickly.
type Sink interface {
	Emit(ctx context.Context, event *Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event *Event) error

func (f SinkFunc) Emit(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Fanout delivers each event to every sink; the first error is returned
// after all sinks have been tried
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, event *Event) error {
	var first error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard drops every event
type Discard struct{}

func (Discard) Emit(context.Context, *Event) error { return nil }

// AsyncSink queues events and delivers them to next on a background
// goroutine. Events are dropped when the queue is full.
type AsyncSink struct {
	next    Sink
	queue   chan *Event
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped int64
	logger  *slog.Logger
}

// NewAsyncSink starts the delivery goroutine
func NewAsyncSink(next Sink, queueSize int) *AsyncSink {
	if queueSize < 1 {
		queueSize = 256
	}
	a := &AsyncSink{
		next:   next,
		queue:  make(chan *Event, queueSize),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "event_sink"),
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.next.Emit(ctx, e); err != nil {
			a.logger.Warn("Failed to deliver event", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Emit queues the event without blocking
func (a *AsyncSink) Emit(_ context.Context, event *Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.dropped++
		return nil
	}
	select {
	case a.queue <- event:
	default:
		a.dropped++
	}
	return nil
}

// Dropped returns the number of events discarded
func (a *AsyncSink) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close delivers queued events and stops the goroutine
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *Recorder) Emit(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events in order
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(t EventType) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
