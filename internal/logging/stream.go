// Package logging sets up structured logging and keeps recent entries in
// memory for the logs endpoint.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	// Subscribers for live streaming
	subscribers map[chan LogEntry]bool
	subMu       sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding size entries
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		entries:     make([]LogEntry, size),
		size:        size,
		subscribers: make(map[chan LogEntry]bool),
	}
}

// Add adds a log entry to the ring buffer
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
			// Skip if subscriber can't keep up
		}
	}
	rb.subMu.RUnlock()
}

// Filter selects entries in GetRecent
type Filter struct {
	// Level drops entries below it; empty keeps every level
	Level     string
	Component string
}

// GetRecent returns up to n of the newest matching entries, oldest first.
// n <= 0 means every buffered entry.
func (rb *RingBuffer) GetRecent(n int, f Filter) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}

	var minLevel slog.Level
	if f.Level != "" {
		minLevel = ParseLevel(f.Level)
	}

	result := make([]LogEntry, 0, n)
	// walk newest to oldest, then reverse
	for i := 0; i < rb.count && len(result) < n; i++ {
		e := rb.entries[(rb.head-1-i+2*rb.size)%rb.size]
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		if f.Level != "" && ParseLevel(e.Level) < minLevel {
			continue
		}
		result = append(result, e)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// Len returns the number of buffered entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Subscribe creates a channel that receives new log entries
func (rb *RingBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = true
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan LogEntry) {
	rb.subMu.Lock()
	delete(rb.subscribers, ch)
	rb.subMu.Unlock()
	close(ch)
}

// StreamHandler is a slog handler that captures records to a ring buffer
// and passes them on to another handler
type StreamHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewStreamHandler wraps next
func NewStreamHandler(buffer *RingBuffer, next slog.Handler, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer: buffer,
		next:   next,
		level:  level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{})
	var component string

	add := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		key := a.Key
		if len(h.groups) > 0 {
			key = strings.Join(h.groups, ".") + "." + key
		}
		attrs[key] = a.Value.Resolve().Any()
	}

	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	h.buffer.Add(LogEntry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
		Attrs:     attrs,
	})

	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &StreamHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		level:  h.level,
		attrs:  merged,
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	groups := append(append([]string(nil), h.groups...), name)
	return &StreamHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		level:  h.level,
		attrs:  h.attrs,
		groups: groups,
	}
}

// ParseLevel converts a level name to a slog level; unknown names are info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the default logger: JSON (or text) to w, teed into a new
// ring buffer of bufferSize entries
func Setup(w io.Writer, level, format string, bufferSize int) *RingBuffer {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var next slog.Handler
	if strings.ToLower(format) == "text" {
		next = slog.NewTextHandler(w, opts)
	} else {
		next = slog.NewJSONHandler(w, opts)
	}

	buffer := NewRingBuffer(bufferSize)
	slog.SetDefault(slog.New(NewStreamHandler(buffer, next, opts.Level)))
	return buffer
}
