package core

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/engine"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
)

// EventSink publishes engine events on parking.events.<type>
type EventSink struct {
	bus *EventBus
}

// NewEventSink creates a sink on the bus
func NewEventSink(bus *EventBus) *EventSink {
	return &EventSink{bus: bus}
}

// Emit implements events.Sink. NATS publishing is buffered and does not
// block on subscribers.
func (s *EventSink) Emit(_ context.Context, event *events.Event) error {
	return s.bus.Publish(SubjectEventPrefix+string(event.Type), event)
}

// SnapshotSource is the part of the engine the publisher reads
type SnapshotSource interface {
	CurrentSnapshot() *engine.Snapshot
	Subscribe() (<-chan *engine.Snapshot, func())
}

// SnapshotPublisher forwards every published snapshot to parking.snapshot
// and answers parking.snapshot.get requests with the current one
type SnapshotPublisher struct {
	bus    *EventBus
	source SnapshotSource
	logger *slog.Logger
}

// NewSnapshotPublisher creates a publisher
func NewSnapshotPublisher(bus *EventBus, source SnapshotSource) *SnapshotPublisher {
	return &SnapshotPublisher{
		bus:    bus,
		source: source,
		logger: slog.Default().With("component", "snapshot_publisher"),
	}
}

// Run publishes snapshots until ctx is cancelled
func (p *SnapshotPublisher) Run(ctx context.Context) error {
	_, err := p.bus.Subscribe(SubjectSnapshotGet, func(msg *nats.Msg) {
		data, err := json.Marshal(p.source.CurrentSnapshot())
		if err != nil {
			p.logger.Error("Failed to marshal snapshot", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			p.logger.Warn("Failed to answer snapshot request", "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer p.bus.Unsubscribe(SubjectSnapshotGet)

	ch, cancel := p.source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			if err := p.bus.Publish(SubjectSnapshot, snap); err != nil {
				p.logger.Warn("Failed to publish snapshot", "generation", snap.Generation, "error", err)
			}
		}
	}
}
