// Package events records engine events: state commits, track lifecycle
// and error reports.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventStateCommit           EventType = "state_commit"
	EventGroupChanged          EventType = "group_changed"
	EventTrackConfirmed        EventType = "track_confirmed"
	EventTrackRetired          EventType = "track_retired"
	EventVehicleCounted        EventType = "vehicle_counted"
	EventTrackingInconsistency EventType = "tracking_inconsistency"
	EventClassificationError   EventType = "classification_error"
	EventFrameError            EventType = "frame_error"
	EventSourceTerminated      EventType = "source_terminated"
	EventEngineStarted         EventType = "engine_started"
	EventEngineStopped         EventType = "engine_stopped"
	EventReconfigured          EventType = "reconfigured"
)

// Event is one engine event
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	SpaceID    string          `json:"space_id,omitempty"`
	GroupID    string          `json:"group_id,omitempty"`
	TrackID    uint64          `json:"track_id,omitempty"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	FrameIndex int64           `json:"frame_index"`
	Timestamp  time.Time       `json:"timestamp"`
	Message    string          `json:"message,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListOptions represents filters for querying events
type ListOptions struct {
	Type      EventType `json:"type,omitempty"`
	SpaceID   string    `json:"space_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}
