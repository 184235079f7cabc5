package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/database"
)

// ErrNotFound is returned by Get for an unknown id
var ErrNotFound = errors.New("event not found")

// Service stores events in SQLite and fans them out to subscribers
type Service struct {
	db          *database.DB
	logger      *slog.Logger
	subscribers []chan *Event
	mu          sync.RWMutex
}

// NewService creates a new event service
func NewService(db *database.DB) *Service {
	return &Service{
		db:          db,
		logger:      slog.Default().With("component", "event_service"),
		subscribers: make([]chan *Event, 0),
	}
}

// Subscribe returns a channel that receives new events
func (s *Service) Subscribe() chan *Event {
	ch := make(chan *Event, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (s *Service) Unsubscribe(ch chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Emit implements Sink by storing the event
func (s *Service) Emit(ctx context.Context, event *Event) error {
	return s.Create(ctx, event)
}

// Create stores an event, filling in id and timestamps
func (s *Service) Create(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = event.CreatedAt
	}

	var metadata interface{}
	if len(event.Metadata) > 0 {
		metadata = string(event.Metadata)
	}
	var trackID interface{}
	if event.TrackID != 0 {
		trackID = int64(event.TrackID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, type, space_id, group_id, track_id, from_state, to_state,
			frame_index, timestamp, message, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.Type, nullString(event.SpaceID), nullString(event.GroupID), trackID,
		nullString(event.From), nullString(event.To), event.FrameIndex,
		event.Timestamp.UnixMilli(), nullString(event.Message), metadata, event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	s.notifySubscribers(event)

	s.logger.Debug("Event created", "id", event.ID, "type", event.Type, "space", event.SpaceID)
	return nil
}

const eventColumns = `id, type, space_id, group_id, track_id, from_state, to_state,
	frame_index, timestamp, message, metadata, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	event := &Event{}
	var spaceID, groupID, from, to, message, metadata sql.NullString
	var trackID sql.NullInt64
	var timestamp, createdAt int64

	if err := row.Scan(
		&event.ID, &event.Type, &spaceID, &groupID, &trackID, &from, &to,
		&event.FrameIndex, &timestamp, &message, &metadata, &createdAt,
	); err != nil {
		return nil, err
	}

	event.SpaceID = spaceID.String
	event.GroupID = groupID.String
	event.From = from.String
	event.To = to.String
	event.Message = message.String
	if trackID.Valid {
		event.TrackID = uint64(trackID.Int64)
	}
	if metadata.Valid {
		event.Metadata = json.RawMessage(metadata.String)
	}
	event.Timestamp = time.UnixMilli(timestamp)
	event.CreatedAt = time.UnixMilli(createdAt)
	return event, nil
}

// Get retrieves an event by ID
func (s *Service) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// List returns events newest first along with the total matching count
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if opts.Type != "" {
		where += " AND type = ?"
		args = append(args, opts.Type)
	}
	if opts.SpaceID != "" {
		where += " AND space_id = ?"
		args = append(args, opts.SpaceID)
	}
	if opts.GroupID != "" {
		where += " AND group_id = ?"
		args = append(args, opts.GroupID)
	}
	if !opts.StartTime.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, opts.StartTime.UnixMilli())
	}
	if !opts.EndTime.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, opts.EndTime.UnixMilli())
	}

	var totalCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query := "SELECT " + eventColumns + " FROM events" + where + " ORDER BY timestamp DESC, created_at DESC LIMIT ?"
	args = append(args, limit)
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	return events, totalCount, rows.Err()
}

// GetStats returns event counts by type
func (s *Service) GetStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM events GROUP BY type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	total := 0
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats[t] = n
		total += n
	}
	stats["total"] = total
	return stats, rows.Err()
}

// DeleteBefore removes events older than before
func (s *Service) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *Service) notifySubscribers(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
