package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
)

// SpaceRecord is the last committed state of a space as persisted
type SpaceRecord struct {
	SpaceID       string        `json:"space_id"`
	State         string        `json:"state"`
	LastChangedAt time.Time     `json:"last_changed_at"`
	OccupiedTotal time.Duration `json:"occupied_total"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// StateRepository keeps the last committed state per space. It is an
// events.Sink and only reacts to state commits.
type StateRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewStateRepository creates a state repository on a migrated database
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db, now: time.Now}
}

// Emit upserts the space row for state_commit events
func (r *StateRepository) Emit(ctx context.Context, event *events.Event) error {
	if event.Type != events.EventStateCommit || event.SpaceID == "" {
		return nil
	}

	var meta struct {
		OccupiedTotalMs int64 `json:"occupied_total_ms"`
	}
	if len(event.Metadata) > 0 {
		if err := json.Unmarshal(event.Metadata, &meta); err != nil {
			return fmt.Errorf("failed to decode commit metadata: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO space_states (space_id, state, last_changed_at, occupied_total_ms, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(space_id) DO UPDATE SET
			state = excluded.state,
			last_changed_at = excluded.last_changed_at,
			occupied_total_ms = excluded.occupied_total_ms,
			updated_at = excluded.updated_at`,
		event.SpaceID, event.To, event.Timestamp.UnixMilli(), meta.OccupiedTotalMs, r.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert space state: %w", err)
	}
	return nil
}

// List returns every persisted space state ordered by id
func (r *StateRepository) List(ctx context.Context) ([]SpaceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT space_id, state, last_changed_at, occupied_total_ms, updated_at
		FROM space_states ORDER BY space_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query space states: %w", err)
	}
	defer rows.Close()

	var out []SpaceRecord
	for rows.Next() {
		var rec SpaceRecord
		var changed, total, updated int64
		if err := rows.Scan(&rec.SpaceID, &rec.State, &changed, &total, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan space state: %w", err)
		}
		rec.LastChangedAt = time.UnixMilli(changed).UTC()
		rec.OccupiedTotal = time.Duration(total) * time.Millisecond
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBefore removes rows of spaces not updated since before
func (r *StateRepository) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM space_states WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune space states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
