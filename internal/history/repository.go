package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Repository persists history records in the occupancy_history table
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRepository creates a repository on a migrated database
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:     db,
		logger: slog.Default().With("component", "history_repository"),
	}
}

// Insert stores one record
func (r *Repository) Insert(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO occupancy_history (
			timestamp, frame_index, total, free, occupied, uncertain, occupancy_rate
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Timestamp.UnixMilli(),
		rec.FrameIndex,
		rec.Total,
		rec.Free,
		rec.Occupied,
		rec.Uncertain,
		rec.OccupancyRate,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

// Range returns records with from <= timestamp < to, oldest first. A zero
// to means no upper bound; limit <= 0 means no limit.
func (r *Repository) Range(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	query := `
		SELECT timestamp, frame_index, total, free, occupied, uncertain, occupancy_rate
		FROM occupancy_history WHERE timestamp >= ?`
	args := []interface{}{from.UnixMilli()}

	if !to.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, to.UnixMilli())
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts int64
		if err := rows.Scan(&ts, &rec.FrameIndex, &rec.Total, &rec.Free, &rec.Occupied, &rec.Uncertain, &rec.OccupancyRate); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of stored records
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM occupancy_history").Scan(&n)
	return n, err
}

// DeleteBefore removes records older than before and returns how many
func (r *Repository) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM occupancy_history WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Writer persists records off the frame loop. Append never blocks; when the
// queue is full the record is dropped and counted.
type Writer struct {
	repo    *Repository
	queue   chan Record
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int64
	logger  *slog.Logger
}

// NewWriter starts a background writer with the given queue size
func NewWriter(repo *Repository, queueSize int) *Writer {
	if queueSize < 1 {
		queueSize = 256
	}
	w := &Writer{
		repo:   repo,
		queue:  make(chan Record, queueSize),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "history_writer"),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.repo.Insert(ctx, rec); err != nil {
			w.logger.Warn("Failed to persist history record", "frame", rec.FrameIndex, "error", err)
		}
		cancel()
	}
}

// Append queues a record for persistence. Records appended after Close
// are dropped.
func (w *Writer) Append(rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped++
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.dropped++
	}
}

// Dropped returns how many records were discarded because the queue was full
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close flushes queued records and stops the writer
func (w *Writer) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	<-w.done
}
