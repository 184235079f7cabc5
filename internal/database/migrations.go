package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one versioned schema change
type Migration struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	SQL       string    `json:"-"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
}

// migrations are applied in order; versions must only ever be appended
var migrations = []Migration{
	{
		Version: 1,
		Name:    "events",
		SQL: `
			CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				space_id TEXT,
				group_id TEXT,
				track_id INTEGER,
				from_state TEXT,
				to_state TEXT,
				frame_index INTEGER NOT NULL DEFAULT 0,
				timestamp INTEGER NOT NULL,
				message TEXT,
				metadata TEXT,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
			CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, timestamp);
			CREATE INDEX IF NOT EXISTS idx_events_space ON events(space_id, timestamp);
		`,
	},
	{
		Version: 2,
		Name:    "occupancy_history",
		SQL: `
			CREATE TABLE IF NOT EXISTS occupancy_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				frame_index INTEGER NOT NULL,
				total INTEGER NOT NULL,
				free INTEGER NOT NULL,
				occupied INTEGER NOT NULL,
				uncertain INTEGER NOT NULL DEFAULT 0,
				occupancy_rate REAL NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_occupancy_history_timestamp ON occupancy_history(timestamp);
		`,
	},
	{
		Version: 3,
		Name:    "space_states",
		SQL: `
			CREATE TABLE IF NOT EXISTS space_states (
				space_id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				last_changed_at INTEGER NOT NULL,
				occupied_total_ms INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL
			);
		`,
	},
}

// Migrator handles database migrations
type Migrator struct {
	db         *DB
	migrations []Migration
	logger     *slog.Logger
}

// NewMigrator creates a migrator for the built-in schema
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
		logger:     slog.Default().With("component", "migrator"),
	}
}

// Run applies all pending migrations
func (m *Migrator) Run(ctx context.Context) error {
	m.logger.Info("Running database migrations")

	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if _, ok := applied[migration.Version]; ok {
			continue
		}

		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		m.logger.Info("Applied migration", "version", migration.Version, "name", migration.Name)
	}

	m.logger.Info("Database migrations completed")
	return nil
}

// GetStatus returns every known migration with its applied time, zero when
// still pending
func (m *Migrator) GetStatus(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, 0, len(m.migrations))
	for _, migration := range m.migrations {
		if appliedAt, ok := applied[migration.Version]; ok {
			migration.AppliedAt = appliedAt
		}
		result = append(result, migration)
	}
	return result, nil
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt int64
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		result[version] = time.Unix(appliedAt, 0)
	}
	return result, rows.Err()
}

func (m *Migrator) runMigration(ctx context.Context, migration Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			migration.Version, migration.Name, time.Now().Unix(),
		)
		return err
	})
}

// Migrate opens the migrator and applies pending migrations
func Migrate(ctx context.Context, db *DB) error {
	return NewMigrator(db).Run(ctx)
}
