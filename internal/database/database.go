// Package database provides SQLite storage for engine events and occupancy
// history
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// dsnParams are appended to every connection string. WAL lets the API read
// while the history writer inserts.
const dsnParams = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON"

// sessionPragmas tune the page cache for small append-heavy tables
var sessionPragmas = []string{
	"PRAGMA cache_size = -16000",
	"PRAGMA temp_store = MEMORY",
}

// DB is the engine's SQLite handle
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds database configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig places parking.db under dataDir
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:            filepath.Join(dataDir, "parking.db"),
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnMaxLifetime: 10 * time.Minute,
	}
}

// Open opens the database file, creating its directory when needed
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "database")

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+cfg.Path+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, pragma := range sessionPragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.Warn("Failed to set pragma", "pragma", pragma, "error", err)
		}
	}

	logger.Info("Database opened", "path", cfg.Path)
	return &DB{DB: conn, path: cfg.Path, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info("Closing database")
	return db.DB.Close()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Health pings the database
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Transaction runs fn in a transaction, rolling back when it fails
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Usage describes the database file and connection pool
type Usage struct {
	Path            string `json:"path"`
	SizeBytes       int64  `json:"size_bytes"`
	WALBytes        int64  `json:"wal_bytes"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
}

// Usage reports file sizes and pool counters
func (db *DB) Usage() (Usage, error) {
	size, err := db.GetSize()
	if err != nil {
		return Usage{}, err
	}
	stats := db.Stats()
	return Usage{
		Path:            db.path,
		SizeBytes:       size,
		WALBytes:        fileSize(db.path + "-wal"),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
	}, nil
}

// GetSize returns the main database file size in bytes
func (db *DB) GetSize() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Checkpoint folds the WAL back into the main file and truncates it
func (db *DB) Checkpoint(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	return nil
}

// Vacuum rebuilds the file to release pages freed by pruning
func (db *DB) Vacuum(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

// Compact checkpoints the WAL and vacuums. It returns the bytes released
// from the main file.
func (db *DB) Compact(ctx context.Context) (int64, error) {
	start := time.Now()
	before, _ := db.GetSize()

	if err := db.Checkpoint(ctx); err != nil {
		return 0, err
	}
	if err := db.Vacuum(ctx); err != nil {
		return 0, err
	}
	if err := db.Checkpoint(ctx); err != nil {
		return 0, err
	}

	after, _ := db.GetSize()
	released := max(before-after, 0)
	db.logger.Info("Database compacted", "released_bytes", released, "duration", time.Since(start))
	return released, nil
}
