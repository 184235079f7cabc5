package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(&Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	db, err := Open(&Config{
		Path:            dbPath,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, db.Path())
	}
	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL journal mode, got %s", mode)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data")

	if cfg.Path != "/data/parking.db" {
		t.Errorf("Expected path /data/parking.db, got %s", cfg.Path)
	}
	if cfg.MaxOpenConns != 8 {
		t.Errorf("Expected MaxOpenConns 8, got %d", cfg.MaxOpenConns)
	}
}

func TestTransaction(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}

	err := db.Transaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO test_table (value) VALUES (?)`, "kept")
		return err
	})
	if err != nil {
		t.Errorf("Transaction failed: %v", err)
	}

	boom := errors.New("boom")
	err = db.Transaction(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO test_table (value) VALUES (?)`, "rolled back"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected original error, got %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row after rollback, got %d", count)
	}
}

func TestCompactAndUsage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec(`CREATE TABLE samples (id INTEGER PRIMARY KEY, payload TEXT)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	payload := strings.Repeat("x", 4096)
	for i := 0; i < 200; i++ {
		if _, err := db.Exec(`INSERT INTO samples (payload) VALUES (?)`, payload); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := db.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	before, err := db.GetSize()
	if err != nil {
		t.Fatalf("GetSize failed: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM samples`); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	released, err := db.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if released <= 0 {
		t.Errorf("Expected compaction to release space, got %d", released)
	}

	usage, err := db.Usage()
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.SizeBytes <= 0 || usage.SizeBytes >= before {
		t.Errorf("Expected size below %d after compaction, got %d", before, usage.SizeBytes)
	}
	if usage.Path != db.Path() {
		t.Errorf("Expected path %s, got %s", db.Path(), usage.Path)
	}
}

func TestContextCancellation(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := db.Health(ctx); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestOpenInvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(&Config{Path: filepath.Join(file, "sub", "test.db")}); err == nil {
		t.Error("Expected error when parent is a regular file")
	}
}
