package database

import (
	"context"
	"testing"
)

func TestMigrator_Run(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, table := range []string{"events", "occupancy_history", "space_states"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s should exist: %v", table, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("Expected %d applied migrations, got %d", len(migrations), count)
	}

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Second Run failed: %v", err)
	}
}

func TestMigrator_GetStatus(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	pending, err := migrator.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	for _, m := range pending {
		if !m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should be pending", m.Version)
		}
	}

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	status, err := migrator.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status) != len(migrations) {
		t.Fatalf("Expected %d migrations, got %d", len(migrations), len(status))
	}
	for _, m := range status {
		if m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should have AppliedAt set", m.Version)
		}
	}
}

func TestMigrations_Ordered(t *testing.T) {
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("Migration %d is not after %d", migrations[i].Version, migrations[i-1].Version)
		}
	}
}

func TestMigrator_FailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)
	migrator.migrations = []Migration{
		{Version: 1, Name: "ok", SQL: "CREATE TABLE a (id INTEGER)"},
		{Version: 2, Name: "broken", SQL: "CREATE TABLE b (id INTEGER); NOT SQL"},
	}

	if err := migrator.Run(context.Background()); err == nil {
		t.Fatal("Expected error from broken migration")
	}

	applied, err := migrator.getAppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrations failed: %v", err)
	}
	if _, ok := applied[2]; ok {
		t.Error("Broken migration must not be recorded")
	}
	if _, ok := applied[1]; !ok {
		t.Error("Earlier migration should stay applied")
	}
}
