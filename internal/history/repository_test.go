package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/database"
)

func setupRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return NewRepository(db.DB)
}

func TestRepository_InsertAndRange(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := repo.Insert(ctx, rec(i, i, 10)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := repo.Range(ctx, t0.Add(2*time.Second), t0.Add(5*time.Second), 0)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if diff := cmp.Diff([]int64{2, 3, 4}, frames(got)); diff != "" {
		t.Errorf("Range mismatch (-want +got):\n%s", diff)
	}
	if !got[0].Timestamp.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("timestamp = %v", got[0].Timestamp)
	}
	if got[0].OccupancyRate != 20 || got[0].Free != 8 {
		t.Errorf("unexpected record %+v", got[0])
	}

	limited, err := repo.Range(ctx, t0, time.Time{}, 2)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, frames(limited)); diff != "" {
		t.Errorf("limited Range mismatch (-want +got):\n%s", diff)
	}
}

func TestRepository_DeleteBefore(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_ = repo.Insert(ctx, rec(i, 0, 1))
	}

	n, err := repo.DeleteBefore(ctx, t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}

	count, _ := repo.Count(ctx)
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}
}

func TestWriter_FlushesOnClose(t *testing.T) {
	repo := setupRepository(t)
	w := NewWriter(repo, 16)

	for i := 1; i <= 10; i++ {
		w.Append(rec(i, 1, 2))
	}
	w.Close()
	w.Close()

	count, err := repo.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 10 {
		t.Errorf("Count() = %d, want 10", count)
	}

	w.Append(rec(11, 1, 2))
	if w.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1 after close", w.Dropped())
	}
}
