package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/timeutil"
)

type failingPruner struct{}

func (failingPruner) DeleteBefore(context.Context, time.Time) (int, error) {
	return 0, errors.New("locked")
}

func TestRetentionPolicy_RunCleanup(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

	for _, age := range []int{40, 31, 29, 1} {
		r := Record{Timestamp: now.AddDate(0, 0, -age), Total: 10, Free: 5, Occupied: 5, OccupancyRate: 50}
		if err := repo.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	policy := NewRetentionPolicy(30, map[string]Pruner{"occupancy_history": repo}, timeutil.NewMockClock(now))
	stats, err := policy.RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup failed: %v", err)
	}
	if stats.Deleted["occupancy_history"] != 2 {
		t.Errorf("deleted %d, want 2", stats.Deleted["occupancy_history"])
	}
	if !stats.Cutoff.Equal(now.AddDate(0, 0, -30)) {
		t.Errorf("cutoff = %v", stats.Cutoff)
	}

	count, _ := repo.Count(ctx)
	if count != 2 {
		t.Errorf("remaining = %d, want 2", count)
	}
}

type countingCompactor struct {
	calls int
	err   error
}

func (c *countingCompactor) Compact(context.Context) (int64, error) {
	c.calls++
	return 4096, c.err
}

func TestRetentionPolicy_CompactsAfterDeleting(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	_ = repo.Insert(ctx, Record{Timestamp: now.AddDate(0, 0, -10)})

	compactor := &countingCompactor{}
	policy := NewRetentionPolicy(7, map[string]Pruner{"occupancy_history": repo}, timeutil.NewMockClock(now))
	policy.SetCompactor(compactor)

	stats, err := policy.RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup failed: %v", err)
	}
	if compactor.calls != 1 || stats.ReleasedBytes != 4096 {
		t.Errorf("expected one compaction, got %d calls and %+v", compactor.calls, stats)
	}

	// nothing left to delete, so nothing to compact
	if _, err := policy.RunCleanup(ctx); err != nil {
		t.Fatalf("RunCleanup failed: %v", err)
	}
	if compactor.calls != 1 {
		t.Errorf("compacted %d times, want 1", compactor.calls)
	}

	_ = repo.Insert(ctx, Record{Timestamp: now.AddDate(0, 0, -10)})
	compactor.err = errors.New("disk full")
	stats, err = policy.RunCleanup(ctx)
	if err == nil || stats.Errors != 1 {
		t.Errorf("expected compaction failure to be reported, got %v %+v", err, stats)
	}
}

func TestRetentionPolicy_Disabled(t *testing.T) {
	policy := NewRetentionPolicy(0, map[string]Pruner{"broken": failingPruner{}}, nil)
	stats, err := policy.RunCleanup(context.Background())
	if err != nil {
		t.Fatalf("disabled policy should not prune: %v", err)
	}
	if !stats.Cutoff.IsZero() || len(stats.Deleted) != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRetentionPolicy_FailingPrunerDoesNotStopOthers(t *testing.T) {
	repo := setupRepository(t)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	_ = repo.Insert(context.Background(), Record{Timestamp: now.AddDate(0, 0, -10)})

	policy := NewRetentionPolicy(7, map[string]Pruner{
		"broken":            failingPruner{},
		"occupancy_history": repo,
	}, timeutil.NewMockClock(now))

	stats, err := policy.RunCleanup(context.Background())
	if err == nil {
		t.Fatal("expected error from failing pruner")
	}
	if stats.Errors != 1 || stats.Deleted["occupancy_history"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRetentionPolicy_StartStop(t *testing.T) {
	repo := setupRepository(t)
	now := time.Now()
	_ = repo.Insert(context.Background(), Record{Timestamp: now.AddDate(0, 0, -3)})

	policy := NewRetentionPolicy(1, map[string]Pruner{"occupancy_history": repo}, nil)
	policy.Start(context.Background(), time.Hour)
	policy.Start(context.Background(), time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := repo.Count(context.Background())
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial cleanup did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	policy.Stop()
	policy.Stop()
}

func TestStateRepository(t *testing.T) {
	repo := setupRepository(t)
	states := NewStateRepository(repo.db)
	ctx := context.Background()
	at := time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

	commit := func(space, to string, ts time.Time, totalMs int64) *events.Event {
		meta, _ := json.Marshal(map[string]interface{}{"occupied_total_ms": totalMs})
		return &events.Event{Type: events.EventStateCommit, SpaceID: space, To: to, Timestamp: ts, Metadata: meta}
	}

	for _, e := range []*events.Event{
		commit("S2", "OCCUPIED", at, 0),
		commit("S1", "OCCUPIED", at, 0),
		commit("S1", "FREE", at.Add(time.Minute), 60000),
		{Type: events.EventTrackConfirmed, TrackID: 4},
	} {
		if err := states.Emit(ctx, e); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	list, err := states.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d rows, want 2", len(list))
	}
	s1 := list[0]
	if s1.SpaceID != "S1" || s1.State != "FREE" || s1.OccupiedTotal != time.Minute {
		t.Errorf("unexpected S1 row %+v", s1)
	}
	if !s1.LastChangedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("last changed = %v", s1.LastChangedAt)
	}

	bad := &events.Event{Type: events.EventStateCommit, SpaceID: "S3", Metadata: json.RawMessage(`{`)}
	if err := states.Emit(ctx, bad); err == nil {
		t.Error("expected error for malformed metadata")
	}

	n, err := states.DeleteBefore(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 2 {
		t.Errorf("DeleteBefore = %d, %v; want 2", n, err)
	}
}
