package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/timeutil"
)

// Pruner deletes persisted rows older than a cutoff
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int, error)
}

// Compactor reclaims space after rows are deleted
type Compactor interface {
	Compact(ctx context.Context) (int64, error)
}

// RetentionStats summarizes one cleanup cycle
type RetentionStats struct {
	Cutoff        time.Time      `json:"cutoff"`
	Deleted       map[string]int `json:"deleted"`
	Errors        int            `json:"errors"`
	ReleasedBytes int64          `json:"released_bytes"`
}

// RetentionPolicy periodically prunes persisted history and events older
// than the configured number of days
type RetentionPolicy struct {
	mu      sync.Mutex
	days    int
	pruners map[string]Pruner
	compact Compactor
	clock   timeutil.Clock
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *slog.Logger
}

// NewRetentionPolicy creates a retention policy. days <= 0 disables
// pruning.
func NewRetentionPolicy(days int, pruners map[string]Pruner, clock timeutil.Clock) *RetentionPolicy {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RetentionPolicy{
		days:    days,
		pruners: pruners,
		clock:   clock,
		logger:  slog.Default().With("component", "retention"),
	}
}

// SetCompactor compacts storage after a cycle that deleted rows
func (p *RetentionPolicy) SetCompactor(c Compactor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compact = c
}

// SetDays changes the retention period for the next cycle
func (p *RetentionPolicy) SetDays(days int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.days = days
}

// Start runs a cleanup now and then every interval
func (p *RetentionPolicy) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.runCleanupLoop(ctx, interval, stop, done)
}

// Stop ends the loop and waits for a running cycle to finish
func (p *RetentionPolicy) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
}

func (p *RetentionPolicy) runCleanupLoop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := p.RunCleanup(ctx); err != nil {
		p.logger.Error("Initial retention cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := p.RunCleanup(ctx); err != nil {
				p.logger.Error("Retention cleanup failed", "error", err)
			}
		}
	}
}

// RunCleanup executes one cleanup cycle. A failing pruner does not stop
// the others; the error reports how many failed.
func (p *RetentionPolicy) RunCleanup(ctx context.Context) (*RetentionStats, error) {
	p.mu.Lock()
	days, compact := p.days, p.compact
	p.mu.Unlock()

	stats := &RetentionStats{Deleted: make(map[string]int, len(p.pruners))}
	if days <= 0 {
		return stats, nil
	}

	stats.Cutoff = p.clock.Now().AddDate(0, 0, -days)
	deleted := 0
	for name, pruner := range p.pruners {
		n, err := pruner.DeleteBefore(ctx, stats.Cutoff)
		if err != nil {
			p.logger.Error("Failed to prune", "table", name, "error", err)
			stats.Errors++
			continue
		}
		stats.Deleted[name] = n
		deleted += n
	}

	if compact != nil && deleted > 0 {
		released, err := compact.Compact(ctx)
		if err != nil {
			p.logger.Error("Failed to compact storage", "error", err)
			stats.Errors++
		}
		stats.ReleasedBytes = released
	}

	p.logger.Info("Retention cleanup complete", "cutoff", stats.Cutoff, "deleted", stats.Deleted, "released_bytes", stats.ReleasedBytes)
	if stats.Errors > 0 {
		return stats, fmt.Errorf("%d retention steps failed", stats.Errors)
	}
	return stats, nil
}
