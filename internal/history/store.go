// Package history keeps a bounded rolling record of occupancy snapshots
// and persists them to SQLite.
package history

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/timeutil"
)

// DefaultMaxHistory is the default ring capacity
const DefaultMaxHistory = 1000

// Record is one sampled snapshot summary
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	FrameIndex    int64     `json:"frame_index"`
	Total         int       `json:"total"`
	Free          int       `json:"free"`
	Occupied      int       `json:"occupied"`
	Uncertain     int       `json:"uncertain"`
	OccupancyRate float64   `json:"occupancy_rate"` // percent of decided spaces
}

// Decided returns the spaces known to be occupied, leaving out the
// uncertain ones counted in Occupied
func (r Record) Decided() int {
	return r.Occupied - r.Uncertain
}

// Rate returns occupied as a percentage of total, 0 when total is 0
func Rate(occupied, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(occupied) / float64(total) * 100
}

// WindowStats summarizes the records inside a trailing window
type WindowStats struct {
	Window       time.Duration `json:"window"`
	Samples      int           `json:"samples"`
	MeanRate     float64       `json:"mean_rate"`
	StdDevRate   float64       `json:"stddev_rate"`
	PeakRate     float64       `json:"peak_rate"`
	PeakOccupied int           `json:"peak_occupied"`
	MinFree      int           `json:"min_free"`
}

// Store is a fixed-capacity FIFO of records. Append holds the write lock
// for O(1); readers get copies.
type Store struct {
	mu       sync.RWMutex
	records  []Record
	head     int
	tail     int
	count    int
	capacity int
	clock    timeutil.Clock
}

// NewStore creates a store holding at most capacity records
func NewStore(capacity int, clock timeutil.Clock) *Store {
	if capacity < 1 {
		capacity = DefaultMaxHistory
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{
		records:  make([]Record, capacity),
		capacity: capacity,
		clock:    clock,
	}
}

// Append adds a record, evicting the oldest when full
func (s *Store) Append(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[s.head] = r
	s.head = (s.head + 1) % s.capacity

	if s.count < s.capacity {
		s.count++
	} else {
		s.tail = (s.tail + 1) % s.capacity
	}
}

// Recent returns up to n of the newest records, oldest first. n is
// clamped to the current length; n <= 0 returns everything.
func (s *Store) Recent(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]Record, n)
	idx := (s.tail + s.count - n) % s.capacity
	for i := 0; i < n; i++ {
		out[i] = s.records[idx]
		idx = (idx + 1) % s.capacity
	}
	return out
}

// Since returns records at or after t, oldest first
func (s *Store) Since(t time.Time) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	idx := s.tail
	for i := 0; i < s.count; i++ {
		if !s.records[idx].Timestamp.Before(t) {
			out = append(out, s.records[idx])
		}
		idx = (idx + 1) % s.capacity
	}
	return out
}

// Latest returns the newest record
func (s *Store) Latest() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return Record{}, false
	}
	return s.records[(s.head-1+s.capacity)%s.capacity], true
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Capacity returns the maximum number of records
func (s *Store) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity
}

// Resize changes the capacity, keeping the newest records
func (s *Store) Resize(capacity int) {
	if capacity < 1 {
		return
	}
	keep := s.Recent(capacity)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make([]Record, capacity)
	copy(s.records, keep)
	s.capacity = capacity
	s.count = len(keep)
	s.tail = 0
	s.head = len(keep) % capacity
}

// Clear removes all records
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head, s.tail, s.count = 0, 0, 0
}

// WindowStats summarizes records from the trailing window ending now. An
// empty window yields zero values.
func (s *Store) WindowStats(window time.Duration) WindowStats {
	records := s.Since(s.clock.Now().Add(-window))
	ws := WindowStats{Window: window, Samples: len(records)}
	if len(records) == 0 {
		return ws
	}

	rates := make([]float64, len(records))
	ws.MinFree = math.MaxInt
	for i, r := range records {
		rates[i] = r.OccupancyRate
		ws.PeakOccupied = max(ws.PeakOccupied, r.Decided())
		ws.PeakRate = math.Max(ws.PeakRate, r.OccupancyRate)
		ws.MinFree = min(ws.MinFree, r.Free)
	}
	ws.MeanRate = stat.Mean(rates, nil)
	if len(rates) > 1 {
		ws.StdDevRate = stat.StdDev(rates, nil)
	}
	return ws
}
