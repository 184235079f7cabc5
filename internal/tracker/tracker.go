// Package tracker associates vehicle detections across frames into
// persistent tracks.
package tracker

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
)

// Track ids are unique for the life of the process, across trackers and
// restarts of the engine.
var nextID atomic.Uint64

func newID() uint64 {
	return nextID.Add(1)
}

// Track is a vehicle followed across frames
type Track struct {
	ID             uint64        `json:"id"`
	Label          string        `json:"label"`
	Box            geometry.Rect `json:"box"`
	Confidence     float64       `json:"confidence"`
	FirstSeenFrame int64         `json:"first_seen_frame"`
	LastSeenFrame  int64         `json:"last_seen_frame"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastSeen       time.Time     `json:"last_seen"`
	Age            int           `json:"age"`
	MissedCount    int           `json:"missed_count"`
	Confirmed      bool          `json:"confirmed"`
	Counted        bool          `json:"counted"`

	aboveLine bool
}

// Kind is a track lifecycle event
type Kind string

const (
	KindConfirmed Kind = "confirmed"
	KindRetired   Kind = "retired"
	KindCounted   Kind = "counted"
)

// Transition reports a confirmation, retirement or line crossing
type Transition struct {
	Kind       Kind  `json:"kind"`
	Track      Track `json:"track"`
	FrameIndex int64 `json:"frame_index"`
}

// CountLine counts confirmed tracks whose center moves from above Y-Offset
// to below Y+Offset
type CountLine struct {
	Y      float64 `json:"y" yaml:"y"`
	Offset float64 `json:"offset" yaml:"offset"`
}

// Config holds tracker thresholds
type Config struct {
	// MatchIoU is the minimum overlap for a detection to continue a track
	MatchIoU float64 `json:"match_iou" yaml:"match_iou"`
	// ConfirmAfter is the age at which a track is confirmed
	ConfirmAfter int `json:"confirm_after" yaml:"confirm_after"`
	// RetireAfter is the number of missed frames tolerated before removal
	RetireAfter int `json:"retire_after" yaml:"retire_after"`

	CountLine *CountLine `json:"count_line,omitempty" yaml:"count_line,omitempty"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		MatchIoU:     0.3,
		ConfirmAfter: 3,
		RetireAfter:  5,
	}
}

// Validate returns the invalid fields
func (c Config) Validate() geometry.FieldErrors {
	var errs geometry.FieldErrors
	if c.MatchIoU <= 0 || c.MatchIoU > 1 || math.IsNaN(c.MatchIoU) {
		errs = append(errs, geometry.FieldError{Field: "engine.tracker.match_iou", Message: "must be in (0, 1]"})
	}
	if c.ConfirmAfter < 1 {
		errs = append(errs, geometry.FieldError{Field: "engine.tracker.confirm_after", Message: "must be at least 1"})
	}
	if c.RetireAfter < 0 {
		errs = append(errs, geometry.FieldError{Field: "engine.tracker.retire_after", Message: "must not be negative"})
	}
	if c.CountLine != nil && (c.CountLine.Y < 0 || c.CountLine.Offset < 0) {
		errs = append(errs, geometry.FieldError{Field: "engine.tracker.count_line", Message: "y and offset must not be negative"})
	}
	return errs
}

// InconsistencyError rejects a detection batch. The tracker state is left
// untouched.
type InconsistencyError struct {
	FrameIndex int64
	Reason     string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("tracking inconsistency at frame %d: %s", e.FrameIndex, e.Reason)
}

// Tracker owns all live tracks. It is not safe for concurrent use; the
// frame loop is its only caller.
type Tracker struct {
	cfg       Config
	tracks    []*Track
	lastFrame int64
	started   bool
	counted   int64
	logger    *slog.Logger
}

// New creates a tracker
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		logger: slog.Default().With("component", "tracker"),
	}
}

// SetConfig replaces thresholds; live tracks are kept
func (t *Tracker) SetConfig(cfg Config) {
	t.cfg = cfg
}

type candidate struct {
	track int
	det   int
	iou   float64
}

// Update matches detections for frameIndex against live tracks. Matching
// is greedy, highest IoU first. It returns the confirmed live tracks and
// the lifecycle transitions produced by this frame.
func (t *Tracker) Update(dets []detection.Detection, frameIndex int64, now time.Time) ([]Track, []Transition, error) {
	if err := t.check(dets, frameIndex); err != nil {
		return nil, nil, err
	}
	t.lastFrame = frameIndex
	t.started = true

	var pairs []candidate
	for i, tr := range t.tracks {
		for j, d := range dets {
			iou := tr.Box.IoU(d.Box)
			if iou >= t.cfg.MatchIoU {
				pairs = append(pairs, candidate{track: i, det: j, iou: iou})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].iou != pairs[b].iou {
			return pairs[a].iou > pairs[b].iou
		}
		if pairs[a].track != pairs[b].track {
			return pairs[a].track < pairs[b].track
		}
		return pairs[a].det < pairs[b].det
	})

	trackMatched := make([]bool, len(t.tracks))
	detMatched := make([]bool, len(dets))
	var transitions []Transition

	for _, p := range pairs {
		if trackMatched[p.track] || detMatched[p.det] {
			continue
		}
		trackMatched[p.track] = true
		detMatched[p.det] = true

		tr := t.tracks[p.track]
		d := dets[p.det]
		tr.Box = d.Box
		tr.Confidence = d.Confidence
		if d.Label != "" {
			tr.Label = d.Label
		}
		tr.Age++
		tr.MissedCount = 0
		tr.LastSeenFrame = frameIndex
		tr.LastSeen = now

		transitions = t.advance(tr, frameIndex, transitions)
	}

	live := t.tracks[:0]
	for i, tr := range t.tracks {
		if !trackMatched[i] {
			tr.MissedCount++
			if tr.MissedCount > t.cfg.RetireAfter {
				if tr.Confirmed {
					transitions = append(transitions, Transition{Kind: KindRetired, Track: *tr, FrameIndex: frameIndex})
				}
				t.logger.Debug("Track retired", "track", tr.ID, "age", tr.Age, "confirmed", tr.Confirmed)
				continue
			}
		}
		live = append(live, tr)
	}
	// clear the dropped tail so retired tracks can be collected
	for i := len(live); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = live

	for j, d := range dets {
		if detMatched[j] {
			continue
		}
		tr := &Track{
			ID:             newID(),
			Label:          d.Label,
			Box:            d.Box,
			Confidence:     d.Confidence,
			FirstSeenFrame: frameIndex,
			LastSeenFrame:  frameIndex,
			FirstSeen:      now,
			LastSeen:       now,
			Age:            1,
		}
		t.tracks = append(t.tracks, tr)
		transitions = t.advance(tr, frameIndex, transitions)
	}

	return t.Active(), transitions, nil
}

// advance applies confirmation and line counting to a track seen this frame
func (t *Tracker) advance(tr *Track, frameIndex int64, transitions []Transition) []Transition {
	if !tr.Confirmed && tr.Age >= t.cfg.ConfirmAfter {
		tr.Confirmed = true
		transitions = append(transitions, Transition{Kind: KindConfirmed, Track: *tr, FrameIndex: frameIndex})
	}

	line := t.cfg.CountLine
	if line == nil || tr.Counted {
		return transitions
	}
	cy := tr.Box.Center().Y
	if cy < line.Y-line.Offset {
		tr.aboveLine = true
	}
	if tr.Confirmed && tr.aboveLine && cy > line.Y+line.Offset {
		tr.Counted = true
		t.counted++
		transitions = append(transitions, Transition{Kind: KindCounted, Track: *tr, FrameIndex: frameIndex})
	}
	return transitions
}

func (t *Tracker) check(dets []detection.Detection, frameIndex int64) error {
	if t.started && frameIndex <= t.lastFrame {
		return &InconsistencyError{
			FrameIndex: frameIndex,
			Reason:     fmt.Sprintf("frame index not after previous frame %d", t.lastFrame),
		}
	}
	for i, d := range dets {
		if !d.Box.Valid() {
			return &InconsistencyError{FrameIndex: frameIndex, Reason: fmt.Sprintf("detection %d has invalid box %+v", i, d.Box)}
		}
		if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
			return &InconsistencyError{FrameIndex: frameIndex, Reason: fmt.Sprintf("detection %d has invalid confidence %v", i, d.Confidence)}
		}
	}
	return nil
}

// Active returns copies of the confirmed live tracks in creation order
func (t *Tracker) Active() []Track {
	out := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		if tr.Confirmed {
			out = append(out, *tr)
		}
	}
	return out
}

// Tracks returns copies of every live track, confirmed or not
func (t *Tracker) Tracks() []Track {
	out := make([]Track, len(t.tracks))
	for i, tr := range t.tracks {
		out[i] = *tr
	}
	return out
}

// VehicleCount returns the number of tracks counted at the line
func (t *Tracker) VehicleCount() int64 {
	return t.counted
}

// Reset drops every track. Ids are not reused.
func (t *Tracker) Reset() {
	t.tracks = nil
	t.lastFrame = 0
	t.started = false
}
