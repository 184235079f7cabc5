package engine

import (
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/history"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/occupancy"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/tracker"
)

// SpaceStatus is one space in a snapshot
type SpaceStatus struct {
	occupancy.SpaceState
	Section     string        `json:"section,omitempty"`
	GroupID     string        `json:"group_id,omitempty"`
	Metric      float64       `json:"metric"`
	OccupiedFor time.Duration `json:"occupied_for"`
}

// GroupStatus is the derived occupancy of a group
type GroupStatus struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Policy     geometry.Policy `json:"policy"`
	Members    []string        `json:"members"`
	Occupied   int             `json:"occupied"`
	Total      int             `json:"total"`
	IsOccupied bool            `json:"is_occupied"`
}

// Snapshot is an immutable view of the lot after one frame. UNCERTAIN
// spaces are counted as occupied so Free+Occupied always equals Total;
// Uncertain reports how many of them there are. OccupancyRate only covers
// decided spaces.
type Snapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	FrameIndex    int64           `json:"frame_index"`
	Generation    uint64          `json:"generation"`
	Total         int             `json:"total"`
	Free          int             `json:"free"`
	Occupied      int             `json:"occupied"`
	Uncertain     int             `json:"uncertain"`
	OccupancyRate float64         `json:"occupancy_rate"`
	Spaces        []SpaceStatus   `json:"spaces"`
	Groups        []GroupStatus   `json:"groups"`
	Tracks        []tracker.Track `json:"tracks"`
	VehicleCount  int64           `json:"vehicle_count"`

	index map[string]int
}

// Space looks up a space by id
func (s *Snapshot) Space(id string) (SpaceStatus, bool) {
	i, ok := s.index[id]
	if !ok {
		return SpaceStatus{}, false
	}
	return s.Spaces[i], true
}

// Group looks up a group by id
func (s *Snapshot) Group(id string) (GroupStatus, bool) {
	for _, g := range s.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return GroupStatus{}, false
}

// Record converts the snapshot to a history record
func (s *Snapshot) Record() history.Record {
	return history.Record{
		Timestamp:     s.Timestamp,
		FrameIndex:    s.FrameIndex,
		Total:         s.Total,
		Free:          s.Free,
		Occupied:      s.Occupied,
		Uncertain:     s.Uncertain,
		OccupancyRate: s.OccupancyRate,
	}
}

// buildSnapshot assembles a snapshot from per-space states. Group
// occupancy is derived here from the member states and nowhere else.
func buildSnapshot(cfg Config, spaces []geometry.Space, states map[string]SpaceStatus, tracks []tracker.Track, vehicles int64, frameIndex int64, now time.Time) *Snapshot {
	snap := &Snapshot{
		Timestamp:    now,
		FrameIndex:   frameIndex,
		Total:        len(spaces),
		Spaces:       make([]SpaceStatus, 0, len(spaces)),
		Groups:       make([]GroupStatus, 0, len(cfg.Groups)),
		Tracks:       tracks,
		VehicleCount: vehicles,
		index:        make(map[string]int, len(spaces)),
	}
	if snap.Tracks == nil {
		snap.Tracks = []tracker.Track{}
	}

	for _, sp := range spaces {
		st, ok := states[sp.ID]
		if !ok {
			st = SpaceStatus{SpaceState: occupancy.SpaceState{SpaceID: sp.ID, State: occupancy.Uncertain, LastChangedAt: now}}
		}
		st.Section = sp.Section
		st.GroupID = sp.GroupID

		switch st.State {
		case occupancy.Free:
			snap.Free++
		case occupancy.Occupied:
			snap.Occupied++
		default:
			snap.Occupied++
			snap.Uncertain++
		}
		snap.index[sp.ID] = len(snap.Spaces)
		snap.Spaces = append(snap.Spaces, st)
	}
	snap.OccupancyRate = history.Rate(snap.Occupied-snap.Uncertain, snap.Total-snap.Uncertain)

	for _, g := range cfg.Groups {
		gs := GroupStatus{
			ID:      g.ID,
			Name:    g.Name,
			Policy:  cfg.policyFor(g),
			Members: append([]string(nil), g.Members...),
		}
		for _, m := range g.Members {
			st, ok := snap.Space(m)
			if !ok {
				continue
			}
			gs.Total++
			if st.State == occupancy.Occupied {
				gs.Occupied++
			}
		}
		gs.IsOccupied = gs.Policy.Occupied(gs.Occupied, gs.Total)
		snap.Groups = append(snap.Groups, gs)
	}
	return snap
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Spaces: []SpaceStatus{},
		Groups: []GroupStatus{},
		Tracks: []tracker.Track{},
		index:  map[string]int{},
	}
}
