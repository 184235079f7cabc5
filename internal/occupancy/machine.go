// Package occupancy implements the per-space hysteresis state machine.
package occupancy

import (
	"fmt"
	"time"
)

// State is the committed occupancy of a space
type State string

const (
	Free      State = "FREE"
	Occupied  State = "OCCUPIED"
	Uncertain State = "UNCERTAIN"
)

// Valid reports whether s is one of the three states
func (s State) Valid() bool {
	switch s {
	case Free, Occupied, Uncertain:
		return true
	}
	return false
}

// DefaultHysteresis is the number of consecutive identical inputs needed
// to commit a change
const DefaultHysteresis = 3

// SpaceState is a copy of one machine's state
type SpaceState struct {
	SpaceID       string        `json:"space_id"`
	State         State         `json:"state"`
	Candidate     State         `json:"candidate,omitempty"`
	Consecutive   int           `json:"consecutive"`
	LastChangedAt time.Time     `json:"last_changed_at"`
	OccupiedTotal time.Duration `json:"occupied_total"`
	Confidence    float64       `json:"confidence"`
	TrackID       uint64        `json:"track_id,omitempty"`
}

// Transition is a committed state change
type Transition struct {
	SpaceID    string    `json:"space_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	At         time.Time `json:"at"`
	FrameIndex int64     `json:"frame_index"`
}

// Machine debounces classifications for one space. It is not safe for
// concurrent use; the frame loop is its only writer.
type Machine struct {
	n     int
	state SpaceState
}

// NewMachine creates a machine in the UNCERTAIN state. n below 1 is
// treated as 1.
func NewMachine(spaceID string, n int, now time.Time) *Machine {
	if n < 1 {
		n = 1
	}
	return &Machine{
		n: n,
		state: SpaceState{
			SpaceID:       spaceID,
			State:         Uncertain,
			LastChangedAt: now,
		},
	}
}

// Step feeds one classification. It returns the transition and true when
// the input completed a run of n identical results that differ from the
// committed state.
func (m *Machine) Step(input State, confidence float64, now time.Time, frameIndex int64) (Transition, bool) {
	if !input.Valid() {
		panic(fmt.Sprintf("occupancy: invalid state %q", input))
	}
	m.state.Confidence = confidence

	if input == m.state.State {
		m.state.Candidate = ""
		m.state.Consecutive = 0
		return Transition{}, false
	}

	if input == m.state.Candidate {
		m.state.Consecutive++
	} else {
		m.state.Candidate = input
		m.state.Consecutive = 1
	}

	if m.state.Consecutive < m.n {
		return Transition{}, false
	}

	t := Transition{
		SpaceID:    m.state.SpaceID,
		From:       m.state.State,
		To:         input,
		At:         now,
		FrameIndex: frameIndex,
	}

	if m.state.State == Occupied {
		m.state.OccupiedTotal += now.Sub(m.state.LastChangedAt)
	}
	m.state.State = input
	m.state.Candidate = ""
	m.state.Consecutive = 0
	m.state.LastChangedAt = now
	return t, true
}

// SetTrack records the id of the confirmed track covering the space;
// zero clears it
func (m *Machine) SetTrack(id uint64) {
	m.state.TrackID = id
}

// SetHysteresis changes n for subsequent inputs
func (m *Machine) SetHysteresis(n int) {
	if n < 1 {
		n = 1
	}
	m.n = n
}

// State returns a copy of the current state
func (m *Machine) State() SpaceState {
	return m.state
}

// OccupiedFor returns the accumulated occupied time including the current
// run when the space is occupied
func (m *Machine) OccupiedFor(now time.Time) time.Duration {
	total := m.state.OccupiedTotal
	if m.state.State == Occupied && now.After(m.state.LastChangedAt) {
		total += now.Sub(m.state.LastChangedAt)
	}
	return total
}
