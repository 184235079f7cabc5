package geometry

import (
	"fmt"
	"math"
)

// Space is one labeled parking slot. Either Box or Polygon describes its
// region; Polygon wins when both are set.
type Space struct {
	ID      string  `json:"id" yaml:"id"`
	Section string  `json:"section,omitempty" yaml:"section,omitempty"`
	GroupID string  `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	Box     *Rect   `json:"box,omitempty" yaml:"box,omitempty"`
	Polygon Polygon `json:"polygon,omitempty" yaml:"polygon,omitempty"`
}

// Region returns the space outline as a polygon
func (s Space) Region() Polygon {
	if len(s.Polygon) > 0 {
		return s.Polygon
	}
	if s.Box != nil {
		return s.Box.Polygon()
	}
	return nil
}

// Bounds returns the bounding box of the space region
func (s Space) Bounds() Rect {
	if len(s.Polygon) == 0 && s.Box != nil {
		return *s.Box
	}
	return s.Region().Bounds()
}

// IsBox reports whether the region is an axis-aligned box
func (s Space) IsBox() bool {
	return len(s.Polygon) == 0 && s.Box != nil
}

// Area returns the region area in square pixels
func (s Space) Area() float64 {
	if s.IsBox() {
		return s.Box.Area()
	}
	return s.Region().Area()
}

// Contains reports whether the pixel center (x+0.5, y+0.5) lies inside the region
func (s Space) Contains(x, y int) bool {
	px, py := float64(x)+0.5, float64(y)+0.5
	if s.IsBox() {
		b := s.Box
		return px >= b.X && px < b.X+b.Width && py >= b.Y && py < b.Y+b.Height
	}
	return s.Polygon.ContainsPoint(px, py)
}

// OverlapFraction returns the intersection of a box with the space divided
// by the space area.
func (s Space) OverlapFraction(box Rect) float64 {
	area := s.Area()
	if area <= 0 {
		return 0
	}
	if s.IsBox() {
		return s.Box.Intersection(box) / area
	}
	return s.Polygon.ClipArea(box) / area
}

// Scale returns a copy of the space with coordinates multiplied by sx, sy
func (s Space) Scale(sx, sy float64) Space {
	out := s
	if s.Box != nil {
		b := Rect{X: s.Box.X * sx, Y: s.Box.Y * sy, Width: s.Box.Width * sx, Height: s.Box.Height * sy}
		out.Box = &b
	}
	if len(s.Polygon) > 0 {
		out.Polygon = make(Polygon, len(s.Polygon))
		for i, p := range s.Polygon {
			out.Polygon[i] = Point{X: p.X * sx, Y: p.Y * sy}
		}
	}
	return out
}

// SameRegion reports whether two spaces cover exactly the same region
func (s Space) SameRegion(other Space) bool {
	a, b := s.Region(), other.Region()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Policy selects how a group's occupancy is derived from its members
type Policy string

const (
	PolicyAll      Policy = "all"
	PolicyAny      Policy = "any"
	PolicyMajority Policy = "majority"
)

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	switch p {
	case PolicyAll, PolicyAny, PolicyMajority:
		return true
	}
	return false
}

// Occupied applies the policy to member counts
func (p Policy) Occupied(occupied, total int) bool {
	if total == 0 {
		return false
	}
	switch p {
	case PolicyAll:
		return occupied == total
	case PolicyAny:
		return occupied > 0
	case PolicyMajority:
		return occupied*2 > total
	}
	return false
}

// Group is a named set of spaces reported as one unit
type Group struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Members []string `json:"members" yaml:"members"`
	Policy  Policy   `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// Layout is the full set of spaces and groups installed in the engine
type Layout struct {
	Spaces []Space `json:"spaces" yaml:"spaces"`
	Groups []Group `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Validate checks ids, regions and group references. defaultPolicy is used
// for groups that do not set their own; groups with neither are rejected.
func (l Layout) Validate(defaultPolicy Policy) FieldErrors {
	var errs FieldErrors
	ids := make(map[string]bool, len(l.Spaces))

	for i, s := range l.Spaces {
		field := fmt.Sprintf("spaces[%d]", i)
		if s.ID == "" {
			errs = append(errs, FieldError{Field: field + ".id", Message: "space id is required"})
		} else if ids[s.ID] {
			errs = append(errs, FieldError{Field: field + ".id", Message: "duplicate space id " + s.ID})
		}
		ids[s.ID] = true

		errs = append(errs, validateRegion(field, s)...)
	}

	groupIDs := make(map[string]bool, len(l.Groups))
	for i, g := range l.Groups {
		field := fmt.Sprintf("groups[%d]", i)
		if g.ID == "" {
			errs = append(errs, FieldError{Field: field + ".id", Message: "group id is required"})
		} else if groupIDs[g.ID] {
			errs = append(errs, FieldError{Field: field + ".id", Message: "duplicate group id " + g.ID})
		}
		groupIDs[g.ID] = true

		if len(g.Members) == 0 {
			errs = append(errs, FieldError{Field: field + ".members", Message: "group needs at least one member"})
		}
		members := make(map[string]bool, len(g.Members))
		for _, m := range g.Members {
			if members[m] {
				errs = append(errs, FieldError{Field: field + ".members", Message: "duplicate member " + m})
				continue
			}
			members[m] = true
			if !ids[m] {
				errs = append(errs, FieldError{Field: field + ".members", Message: "unknown space " + m})
			}
		}

		policy := g.Policy
		if policy == "" {
			policy = defaultPolicy
		}
		if policy == "" {
			errs = append(errs, FieldError{Field: field + ".policy", Message: "group occupancy policy must be configured"})
		} else if !policy.Valid() {
			errs = append(errs, FieldError{Field: field + ".policy", Message: "unknown policy " + string(policy)})
		}
	}

	for i, s := range l.Spaces {
		if s.GroupID != "" && !groupIDs[s.GroupID] {
			errs = append(errs, FieldError{Field: fmt.Sprintf("spaces[%d].group_id", i), Message: "unknown group " + s.GroupID})
		}
	}

	return errs
}

func validateRegion(field string, s Space) FieldErrors {
	if len(s.Polygon) == 0 && s.Box == nil {
		return FieldErrors{{Field: field, Message: "box or polygon is required"}}
	}
	if len(s.Polygon) > 0 {
		if len(s.Polygon) < 3 {
			return FieldErrors{{Field: field + ".polygon", Message: "polygon needs at least 3 points"}}
		}
		for _, p := range s.Polygon {
			if p.X < 0 || p.Y < 0 || math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
				return FieldErrors{{Field: field + ".polygon", Message: "polygon points must be finite and non-negative"}}
			}
		}
		if s.Polygon.Area() == 0 {
			return FieldErrors{{Field: field + ".polygon", Message: "polygon has zero area"}}
		}
		return nil
	}
	if !s.Box.Valid() || s.Box.X < 0 || s.Box.Y < 0 {
		return FieldErrors{{Field: field + ".box", Message: "box needs non-negative origin and positive size"}}
	}
	return nil
}

// GroupBounds returns the union of the member regions; ok is false when no
// member is known.
func (l Layout) GroupBounds(g Group) (Rect, bool) {
	index := l.index()
	var out Rect
	found := false
	for _, m := range g.Members {
		s, ok := index[m]
		if !ok {
			continue
		}
		if !found {
			out = s.Bounds()
			found = true
			continue
		}
		out = out.Union(s.Bounds())
	}
	return out, found
}

func (l Layout) index() map[string]Space {
	m := make(map[string]Space, len(l.Spaces))
	for _, s := range l.Spaces {
		m[s.ID] = s
	}
	return m
}
