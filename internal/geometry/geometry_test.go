package geometry

import (
	"math"
	"strings"
	"testing"
)

func box(x, y, w, h float64) *Rect {
	return &Rect{X: x, Y: y, Width: w, Height: h}
}

func TestRect_IoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want float64
	}{
		{"identical", Rect{0, 0, 10, 10}, Rect{0, 0, 10, 10}, 1},
		{"disjoint", Rect{0, 0, 10, 10}, Rect{20, 20, 10, 10}, 0},
		{"half overlap", Rect{0, 0, 10, 10}, Rect{5, 0, 10, 10}, 50.0 / 150.0},
		{"touching edges", Rect{0, 0, 10, 10}, Rect{10, 0, 10, 10}, 0},
		{"zero size", Rect{0, 0, 0, 0}, Rect{0, 0, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.IoU(tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRect_Valid(t *testing.T) {
	if !(Rect{0, 0, 1, 1}).Valid() {
		t.Error("expected unit box to be valid")
	}
	if (Rect{0, 0, -1, 1}).Valid() {
		t.Error("expected negative width to be invalid")
	}
	if (Rect{math.NaN(), 0, 1, 1}).Valid() {
		t.Error("expected NaN origin to be invalid")
	}
	if (Rect{0, 0, math.Inf(1), 1}).Valid() {
		t.Error("expected infinite width to be invalid")
	}
}

func TestPolygon_ContainsPoint(t *testing.T) {
	square := Rect{0, 0, 10, 10}.Polygon()

	tests := []struct {
		name string
		x, y float64
		want bool
	}{
		{"center", 5, 5, true},
		{"outside right", 15, 5, false},
		{"outside above", 5, -1, false},
		{"near corner", 0.1, 0.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := square.ContainsPoint(tt.x, tt.y); got != tt.want {
				t.Errorf("ContainsPoint(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}

	if (Polygon{{0, 0}, {1, 1}}).ContainsPoint(0.5, 0.5) {
		t.Error("degenerate polygon should contain nothing")
	}
}

func TestPolygon_Area(t *testing.T) {
	tri := Polygon{{0, 0}, {10, 0}, {0, 10}}
	if got := tri.Area(); got != 50 {
		t.Errorf("triangle area = %v, want 50", got)
	}
	if got := (Rect{2, 3, 4, 5}).Polygon().Area(); got != 20 {
		t.Errorf("box polygon area = %v, want 20", got)
	}
}

func TestPolygon_ClipArea(t *testing.T) {
	square := Rect{0, 0, 10, 10}.Polygon()

	tests := []struct {
		name string
		clip Rect
		want float64
	}{
		{"fully inside", Rect{2, 2, 2, 2}, 4},
		{"covers polygon", Rect{-5, -5, 30, 30}, 100},
		{"half", Rect{5, -1, 20, 20}, 50},
		{"disjoint", Rect{20, 20, 5, 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := square.ClipArea(tt.clip)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ClipArea() = %v, want %v", got, tt.want)
			}
		})
	}

	tri := Polygon{{0, 0}, {10, 0}, {0, 10}}
	if got := tri.ClipArea(Rect{0, 0, 5, 5}); math.Abs(got-25) > 1e-9 {
		t.Errorf("triangle clip = %v, want 25", got)
	}
}

func TestSpace_OverlapFraction(t *testing.T) {
	s := Space{ID: "S1", Box: box(0, 0, 10, 10)}
	if got := s.OverlapFraction(Rect{0, 0, 5, 10}); got != 0.5 {
		t.Errorf("box overlap = %v, want 0.5", got)
	}

	p := Space{ID: "S2", Polygon: Rect{0, 0, 10, 10}.Polygon()}
	if got := p.OverlapFraction(Rect{0, 0, 10, 2.5}); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("polygon overlap = %v, want 0.25", got)
	}

	empty := Space{ID: "S3"}
	if got := empty.OverlapFraction(Rect{0, 0, 10, 10}); got != 0 {
		t.Errorf("empty space overlap = %v, want 0", got)
	}
}

func TestSpace_Contains(t *testing.T) {
	s := Space{Box: box(10, 10, 5, 5)}
	if !s.Contains(10, 10) {
		t.Error("expected top-left pixel to be inside")
	}
	if s.Contains(15, 10) {
		t.Error("expected pixel past right edge to be outside")
	}
}

func TestSpace_Scale(t *testing.T) {
	s := Space{ID: "S1", Box: box(10, 20, 30, 40)}
	scaled := s.Scale(2, 0.5)
	want := Rect{20, 10, 60, 20}
	if *scaled.Box != want {
		t.Errorf("Scale() box = %+v, want %+v", *scaled.Box, want)
	}
	if s.Box.X != 10 {
		t.Error("Scale() must not modify the original box")
	}
}

func TestPolicy_Occupied(t *testing.T) {
	tests := []struct {
		policy          Policy
		occupied, total int
		want            bool
	}{
		{PolicyAll, 3, 3, true},
		{PolicyAll, 2, 3, false},
		{PolicyAny, 1, 3, true},
		{PolicyAny, 0, 3, false},
		{PolicyMajority, 2, 3, true},
		{PolicyMajority, 2, 4, false},
		{PolicyAll, 0, 0, false},
		{Policy("bogus"), 3, 3, false},
	}

	for _, tt := range tests {
		if got := tt.policy.Occupied(tt.occupied, tt.total); got != tt.want {
			t.Errorf("%s.Occupied(%d, %d) = %v, want %v", tt.policy, tt.occupied, tt.total, got, tt.want)
		}
	}
}

func TestLayout_Validate(t *testing.T) {
	valid := []Space{
		{ID: "S1", Box: box(0, 0, 10, 10)},
		{ID: "S2", Box: box(20, 0, 10, 10)},
	}

	tests := []struct {
		name          string
		layout        Layout
		defaultPolicy Policy
		wantField     string
	}{
		{
			name:   "valid",
			layout: Layout{Spaces: valid, Groups: []Group{{ID: "G1", Members: []string{"S1", "S2"}, Policy: PolicyAll}}},
		},
		{
			name:      "duplicate id",
			layout:    Layout{Spaces: []Space{valid[0], {ID: "S1", Box: box(50, 50, 5, 5)}}},
			wantField: "spaces[1].id",
		},
		{
			name:      "negative width",
			layout:    Layout{Spaces: []Space{{ID: "S1", Box: box(0, 0, -1, 10)}}},
			wantField: "spaces[0].box",
		},
		{
			name:      "missing region",
			layout:    Layout{Spaces: []Space{{ID: "S1"}}},
			wantField: "spaces[0]",
		},
		{
			name:      "short polygon",
			layout:    Layout{Spaces: []Space{{ID: "S1", Polygon: Polygon{{0, 0}, {1, 1}}}}},
			wantField: "spaces[0].polygon",
		},
		{
			name:      "unknown member",
			layout:    Layout{Spaces: valid, Groups: []Group{{ID: "G1", Members: []string{"S9"}, Policy: PolicyAny}}},
			wantField: "groups[0].members",
		},
		{
			name:      "duplicate member",
			layout:    Layout{Spaces: valid, Groups: []Group{{ID: "G1", Members: []string{"S1", "S1", "S2"}, Policy: PolicyMajority}}},
			wantField: "groups[0].members",
		},
		{
			name:      "missing policy",
			layout:    Layout{Spaces: valid, Groups: []Group{{ID: "G1", Members: []string{"S1"}}}},
			wantField: "groups[0].policy",
		},
		{
			name:          "default policy fills in",
			layout:        Layout{Spaces: valid, Groups: []Group{{ID: "G1", Members: []string{"S1"}}}},
			defaultPolicy: PolicyMajority,
		},
		{
			name:      "unknown group reference",
			layout:    Layout{Spaces: []Space{{ID: "S1", GroupID: "G7", Box: box(0, 0, 1, 1)}}},
			wantField: "spaces[0].group_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.layout.Validate(tt.defaultPolicy)
			if tt.wantField == "" {
				if len(errs) != 0 {
					t.Fatalf("expected no errors, got %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.wantField, errs)
			}
		})
	}
}

func TestFieldErrors_Error(t *testing.T) {
	errs := FieldErrors{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}
	msg := errs.Error()
	if !strings.Contains(msg, "a: bad") || !strings.Contains(msg, "b: worse") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestAssignIDs(t *testing.T) {
	spaces := []Space{
		{Box: box(10, 10, 20, 20)},
		{Box: box(700, 10, 20, 20)},
		{Box: box(10, 400, 20, 20)},
		{ID: "custom", Box: box(700, 400, 20, 20)},
	}

	got := AssignIDs(spaces, 1280, 720)
	want := []string{"S1-A1", "S2-B1", "S3-A2", "custom"}
	for i, s := range got {
		if s.ID != want[i] {
			t.Errorf("space %d id = %s, want %s", i, s.ID, want[i])
		}
	}
	if got[3].Section != "B2" {
		t.Errorf("section = %s, want B2", got[3].Section)
	}
	if spaces[0].ID != "" {
		t.Error("AssignIDs must not modify its input")
	}
}

func TestDedupe(t *testing.T) {
	spaces := []Space{
		{ID: "a", Box: box(0, 0, 10, 10)},
		{ID: "b", Box: box(0, 0, 10, 10)},
		{ID: "c", Box: box(5, 0, 10, 10)},
	}
	got := Dedupe(spaces)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("Dedupe() = %+v", got)
	}
}

func TestScaleLayout(t *testing.T) {
	spaces := []Space{{ID: "S1", Box: box(100, 100, 50, 50)}}

	same := ScaleLayout(spaces, 1280, 720, 1280, 720)
	if same[0].Box != spaces[0].Box {
		t.Error("identical dimensions should return the input unchanged")
	}

	half := ScaleLayout(spaces, 1280, 720, 640, 360)
	if *half[0].Box != (Rect{50, 50, 25, 25}) {
		t.Errorf("scaled box = %+v", *half[0].Box)
	}

	if got := ScaleLayout(spaces, 0, 0, 640, 360); got[0].Box != spaces[0].Box {
		t.Error("zero reference should leave layout unchanged")
	}
}

func TestLayout_GroupBounds(t *testing.T) {
	l := Layout{Spaces: []Space{
		{ID: "S1", Box: box(0, 0, 10, 10)},
		{ID: "S2", Box: box(20, 20, 10, 10)},
	}}
	b, ok := l.GroupBounds(Group{ID: "G", Members: []string{"S1", "S2"}})
	if !ok || b != (Rect{0, 0, 30, 30}) {
		t.Errorf("GroupBounds() = %+v, %v", b, ok)
	}
	if _, ok := l.GroupBounds(Group{ID: "G", Members: []string{"zz"}}); ok {
		t.Error("expected no bounds for unknown members")
	}
}
