// Package geometry describes parking spaces and groups in reference-image
// pixel coordinates.
package geometry

import (
	"fmt"
	"math"
	"strings"
)

// Point is a pixel coordinate
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Rect is an axis-aligned box with its top-left corner at (X, Y)
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Area returns the area of the box
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Center returns the center point of the box
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Intersection returns the overlapping area of two boxes
func (r Rect) Intersection(other Rect) float64 {
	x1 := math.Max(r.X, other.X)
	y1 := math.Max(r.Y, other.Y)
	x2 := math.Min(r.X+r.Width, other.X+other.Width)
	y2 := math.Min(r.Y+r.Height, other.Y+other.Height)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// IoU calculates intersection over union with another box
func (r Rect) IoU(other Rect) float64 {
	inter := r.Intersection(other)
	union := r.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Union returns the smallest box covering both boxes
func (r Rect) Union(other Rect) Rect {
	x1 := math.Min(r.X, other.X)
	y1 := math.Min(r.Y, other.Y)
	x2 := math.Max(r.X+r.Width, other.X+other.Width)
	y2 := math.Max(r.Y+r.Height, other.Y+other.Height)
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Valid reports whether all coordinates are finite and the size is positive
func (r Rect) Valid() bool {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.Width > 0 && r.Height > 0
}

// Polygon returns the box as a clockwise polygon
func (r Rect) Polygon() Polygon {
	return Polygon{
		{X: r.X, Y: r.Y},
		{X: r.X + r.Width, Y: r.Y},
		{X: r.X + r.Width, Y: r.Y + r.Height},
		{X: r.X, Y: r.Y + r.Height},
	}
}

// Polygon is a closed polygon; the last point connects to the first
type Polygon []Point

// ContainsPoint uses ray casting to test whether a point is inside
func (p Polygon) ContainsPoint(x, y float64) bool {
	if len(p) < 3 {
		return false
	}

	inside := false
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		xi, yi := p[i].X, p[i].Y
		xj, yj := p[j].X, p[j].Y

		if ((yi > y) != (yj > y)) && (x < (xj-xi)*(y-yi)/(yj-yi)+xi) {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Area returns the absolute shoelace area
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var sum float64
	j := len(p) - 1
	for i := range p {
		sum += (p[j].X + p[i].X) * (p[j].Y - p[i].Y)
		j = i
	}
	return math.Abs(sum) / 2
}

// Bounds returns the bounding box of the polygon
func (p Polygon) Bounds() Rect {
	if len(p) == 0 {
		return Rect{}
	}
	minX, minY := p[0].X, p[0].Y
	maxX, maxY := p[0].X, p[0].Y
	for _, pt := range p[1:] {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
		maxX = math.Max(maxX, pt.X)
		maxY = math.Max(maxY, pt.Y)
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// ClipArea returns the area of the polygon inside the box
// (Sutherland-Hodgman clipping against each box edge).
func (p Polygon) ClipArea(r Rect) float64 {
	out := p
	edges := []struct {
		inside func(Point) bool
		cross  func(a, b Point) Point
	}{
		{func(q Point) bool { return q.X >= r.X }, func(a, b Point) Point { return lerpX(a, b, r.X) }},
		{func(q Point) bool { return q.X <= r.X+r.Width }, func(a, b Point) Point { return lerpX(a, b, r.X+r.Width) }},
		{func(q Point) bool { return q.Y >= r.Y }, func(a, b Point) Point { return lerpY(a, b, r.Y) }},
		{func(q Point) bool { return q.Y <= r.Y+r.Height }, func(a, b Point) Point { return lerpY(a, b, r.Y+r.Height) }},
	}

	for _, e := range edges {
		if len(out) == 0 {
			return 0
		}
		in := out
		out = make(Polygon, 0, len(in)+2)
		prev := in[len(in)-1]
		for _, cur := range in {
			switch {
			case e.inside(cur) && e.inside(prev):
				out = append(out, cur)
			case e.inside(cur):
				out = append(out, e.cross(prev, cur), cur)
			case e.inside(prev):
				out = append(out, e.cross(prev, cur))
			}
			prev = cur
		}
	}
	return out.Area()
}

func lerpX(a, b Point, x float64) Point {
	t := (x - a.X) / (b.X - a.X)
	return Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func lerpY(a, b Point, y float64) Point {
	t := (y - a.Y) / (b.Y - a.Y)
	return Point{X: a.X + t*(b.X-a.X), Y: y}
}

// FieldError describes one invalid configuration field
type FieldError struct {
	Field   string `json:"field" yaml:"field"`
	Message string `json:"message" yaml:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldErrors holds multiple field errors
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, fe := range e {
		msgs = append(msgs, fe.Error())
	}
	return strings.Join(msgs, "; ")
}
