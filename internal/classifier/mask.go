package classifier

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
)

// Mask is a binary foreground image with a summed-area table for O(1)
// box counts
type Mask struct {
	Width  int
	Height int
	Pix    []uint8 // 1 for foreground
	sum    []int32 // (Width+1) x (Height+1)
}

// NewMask creates an empty mask
func NewMask(w, h int) *Mask {
	return &Mask{Width: w, Height: h, Pix: make([]uint8, w*h)}
}

// Set marks a pixel as foreground
func (m *Mask) Set(x, y int) {
	m.Pix[y*m.Width+x] = 1
	m.sum = nil
}

// At reports whether a pixel is foreground
func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x] != 0
}

// Seal builds the summed-area table; the mask must not change afterwards
func (m *Mask) Seal() {
	m.sum = integral(m.Pix, m.Width, m.Height)
}

func integral(pix []uint8, w, h int) []int32 {
	stride := w + 1
	sum := make([]int32, stride*(h+1))
	for y := 0; y < h; y++ {
		var row int32
		for x := 0; x < w; x++ {
			row += int32(pix[y*w+x])
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + row
		}
	}
	return sum
}

// CountRect counts foreground pixels in [x0,x1) x [y0,y1)
func (m *Mask) CountRect(x0, y0, x1, y1 int) int {
	if m.sum == nil {
		m.Seal()
	}
	x0, x1 = clampInt(x0, 0, m.Width), clampInt(x1, 0, m.Width)
	y0, y1 = clampInt(y0, 0, m.Height), clampInt(y1, 0, m.Height)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	s := m.Width + 1
	return int(m.sum[y1*s+x1] - m.sum[y0*s+x1] - m.sum[y1*s+x0] + m.sum[y0*s+x0])
}

// Count returns foreground pixels and total pixels inside a space. Boxes
// use the summed-area table; polygons test each pixel center.
func (m *Mask) Count(s geometry.Space) (count, area int) {
	if s.IsBox() {
		b := s.Box
		x0, y0 := int(math.Round(b.X)), int(math.Round(b.Y))
		x1, y1 := int(math.Round(b.X+b.Width)), int(math.Round(b.Y+b.Height))
		x0, x1 = clampInt(x0, 0, m.Width), clampInt(x1, 0, m.Width)
		y0, y1 = clampInt(y0, 0, m.Height), clampInt(y1, 0, m.Height)
		return m.CountRect(x0, y0, x1, y1), (x1 - x0) * (y1 - y0)
	}

	b := s.Bounds()
	x0, y0 := clampInt(int(math.Floor(b.X)), 0, m.Width), clampInt(int(math.Floor(b.Y)), 0, m.Height)
	x1, y1 := clampInt(int(math.Ceil(b.X+b.Width)), 0, m.Width), clampInt(int(math.Ceil(b.Y+b.Height)), 0, m.Height)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if !s.Contains(x, y) {
				continue
			}
			area++
			if m.Pix[y*m.Width+x] != 0 {
				count++
			}
		}
	}
	return count, area
}

// Foreground returns the number of foreground pixels in the whole mask
func (m *Mask) Foreground() int {
	return m.CountRect(0, 0, m.Width, m.Height)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// grayPixels converts an image to 8-bit luma, optionally blurred first
func grayPixels(img image.Image, sigma float64) (pix []uint8, w, h int) {
	g := imaging.Grayscale(img)
	if sigma > 0 {
		g = imaging.Blur(g, sigma)
	}
	w, h = g.Rect.Dx(), g.Rect.Dy()
	pix = make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w*4]
		for x := 0; x < w; x++ {
			pix[y*w+x] = row[x*4]
		}
	}
	return pix, w, h
}

// adaptiveThreshold marks pixels darker than their block mean minus c.
// This is the inverted binary form, so edges and dark objects become
// foreground.
func adaptiveThreshold(gray []uint8, w, h, block, c int) *Mask {
	m := NewMask(w, h)
	if w == 0 || h == 0 {
		return m
	}

	stride := w + 1
	sum := make([]int64, stride*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(gray[y*w+x])
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + row
		}
	}

	r := block / 2
	for y := 0; y < h; y++ {
		y0, y1 := clampInt(y-r, 0, h), clampInt(y+r+1, 0, h)
		for x := 0; x < w; x++ {
			x0, x1 := clampInt(x-r, 0, w), clampInt(x+r+1, 0, w)
			total := sum[y1*stride+x1] - sum[y0*stride+x1] - sum[y1*stride+x0] + sum[y0*stride+x0]
			n := int64((x1 - x0) * (y1 - y0))
			if int64(gray[y*w+x])*n < total-int64(c)*n {
				m.Pix[y*w+x] = 1
			}
		}
	}
	return m
}

// majority keeps a pixel when more than half of its k x k neighborhood is
// foreground, the binary equivalent of a median filter
func majority(m *Mask, k int) *Mask {
	out := NewMask(m.Width, m.Height)
	r := k / 2
	m.Seal()
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			x0, y0 := clampInt(x-r, 0, m.Width), clampInt(y-r, 0, m.Height)
			x1, y1 := clampInt(x+r+1, 0, m.Width), clampInt(y+r+1, 0, m.Height)
			n := (x1 - x0) * (y1 - y0)
			if m.CountRect(x0, y0, x1, y1)*2 > n {
				out.Pix[y*m.Width+x] = 1
			}
		}
	}
	return out
}

// dilate grows foreground by one pixel in each direction (3x3 kernel)
func dilate(m *Mask) *Mask {
	out := NewMask(m.Width, m.Height)
	m.Seal()
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.CountRect(x-1, y-1, x+2, y+2) > 0 {
				out.Pix[y*m.Width+x] = 1
			}
		}
	}
	return out
}
