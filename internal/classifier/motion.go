package classifier

import (
	"context"
	"sync"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
)

const (
	motionDiffLevel = 20
	motionBlurSigma = 1.1
)

// MotionDetector finds moving blobs by differencing consecutive frames.
// It implements detection.Detector so blobs can feed the tracker when no
// model is configured.
type MotionDetector struct {
	mu      sync.Mutex
	prev    []uint8
	w, h    int
	minSize int
}

// NewMotionDetector creates a detector that ignores blobs narrower or
// shorter than minSize pixels
func NewMotionDetector(minSize int) *MotionDetector {
	return &MotionDetector{minSize: minSize}
}

// Detect returns blobs that changed since the previous frame. The first
// frame, or a frame with different dimensions, only primes the detector.
func (d *MotionDetector) Detect(ctx context.Context, frame *detection.Frame) ([]detection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gray, w, h := grayPixels(frame.Image, motionBlurSigma)

	d.mu.Lock()
	prev, pw, ph := d.prev, d.w, d.h
	d.prev, d.w, d.h = gray, w, h
	d.mu.Unlock()

	if prev == nil || pw != w || ph != h {
		return nil, nil
	}

	m := NewMask(w, h)
	for i := range gray {
		diff := int(gray[i]) - int(prev[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > motionDiffLevel {
			m.Pix[i] = 1
		}
	}
	m = dilate(m)

	var dets []detection.Detection
	for _, b := range components(m) {
		if int(b.Width) < d.minSize || int(b.Height) < d.minSize {
			continue
		}
		dets = append(dets, detection.Detection{Label: "vehicle", Confidence: 1, Box: b})
	}
	return dets, nil
}

// Reset forgets the previous frame
func (d *MotionDetector) Reset() {
	d.mu.Lock()
	d.prev = nil
	d.mu.Unlock()
}

// components returns bounding boxes of 4-connected foreground regions
func components(m *Mask) []geometry.Rect {
	seen := make([]bool, len(m.Pix))
	var boxes []geometry.Rect
	var stack []int

	for start, v := range m.Pix {
		if v == 0 || seen[start] {
			continue
		}
		minX, minY := m.Width, m.Height
		maxX, maxY := -1, -1
		stack = append(stack[:0], start)
		seen[start] = true

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%m.Width, i/m.Width
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= m.Width || ny >= m.Height {
					continue
				}
				j := ny*m.Width + nx
				if m.Pix[j] != 0 && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}

		boxes = append(boxes, geometry.Rect{
			X:      float64(minX),
			Y:      float64(minY),
			Width:  float64(maxX - minX + 1),
			Height: float64(maxY - minY + 1),
		})
	}
	return boxes
}
