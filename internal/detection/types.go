// Package detection supplies frames and vehicle detections to the engine
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
)

// ErrSourceExhausted is returned by a FrameSource at end of stream
var ErrSourceExhausted = errors.New("frame source exhausted")

// Frame is one decoded image from a source. Index increases monotonically
// within a source.
type Frame struct {
	Index     int64
	Timestamp time.Time
	Image     image.Image
	Data      []byte // Raw encoded bytes when the source had them
	Width     int
	Height    int
	Format    string // "jpeg", "png"
}

// NewFrame wraps a decoded image
func NewFrame(index int64, img image.Image, ts time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Index:     index,
		Timestamp: ts,
		Image:     img,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// Detection is one detected object in frame pixel coordinates
type Detection struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Box        geometry.Rect `json:"box"`
}

// Detector finds objects in a full frame
type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)
}

// FrameSource yields frames until ErrSourceExhausted
type FrameSource interface {
	// Next blocks until the next frame is available
	Next(ctx context.Context) (*Frame, error)

	// Close releases the source
	Close() error
}

// DecodeError marks a single frame that could not be decoded. The source
// itself is still usable.
type DecodeError struct {
	Index int64
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err only affects a single frame
func IsTransient(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// DefaultVehicleLabels are the detector classes treated as vehicles
var DefaultVehicleLabels = []string{"car", "truck", "bus", "motorcycle"}

// FilterVehicles keeps detections whose label is in labels and whose
// confidence is at least minConfidence. An empty label set keeps every label.
// NaN confidences are kept for the tracker to reject.
func FilterVehicles(dets []Detection, labels []string, minConfidence float64) []Detection {
	allowed := make(map[string]bool, len(labels))
	for _, l := range labels {
		allowed[strings.ToLower(l)] = true
	}

	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < minConfidence {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(d.Label)] {
			continue
		}
		out = append(out, d)
	}
	return out
}
