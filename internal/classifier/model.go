package classifier

import (
	"context"
	"fmt"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/occupancy"
)

// ModelAssisted classifies spaces by overlap with detector boxes. The
// detector runs once per frame over the whole image.
type ModelAssisted struct {
	cfg      Config
	detector detection.Detector
}

// NewModelAssisted creates a model-assisted classifier
func NewModelAssisted(cfg Config, det detection.Detector) *ModelAssisted {
	return &ModelAssisted{cfg: cfg, detector: det}
}

func (m *ModelAssisted) Name() string {
	return "model_assisted"
}

// Analyze runs the detector and keeps vehicle detections. Malformed boxes
// are passed through so the tracker rejects the batch.
func (m *ModelAssisted) Analyze(ctx context.Context, frame *detection.Frame) (*Analysis, error) {
	if frame == nil {
		return nil, fmt.Errorf("frame is nil")
	}
	dets, err := m.detector.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("detector failed: %w", err)
	}

	return &Analysis{
		FrameIndex: frame.Index,
		Width:      frame.Width,
		Height:     frame.Height,
		Detections: detection.FilterVehicles(dets, m.cfg.Labels, m.cfg.MinConfidence),
	}, nil
}

// Classify marks the space OCCUPIED when any detection covers more than
// the configured fraction of its area
func (m *ModelAssisted) Classify(a *Analysis, space geometry.Space) Result {
	if a == nil || !a.InBounds(space) || space.Area() <= 0 {
		return uncertain()
	}

	var best, bestConf float64
	for _, d := range a.Detections {
		if !d.Box.Valid() {
			continue
		}
		f := space.OverlapFraction(d.Box)
		if f > best {
			best, bestConf = f, d.Confidence
		}
	}

	if best > m.cfg.OverlapFraction {
		return Result{State: occupancy.Occupied, Confidence: bestConf, Metric: best}
	}

	conf := 1.0
	if m.cfg.OverlapFraction > 0 {
		conf = clamp01(1 - best/m.cfg.OverlapFraction)
	}
	return Result{State: occupancy.Free, Confidence: conf, Metric: best}
}
