package classifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/occupancy"
)

// Adaptive threshold parameters for the edge method
const (
	edgeBlockSize = 25
	edgeOffset    = 16
	edgeBlurSigma = 1.0
	edgeMedian    = 5
)

// Heuristic classifies spaces by foreground pixel density
type Heuristic struct {
	cfg    Config
	motion *MotionDetector
	logger *slog.Logger
}

// NewHeuristic creates a heuristic classifier. Motion blob detection is
// enabled by cfg.Motion.
func NewHeuristic(cfg Config) *Heuristic {
	h := &Heuristic{
		cfg:    cfg,
		logger: slog.Default().With("component", "classifier"),
	}
	if cfg.Motion {
		h.motion = NewMotionDetector(cfg.MotionMinSize)
	}
	return h
}

func (h *Heuristic) Name() string {
	return "heuristic_" + string(h.cfg.Method)
}

// Analyze builds the foreground mask for the frame
func (h *Heuristic) Analyze(ctx context.Context, frame *detection.Frame) (*Analysis, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("frame has no image")
	}

	var mask *Mask
	switch h.cfg.Method {
	case MethodLuminance:
		gray, w, h2 := grayPixels(frame.Image, 0)
		mask = NewMask(w, h2)
		level := uint8(h.cfg.DarkLevel)
		for i, v := range gray {
			if v < level {
				mask.Pix[i] = 1
			}
		}
	default:
		gray, w, h2 := grayPixels(frame.Image, edgeBlurSigma)
		mask = adaptiveThreshold(gray, w, h2, edgeBlockSize, edgeOffset)
		mask = majority(mask, edgeMedian)
		mask = dilate(mask)
	}
	mask.Seal()

	a := &Analysis{
		FrameIndex: frame.Index,
		Width:      mask.Width,
		Height:     mask.Height,
		mask:       mask,
	}

	if h.motion != nil {
		dets, err := h.motion.Detect(ctx, frame)
		if err != nil {
			h.logger.Warn("Motion detection failed", "frame", frame.Index, "error", err)
		}
		a.Detections = dets
	}
	return a, nil
}

// Classify compares the space's foreground density or count against the
// parking threshold. At or above the threshold is OCCUPIED.
func (h *Heuristic) Classify(a *Analysis, space geometry.Space) Result {
	if a == nil || a.mask == nil || !a.InBounds(space) {
		return uncertain()
	}
	count, area := a.mask.Count(space)
	if area == 0 {
		return uncertain()
	}

	thr := h.cfg.ParkingThreshold
	metric := float64(count) / float64(area)
	if h.cfg.ThresholdMode == ThresholdCount {
		metric = float64(count)
	}

	if metric >= thr {
		conf := 1.0
		if h.cfg.ThresholdMode == ThresholdCount {
			if thr > 0 {
				conf = clamp01((metric - thr) / thr)
			}
		} else if thr < 1 {
			conf = clamp01((metric - thr) / (1 - thr))
		}
		return Result{State: occupancy.Occupied, Confidence: conf, Metric: metric}
	}

	conf := 1.0
	if thr > 0 {
		conf = clamp01((thr - metric) / thr)
	}
	return Result{State: occupancy.Free, Confidence: conf, Metric: metric}
}
