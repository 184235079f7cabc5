// Package classifier decides per-space occupancy from a frame.
//
// A Classifier analyzes each frame once and then answers Classify for every
// space against that analysis. Out-of-bounds geometry yields UNCERTAIN.
package classifier

import (
	"context"
	"fmt"
	"math"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/occupancy"
)

// Mode selects the classification strategy
type Mode string

const (
	ModeHeuristic Mode = "heuristic"
	ModeModel     Mode = "model"
)

// Method selects the heuristic foreground extraction
type Method string

const (
	MethodEdge      Method = "edge"
	MethodLuminance Method = "luminance"
)

// ThresholdMode selects how parking_threshold is interpreted in heuristic
// mode
type ThresholdMode string

const (
	// ThresholdDensity compares the foreground fraction (0-1)
	ThresholdDensity ThresholdMode = "density"
	// ThresholdCount compares the absolute foreground pixel count
	ThresholdCount ThresholdMode = "count"
)

// Config holds classifier settings
type Config struct {
	Mode             Mode          `json:"mode" yaml:"mode"`
	Method           Method        `json:"method" yaml:"method"`
	ThresholdMode    ThresholdMode `json:"threshold_mode" yaml:"threshold_mode"`
	ParkingThreshold float64       `json:"parking_threshold" yaml:"parking_threshold"`
	DarkLevel        int           `json:"dark_level" yaml:"dark_level"`
	OverlapFraction  float64       `json:"overlap_fraction" yaml:"overlap_fraction"`
	MinConfidence    float64       `json:"min_confidence" yaml:"min_confidence"`
	Labels           []string      `json:"labels,omitempty" yaml:"labels,omitempty"`
	Motion           bool          `json:"motion" yaml:"motion"`
	MotionMinSize    int           `json:"motion_min_size" yaml:"motion_min_size"`
}

// DefaultConfig returns heuristic edge classification with a density
// threshold
func DefaultConfig() Config {
	return Config{
		Mode:             ModeHeuristic,
		Method:           MethodEdge,
		ThresholdMode:    ThresholdDensity,
		ParkingThreshold: 0.15,
		DarkLevel:        96,
		OverlapFraction:  0.3,
		MinConfidence:    0.5,
		Labels:           detection.DefaultVehicleLabels,
		MotionMinSize:    40,
	}
}

// Validate returns the invalid fields
func (c Config) Validate() geometry.FieldErrors {
	var errs geometry.FieldErrors
	switch c.Mode {
	case ModeHeuristic, ModeModel:
	default:
		errs = append(errs, geometry.FieldError{Field: "engine.classifier.mode", Message: fmt.Sprintf("unknown mode %q", c.Mode)})
	}
	switch c.Method {
	case MethodEdge, MethodLuminance:
	default:
		errs = append(errs, geometry.FieldError{Field: "engine.classifier.method", Message: fmt.Sprintf("unknown method %q", c.Method)})
	}
	switch c.ThresholdMode {
	case ThresholdDensity:
		if c.ParkingThreshold > 1 {
			errs = append(errs, geometry.FieldError{Field: "engine.parking_threshold", Message: "density threshold must be between 0 and 1"})
		}
	case ThresholdCount:
	default:
		errs = append(errs, geometry.FieldError{Field: "engine.classifier.threshold_mode", Message: fmt.Sprintf("unknown threshold mode %q", c.ThresholdMode)})
	}
	if c.ParkingThreshold < 0 || math.IsNaN(c.ParkingThreshold) {
		errs = append(errs, geometry.FieldError{Field: "engine.parking_threshold", Message: "must not be negative"})
	}
	if c.OverlapFraction < 0 || c.OverlapFraction > 1 {
		errs = append(errs, geometry.FieldError{Field: "engine.overlap_fraction", Message: "must be between 0 and 1"})
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, geometry.FieldError{Field: "engine.classifier.min_confidence", Message: "must be between 0 and 1"})
	}
	if c.DarkLevel < 0 || c.DarkLevel > 255 {
		errs = append(errs, geometry.FieldError{Field: "engine.classifier.dark_level", Message: "must be between 0 and 255"})
	}
	if c.MotionMinSize < 0 {
		errs = append(errs, geometry.FieldError{Field: "engine.classifier.motion_min_size", Message: "must not be negative"})
	}
	return errs
}

// Result is the classification of one space in one frame
type Result struct {
	State      occupancy.State `json:"state"`
	Confidence float64         `json:"confidence"`
	Metric     float64         `json:"metric"`
}

// Analysis is the per-frame work shared by every space
type Analysis struct {
	FrameIndex int64
	Width      int
	Height     int

	// Detections feed the tracker. In model mode they come from the
	// detector; in heuristic mode from motion blobs when enabled.
	Detections []detection.Detection

	mask *Mask
}

// Mask returns the foreground mask, nil in model mode
func (a *Analysis) Mask() *Mask {
	return a.mask
}

// InBounds reports whether the space lies entirely inside the frame
func (a *Analysis) InBounds(s geometry.Space) bool {
	if len(s.Region()) == 0 {
		return false
	}
	b := s.Bounds()
	if !b.Valid() || b.X < 0 || b.Y < 0 {
		return false
	}
	return b.X+b.Width <= float64(a.Width) && b.Y+b.Height <= float64(a.Height)
}

// Classifier is one occupancy strategy
type Classifier interface {
	// Name identifies the strategy
	Name() string

	// Analyze runs once per frame
	Analyze(ctx context.Context, frame *detection.Frame) (*Analysis, error)

	// Classify decides one space against the frame analysis. It must not
	// modify the analysis; the engine calls it from several goroutines.
	Classify(a *Analysis, space geometry.Space) Result
}

// New builds the classifier for cfg. Model mode requires a detector.
func New(cfg Config, det detection.Detector) (Classifier, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	switch cfg.Mode {
	case ModeModel:
		if det == nil {
			return nil, fmt.Errorf("model-assisted mode requires a detector")
		}
		return NewModelAssisted(cfg, det), nil
	default:
		return NewHeuristic(cfg), nil
	}
}

func uncertain() Result {
	return Result{State: occupancy.Uncertain}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
