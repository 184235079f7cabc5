package engine

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/classifier"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/history"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/occupancy"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/tracker"
)

// Reference is the image size the space geometry was drawn on
type Reference struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Config is everything the frame loop reads at start and at each
// checkpoint
type Config struct {
	Classifier classifier.Config `json:"classifier"`
	Tracker    tracker.Config    `json:"tracker"`

	// Hysteresis is the number of consecutive identical classifications
	// needed to commit a state change
	Hysteresis int `json:"hysteresis"`

	// TargetFPS caps the processing rate; 0 means unlimited
	TargetFPS float64 `json:"target_fps"`

	// HistoryInterval is the history sampling cadence; 0 samples every frame
	HistoryInterval time.Duration `json:"history_interval"`

	MaxHistory int `json:"max_history"`

	// MaxConsecutiveFrameErrors is how many transient source errors in a
	// row are tolerated before the loop stops
	MaxConsecutiveFrameErrors int `json:"max_consecutive_frame_errors"`

	// Workers bounds per-space classification parallelism
	Workers int `json:"workers"`

	DefaultPolicy geometry.Policy `json:"default_policy,omitempty"`

	// Reference enables scaling the layout to the frame size
	Reference *Reference `json:"reference,omitempty"`

	Spaces []geometry.Space `json:"spaces"`
	Groups []geometry.Group `json:"groups,omitempty"`
}

// DefaultConfig returns a config with no spaces
func DefaultConfig() Config {
	return Config{
		Classifier:                classifier.DefaultConfig(),
		Tracker:                   tracker.DefaultConfig(),
		Hysteresis:                occupancy.DefaultHysteresis,
		TargetFPS:                 5,
		HistoryInterval:           time.Second,
		MaxHistory:                history.DefaultMaxHistory,
		MaxConsecutiveFrameErrors: 5,
		Workers:                   runtime.NumCPU(),
	}
}

// Layout returns the configured spaces and groups
func (c Config) Layout() geometry.Layout {
	return geometry.Layout{Spaces: c.Spaces, Groups: c.Groups}
}

// Validate returns a *ConfigurationError listing every invalid field
func (c Config) Validate() error {
	var errs geometry.FieldErrors
	errs = append(errs, c.Classifier.Validate()...)
	errs = append(errs, c.Tracker.Validate()...)

	if c.Hysteresis < 1 {
		errs = append(errs, geometry.FieldError{Field: "engine.hysteresis", Message: "must be at least 1"})
	}
	if c.TargetFPS < 0 || math.IsNaN(c.TargetFPS) || math.IsInf(c.TargetFPS, 0) {
		errs = append(errs, geometry.FieldError{Field: "engine.target_fps", Message: "must not be negative"})
	}
	if c.HistoryInterval < 0 {
		errs = append(errs, geometry.FieldError{Field: "engine.history_interval", Message: "must not be negative"})
	}
	if c.MaxHistory < 1 {
		errs = append(errs, geometry.FieldError{Field: "engine.max_history", Message: "must be at least 1"})
	}
	if c.MaxConsecutiveFrameErrors < 0 {
		errs = append(errs, geometry.FieldError{Field: "engine.max_consecutive_frame_errors", Message: "must not be negative"})
	}
	if c.Workers < 0 {
		errs = append(errs, geometry.FieldError{Field: "engine.workers", Message: "must not be negative"})
	}
	if c.DefaultPolicy != "" && !c.DefaultPolicy.Valid() {
		errs = append(errs, geometry.FieldError{Field: "engine.group_policy", Message: fmt.Sprintf("unknown policy %q", c.DefaultPolicy)})
	}
	if c.Reference != nil && (c.Reference.Width <= 0 || c.Reference.Height <= 0) {
		errs = append(errs, geometry.FieldError{Field: "reference", Message: "width and height must be positive"})
	}
	errs = append(errs, c.Layout().Validate(c.DefaultPolicy)...)

	if len(errs) > 0 {
		return &ConfigurationError{Errors: errs}
	}
	return nil
}

// policyFor resolves a group's policy against the default
func (c Config) policyFor(g geometry.Group) geometry.Policy {
	if g.Policy != "" {
		return g.Policy
	}
	return c.DefaultPolicy
}
