package engine

import (
	"errors"
	"fmt"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
)

// ErrNotRunning is returned by Reconfigure and Apply when no loop is active
var ErrNotRunning = errors.New("engine is not running")

// ConfigurationError rejects a start or reconfiguration
type ConfigurationError struct {
	Errors geometry.FieldErrors
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Errors.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Errors
}

// FrameAcquisitionError ends the loop when the source is exhausted or
// keeps failing
type FrameAcquisitionError struct {
	FrameIndex int64
	Err        error
}

func (e *FrameAcquisitionError) Error() string {
	return fmt.Sprintf("frame acquisition failed after frame %d: %v", e.FrameIndex, e.Err)
}

func (e *FrameAcquisitionError) Unwrap() error {
	return e.Err
}

// ControlResult reports what a control call did
type ControlResult string

const (
	Started        ControlResult = "started"
	AlreadyRunning ControlResult = "already_running"
	Stopped        ControlResult = "stopped"
	AlreadyStopped ControlResult = "already_stopped"
	Reconfigured   ControlResult = "reconfigured"
	Rejected       ControlResult = "rejected"
)
