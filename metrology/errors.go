package metrology

import (
	"errors"
	"fmt"
)

var (
	// ErrAllPointsRemoved is returned when a refinement step leaves no tie points.
	ErrAllPointsRemoved = errors.New("all tie points removed during refinement")

	// ErrInvalidSchedule is returned for malformed or misordered refinement stages.
	ErrInvalidSchedule = errors.New("invalid refinement schedule")

	// ErrInvalidChunkScale is returned when the chunk scale is not a positive finite number.
	ErrInvalidChunkScale = errors.New("chunk scale must be a positive finite number")

	// ErrNoScaleBars is returned when evaluation is asked to measure nothing.
	ErrNoScaleBars = errors.New("no scale bars configured")

	// ErrMeasurementAlreadySet is returned on a second write to a measurement.
	ErrMeasurementAlreadySet = errors.New("measured distance already set")

	// ErrSerialNotFound is returned when no serial id can be extracted from a path.
	ErrSerialNotFound = errors.New("serial id not found")

	// ErrResultNotFound is returned by result stores for unknown serials.
	ErrResultNotFound = errors.New("verdict result not found")
)

// EmptyReconstructionError reports a reconstruction with nothing to refine.
type EmptyReconstructionError struct {
	Points  int
	Cameras int
}

func (e *EmptyReconstructionError) Error() string {
	return fmt.Sprintf("empty reconstruction: %d tie points, %d aligned cameras", e.Points, e.Cameras)
}

// MissingMarkerError names a marker label referenced by a scale bar that was
// not detected in the reconstruction.
type MissingMarkerError struct {
	Label string
}

func (e *MissingMarkerError) Error() string {
	return fmt.Sprintf("marker %q not found in reconstruction", e.Label)
}
