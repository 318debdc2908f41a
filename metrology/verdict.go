package metrology

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// MarkerPositions maps a detected marker label to its position in
// normalized reconstruction units.
type MarkerPositions map[string]r3.Vector

// Lookup returns the position for label or a *MissingMarkerError.
func (m MarkerPositions) Lookup(label string) (r3.Vector, error) {
	p, ok := m[label]
	if !ok {
		return r3.Vector{}, &MissingMarkerError{Label: label}
	}
	return p, nil
}

// MarkerSource exposes detected markers and the metric scale of a reconstruction.
type MarkerSource interface {
	MarkerPosition(label string) (r3.Vector, bool)
	ChunkScale() float64
}

// MarkerPositionsFrom copies the positions of labels out of src. Labels the
// source has not detected are left out so Evaluate can name them.
func MarkerPositionsFrom(src MarkerSource, labels []string) MarkerPositions {
	out := make(MarkerPositions, len(labels))
	for _, label := range labels {
		if p, ok := src.MarkerPosition(label); ok {
			out[label] = p
		}
	}
	return out
}

// RequiredMarkers lists the marker labels referenced by specs, deduplicated
// in first-use order.
func RequiredMarkers(specs []ScaleBarSpec) []string {
	labels := make([]string, 0, 2*len(specs))
	for _, s := range specs {
		labels = append(labels, s.EndpointA, s.EndpointB)
	}
	return lo.Uniq(labels)
}

// ChunkScale converts normalized reconstruction units to meters.
type ChunkScale float64

// Validate rejects zero, negative and non-finite scales.
func (s ChunkScale) Validate() error {
	f := float64(s)
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidChunkScale, f)
	}
	return nil
}

// Thresholds are the two independent acceptance limits, in percent.
type Thresholds struct {
	PerMeasurementPercent float64 `yaml:"perMeasurementPercent" json:"perMeasurementPercent"`
	AggregatePercent      float64 `yaml:"aggregatePercent" json:"aggregatePercent"`
}

// DefaultThresholds returns 4% per bar and 3% RMS.
func DefaultThresholds() Thresholds {
	return Thresholds{PerMeasurementPercent: 4.0, AggregatePercent: 3.0}
}

// Validate requires both thresholds to be positive.
func (t Thresholds) Validate() error {
	if !(t.PerMeasurementPercent > 0) {
		return fmt.Errorf("per-measurement threshold must be positive, got %v", t.PerMeasurementPercent)
	}
	if !(t.AggregatePercent > 0) {
		return fmt.Errorf("aggregate threshold must be positive, got %v", t.AggregatePercent)
	}
	return nil
}

// Evaluate measures every scale bar in markers, scales the distances to
// meters with scale, and issues the verdict.
//
// All referenced labels are checked before anything is measured; the first
// missing one (in scale bar order, endpoint A before B) is returned as a
// *MissingMarkerError and no result is produced.
func Evaluate(markers MarkerPositions, scale ChunkScale, specs []ScaleBarSpec, thresholds Thresholds) (*VerdictResult, error) {
	if err := scale.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, ErrNoScaleBars
	}
	for _, s := range specs {
		if !(s.GroundTruthMeters > 0) {
			return nil, fmt.Errorf("scale bar %q: ground truth must be positive, got %v", s.Name, s.GroundTruthMeters)
		}
		for _, label := range []string{s.EndpointA, s.EndpointB} {
			if _, err := markers.Lookup(label); err != nil {
				return nil, err
			}
		}
	}

	measurements := make([]ScaleBarMeasurement, len(specs))
	fractions := make([]float64, len(specs))
	for i, s := range specs {
		a, b := markers[s.EndpointA], markers[s.EndpointB]
		m := NewMeasurement(s)
		if err := m.SetMeasured(a.Distance(b) * float64(scale)); err != nil {
			return nil, err
		}
		measurements[i] = m
		f := m.ErrorPercent() / 100
		fractions[i] = f * f
	}

	rms := math.Sqrt(stat.Mean(fractions, nil)) * 100

	return &VerdictResult{
		RunID:                          uuid.NewString(),
		RMSErrorPercent:                rms,
		Measurements:                   measurements,
		Passed:                         rms < thresholds.AggregatePercent,
		PerMeasurementThresholdPercent: thresholds.PerMeasurementPercent,
		AggregateThresholdPercent:      thresholds.AggregatePercent,
		EvaluatedAt:                    time.Now().UTC(),
	}, nil
}
