package metrology

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
)

// ScaleBarSpec is a certified distance between two detected markers.
type ScaleBarSpec struct {
	Name              string  `yaml:"name" json:"name"`
	EndpointA         string  `yaml:"a" json:"a"`
	EndpointB         string  `yaml:"b" json:"b"`
	GroundTruthMeters float64 `yaml:"groundTruthMeters" json:"groundTruthMeters"`
}

// ScaleBarMeasurement is one scale bar measured in a reconstruction.
// The measured distance can be written once.
type ScaleBarMeasurement struct {
	ScaleBarSpec
	measured *float64
}

// NewMeasurement returns an unmeasured bar for spec.
func NewMeasurement(spec ScaleBarSpec) ScaleBarMeasurement {
	return ScaleBarMeasurement{ScaleBarSpec: spec}
}

// SetMeasured stores the measured distance in meters.
func (m *ScaleBarMeasurement) SetMeasured(meters float64) error {
	if m.measured != nil {
		return fmt.Errorf("%s: %w", m.Name, ErrMeasurementAlreadySet)
	}
	if math.IsNaN(meters) || math.IsInf(meters, 0) || meters < 0 {
		return fmt.Errorf("%s: measured distance must be a non-negative number, got %v", m.Name, meters)
	}
	d := meters
	m.measured = &d
	return nil
}

// MeasuredDistance returns the measured distance and whether it was set.
func (m ScaleBarMeasurement) MeasuredDistance() (float64, bool) {
	if m.measured == nil {
		return 0, false
	}
	return *m.measured, true
}

// SignedError is measured minus ground truth, in meters.
func (m ScaleBarMeasurement) SignedError() float64 {
	d, _ := m.MeasuredDistance()
	return d - m.GroundTruthMeters
}

// AbsError is |SignedError|.
func (m ScaleBarMeasurement) AbsError() float64 {
	return math.Abs(m.SignedError())
}

// ErrorPercent is the signed error relative to ground truth, times 100.
func (m ScaleBarMeasurement) ErrorPercent() float64 {
	return m.SignedError() / m.GroundTruthMeters * 100
}

// PassedWithin reports whether |ErrorPercent| is strictly below thresholdPercent.
func (m ScaleBarMeasurement) PassedWithin(thresholdPercent float64) bool {
	return math.Abs(m.ErrorPercent()) < thresholdPercent
}

type measurementJSON struct {
	ScaleBarSpec
	MeasuredMeters *float64 `json:"measuredMeters"`
	ErrorMeters    *float64 `json:"errorMeters,omitempty"`
	ErrorPercent   *float64 `json:"errorPercent,omitempty"`
}

// MarshalJSON emits the bar definition, the measured distance and the derived errors.
func (m ScaleBarMeasurement) MarshalJSON() ([]byte, error) {
	out := measurementJSON{ScaleBarSpec: m.ScaleBarSpec}
	if d, ok := m.MeasuredDistance(); ok {
		e := m.SignedError()
		p := m.ErrorPercent()
		out.MeasuredMeters = &d
		out.ErrorMeters = &e
		out.ErrorPercent = &p
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a measurement written by MarshalJSON.
func (m *ScaleBarMeasurement) UnmarshalJSON(data []byte) error {
	var in measurementJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = NewMeasurement(in.ScaleBarSpec)
	if in.MeasuredMeters != nil {
		return m.SetMeasured(*in.MeasuredMeters)
	}
	return nil
}

// VerdictResult is the outcome of one verification run.
type VerdictResult struct {
	RunID                          string                `json:"runId"`
	SerialID                       string                `json:"serialId,omitempty"`
	RMSErrorPercent                float64               `json:"rmsErrorPercent"`
	Measurements                   []ScaleBarMeasurement `json:"measurements"`
	Passed                         bool                  `json:"passed"`
	PerMeasurementThresholdPercent float64               `json:"perMeasurementThresholdPercent"`
	AggregateThresholdPercent      float64               `json:"aggregateThresholdPercent"`
	EvaluatedAt                    time.Time             `json:"evaluatedAt"`
}

// BarPassed reports the per-bar outcome for Measurements[i].
func (r *VerdictResult) BarPassed(i int) bool {
	return r.Measurements[i].PassedWithin(r.PerMeasurementThresholdPercent)
}

// FailedBars returns the names of bars outside the per-measurement threshold.
func (r *VerdictResult) FailedBars() []string {
	return lo.FilterMap(r.Measurements, func(m ScaleBarMeasurement, i int) (string, bool) {
		return m.Name, !r.BarPassed(i)
	})
}

// Summary maps each bar name to its error percentage, keyed alongside the
// unit serial so downstream fleet tracking can index it.
func (r *VerdictResult) Summary() map[string]interface{} {
	summary := make(map[string]interface{}, len(r.Measurements)+1)
	if r.SerialID != "" {
		summary[r.SerialID] = r.SerialID
	}
	for _, m := range r.Measurements {
		summary[m.Name] = m.ErrorPercent()
	}
	return summary
}

// Verdict returns "PASS" or "FAIL".
func (r *VerdictResult) Verdict() string {
	if r.Passed {
		return "PASS"
	}
	return "FAIL"
}
