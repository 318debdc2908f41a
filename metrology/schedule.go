package metrology

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/multierr"
)

// FilterCriterion is a per-point quality score used to reject tie points.
// The declaration order is the order stages must run in.
type FilterCriterion int

const (
	ObservationCount FilterCriterion = iota
	ReconstructionUncertainty
	ProjectionAccuracy
	ReprojectionError
)

var criterionNames = map[FilterCriterion]string{
	ObservationCount:          "observation_count",
	ReconstructionUncertainty: "reconstruction_uncertainty",
	ProjectionAccuracy:        "projection_accuracy",
	ReprojectionError:         "reprojection_error",
}

func (c FilterCriterion) String() string {
	if name, ok := criterionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("criterion(%d)", int(c))
}

// ParseFilterCriterion accepts the snake_case names produced by String.
func ParseFilterCriterion(s string) (FilterCriterion, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	for c, name := range criterionNames {
		if name == key {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown filter criterion %q", s)
}

// MarshalText implements encoding.TextMarshaler (used by JSON and YAML).
func (c FilterCriterion) MarshalText() ([]byte, error) {
	if _, ok := criterionNames[c]; !ok {
		return nil, fmt.Errorf("unknown filter criterion %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *FilterCriterion) UnmarshalText(text []byte) error {
	parsed, err := ParseFilterCriterion(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// RefinementStage removes points failing Criterion at each threshold in turn.
// ObservationCount carries a single integer threshold; every other criterion
// carries a strictly decreasing sequence.
type RefinementStage struct {
	Criterion           FilterCriterion `yaml:"criterion" json:"criterion"`
	Thresholds          []float64       `yaml:"thresholds" json:"thresholds"`
	ReoptimizeAfterEach bool            `yaml:"reoptimizeAfterEach" json:"reoptimizeAfterEach"`
}

// Validate checks the threshold shape for the stage's criterion.
func (s RefinementStage) Validate() error {
	if _, ok := criterionNames[s.Criterion]; !ok {
		return fmt.Errorf("%w: unknown criterion %d", ErrInvalidSchedule, int(s.Criterion))
	}
	if s.Criterion == ObservationCount {
		if len(s.Thresholds) != 1 {
			return fmt.Errorf("%w: %s takes exactly one threshold, got %d", ErrInvalidSchedule, s.Criterion, len(s.Thresholds))
		}
		n := s.Thresholds[0]
		if n < 0 || n != math.Trunc(n) {
			return fmt.Errorf("%w: %s threshold must be a non-negative integer, got %v", ErrInvalidSchedule, s.Criterion, n)
		}
		return nil
	}
	if len(s.Thresholds) == 0 {
		return fmt.Errorf("%w: %s has no thresholds", ErrInvalidSchedule, s.Criterion)
	}
	for i, t := range s.Thresholds {
		if math.IsNaN(t) || t <= 0 {
			return fmt.Errorf("%w: %s threshold[%d] must be positive, got %v", ErrInvalidSchedule, s.Criterion, i, t)
		}
		if i > 0 && t >= s.Thresholds[i-1] {
			return fmt.Errorf("%w: %s thresholds must strictly decrease (%v then %v)", ErrInvalidSchedule, s.Criterion, s.Thresholds[i-1], t)
		}
	}
	return nil
}

// ValidateSchedule checks every stage and that criteria appear at most once,
// in declaration order. All problems are reported together.
func ValidateSchedule(stages []RefinementStage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidSchedule)
	}
	var errs error
	for i, s := range stages {
		if err := s.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stage %d: %w", i, err))
		}
		if i > 0 && s.Criterion <= stages[i-1].Criterion {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s cannot follow %s", ErrInvalidSchedule, s.Criterion, stages[i-1].Criterion))
		}
	}
	return errs
}

// ThresholdSequence counts down from start by step while the value stays
// above floor. The floor itself is never applied. Values are rounded to
// micro-units so fractional steps do not accumulate drift.
func ThresholdSequence(start, floor, step float64) []float64 {
	if step <= 0 || start <= floor {
		return nil
	}
	const eps = 1e-9
	var seq []float64
	for i := 0; ; i++ {
		t := math.Round((start-float64(i)*step)*1e6) / 1e6
		if t <= floor+eps {
			break
		}
		seq = append(seq, t)
	}
	return seq
}

// Floors are the caller-supplied lower bounds for the iterative stages.
type Floors struct {
	MinObservationCount       int     `yaml:"minObservationCount" json:"minObservationCount"`
	ReconstructionUncertainty float64 `yaml:"reconstructionUncertainty" json:"reconstructionUncertainty"`
	ProjectionAccuracy        float64 `yaml:"projectionAccuracy" json:"projectionAccuracy"`
	ReprojectionError         float64 `yaml:"reprojectionError" json:"reprojectionError"`
}

// RigidFloors are the defaults used with RigidPreset.
func RigidFloors() Floors {
	return Floors{
		MinObservationCount:       2,
		ReconstructionUncertainty: 20,
		ProjectionAccuracy:        20,
		ReprojectionError:         0.5,
	}
}

// RelaxedFloors are the defaults used with RelaxedPreset.
func RelaxedFloors() Floors {
	return Floors{
		MinObservationCount:       2,
		ReconstructionUncertainty: 35,
		ProjectionAccuracy:        15,
		ReprojectionError:         0.4,
	}
}

// stepSizes holds the decrement for each iterative criterion.
type stepSizes struct {
	uncertainty, accuracy, reprojection float64
}

// RigidSchedule is the coarse schedule: steps of 20 for the scores and 0.2px
// for reprojection error.
func RigidSchedule(f Floors) []RefinementStage {
	return buildSchedule(f, stepSizes{uncertainty: 20, accuracy: 20, reprojection: 0.2})
}

// RelaxedSchedule is the fine schedule: steps of 10 for the scores and 0.1px
// for reprojection error.
func RelaxedSchedule(f Floors) []RefinementStage {
	return buildSchedule(f, stepSizes{uncertainty: 10, accuracy: 10, reprojection: 0.1})
}

func buildSchedule(f Floors, steps stepSizes) []RefinementStage {
	stages := []RefinementStage{
		{
			Criterion:           ObservationCount,
			Thresholds:          []float64{float64(f.MinObservationCount)},
			ReoptimizeAfterEach: true,
		},
	}
	iterative := []struct {
		criterion FilterCriterion
		start     float64
		floor     float64
		step      float64
	}{
		{ReconstructionUncertainty, 100, f.ReconstructionUncertainty, steps.uncertainty},
		{ProjectionAccuracy, 90, f.ProjectionAccuracy, steps.accuracy},
		{ReprojectionError, 1.2, f.ReprojectionError, steps.reprojection},
	}
	for _, it := range iterative {
		seq := ThresholdSequence(it.start, it.floor, it.step)
		if len(seq) == 0 {
			continue
		}
		stages = append(stages, RefinementStage{
			Criterion:           it.criterion,
			Thresholds:          seq,
			ReoptimizeAfterEach: true,
		})
	}
	return stages
}

// ScheduleForPreset returns the schedule paired with the named optimizer preset.
func ScheduleForPreset(name string, f Floors) ([]RefinementStage, error) {
	switch strings.ToLower(name) {
	case PresetRigid:
		return RigidSchedule(f), nil
	case PresetRelaxed:
		return RelaxedSchedule(f), nil
	default:
		return nil, fmt.Errorf("unknown refinement preset %q", name)
	}
}

// FloorsForPreset returns the default floors for the named preset.
func FloorsForPreset(name string) (Floors, error) {
	switch strings.ToLower(name) {
	case PresetRigid:
		return RigidFloors(), nil
	case PresetRelaxed:
		return RelaxedFloors(), nil
	default:
		return Floors{}, fmt.Errorf("unknown refinement preset %q", name)
	}
}
