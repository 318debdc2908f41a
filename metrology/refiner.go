package metrology

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// PointID identifies a tie point inside a reconstruction.
type PointID int64

// Reconstruction is the mutable sparse reconstruction owned by the external
// photogrammetric engine. Implementations are not required to be safe for
// concurrent use; the refiner never calls them concurrently.
type Reconstruction interface {
	// PointCount returns the number of surviving tie points.
	PointCount() int
	// AlignedCameraCount returns the number of cameras with a solved pose.
	AlignedCameraCount() int
	// SelectPoints returns the points failing criterion at threshold.
	SelectPoints(ctx context.Context, criterion FilterCriterion, threshold float64) ([]PointID, error)
	// RemovePoints deletes the points failing criterion at threshold and
	// returns how many were removed.
	RemovePoints(ctx context.Context, criterion FilterCriterion, threshold float64) (int, error)
	// Optimize re-solves camera and point parameters. It blocks until the
	// solver returns.
	Optimize(ctx context.Context, params OptimizationParameterSet) error
}

// RefinementStep records one removal pass.
type RefinementStep struct {
	Criterion FilterCriterion `json:"criterion"`
	Threshold float64         `json:"threshold"`
	Selected  int             `json:"selected,omitempty"`
	Removed   int             `json:"removed"`
	Remaining int             `json:"remaining"`
	Optimized bool            `json:"optimized"`
}

// RefinementReport describes what a refinement run did.
type RefinementReport struct {
	InitialPoints      int                      `json:"initialPoints"`
	FinalPoints        int                      `json:"finalPoints"`
	AlignedCameras     int                      `json:"alignedCameras"`
	Steps              []RefinementStep         `json:"steps"`
	Optimizations      int                      `json:"optimizations"`
	CovarianceComputed bool                     `json:"covarianceComputed"`
	Parameters         OptimizationParameterSet `json:"parameters"`
}

// TotalRemoved sums removals across all steps.
func (r *RefinementReport) TotalRemoved() int {
	total := 0
	for _, s := range r.Steps {
		total += s.Removed
	}
	return total
}

// Refiner sequences tie point removal and re-optimization.
type Refiner struct {
	logger *logrus.Logger
}

// NewRefiner creates a refiner. A nil logger discards output.
func NewRefiner(logger *logrus.Logger) *Refiner {
	if logger == nil {
		logger = discardLogger()
	}
	return &Refiner{logger: logger}
}

// Refine drives rec through stages in order, re-optimizing with params after
// each removal, and finishes with a covariance-enabled optimization.
//
// Refine mutates rec in place and never rolls back. It fails before touching
// rec if the reconstruction is empty or the schedule is malformed. If a step
// removes every remaining point, Refine stops and returns the partial report
// together with ErrAllPointsRemoved.
func (r *Refiner) Refine(ctx context.Context, rec Reconstruction, stages []RefinementStage, params OptimizationParameterSet) (*RefinementReport, error) {
	points, cameras := rec.PointCount(), rec.AlignedCameraCount()
	if points == 0 || cameras == 0 {
		return nil, &EmptyReconstructionError{Points: points, Cameras: cameras}
	}
	if err := ValidateSchedule(stages); err != nil {
		return nil, err
	}

	// The iterative passes never estimate covariance; only the final solve does.
	params.ComputeCovariance = false

	report := &RefinementReport{
		InitialPoints:  points,
		AlignedCameras: cameras,
		Parameters:     params,
	}

	r.logger.WithFields(logrus.Fields{
		"points":  points,
		"cameras": cameras,
		"stages":  len(stages),
		"free":    params.FreeParameters(),
	}).Info("starting tie point refinement")

	for _, stage := range stages {
		if err := r.runStage(ctx, rec, stage, params, report); err != nil {
			report.FinalPoints = rec.PointCount()
			return report, err
		}
	}

	if err := ctx.Err(); err != nil {
		report.FinalPoints = rec.PointCount()
		return report, err
	}
	if err := rec.Optimize(ctx, params.WithCovariance()); err != nil {
		report.FinalPoints = rec.PointCount()
		return report, fmt.Errorf("final optimization: %w", err)
	}
	report.Optimizations++
	report.CovarianceComputed = true
	report.FinalPoints = rec.PointCount()

	r.logger.WithFields(logrus.Fields{
		"initial": report.InitialPoints,
		"final":   report.FinalPoints,
		"removed": report.TotalRemoved(),
	}).Info("tie point refinement complete")

	return report, nil
}

func (r *Refiner) runStage(ctx context.Context, rec Reconstruction, stage RefinementStage, params OptimizationParameterSet, report *RefinementReport) error {
	r.logger.WithFields(logrus.Fields{
		"criterion":  stage.Criterion.String(),
		"thresholds": stage.Thresholds,
	}).Info("filtering tie points")

	if stage.Criterion == ObservationCount {
		return r.step(ctx, rec, stage.Criterion, stage.Thresholds[0], true, params, report)
	}
	for _, t := range stage.Thresholds {
		if err := r.step(ctx, rec, stage.Criterion, t, stage.ReoptimizeAfterEach, params, report); err != nil {
			return err
		}
	}
	if !stage.ReoptimizeAfterEach {
		if err := rec.Optimize(ctx, params); err != nil {
			return fmt.Errorf("optimizing after %s: %w", stage.Criterion, err)
		}
		report.Optimizations++
	}
	return nil
}

func (r *Refiner) step(ctx context.Context, rec Reconstruction, criterion FilterCriterion, threshold float64, optimize bool, params OptimizationParameterSet, report *RefinementReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	step := RefinementStep{Criterion: criterion, Threshold: threshold}

	if criterion == ObservationCount {
		selected, err := rec.SelectPoints(ctx, criterion, threshold)
		if err != nil {
			return fmt.Errorf("selecting %s <= %v: %w", criterion, threshold, err)
		}
		step.Selected = len(selected)
	}

	removed, err := rec.RemovePoints(ctx, criterion, threshold)
	if err != nil {
		return fmt.Errorf("removing %s at %v: %w", criterion, threshold, err)
	}
	step.Removed = removed
	step.Remaining = rec.PointCount()

	if step.Remaining == 0 {
		report.Steps = append(report.Steps, step)
		r.logger.WithFields(logrus.Fields{
			"criterion": criterion.String(),
			"threshold": threshold,
			"removed":   removed,
		}).Error("refinement removed every tie point")
		return fmt.Errorf("%s at %v: %w", criterion, threshold, ErrAllPointsRemoved)
	}

	if optimize {
		if err := rec.Optimize(ctx, params); err != nil {
			report.Steps = append(report.Steps, step)
			return fmt.Errorf("optimizing after %s at %v: %w", criterion, threshold, err)
		}
		step.Optimized = true
		report.Optimizations++
	}
	report.Steps = append(report.Steps, step)

	r.logger.WithFields(logrus.Fields{
		"criterion": criterion.String(),
		"threshold": threshold,
		"removed":   removed,
		"remaining": step.Remaining,
	}).Debug("refinement step")

	return nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
