package metrology

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// markerRefresher is implemented by marker sources that cache positions
// which the optimizer may have moved.
type markerRefresher interface {
	RefreshMarkers(ctx context.Context) error
}

// RunResult collects everything a verification run produced.
type RunResult struct {
	Refinement *RefinementReport
	Verdict    *VerdictResult
	OutputDir  string
	Artifacts  []string
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPublisher publishes every verdict over MQTT.
func WithPublisher(p *Publisher) PipelineOption {
	return func(pl *Pipeline) {
		pl.publisher = p
	}
}

// WithStore records every verdict in store.
func WithStore(s ResultStore) PipelineOption {
	return func(pl *Pipeline) {
		pl.store = s
	}
}

// WithOutputRoot writes per-run artifacts under root. Without it no files
// are written.
func WithOutputRoot(root string) PipelineOption {
	return func(pl *Pipeline) {
		pl.outputRoot = root
	}
}

// WithClock overrides the time source used for run directory names.
func WithClock(now func() time.Time) PipelineOption {
	return func(pl *Pipeline) {
		pl.now = now
	}
}

// Pipeline runs refinement, evaluation and the reporting sinks for one unit.
type Pipeline struct {
	config     *Config
	logger     *logrus.Logger
	refiner    *Refiner
	publisher  *Publisher
	store      ResultStore
	outputRoot string
	now        func() time.Time
}

// NewPipeline creates a pipeline for a validated config.
func NewPipeline(config *Config, logger *logrus.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = discardLogger()
	}
	p := &Pipeline{
		config:  config,
		logger:  logger,
		refiner: NewRefiner(logger),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run refines rec, then evaluates the scale bars on markers and hands the
// verdict to the sinks. Any failure before a verdict exists returns without
// writing or publishing anything.
func (p *Pipeline) Run(ctx context.Context, rec Reconstruction, markers MarkerSource, serial string) (*RunResult, error) {
	report, err := p.Refine(ctx, rec)
	if err != nil {
		return &RunResult{Refinement: report}, err
	}

	if r, ok := markers.(markerRefresher); ok {
		if err := r.RefreshMarkers(ctx); err != nil {
			return &RunResult{Refinement: report}, fmt.Errorf("refreshing markers: %w", err)
		}
	}

	result, err := p.Evaluate(ctx, markers, serial)
	if result != nil {
		result.Refinement = report
	}
	return result, err
}

// Refine runs the configured schedule and preset on rec.
func (p *Pipeline) Refine(ctx context.Context, rec Reconstruction) (*RefinementReport, error) {
	stages, err := p.config.Stages()
	if err != nil {
		return nil, err
	}
	params, err := p.config.OptimizationParams()
	if err != nil {
		return nil, err
	}
	report, err := p.refiner.Refine(ctx, rec, stages, params)
	if err != nil {
		return report, fmt.Errorf("refining reconstruction: %w", err)
	}
	return report, nil
}

// Evaluate measures the configured scale bars on markers and runs the sinks.
func (p *Pipeline) Evaluate(ctx context.Context, markers MarkerSource, serial string) (*RunResult, error) {
	positions := MarkerPositionsFrom(markers, RequiredMarkers(p.config.ScaleBars))
	scale := ChunkScale(markers.ChunkScale())

	verdict, err := Evaluate(positions, scale, p.config.ScaleBars, p.config.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("evaluating scale bars: %w", err)
	}
	verdict.SerialID = serial

	log := p.logger.WithFields(logrus.Fields{
		"serial": serial,
		"run_id": verdict.RunID,
	})
	log.WithFields(logrus.Fields{
		"rms":     verdict.RMSErrorPercent,
		"verdict": verdict.Verdict(),
		"failed":  strings.Join(verdict.FailedBars(), ","),
	}).Info("scale bar verdict")

	result := &RunResult{Verdict: verdict}
	if p.outputRoot != "" {
		if err := p.writeArtifacts(result, positions, scale); err != nil {
			return result, err
		}
	}

	var sinkErrs error
	if p.publisher != nil {
		sinkErrs = multierr.Append(sinkErrs, p.publisher.PublishVerdict(verdict))
	}
	if p.store != nil {
		sinkErrs = multierr.Append(sinkErrs, p.store.Save(ctx, verdict))
	}
	for _, err := range multierr.Errors(sinkErrs) {
		log.WithError(err).Warn("verdict sink failed")
	}

	return result, nil
}

func (p *Pipeline) writeArtifacts(result *RunResult, positions MarkerPositions, scale ChunkScale) error {
	verdict := result.Verdict
	at := p.now()
	dir := RunDir(p.outputRoot, verdict.SerialID, at)
	result.OutputDir = dir

	summary, err := WriteSummaryJSON(dir, verdict)
	if err != nil {
		return err
	}
	full, err := WriteResultJSON(dir, verdict)
	if err != nil {
		return err
	}
	table := filepath.Join(dir, ReportFileName(verdict.SerialID, at))
	if err := NewVerdictRenderer().SavePNG(table, verdict); err != nil {
		return fmt.Errorf("rendering verdict table: %w", err)
	}
	result.Artifacts = append(result.Artifacts, summary, full, table)

	if p.config.Output.Layout {
		layout := NewLayout(positions, scale, verdict)
		base := filepath.Join(dir, verdict.SerialID+"_layout")
		renderer := NewLayoutRenderer(layout)
		if err := layout.SaveGeoJSON(base + ".geojson"); err != nil {
			return err
		}
		if err := renderer.SaveSVG(base + ".svg"); err != nil {
			return fmt.Errorf("rendering layout SVG: %w", err)
		}
		if err := renderer.SavePNG(base + ".png"); err != nil {
			return fmt.Errorf("rendering layout PNG: %w", err)
		}
		result.Artifacts = append(result.Artifacts, base+".geojson", base+".svg", base+".png")
	}

	p.logger.WithFields(logrus.Fields{
		"serial": verdict.SerialID,
		"dir":    dir,
		"files":  len(result.Artifacts),
	}).Info("wrote verification artifacts")
	return nil
}
