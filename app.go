package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"

	"github.com/kwv/barscan/metrology"
)

const defaultHTTPPort = 4040

// ErrVerificationFailed is returned by verify and evaluate when the unit
// does not pass the aggregate threshold.
var ErrVerificationFailed = errors.New("verification failed")

// reconstruction is what the commands need from a loaded or remote cloud.
type reconstruction interface {
	metrology.Reconstruction
	metrology.MarkerSource
}

// App encapsulates the application state and dependencies
type App struct {
	Out    io.Writer
	Logger *logrus.Logger
	Config *metrology.Config

	opts AppOptions

	// Overridable for tests.
	connectMQTT func(cfg metrology.MQTTConfig) (*metrology.Publisher, error)
	openStore   func(dsn string) (metrology.ResultStore, error)
	now         func() time.Time
}

// NewApp creates a new App instance writing human output to out
func NewApp(out io.Writer) *App {
	logger := logrus.New()
	logger.SetOutput(out)

	a := &App{
		Out:    out,
		Logger: logger,
		now:    time.Now,
	}
	a.connectMQTT = a.defaultConnectMQTT
	a.openStore = func(dsn string) (metrology.ResultStore, error) {
		return metrology.OpenPostgresStore(dsn)
	}
	return a
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
	if opts.Debug {
		a.Logger.SetLevel(logrus.DebugLevel)
	}
	if opts.LogJSON {
		a.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// loadConfig reads the config file once and applies command line overrides.
func (a *App) loadConfig() (*metrology.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}
	config, err := metrology.LoadConfig(a.opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if a.opts.Preset != "" && !strings.EqualFold(a.opts.Preset, config.Refinement.Preset) {
		config.Refinement.Preset = strings.ToLower(a.opts.Preset)
		// Floors and parameter overrides belong to the configured preset.
		config.Refinement.Floors = nil
		config.Refinement.Optimization = nil
		if err := metrology.ValidateConfig(config); err != nil {
			return nil, err
		}
	}
	if a.opts.OutputDir != "" {
		config.Output.Dir = a.opts.OutputDir
	}
	if a.opts.Layout {
		config.Output.Layout = true
	}

	a.Logger.WithFields(logrus.Fields{
		"config": a.opts.ConfigFile,
		"preset": config.Refinement.Preset,
		"bars":   len(config.ScaleBars),
	}).Debug("loaded config")
	a.Config = config
	return config, nil
}

// openReconstruction connects to the engine when one is configured, otherwise
// loads the snapshot at source.
func (a *App) openReconstruction(ctx context.Context, config *metrology.Config, source string) (reconstruction, error) {
	baseURL := a.opts.EngineURL
	if baseURL == "" && source == "" {
		baseURL = config.Engine.BaseURL
	}
	if baseURL != "" {
		var opts []metrology.EngineOption
		if config.Engine.Timeout > 0 {
			opts = append(opts, metrology.WithEngineTimeout(config.Engine.Timeout))
		}
		if config.Engine.Retries > 0 {
			opts = append(opts, metrology.WithEngineRetries(config.Engine.Retries))
		}
		a.Logger.WithField("engine", baseURL).Info("connecting to photogrammetry engine")
		return metrology.NewRemoteReconstruction(ctx, baseURL, opts...)
	}

	if source == "" {
		return nil, fmt.Errorf("no snapshot given and no engine configured")
	}
	snap, err := metrology.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	a.Logger.WithFields(logrus.Fields{
		"snapshot": source,
		"points":   len(snap.Points),
	}).Info("loaded reconstruction snapshot")
	return metrology.NewSparseCloud(*snap), nil
}

// resolveSerial prefers --serial, then the serial embedded in source.
func (a *App) resolveSerial(config *metrology.Config, source string) (string, error) {
	if a.opts.Serial != "" {
		return a.opts.Serial, nil
	}
	if source == "" {
		return "", fmt.Errorf("--serial is required when reading from an engine")
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		abs = source
	}
	return metrology.SerialIDFromPath(abs, config.Output.SerialPattern)
}

// pipelineOptions wires the configured sinks.
func (a *App) pipelineOptions(config *metrology.Config) ([]metrology.PipelineOption, func(), error) {
	opts := []metrology.PipelineOption{metrology.WithClock(a.now)}
	cleanup := func() {}

	if !a.opts.NoReport && config.Output.Dir != "" {
		opts = append(opts, metrology.WithOutputRoot(config.Output.Dir))
	}

	publisher, err := a.connectMQTT(config.MQTT)
	if err != nil {
		a.Logger.WithError(err).Warn("MQTT unavailable, verdicts will not be published")
	} else if publisher != nil {
		opts = append(opts, metrology.WithPublisher(publisher))
	}

	if config.Database.DSN != "" {
		store, err := a.openStore(config.Database.DSN)
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, metrology.WithStore(store))
		if c, ok := store.(io.Closer); ok {
			cleanup = func() { _ = c.Close() }
		}
	}
	return opts, cleanup, nil
}

// RunVerify runs the full refinement and verification for one unit.
func (a *App) RunVerify(ctx context.Context, source string) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	serial, err := a.resolveSerial(config, source)
	if err != nil {
		return err
	}
	rec, err := a.openReconstruction(ctx, config, source)
	if err != nil {
		return err
	}
	opts, cleanup, err := a.pipelineOptions(config)
	if err != nil {
		return err
	}
	defer cleanup()

	pipeline := metrology.NewPipeline(config, a.Logger, opts...)
	result, err := pipeline.Run(ctx, rec, rec, serial)
	if result != nil && result.Refinement != nil {
		a.printRefinement(result.Refinement)
	}
	if err != nil {
		return err
	}
	if err := a.saveSnapshot(rec); err != nil {
		return err
	}
	return a.finish(result)
}

// RunRefine runs tie point refinement without evaluating the scale bars.
func (a *App) RunRefine(ctx context.Context, source string) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	rec, err := a.openReconstruction(ctx, config, source)
	if err != nil {
		return err
	}

	report, err := metrology.NewPipeline(config, a.Logger).Refine(ctx, rec)
	if report != nil {
		a.printRefinement(report)
	}
	if err != nil {
		return err
	}
	return a.saveSnapshot(rec)
}

// RunEvaluate issues a verdict on an already refined reconstruction.
func (a *App) RunEvaluate(ctx context.Context, source string) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	serial, err := a.resolveSerial(config, source)
	if err != nil {
		return err
	}
	rec, err := a.openReconstruction(ctx, config, source)
	if err != nil {
		return err
	}
	opts, cleanup, err := a.pipelineOptions(config)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := metrology.NewPipeline(config, a.Logger, opts...).Evaluate(ctx, rec, serial)
	if err != nil {
		return err
	}
	return a.finish(result)
}

// RunServe serves the verdict API until ctx is cancelled.
func (a *App) RunServe(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}

	var store metrology.ResultStore = metrology.NewMemoryResultStore()
	if config.Database.DSN != "" {
		s, err := a.openStore(config.Database.DSN)
		if err != nil {
			return err
		}
		if c, ok := s.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		store = s
	} else {
		a.Logger.Warn("no database configured, verdict history is kept in memory")
	}

	publisher, err := a.connectMQTT(config.MQTT)
	if err != nil {
		a.Logger.WithError(err).Warn("MQTT unavailable, verdicts will not be published")
	}

	port := a.httpPort(config)
	handler := NewVerdictHandler(config, store, publisher, a.Logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newHTTPServer(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.WithField("port", port).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
		a.Logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// httpPort prefers --http-port, then http.port from the config.
func (a *App) httpPort(config *metrology.Config) int {
	if a.opts.HTTPPort != 0 {
		return a.opts.HTTPPort
	}
	if config.HTTP.Port != 0 {
		return config.HTTP.Port
	}
	return defaultHTTPPort
}

// RunPresets prints both optimizer presets and their default schedules.
func (a *App) RunPresets(_ context.Context) error {
	for _, name := range []string{metrology.PresetRigid, metrology.PresetRelaxed} {
		params, err := metrology.PresetByName(name)
		if err != nil {
			return err
		}
		floors, err := metrology.FloorsForPreset(name)
		if err != nil {
			return err
		}
		stages, err := metrology.ScheduleForPreset(name, floors)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetStyle(table.StyleLight)
		t.SetTitle("%s preset", name)
		t.AppendHeader(table.Row{"Criterion", "Thresholds", "Re-optimize"})
		for _, s := range stages {
			t.AppendRow(table.Row{s.Criterion.String(), formatThresholds(s.Thresholds), s.ReoptimizeAfterEach})
		}
		free := strings.Join(params.FreeParameters(), ", ")
		if free == "" {
			free = "none"
		}
		t.AppendFooter(table.Row{"Free parameters", free, ""})
		fmt.Fprintln(a.Out, t.Render())
	}
	return nil
}

func (a *App) saveSnapshot(rec reconstruction) error {
	if a.opts.WriteSnapshot == "" {
		return nil
	}
	cloud, ok := rec.(*metrology.SparseCloud)
	if !ok {
		return fmt.Errorf("--write-snapshot needs a snapshot source, not an engine")
	}
	if err := metrology.SaveSnapshot(a.opts.WriteSnapshot, cloud.Snapshot()); err != nil {
		return err
	}
	a.Logger.WithField("path", a.opts.WriteSnapshot).Info("saved refined snapshot")
	return nil
}

func (a *App) printRefinement(report *metrology.RefinementReport) {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Tie point refinement")
	t.AppendHeader(table.Row{"Criterion", "Threshold", "Removed", "Remaining"})
	for _, s := range report.Steps {
		t.AppendRow(table.Row{s.Criterion.String(), formatFloat(s.Threshold), s.Removed, s.Remaining})
	}
	t.AppendFooter(table.Row{"Total", "", report.TotalRemoved(), report.FinalPoints})
	fmt.Fprintln(a.Out, t.Render())
}

func (a *App) finish(result *metrology.RunResult) error {
	fmt.Fprintln(a.Out, metrology.FormatVerdictTable(result.Verdict))
	if result.OutputDir != "" {
		fmt.Fprintf(a.Out, "Report written to %s\n", result.OutputDir)
	}
	if !result.Verdict.Passed {
		return fmt.Errorf("%w: %s rms %.4f%% >= %g%%", ErrVerificationFailed,
			result.Verdict.SerialID, result.Verdict.RMSErrorPercent, result.Verdict.AggregateThresholdPercent)
	}
	color.New(color.FgGreen).Fprintf(a.Out, "%s PASS\n", result.Verdict.SerialID)
	return nil
}

func (a *App) defaultConnectMQTT(cfg metrology.MQTTConfig) (*metrology.Publisher, error) {
	client, err := metrology.ConnectMQTT(cfg, 10*time.Second, a.Logger)
	if err != nil || client == nil {
		return nil, err
	}
	return metrology.NewPublisher(client, cfg.PublishPrefix, a.Logger), nil
}

func formatThresholds(ts []float64) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = formatFloat(t)
	}
	return strings.Join(parts, ", ")
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
