package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile    string
	OutputDir     string
	Serial        string
	Preset        string
	EngineURL     string
	WriteSnapshot string
	HTTPPort      int
	Layout        bool
	NoReport      bool
	Debug         bool
	LogJSON       bool
}

// Runner is the behavior behind each command; tests substitute a mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunVerify(ctx context.Context, source string) error
	RunRefine(ctx context.Context, source string) error
	RunEvaluate(ctx context.Context, source string) error
	RunServe(ctx context.Context) error
	RunPresets(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		fmt.Fprintf(os.Stderr, "barscan: %v\n", err)
		os.Exit(1)
	}
}

// run parses args (without the program name) and dispatches to app.
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	var opts AppOptions

	apply := func(c *cli.Context) {
		opts.ConfigFile = c.String("config")
		opts.Debug = c.Bool("debug")
		opts.LogJSON = c.Bool("log-json")
		app.ApplyOptions(opts)
	}

	sourceArg := func(c *cli.Context) (string, error) {
		if c.NArg() > 1 {
			return "", fmt.Errorf("expected at most one snapshot path, got %d", c.NArg())
		}
		return c.Args().First(), nil
	}

	serialFlag := &cli.StringFlag{Name: "serial", Usage: "unit serial (default: extracted from the snapshot path)"}
	engineFlag := &cli.StringFlag{Name: "engine-url", Usage: "photogrammetry engine base `URL` instead of a snapshot", EnvVars: []string{"BARSCAN_ENGINE_URL"}}
	outputFlag := &cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "artifact root `DIR` (default: output.dir from config)"}
	presetFlag := &cli.StringFlag{Name: "preset", Usage: "override refinement preset (rigid or relaxed)"}

	cliApp := &cli.App{
		Name:      "barscan",
		Usage:     "stereo rig scale-bar verification",
		Version:   Version,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "barscan.yaml",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"BARSCAN_CONFIG"},
			},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "log-json", Usage: "log as JSON"},
		},
		Before: func(c *cli.Context) error {
			fmt.Fprintf(out, "barscan version: %s\n", Version)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "verify",
				Usage:     "refine a reconstruction, evaluate the scale bars and write the report",
				ArgsUsage: "[snapshot.json]",
				Flags: []cli.Flag{
					serialFlag, engineFlag, outputFlag, presetFlag,
					&cli.BoolFlag{Name: "layout", Usage: "also write the marker layout GeoJSON/SVG/PNG"},
					&cli.BoolFlag{Name: "no-report", Usage: "skip writing artifacts"},
					&cli.StringFlag{Name: "write-snapshot", Usage: "save the refined reconstruction to `FILE`"},
				},
				Action: func(c *cli.Context) error {
					source, err := sourceArg(c)
					if err != nil {
						return err
					}
					opts.Serial = c.String("serial")
					opts.EngineURL = c.String("engine-url")
					opts.OutputDir = c.String("output")
					opts.Preset = c.String("preset")
					opts.Layout = c.Bool("layout")
					opts.NoReport = c.Bool("no-report")
					opts.WriteSnapshot = c.String("write-snapshot")
					apply(c)
					return app.RunVerify(c.Context, source)
				},
			},
			{
				Name:      "refine",
				Usage:     "run tie point refinement only",
				ArgsUsage: "[snapshot.json]",
				Flags: []cli.Flag{
					engineFlag, presetFlag,
					&cli.StringFlag{Name: "write-snapshot", Usage: "save the refined reconstruction to `FILE`"},
				},
				Action: func(c *cli.Context) error {
					source, err := sourceArg(c)
					if err != nil {
						return err
					}
					opts.EngineURL = c.String("engine-url")
					opts.Preset = c.String("preset")
					opts.WriteSnapshot = c.String("write-snapshot")
					apply(c)
					return app.RunRefine(c.Context, source)
				},
			},
			{
				Name:      "evaluate",
				Usage:     "evaluate the scale bars on an already refined reconstruction",
				ArgsUsage: "[snapshot.json]",
				Flags: []cli.Flag{
					serialFlag, engineFlag, outputFlag,
					&cli.BoolFlag{Name: "layout", Usage: "also write the marker layout GeoJSON/SVG/PNG"},
					&cli.BoolFlag{Name: "no-report", Usage: "skip writing artifacts"},
				},
				Action: func(c *cli.Context) error {
					source, err := sourceArg(c)
					if err != nil {
						return err
					}
					opts.Serial = c.String("serial")
					opts.EngineURL = c.String("engine-url")
					opts.OutputDir = c.String("output")
					opts.Layout = c.Bool("layout")
					opts.NoReport = c.Bool("no-report")
					apply(c)
					return app.RunEvaluate(c.Context, source)
				},
			},
			{
				Name:  "serve",
				Usage: "serve the verdict API over HTTP",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "http-port", Usage: "HTTP server port (default: http.port from the config, then 4040)"},
				},
				Action: func(c *cli.Context) error {
					opts.HTTPPort = c.Int("http-port")
					apply(c)
					return app.RunServe(c.Context)
				},
			},
			{
				Name:  "presets",
				Usage: "print the optimizer presets and their filter schedules",
				Action: func(c *cli.Context) error {
					apply(c)
					return app.RunPresets(c.Context)
				},
			},
		},
	}

	return cliApp.RunContext(ctx, append([]string{"barscan"}, args...))
}
