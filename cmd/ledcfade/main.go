package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ledcfade/internal/config"
	"ledcfade/internal/fade"
	"ledcfade/internal/harness"
	"ledcfade/internal/output"
	"ledcfade/internal/ticker"
	"ledcfade/internal/web"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath string
	scenarios  string
	scripts    string
	listen     string
	serve      bool
	list       bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("ledcfade", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to YAML config (defaults are used when empty)")
	fs.StringVar(&o.scenarios, "scenario", "", "Comma-separated built-in scenarios to run, overriding harness.scenarios")
	fs.StringVar(&o.scripts, "script", "", "Comma-separated scenario script paths, overriding harness.scripts")
	fs.StringVar(&o.listen, "listen", "", "Web API listen address, overriding web.listen")
	fs.BoolVar(&o.serve, "serve", false, "Keep running with the web API after scenarios finish")
	fs.BoolVar(&o.list, "list", false, "List built-in scenarios and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(o.configPath) != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("config load failed: %w", err)
		}
		cfg = c
	}
	if o.scenarios != "" || o.scripts != "" {
		cfg.Harness.Scenarios = splitList(o.scenarios)
		cfg.Harness.Scripts = splitList(o.scripts)
	}
	if o.listen != "" {
		cfg.Web.Listen = o.listen
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// newLogger builds the process logger. Every entry is also written as JSON
// to logs so /api/logs can serve it.
func newLogger(cfg config.LogConfig, stderr io.Writer, logs *web.LogBuffer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console", "":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("log.format must be console or json")
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(stderr)), level)}
	if logs != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), logs, level))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if o.list {
		for _, n := range harness.Names() {
			fmt.Fprintln(stdout, n)
		}
		return 0
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logs := web.NewLogBuffer(2000)
	logger, err := newLogger(cfg.Log, stderr, logs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	failed, err := runEngine(ctx, cfg, o.serve, logger, logs, stdout)
	if err != nil {
		logger.Error("ledcfade stopped", zap.Error(err))
		return 1
	}
	if failed > 0 {
		logger.Warn("scenarios failed", zap.Int("failed", failed))
		return 1
	}
	return 0
}

// runEngine wires output, scheduler, tick source, optional web API and the
// harness, then runs the configured scenarios. It returns the number of
// failed scenarios.
func runEngine(ctx context.Context, cfg config.Config, serve bool, logger *zap.Logger, logs *web.LogBuffer, stdout io.Writer) (failed int, err error) {
	maxDuty := uint32(1)<<cfg.Engine.ResolutionBits - 1
	sink, err := output.Open(output.Config{
		Backend:     cfg.Output.Backend,
		PWMChip:     cfg.Output.PWMChip,
		FrequencyHz: cfg.Output.FrequencyHz,
		GPIOPins:    cfg.Output.GPIOPins,
		I2CBus:      cfg.Output.I2CBus,
		I2CAddr:     cfg.Output.I2CAddr,
	}, cfg.Engine.Channels, maxDuty)
	if err != nil {
		return 0, fmt.Errorf("output init failed: %w", err)
	}
	defer func() {
		err = multierr.Append(err, sink.Close())
	}()

	sched, err := fade.New(fade.Config{
		Channels:           cfg.Engine.Channels,
		ResolutionBits:     cfg.Engine.ResolutionBits,
		Output:             sink,
		Logger:             logger.Named("fade"),
		TickWritebackDelay: cfg.Engine.TickWritebackDelay,
	})
	if err != nil {
		return 0, err
	}
	src := ticker.New(ticker.Config{Interval: cfg.Engine.TickInterval}, sched, logger.Named("ticker"))
	defer src.Close()

	status := web.NewStatus(sched, src)
	status.SetBackend(cfg.Output.Backend)

	h := harness.New(sched, harness.Config{
		Scale:             cfg.Harness.Scale,
		Tolerance:         cfg.Harness.Tolerance,
		SampleInterval:    cfg.Harness.SampleInterval,
		Settle:            cfg.Harness.Settle,
		StressIterations:  cfg.Harness.StressIterations,
		StressMinDuration: cfg.Harness.StressMinDuration,
		StressMaxDuration: cfg.Harness.StressMaxDuration,
		Seed:              cfg.Harness.Seed,
	}, logger.Named("harness"))

	logger.Info("ledcfade starting",
		zap.String("backend", cfg.Output.Backend),
		zap.Int("channels", cfg.Engine.Channels),
		zap.Uint32("max_duty", maxDuty),
		zap.Duration("tick_interval", cfg.Engine.TickInterval),
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return src.Run(gctx) })
	if cfg.Web.Listen != "" {
		g.Go(func() error {
			err := web.Serve(gctx, cfg.Web.Listen, status, sched, logs, logger.Named("web"))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	var reports []harness.Report
	g.Go(func() error {
		var err error
		reports, err = runScenarios(gctx, h, cfg.Harness, status)
		if err != nil {
			return err
		}
		if !serve || cfg.Web.Listen == "" {
			stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return 0, err
	}
	writeSummary(stdout, reports)
	for _, rep := range reports {
		if !rep.Passed {
			failed++
		}
	}
	return failed, nil
}

// runScenarios runs the built-in scenarios then the scripts, in order.
func runScenarios(ctx context.Context, h *harness.Harness, cfg config.HarnessConfig, status *web.Status) ([]harness.Report, error) {
	var reports []harness.Report
	for _, name := range cfg.Scenarios {
		rep, err := h.Run(ctx, name)
		if err != nil {
			return reports, err
		}
		status.AddReport(rep)
		reports = append(reports, rep)
	}
	for _, path := range cfg.Scripts {
		sc, err := harness.LoadScript(path)
		if err != nil {
			return reports, err
		}
		rep, err := h.RunScript(ctx, sc)
		if err != nil {
			return reports, err
		}
		status.AddReport(rep)
		reports = append(reports, rep)
	}
	return reports, nil
}
