package harness

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledcfade/internal/fade"
)

// Engine is the surface the harness drives. *fade.Scheduler implements it.
type Engine interface {
	StartFade(ch int, target uint32, d time.Duration) error
	StopFade(ch int) error
	SetDuty(ch int, duty uint32) error
	CurrentDuty(ch int) (uint32, error)
	IsActive(ch int) (bool, error)
	State(ch int) (fade.ChannelState, error)
	Stats() fade.Stats
	MaxDuty() uint32
	Channels() int
}

type Config struct {
	// Scale multiplies every scenario duration. Defaults to 1.
	Scale float64
	// Tolerance is the allowed duty error, as a fraction of max duty, for
	// checks that depend on wall-clock timing.
	Tolerance float64
	// SampleInterval is how often background samplers read the engine.
	SampleInterval time.Duration
	// Settle is extra unscaled wait granted to the tick source after a
	// fade's nominal end before final checks.
	Settle time.Duration

	StressIterations  int
	StressMinDuration time.Duration
	StressMaxDuration time.Duration
	Seed              uint64
}

// Report is the outcome of one scenario run.
type Report struct {
	Scenario   string         `json:"scenario"`
	Passed     bool           `json:"passed"`
	Violations []string       `json:"violations,omitempty"`
	Samples    int            `json:"samples"`
	Elapsed    time.Duration  `json:"elapsed_ns"`
	Values     map[string]any `json:"values,omitempty"`
	Stats      fade.Stats     `json:"stats"`
}

type Harness struct {
	eng Engine
	cfg Config
	log *zap.Logger
}

type scenarioFunc func(ctx context.Context, h *Harness, r *run) error

var scenarios = map[string]scenarioFunc{
	"interrupted": runInterrupted,
	"rapid":       runRapid,
	"opposite":    runOpposite,
	"stopmid":     runStopMid,
	"stress":      runStress,
}

// Names lists the built-in scenarios.
func Names() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func New(eng Engine, cfg Config, log *zap.Logger) *Harness {
	if cfg.Scale <= 0 {
		cfg.Scale = 1
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.05
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Millisecond
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 100 * time.Millisecond
	}
	if cfg.StressIterations <= 0 {
		cfg.StressIterations = 10000
	}
	if cfg.StressMinDuration <= 0 {
		cfg.StressMinDuration = 50 * time.Millisecond
	}
	if cfg.StressMaxDuration < cfg.StressMinDuration {
		cfg.StressMaxDuration = cfg.StressMinDuration + 100*time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Harness{eng: eng, cfg: cfg, log: log}
}

// Run executes the named built-in scenario. The engine must be ticked by a
// running tick source for fades to progress.
func (h *Harness) Run(ctx context.Context, name string) (Report, error) {
	fn, ok := scenarios[name]
	if !ok {
		return Report{}, fmt.Errorf("harness: unknown scenario %q", name)
	}
	return h.execute(ctx, name, func(ctx context.Context, r *run) error {
		return fn(ctx, h, r)
	})
}

func (h *Harness) execute(ctx context.Context, name string, fn func(context.Context, *run) error) (Report, error) {
	r := &run{report: Report{Scenario: name, Values: map[string]any{}}}
	log := h.log.With(zap.String("scenario", name))
	log.Info("scenario starting")

	start := time.Now()
	err := fn(ctx, r)
	r.mu.Lock()
	rep := r.report
	r.mu.Unlock()
	rep.Elapsed = time.Since(start)
	rep.Stats = h.eng.Stats()
	rep.Passed = err == nil && len(rep.Violations) == 0

	if err != nil {
		log.Error("scenario aborted", zap.Error(err))
		return rep, err
	}
	if rep.Passed {
		log.Info("scenario passed", zap.Duration("elapsed", rep.Elapsed), zap.Int("samples", rep.Samples))
	} else {
		log.Warn("scenario failed", zap.Strings("violations", rep.Violations))
	}
	return rep, nil
}

// run collects one scenario's observations. Samplers append concurrently.
type run struct {
	mu     sync.Mutex
	report Report
}

func (r *run) violate(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A broken invariant tends to repeat on every sample; keep the report readable.
	if len(r.report.Violations) < 50 {
		r.report.Violations = append(r.report.Violations, fmt.Sprintf(format, args...))
	}
}

func (r *run) sampled(n int) {
	r.mu.Lock()
	r.report.Samples += n
	r.mu.Unlock()
}

func (r *run) set(key string, v any) {
	r.mu.Lock()
	r.report.Values[key] = v
	r.mu.Unlock()
}

func (h *Harness) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * h.cfg.Scale)
}

func (h *Harness) tolerance() uint32 {
	return uint32(float64(h.eng.MaxDuty()) * h.cfg.Tolerance)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pct(max uint32, p float64) uint32 {
	v := float64(max) * p / 100
	if v <= 0 {
		return 0
	}
	if v >= float64(max) {
		return max
	}
	return uint32(v + 0.5)
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
