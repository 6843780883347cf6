package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ledcfade/internal/harness"
)

type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Output  OutputConfig  `yaml:"output"`
	Harness HarnessConfig `yaml:"harness"`
	Web     WebConfig     `yaml:"web"`
	Log     LogConfig     `yaml:"log"`
}

type EngineConfig struct {
	Channels       int           `yaml:"channels"`
	ResolutionBits int           `yaml:"resolution_bits"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	// TickWritebackDelay widens the tick race window; for stress runs only.
	TickWritebackDelay time.Duration `yaml:"tick_writeback_delay"`
}

type OutputConfig struct {
	Backend     string `yaml:"backend"`
	PWMChip     string `yaml:"pwm_chip"`
	FrequencyHz int    `yaml:"frequency_hz"`
	GPIOPins    []int  `yaml:"gpio_pins"`
	I2CBus      string `yaml:"i2c_bus"`
	I2CAddr     uint16 `yaml:"i2c_addr"`
}

type HarnessConfig struct {
	// Scenarios are built-in scenario names run in order.
	Scenarios []string `yaml:"scenarios"`
	// Scripts are YAML scenario script paths run after Scenarios.
	Scripts []string `yaml:"scripts"`

	// Scale multiplies every scenario duration (0.1 runs ten times faster).
	Scale float64 `yaml:"scale"`
	// Tolerance is the allowed duty error as a fraction of max duty for
	// timing-dependent checks.
	Tolerance      float64       `yaml:"tolerance"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	Settle         time.Duration `yaml:"settle"`

	StressIterations  int           `yaml:"stress_iterations"`
	StressMinDuration time.Duration `yaml:"stress_min_duration"`
	StressMaxDuration time.Duration `yaml:"stress_max_duration"`
	Seed              uint64        `yaml:"seed"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.Channels == 0 {
		cfg.Engine.Channels = 2
	}
	if cfg.Engine.ResolutionBits == 0 {
		cfg.Engine.ResolutionBits = 13
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = 1 * time.Millisecond
	}

	cfg.Output.Backend = strings.ToLower(strings.TrimSpace(cfg.Output.Backend))
	if cfg.Output.Backend == "" {
		cfg.Output.Backend = "sim"
	}
	if cfg.Output.Backend == "pca9685" && cfg.Output.I2CBus == "" {
		cfg.Output.I2CBus = "I2C1"
	}

	if len(cfg.Harness.Scenarios) == 0 && len(cfg.Harness.Scripts) == 0 {
		cfg.Harness.Scenarios = []string{"interrupted", "rapid", "opposite", "stopmid", "stress"}
	}
	if cfg.Harness.Scale == 0 {
		cfg.Harness.Scale = 1
	}
	if cfg.Harness.Tolerance == 0 {
		cfg.Harness.Tolerance = 0.05
	}
	if cfg.Harness.SampleInterval == 0 {
		cfg.Harness.SampleInterval = 5 * time.Millisecond
	}
	if cfg.Harness.Settle == 0 {
		cfg.Harness.Settle = 100 * time.Millisecond
	}
	if cfg.Harness.StressIterations == 0 {
		cfg.Harness.StressIterations = 10000
	}
	if cfg.Harness.StressMinDuration == 0 {
		cfg.Harness.StressMinDuration = 50 * time.Millisecond
	}
	if cfg.Harness.StressMaxDuration == 0 {
		cfg.Harness.StressMaxDuration = 150 * time.Millisecond
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks cfg after defaults are applied. Call it again after
// changing a loaded config.
func Validate(cfg Config) error {
	e := cfg.Engine
	if e.Channels < 0 {
		return fmt.Errorf("engine.channels must be > 0")
	}
	if e.ResolutionBits < 1 || e.ResolutionBits > 20 {
		return fmt.Errorf("engine.resolution_bits must be in [1,20]")
	}
	if e.TickInterval < 0 {
		return fmt.Errorf("engine.tick_interval must be > 0")
	}
	if e.TickWritebackDelay < 0 {
		return fmt.Errorf("engine.tick_writeback_delay must be >= 0")
	}

	o := cfg.Output
	switch o.Backend {
	case "sim", "sysfs":
	case "gpio":
		if len(o.GPIOPins) < e.Channels {
			return fmt.Errorf("output.gpio_pins needs %d entries for output.backend=gpio", e.Channels)
		}
	case "pca9685":
		if e.Channels > 16 {
			return fmt.Errorf("output.backend=pca9685 supports at most 16 channels")
		}
	default:
		return fmt.Errorf("output.backend must be one of sim, sysfs, gpio, pca9685")
	}
	if o.FrequencyHz < 0 {
		return fmt.Errorf("output.frequency_hz must be > 0")
	}

	h := cfg.Harness
	if h.Scale < 0 {
		return fmt.Errorf("harness.scale must be > 0")
	}
	if h.Tolerance < 0 || h.Tolerance >= 1 {
		return fmt.Errorf("harness.tolerance must be in [0,1)")
	}
	if h.SampleInterval < 0 || h.Settle < 0 {
		return fmt.Errorf("harness.sample_interval and harness.settle must be > 0")
	}
	if h.StressIterations < 0 {
		return fmt.Errorf("harness.stress_iterations must be > 0")
	}
	if h.StressMinDuration < 0 || h.StressMaxDuration < h.StressMinDuration {
		return fmt.Errorf("harness.stress_min_duration must be >= 0 and <= harness.stress_max_duration")
	}
	known := harness.Names()
	for _, name := range h.Scenarios {
		if !slices.Contains(known, name) {
			return fmt.Errorf("harness.scenarios: unknown scenario %q (known: %s)", name, strings.Join(known, ", "))
		}
		if e.Channels < 2 && (name == "opposite" || name == "stress") {
			return fmt.Errorf("harness scenario %q needs engine.channels >= 2", name)
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json")
	}
	return nil
}
