package output

import (
	"fmt"
	"strings"
)

// Sink is a bank of PWM duty registers. Duty is in engine units
// [0, maxDuty]; each backend rescales to its own register width.
//
// SetDuty may be called concurrently for different channels.
// Close should be best-effort and leave every output off.
type Sink interface {
	SetDuty(ch int, duty uint32) error
	Close() error
}

const (
	BackendSim     = "sim"
	BackendSysfs   = "sysfs"
	BackendGPIO    = "gpio"
	BackendPCA9685 = "pca9685"
)

type Config struct {
	Backend string

	// PWMChip selects /sys/class/pwm/<PWMChip>; empty picks the first chip
	// with enough channels.
	PWMChip string
	// FrequencyHz is the PWM carrier frequency for sysfs (default 5000) and
	// pca9685 (default 1000, limited to 24..1526 Hz by the prescaler).
	FrequencyHz int

	// GPIOPins are BCM GPIO numbers, one per channel.
	GPIOPins []int

	I2CBus  string
	I2CAddr uint16
}

var (
	openSysfsFn   = openSysfs
	openGPIOFn    = openGPIO
	openPCA9685Fn = openPCA9685
)

// Open builds the sink selected by cfg.Backend for channels outputs.
func Open(cfg Config, channels int, maxDuty uint32) (Sink, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("output: channels must be > 0")
	}
	if maxDuty == 0 {
		return nil, fmt.Errorf("output: max duty must be > 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSim:
		return NewSim(channels, maxDuty), nil
	case BackendSysfs:
		if cfg.FrequencyHz <= 0 {
			cfg.FrequencyHz = 5000
		}
		return openSysfsFn(cfg, channels, maxDuty)
	case BackendGPIO:
		if len(cfg.GPIOPins) < channels {
			return nil, fmt.Errorf("output: gpio backend needs %d pins, have %d", channels, len(cfg.GPIOPins))
		}
		return openGPIOFn(cfg.GPIOPins[:channels])
	case BackendPCA9685:
		return openPCA9685Fn(cfg, channels, maxDuty)
	default:
		return nil, fmt.Errorf("output: unknown backend %q", cfg.Backend)
	}
}

// scale maps duty in [0,maxDuty] onto [0,full], rounding to nearest.
func scale(duty, maxDuty uint32, full uint64) uint64 {
	if duty >= maxDuty {
		return full
	}
	return (uint64(duty)*full + uint64(maxDuty)/2) / uint64(maxDuty)
}
