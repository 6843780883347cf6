package output

import (
	"fmt"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
	"periph.io/x/host/v3"
)

const (
	pca9685Channels = 16
	// pca9685Full is the top of the 12-bit on/off counter.
	pca9685Full = 4095
	pca9685Addr = 0x40

	pca9685MinHz = 24
	pca9685MaxHz = 1526
)

// pwmController is the subset of *pca9685.Dev the sink uses.
type pwmController interface {
	SetPwmFreq(freqHz physic.Frequency) error
	SetPwm(channel int, on, off gpio.Duty) error
}

// openPCA9685DevFn opens the I2C bus and device; swapped in tests.
var openPCA9685DevFn = func(busName string, addr uint16) (pwmController, func() error, error) {
	// host.Init is idempotent and registers the platform I2C drivers.
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("output: periph host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, fmt.Errorf("output: open i2c %q: %w", busName, err)
	}
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		_ = bus.Close()
		return nil, nil, fmt.Errorf("output: pca9685 at 0x%02x: %w", addr, err)
	}
	return dev, bus.Close, nil
}

// pca9685PWM drives up to 16 channels of a PCA9685 over I2C.
type pca9685PWM struct {
	dev      pwmController
	closeBus func() error
	maxDuty  uint32
	channels int
}

func openPCA9685(cfg Config, channels int, maxDuty uint32) (Sink, error) {
	if channels > pca9685Channels {
		return nil, fmt.Errorf("output: pca9685 has %d channels, need %d", pca9685Channels, channels)
	}
	if cfg.I2CBus == "" {
		cfg.I2CBus = "I2C1"
	}
	if cfg.I2CAddr == 0 {
		cfg.I2CAddr = pca9685Addr
	}
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = 1000
	}
	if cfg.FrequencyHz < pca9685MinHz || cfg.FrequencyHz > pca9685MaxHz {
		return nil, fmt.Errorf("output: pca9685 frequency %d Hz not in [%d,%d]", cfg.FrequencyHz, pca9685MinHz, pca9685MaxHz)
	}
	dev, closeBus, err := openPCA9685DevFn(cfg.I2CBus, cfg.I2CAddr)
	if err != nil {
		return nil, err
	}
	p := &pca9685PWM{dev: dev, closeBus: closeBus, maxDuty: maxDuty, channels: channels}
	if err := dev.SetPwmFreq(physic.Frequency(cfg.FrequencyHz) * physic.Hertz); err != nil {
		return nil, multierr.Combine(fmt.Errorf("output: pca9685 frequency: %w", err), p.Close())
	}
	return p, nil
}

// SetDuty writes the channel's OFF count; the pulse always starts at count 0.
// The I2C transaction is serialized by the bus, so channels sharing one
// PCA9685 contend there and nowhere else.
func (p *pca9685PWM) SetDuty(ch int, duty uint32) error {
	if ch < 0 || ch >= p.channels {
		return fmt.Errorf("output: pca9685 channel %d out of range", ch)
	}
	off := scale(duty, p.maxDuty, pca9685Full)
	return p.dev.SetPwm(ch, 0, gpio.Duty(off))
}

func (p *pca9685PWM) Close() error {
	var err error
	for ch := 0; ch < p.channels; ch++ {
		err = multierr.Append(err, p.dev.SetPwm(ch, 0, 0))
	}
	if p.closeBus != nil {
		err = multierr.Append(err, p.closeBus())
		p.closeBus = nil
	}
	return err
}
