//go:build linux

package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

// gpioOutputs drives one GPIO line per channel as a digital output through
// the GPIO character device. Any duty > 0 is ON, duty 0 is OFF, which suits
// relays and 2-wire loads switched by a MOSFET.
type gpioOutputs struct {
	lines []*gpiocdev.Line
	chips []*gpiocdev.Chip
}

var gpioChipGlob = "/dev/gpiochip*"

func openGPIO(pins []int) (Sink, error) {
	g := &gpioOutputs{}
	for _, pin := range pins {
		chip, line, err := requestGPIOLine(pin)
		if err != nil {
			return nil, multierr.Combine(err, g.Close())
		}
		g.chips = append(g.chips, chip)
		g.lines = append(g.lines, line)
	}
	return g, nil
}

func requestGPIOLine(pin int) (*gpiocdev.Chip, *gpiocdev.Line, error) {
	if pin <= 0 {
		return nil, nil, fmt.Errorf("output: invalid gpio pin %d", pin)
	}
	// On a Pi, header lines are named "GPIO18" etc. Pi 5 kernels may put
	// them on gpiochip0 or gpiochip4.
	lineName := fmt.Sprintf("GPIO%d", pin)
	candidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	matches, _ := filepath.Glob(gpioChipGlob)
	for _, m := range matches {
		if !strings.HasSuffix(m, "gpiochip0") && !strings.HasSuffix(m, "gpiochip4") {
			candidates = append(candidates, m)
		}
	}

	for _, chipPath := range candidates {
		if _, err := os.Stat(chipPath); err != nil {
			continue
		}
		chip, err := gpiocdev.NewChip(chipPath, gpiocdev.WithConsumer("ledcfade"))
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return chip, line, nil
	}
	return nil, nil, fmt.Errorf("output: gpio line %q not found (or busy)", lineName)
}

func (g *gpioOutputs) SetDuty(ch int, duty uint32) error {
	if ch < 0 || ch >= len(g.lines) {
		return fmt.Errorf("output: gpio channel %d out of range", ch)
	}
	v := 0
	if duty > 0 {
		v = 1
	}
	return g.lines[ch].SetValue(v)
}

func (g *gpioOutputs) Close() error {
	var err error
	for _, l := range g.lines {
		_ = l.SetValue(0)
		err = multierr.Append(err, l.Close())
	}
	for _, c := range g.chips {
		err = multierr.Append(err, c.Close())
	}
	g.lines = nil
	g.chips = nil
	return err
}
