//go:build linux

package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// sysfsPWM drives hardware PWM channels via /sys/class/pwm.
//
// Channel i of the sink is pwm<i> of the selected chip. The period is fixed
// at open time; duty is written as nanoseconds of that period.
type sysfsPWM struct {
	chipPath string
	maxDuty  uint32
	periodNS uint64
	channels []*sysfsChannel
}

type sysfsChannel struct {
	mu      sync.Mutex
	index   int
	path    string
	enabled bool
}

var pwmSysfsBase = "/sys/class/pwm"

func openSysfs(cfg Config, channels int, maxDuty uint32) (Sink, error) {
	chipPath, err := findPWMChip(cfg.PWMChip, channels)
	if err != nil {
		return nil, err
	}
	periodNS := uint64(1_000_000_000 / cfg.FrequencyHz)
	if periodNS == 0 {
		periodNS = 1
	}

	d := &sysfsPWM{chipPath: chipPath, maxDuty: maxDuty, periodNS: periodNS}
	for i := 0; i < channels; i++ {
		c := &sysfsChannel{index: i, path: filepath.Join(chipPath, fmt.Sprintf("pwm%d", i))}
		if err := d.ensureExported(c); err != nil {
			return nil, multierr.Combine(err, d.Close())
		}
		d.channels = append(d.channels, c)
		if err := d.setPeriod(c); err != nil {
			return nil, multierr.Combine(err, d.Close())
		}
	}
	return d, nil
}

func findPWMChip(preferred string, need int) (string, error) {
	base := pwmSysfsBase
	if preferred != "" {
		chip := filepath.Join(base, preferred)
		n, err := readInt(filepath.Join(chip, "npwm"))
		if err != nil {
			return "", fmt.Errorf("output: read %s npwm: %w", preferred, err)
		}
		if n < need {
			return "", fmt.Errorf("output: %s has %d channels, need %d", preferred, n, need)
		}
		return chip, nil
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("output: read %s: %w", base, err)
	}
	// pwmchipN entries are commonly symlinks, not directories.
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "pwmchip") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		chip := filepath.Join(base, name)
		n, err := readInt(filepath.Join(chip, "npwm"))
		if err != nil || n < need {
			continue
		}
		return chip, nil
	}
	return "", fmt.Errorf("output: no sysfs pwmchip with %d channels (is the pwm overlay enabled?)", need)
}

func (d *sysfsPWM) ensureExported(c *sysfsChannel) error {
	if _, err := os.Stat(c.path); err == nil {
		return nil
	}
	exportPath := filepath.Join(d.chipPath, "export")
	if err := writeSysfsRetry(exportPath, strconv.Itoa(c.index)); err != nil {
		// Exported by someone else in the meantime.
		if _, statErr := os.Stat(c.path); statErr == nil {
			return nil
		}
		return fmt.Errorf("output: export pwm%d: %w", c.index, err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.path); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(c.path); err != nil {
		return fmt.Errorf("output: pwm%d not created after export: %w", c.index, err)
	}
	return nil
}

// setPeriod disables the channel, zeroes duty, and writes the period. The
// kernel rejects a period shorter than the current duty_cycle.
func (d *sysfsPWM) setPeriod(c *sysfsChannel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = writeSysfsRetry(filepath.Join(c.path, "enable"), "0")
	c.enabled = false
	if err := writeSysfsRetry(filepath.Join(c.path, "duty_cycle"), "0"); err != nil {
		return fmt.Errorf("output: pwm%d duty_cycle: %w", c.index, err)
	}
	if err := writeSysfsRetry(filepath.Join(c.path, "period"), strconv.FormatUint(d.periodNS, 10)); err != nil {
		return fmt.Errorf("output: pwm%d period: %w", c.index, err)
	}
	return nil
}

func (d *sysfsPWM) SetDuty(ch int, duty uint32) error {
	if ch < 0 || ch >= len(d.channels) {
		return fmt.Errorf("output: sysfs channel %d out of range", ch)
	}
	c := d.channels[ch]
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := scale(duty, d.maxDuty, d.periodNS)
	if err := writeSysfs(filepath.Join(c.path, "duty_cycle"), strconv.FormatUint(ns, 10)); err != nil {
		return fmt.Errorf("output: pwm%d duty_cycle: %w", c.index, err)
	}
	if !c.enabled {
		if err := writeSysfs(filepath.Join(c.path, "enable"), "1"); err != nil {
			return fmt.Errorf("output: pwm%d enable: %w", c.index, err)
		}
		c.enabled = true
	}
	return nil
}

func (d *sysfsPWM) Close() error {
	var err error
	for _, c := range d.channels {
		c.mu.Lock()
		err = multierr.Append(err, writeSysfs(filepath.Join(c.path, "duty_cycle"), "0"))
		err = multierr.Append(err, writeSysfs(filepath.Join(c.path, "enable"), "0"))
		c.enabled = false
		c.mu.Unlock()
	}
	return err
}

// sysfsRetryWindow bounds how long open-time writes wait for udev to fix
// permissions on freshly exported attributes.
var sysfsRetryWindow = 2 * time.Second

// writeSysfs makes a single write. It runs under the engine's per-channel
// lock, so it must never wait.
func writeSysfs(path string, value string) error {
	// O_WRONLY without O_TRUNC/O_CREATE: some sysfs attributes reject
	// truncation.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	return multierr.Combine(werr, f.Close())
}

// writeSysfsRetry retries EACCES/EPERM/ENOENT for sysfsRetryWindow. Only
// used while opening the sink.
func writeSysfsRetry(path string, value string) error {
	deadline := time.Now().Add(sysfsRetryWindow)
	for {
		err := writeSysfs(path, value)
		if err == nil || !isRetryableSysfsErr(err) || !time.Now().Before(deadline) {
			return err
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func isRetryableSysfsErr(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.Atoi(s)
}
