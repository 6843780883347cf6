//go:build !linux

package output

import "fmt"

func openSysfs(cfg Config, channels int, maxDuty uint32) (Sink, error) {
	return nil, fmt.Errorf("output: sysfs pwm unsupported on this platform")
}
