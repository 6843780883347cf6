//go:build !linux

package output

import "fmt"

func openGPIO(pins []int) (Sink, error) {
	return nil, fmt.Errorf("output: gpio unsupported on this platform")
}
