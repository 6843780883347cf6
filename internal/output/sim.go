package output

import (
	"fmt"
	"sync/atomic"
)

// Sim is an in-memory register file standing in for PWM hardware.
type Sim struct {
	maxDuty uint32
	regs    []atomic.Uint32
	writes  []atomic.Uint64
}

func NewSim(channels int, maxDuty uint32) *Sim {
	return &Sim{
		maxDuty: maxDuty,
		regs:    make([]atomic.Uint32, channels),
		writes:  make([]atomic.Uint64, channels),
	}
}

func (s *Sim) SetDuty(ch int, duty uint32) error {
	if ch < 0 || ch >= len(s.regs) {
		return fmt.Errorf("output: sim channel %d out of range", ch)
	}
	if duty > s.maxDuty {
		return fmt.Errorf("output: sim duty %d exceeds %d", duty, s.maxDuty)
	}
	s.regs[ch].Store(duty)
	s.writes[ch].Add(1)
	return nil
}

// Duty returns the register value of ch, or 0 for an unknown channel.
func (s *Sim) Duty(ch int) uint32 {
	if ch < 0 || ch >= len(s.regs) {
		return 0
	}
	return s.regs[ch].Load()
}

// Writes counts SetDuty calls accepted for ch.
func (s *Sim) Writes(ch int) uint64 {
	if ch < 0 || ch >= len(s.writes) {
		return 0
	}
	return s.writes[ch].Load()
}

func (s *Sim) Close() error {
	for i := range s.regs {
		s.regs[i].Store(0)
	}
	return nil
}
