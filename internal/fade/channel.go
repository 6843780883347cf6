package fade

import (
	"math"
	"time"
)

// ChannelState is a consistent copy of one channel's duty and fade bookkeeping.
//
// Duty is the value last written to the output register. While Active, the
// fade runs linearly from StartDuty at StartedAt to TargetDuty at
// StartedAt+Duration. Generation increases on every accepted StartFade or
// StopFade and identifies which fade a pending tick belongs to.
type ChannelState struct {
	Duty       uint32        `json:"duty"`
	StartDuty  uint32        `json:"start_duty"`
	TargetDuty uint32        `json:"target_duty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Generation uint64        `json:"generation"`
	Active     bool          `json:"active"`
}

// Deadline is the instant the current fade reaches its target.
func (c ChannelState) Deadline() time.Time {
	return c.StartedAt.Add(c.Duration)
}

// DutyAt returns the interpolated duty at t. An idle channel holds Duty.
func (c ChannelState) DutyAt(t time.Time) uint32 {
	if !c.Active {
		return c.Duty
	}
	if c.Duration <= 0 {
		return c.TargetDuty
	}
	elapsed := t.Sub(c.StartedAt)
	if elapsed <= 0 {
		return c.StartDuty
	}
	if elapsed >= c.Duration {
		return c.TargetDuty
	}
	frac := float64(elapsed) / float64(c.Duration)
	delta := float64(int64(c.TargetDuty) - int64(c.StartDuty))
	return uint32(int64(c.StartDuty) + int64(math.Round(delta*frac)))
}
