package fade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MaxResolutionBits matches the widest LEDC timer resolution.
const MaxResolutionBits = 20

// tickReadHook runs between a tick's read phase and its write-back phase.
var tickReadHook = func(ch int) {}

// Output receives every duty value the scheduler commits for a channel.
//
// SetDuty is called while that channel's critical section is held, so writes
// for one channel arrive in generation order. It must not call back into the
// Scheduler.
type Output interface {
	SetDuty(ch int, duty uint32) error
}

type Config struct {
	// Channels is the number of independent PWM channels.
	Channels int
	// ResolutionBits sets MaxDuty to 2^ResolutionBits-1.
	ResolutionBits int

	// Clock defaults to the system monotonic clock.
	Clock Clock
	// Output is optional; nil keeps duty values in memory only.
	Output Output
	Logger *zap.Logger

	// TickWritebackDelay sleeps between a tick's read phase and its
	// write-back phase. Test-only: it widens the window in which a
	// StartFade/StopFade can overtake an in-flight tick.
	TickWritebackDelay time.Duration
}

// Stats are diagnostic counters. They are not part of any channel's state.
type Stats struct {
	Starts       uint64 `json:"starts"`
	Stops        uint64 `json:"stops"`
	Ticks        uint64 `json:"ticks"`
	Completions  uint64 `json:"completions"`
	StaleTicks   uint64 `json:"stale_ticks"`
	LateTicks    uint64 `json:"late_ticks"`
	OutputErrors uint64 `json:"output_errors"`
}

type channel struct {
	mu sync.Mutex
	st ChannelState
	// tickedAt is the timestamp of the last tick applied to this generation.
	tickedAt time.Time
	// idle is closed whenever st.Active is false.
	idle chan struct{}
}

func (c *channel) setActiveLocked(active bool) {
	if c.st.Active == active {
		return
	}
	c.st.Active = active
	if active {
		c.idle = make(chan struct{})
	} else {
		close(c.idle)
	}
}

// Scheduler drives the duty cycle of N channels. Every channel has its own
// critical section; no operation ever holds more than one.
type Scheduler struct {
	channels []*channel
	maxDuty  uint32
	clock    Clock
	out      Output
	log      *zap.Logger
	delay    time.Duration

	starts       atomic.Uint64
	stops        atomic.Uint64
	ticks        atomic.Uint64
	completions  atomic.Uint64
	staleTicks   atomic.Uint64
	lateTicks    atomic.Uint64
	outputErrors atomic.Uint64
}

// New creates a scheduler with every channel idle at duty 0 and writes that
// initial duty to the output.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("fade: channels must be > 0")
	}
	if cfg.ResolutionBits <= 0 || cfg.ResolutionBits > MaxResolutionBits {
		return nil, fmt.Errorf("fade: resolution bits must be in [1,%d]", MaxResolutionBits)
	}
	if cfg.TickWritebackDelay < 0 {
		return nil, fmt.Errorf("fade: tick writeback delay must be >= 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Scheduler{
		channels: make([]*channel, cfg.Channels),
		maxDuty:  uint32(1)<<cfg.ResolutionBits - 1,
		clock:    cfg.Clock,
		out:      cfg.Output,
		log:      cfg.Logger,
		delay:    cfg.TickWritebackDelay,
	}
	for i := range s.channels {
		idle := make(chan struct{})
		close(idle)
		s.channels[i] = &channel{idle: idle}
		if s.out != nil {
			if err := s.out.SetDuty(i, 0); err != nil {
				return nil, fmt.Errorf("fade: init channel %d: %w", i, err)
			}
		}
	}
	return s, nil
}

func (s *Scheduler) Channels() int { return len(s.channels) }

func (s *Scheduler) MaxDuty() uint32 { return s.maxDuty }

func (s *Scheduler) channel(ch int) (*channel, error) {
	if ch < 0 || ch >= len(s.channels) {
		return nil, fmt.Errorf("fade: channel %d not in [0,%d): %w", ch, len(s.channels), ErrInvalidChannel)
	}
	return s.channels[ch], nil
}

// writeLocked commits duty for ch. Output failures are logged and counted;
// the in-memory duty stays authoritative.
func (s *Scheduler) writeLocked(ch int, c *channel, duty uint32) {
	changed := c.st.Duty != duty
	c.st.Duty = duty
	if s.out == nil || !changed {
		return
	}
	if err := s.out.SetDuty(ch, duty); err != nil {
		s.outputErrors.Add(1)
		s.log.Warn("output write failed",
			zap.Int("channel", ch),
			zap.Uint32("duty", duty),
			zap.Error(err),
		)
	}
}

// StartFade supersedes whatever channel ch is doing with a linear fade from
// its present duty to target over d. A zero duration sets target immediately.
func (s *Scheduler) StartFade(ch int, target uint32, d time.Duration) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}
	if target > s.maxDuty {
		return fmt.Errorf("fade: duty %d exceeds max %d: %w", target, s.maxDuty, ErrInvalidDuty)
	}
	if d < 0 {
		return fmt.Errorf("fade: duration %s: %w", d, ErrInvalidDuration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.clock.Now()
	from := c.st.DutyAt(now)

	c.st.Generation++
	c.st.StartDuty = from
	c.st.TargetDuty = target
	c.st.StartedAt = now
	c.st.Duration = d
	c.tickedAt = time.Time{}
	s.starts.Add(1)

	if d == 0 {
		s.writeLocked(ch, c, target)
		c.setActiveLocked(false)
		return nil
	}
	s.writeLocked(ch, c, from)
	c.setActiveLocked(true)
	return nil
}

// SetDuty jumps channel ch to duty, cancelling any fade in flight.
func (s *Scheduler) SetDuty(ch int, duty uint32) error {
	return s.StartFade(ch, duty, 0)
}

// StopFade freezes channel ch at its present interpolated duty.
func (s *Scheduler) StopFade(ch int) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.clock.Now()
	duty := c.st.DutyAt(now)

	c.st.Generation++
	c.st.Duration = 0
	c.tickedAt = time.Time{}
	s.stops.Add(1)
	s.writeLocked(ch, c, duty)
	c.setActiveLocked(false)
	return nil
}

// Tick advances channel ch to its interpolated duty at now, completing the
// fade once now reaches the deadline. It is a no-op for an idle or unknown
// channel. A tick overtaken by StartFade/StopFade while it was computing is
// discarded and counted in Stats.StaleTicks.
func (s *Scheduler) Tick(ch int, now time.Time) {
	c, err := s.channel(ch)
	if err != nil {
		return
	}

	c.mu.Lock()
	snap := c.st
	c.mu.Unlock()
	if !snap.Active {
		return
	}
	s.ticks.Add(1)

	duty := snap.DutyAt(now)
	done := !now.Before(snap.Deadline())

	tickReadHook(ch)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st.Generation != snap.Generation {
		s.staleTicks.Add(1)
		return
	}
	// Same generation: only a concurrent tick with a later timestamp can
	// have moved the channel since the read phase.
	if !c.st.Active || now.Before(c.tickedAt) {
		s.lateTicks.Add(1)
		return
	}
	c.tickedAt = now
	if done {
		s.writeLocked(ch, c, c.st.TargetDuty)
		c.setActiveLocked(false)
		s.completions.Add(1)
		return
	}
	s.writeLocked(ch, c, duty)
}

// TickActive ticks every channel that is fading. Channels are visited one at
// a time and each only under its own lock.
func (s *Scheduler) TickActive(now time.Time) {
	for ch := range s.channels {
		s.Tick(ch, now)
	}
}

func (s *Scheduler) CurrentDuty(ch int) (uint32, error) {
	c, err := s.channel(ch)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Duty, nil
}

func (s *Scheduler) IsActive(ch int) (bool, error) {
	c, err := s.channel(ch)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Active, nil
}

// State returns a consistent copy of channel ch.
func (s *Scheduler) State(ch int) (ChannelState, error) {
	c, err := s.channel(ch)
	if err != nil {
		return ChannelState{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st, nil
}

// States copies every channel. Each entry is consistent on its own; entries
// are not a snapshot of one instant across channels.
func (s *Scheduler) States() []ChannelState {
	out := make([]ChannelState, len(s.channels))
	for i, c := range s.channels {
		c.mu.Lock()
		out[i] = c.st
		c.mu.Unlock()
	}
	return out
}

// WaitIdle blocks until channel ch is not fading. A fade only completes when
// something ticks the channel.
func (s *Scheduler) WaitIdle(ctx context.Context, ch int) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartFadeAndWait starts a fade and waits for the channel to go idle, either
// by reaching target or by a later StopFade.
func (s *Scheduler) StartFadeAndWait(ctx context.Context, ch int, target uint32, d time.Duration) error {
	if err := s.StartFade(ch, target, d); err != nil {
		return err
	}
	return s.WaitIdle(ctx, ch)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Starts:       s.starts.Load(),
		Stops:        s.stops.Load(),
		Ticks:        s.ticks.Load(),
		Completions:  s.completions.Load(),
		StaleTicks:   s.staleTicks.Load(),
		LateTicks:    s.lateTicks.Load(),
		OutputErrors: s.outputErrors.Load(),
	}
}
