package fade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type recordingOutput struct {
	mu     sync.Mutex
	writes map[int][]uint32
	err    error
}

func (o *recordingOutput) SetDuty(ch int, duty uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writes == nil {
		o.writes = map[int][]uint32{}
	}
	o.writes[ch] = append(o.writes[ch], duty)
	return o.err
}

func (o *recordingOutput) last(ch int) (uint32, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w := o.writes[ch]
	if len(w) == 0 {
		return 0, false
	}
	return w[len(w)-1], true
}

func newTestScheduler(t *testing.T, channels, bits int) (*Scheduler, *manualClock) {
	t.Helper()
	clk := newManualClock()
	s, err := New(Config{
		Channels:       channels,
		ResolutionBits: bits,
		Clock:          clk,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, clk
}

func mustState(t *testing.T, s *Scheduler, ch int) ChannelState {
	t.Helper()
	st, err := s.State(ch)
	if err != nil {
		t.Fatalf("State(%d): %v", ch, err)
	}
	return st
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestNew_Validation(t *testing.T) {
	cases := []Config{
		{Channels: 0, ResolutionBits: 13},
		{Channels: 2, ResolutionBits: 0},
		{Channels: 2, ResolutionBits: MaxResolutionBits + 1},
		{Channels: 2, ResolutionBits: 13, TickWritebackDelay: -time.Millisecond},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, cfg)
		}
	}
}

func TestNew_InitialState(t *testing.T) {
	out := &recordingOutput{}
	s, err := New(Config{Channels: 2, ResolutionBits: 13, Output: out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.MaxDuty() != 8191 {
		t.Fatalf("max=%d want 8191", s.MaxDuty())
	}
	for ch := 0; ch < 2; ch++ {
		st := mustState(t, s, ch)
		if st.Duty != 0 || st.Active || st.Generation != 0 {
			t.Fatalf("ch%d initial state=%+v", ch, st)
		}
		if d, ok := out.last(ch); !ok || d != 0 {
			t.Fatalf("ch%d output=%d,%v want 0,true", ch, d, ok)
		}
	}
}

func TestNew_OutputInitFailure(t *testing.T) {
	out := &recordingOutput{err: errors.New("bus down")}
	if _, err := New(Config{Channels: 1, ResolutionBits: 8, Output: out}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartFade_RejectsInvalidInput(t *testing.T) {
	s, _ := newTestScheduler(t, 2, 8)

	if err := s.StartFade(2, 10, time.Second); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("err=%v want ErrInvalidChannel", err)
	}
	if err := s.StartFade(-1, 10, time.Second); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("err=%v want ErrInvalidChannel", err)
	}
	if err := s.StartFade(0, 256, time.Second); !errors.Is(err, ErrInvalidDuty) {
		t.Fatalf("err=%v want ErrInvalidDuty", err)
	}
	if err := s.StartFade(0, 10, -time.Millisecond); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("err=%v want ErrInvalidDuration", err)
	}
	if err := s.StopFade(5); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("err=%v want ErrInvalidChannel", err)
	}
	if st := mustState(t, s, 0); st.Generation != 0 {
		t.Fatalf("rejected requests bumped generation to %d", st.Generation)
	}
}

func TestReads_InvalidChannel(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 8)
	if _, err := s.CurrentDuty(1); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("CurrentDuty err=%v", err)
	}
	if _, err := s.IsActive(1); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("IsActive err=%v", err)
	}
	// Tick never fails.
	s.Tick(7, clk.Now())
	if st := s.Stats(); st.Ticks != 0 {
		t.Fatalf("ticks=%d want 0", st.Ticks)
	}
}

func TestDutyAt(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fading := ChannelState{StartDuty: 100, TargetDuty: 200, StartedAt: t0, Duration: time.Second, Active: true}
	falling := ChannelState{StartDuty: 200, TargetDuty: 0, StartedAt: t0, Duration: 4 * time.Second, Active: true}

	cases := []struct {
		name string
		st   ChannelState
		at   time.Duration
		want uint32
	}{
		{"before start", fading, -time.Second, 100},
		{"at start", fading, 0, 100},
		{"quarter", fading, 250 * time.Millisecond, 125},
		{"half", fading, 500 * time.Millisecond, 150},
		{"at deadline", fading, time.Second, 200},
		{"past deadline", fading, time.Hour, 200},
		{"falling quarter", falling, time.Second, 150},
		{"falling rounds", falling, 3 * time.Millisecond, 200},
		{"idle holds duty", ChannelState{Duty: 42, TargetDuty: 99}, time.Second, 42},
		{"zero duration", ChannelState{TargetDuty: 7, Active: true}, 0, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.st.DutyAt(t0.Add(tc.at)); got != tc.want {
				t.Fatalf("got=%d want %d", got, tc.want)
			}
		})
	}
}

func TestTick_ConvergesMonotonically(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 10)
	max := s.MaxDuty()

	if err := s.StartFade(0, max, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	var prev uint32
	for i := 0; i < 120; i++ {
		now := clk.Advance(10 * time.Millisecond)
		s.Tick(0, now)
		d, _ := s.CurrentDuty(0)
		if d < prev {
			t.Fatalf("step %d: duty went backwards %d -> %d", i, prev, d)
		}
		if d > max {
			t.Fatalf("step %d: duty=%d exceeds max %d", i, d, max)
		}
		prev = d
		active, _ := s.IsActive(0)
		st := mustState(t, s, 0)
		if !now.Before(st.Deadline()) {
			if d != max || active {
				t.Fatalf("past deadline: duty=%d active=%v want %d,false", d, active, max)
			}
		} else if !active {
			t.Fatalf("step %d: inactive before deadline", i)
		}
	}
	if st := s.Stats(); st.Completions != 1 {
		t.Fatalf("completions=%d want 1", st.Completions)
	}
}

func TestStopFade_FreezesMidway(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 13)
	max := s.MaxDuty()

	if err := s.StartFade(0, max, 3000*time.Millisecond); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	for i := 0; i < 15; i++ {
		s.Tick(0, clk.Advance(100*time.Millisecond))
	}
	mid, _ := s.CurrentDuty(0)
	if absDiff(mid, max/2) > 1 {
		t.Fatalf("mid duty=%d want ~%d", mid, max/2)
	}
	genBefore := mustState(t, s, 0).Generation

	if err := s.StopFade(0); err != nil {
		t.Fatalf("StopFade: %v", err)
	}
	st := mustState(t, s, 0)
	if st.Active || st.Duty != mid || st.Generation != genBefore+1 {
		t.Fatalf("after stop state=%+v", st)
	}
	for i := 0; i < 30; i++ {
		s.Tick(0, clk.Advance(100*time.Millisecond))
		if d, _ := s.CurrentDuty(0); d != mid {
			t.Fatalf("tick after stop moved duty %d -> %d", mid, d)
		}
	}
}

func TestStopFade_UsesInterpolatedDutyNotLastTick(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 8)
	if err := s.StartFade(0, 200, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	// No ticks: the register still holds 0 but the fade is halfway.
	clk.Advance(500 * time.Millisecond)
	if err := s.StopFade(0); err != nil {
		t.Fatalf("StopFade: %v", err)
	}
	if d, _ := s.CurrentDuty(0); d != 100 {
		t.Fatalf("duty=%d want 100", d)
	}
}

func TestStartFade_PreemptionContinuity(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 13)
	max := s.MaxDuty()

	if err := s.StartFade(0, max, 3000*time.Millisecond); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.Tick(0, clk.Advance(100*time.Millisecond))
	}
	before, _ := s.CurrentDuty(0)

	if err := s.StartFade(0, 0, 1000*time.Millisecond); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	st := mustState(t, s, 0)
	if st.StartDuty != before {
		t.Fatalf("start duty=%d want %d (no jump)", st.StartDuty, before)
	}
	if st.Duty != before {
		t.Fatalf("duty=%d want %d", st.Duty, before)
	}
	if st.TargetDuty != 0 || !st.Active || st.Generation != 2 {
		t.Fatalf("state=%+v", st)
	}

	for i := 0; i < 12; i++ {
		s.Tick(0, clk.Advance(100*time.Millisecond))
	}
	if d, _ := s.CurrentDuty(0); d != 0 {
		t.Fatalf("final duty=%d want 0", d)
	}
}

func TestStartFade_RapidOverrides(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 13)
	max := s.MaxDuty()

	steps := []struct {
		target uint32
		d      time.Duration
	}{
		{max / 4, 2000 * time.Millisecond},
		{max / 2, 1500 * time.Millisecond},
		{3 * max / 4, 1000 * time.Millisecond},
		{max, 500 * time.Millisecond},
	}
	for _, step := range steps {
		if err := s.StartFade(0, step.target, step.d); err != nil {
			t.Fatalf("StartFade: %v", err)
		}
		for i := 0; i < 20; i++ {
			s.Tick(0, clk.Advance(10*time.Millisecond))
			if d, _ := s.CurrentDuty(0); d > step.target {
				t.Fatalf("duty=%d exceeds latest target %d", d, step.target)
			}
		}
	}
	for i := 0; i < 200; i++ {
		s.Tick(0, clk.Advance(10*time.Millisecond))
	}
	if d, _ := s.CurrentDuty(0); d != max {
		t.Fatalf("final duty=%d want %d", d, max)
	}
	if active, _ := s.IsActive(0); active {
		t.Fatalf("still active after final fade")
	}
}

func TestStartFade_ZeroDurationSetsImmediately(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 8)
	if err := s.StartFade(0, 200, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	s.Tick(0, clk.Advance(100*time.Millisecond))
	if err := s.SetDuty(0, 17); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	st := mustState(t, s, 0)
	if st.Duty != 17 || st.Active || st.Generation != 2 {
		t.Fatalf("state=%+v", st)
	}
	s.Tick(0, clk.Advance(time.Second))
	if d, _ := s.CurrentDuty(0); d != 17 {
		t.Fatalf("duty=%d want 17", d)
	}
}

func TestGeneration_StrictlyIncreases(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 8)
	var last uint64
	for i := 0; i < 50; i++ {
		var err error
		switch i % 3 {
		case 0:
			err = s.StartFade(0, uint32(i), 100*time.Millisecond)
		case 1:
			err = s.StopFade(0)
		default:
			err = s.SetDuty(0, uint32(i))
		}
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		s.Tick(0, clk.Advance(30*time.Millisecond))
		g := mustState(t, s, 0).Generation
		if g != last+1 {
			t.Fatalf("op %d: generation=%d want %d", i, g, last+1)
		}
		last = g
	}
}

func TestTick_StaleWritebackIsDiscarded(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 13)
	max := s.MaxDuty()

	reached := make(chan struct{})
	release := make(chan struct{})
	old := tickReadHook
	tickReadHook = func(ch int) {
		reached <- struct{}{}
		<-release
	}
	t.Cleanup(func() { tickReadHook = old })

	if err := s.StartFade(0, max, 100*time.Millisecond); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	// A completion tick reads generation 1 and stalls before its write-back.
	done := make(chan struct{})
	completionAt := clk.Advance(200 * time.Millisecond)
	go func() {
		defer close(done)
		s.Tick(0, completionAt)
	}()
	<-reached

	// A new fade overtakes it.
	if err := s.StartFade(0, 10, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	want := mustState(t, s, 0)

	close(release)
	<-done

	got := mustState(t, s, 0)
	if got != want {
		t.Fatalf("stale tick mutated state:\n got=%+v\nwant=%+v", got, want)
	}
	if !got.Active || got.TargetDuty != 10 {
		t.Fatalf("channel lost the new fade: %+v", got)
	}
	if st := s.Stats(); st.StaleTicks != 1 || st.Completions != 0 {
		t.Fatalf("stats=%+v want 1 stale tick, 0 completions", st)
	}
}

func TestTick_StaleAfterStopIsDiscarded(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 8)

	reached := make(chan struct{})
	release := make(chan struct{})
	old := tickReadHook
	tickReadHook = func(ch int) {
		reached <- struct{}{}
		<-release
	}
	t.Cleanup(func() { tickReadHook = old })

	if err := s.StartFade(0, 255, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	clk.Advance(250 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Tick(0, clk.Now().Add(time.Second))
	}()
	<-reached
	if err := s.StopFade(0); err != nil {
		t.Fatalf("StopFade: %v", err)
	}
	frozen, _ := s.CurrentDuty(0)
	close(release)
	<-done

	if d, _ := s.CurrentDuty(0); d != frozen {
		t.Fatalf("duty=%d want frozen %d", d, frozen)
	}
	if active, _ := s.IsActive(0); active {
		t.Fatalf("stale completion revived channel")
	}
}

func TestTick_OutOfOrderTimestampsIgnored(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 8)
	if err := s.StartFade(0, 200, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	t0 := clk.Now()
	s.Tick(0, t0.Add(500*time.Millisecond))
	s.Tick(0, t0.Add(100*time.Millisecond))
	if d, _ := s.CurrentDuty(0); d != 100 {
		t.Fatalf("duty=%d want 100", d)
	}
	if st := s.Stats(); st.LateTicks != 1 {
		t.Fatalf("late ticks=%d want 1", st.LateTicks)
	}
}

func TestChannels_AreIndependent(t *testing.T) {
	s, clk := newTestScheduler(t, 2, 13)
	max := s.MaxDuty()

	if err := s.SetDuty(1, max); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	before := mustState(t, s, 1)

	if err := s.StartFade(0, max, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	s.Tick(0, clk.Advance(300*time.Millisecond))
	if err := s.StopFade(0); err != nil {
		t.Fatalf("StopFade: %v", err)
	}
	if err := s.StartFade(0, 0, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	s.TickActive(clk.Advance(2 * time.Second))

	if after := mustState(t, s, 1); after != before {
		t.Fatalf("channel 1 changed:\n got=%+v\nwant=%+v", after, before)
	}
}

func TestOpposingFadesOnTwoChannels(t *testing.T) {
	s, clk := newTestScheduler(t, 2, 13)
	max := s.MaxDuty()

	if err := s.SetDuty(1, max); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if err := s.StartFade(0, max, 3*time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	if err := s.StartFade(1, 0, 3*time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	for i := 0; i < 15; i++ {
		s.TickActive(clk.Advance(100 * time.Millisecond))
	}
	d0, _ := s.CurrentDuty(0)
	d1, _ := s.CurrentDuty(1)
	if absDiff(d0, max/2) > 1 || absDiff(d1, max/2) > 1 {
		t.Fatalf("mid duties=%d,%d want ~%d", d0, d1, max/2)
	}
	for i := 0; i < 20; i++ {
		s.TickActive(clk.Advance(100 * time.Millisecond))
	}
	d0, _ = s.CurrentDuty(0)
	d1, _ = s.CurrentDuty(1)
	if d0 != max || d1 != 0 {
		t.Fatalf("final duties=%d,%d want %d,0", d0, d1, max)
	}
}

func TestOutput_ReceivesCommittedDuty(t *testing.T) {
	out := &recordingOutput{}
	clk := newManualClock()
	s, err := New(Config{Channels: 1, ResolutionBits: 8, Clock: clk, Output: out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.StartFade(0, 100, time.Second); err != nil {
		t.Fatalf("StartFade: %v", err)
	}
	s.Tick(0, clk.Advance(500*time.Millisecond))
	s.Tick(0, clk.Advance(500*time.Millisecond))

	out.mu.Lock()
	got := fmt.Sprint(out.writes[0])
	out.mu.Unlock()
	if got != "[0 50 100]" {
		t.Fatalf("writes=%s want [0 50 100]", got)
	}
}

func TestOutput_ErrorsAreCountedNotSurfaced(t *testing.T) {
	out := &recordingOutput{}
	clk := newManualClock()
	s, err := New(Config{Channels: 1, ResolutionBits: 8, Clock: clk, Output: out, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out.mu.Lock()
	out.err = errors.New("i2c nack")
	out.mu.Unlock()

	if err := s.StartFade(0, 100, 0); err != nil {
		t.Fatalf("StartFade returned output error: %v", err)
	}
	if d, _ := s.CurrentDuty(0); d != 100 {
		t.Fatalf("duty=%d want 100", d)
	}
	if st := s.Stats(); st.OutputErrors != 1 {
		t.Fatalf("output errors=%d want 1", st.OutputErrors)
	}
}

func TestWaitIdle(t *testing.T) {
	s, clk := newTestScheduler(t, 1, 8)

	if err := s.WaitIdle(context.Background(), 0); err != nil {
		t.Fatalf("WaitIdle on idle channel: %v", err)
	}
	if err := s.WaitIdle(context.Background(), 3); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("err=%v want ErrInvalidChannel", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.StartFadeAndWait(ctx, 0, 100, time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded (nothing ticks)", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.WaitIdle(context.Background(), 0) }()
	s.Tick(0, clk.Advance(2*time.Second))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitIdle: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitIdle did not return after completion")
	}
}
