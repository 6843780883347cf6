package harness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ledcfade/internal/fade"
)

// checkFunc inspects one consistent channel sample taken at now.
type checkFunc func(ch int, st fade.ChannelState, now time.Time)

// startSampler polls every channel until the returned stop func is called,
// checking the engine-wide invariants plus extra on each sample.
func (h *Harness) startSampler(ctx context.Context, r *run, extra checkFunc) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.sample(ctx, r, extra)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (h *Harness) sample(ctx context.Context, r *run, extra checkFunc) {
	max := h.eng.MaxDuty()
	n := h.eng.Channels()
	lastGen := make([]uint64, n)
	frozenAfter := h.cfg.Settle + h.cfg.SampleInterval

	t := time.NewTicker(h.cfg.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for ch := 0; ch < n; ch++ {
			st, err := h.eng.State(ch)
			if err != nil {
				r.violate("ch%d: state read failed: %v", ch, err)
				continue
			}
			now := time.Now()
			if st.Duty > max {
				r.violate("ch%d: duty %d exceeds max %d", ch, st.Duty, max)
			}
			if st.Generation < lastGen[ch] {
				r.violate("ch%d: generation went backwards %d -> %d", ch, lastGen[ch], st.Generation)
			}
			lastGen[ch] = st.Generation
			if st.Active && now.Sub(st.Deadline()) > frozenAfter {
				r.violate("ch%d: still active %s past deadline at generation %d", ch, now.Sub(st.Deadline()), st.Generation)
			}
			if extra != nil {
				extra(ch, st, now)
			}
		}
		r.sampled(n)
	}
}

// expectIdleAt checks that ch finished at want.
func (h *Harness) expectIdleAt(r *run, ch int, want uint32, label string) {
	st, err := h.eng.State(ch)
	if err != nil {
		r.violate("%s: ch%d: %v", label, ch, err)
		return
	}
	r.set(label+"_duty", st.Duty)
	if st.Active {
		r.violate("%s: ch%d still active", label, ch)
	}
	if st.Duty != want {
		r.violate("%s: ch%d duty=%d want %d", label, ch, st.Duty, want)
	}
}

// runInterrupted starts a long fade up, interrupts it with a short fade down,
// and checks the interruption continues from where the first fade was.
func runInterrupted(ctx context.Context, h *Harness, r *run) error {
	e := h.eng
	max := e.MaxDuty()
	tol := h.tolerance()

	if err := e.SetDuty(0, 0); err != nil {
		return err
	}
	stop := h.startSampler(ctx, r, nil)
	defer stop()

	if err := e.StartFade(0, max, h.scaled(3000*time.Millisecond)); err != nil {
		return err
	}
	if err := sleep(ctx, h.scaled(500*time.Millisecond)); err != nil {
		return err
	}
	before, err := e.CurrentDuty(0)
	if err != nil {
		return err
	}
	if err := e.StartFade(0, 0, h.scaled(1000*time.Millisecond)); err != nil {
		return err
	}
	st, err := e.State(0)
	if err != nil {
		return err
	}
	r.set("duty_before_interrupt", before)
	r.set("interrupt_start_duty", st.StartDuty)
	if absDiff(st.StartDuty, before) > tol {
		r.violate("interrupt started from %d, duty just before was %d", st.StartDuty, before)
	}

	if err := sleep(ctx, h.scaled(3000*time.Millisecond)); err != nil {
		return err
	}
	h.expectIdleAt(r, 0, 0, "final")
	return nil
}

// runRapid overrides a fade three times in quick succession with rising
// targets and checks duty never overshoots the newest target.
func runRapid(ctx context.Context, h *Harness, r *run) error {
	e := h.eng
	max := e.MaxDuty()

	if err := e.SetDuty(0, 0); err != nil {
		return err
	}
	var latest atomic.Uint32
	stop := h.startSampler(ctx, r, func(ch int, st fade.ChannelState, _ time.Time) {
		if ch != 0 {
			return
		}
		// Targets only rise, so reading latest after the sample is safe.
		if lim := latest.Load() + 1; st.Duty > lim {
			r.violate("ch0: duty %d exceeds latest target %d", st.Duty, lim-1)
		}
	})
	defer stop()

	steps := []struct {
		pct float64
		d   time.Duration
	}{
		{25, 2000 * time.Millisecond},
		{50, 1500 * time.Millisecond},
		{75, 1000 * time.Millisecond},
		{100, 500 * time.Millisecond},
	}
	for i, s := range steps {
		if i > 0 {
			if err := sleep(ctx, h.scaled(200*time.Millisecond)); err != nil {
				return err
			}
		}
		target := pct(max, s.pct)
		latest.Store(target)
		if err := e.StartFade(0, target, h.scaled(s.d)); err != nil {
			return err
		}
	}

	if err := sleep(ctx, h.scaled(2000*time.Millisecond)); err != nil {
		return err
	}
	h.expectIdleAt(r, 0, max, "final")
	return nil
}

// runOpposite fades two channels in opposite directions at once.
func runOpposite(ctx context.Context, h *Harness, r *run) error {
	e := h.eng
	max := e.MaxDuty()
	tol := h.tolerance()

	if err := e.SetDuty(0, 0); err != nil {
		return err
	}
	if err := e.SetDuty(1, max); err != nil {
		return err
	}
	stop := h.startSampler(ctx, r, nil)
	defer stop()

	d := h.scaled(3000 * time.Millisecond)
	if err := e.StartFade(0, max, d); err != nil {
		return err
	}
	if err := e.StartFade(1, 0, d); err != nil {
		return err
	}

	if err := sleep(ctx, d/2); err != nil {
		return err
	}
	mid0, _ := e.CurrentDuty(0)
	mid1, _ := e.CurrentDuty(1)
	r.set("mid_duty_ch0", mid0)
	r.set("mid_duty_ch1", mid1)
	if absDiff(mid0, max/2) > tol {
		r.violate("ch0 mid-fade duty=%d want ~%d", mid0, max/2)
	}
	if absDiff(mid1, max/2) > tol {
		r.violate("ch1 mid-fade duty=%d want ~%d", mid1, max/2)
	}

	if err := sleep(ctx, d/2+h.scaled(500*time.Millisecond)+h.cfg.Settle); err != nil {
		return err
	}
	h.expectIdleAt(r, 0, max, "final_ch0")
	h.expectIdleAt(r, 1, 0, "final_ch1")
	return nil
}

// runStopMid stops a fade halfway and checks the channel stays frozen.
func runStopMid(ctx context.Context, h *Harness, r *run) error {
	e := h.eng
	max := e.MaxDuty()
	tol := h.tolerance()

	if err := e.SetDuty(0, 0); err != nil {
		return err
	}
	// stopGen is the generation StopFade produced; 0 until then. Samples
	// taken before the stop carry an older generation and are skipped.
	var stopGen atomic.Uint64
	var frozen atomic.Uint32
	stop := h.startSampler(ctx, r, func(ch int, st fade.ChannelState, _ time.Time) {
		g := stopGen.Load()
		if ch != 0 || g == 0 || st.Generation < g {
			return
		}
		if st.Active || st.Duty != frozen.Load() {
			r.violate("ch0 moved after stop: duty=%d active=%v want %d,false", st.Duty, st.Active, frozen.Load())
		}
	})
	defer stop()

	d := h.scaled(3000 * time.Millisecond)
	if err := e.StartFade(0, max, d); err != nil {
		return err
	}
	if err := sleep(ctx, d/2); err != nil {
		return err
	}
	if err := e.StopFade(0); err != nil {
		return err
	}
	st, err := e.State(0)
	if err != nil {
		return err
	}
	duty := st.Duty
	frozen.Store(duty)
	stopGen.Store(st.Generation)
	r.set("stopped_duty", duty)
	if absDiff(duty, max/2) > tol {
		r.violate("stopped at %d want ~%d", duty, max/2)
	}

	if err := sleep(ctx, d/2+h.cfg.Settle); err != nil {
		return err
	}
	h.expectIdleAt(r, 0, duty, "final")
	return nil
}
