package harness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	stressRequesters = 2
	// stressBurst is how many requests each requester issues between pauses.
	stressBurst = 250
)

// runStress has two requester goroutines hammer channels 0 and 1 with
// randomly mixed StartFade/StopFade calls while the tick source keeps running.
// Requests come in bursts that always end on a start; the pause after each
// burst is random, so the next burst lands on fades that are mid-flight, at
// their deadline, or already complete. Finally each channel gets one known
// fade and must settle exactly on its target.
func runStress(ctx context.Context, h *Harness, r *run) error {
	e := h.eng
	if e.Channels() < 2 {
		return fmt.Errorf("harness: stress needs 2 channels, engine has %d", e.Channels())
	}
	max := e.MaxDuty()
	minD := h.scaled(h.cfg.StressMinDuration)
	maxD := h.scaled(h.cfg.StressMaxDuration)
	if minD <= 0 || maxD < minD {
		return fmt.Errorf("harness: stress durations [%s,%s] must be positive", minD, maxD)
	}
	before := e.Stats()

	stop := h.startSampler(ctx, r, nil)
	defer stop()

	rngs := make([]*rand.Rand, stressRequesters)
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(h.cfg.Seed, uint64(i)))
	}
	pacer := rand.New(rand.NewPCG(h.cfg.Seed, stressRequesters))
	randDuration := func(rng *rand.Rand) time.Duration {
		return minD + time.Duration(rng.Int64N(int64(maxD-minD)+1))
	}

	var counts [stressRequesters]struct{ starts, stops int }
	rounds := 0
	for done := 0; done < h.cfg.StressIterations; done += stressBurst {
		n := min(stressBurst, h.cfg.StressIterations-done)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < stressRequesters; i++ {
			g.Go(func() error {
				rng := rngs[i]
				for k := 0; k < n; k++ {
					if err := gctx.Err(); err != nil {
						return err
					}
					// Requesters walk the channel pair out of phase with each other.
					ch := (k + i) % 2
					if k < n-2 && rng.IntN(3) == 0 {
						if err := e.StopFade(ch); err != nil {
							return fmt.Errorf("requester %d: %w", i, err)
						}
						counts[i].stops++
					} else {
						if err := e.StartFade(ch, rng.Uint32N(max+1), randDuration(rng)); err != nil {
							return fmt.Errorf("requester %d: %w", i, err)
						}
						counts[i].starts++
					}
					runtime.Gosched()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		rounds++
		if err := sleep(ctx, time.Duration(pacer.Int64N(int64(maxD)+1))); err != nil {
			return err
		}
	}

	want := make([]uint32, 2)
	gens := make([]uint64, 2)
	for ch := range want {
		want[ch] = pacer.Uint32N(max + 1)
		if err := e.StartFade(ch, want[ch], maxD); err != nil {
			return err
		}
		st, err := e.State(ch)
		if err != nil {
			return err
		}
		gens[ch] = st.Generation
	}

	if err := sleep(ctx, maxD+h.cfg.Settle); err != nil {
		return err
	}

	for ch := range want {
		st, err := e.State(ch)
		if err != nil {
			return err
		}
		if st.Generation != gens[ch] {
			r.violate("ch%d: generation moved %d -> %d with no requests", ch, gens[ch], st.Generation)
		}
		if st.Active {
			r.violate("ch%d: frozen active at generation %d, deadline passed %s ago", ch, st.Generation, time.Since(st.Deadline()))
			continue
		}
		if st.Duty != want[ch] {
			r.violate("ch%d: settled at %d, last start targeted %d", ch, st.Duty, want[ch])
		}
	}

	after := e.Stats()
	var starts, stops int
	for _, c := range counts {
		starts += c.starts
		stops += c.stops
	}
	completions := after.Completions - before.Completions
	r.set("rounds", rounds)
	r.set("requests", starts+stops)
	r.set("starts", starts)
	r.set("stops", stops)
	r.set("ticks", after.Ticks-before.Ticks)
	r.set("stale_ticks", after.StaleTicks-before.StaleTicks)
	r.set("completions", completions)
	if got := after.Starts - before.Starts; got < uint64(starts) {
		r.violate("engine accepted %d starts, requesters issued %d", got, starts)
	}
	if completions < uint64(len(want)) {
		r.violate("only %d fades reached their deadline, want at least %d", completions, len(want))
	}
	return nil
}
