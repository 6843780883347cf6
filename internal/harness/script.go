package harness

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is a timed sequence of fade requests and checks.
//
// YAML schema:
//
//	name: interrupted-twice
//	steps:
//	  - at: 0s
//	    op: set
//	    channel: 0
//	    target_pct: 0
//	  - at: 0s
//	    op: start
//	    channel: 0
//	    target_pct: 100
//	    duration: 3s
//	  - at: 1500ms
//	    op: check
//	    channel: 0
//	    expect: {duty_pct: 50, active: true}
//
// Step times are offsets from the start of the run and must not decrease.
// They are multiplied by the harness scale, as are fade durations.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

type Step struct {
	At        time.Duration `yaml:"at"`
	Op        string        `yaml:"op"`
	Channel   int           `yaml:"channel"`
	TargetPct float64       `yaml:"target_pct"`
	Duration  time.Duration `yaml:"duration"`
	Expect    *Expect       `yaml:"expect"`
}

// Expect is checked right after its step's op runs. Unset fields are not
// checked. DutyPct uses the harness tolerance.
type Expect struct {
	DutyPct *float64 `yaml:"duty_pct"`
	Active  *bool    `yaml:"active"`
}

const (
	OpStart = "start"
	OpStop  = "stop"
	OpSet   = "set"
	OpCheck = "check"
)

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	s, err := ParseScriptYAML(b)
	if err != nil {
		return Script{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	if strings.TrimSpace(s.Name) == "" {
		s.Name = "script"
	}
	if len(s.Steps) == 0 {
		return Script{}, fmt.Errorf("script has no steps")
	}
	var last time.Duration
	for i := range s.Steps {
		st := &s.Steps[i]
		st.Op = strings.ToLower(strings.TrimSpace(st.Op))
		switch st.Op {
		case OpStart, OpStop, OpSet, OpCheck:
		default:
			return Script{}, fmt.Errorf("steps[%d].op %q must be one of start, stop, set, check", i, st.Op)
		}
		if st.At < last {
			return Script{}, fmt.Errorf("steps[%d].at %s is before previous step %s", i, st.At, last)
		}
		last = st.At
		if st.Channel < 0 {
			return Script{}, fmt.Errorf("steps[%d].channel must be >= 0", i)
		}
		if st.TargetPct < 0 || st.TargetPct > 100 {
			return Script{}, fmt.Errorf("steps[%d].target_pct must be in [0,100]", i)
		}
		if st.Duration < 0 {
			return Script{}, fmt.Errorf("steps[%d].duration must be >= 0", i)
		}
		if st.Op == OpCheck && st.Expect == nil {
			return Script{}, fmt.Errorf("steps[%d]: check needs expect", i)
		}
		if st.Expect != nil && st.Expect.DutyPct != nil && (*st.Expect.DutyPct < 0 || *st.Expect.DutyPct > 100) {
			return Script{}, fmt.Errorf("steps[%d].expect.duty_pct must be in [0,100]", i)
		}
	}
	return s, nil
}

// RunScript executes s against the engine.
func (h *Harness) RunScript(ctx context.Context, s Script) (Report, error) {
	for i, st := range s.Steps {
		if st.Channel >= h.eng.Channels() {
			return Report{}, fmt.Errorf("harness: %s steps[%d].channel %d: engine has %d channels", s.Name, i, st.Channel, h.eng.Channels())
		}
	}
	return h.execute(ctx, s.Name, func(ctx context.Context, r *run) error {
		stop := h.startSampler(ctx, r, nil)
		defer stop()

		start := time.Now()
		for i, st := range s.Steps {
			if wait := time.Until(start.Add(h.scaled(st.At))); wait > 0 {
				if err := sleep(ctx, wait); err != nil {
					return err
				}
			}
			if err := h.step(st); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
			if st.Expect != nil {
				h.expect(r, i, st)
			}
		}
		return nil
	})
}

func (h *Harness) step(st Step) error {
	e := h.eng
	switch st.Op {
	case OpStart:
		return e.StartFade(st.Channel, pct(e.MaxDuty(), st.TargetPct), h.scaled(st.Duration))
	case OpSet:
		return e.SetDuty(st.Channel, pct(e.MaxDuty(), st.TargetPct))
	case OpStop:
		return e.StopFade(st.Channel)
	}
	return nil
}

func (h *Harness) expect(r *run, i int, st Step) {
	cur, err := h.eng.State(st.Channel)
	if err != nil {
		r.violate("steps[%d]: %v", i, err)
		return
	}
	if want := st.Expect.Active; want != nil && cur.Active != *want {
		r.violate("steps[%d]: ch%d active=%v want %v", i, st.Channel, cur.Active, *want)
	}
	if p := st.Expect.DutyPct; p != nil {
		want := pct(h.eng.MaxDuty(), *p)
		if absDiff(cur.Duty, want) > h.tolerance() {
			r.violate("steps[%d]: ch%d duty=%d want ~%d (%.1f%%)", i, st.Channel, cur.Duty, want, *p)
		}
	}
}
