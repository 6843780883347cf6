package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"ledcfade/internal/harness"
)

// writeSummary prints one line per report followed by its violations.
func writeSummary(w io.Writer, reports []harness.Report) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "no scenarios run")
		return
	}
	passed := 0
	for _, rep := range reports {
		verdict := "FAIL"
		if rep.Passed {
			verdict = "PASS"
			passed++
		}
		fmt.Fprintf(w, "%-4s %-14s %8s samples=%d stale_ticks=%d%s\n",
			verdict, rep.Scenario, rep.Elapsed.Round(time.Millisecond), rep.Samples, rep.Stats.StaleTicks, formatValues(rep.Values))
		for _, v := range rep.Violations {
			fmt.Fprintf(w, "     - %s\n", v)
		}
	}
	fmt.Fprintf(w, "%d/%d scenarios passed\n", passed, len(reports))
}

func formatValues(values map[string]any) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, values[k])
	}
	return b.String()
}
