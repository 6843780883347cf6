package fade

import "time"

// Clock supplies the monotonic "now" used by StartFade and StopFade.
// Tick callers pass their own timestamp.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
