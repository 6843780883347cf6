package web

import (
	"sync"
	"sync/atomic"
	"time"

	"ledcfade/internal/fade"
	"ledcfade/internal/harness"
	"ledcfade/internal/ticker"
)

// Engine is the part of the fade scheduler the web API reads and drives.
type Engine interface {
	States() []fade.ChannelState
	Stats() fade.Stats
	MaxDuty() uint32
	StartFade(ch int, target uint32, d time.Duration) error
	StopFade(ch int) error
}

// TickSource reports tick-source health.
type TickSource interface {
	Snapshot() ticker.Snapshot
}

type Status struct {
	startUnixNano int64
	backend       atomic.Value // string
	eng           Engine
	ticks         TickSource

	mu      sync.Mutex
	reports []harness.Report
}

// NewStatus creates a status view. eng and ticks may be nil.
func NewStatus(eng Engine, ticks TickSource) *Status {
	s := &Status{eng: eng, ticks: ticks}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.backend.Store("")
	return s
}

func (s *Status) SetBackend(name string) {
	if name != "" {
		s.backend.Store(name)
	}
}

// AddReport records a finished harness run. Only the most recent runs are kept.
func (s *Status) AddReport(rep harness.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, rep)
	if over := len(s.reports) - maxReports; over > 0 {
		s.reports = s.reports[over:]
	}
}

const maxReports = 32

type ChannelStatus struct {
	Channel int     `json:"channel"`
	DutyPct float64 `json:"duty_pct"`
	fade.ChannelState
}

type StatusSnapshot struct {
	Service   string           `json:"service"`
	NowUTC    string           `json:"now_utc"`
	UptimeSec int64            `json:"uptime_sec"`
	Backend   string           `json:"backend"`
	MaxDuty   uint32           `json:"max_duty"`
	Ticker    ticker.Snapshot  `json:"ticker"`
	Stats     fade.Stats       `json:"stats"`
	Channels  []ChannelStatus  `json:"channels"`
	Reports   []harness.Report `json:"reports,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "ledcfade",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Backend:   s.backend.Load().(string),
		Channels:  []ChannelStatus{},
	}
	if s.ticks != nil {
		snap.Ticker = s.ticks.Snapshot()
	}
	if s.eng != nil {
		snap.MaxDuty = s.eng.MaxDuty()
		snap.Stats = s.eng.Stats()
		for i, st := range s.eng.States() {
			cs := ChannelStatus{Channel: i, ChannelState: st}
			if snap.MaxDuty > 0 {
				cs.DutyPct = float64(st.Duty) * 100 / float64(snap.MaxDuty)
			}
			snap.Channels = append(snap.Channels, cs)
		}
	}

	s.mu.Lock()
	snap.Reports = append([]harness.Report(nil), s.reports...)
	s.mu.Unlock()
	return snap
}
