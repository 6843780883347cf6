package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// newTickerFn is swapped in tests to drive ticks by hand.
var newTickerFn = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Tickable is driven by a Source. TickActive must only advance channels that
// are fading and must not block on other channels.
type Tickable interface {
	TickActive(now time.Time)
}

type Config struct {
	// Interval is the nominal hardware-timer period.
	Interval time.Duration
}

type Snapshot struct {
	Running    bool      `json:"running"`
	Interval   string    `json:"interval"`
	Ticks      uint64    `json:"ticks"`
	LastTickAt time.Time `json:"last_tick_utc,omitempty"`
	// MaxLag is the worst observed gap beyond Interval between two ticks.
	MaxLag time.Duration `json:"max_lag_ns"`
}

// Source periodically ticks a Tickable from its own goroutine.
type Source struct {
	cfg    Config
	target Tickable
	log    *zap.Logger

	mu   sync.RWMutex
	snap Snapshot

	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, target Tickable, log *zap.Logger) *Source {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		cfg:    cfg,
		target: target,
		log:    log,
		snap:   Snapshot{Interval: cfg.Interval.String()},
		stopCh: make(chan struct{}),
	}
}

func (s *Source) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start runs the tick loop in the background until ctx is canceled or Close
// is called. It does not block.
func (s *Source) Start(ctx context.Context) error {
	if s == nil || s.target == nil {
		return fmt.Errorf("ticker: no target")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Run is the blocking form of Start.
func (s *Source) Run(ctx context.Context) error {
	if s == nil || s.target == nil {
		return fmt.Errorf("ticker: no target")
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.run(ctx)
	return nil
}

func (s *Source) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Source) run(ctx context.Context) {
	c, stop := newTickerFn(s.cfg.Interval)
	defer stop()

	s.setState(func(sn *Snapshot) { sn.Running = true })
	defer s.setState(func(sn *Snapshot) { sn.Running = false })
	s.log.Debug("tick source started", zap.Duration("interval", s.cfg.Interval))

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-c:
			s.target.TickActive(now)
			s.setState(func(sn *Snapshot) {
				sn.Ticks++
				sn.LastTickAt = now.UTC()
				if !last.IsZero() {
					if lag := now.Sub(last) - s.cfg.Interval; lag > sn.MaxLag {
						sn.MaxLag = lag
					}
				}
			})
			last = now
		}
	}
}

func (s *Source) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
}
