package worker

import (
	"log/slog"
	"time"

	"github.com/rezwanahmedsami/taskgrid/internal/stats"
)

// ScalerConfig holds the auto-scaler's policy knobs.
type ScalerConfig struct {
	// Interval is how often the control loop evaluates.
	Interval time.Duration

	// HighWater is the pending-tasks-per-worker ratio above which one
	// worker is added.
	HighWater float64

	// LowUtilization is the poll hit rate below which a worker is
	// considered surplus.
	LowUtilization float64

	// LowStreak is how many consecutive low-utilization evaluations
	// are required before retiring a worker, which damps oscillation.
	LowStreak int
}

// DefaultScalerConfig returns a ScalerConfig with reasonable defaults.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		Interval:       100 * time.Millisecond,
		HighWater:      4,
		LowUtilization: 0.1,
		LowStreak:      5,
	}
}

// Scaler grows and shrinks the pool between its bounds. All scaling
// decisions run on the scaler's single goroutine, so pool resizes are
// naturally serialized; the decision itself reads a handful of atomic
// counters and never walks a queue.
type Scaler struct {
	pool   *Pool
	stats  *stats.Collector
	cfg    ScalerConfig
	logger *slog.Logger

	lastHits   uint64
	lastMisses uint64
	lowStreak  int

	done chan struct{}
	quit chan struct{}
}

// NewScaler creates a scaler over the given pool.
func NewScaler(pool *Pool, collector *stats.Collector, cfg ScalerConfig, logger *slog.Logger) *Scaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = 4
	}
	if cfg.LowStreak <= 0 {
		cfg.LowStreak = 5
	}
	return &Scaler{
		pool:   pool,
		stats:  collector,
		cfg:    cfg,
		logger: logger.With("component", "auto_scaler"),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

// Start launches the control loop.
func (s *Scaler) Start() {
	go s.loop()
}

// Stop terminates the control loop and waits for it to exit.
func (s *Scaler) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Scaler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.evaluate()
		}
	}
}

// evaluate applies the scaling policy once: scale up when the backlog
// per worker crosses the high-water mark, scale down after a sustained
// stretch of low utilization. Up and down never trigger on the same
// tick.
func (s *Scaler) evaluate() {
	pending := s.pool.Pending()
	live := s.pool.Live()
	if live == 0 {
		return
	}

	hits, misses := s.stats.PollCounts()
	dHits := hits - s.lastHits
	dMisses := misses - s.lastMisses
	s.lastHits, s.lastMisses = hits, misses

	var utilization float64
	if total := dHits + dMisses; total > 0 {
		utilization = float64(dHits) / float64(total)
	}

	ratio := float64(pending) / float64(live)
	if ratio > s.cfg.HighWater && live < s.pool.Max() {
		s.lowStreak = 0
		if s.pool.Grow() {
			s.logger.Info("scaled up",
				"pending", pending,
				"workers", s.pool.Live(),
				"pending_per_worker", ratio)
		}
		return
	}

	if utilization < s.cfg.LowUtilization && pending == 0 && live > s.pool.Min() {
		s.lowStreak++
		if s.lowStreak >= s.cfg.LowStreak {
			s.lowStreak = 0
			if s.pool.Shrink() {
				s.logger.Info("scaled down",
					"workers", s.pool.Live(),
					"utilization", utilization)
			}
		}
		return
	}
	s.lowStreak = 0
}
