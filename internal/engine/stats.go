package engine

import (
	"time"

	"github.com/rezwanahmedsami/taskgrid/internal/queue"
	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// Stats is a point-in-time view of the engine. It is assembled from
// atomic loads only, so it may be slightly stale but is never torn,
// and the cumulative counters in it never decrease between snapshots.
type Stats struct {
	// Per-priority queue depth, indexed by task.Priority.
	QueueDepths [task.PriorityCount]int

	// Per-priority cumulative ring counters.
	QueueCounters [task.PriorityCount]queue.Counters

	// Worker pool occupancy.
	ActiveWorkers int
	IdleWorkers   int
	TotalWorkers  int

	// Cumulative task counters.
	TotalSubmitted uint64
	TotalCompleted uint64
	TotalFailed    uint64
	TotalRetried   uint64
	TotalRejected  uint64
	TotalCancelled uint64

	// Rolling completion rate and latency aggregates.
	TasksPerSecond float64
	AvgExecTime    time.Duration
	P95ExecTime    time.Duration
	MaxExecTime    time.Duration
	ErrorRate      float64

	// MemoryUsageBytes approximates payload bytes held by in-flight
	// tasks. MemoryStatsAvailable is the platform-capability flag: it
	// is false when the engine was built over an external arena that
	// cannot report usage, and consumers must not interpret a zero
	// usage value in that case.
	MemoryUsageBytes     uint64
	MemoryStatsAvailable bool

	UptimeSeconds float64
}

// Stats returns a consistent lock-free snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		ActiveWorkers:  e.pool.Active(),
		TotalWorkers:   e.pool.Live(),
		TotalSubmitted: e.stats.Submitted(),
		TotalCompleted: e.stats.Completed(),
		TotalFailed:    e.stats.Failed(),
		TotalRetried:   e.stats.Retried(),
		TotalRejected:  e.stats.Rejected(),
		TotalCancelled: e.stats.Cancelled(),
		TasksPerSecond: e.stats.TasksPerSecond(),
		AvgExecTime:    e.stats.AvgExecTime(),
		P95ExecTime:    e.stats.P95ExecTime(),
		MaxExecTime:    e.stats.MaxExecTime(),
		ErrorRate:      e.stats.ErrorRate(),
	}
	s.IdleWorkers = s.TotalWorkers - s.ActiveWorkers
	if s.IdleWorkers < 0 {
		s.IdleWorkers = 0
	}
	for i, r := range e.rings {
		s.QueueDepths[i] = r.Len()
		s.QueueCounters[i] = r.Counters()
	}
	if u, ok := e.arena.(arenaUsage); ok {
		s.MemoryUsageBytes = u.InUseBytes()
		s.MemoryStatsAvailable = true
	}
	if ns := e.startedAt.Load(); ns != 0 {
		s.UptimeSeconds = time.Since(time.Unix(0, ns)).Seconds()
	}
	return s
}
