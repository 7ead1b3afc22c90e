package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rezwanahmedsami/taskgrid/internal/engine"
	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// StatsSource is anything that can produce an engine stats snapshot.
type StatsSource interface {
	Stats() engine.Stats
}

// Collector implements prometheus.Collector over an engine stats
// snapshot. Register it with a prometheus.Registerer and every scrape
// pulls fresh values from the engine's atomic counters.
type Collector struct {
	src StatsSource

	queueDepth     *prometheus.Desc
	queueEnqueued  *prometheus.Desc
	queueOverflows *prometheus.Desc
	workers        *prometheus.Desc
	submitted      *prometheus.Desc
	completed      *prometheus.Desc
	failed         *prometheus.Desc
	retried        *prometheus.Desc
	rejected       *prometheus.Desc
	tasksPerSecond *prometheus.Desc
	avgExecSeconds *prometheus.Desc
	p95ExecSeconds *prometheus.Desc
	errorRate      *prometheus.Desc
	memoryBytes    *prometheus.Desc
	uptimeSeconds  *prometheus.Desc
}

// NewCollector builds a collector over the given stats source.
func NewCollector(src StatsSource) *Collector {
	return &Collector{
		src: src,
		queueDepth: prometheus.NewDesc(
			"taskgrid_queue_depth",
			"Number of tasks waiting in a priority queue",
			[]string{"priority"}, nil,
		),
		queueEnqueued: prometheus.NewDesc(
			"taskgrid_queue_enqueued_total",
			"Total tasks enqueued into a priority queue",
			[]string{"priority"}, nil,
		),
		queueOverflows: prometheus.NewDesc(
			"taskgrid_queue_overflows_total",
			"Total enqueue attempts rejected by a full priority queue",
			[]string{"priority"}, nil,
		),
		workers: prometheus.NewDesc(
			"taskgrid_workers",
			"Worker goroutines by state",
			[]string{"state"}, nil,
		),
		submitted: prometheus.NewDesc(
			"taskgrid_tasks_submitted_total",
			"Total tasks accepted by the engine",
			nil, nil,
		),
		completed: prometheus.NewDesc(
			"taskgrid_tasks_completed_total",
			"Total tasks that reached the Completed state",
			nil, nil,
		),
		failed: prometheus.NewDesc(
			"taskgrid_tasks_failed_total",
			"Total tasks that reached the Failed state",
			nil, nil,
		),
		retried: prometheus.NewDesc(
			"taskgrid_task_retries_total",
			"Total Retrying transitions",
			nil, nil,
		),
		rejected: prometheus.NewDesc(
			"taskgrid_tasks_rejected_total",
			"Total submissions rejected by backpressure",
			nil, nil,
		),
		tasksPerSecond: prometheus.NewDesc(
			"taskgrid_tasks_per_second",
			"Rolling task completion rate",
			nil, nil,
		),
		avgExecSeconds: prometheus.NewDesc(
			"taskgrid_task_exec_seconds_avg",
			"Mean task body execution time in seconds",
			nil, nil,
		),
		p95ExecSeconds: prometheus.NewDesc(
			"taskgrid_task_exec_seconds_p95",
			"95th percentile task body execution time in seconds",
			nil, nil,
		),
		errorRate: prometheus.NewDesc(
			"taskgrid_task_error_rate",
			"Failed tasks as a fraction of terminal tasks",
			nil, nil,
		),
		memoryBytes: prometheus.NewDesc(
			"taskgrid_payload_memory_bytes",
			"Approximate payload bytes held by in-flight tasks",
			nil, nil,
		),
		uptimeSeconds: prometheus.NewDesc(
			"taskgrid_uptime_seconds",
			"Seconds since the engine was started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueEnqueued
	ch <- c.queueOverflows
	ch <- c.workers
	ch <- c.submitted
	ch <- c.completed
	ch <- c.failed
	ch <- c.retried
	ch <- c.rejected
	ch <- c.tasksPerSecond
	ch <- c.avgExecSeconds
	ch <- c.p95ExecSeconds
	ch <- c.errorRate
	ch <- c.memoryBytes
	ch <- c.uptimeSeconds
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	for p := task.Priority(0); p < task.PriorityCount; p++ {
		label := p.String()
		ch <- prometheus.MustNewConstMetric(
			c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepths[p]), label)
		ch <- prometheus.MustNewConstMetric(
			c.queueEnqueued, prometheus.CounterValue, float64(s.QueueCounters[p].Enqueued), label)
		ch <- prometheus.MustNewConstMetric(
			c.queueOverflows, prometheus.CounterValue, float64(s.QueueCounters[p].Overflows), label)
	}

	ch <- prometheus.MustNewConstMetric(
		c.workers, prometheus.GaugeValue, float64(s.ActiveWorkers), "active")
	ch <- prometheus.MustNewConstMetric(
		c.workers, prometheus.GaugeValue, float64(s.IdleWorkers), "idle")

	ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(s.TotalSubmitted))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.TotalCompleted))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.TotalFailed))
	ch <- prometheus.MustNewConstMetric(c.retried, prometheus.CounterValue, float64(s.TotalRetried))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.TotalRejected))
	ch <- prometheus.MustNewConstMetric(c.tasksPerSecond, prometheus.GaugeValue, s.TasksPerSecond)
	ch <- prometheus.MustNewConstMetric(c.avgExecSeconds, prometheus.GaugeValue, s.AvgExecTime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.p95ExecSeconds, prometheus.GaugeValue, s.P95ExecTime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, s.ErrorRate)
	if s.MemoryStatsAvailable {
		ch <- prometheus.MustNewConstMetric(c.memoryBytes, prometheus.GaugeValue, float64(s.MemoryUsageBytes))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, s.UptimeSeconds)
}
