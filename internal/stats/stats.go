package stats

import (
	"sort"
	"sync/atomic"
	"time"
)

const (
	// sampleRingSize bounds the memory spent on percentile estimation.
	// The ring keeps the most recent execution durations; p95 over a
	// recent window is what operators actually want.
	sampleRingSize = 1024

	// rateWindow is the width of the rolling tasks-per-second window.
	rateWindow = 10
)

// secondBucket counts completions attributed to one wall-clock second.
type secondBucket struct {
	sec   atomic.Int64
	count atomic.Uint64
}

// Collector aggregates engine counters. The zero value is not usable;
// construct with NewCollector.
type Collector struct {
	start time.Time

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	rejected  atomic.Uint64
	cancelled atomic.Uint64

	execSumNanos atomic.Uint64
	execCount    atomic.Uint64
	execMaxNanos atomic.Uint64

	samples   [sampleRingSize]atomic.Uint64
	samplePos atomic.Uint64

	buckets [rateWindow + 1]secondBucket

	pollHits   atomic.Uint64
	pollMisses atomic.Uint64
}

// NewCollector returns a collector anchored at the current instant.
func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// RecordSubmitted counts a successfully enqueued task.
func (c *Collector) RecordSubmitted() { c.submitted.Add(1) }

// RecordRejected counts a submission refused by backpressure (ring
// overflow or arena exhaustion).
func (c *Collector) RecordRejected() { c.rejected.Add(1) }

// RecordRetry counts one Retrying transition.
func (c *Collector) RecordRetry() { c.retried.Add(1) }

// RecordCancelled counts a task whose claim was won by a canceller.
func (c *Collector) RecordCancelled() { c.cancelled.Add(1) }

// RecordCompleted counts a successful terminal transition and folds the
// body's execution time into the latency accounting.
func (c *Collector) RecordCompleted(d time.Duration) {
	c.completed.Add(1)
	c.observeExec(d)
}

// RecordFailed counts a failed terminal transition.
func (c *Collector) RecordFailed(d time.Duration) {
	c.failed.Add(1)
	c.observeExec(d)
}

// RecordPoll counts one worker poll cycle; hit means the cycle found a
// task. The scaler derives utilization from the hit/miss deltas.
func (c *Collector) RecordPoll(hit bool) {
	if hit {
		c.pollHits.Add(1)
	} else {
		c.pollMisses.Add(1)
	}
}

func (c *Collector) observeExec(d time.Duration) {
	n := uint64(d.Nanoseconds())
	c.execSumNanos.Add(n)
	c.execCount.Add(1)
	for {
		cur := c.execMaxNanos.Load()
		if n <= cur || c.execMaxNanos.CompareAndSwap(cur, n) {
			break
		}
	}
	pos := c.samplePos.Add(1) - 1
	c.samples[pos%sampleRingSize].Store(n)

	now := time.Now().Unix()
	b := &c.buckets[now%int64(len(c.buckets))]
	if b.sec.Load() != now {
		// A stale bucket from a previous lap: claim it for this second.
		// Racing writers for the same second may drop a handful of
		// counts at the boundary, which is fine for a rolling rate.
		b.sec.Store(now)
		b.count.Store(0)
	}
	b.count.Add(1)
}

// PollCounts returns the cumulative poll hit and miss counters.
func (c *Collector) PollCounts() (hits, misses uint64) {
	return c.pollHits.Load(), c.pollMisses.Load()
}

// Submitted returns the cumulative submitted-task count.
func (c *Collector) Submitted() uint64 { return c.submitted.Load() }

// Completed returns the cumulative completed-task count.
func (c *Collector) Completed() uint64 { return c.completed.Load() }

// Failed returns the cumulative failed-task count.
func (c *Collector) Failed() uint64 { return c.failed.Load() }

// Retried returns the cumulative retry count.
func (c *Collector) Retried() uint64 { return c.retried.Load() }

// Rejected returns the cumulative backpressure-rejection count.
func (c *Collector) Rejected() uint64 { return c.rejected.Load() }

// Cancelled returns the cumulative cancelled-task count.
func (c *Collector) Cancelled() uint64 { return c.cancelled.Load() }

// Uptime returns the time elapsed since the collector was created.
func (c *Collector) Uptime() time.Duration { return time.Since(c.start) }

// TasksPerSecond returns the completion rate over the rolling window.
func (c *Collector) TasksPerSecond() float64 {
	now := time.Now().Unix()
	var total uint64
	for i := range c.buckets {
		b := &c.buckets[i]
		sec := b.sec.Load()
		// Skip the in-progress second and anything older than the
		// window so a burst does not linger in the rate.
		if sec >= now-rateWindow && sec < now {
			total += b.count.Load()
		}
	}
	return float64(total) / float64(rateWindow)
}

// AvgExecTime returns the mean body execution time over all terminal
// tasks, or zero when none have finished.
func (c *Collector) AvgExecTime() time.Duration {
	n := c.execCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(c.execSumNanos.Load() / n)
}

// MaxExecTime returns the largest observed body execution time.
func (c *Collector) MaxExecTime() time.Duration {
	return time.Duration(c.execMaxNanos.Load())
}

// P95ExecTime estimates the 95th-percentile execution time from the
// recent-sample ring. With fewer than a full ring of observations it
// uses what it has; with none it returns zero.
func (c *Collector) P95ExecTime() time.Duration {
	n := c.samplePos.Load()
	if n == 0 {
		return 0
	}
	if n > sampleRingSize {
		n = sampleRingSize
	}
	buf := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		if v := c.samples[i].Load(); v > 0 {
			buf = append(buf, v)
		}
	}
	if len(buf) == 0 {
		return 0
	}
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })
	idx := len(buf) * 95 / 100
	if idx >= len(buf) {
		idx = len(buf) - 1
	}
	return time.Duration(buf[idx])
}

// ErrorRate returns failed / (completed + failed), or zero before any
// task has reached a terminal state.
func (c *Collector) ErrorRate() float64 {
	f := c.failed.Load()
	done := c.completed.Load() + f
	if done == 0 {
		return 0
	}
	return float64(f) / float64(done)
}
