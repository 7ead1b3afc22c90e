package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezwanahmedsami/taskgrid/internal/queue"
	"github.com/rezwanahmedsami/taskgrid/internal/stats"
	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// scratchSize is the per-worker buffer used to capture panic stacks
// without allocating on the failure path.
const scratchSize = 16 * 1024

// ResultSink receives task lifecycle notifications from workers. The
// engine implements it to maintain the result store and emit lifecycle
// events. Implementations must be safe for concurrent use.
type ResultSink interface {
	// TaskStarted is called after a worker claims a task.
	TaskStarted(t *task.Task)

	// TaskCompleted is called on successful execution; the sink takes
	// ownership of output.
	TaskCompleted(t *task.Task, output []byte)

	// TaskFailed is called when retries are exhausted or a retiring
	// worker could not hand a held task back to its ring.
	TaskFailed(t *task.Task, err error)

	// TaskRetrying is called before a failed task is re-enqueued with
	// the given backoff.
	TaskRetrying(t *task.Task, err error, backoff time.Duration)
}

// PayloadFreer is the narrow slice of the arena contract workers need:
// they only ever return payload blocks, never allocate them.
type PayloadFreer interface {
	Free(buf []byte) error
}

// Config holds worker pool tuning knobs.
type Config struct {
	// Initial is the number of workers spawned by Start. Min and Max
	// bound what the auto-scaler may do afterwards.
	Initial int
	Min     int
	Max     int

	// IdleBackoffMax caps the sleep a worker takes when every ring is
	// empty. The backoff ramps from zero so a briefly idle worker
	// stays responsive.
	IdleBackoffMax time.Duration

	// RetryBaseBackoff and RetryMaxBackoff shape the exponential retry
	// delay: base << attempt, capped at max.
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Initial:          2,
		Min:              1,
		Max:              8,
		IdleBackoffMax:   5 * time.Millisecond,
		RetryBaseBackoff: 50 * time.Millisecond,
		RetryMaxBackoff:  5 * time.Second,
	}
}

// handle is the pool's record of one live worker. parked holds tasks
// the worker popped before their delay elapsed and could not push back
// because a producer refilled the ring; only the owning worker touches
// it.
type handle struct {
	id      int
	stop    chan struct{}
	scratch []byte
	parked  []*task.Task
}

// Pool owns the worker goroutines. Resizing (spawn/retire) happens only
// under mu, and only the scaler and the engine's lifecycle path call
// it; the workers' hot loop is lock-free.
type Pool struct {
	rings  [task.PriorityCount]*queue.Ring
	sink   ResultSink
	arena  PayloadFreer
	stats  *stats.Collector
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	workers map[int]*handle
	nextID  int
	started bool

	live         atomic.Int32
	active       atomic.Int32
	parked       atomic.Int32
	shuttingDown atomic.Bool
	draining     atomic.Bool
	wg           sync.WaitGroup
}

// NewPool wires a pool over the four priority rings. The config is
// clamped so Min >= 1 and Min <= Initial <= Max.
func NewPool(
	rings [task.PriorityCount]*queue.Ring,
	sink ResultSink,
	arena PayloadFreer,
	collector *stats.Collector,
	cfg Config,
	logger *slog.Logger,
) *Pool {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	if cfg.IdleBackoffMax <= 0 {
		cfg.IdleBackoffMax = 5 * time.Millisecond
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = 50 * time.Millisecond
	}
	if cfg.RetryMaxBackoff < cfg.RetryBaseBackoff {
		cfg.RetryMaxBackoff = cfg.RetryBaseBackoff
	}
	return &Pool{
		rings:   rings,
		sink:    sink,
		arena:   arena,
		stats:   collector,
		logger:  logger.With("component", "worker_pool"),
		cfg:     cfg,
		workers: make(map[int]*handle),
	}
}

// Start spawns the initial workers. Calling Start twice is an error.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true
	for i := 0; i < p.cfg.Initial; i++ {
		p.spawnLocked()
	}
	p.logger.Info("worker pool started",
		"initial_workers", p.cfg.Initial,
		"min_workers", p.cfg.Min,
		"max_workers", p.cfg.Max)
	return nil
}

// Grow adds one worker if the pool is below its maximum. It reports
// whether a worker was spawned.
func (p *Pool) Grow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.shuttingDown.Load() || len(p.workers) >= p.cfg.Max {
		return false
	}
	p.spawnLocked()
	return true
}

// Shrink retires one worker if the pool is above its minimum. The
// retired worker finishes its current task first; retirement is a
// cooperative signal, never a preemption.
func (p *Pool) Shrink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.shuttingDown.Load() || len(p.workers) <= p.cfg.Min {
		return false
	}
	for id, h := range p.workers {
		close(h.stop)
		delete(p.workers, id)
		p.logger.Debug("retiring worker", "worker_id", id)
		return true
	}
	return false
}

// spawnLocked starts one worker goroutine. Caller holds mu.
func (p *Pool) spawnLocked() {
	h := &handle{
		id:      p.nextID,
		stop:    make(chan struct{}),
		scratch: make([]byte, scratchSize),
	}
	p.nextID++
	p.workers[h.id] = h
	p.live.Add(1)
	p.wg.Add(1)
	go p.run(h)
}

// Live returns the number of live worker goroutines.
func (p *Pool) Live() int { return int(p.live.Load()) }

// Active returns the number of workers currently executing a body.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Idle returns the number of live workers not executing a body.
func (p *Pool) Idle() int {
	n := p.Live() - p.Active()
	if n < 0 {
		return 0
	}
	return n
}

// Pending returns the total number of waiting tasks: everything still
// in the rings plus tasks parked by workers.
func (p *Pool) Pending() int {
	n := int(p.parked.Load())
	for _, r := range p.rings {
		n += r.Len()
	}
	if n < 0 {
		return 0
	}
	return n
}

// Min returns the configured lower worker bound.
func (p *Pool) Min() int { return p.cfg.Min }

// Max returns the configured upper worker bound.
func (p *Pool) Max() int { return p.cfg.Max }

// BeginShutdown signals every worker to exit. With drain set, workers
// keep polling until the rings are empty before exiting; without it
// they exit after at most their current task.
func (p *Pool) BeginShutdown(drain bool) {
	p.draining.Store(drain)
	p.shuttingDown.Store(true)
}

// ForceStop flips an in-progress draining shutdown to immediate exit.
func (p *Pool) ForceStop() {
	p.draining.Store(false)
	p.shuttingDown.Store(true)
}

// Wait blocks until every worker goroutine has exited or the timeout
// elapses. It reports whether the pool fully stopped in time.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// run is the worker loop: poll in strict priority order, execute, back
// off when idle. Low-priority starvation under sustained Critical load
// is an accepted consequence of the strict ordering.
func (p *Pool) run(h *handle) {
	defer func() {
		p.releaseParked(h)
		p.live.Add(-1)
		p.wg.Done()
	}()

	p.logger.Debug("worker started", "worker_id", h.id)
	var backoff time.Duration
	for {
		select {
		case <-h.stop:
			p.logger.Debug("worker retired", "worker_id", h.id)
			return
		default:
		}

		if p.shuttingDown.Load() {
			if !p.draining.Load() || p.Pending() == 0 {
				p.logger.Debug("worker stopping", "worker_id", h.id)
				return
			}
		}

		t, ok := p.poll(h)
		if !ok {
			p.stats.RecordPoll(false)
			// Ramp the idle sleep from zero up to the cap so an idle
			// pool does not busy-spin but wakes quickly under load.
			if backoff > 0 {
				time.Sleep(backoff)
			} else {
				runtime.Gosched()
			}
			backoff += 500 * time.Microsecond
			if backoff > p.cfg.IdleBackoffMax {
				backoff = p.cfg.IdleBackoffMax
			}
			continue
		}
		backoff = 0
		p.stats.RecordPoll(true)
		p.execute(h, t)
	}
}

// poll returns the next runnable task, serving this worker's parked
// tasks first and then the rings in strict Critical through Low order.
// A popped task whose delay has not elapsed goes back to its ring, or
// into the parked list when a producer refilled the slot behind it, so
// poll itself never waits on another goroutine.
func (p *Pool) poll(h *handle) (*task.Task, bool) {
	now := time.Now()
	if t, ok := p.pollParked(h, now); ok {
		return t, true
	}
	for _, r := range p.rings {
		for {
			t, ok := r.TryDequeue()
			if !ok {
				break
			}
			if t.State().Terminal() {
				// Cancelled while queued; already finalized.
				continue
			}
			if t.Ready(now) {
				return t, true
			}
			if !r.Requeue(t) {
				h.parked = append(h.parked, t)
				p.parked.Add(1)
			}
			break
		}
	}
	return nil, false
}

// pollParked scans the worker's held-back tasks: ready ones are
// returned for execution, the rest go back to their ring as soon as
// space opens up.
func (p *Pool) pollParked(h *handle, now time.Time) (*task.Task, bool) {
	for i := 0; i < len(h.parked); i++ {
		t := h.parked[i]
		if t.State().Terminal() {
			h.parked = append(h.parked[:i], h.parked[i+1:]...)
			p.parked.Add(-1)
			i--
			continue
		}
		if t.Ready(now) {
			h.parked = append(h.parked[:i], h.parked[i+1:]...)
			p.parked.Add(-1)
			return t, true
		}
		if p.rings[t.Priority].Requeue(t) {
			h.parked = append(h.parked[:i], h.parked[i+1:]...)
			p.parked.Add(-1)
			i--
		}
	}
	return nil, false
}

// releaseParked hands a retiring worker's held tasks back before it
// exits. A task that cannot be requeued is failed terminally so it is
// never silently lost.
func (p *Pool) releaseParked(h *handle) {
	for _, t := range h.parked {
		p.parked.Add(-1)
		if t.State().Terminal() {
			continue
		}
		if p.rings[t.Priority].Requeue(t) {
			continue
		}
		if err := t.Transition(task.StateRunning); err != nil {
			continue
		}
		t.FinishedAt = time.Now()
		p.stats.RecordFailed(0)
		p.finishFailed(t, errors.New("worker retired while holding delayed task"))
	}
	h.parked = nil
}

// execute claims and runs one task, then routes the outcome through
// the retry policy.
func (p *Pool) execute(h *handle, t *task.Task) {
	if err := t.Transition(task.StateRunning); err != nil {
		// The ring delivers each task exactly once, so a lost claim
		// means Cancel won it and finalized the task; just drop it.
		p.logger.Debug("dropping task claimed elsewhere",
			"task_id", t.ID, "state", t.State().String())
		return
	}
	t.StartedAt = time.Now()
	p.active.Add(1)
	p.sink.TaskStarted(t)

	output, err := p.runBody(h, t)
	p.active.Add(-1)

	if err == nil {
		t.FinishedAt = time.Now()
		if terr := t.Transition(task.StateCompleted); terr != nil {
			p.logger.Error("completed transition rejected", "task_id", t.ID, "error", terr)
		}
		p.stats.RecordCompleted(t.FinishedAt.Sub(t.StartedAt))
		p.sink.TaskCompleted(t, output)
		p.freePayload(t)
		return
	}

	if t.Attempt < t.MaxRetries {
		p.retry(t, err)
		return
	}
	t.FinishedAt = time.Now()
	p.stats.RecordFailed(t.FinishedAt.Sub(t.StartedAt))
	p.finishFailed(t, err)
}

// runBody executes the task body, containing panics so a misbehaving
// body can never take down its worker.
func (p *Pool) runBody(h *handle, t *task.Task) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			n := runtime.Stack(h.scratch, false)
			p.logger.Error("task body panicked",
				"task_id", t.ID,
				"panic", r,
				"stack", string(h.scratch[:n]))
			err = fmt.Errorf("task body panic: %v", r)
		}
	}()
	return t.Body(context.Background(), t.Payload)
}

// retry re-enqueues a failed task with exponential backoff into its
// original priority ring.
func (p *Pool) retry(t *task.Task, cause error) {
	t.Attempt++
	backoff := p.retryBackoff(t.Attempt)
	if terr := t.Transition(task.StateRetrying); terr != nil {
		p.logger.Error("retrying transition rejected", "task_id", t.ID, "error", terr)
	}
	p.stats.RecordRetry()
	p.sink.TaskRetrying(t, cause, backoff)

	t.EligibleAt = time.Now().Add(backoff)
	if terr := t.Transition(task.StatePending); terr != nil {
		p.logger.Error("pending transition rejected", "task_id", t.ID, "error", terr)
	}
	if !p.rings[t.Priority].Enqueue(t) {
		// The ring filled up while the task was out being executed.
		// Treat the lost slot as terminal failure rather than block.
		p.logger.Warn("retry re-enqueue rejected, ring full",
			"task_id", t.ID,
			"priority", t.Priority.String(),
			"attempt", t.Attempt)
		if terr := t.Transition(task.StateRunning); terr == nil {
			t.FinishedAt = time.Now()
			p.stats.RecordFailed(t.FinishedAt.Sub(t.StartedAt))
			p.finishFailed(t, fmt.Errorf("retry rejected by full queue: %w", cause))
		}
	}
}

// retryBackoff computes base << (attempt-1), capped at the configured
// maximum.
func (p *Pool) retryBackoff(attempt uint8) time.Duration {
	d := p.cfg.RetryBaseBackoff
	for i := uint8(1); i < attempt; i++ {
		d <<= 1
		if d >= p.cfg.RetryMaxBackoff {
			return p.cfg.RetryMaxBackoff
		}
	}
	if d > p.cfg.RetryMaxBackoff {
		d = p.cfg.RetryMaxBackoff
	}
	return d
}

// finishFailed moves a claimed task to its terminal Failed state and
// releases its payload.
func (p *Pool) finishFailed(t *task.Task, cause error) {
	if err := t.Transition(task.StateFailed); err != nil {
		p.logger.Error("failed transition rejected", "task_id", t.ID, "error", err)
	}
	p.sink.TaskFailed(t, cause)
	p.freePayload(t)
}

// freePayload returns the task's arena block once, at terminal state.
func (p *Pool) freePayload(t *task.Task) {
	if t.Payload == nil {
		return
	}
	if err := p.arena.Free(t.Payload); err != nil {
		p.logger.Error("failed to free task payload", "task_id", t.ID, "error", err)
	}
	t.Payload = nil
}
