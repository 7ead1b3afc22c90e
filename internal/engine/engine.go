package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rezwanahmedsami/taskgrid/internal/arena"
	"github.com/rezwanahmedsami/taskgrid/internal/events"
	"github.com/rezwanahmedsami/taskgrid/internal/queue"
	"github.com/rezwanahmedsami/taskgrid/internal/stats"
	"github.com/rezwanahmedsami/taskgrid/internal/task"
	"github.com/rezwanahmedsami/taskgrid/internal/worker"
)

// Common errors returned by the engine's lifecycle and submission API.
var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
	ErrStopped        = errors.New("engine stopped")

	// ErrQueueFull is the backpressure signal for a saturated priority
	// ring. Callers should retry later or shed load; it is never fatal.
	ErrQueueFull = errors.New("priority queue full")
)

// forceStopGrace bounds the wait after a forced stop: workers only
// need to notice the flag, not finish work, so the caller's timeout is
// overshot by at most this much.
const forceStopGrace = 100 * time.Millisecond

// Lifecycle states of an engine handle.
const (
	stateCreated uint32 = iota
	stateStarted
	stateStopping
	stateStopped
)

// PayloadArena is the allocation contract the engine requires from its
// memory collaborator: typed alloc and free, plus bulk reset on
// destroy. The engine assumes nothing else about the implementation;
// internal/arena provides the production one.
type PayloadArena interface {
	Alloc(n int) ([]byte, error)
	Free(buf []byte) error
	Reset()
}

// arenaUsage is the optional accounting capability of an arena. The
// stats snapshot flags memory usage as unavailable when the configured
// arena does not implement it.
type arenaUsage interface {
	InUseBytes() uint64
}

// Config holds the engine construction parameters.
type Config struct {
	// InitialWorkers, MinWorkers and MaxWorkers bound the worker pool.
	InitialWorkers int
	MinWorkers     int
	MaxWorkers     int

	// QueueCapacity is the per-priority ring capacity (rounded up to a
	// power of two).
	QueueCapacity int

	// AutoScale enables the scaler control loop.
	AutoScale bool

	// MemoryPoolSizeMB sizes the payload arena. MaxPayloadBytes is the
	// arena block size and therefore the largest accepted payload.
	MemoryPoolSizeMB int
	MaxPayloadBytes  int

	// Retry backoff shape: base << attempt, capped at max.
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	// IdleBackoffMax caps the idle worker sleep.
	IdleBackoffMax time.Duration

	// Scaler policy; ignored unless AutoScale is set.
	Scaler worker.ScalerConfig
}

// DefaultConfig returns a Config with reasonable defaults for tests
// and small deployments.
func DefaultConfig() Config {
	return Config{
		InitialWorkers:   2,
		MinWorkers:       1,
		MaxWorkers:       8,
		QueueCapacity:    1024,
		AutoScale:        true,
		MemoryPoolSizeMB: 16,
		MaxPayloadBytes:  16 * 1024,
		RetryBaseBackoff: 50 * time.Millisecond,
		RetryMaxBackoff:  5 * time.Second,
		IdleBackoffMax:   5 * time.Millisecond,
		Scaler:           worker.DefaultScalerConfig(),
	}
}

// Engine is the task execution engine handle. All methods are safe for
// concurrent use.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	arena   PayloadArena
	rings   [task.PriorityCount]*queue.Ring
	pool    *worker.Pool
	scaler  *worker.Scaler
	stats   *stats.Collector
	results *resultStore
	emitter events.EventEmitter

	lifecycle atomic.Uint32
	nextID    atomic.Uint64

	// startedAt holds the start instant as unix nanos, zero until
	// Start; atomic so Stats can read it concurrently with Start.
	startedAt atomic.Int64
}

// Option customizes engine construction.
type Option func(*Engine)

// WithEventEmitter attaches a lifecycle event emitter. Without one the
// engine emits nothing.
func WithEventEmitter(emitter events.EventEmitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithArena substitutes the payload arena implementation; used by
// callers that share a pool across engines and by tests.
func WithArena(a PayloadArena) Option {
	return func(e *Engine) { e.arena = a }
}

// New constructs an engine in the Created state. Workers are not
// running until Start is called.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg.QueueCapacity <= 0 {
		return nil, fmt.Errorf("invalid queue capacity %d", cfg.QueueCapacity)
	}
	if cfg.MaxPayloadBytes <= 0 {
		return nil, fmt.Errorf("invalid max payload size %d", cfg.MaxPayloadBytes)
	}
	if cfg.MemoryPoolSizeMB <= 0 {
		return nil, fmt.Errorf("invalid memory pool size %d MB", cfg.MemoryPoolSizeMB)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "task_engine"),
		stats:   stats.NewCollector(),
		results: newResultStore(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.arena == nil {
		blocks := cfg.MemoryPoolSizeMB * 1024 * 1024 / cfg.MaxPayloadBytes
		if blocks < 1 {
			blocks = 1
		}
		pool, err := arena.NewPool(cfg.MaxPayloadBytes, blocks)
		if err != nil {
			return nil, fmt.Errorf("failed to build payload arena: %w", err)
		}
		e.arena = pool
	}

	for i := range e.rings {
		e.rings[i] = queue.NewRing(cfg.QueueCapacity)
	}

	e.pool = worker.NewPool(e.rings, e, e.arena, e.stats, worker.Config{
		Initial:          cfg.InitialWorkers,
		Min:              cfg.MinWorkers,
		Max:              cfg.MaxWorkers,
		IdleBackoffMax:   cfg.IdleBackoffMax,
		RetryBaseBackoff: cfg.RetryBaseBackoff,
		RetryMaxBackoff:  cfg.RetryMaxBackoff,
	}, logger)

	if cfg.AutoScale {
		e.scaler = worker.NewScaler(e.pool, e.stats, cfg.Scaler, logger)
	}

	return e, nil
}

// Start spawns the initial workers and, when enabled, the auto-scaler
// loop. Starting an already-started engine returns ErrAlreadyStarted;
// the explicit error was chosen over a silent no-op so misuse shows up
// in caller logs.
func (e *Engine) Start() error {
	if !e.lifecycle.CompareAndSwap(stateCreated, stateStarted) {
		switch e.lifecycle.Load() {
		case stateStarted:
			return ErrAlreadyStarted
		default:
			return ErrStopped
		}
	}
	e.startedAt.Store(time.Now().UnixNano())
	if err := e.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if e.scaler != nil {
		e.scaler.Start()
	}
	e.logger.Info("engine started",
		"initial_workers", e.cfg.InitialWorkers,
		"queue_capacity", e.rings[0].Capacity(),
		"auto_scale", e.cfg.AutoScale)
	return nil
}

// Submit allocates the payload from the arena, builds a task, and
// enqueues it into the ring for the given priority. It never blocks.
//
// The returned id is a monotonically increasing uint64; 0 together
// with a non-nil error means the submission was rejected. ErrQueueFull
// and arena.ErrExhausted are backpressure, not failures of the engine.
func (e *Engine) Submit(
	body task.Body,
	payload []byte,
	priority task.Priority,
	delay time.Duration,
	maxRetries uint8,
) (uint64, error) {
	if body == nil {
		return 0, errors.New("task body cannot be nil")
	}
	if priority >= task.PriorityCount {
		return 0, fmt.Errorf("invalid priority %d", priority)
	}
	switch e.lifecycle.Load() {
	case stateCreated, stateStarted:
	default:
		return 0, ErrStopped
	}

	var buf []byte
	if len(payload) > 0 {
		b, err := e.arena.Alloc(len(payload))
		if err != nil {
			e.stats.RecordRejected()
			return 0, err
		}
		buf = append(b, payload...)
	}

	id := e.nextID.Add(1)
	t := task.New(id, priority, buf, body, delay, maxRetries)
	e.results.create(t)

	if !e.rings[priority].Enqueue(t) {
		e.results.drop(id)
		if buf != nil {
			if err := e.arena.Free(buf); err != nil {
				e.logger.Error("failed to free rejected payload", "error", err)
			}
		}
		e.stats.RecordRejected()
		return 0, fmt.Errorf("%w: priority %s", ErrQueueFull, priority)
	}
	e.stats.RecordSubmitted()
	return id, nil
}

// Cancel aborts a task no worker has claimed yet. It competes for the
// same claim transition workers use, so a task is either cancelled or
// executed, never both. On success the engine finalizes the task as
// Failed with context.Canceled and returns true; false means the task
// was already claimed, finished, or cancelled.
func (e *Engine) Cancel(id uint64) (bool, error) {
	t, err := e.results.liveTask(id)
	if err != nil {
		return false, err
	}
	if t == nil || !t.Cancel() {
		return false, nil
	}
	t.FinishedAt = time.Now()
	if terr := t.Transition(task.StateFailed); terr != nil {
		e.logger.Error("cancel finalization rejected", "task_id", id, "error", terr)
	}
	e.stats.RecordCancelled()
	e.results.fail(id, context.Canceled.Error(), t.Attempt)
	if t.Payload != nil {
		if ferr := e.arena.Free(t.Payload); ferr != nil {
			e.logger.Error("failed to free cancelled payload", "task_id", id, "error", ferr)
		}
		t.Payload = nil
	}
	e.emit(t, task.StateRunning, task.StateFailed, context.Canceled)
	return true, nil
}

// Result returns the current outcome record for a task id. Callers
// poll it; terminal records are retained until Destroy.
func (e *Engine) Result(id uint64) (Result, error) {
	return e.results.get(id)
}

// StopReport describes how a Stop call ended.
type StopReport struct {
	// Graceful is true when the queues drained and all in-flight
	// bodies finished inside the timeout.
	Graceful bool

	// Abandoned counts tasks left pending or mid-flight by a forced
	// stop.
	Abandoned int
}

// Stop shuts the engine down. With graceful set, it waits up to
// timeout for the rings to drain and in-flight bodies to finish before
// joining the workers; otherwise workers exit after at most their
// current task. The report says how many tasks were abandoned.
func (e *Engine) Stop(graceful bool, timeout time.Duration) (StopReport, error) {
	if !e.lifecycle.CompareAndSwap(stateStarted, stateStopping) {
		switch e.lifecycle.Load() {
		case stateCreated:
			return StopReport{}, ErrNotStarted
		default:
			return StopReport{}, ErrStopped
		}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	e.logger.Info("engine stopping", "graceful", graceful, "timeout", timeout)

	if e.scaler != nil {
		e.scaler.Stop()
	}
	e.pool.BeginShutdown(graceful)

	report := StopReport{Graceful: graceful}
	if !e.pool.Wait(timeout) {
		e.pool.ForceStop()
		report.Graceful = false
		if !e.pool.Wait(forceStopGrace) {
			e.logger.Error("workers failed to exit after forced stop")
		}
	}
	report.Abandoned = e.pool.Pending() + e.pool.Active()

	e.lifecycle.Store(stateStopped)
	e.logger.Info("engine stopped",
		"graceful", report.Graceful,
		"abandoned_tasks", report.Abandoned,
		"completed_total", e.stats.Completed(),
		"failed_total", e.stats.Failed())
	return report, nil
}

// Destroy releases the engine's resources. It stops the engine first
// if it is still running, then resets the arena and drops all result
// records. The handle must not be reused afterwards.
func (e *Engine) Destroy() error {
	if e.lifecycle.Load() == stateStarted {
		if _, err := e.Stop(false, time.Second); err != nil {
			return err
		}
	}
	e.lifecycle.Store(stateStopped)
	e.results.reset()
	e.arena.Reset()
	return nil
}

// emit publishes a lifecycle event when an emitter is attached. Emit
// errors are already logged by the emitter; the engine does not let
// them affect task processing.
func (e *Engine) emit(t *task.Task, from, to task.State, cause error) {
	if e.emitter == nil {
		return
	}
	//nolint:errcheck // handler errors are contained by the emitter
	_ = e.emitter.EmitEvent(context.Background(), events.NewTaskLifecycleEvent(t, from, to, cause))
}

// TaskStarted implements worker.ResultSink.
func (e *Engine) TaskStarted(t *task.Task) {
	e.results.setState(t.ID, task.StateRunning, t.Attempt)
	e.emit(t, task.StatePending, task.StateRunning, nil)
}

// TaskCompleted implements worker.ResultSink.
func (e *Engine) TaskCompleted(t *task.Task, output []byte) {
	e.results.complete(t.ID, output, t.Attempt)
	e.emit(t, task.StateRunning, task.StateCompleted, nil)
}

// TaskFailed implements worker.ResultSink.
func (e *Engine) TaskFailed(t *task.Task, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	e.results.fail(t.ID, msg, t.Attempt)
	e.emit(t, task.StateRunning, task.StateFailed, err)
}

// TaskRetrying implements worker.ResultSink.
func (e *Engine) TaskRetrying(t *task.Task, err error, backoff time.Duration) {
	e.results.setState(t.ID, task.StateRetrying, t.Attempt)
	e.logger.Debug("task retrying",
		"task_id", t.ID,
		"attempt", t.Attempt,
		"max_retries", t.MaxRetries,
		"backoff", backoff,
		"error", err)
	e.emit(t, task.StateRunning, task.StateRetrying, err)
}
