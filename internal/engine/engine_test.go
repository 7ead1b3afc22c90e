package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezwanahmedsami/taskgrid/internal/arena"
	"github.com/rezwanahmedsami/taskgrid/internal/events"
	"github.com/rezwanahmedsami/taskgrid/internal/task"
	"github.com/rezwanahmedsami/taskgrid/internal/worker"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialWorkers = 2
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 4
	cfg.QueueCapacity = 128
	cfg.AutoScale = false
	cfg.MemoryPoolSizeMB = 1
	cfg.MaxPayloadBytes = 1024
	cfg.RetryBaseBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 50 * time.Millisecond
	return cfg
}

func noop(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, nil
}

func newStartedEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, setupTestLogger(), opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		_ = e.Destroy()
	})
	return e
}

func TestNewValidation(t *testing.T) {
	log := setupTestLogger()

	cfg := testConfig()
	cfg.QueueCapacity = 0
	_, err := New(cfg, log)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MaxPayloadBytes = 0
	_, err = New(cfg, log)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MemoryPoolSizeMB = 0
	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestStartIdempotenceIsAnError(t *testing.T) {
	e := newStartedEngine(t, testConfig())
	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted)
}

func TestSubmitBeforeStartQueues(t *testing.T) {
	e, err := New(testConfig(), setupTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy() })

	id, err := e.Submit(noop, nil, task.PriorityNormal, 0, 0)
	require.NoError(t, err)
	assert.NotZero(t, id)

	res, err := e.Result(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, res.State)

	require.NoError(t, e.Start())
	require.Eventually(t, func() bool {
		res, err := e.Result(id)
		return err == nil && res.State == task.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	e := newStartedEngine(t, testConfig())

	_, err := e.Submit(nil, nil, task.PriorityNormal, 0, 0)
	assert.Error(t, err)

	_, err = e.Submit(noop, nil, task.Priority(9), 0, 0)
	assert.Error(t, err)
}

func TestSubmitIDsAreMonotonic(t *testing.T) {
	e := newStartedEngine(t, testConfig())

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := e.Submit(noop, nil, task.PriorityNormal, time.Second, 0)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestSubmitBackpressureOnFullQueue(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 4
	e, err := New(cfg, setupTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy() })

	// Engine not started: nothing drains the ring.
	for i := 0; i < 4; i++ {
		_, err := e.Submit(noop, nil, task.PriorityNormal, 0, 0)
		require.NoError(t, err)
	}

	id, err := e.Submit(noop, nil, task.PriorityNormal, 0, 0)
	assert.Zero(t, id, "rejected submission returns the zero sentinel")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), e.Stats().TotalRejected)
}

func TestSubmitBackpressureOnArenaExhaustion(t *testing.T) {
	pool, err := arena.NewPool(64, 1)
	require.NoError(t, err)

	cfg := testConfig()
	e, err := New(cfg, setupTestLogger(), WithArena(pool))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy() })

	_, err = e.Submit(noop, []byte("x"), task.PriorityNormal, 0, 0)
	require.NoError(t, err)

	id, err := e.Submit(noop, []byte("y"), task.PriorityNormal, 0, 0)
	assert.Zero(t, id)
	assert.ErrorIs(t, err, arena.ErrExhausted)
}

func TestResultLifecycle(t *testing.T) {
	e := newStartedEngine(t, testConfig())

	id, err := e.Submit(func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("output:" + string(payload)), nil
	}, []byte("in"), task.PriorityHigh, 0, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := e.Result(id)
		return err == nil && res.State == task.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	res, err := e.Result(id)
	require.NoError(t, err)
	assert.Equal(t, "output:in", string(res.Output))
	assert.Equal(t, task.PriorityHigh, res.Priority)
	assert.Empty(t, res.Err)

	_, err = e.Result(999999)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestNoLostTasks(t *testing.T) {
	const n = 500
	cfg := testConfig()
	cfg.QueueCapacity = 1024
	e := newStartedEngine(t, cfg)

	var submitted int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				if _, err := e.Submit(noop, nil, task.PriorityNormal, 0, 0); err == nil {
					mu.Lock()
					submitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		s := e.Stats()
		return s.TotalCompleted+s.TotalFailed == uint64(submitted)
	}, 5*time.Second, 10*time.Millisecond)

	s := e.Stats()
	assert.Equal(t, uint64(submitted), s.TotalCompleted)
	assert.Zero(t, s.TotalFailed)
}

func TestRetryExhaustionScenario(t *testing.T) {
	// max_retries=3 with an always failing body. Expect three
	// Retrying transitions with growing backoff, then terminal Failed
	// and exactly one failed-count increment.
	emitter := events.NewInMemoryEventEmitter(setupTestLogger())
	rec := &transitionRecorder{}
	emitter.RegisterHandler(rec)

	e := newStartedEngine(t, testConfig(), WithEventEmitter(emitter))

	id, err := e.Submit(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("always fails")
	}, nil, task.PriorityNormal, 0, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := e.Result(id)
		return err == nil && res.State == task.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	res, err := e.Result(id)
	require.NoError(t, err)
	assert.Equal(t, "always fails", res.Err)
	assert.Equal(t, uint8(3), res.Attempts)

	s := e.Stats()
	assert.Equal(t, uint64(1), s.TotalFailed)
	assert.Equal(t, uint64(3), s.TotalRetried)
	assert.Equal(t, 3, rec.count(task.StateRetrying))
	assert.Equal(t, 1, rec.count(task.StateFailed))
}

func TestAutoScaleScenario(t *testing.T) {
	// Saturating Normal-priority load with initial=4,
	// max=8. Worker count rises above the initial size, never exceeds
	// max, falls back once the backlog drains, and every task
	// completes.
	cfg := testConfig()
	cfg.InitialWorkers = 4
	cfg.MinWorkers = 4
	cfg.MaxWorkers = 8
	cfg.QueueCapacity = 2048
	cfg.AutoScale = true
	cfg.Scaler = worker.ScalerConfig{
		Interval:       10 * time.Millisecond,
		HighWater:      2,
		LowUtilization: 0.2,
		LowStreak:      3,
	}
	e := newStartedEngine(t, cfg)

	const n = 1000
	submitted := 0
	for i := 0; i < n; i++ {
		_, err := e.Submit(func(ctx context.Context, payload []byte) ([]byte, error) {
			time.Sleep(time.Millisecond)
			return nil, nil
		}, nil, task.PriorityNormal, 0, 0)
		require.NoError(t, err)
		submitted++
	}

	var peak int
	require.Eventually(t, func() bool {
		if w := e.Stats().TotalWorkers; w > peak {
			peak = w
		}
		return e.Stats().TotalCompleted == uint64(submitted)
	}, 30*time.Second, 5*time.Millisecond)

	assert.Greater(t, peak, 4, "pool should grow under saturating load")
	assert.LessOrEqual(t, peak, 8)

	// After the backlog drains the scaler retires the extra workers.
	require.Eventually(t, func() bool {
		return e.Stats().TotalWorkers == 4
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCancelPendingTask(t *testing.T) {
	e := newStartedEngine(t, testConfig())

	// A long delay keeps the task unclaimed.
	id, err := e.Submit(noop, []byte("payload"), task.PriorityNormal, time.Hour, 0)
	require.NoError(t, err)

	cancelled, err := e.Cancel(id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// A won cancel is finalized immediately: the result record is
	// terminal and the cancelled counter moved, not the failed one.
	res, err := e.Result(id)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, res.State)
	assert.Equal(t, context.Canceled.Error(), res.Err)
	assert.Equal(t, uint64(1), e.Stats().TotalCancelled)
	assert.Zero(t, e.Stats().TotalFailed)

	// Cancelling again reports false, not an error.
	cancelled, err = e.Cancel(id)
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = e.Cancel(999999)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCancelClaimedTaskReturnsFalse(t *testing.T) {
	e := newStartedEngine(t, testConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	id, err := e.Submit(func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	}, nil, task.PriorityNormal, 0, 0)
	require.NoError(t, err)

	<-started
	cancelled, err := e.Cancel(id)
	require.NoError(t, err)
	assert.False(t, cancelled, "a claimed task is past cancellation")
	close(release)

	// The body still runs to completion.
	require.Eventually(t, func() bool {
		res, err := e.Result(id)
		return err == nil && res.State == task.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGracefulStopDrains(t *testing.T) {
	cfg := testConfig()
	e, err := New(cfg, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start())

	for i := 0; i < 50; i++ {
		_, err := e.Submit(noop, nil, task.PriorityNormal, 0, 0)
		require.NoError(t, err)
	}

	report, err := e.Stop(true, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, report.Graceful)
	assert.Zero(t, report.Abandoned)
	assert.Equal(t, uint64(50), e.Stats().TotalCompleted)

	// Submissions after stop are refused.
	_, err = e.Submit(noop, nil, task.PriorityNormal, 0, 0)
	assert.ErrorIs(t, err, ErrStopped)

	require.NoError(t, e.Destroy())
}

func TestForcedStopReportsAbandoned(t *testing.T) {
	cfg := testConfig()
	cfg.InitialWorkers = 1
	cfg.MinWorkers = 1
	e, err := New(cfg, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Destroy() })

	release := make(chan struct{})
	_, err = e.Submit(func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return nil, nil
	}, nil, task.PriorityNormal, 0, 0)
	require.NoError(t, err)

	// Queue more work behind the blocked worker.
	for i := 0; i < 10; i++ {
		_, err := e.Submit(noop, nil, task.PriorityNormal, 0, 0)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		report, err := e.Stop(true, 100*time.Millisecond)
		assert.NoError(t, err)
		assert.False(t, report.Graceful)
		assert.Greater(t, report.Abandoned, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	close(release)
}

func TestStopLifecycleErrors(t *testing.T) {
	e, err := New(testConfig(), setupTestLogger())
	require.NoError(t, err)

	_, err = e.Stop(true, time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, e.Start())
	_, err = e.Stop(true, time.Second)
	require.NoError(t, err)

	_, err = e.Stop(true, time.Second)
	assert.ErrorIs(t, err, ErrStopped)
	require.NoError(t, e.Destroy())
}

// TestStatsDuringStart reads snapshots concurrently with Start; the
// race detector catches any non-atomic access to the start timestamp.
func TestStatsDuringStart(t *testing.T) {
	e, err := New(testConfig(), setupTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy() })

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = e.Stats()
			}
		}
	}()

	require.NoError(t, e.Start())
	time.Sleep(5 * time.Millisecond)
	close(stop)
	<-done

	assert.Greater(t, e.Stats().UptimeSeconds, 0.0)
}

// TestStopTimeBounded pins a worker on a blocked body and checks that a
// forced stop returns close to the caller's timeout rather than a
// multiple of it.
func TestStopTimeBounded(t *testing.T) {
	cfg := testConfig()
	cfg.InitialWorkers = 1
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	e, err := New(cfg, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Destroy() })

	release := make(chan struct{})
	defer close(release)
	_, err = e.Submit(func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return nil, nil
	}, nil, task.PriorityNormal, 0, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := e.Submit(noop, nil, task.PriorityNormal, 0, 0)
		require.NoError(t, err)
	}

	begin := time.Now()
	report, err := e.Stop(true, 200*time.Millisecond)
	elapsed := time.Since(begin)
	require.NoError(t, err)
	assert.False(t, report.Graceful)
	assert.Less(t, elapsed, time.Second, "stop must honor the caller's bound")
}

// transitionRecorder records lifecycle events for assertions.
type transitionRecorder struct {
	mu     sync.Mutex
	events []*events.TaskLifecycleEvent
}

func (p *transitionRecorder) HandleEvent(ctx context.Context, e *events.TaskLifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *transitionRecorder) count(to task.State) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.To == to {
			n++
		}
	}
	return n
}
