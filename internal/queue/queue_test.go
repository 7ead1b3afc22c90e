package queue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

func noopBody(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, nil
}

func newTask(id uint64) *task.Task {
	return task.New(id, task.PriorityNormal, nil, noopBody, 0, 0)
}

func TestNewRingRoundsCapacity(t *testing.T) {
	assert.Equal(t, 2, NewRing(1).Capacity())
	assert.Equal(t, 8, NewRing(5).Capacity())
	assert.Equal(t, 1024, NewRing(1024).Capacity())
}

func TestEnqueueDequeue(t *testing.T) {
	r := NewRing(8)

	assert.True(t, r.Enqueue(newTask(1)))
	assert.True(t, r.Enqueue(newTask(2)))
	assert.Equal(t, 2, r.Len())

	got, ok := r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.ID)

	got, ok = r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.ID)

	_, ok = r.TryDequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestEnqueueFullReturnsFalse(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < r.Capacity(); i++ {
		require.True(t, r.Enqueue(newTask(uint64(i))))
	}

	assert.False(t, r.Enqueue(newTask(99)), "full ring must reject, not block")
	assert.Equal(t, uint64(1), r.Counters().Overflows)

	// Draining one slot makes room again.
	_, ok := r.TryDequeue()
	require.True(t, ok)
	assert.True(t, r.Enqueue(newTask(100)))
}

func TestTryDequeueEmptyReturnsImmediately(t *testing.T) {
	r := NewRing(4)
	_, ok := r.TryDequeue()
	assert.False(t, ok)
}

func TestDelayedTaskRoundTrip(t *testing.T) {
	r := NewRing(4)
	delayed := task.New(1, task.PriorityNormal, nil, noopBody, 50*time.Millisecond, 0)
	require.True(t, r.Enqueue(delayed))

	// The pop hands the task out regardless of its delay; the caller
	// checks eligibility and pushes it back.
	got, ok := r.TryDequeue()
	require.True(t, ok)
	assert.False(t, got.Ready(time.Now()))
	assert.True(t, r.Requeue(got))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, uint64(1), r.Counters().Requeues)

	time.Sleep(60 * time.Millisecond)
	got, ok = r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.ID)
	assert.True(t, got.Ready(time.Now()))
}

func TestRequeueFailsWhenSlotRefilled(t *testing.T) {
	r := NewRing(2)
	delayed := task.New(1, task.PriorityNormal, nil, noopBody, time.Minute, 0)
	require.True(t, r.Enqueue(delayed))
	require.True(t, r.Enqueue(newTask(2)))

	got, ok := r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.ID)

	// A producer takes the freed slot before the push-back; ownership
	// of the dequeued task stays with the caller.
	require.True(t, r.Enqueue(newTask(3)))
	assert.False(t, r.Requeue(got))
	assert.Equal(t, 2, r.Len())
}

// TestTryDequeueWaitFreeWhenSaturated keeps the ring full of delayed
// tasks from several producers while one consumer polls. Every
// TryDequeue call must return; the consumer may end up holding tasks
// whose push-back lost the freed slot, but it must never wait on
// producer progress.
func TestTryDequeueWaitFreeWhenSaturated(t *testing.T) {
	r := NewRing(2)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 3; p++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			id := base
			for {
				select {
				case <-stop:
					return
				default:
				}
				if r.Enqueue(task.New(id, task.PriorityNormal, nil, noopBody, time.Minute, 0)) {
					id += 3
				} else {
					runtime.Gosched()
				}
			}
		}(uint64(p + 1))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var held []*task.Task
		for i := 0; i < 20000; i++ {
			tk, ok := r.TryDequeue()
			if !ok {
				continue
			}
			if !tk.Ready(time.Now()) && !r.Requeue(tk) {
				held = append(held, tk)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("TryDequeue did not stay wait-free under a saturated ring")
	}
	close(stop)
	wg.Wait()
}

func TestCountersAccounting(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 5; i++ {
		require.True(t, r.Enqueue(newTask(uint64(i))))
	}
	for i := 0; i < 3; i++ {
		_, ok := r.TryDequeue()
		require.True(t, ok)
	}

	c := r.Counters()
	assert.Equal(t, uint64(5), c.Enqueued)
	assert.Equal(t, uint64(3), c.Dequeued)
	assert.Equal(t, 2, r.Len())
}

// TestMPMCStress drives concurrent producers and consumers through the
// ring and checks that every task submitted comes out exactly once.
func TestMPMCStress(t *testing.T) {
	const (
		producers     = 4
		consumers     = 4
		perProducer   = 5000
		totalExpected = producers * perProducer
	)
	r := NewRing(256)

	var produced atomic.Uint64
	var consumed atomic.Uint64
	seen := make([]atomic.Uint32, totalExpected+1)

	var wg sync.WaitGroup
	done := make(chan struct{})

	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tk, ok := r.TryDequeue()
				if !ok {
					select {
					case <-done:
						// Drain whatever is left before exiting.
						for {
							tk, ok := r.TryDequeue()
							if !ok {
								return
							}
							seen[tk.ID].Add(1)
							consumed.Add(1)
						}
					default:
						continue
					}
				}
				seen[tk.ID].Add(1)
				consumed.Add(1)
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		pwg.Add(1)
		go func(base uint64) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				id := base*perProducer + uint64(i) + 1
				for !r.Enqueue(newTask(id)) {
					// Full ring: consumers are behind, spin politely.
				}
				produced.Add(1)
			}
		}(uint64(p))
	}

	pwg.Wait()
	close(done)
	wg.Wait()

	assert.Equal(t, uint64(totalExpected), produced.Load())
	assert.Equal(t, uint64(totalExpected), consumed.Load())
	for id := 1; id <= totalExpected; id++ {
		if n := seen[id].Load(); n != 1 {
			t.Fatalf("task %d dequeued %d times", id, n)
		}
	}

	c := r.Counters()
	assert.Equal(t, uint64(totalExpected), c.Dequeued)
}
