package queue

import (
	"sync/atomic"

	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// minCapacity keeps degenerate rings usable; capacities are rounded up
// to the next power of two so the cursor masks stay cheap.
const minCapacity = 2

// slot is one cell of the ring. seq encodes which "generation" of the
// ring the slot belongs to: pos means empty and ready for the producer
// at pos, pos+1 means full and ready for the consumer at pos.
type slot struct {
	seq  atomic.Uint64
	task *task.Task
}

// Counters is a snapshot of the ring's cumulative event counters.
type Counters struct {
	Enqueued   uint64
	Dequeued   uint64
	CASRetries uint64
	Overflows  uint64
	Requeues   uint64
}

// Ring is a fixed-capacity lock-free MPMC queue of task pointers.
type Ring struct {
	mask  uint64
	slots []slot

	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64

	enqueued   atomic.Uint64
	dequeued   atomic.Uint64
	casRetries atomic.Uint64
	overflows  atomic.Uint64
	requeues   atomic.Uint64
}

// NewRing creates a ring with at least the requested capacity, rounded
// up to a power of two.
func NewRing(capacity int) *Ring {
	n := minCapacity
	for n < capacity {
		n <<= 1
	}
	r := &Ring{
		mask:  uint64(n - 1),
		slots: make([]slot, n),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Capacity returns the usable capacity of the ring.
func (r *Ring) Capacity() int { return len(r.slots) }

// Len returns the approximate number of tasks currently in the ring.
// It is exact only when no producer or consumer is mid-operation.
func (r *Ring) Len() int {
	enq := r.enqueuePos.Load()
	deq := r.dequeuePos.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}

// Enqueue places t into the ring. It returns false without blocking
// when the ring is full; the caller owns the resulting backpressure
// decision.
func (r *Ring) Enqueue(t *task.Task) bool {
	pos := r.enqueuePos.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos:
			if r.enqueuePos.CompareAndSwap(pos, pos+1) {
				s.task = t
				s.seq.Store(pos + 1)
				r.enqueued.Add(1)
				return true
			}
			r.casRetries.Add(1)
			pos = r.enqueuePos.Load()
		case seq < pos:
			// The slot one full lap behind: the ring is full.
			r.overflows.Add(1)
			return false
		default:
			// Another producer advanced past us; reload.
			pos = r.enqueuePos.Load()
		}
	}
}

// TryDequeue removes and returns the task at the head of the ring. It
// returns (nil, false) immediately when the ring is empty and never
// blocks or spins on other goroutines. Delay eligibility is the
// caller's concern: a task that is not yet ready can be pushed back
// with Requeue or held by the caller until its time comes.
func (r *Ring) TryDequeue() (*task.Task, bool) {
	pos := r.dequeuePos.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if r.dequeuePos.CompareAndSwap(pos, pos+1) {
				t := s.task
				s.task = nil
				s.seq.Store(pos + r.mask + 1)
				r.dequeued.Add(1)
				return t, true
			}
			r.casRetries.Add(1)
			pos = r.dequeuePos.Load()
		case seq <= pos:
			// Empty: the producer for this slot has not published yet.
			return nil, false
		default:
			pos = r.dequeuePos.Load()
		}
	}
}

// Requeue pushes a dequeued-but-not-ready task back to the tail. The
// dequeue freed one slot, but a concurrent producer may have taken it;
// Requeue then fails rather than wait, and ownership of the task stays
// with the caller.
func (r *Ring) Requeue(t *task.Task) bool {
	if !r.Enqueue(t) {
		return false
	}
	r.requeues.Add(1)
	return true
}

// Counters returns a snapshot of the ring's cumulative counters.
func (r *Ring) Counters() Counters {
	return Counters{
		Enqueued:   r.enqueued.Load(),
		Dequeued:   r.dequeued.Load(),
		CASRetries: r.casRetries.Load(),
		Overflows:  r.overflows.Load(),
		Requeues:   r.requeues.Load(),
	}
}
