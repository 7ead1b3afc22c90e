package task

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Priority determines which queue a task is placed in and how eagerly
// workers pick it up. Lower values are served first.
type Priority uint8

// Priority levels, in strict precedence order. Workers always drain
// Critical before High, High before Normal, and Normal before Low, so
// sustained Critical load can starve Low indefinitely. That tradeoff is
// deliberate and documented on the worker poll loop.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// PriorityCount is the number of distinct priority levels (and queues).
const PriorityCount = 4

// String returns the lowercase name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ParsePriority converts a priority name into a Priority value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// State represents the lifecycle state of a task.
type State uint32

// Task lifecycle states. Completed and Failed are terminal.
const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateRetrying
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRetrying:
		return "retrying"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Body is the callable executed by a worker. The payload slice is owned
// by the engine's arena; bodies must not retain it past return. The
// returned bytes become the task's result and are owned by the caller.
type Body func(ctx context.Context, payload []byte) ([]byte, error)

// Task is a unit of background work. Fields other than the atomic
// state are mutated only by the single goroutine that owns the task at
// that moment: the submitter before enqueue, then whoever won the
// claim, a worker or a canceller.
type Task struct {
	// ID is the unique handle assigned at submission, monotonically
	// increasing per engine. Zero is never a valid ID.
	ID uint64

	// Priority is immutable after submission.
	Priority Priority

	// Payload is an arena-owned buffer returned to the pool when the
	// task reaches a terminal state.
	Payload []byte

	// Body is the function executed by a worker.
	Body Body

	// EligibleAt is the earliest instant the task may be dequeued.
	// The zero value means immediately eligible. Retries push this
	// forward by the computed backoff.
	EligibleAt time.Time

	// MaxRetries is the number of re-executions permitted after the
	// first failure. Attempt counts retries consumed so far.
	MaxRetries uint8
	Attempt    uint8

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	state atomic.Uint32
}

// New constructs a pending task. EligibleAt is left at the zero value
// when delay is zero.
func New(id uint64, priority Priority, payload []byte, body Body, delay time.Duration, maxRetries uint8) *Task {
	t := &Task{
		ID:         id,
		Priority:   priority,
		Payload:    payload,
		Body:       body,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	if delay > 0 {
		t.EligibleAt = t.CreatedAt.Add(delay)
	}
	return t
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// illegalTransitionError is returned by Transition when the requested
// state change is not permitted by the lifecycle state machine.
type illegalTransitionError struct {
	from, to State
}

func (e *illegalTransitionError) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.from, e.to)
}

// legalTransition encodes the lifecycle state machine:
// Pending -> Running, Running -> Completed | Failed | Retrying,
// Retrying -> Pending.
func legalTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateRetrying
	case StateRetrying:
		return to == StatePending
	default:
		return false
	}
}

// Transition atomically moves the task from its current state to next,
// returning an error if the state machine does not permit the change or
// if another goroutine changed the state concurrently. Pending->Running
// is the claim step: at most one worker can win it.
func (t *Task) Transition(next State) error {
	for {
		cur := State(t.state.Load())
		if !legalTransition(cur, next) {
			return &illegalTransitionError{from: cur, to: next}
		}
		if t.state.CompareAndSwap(uint32(cur), uint32(next)) {
			return nil
		}
	}
}

// Ready reports whether the task's delay has elapsed at the given
// instant.
func (t *Task) Ready(now time.Time) bool {
	return t.EligibleAt.IsZero() || !now.Before(t.EligibleAt)
}

// Cancel claims a pending task on behalf of the canceller by winning
// the same Pending -> Running transition workers use to claim
// execution, so a task is either cancelled or executed, never both.
// On success the caller owns the task and must drive it to a terminal
// state; false means a worker claimed it first or it already finished.
func (t *Task) Cancel() bool {
	return t.Transition(StateRunning) == nil
}
