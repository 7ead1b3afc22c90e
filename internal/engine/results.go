package engine

import (
	"errors"
	"sync"

	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// ErrUnknownTask is returned by Result and Cancel for a task id the
// engine has never issued (or whose record was dropped by a rejected
// submission).
var ErrUnknownTask = errors.New("unknown task id")

// Result is the poll-visible outcome record of a task.
type Result struct {
	TaskID   uint64
	Priority task.Priority
	State    task.State

	// Output holds the body's returned bytes once the task completes.
	Output []byte

	// Err holds the final failure message for Failed tasks.
	Err string

	// Attempts is the number of retries consumed so far.
	Attempts uint8
}

// entry pairs the public record with the live task pointer, which is
// retained until the task reaches a terminal state so Cancel can
// compete for the claim.
type entry struct {
	res Result
	t   *task.Task
}

// resultStore tracks one record per submitted task. Reads and writes
// go through a plain RWMutex: the store is off the execution hot path
// (one write per lifecycle transition, reads only on caller polls).
type resultStore struct {
	mu sync.RWMutex
	m  map[uint64]*entry
}

func newResultStore() *resultStore {
	return &resultStore{m: make(map[uint64]*entry)}
}

func (s *resultStore) create(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[t.ID] = &entry{
		res: Result{TaskID: t.ID, Priority: t.Priority, State: task.StatePending},
		t:   t,
	}
}

// drop removes a record for a submission that was ultimately rejected.
func (s *resultStore) drop(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *resultStore) setState(id uint64, st task.State, attempts uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok {
		e.res.State = st
		e.res.Attempts = attempts
	}
}

func (s *resultStore) complete(id uint64, output []byte, attempts uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok {
		e.res.State = task.StateCompleted
		e.res.Output = output
		e.res.Attempts = attempts
		e.t = nil
	}
}

func (s *resultStore) fail(id uint64, errMsg string, attempts uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok {
		e.res.State = task.StateFailed
		e.res.Err = errMsg
		e.res.Attempts = attempts
		e.t = nil
	}
}

func (s *resultStore) get(id uint64) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[id]
	if !ok {
		return Result{}, ErrUnknownTask
	}
	return e.res, nil
}

// liveTask returns the task pointer while the task is non-terminal.
func (s *resultStore) liveTask(id uint64) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[id]
	if !ok {
		return nil, ErrUnknownTask
	}
	return e.t, nil
}

// reset discards every record; used when the engine is destroyed.
func (s *resultStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[uint64]*entry)
}
