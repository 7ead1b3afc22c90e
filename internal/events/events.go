package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// TaskLifecycleEvent describes a single task state transition. It
// carries enough information to reconstruct a task's full lifecycle
// trace without holding a reference to the task itself.
type TaskLifecycleEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// TaskID is the engine-assigned handle of the task
	TaskID uint64 `json:"task_id"`

	// Priority is the task's immutable priority level
	Priority task.Priority `json:"priority"`

	// From and To are the states on either side of the transition
	From task.State `json:"from"`
	To   task.State `json:"to"`

	// Attempt is the number of retries consumed when the event fired
	Attempt uint8 `json:"attempt"`

	// Err holds the failure message for Failed and Retrying
	// transitions, empty otherwise
	Err string `json:"err,omitempty"`

	// At is the timestamp when the transition occurred
	At time.Time `json:"at"`
}

// NewTaskLifecycleEvent creates an event for the given transition.
func NewTaskLifecycleEvent(t *task.Task, from, to task.State, cause error) *TaskLifecycleEvent {
	e := &TaskLifecycleEvent{
		ID:       uuid.New(),
		TaskID:   t.ID,
		Priority: t.Priority,
		From:     from,
		To:       to,
		Attempt:  t.Attempt,
		At:       time.Now(),
	}
	if cause != nil {
		e.Err = cause.Error()
	}
	return e
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskLifecycleEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows the engine to publish transitions without direct knowledge
// of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskLifecycleEvent) error
}
