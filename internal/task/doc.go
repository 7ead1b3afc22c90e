// Package task defines the unit of background work processed by the engine:
// the Task struct, its priority levels, and its lifecycle state machine.
// Tasks are created by the engine on submission and owned by exactly one
// worker at a time once claimed.
package task
