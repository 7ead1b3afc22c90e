// Package events provides types and interfaces for observing task
// lifecycle transitions.
//
// The engine emits a TaskLifecycleEvent for every state change a task
// goes through, and handlers subscribe without the engine knowing who
// is listening. This keeps observability consumers (audit logs, test
// recorders, metric bridges) decoupled from the execution hot path.
//
// The primary components are:
// - TaskLifecycleEvent: Describes one task state transition
// - EventHandler: Interface for components that can handle events
// - EventEmitter: Interface for components that can emit events
package events
