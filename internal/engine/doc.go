// Package engine is the public surface of the background task
// execution engine. An Engine owns the payload arena, the four
// priority rings, the worker pool, the auto-scaler, the statistics
// collector, and the result store, and exposes submit, lifecycle, and
// observability operations over them.
//
// An Engine is an explicit handle with an explicit state machine
// (Created -> Started -> Stopping -> Stopped); there is no ambient
// singleton. Submission is non-blocking: a full ring or an exhausted
// arena is reported as backpressure, never as a crash or a stall.
package engine
