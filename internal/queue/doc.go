// Package queue implements the bounded lock-free MPMC ring buffer used
// for each of the engine's four priority levels. Enqueue and dequeue
// are wait-free in the common case and never block; a full ring is a
// countable backpressure signal, not an error.
//
// The algorithm is the classic bounded MPMC queue with per-slot
// sequence counters (Dmitry Vyukov's design): each slot carries a
// generation-counted sequence that arbitrates exactly one successful
// enqueue and one successful dequeue per slot per lap, which rules out
// ABA and double-dequeue by construction.
package queue
