// Package worker runs the engine's execution goroutines and the
// auto-scaler that resizes the set between configured bounds. Workers
// poll the four priority rings in strict order, execute task bodies
// with panic containment, and apply the retry policy on failure. The
// pool-resize mutex is the only conventional lock in the engine;
// workers themselves never take it.
package worker
