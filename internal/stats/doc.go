// Package stats collects the engine's runtime counters. Every write is
// a single atomic operation so workers never contend on a lock for
// accounting, and every read is an atomic load so snapshots are never
// torn. Counters are cumulative and monotonic; rates and percentiles
// are derived at snapshot time.
package stats
