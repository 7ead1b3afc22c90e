// Package metrics exposes the engine's statistics snapshot as
// Prometheus metrics. The collector reads the snapshot on scrape, so
// no instrumentation runs on the execution hot path.
package metrics
