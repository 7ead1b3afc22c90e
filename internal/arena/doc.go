// Package arena provides the fixed-capacity payload pool backing the
// task engine's hot path. It hands out fixed-size blocks from a single
// slab through a lock-free index-tagged freelist, so the engine never
// touches the general-purpose allocator for in-flight task payloads.
package arena
