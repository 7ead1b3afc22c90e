package arena

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Common errors returned by the pool.
var (
	// ErrExhausted means every block is currently allocated. Callers
	// must treat this as backpressure, exactly like a full queue.
	ErrExhausted = errors.New("arena pool exhausted")

	// ErrTooLarge means the requested size exceeds the pool's block
	// size.
	ErrTooLarge = errors.New("allocation exceeds arena block size")

	// ErrForeignBlock means Free was handed a slice that did not come
	// from this pool.
	ErrForeignBlock = errors.New("buffer does not belong to arena")
)

// emptyList is the freelist head index meaning "no free blocks".
const emptyList = ^uint32(0)

// Pool is a thread-safe arena of fixed-size blocks carved out of one
// contiguous slab. Alloc pops a block index from a Treiber stack whose
// head packs a generation tag next to the index, which removes the ABA
// hazard without per-slot pointers. Free pushes the index back.
//
// Reset must not run concurrently with Alloc or Free; the engine only
// calls it after its workers have stopped.
type Pool struct {
	blockSize int
	capacity  int
	slab      []byte
	base      uintptr

	// next holds the freelist links. Entries are atomic because a
	// block popped by one goroutine can be freed and relinked while a
	// racing Alloc still reads its old link; the generation tag in
	// head makes that racer's CAS fail, but the read itself must be
	// atomic to be well defined.
	next []atomic.Uint32

	// head packs (generation<<32 | index). The generation is bumped on
	// every successful pop.
	head atomic.Uint64

	allocated atomic.Uint64
	freed     atomic.Uint64
	exhausted atomic.Uint64
}

// NewPool creates a pool of capacity blocks of blockSize bytes each.
func NewPool(blockSize, capacity int) (*Pool, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid capacity %d", capacity)
	}
	p := &Pool{
		blockSize: blockSize,
		capacity:  capacity,
		slab:      make([]byte, blockSize*capacity),
		next:      make([]atomic.Uint32, capacity),
	}
	p.base = uintptr(unsafe.Pointer(unsafe.SliceData(p.slab)))
	p.resetFreelist()
	return p, nil
}

// resetFreelist links every block into the freelist, 0 on top.
func (p *Pool) resetFreelist() {
	for i := 0; i < p.capacity-1; i++ {
		p.next[i].Store(uint32(i + 1))
	}
	p.next[p.capacity-1].Store(emptyList)
	p.head.Store(pack(0, 0))
}

func pack(gen uint32, idx uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx)
}

func unpack(h uint64) (gen uint32, idx uint32) {
	return uint32(h >> 32), uint32(h)
}

// Alloc returns a zero-length slice with capacity n backed by a pool
// block, or ErrExhausted when no block is free. It never blocks.
func (p *Pool) Alloc(n int) ([]byte, error) {
	if n > p.blockSize {
		return nil, fmt.Errorf("%w: requested %d, block size %d", ErrTooLarge, n, p.blockSize)
	}
	for {
		h := p.head.Load()
		gen, idx := unpack(h)
		if idx == emptyList {
			p.exhausted.Add(1)
			return nil, ErrExhausted
		}
		if p.head.CompareAndSwap(h, pack(gen+1, p.next[idx].Load())) {
			p.allocated.Add(1)
			off := int(idx) * p.blockSize
			return p.slab[off : off : off+p.blockSize], nil
		}
	}
}

// Free returns a block obtained from Alloc to the pool. The caller must
// not touch the slice afterwards. Double-free is not detected; it is a
// programming bug in the same category as a queue double-dequeue.
func (p *Pool) Free(buf []byte) error {
	idx, err := p.indexOf(buf)
	if err != nil {
		return err
	}
	for {
		h := p.head.Load()
		gen, top := unpack(h)
		p.next[idx].Store(top)
		if p.head.CompareAndSwap(h, pack(gen, idx)) {
			p.freed.Add(1)
			return nil
		}
	}
}

// indexOf recovers the block index from the slice's backing address.
func (p *Pool) indexOf(buf []byte) (uint32, error) {
	if cap(buf) == 0 {
		return 0, ErrForeignBlock
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf[:cap(buf)])))
	if addr < p.base {
		return 0, ErrForeignBlock
	}
	off := addr - p.base
	if off%uintptr(p.blockSize) != 0 || off >= uintptr(len(p.slab)) {
		return 0, ErrForeignBlock
	}
	return uint32(off / uintptr(p.blockSize)), nil
}

// Reset reclaims every block at once. It must only be called when no
// block is outstanding outside the pool's owner, typically after the
// worker pool has been joined.
func (p *Pool) Reset() {
	p.resetFreelist()
	p.freed.Store(p.allocated.Load())
}

// BlockSize returns the size of each block in bytes.
func (p *Pool) BlockSize() int { return p.blockSize }

// Capacity returns the total number of blocks in the pool.
func (p *Pool) Capacity() int { return p.capacity }

// InUse returns the number of blocks currently allocated.
func (p *Pool) InUse() int {
	a := p.allocated.Load()
	f := p.freed.Load()
	if f > a {
		return 0
	}
	return int(a - f)
}

// InUseBytes returns the approximate number of payload bytes held by
// outstanding allocations.
func (p *Pool) InUseBytes() uint64 {
	return uint64(p.InUse()) * uint64(p.blockSize)
}

// Stats reports the pool's cumulative counters.
type Stats struct {
	Allocated uint64
	Freed     uint64
	Exhausted uint64
	InUse     int
	Capacity  int
}

// StatsSnapshot returns a point-in-time view of the pool counters.
func (p *Pool) StatsSnapshot() Stats {
	return Stats{
		Allocated: p.allocated.Load(),
		Freed:     p.freed.Load(),
		Exhausted: p.exhausted.Load(),
		InUse:     p.InUse(),
		Capacity:  p.capacity,
	}
}
