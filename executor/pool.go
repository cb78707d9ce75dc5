// Package executor implements the resource pool and batch executor that
// turn a staged dependency graph into concurrent work, the way
// pkg/orchestration's PlanExecutor turned a routing plan's step groups into
// goroutines bounded by a semaphore. This package generalizes that pattern:
// the semaphore becomes a pre-allocated slot pool shared across a whole
// batch, and step groups become graph stages.
package executor

import (
	"fmt"
	"sync"

	"github.com/quorumai/mesh/core"
)

// SlotPool is a fixed pre-allocation of N execution slots, handed out in
// atomic batches. allocate_batch either returns every slot the caller asked
// for or none of them; it never hands out a partial batch.
type SlotPool struct {
	mu    sync.Mutex
	total int
	free  int
}

// NewSlotPool pre-allocates n slots. n <= 0 is treated as 0 (a pool that
// can never satisfy an allocation).
func NewSlotPool(n int) *SlotPool {
	if n < 0 {
		n = 0
	}
	return &SlotPool{total: n, free: n}
}

// AllocateBatch atomically reserves n slots. On success it returns nil and
// the caller gives the slots back with Release(n). On failure it returns
// core.ErrResourceExhaustion and reserves nothing.
func (p *SlotPool) AllocateBatch(n int) error {
	if n <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free < n {
		return fmt.Errorf("requested %d slot(s), %d available: %w", n, p.free, core.ErrResourceExhaustion)
	}
	p.free -= n
	return nil
}

// Release returns n slots to the free list. Releasing more than was ever
// allocated is a caller bug; Release clamps at total to keep the pool
// internally consistent rather than overflowing it.
func (p *SlotPool) Release(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free += n
	if p.free > p.total {
		p.free = p.total
	}
}

// Available reports the number of free slots.
func (p *SlotPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Total reports the pool's fixed capacity.
func (p *SlotPool) Total() int {
	return p.total
}
