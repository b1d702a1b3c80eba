// Package pmm contains the types shared by the physical frame allocator and
// its consumers (the allocator itself lives in kernel/mem/pmm/allocator so
// that paging code can depend on the lightweight Frame type without pulling
// in the full allocator).
package pmm

import (
	"math"

	"github.com/talus-os/talus/kernel/mem"
)

// Frame describes a physical memory page index (phys_addr >> PageShift).
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the InvalidFrame sentinel.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address for this frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// Buddy returns the buddy frame for f at the given order: frame XOR (1<<order).
func (f Frame) Buddy(order mem.PageOrder) Frame {
	return f ^ (1 << Frame(order))
}
