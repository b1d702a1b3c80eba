package allocator

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
	"github.com/talus-os/talus/kernel/mem/region"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_alloc", Message: "out of memory"}

// bootAllocator is a rudimentary order(0)-only bump allocator used to carve
// out the buddy allocator's own bookkeeping storage (descriptor array and
// free-list heads) before that allocator exists to serve the request
// itself. It walks region.Default directly rather than tracking frames, so
// it never needs to free anything; once Init (via
// reserveBootAllocatorFrames) reserves the frames it already handed out,
// bootAllocator is decommissioned.
//
// The two-phase "bootstrap allocator hands off to the real one" split
// mirrors how the kernel as a whole is bootstrapped in distinct,
// fixed-order phases (see kernel/boot).
type bootAllocator struct {
	allocCount     uint64
	lastAllocIndex int64
}

var bootAlloc bootAllocator

func (b *bootAllocator) init() {
	b.lastAllocIndex = -1
}

// AllocFrame reserves the next available free frame by replaying the region
// map scan from the start and skipping everything up to lastAllocIndex.
func (b *bootAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	var (
		found                  int64 = -1
		regionStart, regionEnd int64
	)

	region.Default.IterateUsable(func(r *region.Region) bool {
		regionStart = int64(mem.Size(r.Base) >> mem.PageShift)
		regionEnd = int64(mem.Size(r.End()) >> mem.PageShift)

		if b.lastAllocIndex >= regionEnd-1 {
			return true
		}

		if b.lastAllocIndex < regionStart {
			found = regionStart
		} else {
			found = b.lastAllocIndex + 1
		}
		return false
	})

	if found == -1 {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	b.allocCount++
	b.lastAllocIndex = found
	return pmm.Frame(found), nil
}

// replayAllocations resets the bump cursor and re-issues every allocation it
// handed out, invoking markFn for each returned frame. This lets the buddy
// allocator reconcile "frames the boot allocator already committed" without
// bootAllocator having tracked them itself.
func (b *bootAllocator) replayAllocations(markFn func(pmm.Frame)) {
	count := b.allocCount
	b.allocCount, b.lastAllocIndex = 0, -1
	for i := uint64(0); i < count; i++ {
		frame, _ := b.AllocFrame()
		markFn(frame)
	}
}
