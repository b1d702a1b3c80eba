// Package allocator implements the kernel's physical frame allocator: a
// buddy allocator over 4KiB frames seeded from the region map.
package allocator

import (
	"unsafe"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/kfmt/early"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
	"github.com/talus-os/talus/kernel/mem/region"
	"github.com/talus-os/talus/kernel/mem/vmm"
)

// frameState describes the allocation state of a physical frame.
type frameState uint8

// Recognized frame states.
const (
	frameFree frameState = iota
	frameAllocated
	frameReserved
	frameKernel
	frameDMA
)

// Flag requests allocator behavior for a single call to Alloc.
type Flag uint32

const (
	// FlagZero requests the returned block be zero-filled.
	FlagZero Flag = 1 << iota
	// FlagDMA requests a block whose end lies below the 16MiB ISA DMA line.
	FlagDMA
	// FlagKernel tags the block as kernel-owned bookkeeping memory.
	FlagKernel
)

// dmaLimit is the highest physical address (exclusive) usable for
// legacy ISA DMA allocations.
const dmaLimit = 0x01000000

// descriptor is the per-frame bookkeeping record named in the data model:
// reference count, state, order, owning region id, and free-list successor.
type descriptor struct {
	refCount uint32
	state    frameState
	order    mem.PageOrder
	regionID int32
	next     pmm.Frame // free-list successor; meaningful only while Free
}

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free block satisfies the request"}
	errZeroFrames  = &kernel.Error{Module: "pmm", Message: "cannot allocate zero frames"}
	errNotTracked  = &kernel.Error{Module: "pmm", Message: "frame is not tracked by the allocator"}
	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errNoVirtSpace = &kernel.Error{Module: "pmm", Message: "early metadata virtual address space exhausted"}

	// mapFn is mocked by tests; production callers get the real
	// vmm-backed implementation.
	mapFn = vmm.Map

	// nextEarlyVirtAddr bumps upward from a fixed window reserved for
	// boot-time metadata (currently just the frame descriptor table). It
	// never reclaims space; the window is sized generously enough that a
	// single bump allocation for the lifetime of the kernel never wraps.
	nextEarlyVirtAddr uintptr = earlyMetadataBase
)

// earlyMetadataBase is a fixed, page-aligned canonical kernel address
// distinct from the recursive paging windows in kernel/mem/vmm.
const earlyMetadataBase = 0xffff100000000000

// earlyMetadataLimit bounds the early metadata window to 1GiB of virtual
// address space, comfortably more than a frame descriptor table needs even
// on a machine with hundreds of gigabytes of RAM.
const earlyMetadataLimit = earlyMetadataBase + 1<<30

// reserveEarlyVirtualRegion bumps nextEarlyVirtAddr by size, rounded up to
// a page, and returns the base address of the reserved span.
func reserveEarlyVirtualRegion(size mem.Size) (uintptr, *kernel.Error) {
	aligned := (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
	base := nextEarlyVirtAddr
	if base+uintptr(aligned) > earlyMetadataLimit {
		return 0, errNoVirtSpace
	}
	nextEarlyVirtAddr += uintptr(aligned)
	return base, nil
}

// Allocator is a buddy allocator over 4KiB frames, orders 0..mem.MaxPageOrder.
type Allocator struct {
	descs        []descriptor
	descsHdr     unsafe.Pointer
	frameBase    pmm.Frame // first frame index covered by descs
	frameCount   uint64
	freeHeads    [mem.MaxPageOrder + 1]pmm.Frame // pmm.InvalidFrame when empty
	freeCount    uint64
	allocCount   uint64
}

// Default is the kernel's single frame allocator instance.
var Default Allocator

// Init seeds the allocator from region.Default: allocates its own
// descriptor table via the boot allocator, then walks every usable region,
// carving each into the largest naturally aligned power-of-two blocks that
// fit the remainder and pushing them onto their order's free list.
func Init() *kernel.Error {
	bootAlloc.init()

	highest := region.Default.HighestUsableFrame()
	if highest == 0 {
		return &kernel.Error{Module: "pmm", Message: "region map reports no usable memory"}
	}

	if err := Default.setupDescriptors(highest); err != nil {
		return err
	}

	for i := range Default.freeHeads {
		Default.freeHeads[i] = pmm.InvalidFrame
	}
	for i := range Default.descs {
		Default.descs[i].next = pmm.InvalidFrame
	}

	Default.seedFreeLists()
	Default.reserveBootAllocatorFrames()
	Default.printStats()
	return nil
}

// setupDescriptors reserves (via the boot allocator) and maps enough pages
// to hold one descriptor per frame up to highestFrame.
func (a *Allocator) setupDescriptors(highestFrame uint64) *kernel.Error {
	a.frameCount = highestFrame
	sizeofDesc := unsafe.Sizeof(descriptor{})
	requiredBytes := mem.Size(uint64(sizeofDesc) * highestFrame)
	requiredBytes = (requiredBytes + mem.PageSize - 1) &^ (mem.PageSize - 1)
	requiredPages := requiredBytes.Pages()

	base, err := reserveEarlyVirtualRegion(requiredBytes)
	if err != nil {
		return err
	}

	for page, i := vmm.PageFromAddress(base), uint32(0); i < requiredPages; page, i = page+1, i+1 {
		frame, err := bootAlloc.AllocFrame()
		if err != nil {
			return err
		}
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, bootAllocFrame); err != nil {
			return err
		}
		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	a.descsHdr = unsafe.Pointer(base)
	a.descs = unsafe.Slice((*descriptor)(a.descsHdr), highestFrame)
	return nil
}

// desc returns the descriptor for frame, or nil if frame is out of range.
func (a *Allocator) desc(f pmm.Frame) *descriptor {
	if uint64(f) >= a.frameCount {
		return nil
	}
	return &a.descs[f]
}

// seedFreeLists walks every usable region and repeatedly carves the largest
// naturally aligned power-of-two block that fits the remainder, pushing
// each onto its order's free list with the region id recorded on every
// frame in the span.
func (a *Allocator) seedFreeLists() {
	regionID := 0
	region.Default.IterateUsable(func(r *region.Region) bool {
		id := regionID
		regionID++

		startFrame := pmm.Frame((uint64(r.Base) + uint64(mem.PageSize) - 1) >> mem.PageShift)
		endFrame := pmm.Frame(uint64(r.End()) >> mem.PageShift)

		for f := startFrame; f < endFrame; {
			remaining := uint64(endFrame - f)
			order := largestAlignedOrder(f, remaining)

			for frame := f; frame < f+pmm.Frame(1<<order); frame++ {
				if d := a.desc(frame); d != nil {
					d.regionID = int32(id)
				}
			}
			a.pushFree(f, order)
			a.freeCount += 1 << order
			f += pmm.Frame(1 << order)
		}
		return true
	})
}

// largestAlignedOrder returns the largest order k <= MaxPageOrder such that
// frame is 2^k-aligned and 2^k <= remaining.
func largestAlignedOrder(frame pmm.Frame, remaining uint64) mem.PageOrder {
	order := mem.MaxPageOrder
	for order > 0 {
		size := uint64(1) << order
		if size <= remaining && uint64(frame)%size == 0 {
			break
		}
		order--
	}
	return order
}

func (a *Allocator) pushFree(f pmm.Frame, order mem.PageOrder) {
	d := a.desc(f)
	d.state = frameFree
	d.order = order
	d.next = a.freeHeads[order]
	a.freeHeads[order] = f
}

func (a *Allocator) popFree(order mem.PageOrder, f pmm.Frame) {
	head := a.freeHeads[order]
	if head == f {
		a.freeHeads[order] = a.desc(f).next
		return
	}
	for cur := head; cur.Valid(); cur = a.desc(cur).next {
		if a.desc(cur).next == f {
			a.desc(cur).next = a.desc(f).next
			return
		}
	}
}

// Alloc reserves 2^order(count) contiguous frames satisfying flags.
func (a *Allocator) Alloc(count uint32, flags Flag) (pmm.Frame, *kernel.Error) {
	if count == 0 {
		return pmm.InvalidFrame, errZeroFrames
	}

	order := (mem.Size(count) * mem.PageSize).Order()
	if order > mem.MaxPageOrder {
		order = mem.MaxPageOrder
	}

	frame, foundOrder, err := a.findBlock(order, flags&FlagDMA != 0)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	frame = a.splitDown(frame, foundOrder, order)

	state := frameAllocated
	if flags&FlagKernel != 0 {
		state = frameKernel
	} else if flags&FlagDMA != 0 {
		state = frameDMA
	}

	for f := frame; f < frame+pmm.Frame(1<<order); f++ {
		d := a.desc(f)
		d.state = state
		d.order = order
		d.next = pmm.InvalidFrame
	}
	a.desc(frame).refCount = 1
	a.freeCount -= 1 << order
	a.allocCount += 1 << order

	if flags&FlagZero != 0 {
		if err := a.zero(frame, order); err != nil {
			a.Free(frame.Address())
			return pmm.InvalidFrame, err
		}
	}

	return frame, nil
}

// findBlock walks orders order..MaxPageOrder looking for the first free
// block that satisfies the DMA constraint, if requested.
func (a *Allocator) findBlock(order mem.PageOrder, dma bool) (pmm.Frame, mem.PageOrder, *kernel.Error) {
	for k := order; k <= mem.MaxPageOrder; k++ {
		for f := a.freeHeads[k]; f.Valid(); f = a.desc(f).next {
			if dma && uint64(f.Address())+uint64(mem.PageSize)<<k > dmaLimit {
				continue
			}
			a.popFree(k, f)
			return f, k, nil
		}
	}
	return pmm.InvalidFrame, 0, errOutOfMemory
}

// splitDown repeatedly halves a block found at foundOrder down to target,
// pushing the unused half back onto the free list at each step.
func (a *Allocator) splitDown(f pmm.Frame, foundOrder, target mem.PageOrder) pmm.Frame {
	for foundOrder > target {
		foundOrder--
		buddy := f + pmm.Frame(1<<foundOrder)
		a.pushFree(buddy, foundOrder)
	}
	return f
}

// zero clears the physical span by mapping each page at the shared
// temporary mapping window and zero-filling it. allocRawFrame supplies any
// page-table frames MapTemporary needs to establish that window, rather than
// recursing back into Alloc: by the time zero runs, the frame(s) being
// cleared are already removed from the free lists, so a plain buddy pop for
// an unrelated page-table frame is safe to perform reentrantly.
func (a *Allocator) zero(f pmm.Frame, order mem.PageOrder) *kernel.Error {
	size := mem.PageSize << order
	for off := mem.Size(0); off < size; off += mem.PageSize {
		page, err := vmm.MapTemporary(f+pmm.Frame(off>>mem.PageShift), a.allocRawFrame)
		if err != nil {
			return err
		}
		mem.Memset(page.Address(), 0, mem.PageSize)
		vmm.Unmap(page)
	}
	return nil
}

// allocRawFrame allocates a single order-0 frame without zeroing or flag
// bookkeeping, for use as the FrameAllocatorFn passed to vmm page-table
// bootstrap calls that happen from within the allocator itself.
func (a *Allocator) allocRawFrame() (pmm.Frame, *kernel.Error) {
	f, foundOrder, err := a.findBlock(0, false)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	f = a.splitDown(f, foundOrder, 0)

	d := a.desc(f)
	d.state = frameKernel
	d.order = 0
	d.refCount = 1
	d.next = pmm.InvalidFrame
	a.freeCount--
	a.allocCount++
	return f, nil
}

// AllocFrame allocates a single order-0 frame from Default, adapting
// Default.Alloc to the vmm.FrameAllocatorFn signature consumed by every
// caller that needs one physical frame at a time rather than a
// contiguous run (page-table population, heap growth, per-page ELF and
// shared-memory mappings).
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return Default.Alloc(1, 0)
}

// FreeFrame releases a single frame previously obtained from AllocFrame,
// adapting Default.Free to the vmm.FrameFreeFn signature.
func FreeFrame(f pmm.Frame) *kernel.Error {
	return Default.Free(f.Address())
}

// Free releases the block starting at the given physical address.
func (a *Allocator) Free(physAddr uintptr) *kernel.Error {
	f := pmm.Frame(physAddr >> mem.PageShift)
	d := a.desc(f)
	if d == nil {
		return errNotTracked
	}
	if d.state == frameFree {
		return errDoubleFree
	}

	if d.refCount > 0 {
		d.refCount--
	}
	if d.refCount > 0 {
		return nil
	}

	order := d.order
	a.freeCount += 1 << order
	a.allocCount -= 1 << order
	a.coalesce(f, order, d.regionID)
	return nil
}

// coalesce pushes f free at order and repeatedly merges it with its buddy
// while the buddy is free, the same order, and in the same region.
func (a *Allocator) coalesce(f pmm.Frame, order mem.PageOrder, regionID int32) {
	for order < mem.MaxPageOrder {
		buddy := f.Buddy(order)
		bd := a.desc(buddy)
		if bd == nil || bd.state != frameFree || bd.order != order || bd.regionID != regionID {
			break
		}

		a.popFree(order, buddy)
		if buddy < f {
			f = buddy
		}
		order++
	}
	a.pushFree(f, order)
}

// Tracked reports whether frame belongs to this allocator's descriptor
// range, letting other layers (paging unmap) decide whether they are
// allowed to free it.
func (a *Allocator) Tracked(f pmm.Frame) bool {
	return a.desc(f) != nil
}

// CanFree reports whether frame is currently allocated (not free, not
// reserved) and therefore safe to hand to Free.
func (a *Allocator) CanFree(f pmm.Frame) bool {
	d := a.desc(f)
	return d != nil && d.state != frameFree && d.state != frameReserved
}

// Stats summarizes the allocator's accounting invariant: free + allocated == total.
type Stats struct {
	Total, Free, Allocated uint64
}

// Stats returns a snapshot of the allocator's frame accounting.
func (a *Allocator) Stats() Stats {
	return Stats{Total: a.frameCount, Free: a.freeCount, Allocated: a.allocCount}
}

// reserveBootAllocatorFrames decommissions the boot allocator by replaying
// every frame it handed out and marking each one allocated/kernel in the
// real allocator, the same "replay" trick
// BitmapAllocator.reserveEarlyAllocatorFrames used.
func (a *Allocator) reserveBootAllocatorFrames() {
	bootAlloc.replayAllocations(func(f pmm.Frame) {
		d := a.desc(f)
		if d == nil || d.state != frameFree {
			return
		}
		a.popFree(d.order, f)
		// The block may be larger than one frame; walk down to order 0
		// frames individually so accounting stays frame-granular.
		order := d.order
		a.freeCount -= 1 << order
		for off := pmm.Frame(0); off < pmm.Frame(1<<order); off++ {
			fd := a.desc(f + off)
			fd.state = frameKernel
			fd.order = 0
			fd.refCount = 1
			fd.next = pmm.InvalidFrame
		}
		a.allocCount += 1 << order
	})
}

func (a *Allocator) printStats() {
	s := a.Stats()
	early.Printf("[pmm] frame stats: free: %d/%d (%d allocated)\n", s.Free, s.Total, s.Allocated)
}

// bootAllocFrame adapts bootAlloc.AllocFrame to vmm.FrameAllocatorFn for use
// during the allocator's own bootstrap.
func bootAllocFrame() (pmm.Frame, *kernel.Error) {
	return bootAlloc.AllocFrame()
}
