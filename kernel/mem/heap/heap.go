// Package heap implements the kernel's general-purpose allocator: a
// segregated free-list allocator over a fixed virtual window, grown one
// vmm mapping call at a time as size classes run dry.
package heap

import (
	"unsafe"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/kfmt/early"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/vmm"
	"github.com/talus-os/talus/kernel/sync"
)

// magic tags a block header as allocated or free; checksum catches
// corruption of either field.
type magic uint32

const (
	magicFree      magic = 0xf2eef2ee
	magicAllocated magic = 0xa110ceed
)

// numClasses is the number of segregated size classes. Class i holds
// blocks of size <= 16<<i; class numClasses-1 holds everything larger.
const numClasses = 16

// minBlockSize is the smallest size class (class 0) and the smallest
// remainder tryAlloc will carve off as its own block.
const minBlockSize = mem.Size(16)

// block is the fixed-offset header that precedes every payload. Free
// blocks form a doubly-linked stack per size class through prev/next; checksum
// must equal magic^size^flags for the block to be considered intact.
type block struct {
	magic    magic
	size     mem.Size
	flags    uint32
	checksum uint32
	prev     uintptr // 0 if this is the class head
	next     uintptr // 0 if this is the tail
}

const headerSize = unsafe.Sizeof(block{})

func (b *block) computeChecksum() uint32 {
	return uint32(b.magic) ^ uint32(b.size) ^ b.flags
}

func (b *block) valid() bool {
	return b.checksum == b.computeChecksum()
}

func classFor(size mem.Size) int {
	cap := minBlockSize
	for c := 0; c < numClasses-1; c++ {
		if size <= cap {
			return c
		}
		cap <<= 1
	}
	return numClasses - 1
}

// classCeil rounds size up to its class's fixed capacity so that a freed
// block can satisfy a future request of the same nominal size without
// drifting. Class numClasses-1 has no fixed capacity and is left as-is.
func classCeil(size mem.Size) mem.Size {
	c := classFor(size)
	if c == numClasses-1 {
		return size
	}
	return minBlockSize << uint(c)
}

var (
	errZeroSize    = &kernel.Error{Module: "heap", Message: "cannot allocate zero bytes"}
	errOutOfMemory = &kernel.Error{Module: "heap", Message: "heap expansion denied: window exhausted"}
	errCorruption  = &kernel.Error{Module: "heap", Message: "heap block checksum mismatch"}
	errDoubleFree  = &kernel.Error{Module: "heap", Message: "heap block already free"}
)

// mapFn is the vmm.Map call expand uses to commit heap pages; overridden in
// tests so the allocator logic can be exercised without a live MMU.
var mapFn = vmm.Map

// Heap is a segregated free-list allocator over a fixed virtual window.
type Heap struct {
	heads [numClasses]uintptr

	windowStart, windowEnd, windowNext uintptr
	allocFn                            vmm.FrameAllocatorFn

	mu sync.IRQMutex

	totalSize, allocated, free mem.Size
}

// Default is the kernel's single heap instance.
var Default Heap

// windowBase and windowSize bound the fixed virtual address range the
// kernel heap is allowed to grow into; growth past windowEnd is denied
// rather than silently relocating the heap.
const (
	windowBase = 0xffff300000000000
	windowSize = 1 << 34 // 16GiB of address space, far more than will ever be committed
)

// Init reserves the heap's virtual window and commits its first span.
// allocFn supplies both the physical frames backing heap spans and the
// page-table bootstrap frames vmm.Map needs along the way.
func Init(allocFn vmm.FrameAllocatorFn) *kernel.Error {
	Default = Heap{
		windowStart: windowBase,
		windowEnd:   windowBase + windowSize,
		windowNext:  windowBase,
		allocFn:     allocFn,
	}
	return Default.expand(4 * mem.PageSize)
}

// Alloc reserves a payload of at least size bytes and returns a pointer to
// it, rounded up to its size class's capacity.
func (h *Heap) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}
	size = classCeil(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	if addr, ok := h.tryAlloc(size); ok {
		return addr, nil
	}

	growBy := size + mem.Size(headerSize)
	if growBy < 4*mem.PageSize {
		growBy = 4 * mem.PageSize
	}
	if err := h.expand(growBy); err != nil {
		return 0, err
	}

	if addr, ok := h.tryAlloc(size); ok {
		return addr, nil
	}
	return 0, errOutOfMemory
}

// tryAlloc looks for the first non-empty class at or above size's own
// class, pops its head, splits off a remainder block when the leftover
// is big enough to be useful, and returns the payload address.
func (h *Heap) tryAlloc(size mem.Size) (uintptr, bool) {
	class := classFor(size)
	for c := class; c < numClasses; c++ {
		if h.heads[c] == 0 {
			continue
		}
		// A split remainder can sit in size's own class while being
		// smaller than size; such a head cannot serve the request.
		if (*block)(unsafe.Pointer(h.heads[c])).size < size {
			continue
		}
		addr := h.popHead(c)
		hdr := (*block)(unsafe.Pointer(addr))

		if hdr.size-size >= mem.Size(headerSize)+minBlockSize {
			remainderAddr := addr + uintptr(headerSize) + uintptr(size)
			remainderSize := hdr.size - size - mem.Size(headerSize)
			rhdr := (*block)(unsafe.Pointer(remainderAddr))
			*rhdr = block{magic: magicFree, size: remainderSize}
			rhdr.checksum = rhdr.computeChecksum()
			h.pushFree(remainderAddr)
			hdr.size = size
		}

		hdr.magic = magicAllocated
		hdr.flags = 0
		hdr.checksum = hdr.computeChecksum()
		h.allocated += hdr.size
		return addr + uintptr(headerSize), true
	}
	return 0, false
}

// Free releases a payload pointer previously returned by Alloc. A nil
// pointer is a no-op; a corrupted or already-free header logs and is
// ignored rather than propagating the corruption further.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	addr := ptr - uintptr(headerSize)
	hdr := (*block)(unsafe.Pointer(addr))

	if !hdr.valid() {
		early.Printf("[heap] corruption detected freeing %16x: checksum mismatch\n", ptr)
		return errCorruption
	}
	if hdr.magic == magicFree {
		early.Printf("[heap] double free detected at %16x\n", ptr)
		return errDoubleFree
	}

	hdr.magic = magicFree
	hdr.flags = 0
	hdr.checksum = hdr.computeChecksum()
	h.allocated -= hdr.size
	h.pushFree(addr)
	return nil
}

func (h *Heap) pushFree(addr uintptr) {
	hdr := (*block)(unsafe.Pointer(addr))
	c := classFor(hdr.size)

	hdr.prev = 0
	hdr.next = h.heads[c]
	if h.heads[c] != 0 {
		(*block)(unsafe.Pointer(h.heads[c])).prev = addr
	}
	h.heads[c] = addr
	h.free += hdr.size
}

func (h *Heap) popHead(c int) uintptr {
	addr := h.heads[c]
	hdr := (*block)(unsafe.Pointer(addr))
	h.heads[c] = hdr.next
	if hdr.next != 0 {
		(*block)(unsafe.Pointer(hdr.next)).prev = 0
	}
	h.free -= hdr.size
	return addr
}

// expand commits at least max(minSize.Pages(), 4) fresh pages at the end of
// the heap window and pushes the new span as a single free block.
func (h *Heap) expand(minSize mem.Size) *kernel.Error {
	pages := minSize.Pages()
	if pages < 4 {
		pages = 4
	}

	growth := uintptr(pages) * uintptr(mem.PageSize)
	if h.windowNext+growth > h.windowEnd {
		return errOutOfMemory
	}

	base := h.windowNext
	for i := uint32(0); i < pages; i++ {
		frame, err := h.allocFn()
		if err != nil {
			return err
		}
		page := vmm.PageFromAddress(base + uintptr(i)*uintptr(mem.PageSize))
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, h.allocFn); err != nil {
			return err
		}
	}
	h.windowNext += growth

	spanSize := mem.Size(pages)*mem.PageSize - mem.Size(headerSize)
	hdr := (*block)(unsafe.Pointer(base))
	*hdr = block{magic: magicFree, size: spanSize}
	hdr.checksum = hdr.computeChecksum()
	h.pushFree(base)

	h.totalSize += mem.Size(pages) * mem.PageSize
	return nil
}

// Stats summarizes the heap's byte accounting.
type Stats struct {
	Total, Free, Allocated mem.Size
}

// Stats returns a snapshot of the heap's accounting.
func (h *Heap) Stats() Stats {
	return Stats{Total: h.totalSize, Free: h.free, Allocated: h.allocated}
}
