// Package shm implements the kernel's shared-memory buffer registry: a
// fixed table of token-addressed buffers, each backed by a contiguous run
// of physical frames, that any number of process address spaces may map
// with owner-RW/non-owner-RO access.
package shm

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
	"github.com/talus-os/talus/kernel/mem/procvm"
	"github.com/talus-os/talus/kernel/mem/vmm"
	"github.com/talus-os/talus/kernel/sync"
)

// MaxSharedBuffers bounds the number of live shared buffers.
const MaxSharedBuffers = 32

// maxMappingsPerBuffer bounds the number of address spaces that may have
// a buffer mapped at once.
const maxMappingsPerBuffer = 8

// TaskID identifies the address space a mapping belongs to. It is
// procvm.ID under the hood: in this kernel every user task owns exactly
// one ProcessVM, so the process address-space handle doubles as the
// task-facing identity shm operations are specified against.
type TaskID = procvm.ID

// Flag describes the access a mapping was granted.
type Flag uint32

// FlagWrite marks a mapping writable; only ever granted to the buffer's
// owner, regardless of what the caller requested.
const FlagWrite Flag = 1 << 0

// ContiguousAllocFn allocates pageCount contiguous physical frames and
// returns the base frame, mirroring allocator.Allocator.Alloc's contract.
type ContiguousAllocFn func(pageCount uint32) (pmm.Frame, *kernel.Error)

// ContiguousFreeFn releases a block previously obtained from a
// ContiguousAllocFn, mirroring allocator.Allocator.Free's contract.
type ContiguousFreeFn func(physAddr uintptr) *kernel.Error

type mapping struct {
	task  TaskID
	addr  uintptr
	pages uint32
	inUse bool
}

// Buffer is one shared-memory registry slot.
type Buffer struct {
	inUse    bool
	token    uint64
	owner    TaskID
	size     mem.Size
	base     pmm.Frame
	pages    uint32
	mappings [maxMappingsPerBuffer]mapping

	surfaceWidth, surfaceHeight uint32
}

var (
	table     [MaxSharedBuffers]Buffer
	nextToken uint64 = 1
	mu        sync.IRQMutex
)

// mapForeignFramesFn and unmapForeignFramesFn are overridden in tests,
// mirroring the mockable-function-variable seam used throughout
// kernel/mem/vmm and kernel/mem/heap.
var (
	mapForeignFramesFn   = procvm.MapForeignFrames
	unmapForeignFramesFn = procvm.UnmapForeignFrames
)

var (
	errTableFull       = &kernel.Error{Module: "shm", Message: "shared buffer table is full"}
	errInvalidToken    = &kernel.Error{Module: "shm", Message: "unknown shared buffer token"}
	errNotOwner        = &kernel.Error{Module: "shm", Message: "operation requires buffer ownership"}
	errNoMappingSlot   = &kernel.Error{Module: "shm", Message: "buffer has no free mapping slots"}
	errInvalidMapping  = &kernel.Error{Module: "shm", Message: "no such mapping for this task"}
	errInvalidSize     = &kernel.Error{Module: "shm", Message: "cannot create a zero-byte shared buffer"}
	errSurfaceTooLarge = &kernel.Error{Module: "shm", Message: "surface dimensions exceed buffer size"}
)

// Create rounds size up to page granularity, allocates contiguous physical
// frames for it via allocFn, and registers a new buffer under a freshly
// minted, never-reused token.
func Create(owner TaskID, size mem.Size, allocFn ContiguousAllocFn) (uint64, *kernel.Error) {
	mu.Lock()
	defer mu.Unlock()

	if size == 0 {
		return 0, errInvalidSize
	}

	slot := -1
	for i := range table {
		if !table[i].inUse {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, errTableFull
	}

	pages := size.Pages()
	base, err := allocFn(pages)
	if err != nil {
		return 0, err
	}

	token := nextToken
	nextToken++

	table[slot] = Buffer{
		inUse: true,
		token: token,
		owner: owner,
		size:  mem.Size(pages) * mem.PageSize,
		base:  base,
		pages: pages,
	}
	return token, nil
}

func find(token uint64) (*Buffer, *kernel.Error) {
	if token == 0 {
		return nil, errInvalidToken
	}
	for i := range table {
		if table[i].inUse && table[i].token == token {
			return &table[i], nil
		}
	}
	return nil, errInvalidToken
}

// Map resolves token, allocates a virtual-address range in task's
// shared-memory bump region, and maps every backing page there with
// USER|PRESENT, adding WRITABLE only when task is the buffer's owner and
// wantWrite was requested; every other caller is silently downgraded to a
// read-only mapping. On failure partway, everything already mapped for
// this call is unwound.
func Map(task TaskID, token uint64, wantWrite bool, allocFn vmm.FrameAllocatorFn) (uintptr, *kernel.Error) {
	mu.Lock()
	defer mu.Unlock()

	buf, err := find(token)
	if err != nil {
		return 0, err
	}

	slot := -1
	for i := range buf.mappings {
		if !buf.mappings[i].inUse {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, errNoMappingSlot
	}

	flags := Flag(0)
	if task == buf.owner && wantWrite {
		flags = FlagWrite
	}

	addr, perr := mapForeignFramesFn(task, buf.base, buf.pages, procvm.Flag(flags), allocFn)
	if perr != nil {
		return 0, perr
	}

	buf.mappings[slot] = mapping{task: task, addr: addr, pages: buf.pages, inUse: true}
	return addr, nil
}

// Unmap finds task's mapping at vaddr across every buffer, clears it from
// task's address space, and frees that mapping's slot in the owning buffer.
func Unmap(task TaskID, vaddr uintptr) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	for bi := range table {
		buf := &table[bi]
		if !buf.inUse {
			continue
		}
		for mi := range buf.mappings {
			m := &buf.mappings[mi]
			if !m.inUse || m.task != task || m.addr != vaddr {
				continue
			}
			if err := unmapForeignFramesFn(task, vaddr, m.pages); err != nil {
				return err
			}
			*m = mapping{}
			return nil
		}
	}
	return errInvalidMapping
}

// Destroy is owner-only: it forcibly unmaps every outstanding mapping and
// frees the buffer's physical pages via freeFn.
func Destroy(task TaskID, token uint64, freeFn ContiguousFreeFn) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	buf, err := find(token)
	if err != nil {
		return err
	}
	if buf.owner != task {
		return errNotOwner
	}
	return destroyLocked(buf, freeFn)
}

// destroyLocked unmaps every consumer of buf from its own address space,
// releases the backing frames, and clears the slot. Callers must hold mu.
func destroyLocked(buf *Buffer, freeFn ContiguousFreeFn) *kernel.Error {
	for i := range buf.mappings {
		m := &buf.mappings[i]
		if !m.inUse {
			continue
		}
		if err := unmapForeignFramesFn(m.task, m.addr, m.pages); err != nil {
			return err
		}
		*m = mapping{}
	}
	if err := freeFn(buf.base.Address()); err != nil {
		return err
	}
	*buf = Buffer{}
	return nil
}

// SurfaceAttach validates that width*height*4 fits inside the buffer and
// stamps surface dimensions on the slot for the compositor to read back.
func SurfaceAttach(owner TaskID, token uint64, width, height uint32) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	buf, err := find(token)
	if err != nil {
		return err
	}
	if buf.owner != owner {
		return errNotOwner
	}
	if mem.Size(width)*mem.Size(height)*mem.Size(4) > buf.size {
		return errSurfaceTooLarge
	}

	buf.surfaceWidth, buf.surfaceHeight = width, height
	return nil
}

// SurfaceSize returns the dimensions a prior SurfaceAttach stamped on
// token, or ok=false if the token is unknown or has no surface attached.
func SurfaceSize(token uint64) (width, height uint32, ok bool) {
	mu.Lock()
	defer mu.Unlock()

	buf, err := find(token)
	if err != nil {
		return 0, 0, false
	}
	return buf.surfaceWidth, buf.surfaceHeight, buf.surfaceWidth != 0 && buf.surfaceHeight != 0
}

// CleanupTask runs when a task exits: every mapping task holds in a
// buffer it does not own is released, and every buffer task owns is
// destroyed, which in turn unmaps that buffer's other consumers.
func CleanupTask(task TaskID, freeFn ContiguousFreeFn) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	for bi := range table {
		buf := &table[bi]
		if !buf.inUse {
			continue
		}
		for mi := range buf.mappings {
			m := &buf.mappings[mi]
			if m.inUse && m.task == task {
				if err := unmapForeignFramesFn(task, m.addr, m.pages); err != nil {
					return err
				}
				*m = mapping{}
			}
		}
	}

	for bi := range table {
		buf := &table[bi]
		if buf.inUse && buf.owner == task {
			if err := destroyLocked(buf, freeFn); err != nil {
				return err
			}
		}
	}
	return nil
}
