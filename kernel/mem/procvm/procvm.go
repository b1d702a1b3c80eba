// Package procvm manages per-process virtual address spaces: a fixed
// table of ProcessVM records, each owning an AddressSpace and an ordered,
// coalescing list of VMAs describing its mapped ranges.
package procvm

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
	"github.com/talus-os/talus/kernel/mem/vmm"
)

// ID identifies a live ProcessVM slot.
type ID int32

// MaxProcessVMs bounds the number of address spaces the kernel can hold
// open simultaneously, one per live task.
const MaxProcessVMs = 64

// maxVMAs bounds the number of disjoint VMAs a single address space may
// hold; the list is embedded in the ProcessVM record rather than pulled
// from a shared arena to keep create/destroy allocation-free.
const maxVMAs = 16

// Flag describes the protection bits requested for a mapped range. User
// accessibility is implicit: every procvm mapping is user-mode.
type Flag uint32

const (
	// FlagWrite requests a writable mapping; omitted it is read-only.
	FlagWrite Flag = 1 << iota
	// FlagExec requests an executable mapping; omitted, FlagNoExecute is set.
	FlagExec
)

const (
	// userBase is the user-space virtual address ELF code/data segments
	// are relocated to, matching the fixed translation the ELF loader
	// performs between a kernel-linked payload's own addresses and the
	// user address space it actually runs in.
	userBase = uintptr(0x0000000000400000)

	// userStackTop is the exclusive top of the initial user stack.
	// Chosen well below kernelPML4Start's canonical boundary so it can
	// never collide with a growing heap.
	userStackTop  = uintptr(0x0000700000000000)
	userStackSize = mem.Size(4) * mem.PageSize

	// shmRegionBase is the start of the bump region shared-buffer
	// attachments are mapped into: well clear of both the growing heap
	// above userBase and the fixed stack below userStackTop.
	shmRegionBase = uintptr(0x0000600000000000)
)

// UserCodeWindow returns the half-open range of user virtual addresses an
// ELF entry point or relocation target is allowed to fall inside: from
// userBase (where LoadELF starts placing segments) up to shmRegionBase
// (where the shared-memory bump region begins). Callers validating a task
// entry point before scheduling it should reject anything outside this
// range.
func UserCodeWindow() (low, high uintptr) {
	return userBase, shmRegionBase
}

// vma is one entry in a ProcessVM's VMA list. next indexes into the
// owning ProcessVM's own vmas array; -1 terminates the list.
type vma struct {
	start, end uintptr
	flags      Flag
	inUse      bool
	next       int8
}

// pageMapper is the subset of *vmm.AddressSpace this package depends on,
// broken out as an interface so alloc/free/load_elf bookkeeping can be
// exercised against a fake in tests without a live MMU.
type pageMapper interface {
	Map(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn) *kernel.Error
	Unmap(page vmm.Page) *kernel.Error
	MarkRangeUser(addr uintptr, size mem.Size) *kernel.Error
	Translate(addr uintptr) (pmm.Frame, *kernel.Error)
}

// ProcessVM is one process's address space plus its VMA bookkeeping.
type ProcessVM struct {
	inUse   bool
	mapper  pageMapper
	as      *vmm.AddressSpace
	vmas    [maxVMAs]vma
	vmaHead int8
	heapEnd uintptr
	shmNext uintptr
}

var table [MaxProcessVMs]ProcessVM

var (
	errTableFull    = &kernel.Error{Module: "procvm", Message: "process VM table is full"}
	errInvalidID    = &kernel.Error{Module: "procvm", Message: "invalid process VM id"}
	errNoVMASlot    = &kernel.Error{Module: "procvm", Message: "VMA list is full"}
	errInvalidRange = &kernel.Error{Module: "procvm", Message: "range does not lie inside a single VMA"}
	errZeroSize     = &kernel.Error{Module: "procvm", Message: "cannot map zero bytes"}
)

// newAddressSpaceFn is overridden in tests.
var newAddressSpaceFn = vmm.NewAddressSpace

// mapTemporaryFn and unmapTemporaryFn give Create/Alloc/LoadELF a
// writable window onto a freshly allocated frame regardless of whether
// the owning address space is active; tests override them.
var (
	mapTemporaryFn   = vmm.MapTemporary
	unmapTemporaryFn = vmm.Unmap
)

func zeroFrame(frame pmm.Frame, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	page, err := mapTemporaryFn(frame, allocFn)
	if err != nil {
		return err
	}
	mem.Memset(page.Address(), 0, mem.PageSize)
	return unmapTemporaryFn(page)
}

// Create allocates a fresh slot, a new address space cloned from the
// kernel's own mappings, and maps the initial user stack.
func Create(allocFn vmm.FrameAllocatorFn) (ID, *kernel.Error) {
	id := ID(-1)
	for i := range table {
		if !table[i].inUse {
			id = ID(i)
			break
		}
	}
	if id < 0 {
		return 0, errTableFull
	}

	as, err := newAddressSpaceFn(allocFn)
	if err != nil {
		return 0, err
	}

	pv := &table[id]
	*pv = ProcessVM{inUse: true, mapper: as, as: as, vmaHead: -1, heapEnd: userBase, shmNext: shmRegionBase}

	stackStart := userStackTop - uintptr(userStackSize)
	if err := pv.mapRange(stackStart, userStackSize, FlagWrite, allocFn); err != nil {
		pv.inUse = false
		return 0, err
	}
	if err := pv.insertVMA(stackStart, userStackTop, FlagWrite); err != nil {
		pv.inUse = false
		return 0, err
	}

	return id, nil
}

func get(id ID) (*ProcessVM, *kernel.Error) {
	if id < 0 || int(id) >= len(table) || !table[id].inUse {
		return nil, errInvalidID
	}
	return &table[id], nil
}

// AddressSpace returns the AddressSpace backing id, so a task can load its
// PML4 into CR3 when switching into it.
func AddressSpace(id ID) (*vmm.AddressSpace, *kernel.Error) {
	pv, err := get(id)
	if err != nil {
		return nil, err
	}
	return pv.as, nil
}

// Destroy tears down every VMA, frees every mapped frame and the
// top-level page table, and releases the slot.
func Destroy(id ID, freeFn vmm.FrameFreeFn, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	pv, err := get(id)
	if err != nil {
		return err
	}
	if err := pv.as.Destroy(freeFn, allocFn); err != nil {
		return err
	}
	*pv = ProcessVM{}
	return nil
}

// Alloc rounds size up to page granularity, advances the process's heap
// end, maps zero-filled user pages with the requested protection, and
// inserts (or extends) a VMA covering the new range.
func Alloc(id ID, size mem.Size, flags Flag, allocFn vmm.FrameAllocatorFn) (uintptr, *kernel.Error) {
	pv, err := get(id)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, errZeroSize
	}

	pageCount := size.Pages()
	roundedSize := mem.Size(pageCount) * mem.PageSize
	addr := pv.heapEnd

	if err := pv.mapRange(addr, roundedSize, flags, allocFn); err != nil {
		pv.unmapRangeBestEffort(addr, roundedSize, nil)
		return 0, err
	}
	if err := pv.insertVMA(addr, addr+uintptr(roundedSize), flags); err != nil {
		pv.unmapRangeBestEffort(addr, roundedSize, nil)
		return 0, err
	}

	pv.heapEnd = addr + uintptr(roundedSize)
	return addr, nil
}

// Free validates that [addr, addr+size) lies inside a single VMA, unmaps
// and frees its pages, and trims, splits, or removes that VMA. The heap
// end only retreats when the freed range abuts it.
func Free(id ID, addr uintptr, size mem.Size, freeFn vmm.FrameFreeFn) *kernel.Error {
	pv, err := get(id)
	if err != nil {
		return err
	}

	end := addr + uintptr(size)
	idx := pv.findVMA(addr, end)
	if idx < 0 {
		return errInvalidRange
	}

	if err := pv.unmapRangeBestEffort(addr, size, freeFn); err != nil {
		return err
	}
	pv.splitOrRemoveVMA(idx, addr, end)

	if end == pv.heapEnd {
		pv.heapEnd = addr
	}
	return nil
}

// MapForeignFrames maps pageCount already-allocated contiguous physical
// frames starting at baseFrame into a fresh range of this process's
// shared-memory bump region, for attaching a shm buffer this ProcessVM did
// not itself allocate. Unlike mapRange it never zero-fills: the frames may
// already hold live data another address space is sharing.
func MapForeignFrames(id ID, baseFrame pmm.Frame, pageCount uint32, flags Flag, allocFn vmm.FrameAllocatorFn) (uintptr, *kernel.Error) {
	pv, err := get(id)
	if err != nil {
		return 0, err
	}
	if pageCount == 0 {
		return 0, errZeroSize
	}

	leafFlags := vmm.FlagPresent | vmm.FlagUser
	if flags&FlagWrite != 0 {
		leafFlags |= vmm.FlagRW
	}
	if flags&FlagExec == 0 {
		leafFlags |= vmm.FlagNoExecute
	}

	addr := pv.shmNext
	for i := uint32(0); i < pageCount; i++ {
		frame := baseFrame + pmm.Frame(i)
		pageAddr := addr + uintptr(i)*uintptr(mem.PageSize)
		if err := pv.mapper.Map(vmm.PageFromAddress(pageAddr), frame, leafFlags, allocFn); err != nil {
			pv.unmapRangeBestEffort(addr, mem.Size(i)*mem.PageSize, nil)
			return 0, err
		}
	}

	size := mem.Size(pageCount) * mem.PageSize
	if err := pv.mapper.MarkRangeUser(addr, size); err != nil {
		pv.unmapRangeBestEffort(addr, size, nil)
		return 0, err
	}
	if err := pv.insertVMA(addr, addr+uintptr(size), flags); err != nil {
		pv.unmapRangeBestEffort(addr, size, nil)
		return 0, err
	}

	pv.shmNext = addr + uintptr(size)
	return addr, nil
}

// UnmapForeignFrames removes a mapping installed by MapForeignFrames. It
// never frees the underlying frames: ownership of shm-backed memory is
// tracked by kernel/shm, not by the ProcessVM attaching to it.
func UnmapForeignFrames(id ID, addr uintptr, pageCount uint32) *kernel.Error {
	pv, err := get(id)
	if err != nil {
		return err
	}

	size := mem.Size(pageCount) * mem.PageSize
	if err := pv.unmapRangeBestEffort(addr, size, nil); err != nil {
		return err
	}
	if idx := pv.findVMA(addr, addr+uintptr(size)); idx >= 0 {
		pv.splitOrRemoveVMA(idx, addr, addr+uintptr(size))
	}
	return nil
}

// mapRange maps pageCount fresh pages covering [addr, addr+size),
// zero-filling each one.
func (pv *ProcessVM) mapRange(addr uintptr, size mem.Size, flags Flag, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	leafFlags := vmm.FlagPresent | vmm.FlagUser
	if flags&FlagWrite != 0 {
		leafFlags |= vmm.FlagRW
	}
	if flags&FlagExec == 0 {
		leafFlags |= vmm.FlagNoExecute
	}

	pageCount := size.Pages()
	for i := uint32(0); i < pageCount; i++ {
		frame, err := allocFn()
		if err != nil {
			return err
		}
		if err := zeroFrame(frame, allocFn); err != nil {
			return err
		}

		pageAddr := addr + uintptr(i)*uintptr(mem.PageSize)
		if err := pv.mapper.Map(vmm.PageFromAddress(pageAddr), frame, leafFlags, allocFn); err != nil {
			return err
		}
	}

	return pv.mapper.MarkRangeUser(addr, size)
}

// unmapRangeBestEffort unmaps every page in [addr, addr+size); pages that
// are not present are skipped rather than treated as an error, since
// this is also used to roll back a partially completed mapRange.
func (pv *ProcessVM) unmapRangeBestEffort(addr uintptr, size mem.Size, freeFn vmm.FrameFreeFn) *kernel.Error {
	pageCount := size.Pages()
	for i := uint32(0); i < pageCount; i++ {
		pageAddr := addr + uintptr(i)*uintptr(mem.PageSize)

		frame, err := pv.mapper.Translate(pageAddr)
		if err != nil {
			continue
		}
		if err := pv.mapper.Unmap(vmm.PageFromAddress(pageAddr)); err != nil {
			return err
		}
		if freeFn != nil {
			if err := freeFn(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// insertVMA adds [start, end) to the list, coalescing with an adjacent
// VMA that carries identical flags rather than growing the list.
func (pv *ProcessVM) insertVMA(start, end uintptr, flags Flag) *kernel.Error {
	for i := int8(0); i < maxVMAs; i++ {
		v := &pv.vmas[i]
		if !v.inUse || v.flags != flags {
			continue
		}
		if v.end == start {
			v.end = end
			pv.tryCoalesceForward(i)
			return nil
		}
		if v.start == end {
			v.start = start
			return nil
		}
	}

	for i := range pv.vmas {
		if !pv.vmas[i].inUse {
			pv.vmas[i] = vma{start: start, end: end, flags: flags, inUse: true, next: pv.vmaHead}
			pv.vmaHead = int8(i)
			return nil
		}
	}
	return errNoVMASlot
}

// tryCoalesceForward merges vmas[i] with another VMA whose start equals
// vmas[i]'s new end, if one exists with matching flags.
func (pv *ProcessVM) tryCoalesceForward(i int8) {
	v := &pv.vmas[i]
	for j := range pv.vmas {
		if int8(j) == i || !pv.vmas[j].inUse || pv.vmas[j].flags != v.flags {
			continue
		}
		if pv.vmas[j].start == v.end {
			v.end = pv.vmas[j].end
			pv.vmas[j].inUse = false
		}
	}
}

// findVMA returns the index of the VMA fully containing [start, end), or
// -1 if no single VMA covers the whole range.
func (pv *ProcessVM) findVMA(start, end uintptr) int {
	for i := range pv.vmas {
		v := &pv.vmas[i]
		if v.inUse && start >= v.start && end <= v.end {
			return i
		}
	}
	return -1
}

// splitOrRemoveVMA removes [start, end) from vmas[idx], trimming from
// either edge, splitting into two surviving VMAs if the freed range sits
// in the middle, or freeing the slot entirely if it is fully consumed.
func (pv *ProcessVM) splitOrRemoveVMA(idx int, start, end uintptr) {
	v := &pv.vmas[idx]
	switch {
	case start == v.start && end == v.end:
		v.inUse = false
	case start == v.start:
		v.start = end
	case end == v.end:
		v.end = start
	default:
		tailStart, tailEnd, tailFlags := end, v.end, v.flags
		v.end = start
		for i := range pv.vmas {
			if !pv.vmas[i].inUse {
				pv.vmas[i] = vma{start: tailStart, end: tailEnd, flags: tailFlags, inUse: true, next: pv.vmaHead}
				pv.vmaHead = int8(i)
				return
			}
		}
	}
}
