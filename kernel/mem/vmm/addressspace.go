package vmm

import (
	"unsafe"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
)

// kernelPML4Start is the first PML4 index of the canonical upper half
// (virtual address 0xffff800000000000). Every address space shares the
// same mappings from this index up to, but excluding, recursiveIndex;
// entries below it are private to each address space and hold its
// user-mode mappings.
const kernelPML4Start = 256

// FrameFreeFn releases a physical frame previously obtained from a
// FrameAllocatorFn.
type FrameFreeFn func(pmm.Frame) *kernel.Error

// AddressSpace is a process's own PML4 together with the bookkeeping
// needed to tear down its user-mode half independently of the kernel's
// shared mappings.
type AddressSpace struct {
	pdt PageDirectoryTable
}

// NewAddressSpace allocates a fresh PML4, recursively self-maps it via
// PageDirectoryTable.Init and copies every kernel-half mapping from the
// currently active address space so the new one can run kernel code
// immediately after being activated.
func NewAddressSpace(allocFn FrameAllocatorFn) (*AddressSpace, *kernel.Error) {
	pdtFrame, err := allocFn()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{}
	if err := as.pdt.Init(pdtFrame, allocFn); err != nil {
		return nil, err
	}
	if err := as.copyKernelMappings(allocFn); err != nil {
		return nil, err
	}

	return as, nil
}

// PDT exposes the underlying page directory table for Activate calls.
func (as *AddressSpace) PDT() *PageDirectoryTable {
	return &as.pdt
}

// Map installs a mapping in this address space, active or not.
func (as *AddressSpace) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return as.pdt.Map(page, frame, flags, allocFn)
}

// Unmap removes a mapping previously installed via Map.
func (as *AddressSpace) Unmap(page Page) *kernel.Error {
	return as.pdt.Unmap(page)
}

// Translate resolves a virtual address to the physical frame backing it
// in this address space, borrowing the recursive slot the same way
// MarkRangeUser and IsUserAccessible do when this address space isn't
// the active one.
func (as *AddressSpace) Translate(addr uintptr) (pmm.Frame, *kernel.Error) {
	var (
		frame pmm.Frame
		err   *kernel.Error
	)

	as.withWalk(func() {
		pte, e := pteForAddress(addr)
		if e != nil {
			err = e
			return
		}
		frame = pte.Frame()
	})

	return frame, err
}

// copyKernelMappings copies PML4 entries [kernelPML4Start, recursiveIndex)
// from the active PML4 into this address space's own, skipping the
// recursive slot itself since PageDirectoryTable.Init already pointed it
// at this address space's own frame rather than the active one's. It
// reads the active PML4 directly off activePDTFn(), the same way
// PageDirectoryTable.Map/Unmap reach into the active PDT to borrow its
// recursive slot.
func (as *AddressSpace) copyKernelMappings(allocFn FrameAllocatorFn) *kernel.Error {
	activeTable := (*[1 << 9]pageTableEntry)(unsafe.Pointer(activePDTFn()))

	tmpPage, err := mapTemporaryFn(as.pdt.pdtFrame, allocFn)
	if err != nil {
		return err
	}
	newTable := (*[1 << 9]pageTableEntry)(unsafe.Pointer(tmpPage.Address()))

	for i := kernelPML4Start; i < (1<<9)-1; i++ {
		if i == recursiveIndex {
			continue
		}
		newTable[i] = activeTable[i]
	}

	unmapFn(tmpPage)
	return nil
}

// withWalk temporarily repoints the active PDT's recursive slot at this
// address space's own PML4 frame, so that walk() (and anything built on
// it) resolves addresses against this address space's tables instead of
// whichever one is actually active, mirroring the borrow-and-restore
// trick PageDirectoryTable.Map/Unmap already use. fn must not block or
// trigger a context switch, since the slot is shared kernel-wide state.
func (as *AddressSpace) withWalk(fn func()) {
	activePdtFrame := pmm.Frame(activePDTFn() >> mem.PageShift)
	if activePdtFrame == as.pdt.pdtFrame {
		fn()
		return
	}

	lastPdtEntryAddr := activePdtFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(lastPdtEntryAddr))
	lastPdtEntry.SetFrame(as.pdt.pdtFrame)
	flushTLBEntryFn(lastPdtEntryAddr)

	fn()

	lastPdtEntry.SetFrame(activePdtFrame)
	flushTLBEntryFn(lastPdtEntryAddr)
}

// MarkRangeUser sets FlagUser on every paging-structure entry along the
// path to each page in [addr, addr+size), not just the leaf PTE: the MMU
// only allows ring-3 access through a mapping when every level between
// the PML4 and the leaf has the User bit set.
func (as *AddressSpace) MarkRangeUser(addr uintptr, size mem.Size) *kernel.Error {
	var err *kernel.Error

	pageCount := size.Pages()
	as.withWalk(func() {
		for i := uint32(0); i < pageCount; i++ {
			pageAddr := PageFromAddress(addr).Address() + uintptr(i)*uintptr(mem.PageSize)
			walk(pageAddr, func(level uint8, pte *pageTableEntry) bool {
				if !pte.HasFlags(FlagPresent) {
					err = ErrInvalidMapping
					return false
				}
				pte.SetFlags(FlagUser)
				return true
			})
			if err != nil {
				return
			}
		}
	})

	return err
}

// IsUserAccessible reports whether addr resolves, in this address space,
// to a present leaf mapping with FlagUser set along its entire path.
func (as *AddressSpace) IsUserAccessible(addr uintptr) bool {
	var ok bool

	as.withWalk(func() {
		walk(addr, func(level uint8, pte *pageTableEntry) bool {
			if !pte.HasFlags(FlagPresent) || !pte.HasFlags(FlagUser) {
				return false
			}
			if level == pageLevels-1 {
				ok = true
			}
			return true
		})
	})

	return ok
}

// FreeUserSpace walks every present mapping in the user half of this
// address space (PML4 entries below kernelPML4Start), releasing each
// backing frame and each intermediate page-table frame through freeFn,
// then zeroes the freed PML4 entries so a subsequent call is a no-op.
func (as *AddressSpace) FreeUserSpace(freeFn FrameFreeFn, allocFn FrameAllocatorFn) *kernel.Error {
	return as.freeTableRange(as.pdt.pdtFrame, 0, 0, kernelPML4Start, freeFn, allocFn)
}

// Destroy frees the user half of the address space and then the PML4
// frame itself; the AddressSpace must not be used afterwards.
func (as *AddressSpace) Destroy(freeFn FrameFreeFn, allocFn FrameAllocatorFn) *kernel.Error {
	if err := as.FreeUserSpace(freeFn, allocFn); err != nil {
		return err
	}
	return freeFn(as.pdt.pdtFrame)
}

// freeTableRange recurses down the paging hierarchy starting at
// tableFrame's entries [startIdx, endIdx), freeing leaf frames directly
// and intermediate table frames after their own contents have been
// freed. Huge pages are skipped rather than failing the teardown, since
// nothing in this address space layout ever establishes one.
func (as *AddressSpace) freeTableRange(tableFrame pmm.Frame, level int, startIdx, endIdx int, freeFn FrameFreeFn, allocFn FrameAllocatorFn) *kernel.Error {
	page, err := mapTemporaryFn(tableFrame, allocFn)
	if err != nil {
		return err
	}
	table := (*[1 << 9]pageTableEntry)(unsafe.Pointer(page.Address()))

	for i := startIdx; i < endIdx; i++ {
		pte := &table[i]
		if !pte.HasFlags(FlagPresent) {
			continue
		}
		if pte.HasFlags(FlagHugePage) {
			continue
		}

		childFrame := pte.Frame()
		if level < pageLevels-1 {
			if err := as.freeTableRange(childFrame, level+1, 0, 1<<9, freeFn, allocFn); err != nil {
				unmapFn(page)
				return err
			}
		}
		if err := freeFn(childFrame); err != nil {
			unmapFn(page)
			return err
		}
		*pte = 0
	}

	unmapFn(page)
	return nil
}
