package vmm

import (
	"unsafe"

	"github.com/talus-os/talus/kernel/mem"
)

// ptePtrFn resolves the virtual address of a page table entry to a pointer.
// It is the identity function in production, where the recursive mapping
// trick guarantees that entry addresses computed by walk are themselves
// dereferenceable; tests override it to redirect reads/writes into a
// host-memory stand-in for the page tables.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// walk resolves virtAddr one paging level at a time, invoking visitor with
// the entry at each level. It starts at the fixed recursive-mapping window
// (so the first table it reads is always the active PML4, regardless of
// which address space is active) and, after a non-terminal visitor call
// returns true, advances to the next level's table using the same
// self-referential trick: left-shifting the just-visited entry's own
// address by that level's index width yields the address of the table it
// points to.
//
// Iteration stops early if the visitor returns false.
func walk(virtAddr uintptr, visitor func(level uint8, pte *pageTableEntry) bool) {
	tableAddr := recursiveWalkBase

	for level := uint8(0); level < pageLevels; level++ {
		shift := pageLevelShifts[level]
		index := (virtAddr >> shift) & pageLevelMask
		entryAddr := tableAddr + (index << mem.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !visitor(level, pte) {
			return
		}

		if level < pageLevels-1 {
			tableAddr = nextAddrFn(uintptr(unsafe.Pointer(pte)) << pageLevelBits[level+1])
		}
	}
}

// recursiveWalkBase is the virtual address of the recursively-mapped PML4
// itself: every index along the path is the recursive slot.
const recursiveWalkBase = 0xffff000000000000 |
	(recursiveIndex << p4Shift) |
	(recursiveIndex << p3Shift) |
	(recursiveIndex << p2Shift) |
	(recursiveIndex << p1Shift)
