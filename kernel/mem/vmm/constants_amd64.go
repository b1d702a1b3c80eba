package vmm

// pageLevels is the depth of the amd64 paging hierarchy: PML4, PDPT, PD, PT.
const pageLevels = 4

// Bit offsets of each paging level's 9-bit index field within a virtual
// address, named individually so tempMappingAddr below can be a compile-time
// constant.
const (
	p4Shift = 39
	p3Shift = 30
	p2Shift = 21
	p1Shift = 12
)

// pageLevelShifts holds, for each paging level, the bit offset of that
// level's 9-bit index field within a virtual address. The last entry
// (12) doubles as the width of the in-page byte offset, which is how
// Translate recovers it.
var pageLevelShifts = [pageLevels]uint{p4Shift, p3Shift, p2Shift, p1Shift}

// pageLevelBits holds the width, in bits, of each level's index field. All
// four amd64 paging levels use 9-bit indices (512 entries per table).
var pageLevelBits = [pageLevels]uint{9, 9, 9, 9}

// pageLevelMask isolates a single 9-bit index field once shifted into place.
const pageLevelMask = uintptr(1<<9 - 1)

// ptePhysPageMask isolates the physical frame address bits (12-51) of a
// raw page table entry, excluding the flag bits below bit 12 and the NX
// bit at bit 63.
const ptePhysPageMask = 0x000ffffffffff000

// recursiveIndex is the PML4 slot whose entry points back at the PML4
// itself, making every page table in the hierarchy addressable through a
// fixed virtual address window.
const recursiveIndex = 511

// tempMappingAddr is the fixed virtual address used by MapTemporary (PML4
// index 510, then 511 at each lower level). PML4 slot 510 is part of the
// kernel half that copyKernelMappings shares, so whatever physical frame
// is mapped there becomes reachable at this one address, regardless of
// which process's page tables are active.
const tempMappingAddr = 0xffff000000000000 |
	(510 << p4Shift) |
	(511 << p3Shift) |
	(511 << p2Shift) |
	(511 << p1Shift)
