package vmm

import "github.com/talus-os/talus/kernel"

// ErrInvalidMapping is returned when an operation targets a virtual address
// that is not currently mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "address is not mapped"}

// pteForAddress walks the active page tables and returns the leaf entry
// mapping virtAddr, or ErrInvalidMapping if any level along the path is not
// present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		result *pageTableEntry
		err    *kernel.Error
	)

	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			result = pte
		}
		return true
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}
