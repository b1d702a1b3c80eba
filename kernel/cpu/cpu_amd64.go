package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the contents of the CR2 register, which the CPU loads
// with the faulting address on a page fault.
func ReadCR2() uint64

// SwitchContext saves the callee-saved registers and stack pointer of the
// outgoing task into *savedRSP, loads them back from newRSP, and resumes
// execution there. Both pointers reference the top of a minimal
// callee-saved switch frame (not a full interrupt frame); a freshly
// created task's frame is seeded so the restore lands on its entry
// trampoline instead of a real caller.
func SwitchContext(savedRSP *uintptr, newRSP uintptr)

// SwitchToUserContext loads rsp0 into the TSS, switches CR3 to addrSpace,
// and performs an iret-based jump into a user task's saved interrupt
// frame at userRSP. It does not return to its caller; control resumes
// wherever the user task's frame was last saved.
func SwitchToUserContext(userRSP uintptr, addrSpace uintptr, rsp0 uintptr)
