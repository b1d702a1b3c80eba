package irq

import (
	"unsafe"

	"github.com/talus-os/talus/kernel/kfmt"
	"golang.org/x/arch/x86/x86asm"
)

// maxDisasmBytes bounds how many bytes at RIP are exposed to the decoder;
// no x86-64 instruction is longer than 15 bytes, but faulting right at the
// end of a mapped page means fewer bytes may actually be readable.
const maxDisasmBytes = 16

// disasmBytesAt reads up to maxDisasmBytes raw bytes starting at a faulting
// RIP. The caller is expected to only invoke this from a context where rip
// is known to point at mapped, readable memory (we are handling the fault,
// not causing a new one).
func disasmBytesAt(rip uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rip))), maxDisasmBytes)
}

// printFaultingInstruction decodes and prints the single instruction at
// the frame's RIP, for inclusion in a panic/fault dump. Decode failures
// are reported rather than silently swallowed, since a decode failure at
// a fault site is itself diagnostic information.
func printFaultingInstruction(f *Frame) {
	inst, err := x86asm.Decode(disasmBytesAt(f.RIP), 64)
	if err != nil {
		kfmt.Printf("faulting instruction @ %16x: <could not decode: %s>\n", f.RIP, err.Error())
		return
	}
	kfmt.Printf("faulting instruction @ %16x: %s\n", f.RIP, x86asm.GNUSyntax(inst, f.RIP, nil))
}
