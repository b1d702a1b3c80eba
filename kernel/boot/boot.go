// Package boot drives the kernel's startup sequence: it validates the
// Limine handoff, applies the kernel command line, publishes the physical
// memory map, and brings the allocator and virtual memory manager online
// in the fixed order the rest of the kernel depends on. This replaces the
// teacher's linear chain of calls directly inside Kmain with a named
// sequence of phases, the same way kernel/irq separates vector
// classification from dispatch instead of inlining it at the call site.
package boot

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/boot/cmdline"
	"github.com/talus-os/talus/kernel/boot/limine"
	"github.com/talus-os/talus/kernel/kfmt"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm/allocator"
	"github.com/talus-os/talus/kernel/mem/region"
	"github.com/talus-os/talus/kernel/mem/vmm"
)

var (
	errBaseRevision  = &kernel.Error{Module: "boot", Message: "bootloader did not accept the requested Limine base revision"}
	errNoMemoryMap   = &kernel.Error{Module: "boot", Message: "bootloader did not provide a memory map"}
	errNoFramebuffer = &kernel.Error{Module: "boot", Message: "bootloader did not provide a framebuffer"}
)

var (
	hhdmOffset uint64
	rsdpAddr   uintptr
	kernelPhys uintptr
	kernelVirt uintptr
	fb         limine.FramebufferInfo
	fbValid    bool
)

// The limine.* calls below are indirected through package-level function
// variables so tests can substitute a fake handoff without the bootloader
// having actually run, mirroring the mockable-function-variable seam used
// throughout kernel/mem/vmm and kernel/mem/heap.
var (
	baseRevisionSupportedFn = limine.BaseRevisionSupported
	commandLineFn           = limine.CommandLine
	hhdmOffsetFn            = limine.HHDMOffset
	rsdpFn                  = limine.RSDP
	kernelAddressFn         = limine.KernelAddress
	framebufferFn           = limine.Framebuffer
	visitMemmapFn           = limine.VisitMemmap
	allocatorInitFn         = allocator.Init
	vmmInitFn               = vmm.Init
)

// Init runs every boot phase in order: base revision check, command line,
// physical memory map, frame allocator, then virtual memory manager. It
// returns the first error encountered; callers are expected to panic on a
// non-nil return, since none of these phases can be meaningfully retried.
func Init() *kernel.Error {
	installExceptionPanicHandlers()

	if !baseRevisionSupportedFn() {
		return errBaseRevision
	}

	line := commandLineFn()
	cmdline.Apply(line)
	kfmt.Debugf("boot: command line applied: %s\n", line)

	if offset, ok := hhdmOffsetFn(); ok {
		hhdmOffset = offset
	}
	if addr, ok := rsdpFn(); ok {
		rsdpAddr = addr
	}
	if phys, virt, ok := kernelAddressFn(); ok {
		kernelPhys, kernelVirt = phys, virt
	}
	if info, ok := framebufferFn(); ok {
		fb, fbValid = info, true
	} else {
		return errNoFramebuffer
	}

	if err := publishMemoryMap(); err != nil {
		return err
	}
	if kfmt.DebugEnabled() {
		region.Default.IterateReserved(func(r *region.Region) bool {
			kfmt.Debugf("boot: reserved region %s [%x, %x)\n", r.Kind.String(), r.Base, uintptr(r.Len))
			return true
		})
	}

	if err := allocatorInitFn(); err != nil {
		return err
	}
	if err := vmmInitFn(); err != nil {
		return err
	}

	return nil
}

// publishMemoryMap walks the bootloader's memory map into region.Default,
// classifying every non-usable entry by the closest matching
// region.ReservationType.
func publishMemoryMap() *kernel.Error {
	region.Default.Reset()

	seen := false
	var firstErr *kernel.Error
	visitMemmapFn(func(e limine.MemmapEntry) bool {
		seen = true
		switch e.Type {
		case limine.EntryUsable:
			if err := region.Default.AddUsable(e.Base, mem.Size(e.Length), "usable"); err != nil && firstErr == nil {
				firstErr = err
			}
		case limine.EntryACPIReclaimable:
			if err := region.Default.Reserve(e.Base, mem.Size(e.Length), region.ReservationACPIReclaim, 0, "acpi-reclaimable"); err != nil && firstErr == nil {
				firstErr = err
			}
		case limine.EntryACPINVS:
			if err := region.Default.Reserve(e.Base, mem.Size(e.Length), region.ReservationACPINVS, 0, "acpi-nvs"); err != nil && firstErr == nil {
				firstErr = err
			}
		case limine.EntryFramebuffer:
			if err := region.Default.Reserve(e.Base, mem.Size(e.Length), region.ReservationFramebuffer, 0, "framebuffer"); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			// Reserved, BadMemory, BootloaderReclaimable and
			// KernelAndModules are all memory the allocator must never
			// touch; none of them need the more specific reservation
			// types, so they fall back to the generic bucket.
			if err := region.Default.Reserve(e.Base, mem.Size(e.Length), region.ReservationNone, 0, "reserved"); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return true
	})

	if !seen {
		return errNoMemoryMap
	}
	return firstErr
}

// Framebuffer returns the framebuffer descriptor the bootloader handed
// off, for kernel/hal to initialize its console against.
func Framebuffer() (limine.FramebufferInfo, bool) {
	return fb, fbValid
}

// HHDMOffset returns the higher-half direct map offset published during
// Init.
func HHDMOffset() uint64 {
	return hhdmOffset
}

// RSDP returns the ACPI RSDP physical address published during Init, or 0
// if the bootloader did not provide one.
func RSDP() uintptr {
	return rsdpAddr
}

// KernelAddress returns the kernel's physical and virtual load base
// published during Init.
func KernelAddress() (physBase, virtBase uintptr) {
	return kernelPhys, kernelVirt
}
