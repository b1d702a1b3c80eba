// Package limine parses the Limine boot protocol handoff: a fixed set of
// request structs placed in the kernel image between linker-defined start
// and end markers, each filled in with a response pointer by the
// bootloader before it jumps to the kernel entry point. This is the same
// "caller-populated, kernel-walks-a-fixed-layout" shape as
// kernel/hal/multiboot's tag walk, retargeted at Limine's request/response
// records instead of multiboot2's tag stream.
//
// The request variables below must be referenced from a linker script (or
// the assembly entry stub, as kernel/kmain's rt0 hand-off already is) so
// they land in the `.requests`/`.requests_start_marker`/
// `.requests_end_marker` sections the protocol requires; that placement is
// asm/linker territory this package only describes, exactly like
// kernel/irq's gate table never touches the IDTR itself.
package limine

import "unsafe"

// baseRevisionSupported is the highest protocol base revision this package
// understands. Init fails loudly (by returning false) if the bootloader
// did not accept it.
const baseRevisionSupported = 3

// id is the 4-word magic + request-specific tag every Limine request
// begins with.
type id [4]uint64

var (
	commonMagic0 = uint64(0xc7b1dd30df4c8b88)
	commonMagic1 = uint64(0x0a82e883a194f07b)
)

// BaseRevision is placed in the `.requests` section and negotiates the
// protocol revision with the bootloader; after the jump to the kernel,
// baseRevision[2] reads back 0 if the requested revision was accepted.
var baseRevision = [3]uint64{0xf9562b2d5c95a6c8, 0x6a7b384944536bdc, baseRevisionSupported}

// BaseRevisionSupported reports whether the bootloader accepted the
// requested base revision.
func BaseRevisionSupported() bool {
	return baseRevision[2] == 0
}

// hhdmRequest asks for the higher-half direct map offset.
type hhdmRequest struct {
	ID       id
	Revision uint64
	Response *hhdmResponse
}

type hhdmResponse struct {
	Revision uint64
	Offset   uint64
}

var hhdm = hhdmRequest{ID: id{commonMagic0, commonMagic1, 0x48dcf1cb8ad2b852, 0x63984e959a98244b}}

// HHDMOffset returns the offset added to a physical address to reach its
// mapping in the higher-half direct map, or ok=false if the bootloader did
// not respond.
func HHDMOffset() (uint64, bool) {
	if hhdm.Response == nil {
		return 0, false
	}
	return hhdm.Response.Offset, true
}

// memmapRequest asks for the bootloader's physical memory map.
type memmapRequest struct {
	ID       id
	Revision uint64
	Response *memmapResponse
}

type memmapResponse struct {
	Revision   uint64
	EntryCount uint64
	Entries    **memmapEntry
}

// EntryType classifies one memory-map entry; values match the Limine
// protocol's memmap entry type field.
type EntryType uint64

const (
	EntryUsable EntryType = iota
	EntryReserved
	EntryACPIReclaimable
	EntryACPINVS
	EntryBadMemory
	EntryBootloaderReclaimable
	EntryKernelAndModules
	EntryFramebuffer
)

type memmapEntry struct {
	Base   uint64
	Length uint64
	Type   EntryType
}

var memmap = memmapRequest{ID: id{commonMagic0, commonMagic1, 0x67cf3d9d378a806f, 0xe304acdfc50c3c62}}

// MemmapEntry is the kernel-side view of one memory-map record.
type MemmapEntry struct {
	Base   uintptr
	Length uint64
	Type   EntryType
}

// MemmapVisitor is invoked by VisitMemmap for each entry; returning false
// stops the walk early, the same early-exit convention
// kernel/mem/region.IterateUsable uses.
type MemmapVisitor func(e MemmapEntry) bool

// VisitMemmap walks every entry in the bootloader's memory map. It is a
// no-op if the bootloader never responded to the request.
func VisitMemmap(visitor MemmapVisitor) {
	if memmap.Response == nil {
		return
	}

	count := memmap.Response.EntryCount
	base := uintptr(unsafe.Pointer(memmap.Response.Entries))
	for i := uint64(0); i < count; i++ {
		entryPtrAddr := base + uintptr(i)*unsafe.Sizeof(uintptr(0))
		entryPtr := *(**memmapEntry)(unsafe.Pointer(entryPtrAddr))
		e := MemmapEntry{Base: uintptr(entryPtr.Base), Length: entryPtr.Length, Type: entryPtr.Type}
		if !visitor(e) {
			return
		}
	}
}

// framebufferRequest asks for a pre-initialized linear framebuffer.
type framebufferRequest struct {
	ID       id
	Revision uint64
	Response *framebufferResponse
}

type framebufferResponse struct {
	Revision         uint64
	FramebufferCount uint64
	Framebuffers     **rawFramebuffer
}

type rawFramebuffer struct {
	Address        uint64
	Width, Height  uint64
	Pitch          uint64
	Bpp            uint16
	MemoryModel    uint8
	RedMaskSize    uint8
	RedMaskShift   uint8
	GreenMaskSize  uint8
	GreenMaskShift uint8
	BlueMaskSize   uint8
	BlueMaskShift  uint8
}

var framebuffer = framebufferRequest{ID: id{commonMagic0, commonMagic1, 0x9d5827dcd881dd75, 0xa3148604f6fab11b}}

// FramebufferInfo mirrors multiboot.FramebufferInfo's shape so
// kernel/hal can switch bootloaders without changing its console
// initialization call site.
type FramebufferInfo struct {
	PhysAddr      uint64
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

// Framebuffer returns the bootloader's first pre-initialized framebuffer,
// or ok=false if none was provided.
func Framebuffer() (FramebufferInfo, bool) {
	if framebuffer.Response == nil || framebuffer.Response.FramebufferCount == 0 {
		return FramebufferInfo{}, false
	}
	fb := *framebuffer.Response.Framebuffers
	return FramebufferInfo{
		PhysAddr: fb.Address,
		Pitch:    uint32(fb.Pitch),
		Width:    uint32(fb.Width),
		Height:   uint32(fb.Height),
		Bpp:      uint8(fb.Bpp),
	}, true
}

// rsdpRequest asks for the physical address of the ACPI RSDP.
type rsdpRequest struct {
	ID       id
	Revision uint64
	Response *rsdpResponse
}

type rsdpResponse struct {
	Revision uint64
	Address  uint64
}

var rsdp = rsdpRequest{ID: id{commonMagic0, commonMagic1, 0xc5e77b6b397e7b43, 0x27637845accdcf3c}}

// RSDP returns the physical address of the ACPI RSDP, or ok=false if the
// bootloader did not provide one.
func RSDP() (uintptr, bool) {
	if rsdp.Response == nil {
		return 0, false
	}
	return uintptr(rsdp.Response.Address), true
}

// kernelAddressRequest asks for the kernel's physical and virtual load
// addresses, needed to compute the fixed ELF-VA-to-user-VA translation
// kernel/mem/procvm's loader performs.
type kernelAddressRequest struct {
	ID       id
	Revision uint64
	Response *kernelAddressResponse
}

type kernelAddressResponse struct {
	Revision     uint64
	PhysicalBase uint64
	VirtualBase  uint64
}

var kernelAddress = kernelAddressRequest{ID: id{commonMagic0, commonMagic1, 0x71ba76863cc55f63, 0xb2644a48c516a487}}

// KernelAddress returns the kernel's physical and virtual load base, or
// ok=false if the bootloader did not respond.
func KernelAddress() (physBase, virtBase uintptr, ok bool) {
	if kernelAddress.Response == nil {
		return 0, 0, false
	}
	return uintptr(kernelAddress.Response.PhysicalBase), uintptr(kernelAddress.Response.VirtualBase), true
}

// executableCmdlineRequest asks for the kernel command line as configured
// in the bootloader's entry.
type executableCmdlineRequest struct {
	ID       id
	Revision uint64
	Response *executableCmdlineResponse
}

type executableCmdlineResponse struct {
	Revision uint64
	Cmdline  *byte
}

var executableCmdline = executableCmdlineRequest{ID: id{commonMagic0, commonMagic1, 0x4b161536e598651e, 0xb390ad4a2f1f303a}}

// CommandLine returns the kernel command line as a Go string, or "" if the
// bootloader did not provide one.
func CommandLine() string {
	if executableCmdline.Response == nil || executableCmdline.Response.Cmdline == nil {
		return ""
	}

	// NUL-terminated, like a C string; the bootloader never tells us the
	// length directly so the scan must stop itself.
	const maxLen = 1024
	base := uintptr(unsafe.Pointer(executableCmdline.Response.Cmdline))
	n := 0
	for ; n < maxLen; n++ {
		if *(*byte)(unsafe.Pointer(base + uintptr(n))) == 0 {
			break
		}
	}
	buf := unsafe.Slice(executableCmdline.Response.Cmdline, n)
	return string(buf)
}
