// Package region maintains the authoritative physical memory map: the set
// of non-overlapping extents the kernel believes exist, tagged as either
// usable or reserved for some specific purpose.
//
// The map is built during boot init, before the kernel heap or even the
// physical frame allocator exist, so it is backed by a fixed-capacity array
// rather than a slice, in the same non-allocating style as
// kernel/hal/multiboot's tag-walk over a caller-supplied buffer.
package region

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
)

// maxRegions bounds the number of extents the map can track. A real memory
// map rarely exceeds a few dozen entries even after every reservation has
// split its neighbors, so this is comfortably generous.
const maxRegions = 128

//go:generate stringer -type=Kind

// Kind classifies a region as usable system memory or as memory that is
// reserved for some purpose and must never be handed to the frame allocator.
type Kind uint8

const (
	// Usable indicates memory that the frame allocator may claim.
	Usable Kind = iota
	// Reserved indicates memory the frame allocator must never touch.
	Reserved
)

// ReservationType further classifies a Reserved region.
type ReservationType uint8

// Recognized reservation types, per the data model in §3.
const (
	ReservationNone ReservationType = iota
	ReservationAllocatorMetadata
	ReservationFramebuffer
	ReservationACPIReclaim
	ReservationACPINVS
	ReservationAPIC
	ReservationFirmware
)

// Flag holds region attribute bits orthogonal to Kind/ReservationType.
type Flag uint32

const (
	// FlagDMA marks a region as suitable for DMA-constrained allocations.
	FlagDMA Flag = 1 << iota
)

// labelLen bounds the region's short descriptive label.
const labelLen = 24

// Region describes a contiguous physical extent.
type Region struct {
	Base  uintptr
	Len   mem.Size
	Kind  Kind
	RType ReservationType
	Flags Flag
	label [labelLen]byte
	llen  uint8
}

// Label returns the region's short descriptive string.
func (r *Region) Label() string {
	return string(r.label[:r.llen])
}

func (r *Region) setLabel(label string) {
	n := copy(r.label[:], label)
	r.llen = uint8(n)
}

// End returns the (exclusive) end address of the region.
func (r *Region) End() uintptr {
	return r.Base + uintptr(r.Len)
}

var (
	errOverflow       = &kernel.Error{Module: "region", Message: "region map capacity exhausted"}
	errVirtualAddress = &kernel.Error{Module: "region", Message: "refusing virtual address as physical base"}
	errZeroLength     = &kernel.Error{Module: "region", Message: "zero-length region"}
	overflowCount     uint32
)

// Map is the ordered, non-overlapping store of physical extents. There is
// exactly one instance in the kernel, exposed as the package-level Default.
type Map struct {
	entries [maxRegions]Region
	count   int
}

// Default is the kernel's single region map, populated during boot init and
// immutable thereafter.
var Default Map

// Reset clears the map back to empty.
func (m *Map) Reset() {
	m.count = 0
}

// Count returns the number of regions currently tracked.
func (m *Map) Count() int { return m.count }

// Get returns the region at index, or nil if index is out of range.
func (m *Map) Get(index int) *Region {
	if index < 0 || index >= m.count {
		return nil
	}
	return &m.entries[index]
}

// isVirtual rejects addresses that fall in the kernel upper-half or HHDM
// windows; the region map only ever describes physical memory.
func isVirtual(addr uintptr) bool {
	// Canonical upper-half addresses have their top bit set; a physical
	// address on a machine with well under 2^63 bytes of RAM never does.
	return addr&(1<<63) != 0
}

// AddUsable records base..base+len as usable system memory.
func (m *Map) AddUsable(base uintptr, len mem.Size, label string) *kernel.Error {
	return m.overlay(base, len, Usable, ReservationNone, 0, label)
}

// Reserve records base..base+len as reserved memory of the given type.
func (m *Map) Reserve(base uintptr, len mem.Size, rtype ReservationType, flags Flag, label string) *kernel.Error {
	return m.overlay(base, len, Reserved, rtype, flags, label)
}

// pageAlign rounds base down and len up so the extent covers whole pages.
func pageAlign(base uintptr, len mem.Size) (uintptr, mem.Size) {
	end := (mem.Size(base) + len + mem.PageSize - 1) &^ (mem.PageSize - 1)
	alignedBase := uintptr(mem.Size(base) &^ (mem.PageSize - 1))
	return alignedBase, end - mem.Size(alignedBase)
}

// overlay is the single mutation primitive behind AddUsable and Reserve: it
// expresses the incoming range as 4KiB-aligned, splits any overlapping
// region at the endpoints, overwrites the overlapped slice with the new
// attributes, and merges equivalent neighbors.
func (m *Map) overlay(base uintptr, len mem.Size, kind Kind, rtype ReservationType, flags Flag, label string) *kernel.Error {
	if len == 0 {
		return errZeroLength
	}
	if isVirtual(base) {
		return errVirtualAddress
	}

	base, len = pageAlign(base, len)
	end := base + uintptr(len)

	if !m.makeRoomFor(base, end) || !m.canGrow() {
		overflowCount++
		return errOverflow
	}

	m.insertSorted(base, len, kind, rtype, flags, label)
	m.mergeAdjacent()
	return nil
}

// makeRoomFor splits any region overlapping [base,end) at the endpoints so
// that overlay's subsequent insert can simply drop the new region into the
// gap. Returns false if the map has no spare capacity for the split.
func (m *Map) makeRoomFor(base, end uintptr) bool {
	for i := 0; i < m.count; i++ {
		r := &m.entries[i]
		rEnd := r.End()
		if rEnd <= base || r.Base >= end {
			continue
		}

		// Left remainder: r.Base..base
		if r.Base < base {
			if !m.canGrow() {
				return false
			}
			m.splitOff(i, base)
			continue // the overlapping part now starts at i+1, visited next
		}

		// Right remainder: end..rEnd
		if rEnd > end {
			if !m.canGrow() {
				return false
			}
			m.splitOff(i, end)
			continue
		}

		// Fully covered: will be overwritten wholesale by insertSorted via
		// removeRange below.
	}

	m.removeFullyCovered(base, end)
	return true
}

func (m *Map) canGrow() bool {
	return m.count < maxRegions
}

// splitOff splits entries[i] at addr, producing two adjacent entries with
// identical attributes.
func (m *Map) splitOff(i int, addr uintptr) {
	r := m.entries[i]
	leftLen := mem.Size(addr - r.Base)
	rightLen := r.Len - leftLen

	m.entries[i].Len = leftLen

	m.insertAt(i+1, Region{Base: addr, Len: rightLen, Kind: r.Kind, RType: r.RType, Flags: r.Flags, label: r.label, llen: r.llen})
}

// removeFullyCovered deletes any region now fully inside [base,end) — after
// splitOff has trimmed partial overlaps, only fully-covered entries remain.
func (m *Map) removeFullyCovered(base, end uintptr) {
	w := 0
	for r := 0; r < m.count; r++ {
		e := &m.entries[r]
		if e.Base >= base && e.End() <= end {
			continue
		}
		if w != r {
			m.entries[w] = m.entries[r]
		}
		w++
	}
	m.count = w
}

// insertAt shifts entries right to make room at index i.
func (m *Map) insertAt(i int, r Region) {
	copy(m.entries[i+1:m.count+1], m.entries[i:m.count])
	m.entries[i] = r
	m.count++
}

// insertSorted inserts the new region keeping entries ordered by Base.
func (m *Map) insertSorted(base uintptr, len mem.Size, kind Kind, rtype ReservationType, flags Flag, label string) {
	i := 0
	for ; i < m.count; i++ {
		if m.entries[i].Base >= base {
			break
		}
	}
	r := Region{Base: base, Len: len, Kind: kind, RType: rtype, Flags: flags}
	r.setLabel(label)
	m.insertAt(i, r)
}

// mergeAdjacent coalesces neighboring regions that share identical
// attributes, keeping the map's overlay semantics from fragmenting it.
func (m *Map) mergeAdjacent() {
	w := 0
	for r := 1; r < m.count; r++ {
		prev := &m.entries[w]
		cur := &m.entries[r]
		if prev.End() == cur.Base && prev.Kind == cur.Kind && prev.RType == cur.RType && prev.Flags == cur.Flags {
			prev.Len += cur.Len
			continue
		}
		w++
		if w != r {
			m.entries[w] = m.entries[r]
		}
	}
	m.count = w + 1
}

// Find returns the region covering physAddr, or nil if none does.
func (m *Map) Find(physAddr uintptr) *Region {
	for i := 0; i < m.count; i++ {
		r := &m.entries[i]
		if physAddr >= r.Base && physAddr < r.End() {
			return r
		}
	}
	return nil
}

// IsReserved reports whether physAddr falls inside a Reserved region (an
// address not covered by any region at all is also treated as reserved,
// since the map is expected to be total once init completes).
func (m *Map) IsReserved(physAddr uintptr) bool {
	r := m.Find(physAddr)
	return r == nil || r.Kind == Reserved
}

// IsRangeReserved reports whether every byte in [base,base+len) is reserved.
func (m *Map) IsRangeReserved(base uintptr, len mem.Size) bool {
	end := base + uintptr(len)
	for addr := base; addr < end; {
		r := m.Find(addr)
		if r == nil || r.Kind == Reserved {
			if r == nil {
				return true
			}
			addr = r.End()
			continue
		}
		return false
	}
	return true
}

// ReservedVisitor is invoked by IterateReserved for each reserved region.
type ReservedVisitor func(r *Region) bool

// IterateReserved visits every Reserved region in base order until the
// visitor returns false.
func (m *Map) IterateReserved(visitor ReservedVisitor) {
	for i := 0; i < m.count; i++ {
		if m.entries[i].Kind != Reserved {
			continue
		}
		if !visitor(&m.entries[i]) {
			return
		}
	}
}

// UsableVisitor is invoked by IterateUsable for each usable region.
type UsableVisitor func(r *Region) bool

// IterateUsable visits every Usable region in base order until the visitor
// returns false.
func (m *Map) IterateUsable(visitor UsableVisitor) {
	for i := 0; i < m.count; i++ {
		if m.entries[i].Kind != Usable {
			continue
		}
		if !visitor(&m.entries[i]) {
			return
		}
	}
}

// TotalBytes sums the length of every region of the given kind.
func (m *Map) TotalBytes(kind Kind) mem.Size {
	var total mem.Size
	for i := 0; i < m.count; i++ {
		if m.entries[i].Kind == kind {
			total += m.entries[i].Len
		}
	}
	return total
}

// HighestUsableFrame returns the frame number one past the highest byte
// covered by any Usable region; callers use it to size frame-descriptor
// tables.
func (m *Map) HighestUsableFrame() uint64 {
	var highest uint64
	for i := 0; i < m.count; i++ {
		r := &m.entries[i]
		if r.Kind != Usable {
			continue
		}
		if end := uint64(r.End()) >> mem.PageShift; end > highest {
			highest = end
		}
	}
	return highest
}

// OverflowCount reports how many overlay calls failed due to capacity
// exhaustion — per §7 this is a logged, non-fatal resource exhaustion, not
// a fatal error, so callers that want to notice it poll this counter rather
// than receiving a propagated failure from every overlay call downstream.
func OverflowCount() uint32 { return overflowCount }
