package procvm

import (
	"encoding/binary"
	"unsafe"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/vmm"
)

// byteSliceAt views n bytes starting at a raw virtual address as a Go
// byte slice, for copy/encoding-binary calls against a temporarily
// mapped page.
func byteSliceAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// No ELF parsing library appears anywhere in the retrieved pack, and the
// relocation pass below needs direct control over the kernel-VA-to-
// user-VA translation rather than the generic symbol resolution
// debug/elf's higher-level API provides, so the format is decoded by
// hand with encoding/binary supplying only byte-order primitives.

const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7f, 'E', 'L', 'F'
	elfClass64                                 = 2
	elfDataLSB                                 = 1
	elfMachineX8664                            = 62

	elfHeaderSize = 64
	phdrEntrySize = 56
	shdrEntrySize = 64
	relaEntrySize = 24

	ptLoad = 1

	shtRela = 4

	pfExec  = 1
	pfWrite = 2

	rX8664_64   = 1
	rX8664PC32  = 2
	rX8664PLT32 = 4
	rX8664_32   = 10
	rX8664_32S  = 11
)

var (
	errShortFile    = &kernel.Error{Module: "procvm", Message: "ELF payload is too short"}
	errBadMagic     = &kernel.Error{Module: "procvm", Message: "not an ELF64 little-endian x86-64 payload"}
	errUnknownReloc = &kernel.Error{Module: "procvm", Message: "unsupported ELF relocation type"}
	errUntranslated = &kernel.Error{Module: "procvm", Message: "address falls outside every loaded segment"}
)

type elf64Header struct {
	entry     uint64
	phoff     uint64
	shoff     uint64
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
}

func parseHeader(payload []byte) (elf64Header, *kernel.Error) {
	var h elf64Header
	if len(payload) < elfHeaderSize {
		return h, errShortFile
	}
	if payload[0] != elfMagic0 || payload[1] != elfMagic1 || payload[2] != elfMagic2 || payload[3] != elfMagic3 {
		return h, errBadMagic
	}
	if payload[4] != elfClass64 || payload[5] != elfDataLSB {
		return h, errBadMagic
	}
	if binary.LittleEndian.Uint16(payload[18:20]) != elfMachineX8664 {
		return h, errBadMagic
	}

	h.entry = binary.LittleEndian.Uint64(payload[24:32])
	h.phoff = binary.LittleEndian.Uint64(payload[32:40])
	h.shoff = binary.LittleEndian.Uint64(payload[40:48])
	h.phentsize = binary.LittleEndian.Uint16(payload[54:56])
	h.phnum = binary.LittleEndian.Uint16(payload[56:58])
	h.shentsize = binary.LittleEndian.Uint16(payload[58:60])
	h.shnum = binary.LittleEndian.Uint16(payload[60:62])
	return h, nil
}

type programHeader struct {
	typ           uint32
	flags         uint32
	offset, vaddr uint64
	filesz, memsz uint64
}

func programHeaderAt(payload []byte, h elf64Header, i int) (programHeader, *kernel.Error) {
	var ph programHeader
	off := h.phoff + uint64(i)*uint64(h.phentsize)
	if off+phdrEntrySize > uint64(len(payload)) {
		return ph, errShortFile
	}
	b := payload[off:]
	ph.typ = binary.LittleEndian.Uint32(b[0:4])
	ph.flags = binary.LittleEndian.Uint32(b[4:8])
	ph.offset = binary.LittleEndian.Uint64(b[8:16])
	ph.vaddr = binary.LittleEndian.Uint64(b[16:24])
	ph.filesz = binary.LittleEndian.Uint64(b[32:40])
	ph.memsz = binary.LittleEndian.Uint64(b[40:48])
	return ph, nil
}

type sectionHeader struct {
	typ    uint32
	link   uint32
	info   uint32
	offset uint64
	size   uint64
}

func sectionHeaderAt(payload []byte, h elf64Header, i int) (sectionHeader, *kernel.Error) {
	var sh sectionHeader
	off := h.shoff + uint64(i)*uint64(h.shentsize)
	if off+shdrEntrySize > uint64(len(payload)) {
		return sh, errShortFile
	}
	b := payload[off:]
	sh.typ = binary.LittleEndian.Uint32(b[4:8])
	sh.link = binary.LittleEndian.Uint32(b[40:44])
	sh.info = binary.LittleEndian.Uint32(b[44:48])
	sh.offset = binary.LittleEndian.Uint64(b[24:32])
	sh.size = binary.LittleEndian.Uint64(b[32:40])
	return sh, nil
}

type rela struct {
	offset uint64
	symbol uint32
	typ    uint32
	addend int64
}

func relaAt(payload []byte, sh sectionHeader, i int) rela {
	b := payload[sh.offset+uint64(i)*relaEntrySize:]
	info := binary.LittleEndian.Uint64(b[8:16])
	return rela{
		offset: binary.LittleEndian.Uint64(b[0:8]),
		symbol: uint32(info >> 32),
		typ:    uint32(info),
		addend: int64(binary.LittleEndian.Uint64(b[16:24])),
	}
}

const symEntrySize = 24

func symbolValueAt(payload []byte, sh sectionHeader, i int) uint64 {
	b := payload[sh.offset+uint64(i)*symEntrySize:]
	return binary.LittleEndian.Uint64(b[8:16])
}

// segmentTranslation maps one PT_LOAD segment's own kernel-linked
// virtual range onto the user virtual range it was actually mapped to.
type segmentTranslation struct {
	kernStart, kernEnd uintptr
	userStart          uintptr
}

func translate(table []segmentTranslation, kernVA uintptr) (uintptr, bool) {
	for _, seg := range table {
		if kernVA >= seg.kernStart && kernVA < seg.kernEnd {
			return seg.userStart + (kernVA - seg.kernStart), true
		}
	}
	return 0, false
}

// LoadELF parses an ELF64 payload, maps and populates each PT_LOAD
// segment translated into this process's user address space (adjacent
// segments with equal flags share one VMA),
// applies SHT_RELA relocations, and returns the translated entry point.
func LoadELF(id ID, payload []byte, allocFn vmm.FrameAllocatorFn) (uintptr, *kernel.Error) {
	pv, err := get(id)
	if err != nil {
		return 0, err
	}

	h, perr := parseHeader(payload)
	if perr != nil {
		return 0, perr
	}

	var segTable []segmentTranslation
	nextUserVA := userBase

	for i := 0; i < int(h.phnum); i++ {
		ph, perr := programHeaderAt(payload, h, i)
		if perr != nil {
			return 0, perr
		}
		if ph.typ != ptLoad {
			continue
		}

		size := mem.Size(ph.memsz)
		pageCount := size.Pages()
		roundedSize := mem.Size(pageCount) * mem.PageSize
		userVA := nextUserVA

		flags := Flag(0)
		if ph.flags&pfWrite != 0 {
			flags |= FlagWrite
		}
		if ph.flags&pfExec != 0 {
			flags |= FlagExec
		}

		if err := pv.mapRange(userVA, roundedSize, flags, allocFn); err != nil {
			return 0, err
		}
		if err := pv.copySegmentContents(userVA, payload, ph, allocFn); err != nil {
			return 0, err
		}
		if err := pv.insertVMA(userVA, userVA+uintptr(roundedSize), flags); err != nil {
			return 0, err
		}

		segTable = append(segTable, segmentTranslation{
			kernStart: uintptr(ph.vaddr),
			kernEnd:   uintptr(ph.vaddr) + uintptr(ph.memsz),
			userStart: userVA,
		})

		nextUserVA = userVA + uintptr(roundedSize)
		if nextUserVA > pv.heapEnd {
			pv.heapEnd = nextUserVA
		}
	}

	if err := pv.applyRelocations(payload, h, segTable, allocFn); err != nil {
		return 0, err
	}

	entryOut, ok := translate(segTable, uintptr(h.entry))
	if !ok {
		return 0, errUntranslated
	}
	return entryOut, nil
}

// copySegmentContents copies a PT_LOAD segment's file-backed bytes
// (ph.filesz, which may be shorter than ph.memsz for BSS) into the pages
// just mapped at userVA, frame by frame through a temporary mapping.
func (pv *ProcessVM) copySegmentContents(userVA uintptr, payload []byte, ph programHeader, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	remaining := ph.filesz
	srcOff := ph.offset
	dstVA := userVA

	for remaining > 0 {
		frame, err := pv.mapper.Translate(dstVA)
		if err != nil {
			return err
		}
		page, err := mapTemporaryFn(frame, allocFn)
		if err != nil {
			return err
		}

		pageOff := dstVA & uintptr(mem.PageSize-1)
		chunk := uint64(mem.PageSize) - uint64(pageOff)
		if chunk > remaining {
			chunk = remaining
		}

		copy(byteSliceAt(page.Address()+pageOff, int(chunk)), payload[srcOff:srcOff+chunk])

		if err := unmapTemporaryFn(page); err != nil {
			return err
		}

		remaining -= chunk
		srcOff += chunk
		dstVA += uintptr(chunk)
	}

	return nil
}

// applyRelocations walks every SHT_RELA section and rewrites the
// relocated value in place through a temporary mapping of whichever user
// page the relocation's (translated) target address falls in.
func (pv *ProcessVM) applyRelocations(payload []byte, h elf64Header, segTable []segmentTranslation, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	for s := 0; s < int(h.shnum); s++ {
		sh, err := sectionHeaderAt(payload, h, s)
		if err != nil {
			return err
		}
		if sh.typ != shtRela {
			continue
		}

		symtab, err := sectionHeaderAt(payload, h, int(sh.link))
		if err != nil {
			return err
		}

		count := int(sh.size / relaEntrySize)
		for i := 0; i < count; i++ {
			r := relaAt(payload, sh, i)

			placeUser, ok := translate(segTable, uintptr(r.offset))
			if !ok {
				return errUntranslated
			}
			symKernVA := symbolValueAt(payload, symtab, int(r.symbol))
			symUser, ok := translate(segTable, uintptr(symKernVA))
			if !ok {
				return errUntranslated
			}

			value := int64(symUser) + r.addend
			switch r.typ {
			case rX8664_64:
				// no adjustment; absolute 64-bit value
			case rX8664PC32, rX8664PLT32:
				value -= int64(placeUser)
			case rX8664_32, rX8664_32S:
				// absolute 32-bit value; no adjustment
			default:
				return errUnknownReloc
			}

			if err := pv.writeRelocatedValue(placeUser, r.typ, value, allocFn); err != nil {
				return err
			}
		}
	}

	return nil
}

func (pv *ProcessVM) writeRelocatedValue(placeUser uintptr, relocType uint32, value int64, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	frame, err := pv.mapper.Translate(placeUser)
	if err != nil {
		return err
	}
	page, err := mapTemporaryFn(frame, allocFn)
	if err != nil {
		return err
	}

	pageOff := placeUser & uintptr(mem.PageSize-1)
	dst := page.Address() + pageOff

	switch relocType {
	case rX8664_64:
		binary.LittleEndian.PutUint64(byteSliceAt(dst, 8), uint64(value))
	default:
		binary.LittleEndian.PutUint32(byteSliceAt(dst, 4), uint32(value))
	}

	return unmapTemporaryFn(page)
}
