package procvm

import (
	"encoding/binary"
	"testing"

	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
)

func TestTranslate(t *testing.T) {
	table := []segmentTranslation{
		{kernStart: 0xFFFFFFFF80100000, kernEnd: 0xFFFFFFFF80102000, userStart: 0x0000000000400000},
	}

	got, ok := translate(table, 0xFFFFFFFF80100040)
	if !ok {
		t.Fatal("expected address inside the segment to translate")
	}
	if want := uintptr(0x0000000000400040); got != want {
		t.Fatalf("translate: got %#x, want %#x", got, want)
	}

	if _, ok := translate(table, 0xFFFFFFFF80103000); ok {
		t.Fatal("expected address outside every segment to be rejected")
	}
}

// buildELF64 assembles a minimal little-endian ELF64 x86-64 image with a
// single PT_LOAD segment, one SHT_RELA section, and the symbol table it
// references, laid out exactly as parseHeader/programHeaderAt/
// sectionHeaderAt/relaAt/symbolValueAt expect to read it.
func buildELF64(entry, vaddr uint64, segSize uint64, segOffset uint64, relOffsetInSeg uint64, symValue uint64, relType uint32, addend int64) []byte {
	const (
		shoff       = 0x3000
		symtabOff   = 0x3100
		relaOff     = 0x3200
		payloadSize = 0x3300
	)

	payload := make([]byte, payloadSize)

	// ELF header.
	payload[0], payload[1], payload[2], payload[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	payload[4] = elfClass64
	payload[5] = elfDataLSB
	binary.LittleEndian.PutUint16(payload[18:20], elfMachineX8664)
	binary.LittleEndian.PutUint64(payload[24:32], entry)
	binary.LittleEndian.PutUint64(payload[32:40], elfHeaderSize) // phoff
	binary.LittleEndian.PutUint64(payload[40:48], shoff)         // shoff
	binary.LittleEndian.PutUint16(payload[54:56], phdrEntrySize)
	binary.LittleEndian.PutUint16(payload[56:58], 1) // phnum
	binary.LittleEndian.PutUint16(payload[58:60], shdrEntrySize)
	binary.LittleEndian.PutUint16(payload[60:62], 3) // shnum: null, symtab, rela

	// Program header (PT_LOAD, R+X, file-backed in full).
	ph := payload[elfHeaderSize:]
	binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
	binary.LittleEndian.PutUint32(ph[4:8], pfExec) // read+exec, not write
	binary.LittleEndian.PutUint64(ph[8:16], segOffset)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], segSize) // filesz
	binary.LittleEndian.PutUint64(ph[40:48], segSize) // memsz

	// Section 0 (SHT_NULL) is left zeroed.

	// Section 1: symtab, two entries (the reserved null symbol plus one
	// real symbol at index 1).
	sh1 := payload[shoff+shdrEntrySize:]
	binary.LittleEndian.PutUint64(sh1[24:32], symtabOff)
	binary.LittleEndian.PutUint64(sh1[32:40], 2*symEntrySize)

	sym1 := payload[symtabOff+symEntrySize:]
	binary.LittleEndian.PutUint64(sym1[8:16], symValue)

	// Section 2: rela, one entry, linked to section 1 (the symtab).
	sh2 := payload[shoff+2*shdrEntrySize:]
	binary.LittleEndian.PutUint32(sh2[4:8], shtRela)
	binary.LittleEndian.PutUint64(sh2[24:32], relaOff)
	binary.LittleEndian.PutUint64(sh2[32:40], relaEntrySize)
	binary.LittleEndian.PutUint32(sh2[40:44], 1) // link -> symtab

	rel := payload[relaOff:]
	binary.LittleEndian.PutUint64(rel[0:8], vaddr+relOffsetInSeg)
	info := uint64(1)<<32 | uint64(relType) // symbol index 1
	binary.LittleEndian.PutUint64(rel[8:16], info)
	binary.LittleEndian.PutUint64(rel[16:24], uint64(addend))

	return payload
}

// TestLoadELFScenario reproduces the worked example of loading a single
// PT_LOAD segment linked at a kernel virtual address, relocating one
// PC-relative reference, and resolving the translated entry point.
func TestLoadELFScenario(t *testing.T) {
	const (
		kernBase = uintptr(0xFFFFFFFF80100000)
		segSize  = uint64(0x2000)
		entry    = uint64(kernBase) + 0x40
		segOff   = uint64(0x200)

		relOffsetInSeg = uint64(0x50)
		symValue       = uint64(kernBase) + 0x100
		addend         = int64(-4)
	)

	payload := buildELF64(entry, uint64(kernBase), segSize, segOff, relOffsetInSeg, symValue, rX8664PC32, addend)

	id, pv, fm := newTestProcessVM(t)
	next := pmm.Frame(1)
	allocFn := sequentialAllocFn(&next)

	entryOut, err := LoadELF(id, payload, allocFn)
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}

	if want := userBase + 0x40; entryOut != want {
		t.Fatalf("entry point: got %#x, want %#x", entryOut, want)
	}

	// The segment is 0x2000 bytes, so it should occupy exactly two pages
	// starting at userBase.
	if _, ok := fm.mapped[userBase]; !ok {
		t.Fatal("expected page 0 of the segment to be mapped")
	}
	if _, ok := fm.mapped[userBase+uintptr(mem.PageSize)]; !ok {
		t.Fatal("expected page 1 of the segment to be mapped")
	}
	if _, ok := fm.mapped[userBase+2*uintptr(mem.PageSize)]; ok {
		t.Fatal("expected only two pages to be mapped for a 0x2000-byte segment")
	}

	idx := pv.findVMA(userBase, userBase+2*uintptr(mem.PageSize))
	if idx < 0 {
		t.Fatal("expected a VMA covering the loaded segment")
	}

	// Recover the relocated bytes: frame -> host buffer -> offset 0x50.
	frame := fm.mapped[userBase]
	installed := mapTemporaryFn
	page, perr := installed(frame, nil)
	if perr != nil {
		t.Fatalf("mapTemporaryFn: %v", perr)
	}
	relocated := binary.LittleEndian.Uint32(byteSliceAt(page.Address()+uintptr(relOffsetInSeg), 4))

	// P = translate(kernBase+0x50) = userBase+0x50
	// S = translate(kernBase+0x100) = userBase+0x100
	// value = S + A - P
	place := userBase + uintptr(relOffsetInSeg)
	sym := userBase + 0x100
	want := uint32(int64(sym) + addend - int64(place))
	if relocated != want {
		t.Fatalf("relocated value: got %#x, want %#x", relocated, want)
	}
}

func TestParseHeaderRejectsShortPayload(t *testing.T) {
	if _, err := parseHeader(make([]byte, 10)); err != errShortFile {
		t.Fatalf("expected errShortFile; got %v", err)
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	payload := make([]byte, elfHeaderSize)
	if _, err := parseHeader(payload); err != errBadMagic {
		t.Fatalf("expected errBadMagic; got %v", err)
	}
}
