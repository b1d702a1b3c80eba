package limine

import "testing"

func TestBaseRevisionSupported(t *testing.T) {
	defer func() { baseRevision[2] = baseRevisionSupported }()

	baseRevision[2] = baseRevisionSupported
	if BaseRevisionSupported() {
		t.Fatal("expected unaccepted base revision to report unsupported")
	}

	baseRevision[2] = 0
	if !BaseRevisionSupported() {
		t.Fatal("expected an accepted base revision (index 2 == 0) to report supported")
	}
}

func TestHHDMOffset(t *testing.T) {
	defer func() { hhdm.Response = nil }()

	hhdm.Response = nil
	if _, ok := HHDMOffset(); ok {
		t.Fatal("expected ok=false with no bootloader response")
	}

	hhdm.Response = &hhdmResponse{Offset: 0xffff800000000000}
	got, ok := HHDMOffset()
	if !ok || got != 0xffff800000000000 {
		t.Fatalf("expected offset 0xffff800000000000; got %#x ok=%v", got, ok)
	}
}

func TestVisitMemmap(t *testing.T) {
	defer func() { memmap.Response = nil }()

	e0 := memmapEntry{Base: 0x1000, Length: 0x9000, Type: EntryUsable}
	e1 := memmapEntry{Base: 0x100000, Length: 0x400000, Type: EntryReserved}
	e2 := memmapEntry{Base: 0x500000, Length: 0x1000, Type: EntryACPINVS}
	entries := []*memmapEntry{&e0, &e1, &e2}

	memmap.Response = &memmapResponse{EntryCount: uint64(len(entries)), Entries: &entries[0]}

	var visited []MemmapEntry
	VisitMemmap(func(e MemmapEntry) bool {
		visited = append(visited, e)
		return true
	})

	if len(visited) != 3 {
		t.Fatalf("expected 3 entries; got %d", len(visited))
	}
	if visited[0].Base != 0x1000 || visited[0].Type != EntryUsable {
		t.Fatalf("unexpected first entry: %+v", visited[0])
	}
	if visited[2].Base != 0x500000 || visited[2].Type != EntryACPINVS {
		t.Fatalf("unexpected third entry: %+v", visited[2])
	}
}

func TestVisitMemmapStopsEarly(t *testing.T) {
	defer func() { memmap.Response = nil }()

	e0 := memmapEntry{Base: 0, Length: 0x1000, Type: EntryUsable}
	e1 := memmapEntry{Base: 0x1000, Length: 0x1000, Type: EntryUsable}
	entries := []*memmapEntry{&e0, &e1}
	memmap.Response = &memmapResponse{EntryCount: uint64(len(entries)), Entries: &entries[0]}

	count := 0
	VisitMemmap(func(e MemmapEntry) bool {
		count++
		return false
	})

	if count != 1 {
		t.Fatalf("expected the visitor to stop after the first entry; ran %d times", count)
	}
}

func TestVisitMemmapNoResponse(t *testing.T) {
	memmap.Response = nil
	called := false
	VisitMemmap(func(e MemmapEntry) bool {
		called = true
		return true
	})
	if called {
		t.Fatal("expected no callback invocations with no bootloader response")
	}
}

func TestFramebuffer(t *testing.T) {
	defer func() { framebuffer.Response = nil }()

	framebuffer.Response = nil
	if _, ok := Framebuffer(); ok {
		t.Fatal("expected ok=false with no bootloader response")
	}

	raw := rawFramebuffer{Address: 0xfd000000, Width: 1024, Height: 768, Pitch: 4096, Bpp: 32}
	fbs := []*rawFramebuffer{&raw}
	framebuffer.Response = &framebufferResponse{FramebufferCount: 1, Framebuffers: &fbs[0]}

	info, ok := Framebuffer()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if info.PhysAddr != 0xfd000000 || info.Width != 1024 || info.Height != 768 || info.Pitch != 4096 || info.Bpp != 32 {
		t.Fatalf("unexpected framebuffer info: %+v", info)
	}
}

func TestRSDP(t *testing.T) {
	defer func() { rsdp.Response = nil }()

	rsdp.Response = nil
	if _, ok := RSDP(); ok {
		t.Fatal("expected ok=false with no bootloader response")
	}

	rsdp.Response = &rsdpResponse{Address: 0xf0000}
	addr, ok := RSDP()
	if !ok || addr != 0xf0000 {
		t.Fatalf("expected 0xf0000; got %#x ok=%v", addr, ok)
	}
}

func TestKernelAddress(t *testing.T) {
	defer func() { kernelAddress.Response = nil }()

	kernelAddress.Response = nil
	if _, _, ok := KernelAddress(); ok {
		t.Fatal("expected ok=false with no bootloader response")
	}

	kernelAddress.Response = &kernelAddressResponse{PhysicalBase: 0x200000, VirtualBase: 0xffffffff80200000}
	phys, virt, ok := KernelAddress()
	if !ok || phys != 0x200000 || virt != 0xffffffff80200000 {
		t.Fatalf("unexpected kernel address: phys=%#x virt=%#x ok=%v", phys, virt, ok)
	}
}

func TestCommandLine(t *testing.T) {
	defer func() { executableCmdline.Response = nil }()

	executableCmdline.Response = nil
	if got := CommandLine(); got != "" {
		t.Fatalf("expected empty string with no bootloader response; got %q", got)
	}

	buf := append([]byte("boot.debug=on quiet"), 0)
	executableCmdline.Response = &executableCmdlineResponse{Cmdline: &buf[0]}

	if got := CommandLine(); got != "boot.debug=on quiet" {
		t.Fatalf("expected %q; got %q", "boot.debug=on quiet", got)
	}
}
