package surface

import (
	"testing"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
)

// installFakes resets the surface table and overrides mapBackingFn with a
// plain heap-backed slice, so tests exercise the drawing/present logic
// without a real direct map.
func installFakes(t *testing.T) {
	t.Helper()

	origMap := mapBackingFn
	t.Cleanup(func() {
		mapBackingFn = origMap
		table = [MaxSurfaces]Surface{}
	})

	backing := map[uintptr][]byte{}
	mapBackingFn = func(phys uintptr, size mem.Size) []byte {
		if buf, ok := backing[phys]; ok {
			return buf
		}
		buf := make([]byte, size)
		backing[phys] = buf
		return buf
	}
}

func fakePageAlloc(next *pmm.Frame) PageAllocFn {
	return func(pageCount uint32) (pmm.Frame, *kernel.Error) {
		f := *next
		*next += pmm.Frame(pageCount)
		return f, nil
	}
}

func TestCreateRejectsSecondSurfaceForSameOwner(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)

	if err := Create(1, 4, 4, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := Create(1, 4, 4, 32, fakePageAlloc(&next)); err != errAlreadyOwned {
		t.Fatalf("expected errAlreadyOwned, got %v", err)
	}
}

func TestCreateRejectsZeroDimensions(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)

	if err := Create(1, 0, 4, 32, fakePageAlloc(&next)); err != errInvalidSize {
		t.Fatalf("expected errInvalidSize, got %v", err)
	}
}

func TestSetPixelAndReadBack(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 4, 4, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c := RGBA(0x11, 0x22, 0x33, 0xff)
	if err := SetPixel(1, 2, 1, c); err != nil {
		t.Fatalf("SetPixel failed: %v", err)
	}

	s, err := find(1)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	off := s.offset(2, 1)
	got := s.buf[off : off+4]
	want := []byte{0x33, 0x22, 0x11, 0xff}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("packed pixel mismatch at byte %d: got %x want %x", i, got[i], want[i])
		}
	}
	if !s.isDirty {
		t.Fatalf("expected SetPixel to mark the surface dirty")
	}
	if s.dirty != (Rect{X0: 2, Y0: 1, X1: 3, Y1: 2}) {
		t.Fatalf("unexpected dirty rect: %+v", s.dirty)
	}
}

func TestSetPixelOutOfBoundsIsClippedSilently(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 4, 4, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := SetPixel(1, 100, 100, RGBA(1, 2, 3, 4)); err != nil {
		t.Fatalf("expected out-of-bounds SetPixel to be a silent no-op, got %v", err)
	}
	s, _ := find(1)
	if s.isDirty {
		t.Fatalf("expected out-of-bounds write not to dirty the surface")
	}
}

func TestFillRectFastClipsToBounds(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 4, 4, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := FillRectFast(1, 2, 2, 10, 10, RGBA(0xff, 0, 0, 0xff)); err != nil {
		t.Fatalf("FillRectFast failed: %v", err)
	}
	s, _ := find(1)
	if s.dirty != (Rect{X0: 2, Y0: 2, X1: 4, Y1: 4}) {
		t.Fatalf("expected dirty rect clipped to bounds, got %+v", s.dirty)
	}
}

func TestDamageMarksDirtyWithoutTouchingPixels(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 4, 4, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s, _ := find(1)
	before := append([]byte(nil), s.buf...)

	if err := Damage(1, 1, 1, 2, 2); err != nil {
		t.Fatalf("Damage failed: %v", err)
	}
	if !s.isDirty {
		t.Fatalf("expected Damage to mark the surface dirty")
	}
	if s.dirty != (Rect{X0: 1, Y0: 1, X1: 3, Y1: 3}) {
		t.Fatalf("unexpected dirty rect: %+v", s.dirty)
	}
	for i := range before {
		if before[i] != s.buf[i] {
			t.Fatalf("expected Damage to leave pixel data untouched at byte %d", i)
		}
	}
}

func TestPresentAbortsOnBppMismatch(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 2, 2, 16, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := Clear(1, RGBA(1, 2, 3, 4)); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	dst := Display{Width: 8, Height: 8, Pitch: 32, Bpp: 32, Buf: make([]byte, 8*32)}
	if err := Present(dst); err != errBppMismatch {
		t.Fatalf("expected errBppMismatch, got %v", err)
	}
}

func TestPresentBlitsDirtyRegionAndClearsFlag(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 2, 2, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := SetWindowPosition(1, 3, 3); err != nil {
		t.Fatalf("SetWindowPosition failed: %v", err)
	}
	if err := Clear(1, RGBA(0xaa, 0xbb, 0xcc, 0xff)); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	dst := Display{Width: 8, Height: 8, Pitch: 32, Bpp: 32, Buf: make([]byte, 8*32)}
	if err := Present(dst); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	off := 3*int(dst.Pitch) + 3*4
	got := dst.Buf[off : off+4]
	want := []byte{0xcc, 0xbb, 0xaa, 0xff}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("blitted pixel mismatch at byte %d: got %x want %x", i, got[i], want[i])
		}
	}

	s, _ := find(1)
	if s.isDirty {
		t.Fatalf("expected Present to clear the dirty flag")
	}
}

func TestPresentSkipsInvisibleSurfaces(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 2, 2, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := Clear(1, RGBA(1, 1, 1, 1)); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := SetWindowState(1, false); err != nil {
		t.Fatalf("SetWindowState failed: %v", err)
	}

	dst := Display{Width: 8, Height: 8, Pitch: 32, Bpp: 32, Buf: make([]byte, 8*32)}
	if err := Present(dst); err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	for _, b := range dst.Buf {
		if b != 0 {
			t.Fatalf("expected invisible surface to leave the framebuffer untouched")
		}
	}
}

func TestRaiseWindowMovesSlotToEnd(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 2, 2, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create(1) failed: %v", err)
	}
	if err := Create(2, 2, 2, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create(2) failed: %v", err)
	}

	if err := RaiseWindow(1); err != nil {
		t.Fatalf("RaiseWindow failed: %v", err)
	}
	if table[0].owner != 2 || table[1].owner != 1 {
		t.Fatalf("expected owner 1 raised above owner 2, got order %v, %v", table[0].owner, table[1].owner)
	}
}

func TestSurfaceSetTitleTruncatesAndEnumerateReportsIt(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 2, 2, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := SurfaceSetTitle(1, "terminal"); err != nil {
		t.Fatalf("SurfaceSetTitle failed: %v", err)
	}

	windows := EnumerateWindows()
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	if windows[0].Title != "terminal" {
		t.Fatalf("expected title %q, got %q", "terminal", windows[0].Title)
	}
}

func TestDestroyFreesBackingAndClearsSlot(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 2, 2, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var freedAddr uintptr
	freeFn := func(addr uintptr) *kernel.Error {
		freedAddr = addr
		return nil
	}
	if err := Destroy(1, freeFn); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if freedAddr == 0 {
		t.Fatalf("expected Destroy to free the back buffer")
	}
	if _, err := find(1); err != errNoSurface {
		t.Fatalf("expected errNoSurface after Destroy, got %v", err)
	}
}

func TestCleanupTaskIsNoOpWithoutSurface(t *testing.T) {
	installFakes(t)
	if err := CleanupTask(42, func(uintptr) *kernel.Error { return nil }); err != nil {
		t.Fatalf("expected CleanupTask to tolerate a task with no surface, got %v", err)
	}
}

func TestDrawStringAdvancesDoubleForWideRunes(t *testing.T) {
	installFakes(t)
	next := pmm.Frame(1)
	if err := Create(1, 64, 16, 32, fakePageAlloc(&next)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// U+FF21 FULLWIDTH LATIN CAPITAL LETTER A is East-Asian Fullwidth and
	// should occupy two glyph cells.
	if err := DrawString(1, 0, 0, "Ａ", RGBA(255, 255, 255, 255)); err != nil {
		t.Fatalf("DrawString failed: %v", err)
	}
	s, _ := find(1)
	if s.dirty.X1-s.dirty.X0 != 2*glyphWidth {
		t.Fatalf("expected wide rune to advance 2 cells, dirty rect was %+v", s.dirty)
	}
}
