// Package surface implements the kernel's off-screen drawing surfaces and
// the compositor that blits them onto the boot framebuffer. Each live task
// may own one surface, backed by a back buffer allocated from the page
// allocator; drawing primitives write into that buffer and accumulate a
// dirty rectangle, and Present periodically clips and copies every dirty
// surface onto the destination framebuffer.
package surface

import (
	"reflect"
	"unsafe"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
	"github.com/talus-os/talus/kernel/sync"
	"github.com/talus-os/talus/kernel/task"
	"golang.org/x/text/width"
)

// MaxSurfaces bounds the number of live surfaces, one per task slot.
const MaxSurfaces = task.MaxTasks

// titleLen is the fixed width of a surface's title field.
const titleLen = 64

// OwnerID identifies the task that owns a surface.
type OwnerID = task.ID

// Role narrows a surface's behavior for the window manager-ish syscalls
// named in the supplemented window metadata (set_role, raise_window).
type Role uint8

// Recognized surface roles.
const (
	RoleNormal Role = iota
	RolePopup
	RoleBackground
	RoleOverlay
)

// Color is a logical ARGB color; PackFn converts it to a surface's own
// pixel format on write.
type Color uint32

// RGBA builds a Color from its 8-bit components.
func RGBA(r, g, b, a uint8) Color {
	return Color(uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

func (c Color) r() uint8 { return uint8(c >> 16) }
func (c Color) g() uint8 { return uint8(c >> 8) }
func (c Color) b() uint8 { return uint8(c) }

// Rect is a pixel-space rectangle with an exclusive (x1, y1) corner.
type Rect struct {
	X0, Y0, X1, Y1 int32
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// union grows r to also cover other, ignoring either if empty.
func (r Rect) union(other Rect) Rect {
	if other.Empty() {
		return r
	}
	if r.Empty() {
		return other
	}
	if other.X0 < r.X0 {
		r.X0 = other.X0
	}
	if other.Y0 < r.Y0 {
		r.Y0 = other.Y0
	}
	if other.X1 > r.X1 {
		r.X1 = other.X1
	}
	if other.Y1 > r.Y1 {
		r.Y1 = other.Y1
	}
	return r
}

// clip restricts r to lie within bounds, returning the empty rect if they
// do not overlap.
func (r Rect) clip(bounds Rect) Rect {
	if r.X0 < bounds.X0 {
		r.X0 = bounds.X0
	}
	if r.Y0 < bounds.Y0 {
		r.Y0 = bounds.Y0
	}
	if r.X1 > bounds.X1 {
		r.X1 = bounds.X1
	}
	if r.Y1 > bounds.Y1 {
		r.Y1 = bounds.Y1
	}
	return r
}

// Surface is one per-task off-screen drawing target.
type Surface struct {
	inUse bool
	owner OwnerID

	width, height, pitch uint32
	bpp                  uint8
	back                 pmm.Frame
	buf                  []byte

	posX, posY int32
	role       Role
	parent     OwnerID
	title      [titleLen]byte
	titleLen   uint8

	dirty      Rect
	isDirty    bool
	visible    bool
}

var (
	table [MaxSurfaces]Surface
	mu    sync.IRQMutex
)

// PageAllocFn allocates pageCount contiguous physical frames for a back
// buffer, mirroring allocator.Allocator.Alloc's contract.
type PageAllocFn func(pageCount uint32) (pmm.Frame, *kernel.Error)

// PageFreeFn releases a block previously obtained from a PageAllocFn.
type PageFreeFn func(physAddr uintptr) *kernel.Error

// mapBackingFn maps a physical back-buffer range into a kernel-addressable
// byte slice. It defaults to the direct map, the same unsafe-reslice idiom
// console.Ega.Init uses for the physical framebuffer; tests override it
// with a plain heap-backed slice.
var mapBackingFn = func(phys uintptr, size mem.Size) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: phys,
		Len:  int(size),
		Cap:  int(size),
	}))
}

var (
	errTableFull      = &kernel.Error{Module: "surface", Message: "surface table is full"}
	errNoSurface      = &kernel.Error{Module: "surface", Message: "task owns no surface"}
	errAlreadyOwned   = &kernel.Error{Module: "surface", Message: "task already owns a surface"}
	errInvalidSize    = &kernel.Error{Module: "surface", Message: "surface dimensions must be non-zero"}
	errNotOwner       = &kernel.Error{Module: "surface", Message: "operation requires surface ownership"}
	errBppMismatch    = &kernel.Error{Module: "surface", Message: "surface bpp does not match the display"}
)

// Create allocates a back buffer of pitch*height bytes from allocFn and
// registers a new surface for owner. Only one surface may be live per
// owner at a time.
func Create(owner OwnerID, width, height uint32, bpp uint8, allocFn PageAllocFn) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	if width == 0 || height == 0 {
		return errInvalidSize
	}
	for i := range table {
		if table[i].inUse && table[i].owner == owner {
			return errAlreadyOwned
		}
	}

	slot := -1
	for i := range table {
		if !table[i].inUse {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errTableFull
	}

	bytesPerPixel := uint32(bpp) / 8
	pitch := width * bytesPerPixel
	size := mem.Size(pitch) * mem.Size(height)

	base, err := allocFn(size.Pages())
	if err != nil {
		return err
	}

	table[slot] = Surface{
		inUse:   true,
		owner:   owner,
		width:   width,
		height:  height,
		pitch:   pitch,
		bpp:     bpp,
		back:    base,
		buf:     mapBackingFn(base.Address(), mem.Size(pitch)*mem.Size(height)),
		parent:  task.InvalidTaskID,
		visible: true,
	}
	return nil
}

func find(owner OwnerID) (*Surface, *kernel.Error) {
	for i := range table {
		if table[i].inUse && table[i].owner == owner {
			return &table[i], nil
		}
	}
	return nil, errNoSurface
}

// Destroy releases owner's surface and its back buffer via freeFn.
func Destroy(owner OwnerID, freeFn PageFreeFn) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	if ferr := freeFn(s.back.Address()); ferr != nil {
		return ferr
	}
	*s = Surface{}
	return nil
}

func (s *Surface) bounds() Rect {
	return Rect{X1: int32(s.width), Y1: int32(s.height)}
}

func (s *Surface) markDirty(r Rect) {
	r = r.clip(s.bounds())
	if r.Empty() {
		return
	}
	if !s.isDirty {
		s.dirty = r
	} else {
		s.dirty = s.dirty.union(r)
	}
	s.isDirty = true
}

func (s *Surface) packColor(c Color) []byte {
	switch s.bpp {
	case 32:
		return []byte{c.b(), c.g(), c.r(), uint8(c >> 24)}
	case 24:
		return []byte{c.b(), c.g(), c.r()}
	case 16:
		v := uint16(c.r()>>3)<<11 | uint16(c.g()>>2)<<5 | uint16(c.b()>>3)
		return []byte{uint8(v), uint8(v >> 8)}
	default:
		return []byte{uint8(c)}
	}
}

func (s *Surface) offset(x, y int32) int {
	return int(y)*int(s.pitch) + int(x)*int(s.bpp/8)
}

// SetPixel writes c at (x, y), clipped to the surface bounds.
func SetPixel(owner OwnerID, x, y int32, c Color) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	if x < 0 || y < 0 || x >= int32(s.width) || y >= int32(s.height) {
		return nil
	}
	setPixelLocked(s, x, y, c)
	s.markDirty(Rect{X0: x, Y0: y, X1: x + 1, Y1: y + 1})
	return nil
}

func setPixelLocked(s *Surface, x, y int32, c Color) {
	off := s.offset(x, y)
	copy(s.buf[off:off+int(s.bpp/8)], s.packColor(c))
}

// Clear fills the entire back buffer with c.
func Clear(owner OwnerID, c Color) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	for y := int32(0); y < int32(s.height); y++ {
		for x := int32(0); x < int32(s.width); x++ {
			setPixelLocked(s, x, y, c)
		}
	}
	s.markDirty(s.bounds())
	return nil
}

// FillRectFast fills the rectangle [x,y)-[x+w,y+h) with c, clipped to the
// surface bounds.
func FillRectFast(owner OwnerID, x, y int32, w, h uint32, c Color) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	r := Rect{X0: x, Y0: y, X1: x + int32(w), Y1: y + int32(h)}.clip(s.bounds())
	if r.Empty() {
		return nil
	}
	for row := r.Y0; row < r.Y1; row++ {
		for col := r.X0; col < r.X1; col++ {
			setPixelLocked(s, col, row, c)
		}
	}
	s.markDirty(r)
	return nil
}

// Damage marks the rectangle [x,y)-[x+w,y+h) dirty without touching any
// pixel, for a client that drew into the back buffer through a shared
// mapping instead of the drawing primitives above and now needs the next
// Present to pick the region up.
func Damage(owner OwnerID, x, y int32, w, h uint32) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	r := Rect{X0: x, Y0: y, X1: x + int32(w), Y1: y + int32(h)}.clip(s.bounds())
	if r.Empty() {
		return nil
	}
	s.markDirty(r)
	return nil
}

// Line draws a Bresenham line from (x0,y0) to (x1,y1).
func Line(owner OwnerID, x0, y0, x1, y1 int32, c Color) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}

	dx := abs32(x1 - x0)
	dy := -abs32(y1 - y0)
	sx, sy := int32(1), int32(1)
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	errTerm := dx + dy

	touched := Rect{X0: minInt32(x0, x1), Y0: minInt32(y0, y1), X1: maxInt32(x0, x1) + 1, Y1: maxInt32(y0, y1) + 1}

	for {
		if x0 >= 0 && y0 >= 0 && x0 < int32(s.width) && y0 < int32(s.height) {
			setPixelLocked(s, x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * errTerm
		if e2 >= dy {
			errTerm += dy
			x0 += sx
		}
		if e2 <= dx {
			errTerm += dx
			y0 += sy
		}
	}
	s.markDirty(touched)
	return nil
}

// Circle draws an unfilled circle centered at (cx, cy) with the given
// radius using the midpoint circle algorithm.
func Circle(owner OwnerID, cx, cy, radius int32, c Color) *kernel.Error {
	return walkCircle(owner, cx, cy, radius, c, false)
}

// CircleFilled draws a filled circle centered at (cx, cy).
func CircleFilled(owner OwnerID, cx, cy, radius int32, c Color) *kernel.Error {
	return walkCircle(owner, cx, cy, radius, c, true)
}

func walkCircle(owner OwnerID, cx, cy, radius int32, c Color, filled bool) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}

	plot := func(x, y int32) {
		if x >= 0 && y >= 0 && x < int32(s.width) && y < int32(s.height) {
			setPixelLocked(s, x, y, c)
		}
	}
	hline := func(x0, x1, y int32) {
		if x0 > x1 {
			x0, x1 = x1, x0
		}
		for x := x0; x <= x1; x++ {
			plot(x, y)
		}
	}

	x, y, d := radius, int32(0), 1-radius
	for y <= x {
		if filled {
			hline(cx-x, cx+x, cy+y)
			hline(cx-x, cx+x, cy-y)
			hline(cx-y, cx+y, cy+x)
			hline(cx-y, cx+y, cy-x)
		} else {
			plot(cx+x, cy+y)
			plot(cx-x, cy+y)
			plot(cx+x, cy-y)
			plot(cx-x, cy-y)
			plot(cx+y, cy+x)
			plot(cx-y, cy+x)
			plot(cx+y, cy-x)
			plot(cx-y, cy-x)
		}
		y++
		if d < 0 {
			d += 2*y + 1
		} else {
			x--
			d += 2*(y-x) + 1
		}
	}

	touched := Rect{X0: cx - radius, Y0: cy - radius, X1: cx + radius + 1, Y1: cy + radius + 1}
	s.markDirty(touched)
	return nil
}

// DrawString draws str starting at (x, y) using the baked glyph table,
// advancing two cells for wide runes per width.LookupRune.
func DrawString(owner OwnerID, x, y int32, str string, c Color) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}

	cursor := x
	minX, maxX := x, x
	for _, r := range str {
		advance := int32(glyphWidth)
		if p := width.LookupRune(r); p.Kind() == width.EastAsianWide || p.Kind() == width.EastAsianFullwidth {
			advance *= 2
		}
		drawGlyphLocked(s, cursor, y, r, c)
		cursor += advance
		if cursor > maxX {
			maxX = cursor
		}
	}
	if cursor < minX {
		minX = cursor
	}
	touched := Rect{X0: minX, Y0: y, X1: maxX, Y1: y + int32(glyphHeight)}
	s.markDirty(touched)
	return nil
}

func drawGlyphLocked(s *Surface, x, y int32, r rune, c Color) {
	glyph, ok := glyphTable[r]
	if !ok {
		glyph = glyphTable[' ']
	}
	for row := 0; row < glyphHeight; row++ {
		bits := glyph[row]
		for col := 0; col < glyphWidth; col++ {
			if bits&(1<<uint(glyphWidth-1-col)) == 0 {
				continue
			}
			px, py := x+int32(col), y+int32(row)
			if px >= 0 && py >= 0 && px < int32(s.width) && py < int32(s.height) {
				setPixelLocked(s, px, py, c)
			}
		}
	}
}

// Blit copies a w*h block of src (row-major, same bpp as the destination
// surface) into owner's surface at (x, y).
func Blit(owner OwnerID, x, y int32, w, h uint32, src []byte, srcPitch uint32) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}

	r := Rect{X0: x, Y0: y, X1: x + int32(w), Y1: y + int32(h)}.clip(s.bounds())
	if r.Empty() {
		return nil
	}
	bpp := int(s.bpp / 8)
	for row := r.Y0; row < r.Y1; row++ {
		srcRow := int(row-y)*int(srcPitch) + int(r.X0-x)*bpp
		dstOff := s.offset(r.X0, row)
		n := int(r.X1-r.X0) * bpp
		if srcRow < 0 || srcRow+n > len(src) {
			continue
		}
		copy(s.buf[dstOff:dstOff+n], src[srcRow:srcRow+n])
	}
	s.markDirty(r)
	return nil
}

// SetWindowPosition repositions owner's surface on the destination
// framebuffer; it does not mark the surface dirty, and Present copies only
// dirty surfaces, so the surface shows at its new position once it is next
// drawn to or damaged.
func SetWindowPosition(owner OwnerID, x, y int32) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	s.posX, s.posY = x, y
	return nil
}

// SetWindowState toggles owner's surface visibility in the present cycle.
func SetWindowState(owner OwnerID, visible bool) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	s.visible = visible
	return nil
}

// RaiseWindow moves owner's slot later in the table's present order.
// The compositor walks table slots in order, so this is implemented by
// swapping owner's slot with each in-use slot directly after it,
// preserving everyone else's relative order; it stops at the first free
// slot, so in-use slots beyond a free one stay ahead of it.
func RaiseWindow(owner OwnerID) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	idx := -1
	for i := range table {
		if table[i].inUse && table[i].owner == owner {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errNoSurface
	}
	for i := idx; i < len(table)-1 && table[i+1].inUse; i++ {
		table[i], table[i+1] = table[i+1], table[i]
	}
	return nil
}

// SurfaceSetParent records owner's parent surface for stacking/clipping
// purposes the window manager consults; it does not itself affect present.
func SurfaceSetParent(owner, parent OwnerID) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	s.parent = parent
	return nil
}

// SurfaceSetTitle records owner's window title, truncated to titleLen.
func SurfaceSetTitle(owner OwnerID, title string) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	n := copy(s.title[:], title)
	s.titleLen = uint8(n)
	return nil
}

// SurfaceSetRole records owner's role, consulted by set_role/raise_window
// policy in the window manager layer above this package.
func SurfaceSetRole(owner OwnerID, role Role) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return err
	}
	s.role = role
	return nil
}

// WindowInfo is the read-only view enumerate_windows reports per surface.
type WindowInfo struct {
	Owner              OwnerID
	X, Y                int32
	Width, Height      uint32
	Title              string
	Role               Role
	Parent             OwnerID
	Visible            bool
}

// EnumerateWindows returns a snapshot of every live surface's window
// metadata, in present order.
func EnumerateWindows() []WindowInfo {
	mu.Lock()
	defer mu.Unlock()

	var out []WindowInfo
	for i := range table {
		s := &table[i]
		if !s.inUse {
			continue
		}
		out = append(out, WindowInfo{
			Owner:   s.owner,
			X:       s.posX,
			Y:       s.posY,
			Width:   s.width,
			Height:  s.height,
			Title:   string(s.title[:s.titleLen]),
			Role:    s.role,
			Parent:  s.parent,
			Visible: s.visible,
		})
	}
	return out
}

// Display describes the destination framebuffer compositor_present blits
// onto.
type Display struct {
	Width, Height, Pitch uint32
	Bpp                  uint8
	Buf                  []byte
}

// Present snapshots every in-use, visible, dirty surface, clips its dirty
// rectangle against dst, copies the region row by row, and clears the
// dirty flag. A surface whose bpp does not match dst aborts the whole
// present cycle rather than risk misinterpreting its pixel data.
func Present(dst Display) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	dstBounds := Rect{X1: int32(dst.Width), Y1: int32(dst.Height)}
	for i := range table {
		s := &table[i]
		if !s.inUse || !s.visible || !s.isDirty {
			continue
		}
		if s.bpp != dst.Bpp {
			return errBppMismatch
		}

		r := Rect{
			X0: s.posX + s.dirty.X0,
			Y0: s.posY + s.dirty.Y0,
			X1: s.posX + s.dirty.X1,
			Y1: s.posY + s.dirty.Y1,
		}.clip(dstBounds)
		if !r.Empty() {
			bpp := int(dst.Bpp / 8)
			for row := r.Y0; row < r.Y1; row++ {
				srcX, srcY := r.X0-s.posX, row-s.posY
				srcOff := s.offset(srcX, srcY)
				n := int(r.X1-r.X0) * bpp
				dstOff := int(row)*int(dst.Pitch) + int(r.X0)*bpp
				copy(dst.Buf[dstOff:dstOff+n], s.buf[srcOff:srcOff+n])
			}
		}
		s.isDirty = false
		s.dirty = Rect{}
	}
	return nil
}

// CleanupTask releases the surface owned by task, if any, via freeFn. It
// is a no-op (not an error) when the task never created one, mirroring
// shm.CleanupTask's tolerant exit-time sweep.
func CleanupTask(owner OwnerID, freeFn PageFreeFn) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	s, err := find(owner)
	if err != nil {
		return nil
	}
	if ferr := freeFn(s.back.Address()); ferr != nil {
		return ferr
	}
	*s = Surface{}
	return nil
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
