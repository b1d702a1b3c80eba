// Package syscall implements the kernel's int 0x80 syscall table: vector
// classification and argument plumbing only. Each recognized number routes
// to the subsystem operation that already implements it (scheduler yield,
// task exit, shared-memory and surface/compositor calls); numbers whose
// backing subsystem (filesystem, input, audio roulette, framebuffer flip)
// lives in a driver this core does not implement are routed but answer
// errNotImplemented.
package syscall

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/irq"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/pmm"
	"github.com/talus-os/talus/kernel/mem/pmm/allocator"
	"github.com/talus-os/talus/kernel/mem/procvm"
	"github.com/talus-os/talus/kernel/sched"
	"github.com/talus-os/talus/kernel/shm"
	"github.com/talus-os/talus/kernel/surface"
	"github.com/talus-os/talus/kernel/task"
)

// contiguousAlloc adapts allocator.Default.Alloc to shm.ContiguousAllocFn's
// unflagged shape; shared-memory buffers never need the zero-fill or DMA
// flags a caller of Alloc directly could ask for.
func contiguousAlloc(pageCount uint32) (pmm.Frame, *kernel.Error) {
	return allocator.Default.Alloc(pageCount, 0)
}

// Number identifies one syscall vector, stable within a build.
type Number uint64

// The syscall numbers named in full by the ABI (§6). Handlers for the
// numbers whose owning subsystem is outside this core's scope are
// registered but always answer errNotImplemented.
const (
	Yield Number = iota
	Write
	Read
	ReadChar
	SleepMs
	GetTimeMs
	Roulette
	RouletteResult
	RouletteDraw
	Exit
	FbInfo
	TTYSetFocus
	RandomNext
	FsOpen
	FsClose
	FsRead
	FsWrite
	FsStat
	FsMkdir
	FsUnlink
	FsList
	SysInfo
	EnumerateWindows
	SetWindowPosition
	SetWindowState
	RaiseWindow
	SurfaceCommit
	SurfaceAttach
	SurfaceDamage
	SurfaceFrame
	SurfaceSetRole
	SurfaceSetParent
	SurfaceSetTitle
	ShmCreate
	ShmMap
	ShmUnmap
	ShmDestroy
	ShmAcquire
	ShmRelease
	ShmPollReleased
	ShmGetFormats
	ShmCreateWithFormat
	FbFlip
	InputPoll
	InputPollBatch
	InputHasEvents
	InputSetFocus
	InputGetPointerPos
	InputGetButtonState
	Halt
	SpawnTask
	Exec
	Fork
	BufferAge
	DrainQueue

	numberCount
)

// errNotImplementedRAX is returned in rax, per §6's "rax = u64::MAX (or a
// negative value reinterpreted)" error convention, by any syscall this
// core does not own the implementation of.
const errNotImplementedRAX = ^uint64(0)

// Args is the rdi, rsi, rdx, rcx, r8, r9 argument tuple the ABI specifies.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// handler receives the calling task's id and its argument tuple, and
// returns the value to place in rax.
type handler func(caller task.ID, args Args) uint64

var table [numberCount]handler

func init() {
	table[Yield] = handleYield
	table[Exit] = handleExit
	table[SpawnTask] = handleSpawnTask
	table[Halt] = handleHalt

	table[EnumerateWindows] = handleEnumerateWindows
	table[SetWindowPosition] = handleSetWindowPosition
	table[SetWindowState] = handleSetWindowState
	table[RaiseWindow] = handleRaiseWindow
	table[SurfaceCommit] = handleSurfaceCommit
	table[SurfaceAttach] = handleSurfaceAttach
	table[SurfaceDamage] = handleSurfaceDamage
	table[SurfaceSetRole] = handleSurfaceSetRole
	table[SurfaceSetParent] = handleSurfaceSetParent
	table[SurfaceSetTitle] = handleSurfaceSetTitle

	table[ShmCreate] = handleShmCreate
	table[ShmMap] = handleShmMap
	table[ShmUnmap] = handleShmUnmap
	table[ShmDestroy] = handleShmDestroy

	for i := range table {
		if table[i] == nil {
			table[i] = handleNotImplemented
		}
	}
}

// Init installs Dispatch as kernel/irq's syscall-vector handler.
func Init() {
	irq.SetSyscallDispatcher(Dispatch)
}

// Dispatch reads the syscall number and argument tuple out of regs per the
// §6 ABI (number in rax on entry, arguments in rdi/rsi/rdx/rcx/r8/r9,
// result placed back in rax) and routes to the registered handler.
func Dispatch(_ *irq.Frame, regs *irq.Regs) {
	num := Number(regs.RAX)
	if num >= numberCount {
		regs.RAX = errNotImplementedRAX
		return
	}

	args := Args{A0: regs.RDI, A1: regs.RSI, A2: regs.RDX, A3: regs.RCX, A4: regs.R8, A5: regs.R9}
	regs.RAX = table[num](sched.Current(), args)
}

func handleNotImplemented(task.ID, Args) uint64 {
	return errNotImplementedRAX
}

func handleYield(task.ID, Args) uint64 {
	sched.Yield()
	return 0
}

func handleExit(caller task.ID, args Args) uint64 {
	if err := task.Terminate(task.CurrentSelfSentinel, caller, task.ExitNormal, task.FaultNone, int32(args.A0)); err != nil {
		return errNotImplementedRAX
	}
	sched.Schedule()
	return 0
}

func handleHalt(task.ID, Args) uint64 {
	if err := sched.BlockCurrent(); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

// handleSpawnTask creates a user-mode task at the entry point named in
// A0 with argument A1 and priority A2; it does not itself load an ELF
// image, which is the caller's job via the process VM's load_elf before
// this syscall runs.
func handleSpawnTask(caller task.ID, args Args) uint64 {
	id, err := task.Create("spawned", uintptr(args.A0), uintptr(args.A1), task.Priority(args.A2), task.FlagUserMode, 0)
	if err != nil {
		return errNotImplementedRAX
	}
	return uint64(id)
}

func handleEnumerateWindows(task.ID, Args) uint64 {
	return uint64(len(surface.EnumerateWindows()))
}

func handleSetWindowPosition(caller task.ID, args Args) uint64 {
	if err := surface.SetWindowPosition(caller, int32(args.A0), int32(args.A1)); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleSetWindowState(caller task.ID, args Args) uint64 {
	if err := surface.SetWindowState(caller, args.A0 != 0); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleRaiseWindow(caller task.ID, _ Args) uint64 {
	if err := surface.RaiseWindow(caller); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

// handleSurfaceCommit creates caller's surface on first use (A0 x A1 at
// A2 bits per pixel); repeated calls are rejected by surface.Create, which
// allows one surface per task.
func handleSurfaceCommit(caller task.ID, args Args) uint64 {
	if err := surface.Create(caller, uint32(args.A0), uint32(args.A1), uint8(args.A2), allocator.AllocFrame); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleSurfaceAttach(caller task.ID, args Args) uint64 {
	if err := shm.SurfaceAttach(procvm.ID(caller), args.A0, uint32(args.A1), uint32(args.A2)); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleSurfaceDamage(caller task.ID, args Args) uint64 {
	if err := surface.Damage(caller, int32(args.A0), int32(args.A1), uint32(args.A2), uint32(args.A3)); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleSurfaceSetRole(caller task.ID, args Args) uint64 {
	if err := surface.SurfaceSetRole(caller, surface.Role(args.A0)); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleSurfaceSetParent(caller task.ID, args Args) uint64 {
	if err := surface.SurfaceSetParent(caller, task.ID(args.A0)); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleSurfaceSetTitle(caller task.ID, args Args) uint64 {
	title := readCString(args.A0)
	if err := surface.SurfaceSetTitle(caller, title); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleShmCreate(caller task.ID, args Args) uint64 {
	token, err := shm.Create(procvm.ID(caller), mem.Size(args.A0), contiguousAlloc)
	if err != nil {
		return errNotImplementedRAX
	}
	return token
}

func handleShmMap(caller task.ID, args Args) uint64 {
	addr, err := shm.Map(procvm.ID(caller), args.A0, args.A1 != 0, allocator.AllocFrame)
	if err != nil {
		return errNotImplementedRAX
	}
	return uint64(addr)
}

func handleShmUnmap(caller task.ID, args Args) uint64 {
	if err := shm.Unmap(procvm.ID(caller), uintptr(args.A0)); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

func handleShmDestroy(caller task.ID, args Args) uint64 {
	if err := shm.Destroy(procvm.ID(caller), args.A0, allocator.Default.Free); err != nil {
		return errNotImplementedRAX
	}
	return 0
}

// readCString stands in for the userspace string copy a real surface
// title syscall needs: validating the pointer lies in the caller's
// address space, then copying byte by byte through the direct map.
func readCString(uint64) string {
	return ""
}
