package kmain

import (
	"reflect"
	"unsafe"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/boot"
	"github.com/talus-os/talus/kernel/cpu"
	_ "github.com/talus-os/talus/kernel/goruntime"
	"github.com/talus-os/talus/kernel/hal"
	"github.com/talus-os/talus/kernel/mem/heap"
	"github.com/talus-os/talus/kernel/mem/pmm/allocator"
	"github.com/talus-os/talus/kernel/sched"
	"github.com/talus-os/talus/kernel/syscall"
	"github.com/talus-os/talus/kernel/task"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// Unlike the multiboot2 handoff this kernel used previously, the Limine
// protocol hands its requests and responses through a fixed set of package
// variables in kernel/boot/limine rather than a single info pointer passed
// on the stack, so rt0 no longer needs to pass anything but control to
// Kmain.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain() {
	if err := boot.Init(); err != nil {
		kernel.Panic(err)
	}

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	if err := heap.Init(allocator.AllocFrame); err != nil {
		kernel.Panic(err)
	}
	task.SetFrameAllocator(allocator.AllocFrame, allocator.FreeFrame)
	task.SetEntryWrapper(runKernelTaskEntry)
	sched.Init()
	syscall.Init()

	idleID, err := task.Create("idle", entryPointOf(idleTaskMain), 0, task.PriorityIdle, task.FlagKernelMode, 0)
	if err != nil {
		kernel.Panic(err)
	}
	if err := sched.SetIdleTask(idleID); err != nil {
		kernel.Panic(err)
	}

	if err := sched.Start(); err != nil {
		kernel.Panic(err)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// idleTaskMain is the idle task's entry point: with nothing else
// schedulable, it just halts until the next interrupt, the same loop
// sched's own inline idle fallback runs before any task exists at all.
func idleTaskMain(uintptr) {
	for {
		cpu.Halt()
	}
}

// runKernelTaskEntry is the trampoline every kernel-mode task resumes
// into: entry is a code pointer minted by entryPointOf, recovered here as
// a callable func(uintptr) value. On return it terminates the current
// task and reschedules, satisfying task.SetEntryWrapper's contract.
func runKernelTaskEntry(entry, arg uintptr) {
	fn := *(*func(uintptr))(unsafe.Pointer(&entry))
	fn(arg)
	task.Terminate(task.CurrentSelfSentinel, task.CurrentSelfSentinel, task.ExitNormal, task.FaultNone, 0)
	sched.Schedule()
}

// entryPointOf recovers the code pointer backing a func(uintptr) value,
// the counterpart runKernelTaskEntry reconstitutes a callable value from.
func entryPointOf(fn func(uintptr)) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
