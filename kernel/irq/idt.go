package irq

import "github.com/talus-os/talus/kernel"

// vectorCount is the number of entries in the IDT.
const vectorCount = 256

// gateType distinguishes interrupt gates (which clear IF) from trap gates.
type gateType uint8

const (
	interruptGate gateType = iota
	trapGate
)

// gate describes one IDT entry in architecture-independent terms; the real
// offset/selector/IST encoding happens when the table is installed, which
// (like the rest of the CPU-facing primitives) is asm territory this
// package only describes, never performs directly.
type gate struct {
	vector ExceptionNum
	kind   gateType
	dpl    uint8
}

// table is the full 256-entry descriptor table populated by Init. It never
// grows or shrinks after boot, in the same fixed-capacity style as
// region.Map.
var table [vectorCount]gate

// Mode controls how dispatch() resolves vectors below 32 that are not
// critical: Normal always panics, Test allows a registered override to run
// instead so exception-handling logic can be exercised without faulting the
// host.
type Mode uint8

const (
	// Normal is the production dispatch mode.
	Normal Mode = iota
	// Test allows override registration for non-critical low vectors.
	Test
)

var dispatchMode = Normal

// SetMode switches the dispatcher between Normal and Test mode.
func SetMode(m Mode) { dispatchMode = m }

// overrides holds test-mode handler substitutions for vectors below 32.
var overrides [32]ExceptionHandlerWithCode

// RegisterOverride installs a handler for a non-critical low vector while in
// Test mode. It is a no-op outside Test mode and panics if the vector is
// critical, since those can never be overridden per spec.
func RegisterOverride(num ExceptionNum, handler ExceptionHandlerWithCode) {
	if dispatchMode != Test || num >= 32 {
		return
	}
	if IsCritical(num) {
		kernel.Panic(&kernel.Error{Module: "irq", Message: "cannot override a critical exception vector"})
	}
	overrides[num] = handler
}

// Init populates the descriptor table: interrupt gates for vectors 0-19
// except Breakpoint and Overflow (trap gates), the legacy IRQ range as
// interrupt gates, and the syscall vector as a DPL-3 trap gate.
func Init() {
	for v := 0; v < 20; v++ {
		kind := interruptGate
		if ExceptionNum(v) == Breakpoint || ExceptionNum(v) == Overflow {
			kind = trapGate
		}
		table[v] = gate{vector: ExceptionNum(v), kind: kind, dpl: 0}
	}

	for v := FirstIRQVector; v <= LastIRQVector; v++ {
		table[v] = gate{vector: v, kind: interruptGate, dpl: 0}
	}

	table[SyscallVector] = gate{vector: SyscallVector, kind: trapGate, dpl: 3}
}

// panicHandlers is consulted by dispatch for the "panic handler named by
// vector" policy; kernel/boot installs the real per-exception panic
// messages during init.
var panicHandlers [32]func(uint64, *Frame, *Regs)

// InstallPanicHandler registers the handler invoked when vector faults in
// kernel mode (or in user mode for a vector outside the user-fault policy).
func InstallPanicHandler(num ExceptionNum, handler func(uint64, *Frame, *Regs)) {
	if num < 32 {
		panicHandlers[num] = handler
	}
}

// irqDispatchFn and syscallDispatchFn are installed by kernel/sched and
// kernel/syscall respectively; irq does not import either to avoid a
// dependency cycle between the scheduler, the syscall router, and interrupt
// plumbing.
var (
	irqDispatchFn     func(vector ExceptionNum, frame *Frame, regs *Regs)
	syscallDispatchFn func(frame *Frame, regs *Regs)
)

// SetIRQDispatcher installs the function called for vectors 32-47.
func SetIRQDispatcher(fn func(vector ExceptionNum, frame *Frame, regs *Regs)) {
	irqDispatchFn = fn
}

// SetSyscallDispatcher installs the function called for the syscall vector.
func SetSyscallDispatcher(fn func(frame *Frame, regs *Regs)) {
	syscallDispatchFn = fn
}

// userFaultTerminateFn is installed by kernel/sched once the scheduler is
// live; it is called instead of panicking for exceptions named in
// userFaultVectors when the fault occurred in ring 3. Left nil, such
// faults fall through to the usual panic path, which is the correct
// behavior before a scheduler exists to terminate anything.
var userFaultTerminateFn func(errorCode uint64, frame *Frame, regs *Regs)

// SetUserFaultTerminator installs the function called when a user-mode
// task raises one of userFaultVectors, instead of panicking the kernel.
func SetUserFaultTerminator(fn func(errorCode uint64, frame *Frame, regs *Regs)) {
	userFaultTerminateFn = fn
}

// isUserMode reports whether a trapped CS selector's privilege level is 3,
// the bottom two bits of the segment selector.
func isUserMode(frame *Frame) bool {
	return frame.CS&3 == 3
}

// dispatch implements the vector-routing policy: 0x80 goes to the syscall
// dispatcher, vectors >= 32 to the IRQ dispatcher, vectors named in
// userFaultVectors that trapped from ring 3 go to the user-fault
// terminator, and everything else either panics (after logging) or, in
// Test mode for non-critical vectors, runs the registered override.
func dispatch(vector ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	switch {
	case vector == SyscallVector:
		if syscallDispatchFn != nil {
			syscallDispatchFn(frame, regs)
		}
		return
	case vector >= FirstIRQVector:
		if irqDispatchFn != nil {
			irqDispatchFn(vector, frame, regs)
		}
		return
	}

	if dispatchMode == Test && !IsCritical(vector) && overrides[vector] != nil {
		overrides[vector](errorCode, frame, regs)
		return
	}

	if IsUserFault(vector) && isUserMode(frame) && userFaultTerminateFn != nil {
		userFaultTerminateFn(errorCode, frame, regs)
		return
	}

	if panicHandlers[vector] != nil {
		panicHandlers[vector](errorCode, frame, regs)
		return
	}

	printFaultingInstruction(frame)
	kernel.Panic(&kernel.Error{Module: "irq", Message: "unhandled exception"})
}
