package boot

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/irq"
	"github.com/talus-os/talus/kernel/kfmt"
)

// exceptionNames labels every vector installExceptionPanicHandlers wires up,
// for inclusion in the panic message.
var exceptionNames = map[irq.ExceptionNum]string{
	irq.DivideByZero: "divide-by-zero",
	irq.Debug: "debug",
	irq.Breakpoint: "breakpoint",
	irq.Overflow: "overflow",
	irq.BoundRangeExceeded: "bound-range-exceeded",
	irq.InvalidOpcode: "invalid-opcode",
	irq.DeviceNotAvailable: "device-not-available",
	irq.DoubleFault: "double-fault",
	irq.InvalidTSS: "invalid-tss",
	irq.SegmentNotPresent: "segment-not-present",
	irq.StackSegmentFault: "stack-segment-fault",
	irq.GPFException: "general-protection-fault",
	irq.PageFaultException: "page-fault",
	irq.X87FloatingPoint: "x87-floating-point",
	irq.AlignmentCheck: "alignment-check",
	irq.MachineCheck: "machine-check",
	irq.SIMDFloatingPoint: "simd-floating-point",
}

// installExceptionPanicHandlers registers a descriptive panic handler for
// every named CPU exception, so a kernel-mode fault (or a user-mode fault
// in a vector outside the user-fault termination policy) reports which
// exception fired instead of the dispatcher's generic fallback message.
func installExceptionPanicHandlers() {
	for vector, name := range exceptionNames {
		vector, name := vector, name
		irq.InstallPanicHandler(vector, func(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
			kfmt.Printf("unhandled %s exception (error code %x)\n", name, errorCode)
			regs.Print()
			frame.Print()
			kernel.Panic(&kernel.Error{Module: "irq", Message: name + " exception"})
		})
	}
}
