package irq

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

// Recognized CPU exceptions, vectors 0-19 per the architecture-defined
// layout; vectors 20-31 are reserved by Intel and never fire on real
// hardware so they are not named individually.
const (
	DivideByZero            = ExceptionNum(0)
	Debug                   = ExceptionNum(1)
	NMI                     = ExceptionNum(2)
	Breakpoint              = ExceptionNum(3)
	Overflow                = ExceptionNum(4)
	BoundRangeExceeded      = ExceptionNum(5)
	InvalidOpcode           = ExceptionNum(6)
	DeviceNotAvailable      = ExceptionNum(7)
	DoubleFault             = ExceptionNum(8)
	InvalidTSS              = ExceptionNum(10)
	SegmentNotPresent       = ExceptionNum(11)
	StackSegmentFault       = ExceptionNum(12)
	GPFException            = ExceptionNum(13)
	PageFaultException      = ExceptionNum(14)
	X87FloatingPoint        = ExceptionNum(16)
	AlignmentCheck          = ExceptionNum(17)
	MachineCheck            = ExceptionNum(18)
	SIMDFloatingPoint       = ExceptionNum(19)

	// SyscallVector is the trap gate, DPL 3, used for the syscall ABI.
	SyscallVector = ExceptionNum(0x80)

	// FirstIRQVector is where remapped legacy IRQs begin.
	FirstIRQVector = ExceptionNum(32)
	// LastIRQVector is the last remapped legacy IRQ vector.
	LastIRQVector = ExceptionNum(47)
)

// criticalVectors can never be overridden by a test-mode registration; a
// handler firing on one of these always panics.
var criticalVectors = map[ExceptionNum]bool{
	DoubleFault:  true,
	MachineCheck: true,
	NMI:          true,
}

// IsCritical reports whether num names a vector that may never be
// overridden, even while the dispatcher is in test mode.
func IsCritical(num ExceptionNum) bool {
	return criticalVectors[num]
}

// userFaultVectors names the vectors whose user-mode occurrence terminates
// the faulting task instead of panicking the kernel.
var userFaultVectors = map[ExceptionNum]bool{
	PageFaultException: true,
	GPFException:       true,
	InvalidOpcode:      true,
	DeviceNotAvailable: true,
}

// IsUserFault reports whether num is subject to the user-fault termination
// policy rather than an unconditional panic.
func IsUserFault(num ExceptionNum) bool {
	return userFaultVectors[num]
}

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)
