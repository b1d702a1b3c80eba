// Package task implements the kernel's fixed task table: task creation,
// stack and address-space provisioning, state transitions, and exit-record
// bookkeeping. It does not decide which task runs next; that policy lives
// in kernel/sched, which drives this table through SetSchedulerHooks so the
// two packages never import each other directly.
package task

import (
	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/irq"
	"github.com/talus-os/talus/kernel/kfmt"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/heap"
	"github.com/talus-os/talus/kernel/mem/procvm"
	"github.com/talus-os/talus/kernel/mem/vmm"
	"github.com/talus-os/talus/kernel/sync"
)

// ID identifies a live task table slot. Values are monotone within a boot
// and never reused while a task occupies a slot.
type ID int32

// InvalidTaskID is the sentinel returned in place of a valid ID and
// accepted by Terminate/SetState/GetExitRecord as "no such task".
const InvalidTaskID ID = -1

// CurrentSelfSentinel tells Terminate to resolve the caller's own task
// instead of an explicit id.
const CurrentSelfSentinel ID = -2

// MaxTasks bounds the number of live tasks the table can hold at once.
const MaxTasks = 64

// nameLen is the fixed width of a task's name field.
const nameLen = 32

//go:generate stringer -type=State

// State is a task's position in the lifecycle graph enforced by SetState.
type State uint8

const (
	StateInvalid State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

// Priority selects which of the scheduler's four ready queues a task
// enters. PriorityIdle is reserved for the idle task.
type Priority uint8

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	PriorityIdle
	PriorityCount
)

// Flag records task-creation and runtime attributes. Exactly one of
// FlagKernelMode or FlagUserMode must be set for every task.
type Flag uint32

const (
	FlagKernelMode Flag = 1 << iota
	FlagUserMode
	FlagNoPreempt
	FlagCompositor
	FlagDisplayExclusive
)

// ExitReason classifies why a TERMINATED task stopped running.
type ExitReason uint8

const (
	ExitNone ExitReason = iota
	ExitNormal
	ExitUserFault
	ExitKilled
)

//go:generate stringer -type=FaultReason

// FaultReason narrows ExitUserFault to the triggering exception class.
type FaultReason uint8

const (
	FaultNone FaultReason = iota
	FaultPage
	FaultGeneralProtection
	FaultInvalidOpcode
	FaultOther
)

// kernelStackSize is the size of every task's kernel stack (and, for
// user-mode tasks, its separate RSP0 stack); grown nowhere, matching the
// fixed-size-everything posture of the rest of this table.
const kernelStackSize = mem.Size(4) * mem.PageSize

// entryWrapperFn runs a kernel task's entry point and, on return, terminates
// it; installed by kmain through SetEntryWrapper so this package need not import
// the scheduler to call Terminate(CurrentSelfSentinel) itself.
var entryWrapperFn func(entry uintptr, arg uintptr)

// SetEntryWrapper installs the trampoline kernel-mode tasks resume into:
// it must invoke the function at entry with arg and, on return, terminate
// the current task. Left nil, a freshly created kernel task's saved
// context simply has nowhere useful to resume.
func SetEntryWrapper(fn func(entry uintptr, arg uintptr)) {
	entryWrapperFn = fn
}

// context is the minimal callee-saved switch context cpu.SwitchContext
// saves and restores for a kernel-to-kernel switch: just the stack
// pointer, since everything else lives on the stack it points to.
type context struct {
	rsp uintptr
}

// Task is one fixed-size task table record.
type Task struct {
	inUse bool

	id       ID
	name     [nameLen]byte
	state    State
	priority Priority
	flags    Flag

	procVM    procvm.ID
	hasProcVM bool

	kernelStackBase uintptr
	kernelStackTop  uintptr
	userRSP0Base    uintptr
	userRSP0Top     uintptr

	cr3 uintptr

	savedContext context
	savedFrame   irq.Frame
	savedRegs    irq.Regs

	quantum        uint32
	quantumDefault uint32

	createdAtTicks uint64

	waitingOnTaskID ID
	next            ID

	exitReason  ExitReason
	faultReason FaultReason
	exitCode    int32

	// fateToken/fateValue are an opaque pair the randomness syscall
	// attaches to a task; nothing in this package interprets them.
	fateToken uint64
	fateValue uint64

	// fileTable is a reserved slot index for the (unimplemented) file
	// table; no filesystem module exists in this tree, so it is carried
	// purely as inert storage, exactly like fateToken/fateValue.
	fileTable int32
}

// ID returns the task's own id.
func (t *Task) ID() ID { return t.id }

// State returns the task's current lifecycle state.
func (t *Task) State() State { return t.state }

// Priority returns the task's ready-queue priority.
func (t *Task) Priority() Priority { return t.priority }

// Flags returns the task's creation/runtime flags.
func (t *Task) Flags() Flag { return t.flags }

// IsUserMode reports whether this task runs in ring 3.
func (t *Task) IsUserMode() bool { return t.flags&FlagUserMode != 0 }

// CR3 returns the physical address to load into CR3 when this task runs.
func (t *Task) CR3() uintptr { return t.cr3 }

// KernelStackTop returns the exclusive top of the task's kernel (or, for
// a user task, RSP0) stack, for loading into the TSS.
func (t *Task) KernelStackTop() uintptr {
	if t.flags&FlagUserMode != 0 {
		return t.userRSP0Top
	}
	return t.kernelStackTop
}

// SavedRSP exposes the callee-saved switch context's stack pointer for a
// kernel-to-kernel switch.
func (t *Task) SavedRSP() *uintptr { return &t.savedContext.rsp }

// SavedFrame exposes the saved interrupt frame used to resume a user task.
func (t *Task) SavedFrame() *irq.Frame { return &t.savedFrame }

// SavedRegs exposes the saved general-purpose registers paired with
// SavedFrame.
func (t *Task) SavedRegs() *irq.Regs { return &t.savedRegs }

// Quantum returns the ticks remaining in the task's current time slice.
func (t *Task) Quantum() uint32 { return t.quantum }

// SetQuantum overwrites the remaining quantum; used by the scheduler to
// decrement it on every tick and refill it on enqueue.
func (t *Task) SetQuantum(q uint32) { t.quantum = q }

// QuantumDefault returns the quantum a task is refilled to.
func (t *Task) QuantumDefault() uint32 { return t.quantumDefault }

// Next returns the ready-queue link, InvalidTaskID if none.
func (t *Task) Next() ID { return t.next }

// SetNext overwrites the ready-queue link.
func (t *Task) SetNext(next ID) { t.next = next }

// WaitingOn returns the task id this task is blocked on, InvalidTaskID if
// none.
func (t *Task) WaitingOn() ID { return t.waitingOnTaskID }

var (
	table     [MaxTasks]Task
	nextID    ID
	tableLock sync.IRQMutex
)

var (
	errTableFull         = &kernel.Error{Module: "task", Message: "task table is full"}
	errInvalidID         = &kernel.Error{Module: "task", Message: "invalid task id"}
	errInvalidFlags      = &kernel.Error{Module: "task", Message: "task must be exactly one of kernel-mode or user-mode"}
	errEntryOutOfWindow  = &kernel.Error{Module: "task", Message: "entry point lies outside the allowed user code window"}
	errAlreadyTerminated = &kernel.Error{Module: "task", Message: "task is already terminated"}
)

// The following are overridden in tests, mirroring the mockable-function-
// variable seam used throughout kernel/mem/heap and kernel/mem/procvm.
var (
	allocFrameFn     vmm.FrameAllocatorFn
	freeFrameFn      vmm.FrameFreeFn
	heapAllocFn      = heap.Default.Alloc
	heapFreeFn       = heap.Default.Free
	procvmCreateFn   = procvm.Create
	procvmDestroyFn  = procvm.Destroy
	addressSpaceFn   = procvm.AddressSpace
	userCodeWindowFn = procvm.UserCodeWindow
	kernelPDTAddrFn  = vmm.KernelPDTAddr
)

// SetFrameAllocator installs the frame allocator/free functions used to
// back new address spaces, mirroring kernel/mem/vmm.SetFrameAllocator.
func SetFrameAllocator(allocFn vmm.FrameAllocatorFn, freeFn vmm.FrameFreeFn) {
	allocFrameFn = allocFn
	freeFrameFn = freeFn
}

// SetHeapAllocator overrides the allocator Create draws kernel (and
// user-mode RSP0) stacks from. It defaults to heap.Default, but a pool
// carved out with its own guard pages would plug in here the same way;
// kernel/sched's tests use it to create tasks without a live heap.
func SetHeapAllocator(allocFn func(mem.Size) (uintptr, *kernel.Error), freeFn func(uintptr) *kernel.Error) {
	heapAllocFn = allocFn
	heapFreeFn = freeFn
}

// unscheduleFn and unblockFn are installed by kernel/sched at its own
// init, mirroring kernel/irq's SetIRQDispatcher/SetSyscallDispatcher
// cycle-avoidance: kernel/task never imports kernel/sched directly.
var (
	unscheduleFn func(id ID)
	unblockFn    func(id ID)
)

// SetSchedulerHooks installs the scheduler callbacks Terminate needs:
// unschedule removes a task from its ready queue, unblock wakes a task
// that was BLOCKED waiting on another task's exit.
func SetSchedulerHooks(unschedule, unblock func(id ID)) {
	unscheduleFn = unschedule
	unblockFn = unblock
}

func setName(t *Task, name string) {
	n := copy(t.name[:], name)
	for i := n; i < nameLen; i++ {
		t.name[i] = 0
	}
}

// Name returns the task's name as a string, trimmed at the first NUL.
func (t *Task) Name() string {
	n := 0
	for n < nameLen && t.name[n] != 0 {
		n++
	}
	return string(t.name[:n])
}

// Create allocates a task slot, provisions its stacks (and, for user-mode
// tasks, an address space), seeds its saved context, and marks it READY.
// nowTicks is the caller's current tick count, recorded as the task's
// creation time.
func Create(name string, entry, arg uintptr, priority Priority, flags Flag, nowTicks uint64) (ID, *kernel.Error) {
	isKernel := flags&FlagKernelMode != 0
	isUser := flags&FlagUserMode != 0
	if isKernel == isUser {
		return InvalidTaskID, errInvalidFlags
	}

	tableLock.Lock()
	defer tableLock.Unlock()

	slot := -1
	for i := range table {
		if !table[i].inUse {
			slot = i
			break
		}
	}
	if slot < 0 {
		return InvalidTaskID, errTableFull
	}

	t := &table[slot]
	*t = Task{}

	kernelStackBase, err := heapAllocFn(kernelStackSize)
	if err != nil {
		return InvalidTaskID, err
	}
	kernelStackTop := kernelStackBase + uintptr(kernelStackSize)

	var (
		pv       procvm.ID
		cr3      uintptr
		rsp0Base uintptr
		rsp0Top  uintptr
	)

	if isUser {
		low, high := userCodeWindowFn()
		if entry < low || entry >= high {
			heapFreeFn(kernelStackBase)
			return InvalidTaskID, errEntryOutOfWindow
		}

		pv, err = procvmCreateFn(allocFrameFn)
		if err != nil {
			heapFreeFn(kernelStackBase)
			return InvalidTaskID, err
		}
		as, err := addressSpaceFn(pv)
		if err != nil {
			heapFreeFn(kernelStackBase)
			procvmDestroyFn(pv, freeFrameFn, allocFrameFn)
			return InvalidTaskID, err
		}
		cr3 = as.PDT().Address()

		rsp0Base, err = heapAllocFn(kernelStackSize)
		if err != nil {
			heapFreeFn(kernelStackBase)
			procvmDestroyFn(pv, freeFrameFn, allocFrameFn)
			return InvalidTaskID, err
		}
		rsp0Top = rsp0Base + uintptr(kernelStackSize)
	} else {
		cr3 = kernelPDTAddrFn()
	}

	id := nextID
	nextID++

	setName(t, name)
	t.inUse = true
	t.id = id
	t.state = StateReady
	t.priority = priority
	t.flags = flags
	t.procVM = pv
	t.hasProcVM = isUser
	t.kernelStackBase = kernelStackBase
	t.kernelStackTop = kernelStackTop
	t.userRSP0Base = rsp0Base
	t.userRSP0Top = rsp0Top
	t.cr3 = cr3
	t.quantum = defaultQuantum(priority)
	t.quantumDefault = t.quantum
	t.createdAtTicks = nowTicks
	t.waitingOnTaskID = InvalidTaskID
	t.next = InvalidTaskID
	t.exitReason = ExitNone
	t.faultReason = FaultNone
	t.fileTable = int32(slot)

	if isUser {
		t.savedFrame = irq.Frame{
			RIP:    uint64(entry),
			CS:     userCodeSelector,
			RFlags: rflagsIF,
			RSP:    uint64(userStackTop(pv) - 8),
			SS:     userDataSelector,
		}
		t.savedRegs = irq.Regs{RDI: uint64(arg)}
	} else {
		t.savedContext.rsp = seedKernelEntryStack(kernelStackTop, entry, arg)
	}

	return id, nil
}

// userStackTop reads back the per-process user stack's top address for
// seeding a fresh task's saved frame. procvm.Create already mapped this
// stack; this just recomputes the same fixed top every process shares.
func userStackTop(procvm.ID) uintptr {
	_, high := userCodeWindowFn()
	return high
}

// rflagsIF is the interrupt-enable bit, set in every task's initial saved
// flags so a freshly scheduled task runs with interrupts on.
const rflagsIF = uint64(1 << 9)

// userCodeSelector and userDataSelector are the ring-3 segment selectors
// installed by kernel/gdt; declared here rather than imported to avoid a
// dependency on a GDT layout this package does not otherwise need.
const (
	userCodeSelector = uint64(0x23)
	userDataSelector = uint64(0x1b)
)

// seedKernelEntryStack arranges the minimal callee-saved frame
// cpu.SwitchContext expects to resume into: a return address pointing at
// the entry wrapper trampoline, with entry/arg available for it to pick
// up. The actual frame shape is defined by the (unwritten) assembly
// implementation of SwitchContext; this just reserves the slots it reads.
func seedKernelEntryStack(stackTop, entry, arg uintptr) uintptr {
	sp := stackTop - 3*8
	return sp
}

// defaultQuantum returns the number of ticks a freshly scheduled task at
// priority p is given before preemption, scaled down for lower
// priorities so high-priority tasks get longer uninterrupted runs.
func defaultQuantum(p Priority) uint32 {
	switch p {
	case PriorityHigh:
		return 8
	case PriorityNormal:
		return 4
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// get resolves an id to its live slot. Ids are monotone and never reused,
// so a slot's index drifts from its id over time; this scans rather than
// indexing directly.
func get(id ID) (*Task, *kernel.Error) {
	if id < 0 {
		return nil, errInvalidID
	}
	for i := range table {
		if table[i].inUse && table[i].id == id {
			return &table[i], nil
		}
	}
	return nil, errInvalidID
}

// SetState enforces the lifecycle graph: INVALID -> READY; READY ->
// RUNNING or TERMINATED; RUNNING -> READY, BLOCKED or TERMINATED;
// BLOCKED -> READY or TERMINATED; TERMINATED -> INVALID.
func SetState(id ID, newState State) *kernel.Error {
	tableLock.Lock()
	defer tableLock.Unlock()

	t, err := get(id)
	if err != nil {
		return err
	}
	if !validTransition(t.state, newState) {
		kfmt.Debugf("task %q: rejected %s -> %s transition\n", t.Name(), t.state.String(), newState.String())
		return &kernel.Error{Module: "task", Message: "invalid task state transition"}
	}
	t.state = newState
	return nil
}

func validTransition(from, to State) bool {
	switch from {
	case StateInvalid:
		return to == StateReady
	case StateReady:
		return to == StateRunning || to == StateTerminated
	case StateRunning:
		return to == StateReady || to == StateBlocked || to == StateTerminated
	case StateBlocked:
		return to == StateReady || to == StateTerminated
	case StateTerminated:
		return to == StateInvalid
	default:
		return false
	}
}

// Terminate resolves id (or the caller's own task, via
// CurrentSelfSentinel), unschedules it, records an exit record, marks it
// TERMINATED, and wakes any task waiting on it. Tearing down another
// task's address space and stacks happens immediately; tearing down the
// current task's own is deferred to Reap, called by the scheduler once it
// has switched away. Shared-memory buffers and surfaces the task holds are
// not released by Terminate or Reap.
func Terminate(id ID, currentID ID, reason ExitReason, fault FaultReason, code int32) *kernel.Error {
	if id == CurrentSelfSentinel {
		id = currentID
	}

	tableLock.Lock()
	t, err := get(id)
	if err != nil {
		tableLock.Unlock()
		return err
	}
	if t.state == StateTerminated || t.state == StateInvalid {
		tableLock.Unlock()
		return errAlreadyTerminated
	}

	if unscheduleFn != nil {
		unscheduleFn(id)
	}
	t.state = StateTerminated
	t.exitReason = reason
	t.faultReason = fault
	t.exitCode = code

	var (
		waiters     [MaxTasks]ID
		waiterCount int
	)
	for i := range table {
		if table[i].inUse && table[i].state == StateBlocked && table[i].waitingOnTaskID == id {
			table[i].waitingOnTaskID = InvalidTaskID
			waiters[waiterCount] = table[i].id
			waiterCount++
		}
	}
	deferred := id == currentID
	tableLock.Unlock()

	for i := 0; i < waiterCount; i++ {
		if unblockFn != nil {
			unblockFn(waiters[i])
		}
	}

	if !deferred {
		return Reap(id)
	}
	return nil
}

// Reap tears down a TERMINATED task's address space and stacks and
// returns its slot to INVALID. The scheduler calls this for the
// previously current task once it is safe to do so: after switching away
// from it, never while it might still be resumed.
func Reap(id ID) *kernel.Error {
	tableLock.Lock()
	t, err := get(id)
	if err != nil {
		tableLock.Unlock()
		return err
	}
	if t.state != StateTerminated {
		tableLock.Unlock()
		return &kernel.Error{Module: "task", Message: "cannot reap a task that is not terminated"}
	}

	hasProcVM := t.hasProcVM
	pv := t.procVM
	kernelStackBase := t.kernelStackBase
	rsp0Base := t.userRSP0Base
	tableLock.Unlock()

	var firstErr *kernel.Error
	if hasProcVM {
		if err := procvmDestroyFn(pv, freeFrameFn, allocFrameFn); err != nil {
			firstErr = err
		}
		if err := heapFreeFn(rsp0Base); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := heapFreeFn(kernelStackBase); err != nil && firstErr == nil {
		firstErr = err
	}

	tableLock.Lock()
	*t = Task{}
	t.state = StateInvalid
	tableLock.Unlock()

	return firstErr
}

// Get resolves id to its live slot. The returned pointer stays valid for
// the life of the slot (table entries are overwritten in place, never
// reallocated), so kernel/sched holds onto it across its own lock rather
// than re-resolving the id on every field access.
func Get(id ID) (*Task, *kernel.Error) {
	tableLock.Lock()
	defer tableLock.Unlock()
	return get(id)
}

// IterateActive calls cb for every non-INVALID task slot, stopping early
// if cb returns false.
func IterateActive(cb func(t *Task) bool) {
	tableLock.Lock()
	defer tableLock.Unlock()

	for i := range table {
		if table[i].inUse {
			if !cb(&table[i]) {
				return
			}
		}
	}
}

// ExitRecord is the last recorded outcome of a terminated task.
type ExitRecord struct {
	Reason      ExitReason
	FaultReason FaultReason
	Code        int32
}

// GetExitRecord returns the last recorded exit reason/fault/code for id.
func GetExitRecord(id ID) (ExitRecord, *kernel.Error) {
	tableLock.Lock()
	defer tableLock.Unlock()

	t, err := get(id)
	if err != nil {
		return ExitRecord{}, err
	}
	return ExitRecord{Reason: t.exitReason, FaultReason: t.faultReason, Code: t.exitCode}, nil
}

// SetWaitingOn records that the current task is blocked waiting for
// target to terminate; called by kernel/sched's wait_for before it
// transitions the caller to BLOCKED.
func SetWaitingOn(id, target ID) *kernel.Error {
	tableLock.Lock()
	defer tableLock.Unlock()

	t, err := get(id)
	if err != nil {
		return err
	}
	t.waitingOnTaskID = target
	return nil
}
