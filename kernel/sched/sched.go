// Package sched implements the kernel's single-CPU task scheduler: four
// priority-indexed ready queues, a cooperative-plus-preemptive schedule
// loop, and the glue that lets kernel/irq's timer IRQ and user-fault
// termination policy drive it without kernel/irq or kernel/task ever
// importing this package back.
package sched

import (
	"unsafe"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/cpu"
	"github.com/talus-os/talus/kernel/irq"
	"github.com/talus-os/talus/kernel/kfmt"
	"github.com/talus-os/talus/kernel/sync"
	"github.com/talus-os/talus/kernel/task"
)

// priorityCount mirrors task.PriorityCount; kept as a local untyped
// constant so the ready-queue array size is obviously fixed regardless of
// how task.Priority is represented.
const priorityCount = 4

// readyQueue is a singly-linked FIFO of task ids threaded through each
// Task's own Next link, plus a count, matching ReadyQueue's definition.
type readyQueue struct {
	head, tail task.ID
	count      int
}

func (q *readyQueue) reset() {
	q.head, q.tail = task.InvalidTaskID, task.InvalidTaskID
	q.count = 0
}

func (q *readyQueue) pushBack(id task.ID, t *task.Task) {
	t.SetNext(task.InvalidTaskID)
	if q.count == 0 {
		q.head = id
	} else {
		tail, err := task.Get(q.tail)
		if err == nil {
			tail.SetNext(id)
		}
	}
	q.tail = id
	q.count++
}

func (q *readyQueue) popFront() (task.ID, bool) {
	if q.count == 0 {
		return task.InvalidTaskID, false
	}
	id := q.head
	t, err := task.Get(id)
	if err != nil {
		q.reset()
		return task.InvalidTaskID, false
	}
	q.head = t.Next()
	q.count--
	if q.count == 0 {
		q.tail = task.InvalidTaskID
	}
	t.SetNext(task.InvalidTaskID)
	return id, true
}

var (
	queues   [priorityCount]readyQueue
	queueMu  sync.IRQMutex
	current  = task.InvalidTaskID
	idleTask = task.InvalidTaskID

	enabled           bool
	preemptionEnabled bool
	reschedulePending bool
	inSchedule        int

	savedReturnRSP uintptr

	// pendingReap holds the id of a task that terminated itself, deferred
	// from the Schedule call that switched away from it: its stack is
	// still live under that call until the switch actually completes, so
	// Reap runs at the top of the next Schedule call instead, once
	// execution is definitely on a different stack.
	pendingReap = task.InvalidTaskID

	switchesCount    uint64
	yieldsCount      uint64
	idleTicksCount   uint64
	ticksCount       uint64
	preemptionsCount uint64
)

// idleWakeupFn is invoked from the idle loop each time it yields, letting
// a console or input driver do low-priority background work without its
// own dedicated task.
var idleWakeupFn func()

// SetIdleWakeup installs the callback the idle task invokes after each
// yield.
func SetIdleWakeup(fn func()) {
	idleWakeupFn = fn
}

// The following are overridden in tests, mirroring kernel/mem/vmm's
// activePDTFn/switchPDTFn seam: swap the real context switch for a
// recorder so Schedule's bookkeeping can be exercised without ever
// actually switching stacks.
var (
	switchContextFn = cpu.SwitchContext
	switchToUserFn  = cpu.SwitchToUserContext
	haltFn          = cpu.Halt
)

var (
	errNotReady       = &kernel.Error{Module: "sched", Message: "task is not in state READY"}
	errNoIdleTask     = &kernel.Error{Module: "sched", Message: "no idle task registered"}
	errAlreadyBlocked = &kernel.Error{Module: "sched", Message: "task is already blocked"}
)

func init() {
	task.SetSchedulerHooks(unscheduleHook, unblockHook)
}

// SetIdleTask designates id as the task run when every ready queue is
// empty; Start and Schedule fall back to it, and it must be at
// task.PriorityIdle.
func SetIdleTask(id task.ID) *kernel.Error {
	if _, err := task.Get(id); err != nil {
		return err
	}
	queueMu.Lock()
	idleTask = id
	queueMu.Unlock()
	return nil
}

// ScheduleTask enqueues a READY task onto its priority's ready queue. It
// rejects tasks not in state READY, and resets the task's quantum if it
// had been exhausted.
func ScheduleTask(id task.ID) *kernel.Error {
	t, err := task.Get(id)
	if err != nil {
		return err
	}
	if t.State() != task.StateReady {
		return errNotReady
	}

	queueMu.Lock()
	defer queueMu.Unlock()

	if t.Quantum() == 0 {
		t.SetQuantum(t.QuantumDefault())
	}
	queues[t.Priority()].pushBack(id, t)
	return nil
}

// UnscheduleTask removes id from its ready queue if present. It does not
// touch current even if id is the running task: Schedule's own inspection
// of the outgoing task's state is what decides whether that task gets
// requeued, left alone (blocked), or handed to pendingReap (terminated),
// and it needs current to still name that task to do so.
func UnscheduleTask(id task.ID) {
	t, err := task.Get(id)
	if err != nil {
		return
	}

	queueMu.Lock()
	defer queueMu.Unlock()

	removeFromQueue(&queues[t.Priority()], id)
}

// removeFromQueue walks q looking for id, unlinking it if found. Queues
// are short (at most MaxTasks entries) so a linear walk is fine.
func removeFromQueue(q *readyQueue, id task.ID) {
	if q.count == 0 {
		return
	}
	if q.head == id {
		q.popFront()
		return
	}

	prevID := q.head
	for i := 1; i < q.count; i++ {
		prev, err := task.Get(prevID)
		if err != nil {
			return
		}
		curID := prev.Next()
		if curID == id {
			cur, err := task.Get(curID)
			if err != nil {
				return
			}
			prev.SetNext(cur.Next())
			if q.tail == id {
				q.tail = prevID
			}
			cur.SetNext(task.InvalidTaskID)
			q.count--
			return
		}
		prevID = curID
	}
}

// unscheduleHook is installed on kernel/task via SetSchedulerHooks.
func unscheduleHook(id task.ID) {
	UnscheduleTask(id)
}

// unblockHook is installed on kernel/task via SetSchedulerHooks; it
// transitions a BLOCKED waiter to READY and enqueues it.
func unblockHook(id task.ID) {
	Unblock(id)
}

// Yield surrenders the CPU to the next ready task of equal or higher
// priority, counting the call.
func Yield() {
	queueMu.Lock()
	yieldsCount++
	queueMu.Unlock()
	Schedule()
}

// BlockCurrent transitions the current task to BLOCKED, unschedules it,
// and yields.
func BlockCurrent() *kernel.Error {
	queueMu.Lock()
	id := current
	queueMu.Unlock()
	if id == task.InvalidTaskID {
		return errNoIdleTask
	}

	t, err := task.Get(id)
	if err != nil {
		return err
	}
	if t.State() == task.StateBlocked {
		return errAlreadyBlocked
	}
	if err := task.SetState(id, task.StateBlocked); err != nil {
		return err
	}
	UnscheduleTask(id)
	Yield()
	return nil
}

// Unblock transitions a BLOCKED task to READY and enqueues it.
func Unblock(id task.ID) *kernel.Error {
	t, err := task.Get(id)
	if err != nil {
		return err
	}
	if t.State() != task.StateBlocked {
		return nil
	}
	if err := task.SetState(id, task.StateReady); err != nil {
		return err
	}
	return ScheduleTask(id)
}

// WaitFor blocks the current task until target terminates, recording the
// dependency so Terminate can release it.
func WaitFor(target task.ID) *kernel.Error {
	queueMu.Lock()
	id := current
	queueMu.Unlock()
	if id == task.InvalidTaskID {
		return errNoIdleTask
	}
	if err := task.SetWaitingOn(id, target); err != nil {
		return err
	}
	return BlockCurrent()
}

// Enable turns the scheduler on; Schedule and TimerTick are no-ops until
// this has been called.
func Enable() {
	queueMu.Lock()
	enabled = true
	queueMu.Unlock()
}

// Disable turns the scheduler off.
func Disable() {
	queueMu.Lock()
	enabled = false
	queueMu.Unlock()
}

// SetPreemptionEnabled toggles whether TimerTick may set
// reschedulePending.
func SetPreemptionEnabled(v bool) {
	queueMu.Lock()
	preemptionEnabled = v
	queueMu.Unlock()
}

// Current returns the id of the task currently RUNNING, or
// task.InvalidTaskID if the scheduler has never switched in anything.
func Current() task.ID {
	queueMu.Lock()
	defer queueMu.Unlock()
	return current
}

// Schedule picks the next task to run and switches into it. It is a
// no-op while disabled, and refuses to nest: a Schedule invoked while
// another is already in progress (e.g. from a fault handler that runs
// during dispatch) returns at once, touching no queue and performing no
// second switch.
func Schedule() {
	queueMu.Lock()
	if reap := pendingReap; reap != task.InvalidTaskID {
		pendingReap = task.InvalidTaskID
		queueMu.Unlock()
		task.Reap(reap)
		queueMu.Lock()
	}
	if !enabled {
		queueMu.Unlock()
		return
	}
	inSchedule++
	if inSchedule > 1 {
		inSchedule--
		queueMu.Unlock()
		return
	}

	oldID := current
	if oldID != task.InvalidTaskID {
		if oldT, err := task.Get(oldID); err == nil {
			switch oldT.State() {
			case task.StateRunning:
				task.SetState(oldID, task.StateReady)
				// The idle task is a standing fallback, not a ready-queue
				// member: it is always available via popHighestPriority's
				// fallback to idleTask, so it never needs requeueing.
				if oldID != idleTask {
					queues[oldT.Priority()].pushBack(oldID, oldT)
				}
			case task.StateTerminated:
				pendingReap = oldID
			}
		}
	}

	newID, ok := popHighestPriority()
	if !ok {
		newID = idleTask
	}
	if newID == task.InvalidTaskID {
		inSchedule--
		queueMu.Unlock()
		return
	}

	newT, err := task.Get(newID)
	if err != nil {
		inSchedule--
		queueMu.Unlock()
		return
	}

	if newID == idleTask && newT.State() == task.StateTerminated {
		enabled = false
		returnRSP := savedReturnRSP
		inSchedule--
		queueMu.Unlock()
		switchContextFn(new(uintptr), returnRSP)
		return
	}

	switchesCount++
	current = newID
	task.SetState(newID, task.StateRunning)
	newT.SetQuantum(newT.QuantumDefault())

	var oldRSP *uintptr
	if oldT, err := task.Get(oldID); err == nil {
		oldRSP = oldT.SavedRSP()
	} else {
		oldRSP = new(uintptr)
	}

	inSchedule--
	queueMu.Unlock()

	if newT.IsUserMode() {
		switchToUserFn(savedFrameAddr(newT), newT.CR3(), newT.KernelStackTop())
		return
	}
	switchContextFn(oldRSP, *newT.SavedRSP())
}

// savedFrameAddr returns the kernel address SwitchToUserContext should
// iret from: the location of this task's own saved interrupt frame,
// which it last wrote when it trapped into the kernel (or Create seeded
// for a never-yet-run task).
func savedFrameAddr(t *task.Task) uintptr {
	return uintptr(unsafe.Pointer(t.SavedFrame()))
}

// popHighestPriority pops and returns the head of the highest-priority
// non-empty ready queue (level 0 first). Caller must hold queueMu.
func popHighestPriority() (task.ID, bool) {
	for p := 0; p < priorityCount; p++ {
		if id, ok := queues[p].popFront(); ok {
			return id, true
		}
	}
	return task.InvalidTaskID, false
}

// TimerTick is called by the IRQ handler at a fixed frequency. It never
// calls Schedule directly; it only sets reschedulePending, which
// HandlePostIRQ consumes once it is safe to switch stacks.
func TimerTick() {
	queueMu.Lock()
	defer queueMu.Unlock()

	ticksCount++

	if !enabled {
		return
	}

	if current == idleTask {
		if anyQueueNonEmpty() {
			reschedulePending = true
		} else {
			idleTicksCount++
		}
		return
	}

	if !preemptionEnabled || inSchedule > 0 {
		return
	}

	t, err := task.Get(current)
	if err != nil || t.Flags()&task.FlagNoPreempt != 0 {
		return
	}

	q := t.Quantum()
	if q > 0 {
		q--
		t.SetQuantum(q)
	}
	if q == 0 {
		if anyQueueNonEmpty() {
			reschedulePending = true
			preemptionsCount++
		} else {
			t.SetQuantum(t.QuantumDefault())
		}
	}
}

func anyQueueNonEmpty() bool {
	for p := 0; p < priorityCount; p++ {
		if queues[p].count > 0 {
			return true
		}
	}
	return false
}

// HandlePostIRQ consumes reschedulePending on IRQ return and calls
// Schedule if it is set and no Schedule call is already in progress.
func HandlePostIRQ() {
	queueMu.Lock()
	pending := reschedulePending && inSchedule == 0
	if pending {
		reschedulePending = false
	}
	queueMu.Unlock()

	if pending {
		Schedule()
	}
}

// Start arms the kernel return context, enables preemption, and either
// schedules once (if ready work exists) or runs the idle task inline.
func Start() *kernel.Error {
	if idleTask == task.InvalidTaskID {
		return errNoIdleTask
	}

	queueMu.Lock()
	enabled = true
	preemptionEnabled = true
	savedReturnRSP = 0
	hasWork := anyQueueNonEmpty()
	queueMu.Unlock()

	if hasWork {
		Schedule()
		return nil
	}

	runIdleInline()
	return nil
}

// runIdleInline halts in a loop, periodically yielding to let any ready
// work preempt it once the ready queues stop being empty.
func runIdleInline() {
	for {
		queueMu.Lock()
		work := anyQueueNonEmpty()
		queueMu.Unlock()
		if work {
			Schedule()
		}
		if idleWakeupFn != nil {
			idleWakeupFn()
		}
		haltFn()
	}
}

// Stats is a snapshot of the scheduler's internal counters, for
// diagnostics.
type Stats struct {
	Switches    uint64
	Yields      uint64
	IdleTicks   uint64
	Ticks       uint64
	Preemptions uint64
}

// GetStats returns a snapshot of the scheduler's counters.
func GetStats() Stats {
	queueMu.Lock()
	defer queueMu.Unlock()
	return Stats{
		Switches:    switchesCount,
		Yields:      yieldsCount,
		IdleTicks:   idleTicksCount,
		Ticks:       ticksCount,
		Preemptions: preemptionsCount,
	}
}

// Init wires this package into kernel/irq: it becomes the IRQ dispatcher
// for the timer vector and the user-fault terminator for the exception
// vectors named in irq.IsUserFault.
func Init() {
	irq.SetIRQDispatcher(irqDispatch)
	irq.SetUserFaultTerminator(terminateUserFault)
}

// timerIRQVector is the legacy PIT/APIC timer line after remapping.
const timerIRQVector = irq.FirstIRQVector

func irqDispatch(vector irq.ExceptionNum, _ *irq.Frame, _ *irq.Regs) {
	if vector == timerIRQVector {
		TimerTick()
	}
	HandlePostIRQ()
}

// terminateUserFault implements the user-mode fault termination policy:
// the offending task is marked TERMINATED with exit_reason = user_fault
// and a fault_reason derived from the vector, and the scheduler proceeds
// without touching any other task.
func terminateUserFault(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	id := Current()
	if id == task.InvalidTaskID {
		return
	}

	t, err := task.Get(id)
	if err != nil {
		return
	}
	*t.SavedFrame() = *frame
	*t.SavedRegs() = *regs

	reason := faultReasonForErrorCode(errorCode)
	kfmt.Printf("terminating task %q: %s (error code %x)\n", t.Name(), reason.String(), errorCode)

	task.Terminate(id, id, task.ExitUserFault, reason, 1)
	Schedule()
}

func faultReasonForErrorCode(errorCode uint64) task.FaultReason {
	switch errorCode {
	case 0, 1, 2, 3, 4, 8, 16:
		return task.FaultPage
	default:
		return task.FaultGeneralProtection
	}
}
