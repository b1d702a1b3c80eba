package sched

import (
	"testing"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/irq"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/task"
)

// installFakes resets every package-level variable this file's tests
// depend on and swaps task's heap allocator for a bump allocator over
// plain Go memory, so tasks can be created without a live heap or MMU.
// It also stubs out the actual context-switch primitives: tests exercise
// Schedule's bookkeeping, never a real stack swap.
func installFakes(t *testing.T) {
	t.Helper()

	origSwitch, origSwitchUser, origHalt := switchContextFn, switchToUserFn, haltFn
	t.Cleanup(func() {
		switchContextFn, switchToUserFn, haltFn = origSwitch, origSwitchUser, origHalt
		queues = [priorityCount]readyQueue{}
		current = task.InvalidTaskID
		idleTask = task.InvalidTaskID
		enabled = false
		preemptionEnabled = false
		reschedulePending = false
		inSchedule = 0
		pendingReap = task.InvalidTaskID
		switchesCount, yieldsCount, idleTicksCount, ticksCount, preemptionsCount = 0, 0, 0, 0, 0
	})

	switchContextFn = func(savedRSP *uintptr, newRSP uintptr) {}
	switchToUserFn = func(userRSP, addrSpace, rsp0 uintptr) {}
	haltFn = func() {}

	var nextStack uintptr = 0x2000
	task.SetHeapAllocator(
		func(size mem.Size) (uintptr, *kernel.Error) {
			addr := nextStack
			nextStack += uintptr(size)
			return addr, nil
		},
		func(uintptr) *kernel.Error { return nil },
	)
}

// newKernelTask creates a kernel-mode task and arranges for it to be
// reaped at test end, regardless of what state the test leaves it in.
func newKernelTask(t *testing.T, name string, priority task.Priority, flags task.Flag) task.ID {
	t.Helper()
	id, err := task.Create(name, 0xdeadbeef, 0, priority, flags|task.FlagKernelMode, 0)
	if err != nil {
		t.Fatalf("task.Create(%q) failed: %v", name, err)
	}
	t.Cleanup(func() {
		tk, err := task.Get(id)
		if err != nil {
			return
		}
		if tk.State() != task.StateTerminated {
			task.Terminate(id, id, task.ExitKilled, task.FaultNone, 0)
		}
		task.Reap(id)
	})
	return id
}

func TestScheduleTaskRejectsNonReadyTask(t *testing.T) {
	installFakes(t)
	id := newKernelTask(t, "a", task.PriorityNormal, 0)

	if err := task.SetState(id, task.StateRunning); err != nil {
		t.Fatalf("SetState(Running) failed: %v", err)
	}
	if err := ScheduleTask(id); err != errNotReady {
		t.Fatalf("expected errNotReady, got %v", err)
	}
}

func TestScheduleTaskEnqueuesByPriority(t *testing.T) {
	installFakes(t)
	hi := newKernelTask(t, "hi", task.PriorityHigh, 0)
	lo := newKernelTask(t, "lo", task.PriorityLow, 0)

	if err := ScheduleTask(lo); err != nil {
		t.Fatalf("ScheduleTask(lo) failed: %v", err)
	}
	if err := ScheduleTask(hi); err != nil {
		t.Fatalf("ScheduleTask(hi) failed: %v", err)
	}

	id, ok := popHighestPriority()
	if !ok || id != hi {
		t.Fatalf("expected highest-priority task %v first, got %v (ok=%v)", hi, id, ok)
	}
	id, ok = popHighestPriority()
	if !ok || id != lo {
		t.Fatalf("expected %v next, got %v (ok=%v)", lo, id, ok)
	}
}

func TestUnscheduleTaskRemovesFromQueue(t *testing.T) {
	installFakes(t)
	a := newKernelTask(t, "a", task.PriorityNormal, 0)
	b := newKernelTask(t, "b", task.PriorityNormal, 0)

	if err := ScheduleTask(a); err != nil {
		t.Fatalf("ScheduleTask(a): %v", err)
	}
	if err := ScheduleTask(b); err != nil {
		t.Fatalf("ScheduleTask(b): %v", err)
	}
	UnscheduleTask(a)

	id, ok := popHighestPriority()
	if !ok || id != b {
		t.Fatalf("expected b to remain after unscheduling a, got %v (ok=%v)", id, ok)
	}
	if _, ok := popHighestPriority(); ok {
		t.Fatalf("expected queue to be empty after draining")
	}
}

// TestScheduleRequeuesOutgoingRunningTask exercises the ordinary
// cooperative path: a RUNNING task that Yields goes back to READY and is
// requeued, while the task it switched into becomes RUNNING. At no point
// should more than one task read back as RUNNING.
func TestScheduleRequeuesOutgoingRunningTask(t *testing.T) {
	installFakes(t)
	idle := newKernelTask(t, "idle", task.PriorityIdle, 0)
	if err := SetIdleTask(idle); err != nil {
		t.Fatalf("SetIdleTask: %v", err)
	}

	a := newKernelTask(t, "a", task.PriorityNormal, 0)
	b := newKernelTask(t, "b", task.PriorityNormal, 0)
	if err := ScheduleTask(a); err != nil {
		t.Fatalf("ScheduleTask(a): %v", err)
	}
	if err := ScheduleTask(b); err != nil {
		t.Fatalf("ScheduleTask(b): %v", err)
	}

	Enable()
	Schedule()
	if Current() != a {
		t.Fatalf("expected a to run first, got %v", Current())
	}
	tkA, _ := task.Get(a)
	if tkA.State() != task.StateRunning {
		t.Fatalf("expected a to be RUNNING, got %v", tkA.State())
	}

	Yield()
	if Current() != b {
		t.Fatalf("expected b to run after a yields, got %v", Current())
	}
	if tkA.State() != task.StateReady {
		t.Fatalf("expected a to return to READY after yielding, got %v", tkA.State())
	}
	tkB, _ := task.Get(b)
	if tkB.State() != task.StateRunning {
		t.Fatalf("expected b to be RUNNING, got %v", tkB.State())
	}
}

// TestIdleTaskReturnsToReadyAfterPreemption guards the fix for the bug
// where the idle task, once switched away from, never transitioned back
// out of RUNNING because it was never a ready-queue member to begin with.
func TestIdleTaskReturnsToReadyAfterPreemption(t *testing.T) {
	installFakes(t)
	idle := newKernelTask(t, "idle", task.PriorityIdle, 0)
	if err := SetIdleTask(idle); err != nil {
		t.Fatalf("SetIdleTask: %v", err)
	}
	if err := task.SetState(idle, task.StateRunning); err != nil {
		t.Fatalf("seed idle RUNNING: %v", err)
	}
	current = idle

	a := newKernelTask(t, "a", task.PriorityNormal, 0)
	if err := ScheduleTask(a); err != nil {
		t.Fatalf("ScheduleTask(a): %v", err)
	}

	Enable()
	Schedule()

	if Current() != a {
		t.Fatalf("expected a to be scheduled in over idle, got %v", Current())
	}
	tkIdle, _ := task.Get(idle)
	if tkIdle.State() != task.StateReady {
		t.Fatalf("expected idle task to return to READY, got %v", tkIdle.State())
	}
}

// TestTimerTickExemptsNoPreemptTask covers the NO_PREEMPT exemption: a
// running task with the flag set never has its quantum decremented by
// TimerTick, so only an explicit yield or block can take the CPU from it.
func TestTimerTickExemptsNoPreemptTask(t *testing.T) {
	installFakes(t)
	idle := newKernelTask(t, "idle", task.PriorityIdle, 0)
	if err := SetIdleTask(idle); err != nil {
		t.Fatalf("SetIdleTask: %v", err)
	}

	noPreempt := newKernelTask(t, "t", task.PriorityNormal, task.FlagNoPreempt)
	normal := newKernelTask(t, "n", task.PriorityNormal, 0)
	if err := ScheduleTask(noPreempt); err != nil {
		t.Fatalf("ScheduleTask(noPreempt): %v", err)
	}
	if err := ScheduleTask(normal); err != nil {
		t.Fatalf("ScheduleTask(normal): %v", err)
	}

	Enable()
	SetPreemptionEnabled(true)
	Schedule()
	if Current() != noPreempt {
		t.Fatalf("expected noPreempt task to run first, got %v", Current())
	}

	tk, _ := task.Get(noPreempt)
	quantumBefore := tk.Quantum()
	for i := 0; i < int(quantumBefore)+4; i++ {
		TimerTick()
	}
	if tk.Quantum() != quantumBefore {
		t.Fatalf("expected NO_PREEMPT task's quantum to stay at %d, got %d", quantumBefore, tk.Quantum())
	}
	if Current() != noPreempt {
		t.Fatalf("expected noPreempt task to still be running, got %v", Current())
	}
}

// TestTimerTickPreemptsOnQuantumExpiry is the normal-task counterpart:
// once quantum reaches zero with other ready work waiting, TimerTick
// arms a pending reschedule for HandlePostIRQ to act on.
func TestTimerTickPreemptsOnQuantumExpiry(t *testing.T) {
	installFakes(t)
	idle := newKernelTask(t, "idle", task.PriorityIdle, 0)
	if err := SetIdleTask(idle); err != nil {
		t.Fatalf("SetIdleTask: %v", err)
	}

	a := newKernelTask(t, "a", task.PriorityNormal, 0)
	b := newKernelTask(t, "b", task.PriorityNormal, 0)
	if err := ScheduleTask(a); err != nil {
		t.Fatalf("ScheduleTask(a): %v", err)
	}
	if err := ScheduleTask(b); err != nil {
		t.Fatalf("ScheduleTask(b): %v", err)
	}

	Enable()
	SetPreemptionEnabled(true)
	Schedule()
	if Current() != a {
		t.Fatalf("expected a to run first, got %v", Current())
	}

	tk, _ := task.Get(a)
	for i := 0; i < int(tk.QuantumDefault()); i++ {
		TimerTick()
	}

	queueMu.Lock()
	pending := reschedulePending
	queueMu.Unlock()
	if !pending {
		t.Fatalf("expected reschedulePending once a's quantum is exhausted")
	}

	HandlePostIRQ()
	if Current() != b {
		t.Fatalf("expected b to run after a's quantum expired, got %v", Current())
	}
}

// TestTerminateUserFaultTerminatesOnlyOffender exercises the user-mode
// fault termination policy: the faulting task ends up TERMINATED with
// exit_reason = user_fault and a page fault_reason, the scheduler moves
// on to the next ready task, and a sibling task is left untouched.
func TestTerminateUserFaultTerminatesOnlyOffender(t *testing.T) {
	installFakes(t)
	idle := newKernelTask(t, "idle", task.PriorityIdle, 0)
	if err := SetIdleTask(idle); err != nil {
		t.Fatalf("SetIdleTask: %v", err)
	}

	offender := newKernelTask(t, "offender", task.PriorityNormal, 0)
	sibling := newKernelTask(t, "sibling", task.PriorityNormal, 0)
	if err := ScheduleTask(offender); err != nil {
		t.Fatalf("ScheduleTask(offender): %v", err)
	}
	if err := ScheduleTask(sibling); err != nil {
		t.Fatalf("ScheduleTask(sibling): %v", err)
	}

	Enable()
	Schedule()
	if Current() != offender {
		t.Fatalf("expected offender to run first, got %v", Current())
	}

	terminateUserFault(0, &irq.Frame{}, &irq.Regs{})

	rec, err := task.GetExitRecord(offender)
	if err != nil {
		t.Fatalf("GetExitRecord(offender): %v", err)
	}
	if rec.Reason != task.ExitUserFault || rec.FaultReason != task.FaultPage || rec.Code != 1 {
		t.Fatalf("unexpected exit record for offender: %+v", rec)
	}

	if Current() != sibling {
		t.Fatalf("expected sibling to run after offender's fault, got %v", Current())
	}
	tkSibling, err := task.Get(sibling)
	if err != nil {
		t.Fatalf("sibling should be untouched: %v", err)
	}
	if tkSibling.State() != task.StateRunning {
		t.Fatalf("expected sibling to be RUNNING, got %v", tkSibling.State())
	}
}

// TestSelfTerminateReapsOnNextSchedule exercises the deferred-reap path:
// a task that terminates itself keeps its slot alive through the
// Schedule call that switches away from it, and only loses it once
// Schedule runs again from the new task's own context.
func TestSelfTerminateReapsOnNextSchedule(t *testing.T) {
	installFakes(t)
	idle := newKernelTask(t, "idle", task.PriorityIdle, 0)
	if err := SetIdleTask(idle); err != nil {
		t.Fatalf("SetIdleTask: %v", err)
	}

	a, err := task.Create("a", 0xdeadbeef, 0, task.PriorityNormal, task.FlagKernelMode, 0)
	if err != nil {
		t.Fatalf("task.Create(a): %v", err)
	}
	t.Cleanup(func() {
		if _, err := task.Get(a); err == nil {
			task.Reap(a)
		}
	})
	b := newKernelTask(t, "b", task.PriorityNormal, 0)
	if err := ScheduleTask(a); err != nil {
		t.Fatalf("ScheduleTask(a): %v", err)
	}
	if err := ScheduleTask(b); err != nil {
		t.Fatalf("ScheduleTask(b): %v", err)
	}

	Enable()
	Schedule()
	if Current() != a {
		t.Fatalf("expected a to run first, got %v", Current())
	}

	if err := task.Terminate(task.CurrentSelfSentinel, a, task.ExitNormal, task.FaultNone, 0); err != nil {
		t.Fatalf("Terminate(a, self) failed: %v", err)
	}
	if _, err := task.Get(a); err != nil {
		t.Fatalf("a's slot should still resolve before the next Schedule: %v", err)
	}

	Schedule()
	if Current() != b {
		t.Fatalf("expected b to run after a self-terminated, got %v", Current())
	}

	Schedule()
	if _, err := task.Get(a); err == nil {
		t.Fatalf("expected a's slot to be reaped by the second Schedule call")
	}
}
