package task

import (
	"testing"

	"github.com/talus-os/talus/kernel"
	"github.com/talus-os/talus/kernel/mem"
	"github.com/talus-os/talus/kernel/mem/procvm"
	"github.com/talus-os/talus/kernel/mem/vmm"
)

// installFakes overrides every seam Create/Terminate/Reap depend on with
// simple in-memory fakes, so the table's own bookkeeping can be exercised
// without a live heap, MMU, or process VM table.
func installFakes(t *testing.T) {
	t.Helper()

	origHeapAlloc, origHeapFree := heapAllocFn, heapFreeFn
	origCreate, origDestroy := procvmCreateFn, procvmDestroyFn
	origAddressSpace, origWindow := addressSpaceFn, userCodeWindowFn
	origKernelPDT := kernelPDTAddrFn
	origUnschedule, origUnblock := unscheduleFn, unblockFn
	t.Cleanup(func() {
		heapAllocFn, heapFreeFn = origHeapAlloc, origHeapFree
		procvmCreateFn, procvmDestroyFn = origCreate, origDestroy
		addressSpaceFn, userCodeWindowFn = origAddressSpace, origWindow
		kernelPDTAddrFn = origKernelPDT
		unscheduleFn, unblockFn = origUnschedule, origUnblock
		table = [MaxTasks]Task{}
		nextID = 0
	})

	var nextStack uintptr = 0x1000
	heapAllocFn = func(size mem.Size) (uintptr, *kernel.Error) {
		addr := nextStack
		nextStack += uintptr(size)
		return addr, nil
	}
	heapFreeFn = func(uintptr) *kernel.Error { return nil }

	var nextPV procvm.ID
	live := map[procvm.ID]bool{}
	procvmCreateFn = func(vmm.FrameAllocatorFn) (procvm.ID, *kernel.Error) {
		id := nextPV
		nextPV++
		live[id] = true
		return id, nil
	}
	procvmDestroyFn = func(id procvm.ID, _ vmm.FrameFreeFn, _ vmm.FrameAllocatorFn) *kernel.Error {
		delete(live, id)
		return nil
	}
	addressSpaceFn = func(procvm.ID) (*vmm.AddressSpace, *kernel.Error) {
		return &vmm.AddressSpace{}, nil
	}
	userCodeWindowFn = func() (uintptr, uintptr) {
		return 0x400000, 0x600000000000
	}
	kernelPDTAddrFn = func() uintptr { return 0xf00000 }
	unscheduleFn = nil
	unblockFn = nil
}

func TestCreateRejectsAmbiguousFlags(t *testing.T) {
	installFakes(t)

	if _, err := Create("both", 0x400000, 0, PriorityNormal, FlagKernelMode|FlagUserMode, 0); err != errInvalidFlags {
		t.Fatalf("expected errInvalidFlags, got %v", err)
	}
	if _, err := Create("neither", 0x400000, 0, PriorityNormal, 0, 0); err != errInvalidFlags {
		t.Fatalf("expected errInvalidFlags, got %v", err)
	}
}

func TestCreateKernelTask(t *testing.T) {
	installFakes(t)

	id, err := Create("worker", 0xdeadbeef, 42, PriorityNormal, FlagKernelMode, 7)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tk, err := get(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if tk.state != StateReady {
		t.Fatalf("expected StateReady, got %v", tk.state)
	}
	if tk.Name() != "worker" {
		t.Fatalf("expected name %q, got %q", "worker", tk.Name())
	}
	if tk.CR3() != 0xf00000 {
		t.Fatalf("expected kernel CR3, got %x", tk.CR3())
	}
	if tk.hasProcVM {
		t.Fatalf("kernel task should not own a process VM")
	}
}

func TestCreateUserTaskValidatesEntryWindow(t *testing.T) {
	installFakes(t)

	if _, err := Create("bad", 0x1, 0, PriorityNormal, FlagUserMode, 0); err != errEntryOutOfWindow {
		t.Fatalf("expected errEntryOutOfWindow, got %v", err)
	}

	id, err := Create("good", 0x400040, 0, PriorityNormal, FlagUserMode, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	tk, _ := get(id)
	if !tk.hasProcVM {
		t.Fatalf("user task should own a process VM")
	}
	if tk.savedFrame.RIP != 0x400040 {
		t.Fatalf("expected saved RIP 0x400040, got %x", tk.savedFrame.RIP)
	}
}

func TestTerminateWakesWaiters(t *testing.T) {
	installFakes(t)

	a, _ := Create("a", 0xdeadbeef, 0, PriorityNormal, FlagKernelMode, 0)
	b, _ := Create("b", 0xdeadbeef, 0, PriorityNormal, FlagKernelMode, 0)

	if err := SetState(a, StateRunning); err != nil {
		t.Fatalf("SetState(a, Running) failed: %v", err)
	}
	if err := SetWaitingOn(a, b); err != nil {
		t.Fatalf("SetWaitingOn failed: %v", err)
	}
	if err := SetState(a, StateBlocked); err != nil {
		t.Fatalf("SetState(a, Blocked) failed: %v", err)
	}

	var woken ID = InvalidTaskID
	unblockFn = func(id ID) { woken = id }

	if err := SetState(b, StateRunning); err != nil {
		t.Fatalf("SetState(b, Running) failed: %v", err)
	}
	if err := Terminate(b, b, ExitNormal, FaultNone, 0); err != nil {
		t.Fatalf("Terminate(b) failed: %v", err)
	}

	if woken != a {
		t.Fatalf("expected Terminate to wake task a, woke %v", woken)
	}
	tkA, _ := get(a)
	if tkA.WaitingOn() != InvalidTaskID {
		t.Fatalf("expected a's waitingOnTaskID to clear, got %v", tkA.WaitingOn())
	}
}

func TestTerminateTwiceFails(t *testing.T) {
	installFakes(t)

	id, _ := Create("a", 0xdeadbeef, 0, PriorityNormal, FlagKernelMode, 0)
	if err := Terminate(id, id, ExitNormal, FaultNone, 0); err != nil {
		t.Fatalf("first Terminate failed: %v", err)
	}
	if err := Terminate(id, id, ExitNormal, FaultNone, 0); err != errAlreadyTerminated {
		t.Fatalf("expected errAlreadyTerminated, got %v", err)
	}
}

func TestTerminateInvalidIDFails(t *testing.T) {
	installFakes(t)

	if err := Terminate(ID(999), ID(999), ExitNormal, FaultNone, 0); err != errInvalidID {
		t.Fatalf("expected errInvalidID, got %v", err)
	}
}

func TestReapReturnsSlotToInvalid(t *testing.T) {
	installFakes(t)

	id, _ := Create("user", 0x400040, 0, PriorityNormal, FlagUserMode, 0)
	if err := Terminate(id, id, ExitUserFault, FaultPage, 1); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	tk, err := get(id)
	if err != nil {
		t.Fatalf("get after self-terminate should still resolve the slot: %v", err)
	}
	if tk.state != StateTerminated {
		t.Fatalf("expected StateTerminated, got %v", tk.state)
	}

	if err := Reap(id); err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if _, err := get(id); err != errInvalidID {
		t.Fatalf("expected reaped slot to be gone, got %v", err)
	}

	rec, err := GetExitRecord(id)
	if err == nil {
		t.Fatalf("expected GetExitRecord to fail for a reaped task, got %+v", rec)
	}
}


func TestIterateActiveVisitsOnlyLiveSlots(t *testing.T) {
	installFakes(t)

	a, _ := Create("a", 0xdeadbeef, 0, PriorityNormal, FlagKernelMode, 0)
	b, _ := Create("b", 0xdeadbeef, 0, PriorityNormal, FlagKernelMode, 0)
	Terminate(b, b, ExitNormal, FaultNone, 0)
	Reap(b)

	seen := map[ID]bool{}
	IterateActive(func(t *Task) bool {
		seen[t.ID()] = true
		return true
	})

	if !seen[a] {
		t.Fatalf("expected to see task a")
	}
	if seen[b] {
		t.Fatalf("did not expect to see reaped task b")
	}
}

func TestSetEntryWrapperInstallsHook(t *testing.T) {
	orig := entryWrapperFn
	t.Cleanup(func() { entryWrapperFn = orig })

	var gotEntry, gotArg uintptr
	SetEntryWrapper(func(entry, arg uintptr) {
		gotEntry, gotArg = entry, arg
	})
	entryWrapperFn(0x1234, 0x5678)

	if gotEntry != 0x1234 || gotArg != 0x5678 {
		t.Fatalf("expected wrapper to receive (0x1234, 0x5678), got (%x, %x)", gotEntry, gotArg)
	}
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	installFakes(t)

	id, _ := Create("a", 0xdeadbeef, 0, PriorityNormal, FlagKernelMode, 0)
	if err := SetState(id, StateBlocked); err == nil {
		t.Fatalf("expected READY->BLOCKED to be rejected")
	}
}
