package sched

import (
	"sos/kernel"
	"sos/kernel/mm/vmm"
	"sos/kernel/proc"
	"testing"
)

func newFixture(t *testing.T, userCount int) (*proc.Arena, *proc.Ring, *Scheduler, int, []int) {
	t.Helper()
	var a proc.Arena
	ring := proc.NewRing(&a)

	consoleIdx, _, ok := a.Alloc()
	if !ok {
		t.Fatal("unexpected allocation failure for console")
	}

	s := New(&a, ring, consoleIdx)

	users := make([]int, userCount)
	for i := 0; i < userCount; i++ {
		idx, _, ok := a.Alloc()
		if !ok {
			t.Fatalf("unexpected allocation failure for user %d", i)
		}
		s.Admit(idx)
		users[i] = idx
	}

	return &a, ring, s, consoleIdx, users
}

// tick simulates a single timer interrupt: advance the epoch, preempt
// whoever is currently running, then let the scheduler decide what runs
// next. This is the calling convention package trap follows.
func tick(s *Scheduler) (next int, isConsole bool) {
	s.Tick()
	s.Preempt()
	return s.Schedule()
}

func TestScheduleResumesConsoleWhenRingEmpty(t *testing.T) {
	_, _, s, console, _ := newFixture(t, 0)

	next, isConsole := tick(s)
	if !isConsole || next != console {
		t.Fatalf("expected an empty ring to resume the console; got index=%d isConsole=%v", next, isConsole)
	}
}

func TestScheduleSwitchesToConsoleAfterUserQuantum(t *testing.T) {
	a, _, s, console, users := newFixture(t, 1)

	next, isConsole := tick(s)
	if isConsole || next != users[0] {
		t.Fatalf("expected the sole ready user to run first; got index=%d isConsole=%v", next, isConsole)
	}
	if a.Get(users[0]).State() != proc.StateRunning {
		t.Fatal("expected the scheduled user process to be marked RUNNING")
	}

	next, isConsole = tick(s)
	if !isConsole || next != console {
		t.Fatalf("expected the scheduler to return to the console after a user quantum; got index=%d isConsole=%v", next, isConsole)
	}
	if a.Get(users[0]).State() != proc.StateReady {
		t.Fatal("expected the preempted user process to be back in READY")
	}
}

func TestScheduleRoundRobinsAcrossUsers(t *testing.T) {
	a, _, s, _, users := newFixture(t, 2)

	first, _ := tick(s)  // a ready user runs
	tick(s)               // quantum boundary: back to console
	second, _ := tick(s)  // console quantum done: next ready user runs

	if second == first {
		t.Fatalf("expected round-robin to advance past %d; got it again", first)
	}
	if a.Get(first).State() != proc.StateReady {
		t.Fatal("expected the previously running user to have been preempted back to READY")
	}
}

func TestScheduleReapsTerminatedDuringScan(t *testing.T) {
	a, ring, s, _, users := newFixture(t, 2)

	var torn []int
	origDestroy := destroyAddressSpaceFn
	destroyAddressSpaceFn = func(pdt vmm.PageDirectoryTable) *kernel.Error {
		torn = append(torn, 1)
		return nil
	}
	defer func() { destroyAddressSpaceFn = origDestroy }()

	// users[0] sits at the ring cursor (Admit never moves it); terminate it
	// before the scheduler ever runs it, so the very first scan must reap
	// it in place and continue on to users[1] in the same pass.
	a.Get(users[0]).SetState(proc.StateTerminated)

	next, isConsole := tick(s)
	if isConsole || next != users[1] {
		t.Fatalf("expected the scan to skip and reap the terminated process, landing on %d; got index=%d isConsole=%v", users[1], next, isConsole)
	}
	if ring.Len() != 1 {
		t.Fatalf("expected the reaped process to be removed from the ring; ring len=%d", ring.Len())
	}
	if len(torn) != 1 {
		t.Fatalf("expected the reaped process's address space to be torn down exactly once; got %d calls", len(torn))
	}
}

func TestScheduleWakesExpiredSleeper(t *testing.T) {
	_, _, s, _, users := newFixture(t, 1)

	pcb := s.arena.Get(users[0])
	pcb.SetState(proc.StateWaiting)
	pcb.WaitReason = proc.WaitNone
	pcb.SleepEnd = 5

	for i := 0; i < 4; i++ {
		if next, isConsole := tick(s); !isConsole || next == users[0] {
			t.Fatal("expected the sleeper to remain asleep before its wakeup epoch")
		}
	}

	next, isConsole := tick(s)
	if isConsole || next != users[0] {
		t.Fatalf("expected the expired sleeper to be scheduled once its epoch elapsed; got index=%d isConsole=%v", next, isConsole)
	}
}

func TestScheduleIgnoresSleeperBlockedOnSyncObject(t *testing.T) {
	_, _, s, _, users := newFixture(t, 1)

	pcb := s.arena.Get(users[0])
	pcb.SetState(proc.StateWaiting)
	pcb.WaitReason = proc.WaitMutex
	pcb.SleepEnd = 0

	if next, isConsole := tick(s); !isConsole || next == users[0] {
		t.Fatal("expected a process blocked on a sync object to not be woken by epoch expiry alone")
	}
}
