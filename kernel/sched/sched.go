// Package sched implements schedule_something(): the round-robin state
// machine that alternates between the kernel console and the user ready
// ring. It decides which process runs next and updates PCB/ring state
// accordingly; it does not itself perform a context switch, which is an
// architecture operation layered on top by package trap.
package sched

import (
	"sos/kernel/mm/vmm"
	"sos/kernel/proc"
)

// destroyAddressSpaceFn tears down a reaped process's page tables and
// frames. Mocked by tests: the real implementation dereferences live page
// table memory through the addresses recorded in the PDT, which a PDT built
// outside a running kernel does not back.
var destroyAddressSpaceFn = vmm.DestroyAddressSpace

// Scheduler owns the epoch counter and tracks which PCB is currently
// running so that Schedule can tell whether the interrupted process was the
// console or a ring member.
type Scheduler struct {
	arena        *proc.Arena
	ring         *proc.Ring
	consoleIndex int

	running          int
	runningIsConsole bool

	epoch uint64
}

// New returns a Scheduler backed by arena and ring, with the console
// (identified by its arena index) as the initially running process.
func New(arena *proc.Arena, ring *proc.Ring, consoleIndex int) *Scheduler {
	return &Scheduler{
		arena:            arena,
		ring:             ring,
		consoleIndex:     consoleIndex,
		running:          consoleIndex,
		runningIsConsole: true,
	}
}

// Epoch returns the current tick count.
func (s *Scheduler) Epoch() uint64 { return s.epoch }

// Tick advances the epoch counter by one. The timer handler calls this
// before Schedule on every interrupt.
func (s *Scheduler) Tick() { s.epoch++ }

// Running returns the arena index of the process currently marked RUNNING
// and whether it is the console.
func (s *Scheduler) Running() (index int, isConsole bool) {
	return s.running, s.runningIsConsole
}

// Admit marks a freshly created process READY and links it into the ready
// ring. Called once, when a process is first made schedulable.
func (s *Scheduler) Admit(index int) {
	s.arena.Get(index).SetState(proc.StateReady)
	s.ring.Enqueue(index)
}

// Preempt transitions the currently running user process back to READY. It
// is a no-op when the console is running: the console has no RUNNING/READY
// distinction, since it is not a ring member. Called by the timer handler
// before Schedule on a quantum boundary.
func (s *Scheduler) Preempt() {
	if !s.runningIsConsole {
		s.arena.Get(s.running).SetState(proc.StateReady)
	}
}

// Schedule implements schedule_something(): it decides the next process to
// run, mutates ring/PCB state to reflect that choice, and returns its arena
// index together with whether it is the console. The caller performs the
// actual context switch.
func (s *Scheduler) Schedule() (next int, isConsole bool) {
	if s.ring.Empty() {
		return s.switchToConsole()
	}
	if !s.runningIsConsole {
		return s.switchToConsole()
	}
	if idx, ok := s.scanRingOnce(); ok {
		return s.switchToUser(idx)
	}
	return s.switchToConsole()
}

func (s *Scheduler) switchToConsole() (int, bool) {
	s.running = s.consoleIndex
	s.runningIsConsole = true
	return s.consoleIndex, true
}

func (s *Scheduler) switchToUser(index int) (int, bool) {
	s.running = index
	s.runningIsConsole = false
	return index, false
}

// scanRingOnce walks the ring starting at its cursor, exactly once around
// its current membership: reaping TERMINATED processes, waking sleepers
// whose sleep_end has elapsed, and stopping at the first READY process it
// finds. Members visited before a reap or wake do not change the number of
// remaining steps, since the walk count is captured before the scan starts.
func (s *Scheduler) scanRingOnce() (int, bool) {
	steps := s.ring.Len()
	cur, ok := s.ring.Cursor()
	if !ok {
		return 0, false
	}

	for ; steps > 0; steps-- {
		succ := s.ring.Successor(cur)
		pcb := s.arena.Get(cur)

		switch pcb.State() {
		case proc.StateTerminated:
			s.ring.Remove(cur)
			_ = destroyAddressSpaceFn(pcb.VM.PDT)
			s.arena.Free(cur)

		case proc.StateWaiting:
			if pcb.WaitReason == proc.WaitNone && pcb.SleepEnd <= s.epoch {
				pcb.SetState(proc.StateReady)
			}
			if pcb.State() == proc.StateReady {
				pcb.SetState(proc.StateRunning)
				s.ring.AdvancePast(cur)
				return cur, true
			}

		case proc.StateReady:
			pcb.SetState(proc.StateRunning)
			s.ring.AdvancePast(cur)
			return cur, true
		}

		cur = succ
	}

	return 0, false
}
