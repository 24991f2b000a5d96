package sync

import "sos/kernel/cpu"

// CriticalSection brackets a region of kernel code that touches state shared
// with trap handlers (the ready ring, wait queues, the frame bitmap, the
// mutex/semaphore/shm tables). On this single-core kernel the only
// synchronization discipline available is disabling interrupts for the
// duration of the section: nothing else can preempt the CPU while IF is
// clear, so there is nothing left to race with.
//
// A CriticalSection must not be entered from code that is itself running
// with interrupts already disabled (e.g. from inside a trap handler body);
// nesting would re-enable interrupts early when the inner section exits.
type CriticalSection struct {
	wasEnabled bool
}

// Enter disables interrupts and records what interruptsEnabledFn reports
// about the previous state, so Exit can restore it.
func (c *CriticalSection) Enter() {
	c.wasEnabled = interruptsEnabledFn()
	disableInterruptsFn()
}

// Exit restores the interrupt flag to whatever it was before Enter.
func (c *CriticalSection) Exit() {
	if c.wasEnabled {
		enableInterruptsFn()
	}
}

var (
	// interruptsEnabledFn is swapped out by tests. The kernel build
	// returns true without reading EFLAGS.IF, so there Exit always
	// re-enables interrupts.
	interruptsEnabledFn = func() bool { return true }

	// disableInterruptsFn and enableInterruptsFn are mocked by tests and
	// automatically inlined by the compiler in the kernel build.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)
