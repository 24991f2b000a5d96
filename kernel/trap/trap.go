// Package trap wires the five trap sources described by the trap gateway
// onto policy: preemption, syscall dispatch, termination and fatal-fault
// handling. Package gate is pure mechanism (it gets a Go func invoked with
// interrupts disabled and the trapframe in hand); this package decides what
// that func does.
//
// A context switch needs no non-returning primitive: gate's contract is
// that whatever a handler leaves in *Registers is what the trap stub IRETs
// with. dispatchNext installs the chosen process's saved context into regs
// and returns normally; the switch happens as a side effect of returning.
package trap

import (
	"io"

	"sos/kernel/cpu"
	"sos/kernel/gate"
	"sos/kernel/ipc"
	"sos/kernel/kfmt"
	"sos/kernel/proc"
	"sos/kernel/sched"
	"sos/kernel/syscall"
)

// KernelStackTop is the fixed virtual address every process's address space
// maps its one-page kernel-mode stack at. Exactly one process runs at a
// time, so the TSS esp0 slot can always point here regardless of which
// process is about to enter ring 0.
const KernelStackTop = uintptr(0xBFC00000)

// prefixedSink tags every line this package writes to the console with
// "trap: ", same as kfmt.PrefixWriter is built for. A nil output sink (no
// console io.Writer attached yet) is passed through unwrapped so Fprintf's
// nil-sink ring-buffer fallback still applies instead of panicking on a
// PrefixWriter whose own Sink is nil.
func prefixedSink(prefix string) io.Writer {
	sink := kfmt.GetOutputSink()
	if sink == nil {
		return nil
	}
	return &kfmt.PrefixWriter{Sink: sink, Prefix: []byte(prefix)}
}

var (
	handleInterruptFn   = gate.HandleInterrupt
	activatePDTFn       = func(pdt interface{ Activate() }) { pdt.Activate() }
	setKernelStackFn    = cpu.SetKernelStack
	haltFn              = cpu.Halt
)

// Gateway bundles the kernel singletons the five trap handlers need and
// owns their registration with package gate.
type Gateway struct {
	Arena     *proc.Arena
	Scheduler *sched.Scheduler
	Mutex     *ipc.MutexTable
	Sem       *ipc.SemaphoreTable
	Shm       *ipc.ShmTable
	Services  *syscall.Services

	// TSSEsp0Addr is the kernel virtual address of the active TSS's esp0
	// field, established once at boot by the out-of-scope GDT/TSS setup
	// collaborator.
	TSSEsp0Addr uintptr
}

// New returns a Gateway. Call Install once the scheduler, sync tables and
// syscall services are all constructed.
func New(arena *proc.Arena, scheduler *sched.Scheduler, mutex *ipc.MutexTable, sem *ipc.SemaphoreTable, shm *ipc.ShmTable, svc *syscall.Services, tssEsp0Addr uintptr) *Gateway {
	return &Gateway{
		Arena:       arena,
		Scheduler:   scheduler,
		Mutex:       mutex,
		Sem:         sem,
		Shm:         shm,
		Services:    svc,
		TSSEsp0Addr: tssEsp0Addr,
	}
}

// Install registers every trap handler with package gate. Exceptions 0..31
// default to onException except for the general-protection and page-fault
// vectors, which package vmm already installs its own handlers for; this
// gateway instead registers itself as vmm's user-mode fault callback via
// OnFatalFault, so a faulting user process is torn down by the same
// termination path syscall 0xFF uses.
func (g *Gateway) Install() {
	handleInterruptFn(gate.TimerVector, g.onTimer)
	handleInterruptFn(gate.SyscallVector, g.onSyscall)
	handleInterruptFn(gate.TerminateVector, g.onTerminate)

	for v := 0; v < 32; v++ {
		vec := gate.InterruptNumber(v)
		if vec == gate.GPFException || vec == gate.PageFaultException {
			continue
		}
		handleInterruptFn(vec, g.onException)
	}
}

// onTimer handles the every-10ms preemption tick: it saves the interrupted
// process's context, advances the epoch, demotes a running user process
// back to READY, and lets the scheduler pick what runs next.
func (g *Gateway) onTimer(regs *gate.Registers) {
	running, _ := g.Scheduler.Running()
	g.saveContext(running, regs)

	g.Scheduler.Tick()
	g.Scheduler.Preempt()

	g.dispatchNext(regs)
}

// onSyscall handles trap vector 0x94: save the caller's context, mark it
// WAITING by default, dispatch on the service number in eax, then let the
// scheduler decide what runs next. The service body typically overrides the
// WAITING default back to READY before returning.
func (g *Gateway) onSyscall(regs *gate.Registers) {
	running, _ := g.Scheduler.Running()
	g.saveContext(running, regs)

	pcb := g.Arena.Get(running)
	pcb.SetState(proc.StateWaiting)

	syscall.Dispatch(g.Services, running, regs.EAX)

	g.dispatchNext(regs)
}

// onTerminate handles trap vector 0xFF: the caller ends itself.
func (g *Gateway) onTerminate(regs *gate.Registers) {
	running, _ := g.Scheduler.Running()
	g.saveContext(running, regs)
	g.reap(running)
	g.dispatchNext(regs)
}

// onException is the default handler for every CPU exception vector except
// the general-protection and page faults (vmm's installFaultHandlers owns
// those). A fatal exception in the console halts the machine, matching the
// single-tasking fallback the console runs under; in a user process it
// prints a banner and terminates the offender.
func (g *Gateway) onException(regs *gate.Registers) {
	running, isConsole := g.Scheduler.Running()
	g.saveContext(running, regs)

	kfmt.Printf("\nFATAL: unhandled exception in pid %d\n", g.Arena.Get(running).Pid())
	regs.DumpTo(prefixedSink("trap: "))

	if isConsole {
		haltFn()
		return
	}

	g.reap(running)
	g.dispatchNext(regs)
}

// OnFatalFault is registered with vmm.SetTerminateFaultingProcessFn so a
// page fault or GPF taken from ring 3 tears the faulting process down
// through the same cleanup path as syscall 0xFF, instead of vmm halting the
// machine (which only kernel-mode faults still do).
func (g *Gateway) OnFatalFault(faultAddress uintptr, regs *gate.Registers) {
	running, _ := g.Scheduler.Running()
	pcb := g.Arena.Get(running)

	kfmt.Printf("\nPage fault: %d (%d,%d) @ 0x%x\n", pcb.Pid(), pcb.Disk.LBA, pcb.Disk.NSectors, faultAddress)
	regs.DumpTo(prefixedSink("trap: "))

	g.saveContext(running, regs)
	g.reap(running)
	g.dispatchNext(regs)
}

// reap marks a process TERMINATED and runs the mandatory synchronization
// cleanup: destroy what it created, release what it held, and cancel any
// wait it was itself queued on. Frame and PCB reclamation happen lazily,
// the next time the scheduler's ring scan passes over it.
func (g *Gateway) reap(index int) {
	pcb := g.Arena.Get(index)
	pcb.SetState(proc.StateTerminated)

	g.Mutex.ReleaseHeldByDeath(index)
	g.Mutex.Cancel(index)
	g.Sem.ReleaseCreatedByDeath(index)
	g.Sem.Cancel(index)
	g.Shm.ReleaseByDeath(index)
}

func (g *Gateway) saveContext(index int, regs *gate.Registers) {
	g.Arena.Get(index).Context = *regs
}

// dispatchNext asks the scheduler for the next process to run and installs
// its saved context into regs in place. The trap stub IRETs using regs
// immediately after this handler returns, which is the entire mechanism of
// the context switch: kernel->kernel restores general-purpose registers
// into the same ring; kernel->user additionally activates the target's
// page directory and repoints the TSS kernel-stack slot before the
// privilege-level transition.
func (g *Gateway) dispatchNext(regs *gate.Registers) {
	next, isConsole := g.Scheduler.Schedule()
	target := g.Arena.Get(next)

	if !isConsole {
		activatePDTFn(target.VM.PDT)
		setKernelStackFn(g.TSSEsp0Addr, KernelStackTop)
	}

	*regs = target.Context
}
