// +build 386

// Package gate installs the IDT and routes the five trap sources the kernel
// cares about (timer, the two syscall vectors, CPU exceptions and page
// faults) to registered Go handlers. It is pure mechanism: it knows how to
// get from "the CPU took a trap" to "a Go func(*Registers) runs with
// interrupts still disabled"; it has no opinion on what that func does. The
// policy — preemption, syscall dispatch, termination, fatal banners — lives
// in package trap.
package gate

import (
	"io"
	"sos/kernel/kfmt"
)

// Registers contains a snapshot of all register values at the moment a trap
// occurred. It doubles as the serialization surface for the syscall calling
// convention: EAX holds the syscall number, EBX/ECX the two arguments and
// EDX the return value the kernel writes back.
type Registers struct {
	EDI uint32
	ESI uint32
	EBP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	// Info carries the exception error code for exceptions that push one,
	// the IRQ number for hardware interrupts, or is unused for the two
	// syscall vectors (the syscall number lives in EAX).
	Info uint32

	// The trap-return frame; popped by IRET. SS and the user ESP are only
	// present on the stack (and therefore only valid in this struct) when
	// the trap was taken from ring 3.
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// FromUserMode reports whether this trap was taken while running in ring 3.
// The bottom two bits of CS encode the CPL.
func (r *Registers) FromUserMode() bool {
	return r.CS&0x3 == 0x3
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x\n", r.EBP)
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap vector.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using DIV/IDIV.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs, e.g. a
	// ring-3 process executing a privileged instruction.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory/table entry is not
	// present or a privilege/RW protection check fails.
	PageFaultException = InterruptNumber(14)

	// TimerVector is the vector the PIT/PIC collaborator is programmed to
	// raise every epoch (10ms). The PIC/PIT programming itself lives in
	// the device collaborator; this package only consumes the resulting
	// trap.
	TimerVector = InterruptNumber(0x20)

	// SyscallVector is the kernel-service trap gate (getc, printf, sleep,
	// mutex/sem/shm operations).
	SyscallVector = InterruptNumber(0x94)

	// TerminateVector is the trap gate a user program uses to end itself.
	TerminateVector = InterruptNumber(0xFF)
)

// Init runs the architecture-specific initialization required to enable
// interrupt handling: it populates the IDT and loads it into the CPU. All
// gate entries are initially marked as non-present and must be explicitly
// enabled via HandleInterrupt.
func Init() {
	installIDT()
}

// HandleInterrupt ensures that handler is invoked whenever intNumber
// occurs. The handler receives a pointer to the trapping Registers; any
// modification it makes is propagated back to the interrupted context when
// the handler returns.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers))

// installIDT populates the IDT descriptor with the address of the IDT and
// loads it into the CPU.
func installIDT()

// dispatchInterrupt is invoked by the interrupt gate entrypoints (one stub
// per vector, emitted by interruptGateEntries) to route an incoming trap to
// the handler registered via HandleInterrupt.
func dispatchInterrupt()

// interruptGateEntries contains the generated assembly entrypoint for each
// of the 256 possible interrupt vectors. Each entrypoint pushes the
// Registers frame and calls dispatchInterrupt.
func interruptGateEntries()
