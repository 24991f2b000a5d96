// +build 386

// Package cpu exposes the privileged CPU instructions that the rest of the
// kernel needs and cannot express in portable Go: port I/O, interrupt
// flag control, TLB/paging control and the one instruction (HLT) used to
// park the processor. Each function below is implemented in the
// accompanying platform assembly file; the Go declaration only fixes the
// calling convention.
package cpu

// Inb reads a single byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inw reads a 16-bit word from the given I/O port.
func Inw(port uint16) uint16

// Outw writes a 16-bit word to the given I/O port.
func Outw(port uint16, value uint16)

// Inl reads a 32-bit word from the given I/O port.
func Inl(port uint16) uint32

// Outl writes a 32-bit word to the given I/O port.
func Outl(port uint16, value uint32)

// IOWait performs a throwaway port write that gives a slow ISA-era device
// enough time to process the previous I/O operation.
func IOWait()

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (HLT).
func Halt()

// FlushTLBEntry flushes a single TLB entry for the given virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads the given physical address into CR3, replacing the
// active page directory and flushing the entire TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded in CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting linear address recorded by the last page
// fault (CR2).
func ReadCR2() uintptr

// LoadTSS loads the given segment selector into the task register (LTR).
// The kernel only ever uses this once, during boot, to point the CPU at
// the single TSS used for ring3->ring0 stack switches.
func LoadTSS(selector uint16)

// SetKernelStack updates the esp0 field of the active TSS so that the next
// ring3->ring0 transition (interrupt, exception or syscall) lands on the
// supplied kernel stack. tssEsp0Addr is the address of the esp0 field,
// established once at boot by the TSS setup code that lives alongside the
// GDT (out of scope for this core, per the design notes).
func SetKernelStack(tssEsp0Addr, stackTop uintptr)
