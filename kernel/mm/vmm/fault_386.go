// +build 386

package vmm

import (
	"sos/kernel"
	"sos/kernel/gate"
	"sos/kernel/kfmt"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	// terminateFaultingProcessFn is installed by kmain (with
	// trap.Gateway.OnFatalFault) so a user-mode fault can tear down the
	// faulting process instead of halting the kernel. It is nil until that
	// registration happens, in which case
	// kernel-mode semantics (panic) apply to every fault.
	terminateFaultingProcessFn func(faultAddress uintptr, regs *gate.Registers)
)

// SetTerminateFaultingProcessFn registers the callback invoked when a
// user-mode page fault or general protection fault cannot be serviced. It
// lets kernel/trap own process teardown without vmm importing it directly.
func SetTerminateFaultingProcessFn(fn func(faultAddress uintptr, regs *gate.Registers)) {
	terminateFaultingProcessFn = fn
}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, pageFaultHandler)
	handleInterruptFn(gate.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDE or PTE is not present, or a RW
// protection check fails. Kernel-mode faults are always unrecoverable here
// (copy-on-write is out of scope); user-mode faults are handed to the
// registered process-termination callback, if one has been installed.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	if regs.FromUserMode() && terminateFaultingProcessFn != nil {
		terminateFaultingProcessFn(faultAddress, regs)
		return
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for segment errors, privileged
// instructions executed outside ring 0, and reserved register accesses.
func generalProtectionFaultHandler(regs *gate.Registers) {
	if regs.FromUserMode() && terminateFaultingProcessFn != nil {
		terminateFaultingProcessFn(uintptr(readCR2Fn()), regs)
		return
	}

	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%x\nReason: ", faultAddress)
	switch regs.Info {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(err)
}
