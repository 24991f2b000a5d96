package vmm

import (
	"sos/kernel"
	"sos/kernel/cpu"
	"sos/kernel/mm"
)

var (
	// readCR2Fn is mocked by tests.
	readCR2Fn = cpu.ReadCR2

	// allocFrameFn and deallocFrameFn are mocked by tests.
	allocFrameFn   = mm.AllocFrame
	deallocFrameFn = mm.DeallocFrame

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init builds the kernel page directory, identity-maps PhysMapSize bytes of
// physical memory at KernelBase and installs the page-fault and
// general-protection-fault gates.
func Init() *kernel.Error {
	if err := setupPDTForKernel(); err != nil {
		return err
	}

	installFaultHandlers()
	return nil
}

// NewAddressSpace allocates a fresh page directory for a new process, copies
// in the shared kernel mapping and returns it ready for user pages to be
// installed via Map.
func NewAddressSpace() (PageDirectoryTable, *kernel.Error) {
	var pdt PageDirectoryTable

	frame, err := allocFrameFn()
	if err != nil {
		return pdt, err
	}

	if err := pdt.Init(frame); err != nil {
		return pdt, err
	}

	return pdt, nil
}

// DestroyAddressSpace frees every user-zone frame still mapped in pdt along
// with the page tables that mapped them and, finally, the page directory
// frame itself. The kernelPDEIndex entry is shared and never freed.
func DestroyAddressSpace(pdt PageDirectoryTable) *kernel.Error {
	tableAddr := directAddr(pdt.pdtFrame)

	for pdeIndex := uintptr(0); pdeIndex < kernelPDEIndex; pdeIndex++ {
		pde := entryPtr(tableAddr, pdeIndex)
		if !pde.HasFlags(FlagPresent) {
			continue
		}

		ptAddr := directAddr(pde.Frame())
		for pteIndex := uintptr(0); pteIndex < mm.PageTableEntries; pteIndex++ {
			pte := entryPtr(ptAddr, pteIndex)
			if pte.HasFlags(FlagPresent) {
				deallocFrameFn(pte.Frame())
			}
		}

		deallocFrameFn(pde.Frame())
		pde.ClearFlags(FlagPresent)
	}

	deallocFrameFn(pdt.pdtFrame)
	return nil
}
