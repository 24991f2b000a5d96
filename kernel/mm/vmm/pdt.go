package vmm

import (
	"sos/kernel"
	"sos/kernel/cpu"
	"sos/kernel/mm"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap

	// kernelPDT is the page directory shared by every process. Its
	// kernelPDEIndex entry identity-maps PhysMapSize bytes of physical
	// memory at KernelBase; every per-process PDT copies this one entry
	// verbatim so kernel code stays reachable after a PDT switch.
	kernelPDT PageDirectoryTable
)

// PageDirectoryTable describes a 1024-entry x86-32 page directory. The frame
// backing it is always allocated from the kernel zone, so its contents are
// reachable directly at directAddr(pdtFrame) without a temporary mapping.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// directAddr returns the always-valid kernel virtual address for a frame
// known to lie within PhysMapSize (the kernel zone, PDs and PTs).
func directAddr(frame mm.Frame) uintptr {
	return frame.Address() + KernelBase
}

func entryPtr(tableAddr uintptr, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(tableAddr + (index << mm.PointerShift)))
}

// Init points this PageDirectoryTable at pdtFrame, clearing its contents and
// installing the shared kernel mapping.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	tableAddr := directAddr(pdtFrame)
	kernel.Memset(tableAddr, 0, mm.PageSize)

	*entryPtr(tableAddr, kernelPDEIndex) = *entryPtr(directAddr(kernelPDT.pdtFrame), kernelPDEIndex)

	return nil
}

// Map establishes a mapping between a virtual page and a physical frame in
// this page directory. If this PDT is not the currently active one, the
// mapping is applied directly to its (kernel-zone) backing frame via
// directAddr rather than by switching CR3.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapInto(pdt.pdtFrame, page, frame, flags)
}

// Unmap removes a mapping previously installed by Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	return unmapFrom(pdt.pdtFrame, page)
}

// Activate installs this page directory as the CPU's active PDT.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Frame exposes the frame backing this page directory (needed by process
// teardown to free it once every user PDE has been cleared).
func (pdt PageDirectoryTable) Frame() mm.Frame { return pdt.pdtFrame }

func setupPDTForKernel() *kernel.Error {
	kernelPDTFrame, err := allocFrameFn()
	if err != nil {
		return err
	}
	kernelPDT.pdtFrame = kernelPDTFrame

	tableAddr := directAddr(kernelPDTFrame)
	kernel.Memset(tableAddr, 0, mm.PageSize)

	// Allocate the single page table that backs the kernelPDEIndex entry
	// and identity-map PhysMapSize worth of frames through it.
	kernelPTFrame, err := allocFrameFn()
	if err != nil {
		return err
	}

	pde := entryPtr(tableAddr, kernelPDEIndex)
	*pde = 0
	pde.SetFrame(kernelPTFrame)
	pde.SetFlags(FlagPresent | FlagRW | FlagGlobal)

	ptAddr := directAddr(kernelPTFrame)
	kernel.Memset(ptAddr, 0, mm.PageSize)
	frameCount := PhysMapSize >> mm.PageShift
	for i := uintptr(0); i < frameCount; i++ {
		pte := entryPtr(ptAddr, i)
		*pte = 0
		pte.SetFrame(mm.Frame(i))
		pte.SetFlags(FlagPresent | FlagRW | FlagGlobal)
	}

	kernelPDT.Activate()
	return nil
}

var (
	// ErrInvalidMapping is returned when trying to look up a virtual
	// address that is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTableEntryFlag describes a flag applied to a page directory or page
// table entry.
type PageTableEntryFlag uintptr

// pageTableEntry is a single 32-bit page directory or page table entry.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the entry to point at the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// overridden by tests so page table walks can be exercised without a
	// real MMU. When compiling the kernel this function is inlined away.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pdeForPage returns the page directory entry covering page within the PDT
// backed by pdtFrame.
func pdeForPage(pdtFrame mm.Frame, page mm.Page) *pageTableEntry {
	index := (uintptr(page) << mm.PageShift) >> 22
	return entryPtr(directAddr(pdtFrame), index)
}

// pteForPage returns the page table entry covering page, walking through the
// page directory identified by pdtFrame. If allocate is true, a missing page
// table is created (its frame always comes from the kernel zone, so it is
// reachable via directAddr without further mapping work).
func pteForPage(pdtFrame mm.Frame, page mm.Page, allocate bool) (*pageTableEntry, *kernel.Error) {
	pde := pdeForPage(pdtFrame, page)

	if !pde.HasFlags(FlagPresent) {
		if !allocate {
			return nil, ErrInvalidMapping
		}

		ptFrame, err := allocFrameFn()
		if err != nil {
			return nil, err
		}

		kernel.Memset(directAddr(ptFrame), 0, mm.PageSize)

		*pde = 0
		pde.SetFrame(ptFrame)
		pde.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	}

	ptIndex := uintptr(page) & (mm.PageTableEntries - 1)
	return entryPtr(directAddr(pde.Frame()), ptIndex), nil
}

func mapInto(pdtFrame mm.Frame, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := pteForPage(pdtFrame, page, true)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	flushTLBEntryFn(page.Address())
	return nil
}

func unmapFrom(pdtFrame mm.Frame, page mm.Page) *kernel.Error {
	pte, err := pteForPage(pdtFrame, page, false)
	if err != nil {
		return err
	}

	pte.ClearFlags(FlagPresent)
	flushTLBEntryFn(page.Address())
	return nil
}

// pteForAddress returns the page table entry that corresponds to virtAddr
// within the currently active page directory.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	activeFrame := mm.Frame(activePDTFn() >> mm.PageShift)
	return pteForPage(activeFrame, mm.PageFromAddress(virtAddr), false)
}
