package vmm

import (
	"sos/kernel"
	"sos/kernel/cpu"
	"sos/kernel/mm"
)

var (
	// flushTLBEntryFn is mocked by tests; it would fault if called from
	// outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in the currently active page directory. A missing page table is
// allocated from the kernel zone as needed.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	activeFrame := mm.Frame(activePDTFn() >> mm.PageShift)
	return mapInto(activeFrame, page, frame, flags)
}

// MapRegion establishes a mapping to the physical memory region that starts
// at the given frame and spans size bytes (rounded up to the nearest page).
// MapRegion reserves the next available region in the active address space
// and returns the Page corresponding to the region start.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startPage), nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region that starts at startFrame and spans size bytes (rounded up to the
// nearest page). It returns the Page corresponding to the region start.
func IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := mapFn(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapTemporary establishes a temporary RW mapping for a physical frame that
// lies outside PhysMapSize (typically a user-zone frame) at a single fixed
// virtual address, overwriting any previous temporary mapping. The kernel
// uses this to zero or copy into newly allocated user pages before they are
// reachable through the owning process's own address space.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if err := Map(mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return mm.PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via Map or MapTemporary from
// the currently active page directory.
func Unmap(page mm.Page) *kernel.Error {
	activeFrame := mm.Frame(activePDTFn() >> mm.PageShift)
	return unmapFrom(activeFrame, page)
}

// Translate returns the physical address that corresponds to the supplied
// virtual address, or ErrInvalidMapping if it is not mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
