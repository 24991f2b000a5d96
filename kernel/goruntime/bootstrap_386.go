// +build 386

// Package goruntime bootstraps the Go allocator so that kernel code can use
// make/append/maps instead of hand-rolled fixed-capacity arrays once this
// package's Init has run. It only ever backs the address range the kernel
// itself executes under (the console's context, which never switches CR3,
// plus whichever process's page directory is active when a trap handler
// needs to allocate) — see DESIGN.md for the one limitation this implies.
package goruntime

import (
	"unsafe"

	"sos/kernel/mm"
	"sos/kernel/mm/vmm"
)

var (
	mapFn                = vmm.Map
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	frameAllocFn         = mm.AllocFrame
)

// mSysStatInc is the runtime's internal memory-stat accumulator. Real use
// requires the compiler to honor the go:redirect-from directives below and
// emit calls to mSysStatInc exactly as it would runtime.mSysStatInc; this
// repo does not ship that compiler patch (see DESIGN.md), so this file
// documents the intended wiring without shipping a working heap.
//
//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap establishes a mapping for a region previously reserved via
// sysReserve. There is no copy-on-write support here, so sysMap allocates
// real frames up front, same as sysAlloc.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}
	return sysAlloc(size, sysStat)
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them, returning the
// virtual region start.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mapFlags := vmm.FlagPresent | vmm.FlagRW
	pageCount := regionSize >> mm.PageShift
	for page := mm.PageFromAddress(regionStartAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, ferr := frameAllocFn()
		if ferr != nil {
			return unsafe.Pointer(uintptr(0))
		}
		if err := mapFn(page, frame, mapFlags); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, regionSize)
	return unsafe.Pointer(regionStartAddr)
}

// Init runs dummy calls against every hook so the compiler cannot eliminate
// them as dead code; real activation happens when the toolchain patch that
// honors go:redirect-from is applied.
func Init() {
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
