// +build 386

package vmm

import "sos/kernel/mm"

const (
	// ptePhysPageMask extracts the physical frame address (bits 12-31)
	// from a page directory or page table entry.
	ptePhysPageMask = uintptr(0xfffff000)

	// KernelBase is the virtual address where the kernel's higher-half
	// begins. The reserved PDE at this index identity-maps the first
	// PhysMapSize bytes of physical memory as global and kernel-only; it
	// is copied verbatim into every process's page directory so kernel
	// code and data remain reachable regardless of which PDT is active.
	KernelBase = uintptr(0xc0000000)

	// PhysMapSize is the amount of physical memory permanently mapped at
	// KernelBase. It must cover every frame that the kernel zone can ever
	// hand out (frame 264 through 1023) plus the reserved low region, so
	// kernel metadata (PDs, PTs, the bitmap) is always directly
	// addressable without a temporary mapping.
	PhysMapSize = uintptr(4 * 1024 * 1024)

	// kernelPDEIndex is the page directory index that carries the
	// KernelBase mapping (0xc0000000 >> 22).
	kernelPDEIndex = uintptr(KernelBase >> 22)

	// tempMappingAddr is a reserved virtual page, just below KernelBase,
	// used to map an arbitrary physical frame (typically a user-zone
	// frame, which lies outside PhysMapSize) into the kernel's address
	// space on demand.
	tempMappingAddr = uintptr(KernelBase - mm.PageSize)
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage selects a 4 MiB page (PSE) instead of a 4 KiB page
	// when set on a page directory entry.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing this entry when CR3 is
	// reloaded. Used for the shared kernel mapping.
	FlagGlobal
)
