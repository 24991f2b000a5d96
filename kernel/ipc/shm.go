package ipc

import (
	"sos/kernel"
	"sos/kernel/mm"
	"sos/kernel/mm/vmm"
	"sos/kernel/proc"
)

// ShmBegin is the fixed virtual address every process maps its shared-memory
// attachment at. A process may hold at most one attachment (proc.Attachment),
// so a single fixed base is enough; it need not differ between processes.
const ShmBegin = uintptr(0x80000000)

// ShmMaxSize is the largest region shm_create will allocate.
const ShmMaxSize = 4 * 1024 * 1024

// ShmMode selects the access rights installed by Attach.
type ShmMode uint8

const (
	ShmReadOnly ShmMode = iota
	ShmReadWrite
)

// allocFramesFn and deallocFramesFn are mocked by tests and, in the running
// kernel, back onto the user zone of the physical frame allocator.
var (
	allocFramesFn   func(count uintptr) (mm.Frame, *kernel.Error)
	deallocFramesFn func(base mm.Frame, count uintptr) *kernel.Error

	mapPageFn   = vmm.Map
	unmapPageFn = vmm.Unmap
)

// SetFrameAllocators wires shm region allocation onto the physical frame
// allocator's user zone. The kernel entrypoint calls this once pmm is up.
func SetFrameAllocators(alloc func(count uintptr) (mm.Frame, *kernel.Error), dealloc func(base mm.Frame, count uintptr) *kernel.Error) {
	allocFramesFn = alloc
	deallocFramesFn = dealloc
}

type shmSlot struct {
	available bool
	creator   proc.Pid
	base      mm.Frame
	frames    uintptr
	size      uintptr
	refs      uint32
}

// ShmTable is the fixed-capacity array of shared-memory objects, keyed by a
// caller-supplied key rather than one the table hands out.
type ShmTable struct {
	arena *proc.Arena
	slots [KeyCapacity]shmSlot
}

// NewShmTable returns an empty shared-memory table backed by arena.
func NewShmTable(arena *proc.Arena) *ShmTable {
	return &ShmTable{arena: arena}
}

func shmFlags(mode ShmMode) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if mode == ShmReadWrite {
		flags |= vmm.FlagRW
	}
	return flags
}

func mapShmFrames(base mm.Frame, frameCount uintptr, mode ShmMode) *kernel.Error {
	startPage := mm.PageFromAddress(ShmBegin)
	flags := shmFlags(mode)
	for i := uintptr(0); i < frameCount; i++ {
		if err := mapPageFn(startPage+mm.Page(i), base+mm.Frame(i), flags); err != nil {
			return err
		}
	}
	return nil
}

func unmapShmFrames(frameCount uintptr) *kernel.Error {
	startPage := mm.PageFromAddress(ShmBegin)
	for i := uintptr(0); i < frameCount; i++ {
		if err := unmapPageFn(startPage + mm.Page(i)); err != nil {
			return err
		}
	}
	return nil
}

// Create allocates a new shared-memory object under key, sized to hold size
// bytes, and maps it R/W into the caller's (currently active) address space
// at ShmBegin. It fails if key is already in use, size is out of range, or
// the caller already holds an attachment.
func (t *ShmTable) Create(key uint8, callerIndex int, size uintptr) (baseAddr uintptr, err *kernel.Error) {
	slot := t.slot(key)
	if slot == nil {
		return 0, errBadKey
	}
	if slot.available {
		return 0, errShmInUse
	}
	if size == 0 || size > ShmMaxSize {
		return 0, errShmBadSize
	}

	pcb := t.arena.Get(callerIndex)
	if pcb.Attach.Attached {
		return 0, errShmAlreadyAttached
	}

	frameCount := (size + mm.PageSize - 1) / mm.PageSize
	base, ferr := allocFramesFn(frameCount)
	if ferr != nil {
		return 0, ferr
	}

	if err := mapShmFrames(base, frameCount, ShmReadWrite); err != nil {
		deallocFramesFn(base, frameCount)
		return 0, err
	}

	*slot = shmSlot{
		available: true,
		creator:   pcb.Pid(),
		base:      base,
		frames:    frameCount,
		size:      size,
		refs:      1,
	}
	pcb.Attach = proc.Attachment{Key: key, Attached: true, CreatedBy: true}

	return ShmBegin, nil
}

// Attach maps an existing shared-memory object into the caller's address
// space at ShmBegin with the requested mode and bumps its reference count.
func (t *ShmTable) Attach(key uint8, callerIndex int, mode ShmMode) (baseAddr uintptr, err *kernel.Error) {
	slot := t.slot(key)
	if slot == nil || !slot.available {
		return 0, errBadKey
	}

	pcb := t.arena.Get(callerIndex)
	if pcb.Attach.Attached {
		return 0, errShmAlreadyAttached
	}

	if err := mapShmFrames(slot.base, slot.frames, mode); err != nil {
		return 0, err
	}

	slot.refs++
	pcb.Attach = proc.Attachment{Key: key, Attached: true, CreatedBy: false}
	return ShmBegin, nil
}

// Detach unmaps the caller's attachment and drops the reference count,
// freeing the underlying frames once the last attachment is gone.
func (t *ShmTable) Detach(callerIndex int) *kernel.Error {
	pcb := t.arena.Get(callerIndex)
	if !pcb.Attach.Attached {
		return errShmNotAttached
	}

	slot := t.slot(pcb.Attach.Key)
	if slot == nil || !slot.available {
		return errBadKey
	}

	if err := unmapShmFrames(slot.frames); err != nil {
		return err
	}

	slot.refs--
	pcb.Attach = proc.Attachment{}

	if slot.refs == 0 {
		deallocFramesFn(slot.base, slot.frames)
		*slot = shmSlot{}
	}
	return nil
}

// ReleaseByDeath detaches died from whatever shared-memory object it holds,
// run as part of the same termination cleanup as MutexTable.ReleaseHeldByDeath.
func (t *ShmTable) ReleaseByDeath(died int) {
	if t.arena.Get(died).Attach.Attached {
		_ = t.Detach(died)
	}
}

func (t *ShmTable) slot(key uint8) *shmSlot {
	if key == 0 || int(key) >= KeyCapacity {
		return nil
	}
	return &t.slots[key]
}

var (
	errShmInUse           = &kernel.Error{Module: "ipc", Message: "shared memory key already in use"}
	errShmBadSize         = &kernel.Error{Module: "ipc", Message: "shared memory size out of range"}
	errShmAlreadyAttached = &kernel.Error{Module: "ipc", Message: "process already holds a shared memory attachment"}
	errShmNotAttached     = &kernel.Error{Module: "ipc", Message: "process holds no shared memory attachment"}
)
