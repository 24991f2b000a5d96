// Package proc owns the process control block arena, the ready ring and
// per-object wait queues. Queues and the ring hold arena indices rather than
// pointers: the arena is the sole owner of a PCB's storage, and an index that
// outlives its PCB (a process that has since been reaped and its slot
// reused) is caught by the generation check in Arena.Lookup.
package proc

import (
	"sos/kernel/gate"
	"sos/kernel/mm/vmm"
)

// MaxProcesses bounds the PCB arena. PIDs and arena slots are distinct: a
// slot is reused once its occupant is reaped, but its PID is never reissued.
const MaxProcesses = 256

// State is a process's position in the lifecycle described by the process
// model: NEW -> READY -> RUNNING -> (READY | WAITING) -> TERMINATED.
type State uint8

const (
	StateFree State = iota
	StateNew
	StateReady
	StateRunning
	StateWaiting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "N"
	case StateReady:
		return "Q"
	case StateRunning:
		return "R"
	case StateWaiting:
		return "W"
	case StateTerminated:
		return "T"
	default:
		return "-"
	}
}

// Pid is a monotonically increasing process identifier. PIDs are never
// reused, even though the arena slot that held them is.
type Pid uint32

// WaitReason names the kind of object a WAITING process is blocked on.
type WaitReason uint8

const (
	// WaitNone means the process is not blocked on any object (it may
	// still be asleep; see SleepEnd).
	WaitNone WaitReason = iota
	WaitMutex
	WaitSemaphore
)

// VMDescriptor records the layout of a process's address space, per the
// fields init_logical_memory is responsible for populating.
type VMDescriptor struct {
	PDT       vmm.PageDirectoryTable
	StartCode uintptr
	EndCode   uintptr
	StartBrk  uintptr
	Brk       uintptr
	StartStack uintptr
}

// DiskDescriptor records where a process's program image lives on disk. The
// run command loads the image before the process is admitted and sets
// Loaded then; the scheduler does not load program images.
type DiskDescriptor struct {
	LBA      uint32
	NSectors uint32
	Loaded   bool
}

// Attachment records a process's single shared-memory attachment.
type Attachment struct {
	Key       uint8
	Attached  bool
	CreatedBy bool
}

// PCB is a process control block. The zero value is a free, unused slot.
type PCB struct {
	pid        Pid
	generation uint32
	state      State

	Context gate.Registers
	VM      VMDescriptor
	Disk    DiskDescriptor

	// Wait bookkeeping.
	SleepEnd   uint64
	WaitReason WaitReason
	WaitKey    uint8
	WaitSlot   int

	Attach Attachment

	// Ready-ring intrusive links, expressed as arena indices; -1 means
	// "not currently linked".
	next int
	prev int
}

// Pid returns the process's identifier.
func (p *PCB) Pid() Pid { return p.pid }

// State returns the process's current lifecycle state.
func (p *PCB) State() State { return p.state }

// SetState transitions the process to the given state.
func (p *PCB) SetState(s State) { p.state = s }

// Ref is a weak reference to an arena slot: an index plus the generation it
// was issued for. A Ref survives being read out of a wait queue slot across
// an arbitrary number of ticks; Arena.Lookup reports ok=false if the slot has
// since been reaped and reissued to a different process.
type Ref struct {
	index      int
	generation uint32
}

// Valid reports whether this is a populated reference (the zero Ref is
// invalid, doubling as a "no reference" sentinel).
func (r Ref) Valid() bool { return r.generation != 0 }
