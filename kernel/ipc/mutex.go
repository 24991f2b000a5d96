// Package ipc implements the kernel's synchronization objects: mutexes,
// counting semaphores and shared-memory regions, each a fixed-capacity table
// indexed by an 8-bit key with slot 0 reserved and never issued.
package ipc

import (
	"sos/kernel"
	"sos/kernel/proc"
)

// KeyCapacity bounds every sync-object table. Keys run 1..KeyCapacity-1;
// key 0 is reserved and a create call never returns it.
const KeyCapacity = 256

// mutexSlot backs one table entry. available tracks only whether the slot
// itself has been handed out by create/destroy; it is never touched by lock
// or unlock, which instead test holder. A prior revision of this system
// conflated the two (an accidental holder comparison read as an assignment)
// — available here means exactly "slot allocated", nothing more.
type mutexSlot struct {
	available bool
	creator   proc.Pid
	holder    proc.Ref
	waiters   *proc.WaitQueue
}

// MutexTable is the fixed-capacity array of mutexes described by the data
// model (capacity 256, 0 reserved).
type MutexTable struct {
	arena *proc.Arena
	slots [KeyCapacity]mutexSlot
}

// NewMutexTable returns an empty mutex table backed by arena for resolving
// waiter references.
func NewMutexTable(arena *proc.Arena) *MutexTable {
	return &MutexTable{arena: arena}
}

// Create finds a free slot, marks it allocated and returns its key, or 0 if
// the table is full.
func (t *MutexTable) Create(creator proc.Pid) uint8 {
	for key := 1; key < KeyCapacity; key++ {
		if !t.slots[key].available {
			t.slots[key] = mutexSlot{
				available: true,
				creator:   creator,
				waiters:   proc.NewWaitQueue(),
			}
			return uint8(key)
		}
	}
	return 0
}

// Destroy frees the mutex at key if caller is its creator. The wait queue is
// not woken: by contract the creator destroys a mutex only once idle.
func (t *MutexTable) Destroy(key uint8, caller proc.Pid) bool {
	slot := t.slot(key)
	if slot == nil || !slot.available || slot.creator != caller {
		return false
	}
	*slot = mutexSlot{}
	return true
}

// Lock attempts to acquire the mutex at key on behalf of callerIndex (an
// arena index). If the mutex is free it is acquired immediately (true,
// already-runnable). Otherwise callerIndex is enqueued and the PCB's wait
// bookkeeping is updated so the scheduler will not re-ready it; the caller
// is responsible for leaving the process in StateWaiting.
func (t *MutexTable) Lock(key uint8, callerIndex int) (acquired bool, err *kernel.Error) {
	slot := t.slot(key)
	if slot == nil || !slot.available {
		return false, errBadKey
	}

	if !slot.holder.Valid() {
		slot.holder = t.arena.RefOf(callerIndex)
		return true, nil
	}

	pcb := t.arena.Get(callerIndex)
	waitSlot, ok := slot.waiters.Enqueue(callerIndex)
	if !ok {
		return false, errQueueFull
	}

	pcb.WaitReason = proc.WaitMutex
	pcb.WaitKey = key
	pcb.WaitSlot = waitSlot
	return false, nil
}

// Unlock releases the mutex at key, which must currently be held by
// callerIndex. If a waiter is queued, ownership transfers to it and its PCB
// is marked StateReady; otherwise the mutex becomes unheld.
func (t *MutexTable) Unlock(key uint8, callerIndex int) bool {
	slot := t.slot(key)
	if slot == nil || !slot.available {
		return false
	}

	holderIndex, holderPCB, ok := t.arena.Lookup(slot.holder)
	if !ok || holderIndex != callerIndex {
		return false
	}
	_ = holderPCB

	if nextIndex, ok := slot.waiters.Dequeue(); ok {
		slot.holder = t.arena.RefOf(nextIndex)
		next := t.arena.Get(nextIndex)
		next.WaitReason = proc.WaitNone
		next.SetState(proc.StateReady)
	} else {
		slot.holder = proc.Ref{}
	}

	return true
}

// ReleaseHeldByDeath runs the termination-time cleanup a process's death
// must perform on every mutex it created or held: destroy what it created,
// and release what it held but did not create (waking the next waiter, same
// as Unlock). Its own queued waits are cancelled separately by Cancel, which
// the caller runs.
func (t *MutexTable) ReleaseHeldByDeath(died int) {
	pid := t.arena.Get(died).Pid()

	for key := 1; key < KeyCapacity; key++ {
		slot := &t.slots[key]
		if !slot.available {
			continue
		}

		if slot.creator == pid {
			*slot = mutexSlot{}
			continue
		}

		if idx, _, ok := t.arena.Lookup(slot.holder); ok && idx == died {
			t.Unlock(uint8(key), died)
		}
	}
}

// Cancel removes died's queued wait on the mutex it was blocked on, if any,
// preserving every other waiter's slot index.
func (t *MutexTable) Cancel(died int) {
	pcb := t.arena.Get(died)
	if pcb.WaitReason != proc.WaitMutex {
		return
	}
	if slot := t.slot(pcb.WaitKey); slot != nil {
		slot.waiters.Remove(pcb.WaitSlot)
	}
}

func (t *MutexTable) slot(key uint8) *mutexSlot {
	if key == 0 || int(key) >= KeyCapacity {
		return nil
	}
	return &t.slots[key]
}

var (
	errBadKey    = &kernel.Error{Module: "ipc", Message: "sync object key is not allocated"}
	errQueueFull = &kernel.Error{Module: "ipc", Message: "wait queue is full"}
)
