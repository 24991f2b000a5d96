package ipc

import (
	"sos/kernel"
	"sos/kernel/proc"
)

// semSlot backs one semaphore table entry. value is the current count;
// down blocks the caller when value is zero rather than going negative, so
// value is always >= 0.
type semSlot struct {
	available bool
	creator   proc.Pid
	value     int32
	waiters   *proc.WaitQueue
}

// SemaphoreTable is the fixed-capacity array of counting semaphores.
type SemaphoreTable struct {
	arena *proc.Arena
	slots [KeyCapacity]semSlot
}

// NewSemaphoreTable returns an empty semaphore table backed by arena.
func NewSemaphoreTable(arena *proc.Arena) *SemaphoreTable {
	return &SemaphoreTable{arena: arena}
}

// Create allocates a semaphore initialized to initial and returns its key,
// or 0 if the table is full.
func (t *SemaphoreTable) Create(creator proc.Pid, initial int32) uint8 {
	for key := 1; key < KeyCapacity; key++ {
		if !t.slots[key].available {
			t.slots[key] = semSlot{
				available: true,
				creator:   creator,
				value:     initial,
				waiters:   proc.NewWaitQueue(),
			}
			return uint8(key)
		}
	}
	return 0
}

// Destroy frees the semaphore at key if caller is its creator.
func (t *SemaphoreTable) Destroy(key uint8, caller proc.Pid) bool {
	slot := t.slot(key)
	if slot == nil || !slot.available || slot.creator != caller {
		return false
	}
	*slot = semSlot{}
	return true
}

// Up increments the semaphore's count and, if a waiter is queued, hands the
// increment straight to it instead of letting the count rise, marking its
// PCB runnable again.
func (t *SemaphoreTable) Up(key uint8) *kernel.Error {
	slot := t.slot(key)
	if slot == nil || !slot.available {
		return errBadKey
	}

	if nextIndex, ok := slot.waiters.Dequeue(); ok {
		next := t.arena.Get(nextIndex)
		next.WaitReason = proc.WaitNone
		next.SetState(proc.StateReady)
		return nil
	}

	slot.value++
	return nil
}

// Down attempts to decrement the semaphore's count on behalf of callerIndex.
// If the count is positive it is decremented immediately (true,
// already-runnable); otherwise callerIndex is enqueued and its PCB wait
// bookkeeping is updated, same as MutexTable.Lock.
func (t *SemaphoreTable) Down(key uint8, callerIndex int) (acquired bool, err *kernel.Error) {
	slot := t.slot(key)
	if slot == nil || !slot.available {
		return false, errBadKey
	}

	if slot.value > 0 {
		slot.value--
		return true, nil
	}

	pcb := t.arena.Get(callerIndex)
	waitSlot, ok := slot.waiters.Enqueue(callerIndex)
	if !ok {
		return false, errQueueFull
	}

	pcb.WaitReason = proc.WaitSemaphore
	pcb.WaitKey = key
	pcb.WaitSlot = waitSlot
	return false, nil
}

// ReleaseCreatedByDeath destroys every semaphore died created. Semaphores
// have no notion of a "holder" the way mutexes do, so a dying waiter only
// needs Cancel, not a release step.
func (t *SemaphoreTable) ReleaseCreatedByDeath(died int) {
	pid := t.arena.Get(died).Pid()
	for key := 1; key < KeyCapacity; key++ {
		slot := &t.slots[key]
		if slot.available && slot.creator == pid {
			*slot = semSlot{}
		}
	}
}

// Cancel removes died's queued wait on the semaphore it was blocked on, if
// any.
func (t *SemaphoreTable) Cancel(died int) {
	pcb := t.arena.Get(died)
	if pcb.WaitReason != proc.WaitSemaphore {
		return
	}
	if slot := t.slot(pcb.WaitKey); slot != nil {
		slot.waiters.Remove(pcb.WaitSlot)
	}
}

func (t *SemaphoreTable) slot(key uint8) *semSlot {
	if key == 0 || int(key) >= KeyCapacity {
		return nil
	}
	return &t.slots[key]
}
