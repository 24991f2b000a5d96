package proc

// Arena owns every PCB's storage. Slots are reused once their occupant is
// reaped; a Ref captures the generation a slot was issued under so that a
// stale index read back out of a wait queue can be told apart from a
// different process that has since taken the same slot.
type Arena struct {
	slots   [MaxProcesses]PCB
	used    [MaxProcesses]bool
	nextPid Pid
	nextGen uint32
}

// Alloc reserves a free slot, assigns it the next PID and generation, and
// returns its index together with a pointer to the zeroed PCB.
func (a *Arena) Alloc() (int, *PCB, bool) {
	for i := range a.used {
		if a.used[i] {
			continue
		}

		a.used[i] = true
		a.nextPid++
		a.nextGen++

		a.slots[i] = PCB{
			pid:        a.nextPid,
			generation: a.nextGen,
			state:      StateNew,
			next:       -1,
			prev:       -1,
		}
		return i, &a.slots[i], true
	}
	return -1, nil, false
}

// Get returns the PCB at the given arena index.
func (a *Arena) Get(index int) *PCB { return &a.slots[index] }

// Free releases the slot at index back to the pool. Its generation is never
// reused, so any Ref still pointing at it will be reported invalid.
func (a *Arena) Free(index int) {
	a.used[index] = false
	a.slots[index] = PCB{}
}

// RefOf returns a Ref to the PCB currently occupying index.
func (a *Arena) RefOf(index int) Ref {
	return Ref{index: index, generation: a.slots[index].generation}
}

// Lookup resolves a Ref back to its PCB and index, reporting ok=false if the
// slot has since been freed and possibly reissued.
func (a *Arena) Lookup(r Ref) (int, *PCB, bool) {
	if !r.Valid() || r.index < 0 || r.index >= len(a.slots) {
		return -1, nil, false
	}
	if !a.used[r.index] || a.slots[r.index].generation != r.generation {
		return -1, nil, false
	}
	return r.index, &a.slots[r.index], true
}
