package proc

// Ring is the circular doubly linked ready list described by the process
// model: a cursor `next` names the slot that will receive the next
// scheduling scan. Enqueue inserts just before the cursor (tail insertion in
// a ring rooted at the cursor); removing the last member resets the cursor
// to "empty".
type Ring struct {
	arena *Arena
	next  int // arena index, or -1 if the ring is empty
	count int
}

// NewRing returns a Ring backed by arena.
func NewRing(arena *Arena) *Ring {
	return &Ring{arena: arena, next: -1}
}

// Empty reports whether the ring currently holds no members.
func (r *Ring) Empty() bool { return r.next == -1 }

// Len reports the number of members currently linked into the ring.
func (r *Ring) Len() int { return r.count }

// Successor returns the arena index that follows index in ring order. The
// scheduler uses this to walk the ring by hand while deciding which member
// to schedule, since the member found is not always the current cursor.
func (r *Ring) Successor(index int) int {
	return r.arena.Get(index).next
}

// AdvancePast moves the cursor to the member following index, regardless of
// where the cursor currently sits. The scheduler calls this once it has
// chosen a ring member to run, since the chosen member need not be the one
// the cursor pointed at when the scan started.
func (r *Ring) AdvancePast(index int) {
	if r.Empty() {
		return
	}
	r.next = r.arena.Get(index).next
}

// Cursor returns the arena index the next scheduling scan will start from,
// and false if the ring is empty.
func (r *Ring) Cursor() (int, bool) {
	if r.Empty() {
		return -1, false
	}
	return r.next, true
}

// Enqueue links the PCB at index into the ring, just before the cursor.
func (r *Ring) Enqueue(index int) {
	pcb := r.arena.Get(index)

	if r.Empty() {
		pcb.next, pcb.prev = index, index
		r.next = index
		r.count++
		return
	}

	tail := r.arena.Get(r.next).prev
	tailPCB := r.arena.Get(tail)
	cursorPCB := r.arena.Get(r.next)

	pcb.prev, pcb.next = tail, r.next
	tailPCB.next = index
	cursorPCB.prev = index
	r.count++
}

// Remove unlinks the PCB at index from the ring. If index is the last
// member, the ring becomes empty; if it is the cursor, the cursor advances
// to its successor first.
func (r *Ring) Remove(index int) {
	pcb := r.arena.Get(index)

	if pcb.next == index {
		// Sole member.
		r.next = -1
		pcb.next, pcb.prev = -1, -1
		r.count--
		return
	}

	prevPCB := r.arena.Get(pcb.prev)
	nextPCB := r.arena.Get(pcb.next)
	prevPCB.next = pcb.next
	nextPCB.prev = pcb.prev

	if r.next == index {
		r.next = pcb.next
	}

	pcb.next, pcb.prev = -1, -1
	r.count--
}

// Advance moves the cursor to the successor of its current position.
func (r *Ring) Advance() {
	if r.Empty() {
		return
	}
	r.next = r.arena.Get(r.next).next
}
