package ipc

import (
	"sos/kernel"
	"sos/kernel/mm"
	"sos/kernel/mm/vmm"
	"testing"
)

// withFakeShmBacking redirects frame allocation and paging onto simple
// in-memory bookkeeping, returning a restore func.
func withFakeShmBacking(t *testing.T) (mapped map[mm.Page]mm.Frame, restore func()) {
	t.Helper()

	origAlloc := allocFramesFn
	origDealloc := deallocFramesFn
	origMap := mapPageFn
	origUnmap := unmapPageFn

	var nextFrame mm.Frame = 2000
	freed := make(map[mm.Frame]uintptr)
	mapped = make(map[mm.Page]mm.Frame)

	allocFramesFn = func(count uintptr) (mm.Frame, *kernel.Error) {
		base := nextFrame
		nextFrame += mm.Frame(count)
		return base, nil
	}
	deallocFramesFn = func(base mm.Frame, count uintptr) *kernel.Error {
		freed[base] = count
		return nil
	}
	mapPageFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		mapped[page] = frame
		return nil
	}
	unmapPageFn = func(page mm.Page) *kernel.Error {
		delete(mapped, page)
		return nil
	}

	return mapped, func() {
		allocFramesFn = origAlloc
		deallocFramesFn = origDealloc
		mapPageFn = origMap
		unmapPageFn = origUnmap
	}
}

func TestShmCreateMapsFramesAtFixedBase(t *testing.T) {
	mapped, restore := withFakeShmBacking(t)
	defer restore()

	a, p := newTestArenaProcs(t, 1)
	table := NewShmTable(a)

	addr, err := table.Create(5, p[0], mm.PageSize*2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != ShmBegin {
		t.Fatalf("expected base address %#x; got %#x", ShmBegin, addr)
	}
	if len(mapped) != 2 {
		t.Fatalf("expected 2 pages mapped; got %d", len(mapped))
	}
	if !a.Get(p[0]).Attach.Attached || !a.Get(p[0]).Attach.CreatedBy {
		t.Fatal("expected creator to be marked as attached and as the creator")
	}
}

func TestShmCreateRejectsOversizeRequest(t *testing.T) {
	_, restore := withFakeShmBacking(t)
	defer restore()

	a, p := newTestArenaProcs(t, 1)
	table := NewShmTable(a)

	if _, err := table.Create(5, p[0], ShmMaxSize+1); err == nil {
		t.Fatal("expected an oversize request to be rejected")
	}
}

func TestShmAttachIncrementsRefsAndDetachFreesAtZero(t *testing.T) {
	_, restore := withFakeShmBacking(t)
	defer restore()

	a, p := newTestArenaProcs(t, 2)
	table := NewShmTable(a)

	table.Create(7, p[0], mm.PageSize)
	if _, err := table.Attach(7, p[1], ShmReadWrite); err != nil {
		t.Fatalf("unexpected error attaching: %v", err)
	}
	if !a.Get(p[1]).Attach.Attached || a.Get(p[1]).Attach.CreatedBy {
		t.Fatal("expected the attacher to be marked attached but not as creator")
	}

	if err := table.Detach(p[1]); err != nil {
		t.Fatalf("unexpected error on first detach: %v", err)
	}
	if a.Get(p[1]).Attach.Attached {
		t.Fatal("expected the detacher's attachment to clear")
	}

	if err := table.Detach(p[0]); err != nil {
		t.Fatalf("unexpected error on second detach: %v", err)
	}
	if table.slots[7].available {
		t.Fatal("expected the shm object to be freed once the last attachment drops")
	}
}

func TestShmCreateRejectsSecondAttachmentForSameProcess(t *testing.T) {
	_, restore := withFakeShmBacking(t)
	defer restore()

	a, p := newTestArenaProcs(t, 1)
	table := NewShmTable(a)

	table.Create(1, p[0], mm.PageSize)
	if _, err := table.Create(2, p[0], mm.PageSize); err == nil {
		t.Fatal("expected a process with an existing attachment to be rejected")
	}
}

func TestShmReleaseByDeathDetaches(t *testing.T) {
	_, restore := withFakeShmBacking(t)
	defer restore()

	a, p := newTestArenaProcs(t, 1)
	table := NewShmTable(a)

	table.Create(3, p[0], mm.PageSize)
	table.ReleaseByDeath(p[0])

	if a.Get(p[0]).Attach.Attached {
		t.Fatal("expected release-by-death to clear the attachment")
	}
}
