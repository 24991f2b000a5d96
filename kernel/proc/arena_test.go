package proc

import "testing"

func TestArenaAllocAssignsUniquePIDs(t *testing.T) {
	var a Arena

	seen := make(map[Pid]bool)
	for i := 0; i < 10; i++ {
		_, pcb, ok := a.Alloc()
		if !ok {
			t.Fatalf("unexpected allocation failure at iteration %d", i)
		}
		if seen[pcb.Pid()] {
			t.Fatalf("PID %d issued twice", pcb.Pid())
		}
		seen[pcb.Pid()] = true
		if pcb.State() != StateNew {
			t.Fatalf("expected a freshly allocated PCB to be in StateNew; got %v", pcb.State())
		}
	}
}

func TestArenaExhaustion(t *testing.T) {
	var a Arena

	for i := 0; i < MaxProcesses; i++ {
		if _, _, ok := a.Alloc(); !ok {
			t.Fatalf("unexpected allocation failure at iteration %d", i)
		}
	}

	if _, _, ok := a.Alloc(); ok {
		t.Fatal("expected allocation to fail once the arena is exhausted")
	}
}

func TestArenaRefSurvivesReuseDetection(t *testing.T) {
	var a Arena

	index, pcb, _ := a.Alloc()
	ref := a.RefOf(index)
	originalPid := pcb.Pid()

	a.Free(index)

	if _, _, ok := a.Lookup(ref); ok {
		t.Fatal("expected Lookup to fail for a freed slot")
	}

	// Reissue the same slot to a new process; the stale ref must still be
	// rejected even though the index matches again.
	newIndex, newPCB, ok := a.Alloc()
	if !ok {
		t.Fatal("unexpected allocation failure")
	}
	if newIndex != index {
		t.Skip("allocator did not reuse the freed slot first; generation check cannot be exercised")
	}
	if newPCB.Pid() == originalPid {
		t.Fatal("expected a reused slot to be issued a fresh PID")
	}

	if _, _, ok := a.Lookup(ref); ok {
		t.Fatal("expected the stale ref to be rejected after the slot was reissued")
	}

	freshRef := a.RefOf(newIndex)
	if gotIndex, gotPCB, ok := a.Lookup(freshRef); !ok || gotIndex != newIndex || gotPCB != newPCB {
		t.Fatal("expected the fresh ref to resolve back to the reissued PCB")
	}
}
