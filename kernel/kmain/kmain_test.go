package kmain

import (
	"testing"
	"unsafe"

	"sos/device/disk"
	"sos/kernel"
	"sos/kernel/mm"
	"sos/kernel/mm/pmm"
	"sos/kernel/mm/vmm"
	"sos/kernel/proc"
	"sos/kernel/sched"
	"sos/kernel/sync"
	"sos/kernel/trap"
)

// fakeDisk is an in-memory disk.BlockDevice: sector i is filled with the
// repeating byte value i+1, which lets tests assert on loaded content
// without needing a real filesystem image.
type fakeDisk struct {
	total uint32
}

func (d *fakeDisk) TotalSectors() uint32 { return d.total }

func (d *fakeDisk) ReadSectors(lba uint32, nSectors uint8, buf []byte) (disk.Status, *kernel.Error) {
	n := disk.SectorCount(nSectors)
	if lba+n > d.total {
		return disk.StatusOutOfRange, nil
	}
	for sector := uint32(0); sector < n; sector++ {
		fill := byte((lba+sector)%255 + 1)
		for i := uint32(0); i < disk.SectorSize; i++ {
			buf[sector*disk.SectorSize+i] = fill
		}
	}
	return disk.StatusOK, nil
}

func newTestKernel(t *testing.T, d disk.BlockDevice) *Kernel {
	t.Helper()
	arena := &proc.Arena{}
	ring := proc.NewRing(arena)
	consoleIndex, _, _ := arena.Alloc()
	return &Kernel{
		Arena:        arena,
		Ring:         ring,
		Scheduler:    sched.New(arena, ring, consoleIndex),
		Disk:         d,
		ConsoleIndex: consoleIndex,
	}
}

// withStubbedLoader replaces every mechanism seam loadProgram touches with
// simple in-memory bookkeeping: frame numbers are handed out sequentially
// and the content written into each "frame" (keyed by frame number) is
// tracked so tests can assert the code segment round-trips correctly
// without a real MMU underneath.
func withStubbedLoader(t *testing.T) (codeWrites map[mm.Frame][]byte, mappedPages map[mm.Page]mm.Frame, restore func()) {
	t.Helper()

	origAlloc := allocFramesFn
	origDealloc := deallocFramesFn
	origNewSpace := newAddressSpaceFn
	origMapTemp := mapTemporaryFn
	origUnmap := unmapFn
	origMemcopy := memcopyFn
	origPdtMap := pdtMapFn
	origCriticalEnter := criticalEnterFn
	origCriticalExit := criticalExitFn

	// cmdRun's admission handshake brackets itself in a CriticalSection,
	// whose real Enter/Exit bottom out in not-present interrupt-flag
	// assembly; tests never run with a real CPU underneath, so the
	// bracket is a no-op here.
	criticalEnterFn = func(*sync.CriticalSection) {}
	criticalExitFn = func(*sync.CriticalSection) {}

	var nextFrame mm.Frame = 3000
	const tempPage = mm.Page(0xBFFFF)
	var tempFrame mm.Frame

	codeWrites = make(map[mm.Frame][]byte)
	mappedPages = make(map[mm.Page]mm.Frame)

	allocFramesFn = func(n uintptr, zone pmm.Zone) (mm.Frame, *kernel.Error) {
		base := nextFrame
		nextFrame += mm.Frame(n)
		return base, nil
	}
	deallocFramesFn = func(base mm.Frame, n uintptr) *kernel.Error { return nil }
	newAddressSpaceFn = func() (vmm.PageDirectoryTable, *kernel.Error) {
		return vmm.PageDirectoryTable{}, nil
	}
	mapTemporaryFn = func(frame mm.Frame) (mm.Page, *kernel.Error) {
		tempFrame = frame
		return tempPage, nil
	}
	memcopyFn = func(src, dst uintptr, size uintptr) {
		srcBytes := make([]byte, size)
		for i := uintptr(0); i < size; i++ {
			srcBytes[i] = *(*byte)(unsafe.Pointer(src + i))
		}
		codeWrites[tempFrame] = srcBytes
	}
	unmapFn = func(page mm.Page) *kernel.Error { return nil }
	pdtMapFn = func(pdt vmm.PageDirectoryTable, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		mappedPages[page] = frame
		return nil
	}

	return codeWrites, mappedPages, func() {
		allocFramesFn = origAlloc
		deallocFramesFn = origDealloc
		newAddressSpaceFn = origNewSpace
		mapTemporaryFn = origMapTemp
		unmapFn = origUnmap
		memcopyFn = origMemcopy
		pdtMapFn = origPdtMap
		criticalEnterFn = origCriticalEnter
		criticalExitFn = origCriticalExit
	}
}

func TestLoadProgramMapsCodeStackAndKernelStackPages(t *testing.T) {
	codeWrites, mapped, restore := withStubbedLoader(t)
	defer restore()

	d := &fakeDisk{total: 64}
	k := newTestKernel(t, d)

	index, err := k.loadProgram(0, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pcb := k.Arena.Get(index)
	if pcb.Disk.LBA != 0 || pcb.Disk.NSectors != 2 || !pcb.Disk.Loaded {
		t.Fatalf("unexpected disk descriptor: %+v", pcb.Disk)
	}
	if pcb.VM.StartCode != userCodeBase {
		t.Fatalf("got StartCode 0x%x, want 0x%x", pcb.VM.StartCode, userCodeBase)
	}
	if pcb.Context.EIP != uint32(userCodeBase) {
		t.Fatalf("got EIP 0x%x, want 0x%x", pcb.Context.EIP, userCodeBase)
	}

	codePage := mm.PageFromAddress(userCodeBase)
	if _, ok := mapped[codePage]; !ok {
		t.Fatalf("expected the code base page to be mapped")
	}

	stackPage := mm.PageFromAddress(vmm.KernelBase) - 1
	if _, ok := mapped[stackPage]; !ok {
		t.Fatalf("expected a user stack page just below KernelBase")
	}

	kstackPage := mm.PageFromAddress(trap.KernelStackTop - mm.PageSize)
	if _, ok := mapped[kstackPage]; !ok {
		t.Fatalf("expected a kernel-mode stack page just below KernelStackTop")
	}

	if len(codeWrites) == 0 {
		t.Fatalf("expected program bytes to be copied into at least one frame")
	}
}

func TestLoadProgramRejectsOutOfRangeRequest(t *testing.T) {
	_, _, restore := withStubbedLoader(t)
	defer restore()

	d := &fakeDisk{total: 4}
	k := newTestKernel(t, d)

	if _, err := k.loadProgram(3, 5); err == nil {
		t.Fatalf("expected an out-of-range error")
	}
}

func TestCmdRunAdmitsTheLoadedProcess(t *testing.T) {
	_, _, restore := withStubbedLoader(t)
	defer restore()

	d := &fakeDisk{total: 64}
	k := newTestKernel(t, d)

	k.cmdRun([]string{"0", "1"})

	if k.Ring.Len() != 1 {
		t.Fatalf("expected exactly one process admitted to the ring, got %d", k.Ring.Len())
	}
}

func TestDispatchUnknownCommandDoesNotPanic(t *testing.T) {
	k := newTestKernel(t, &fakeDisk{total: 4})
	k.Dispatch("bogus")
}

func TestDispatchBlankAndHelpDoNotPanic(t *testing.T) {
	k := newTestKernel(t, &fakeDisk{total: 4})
	k.Dispatch("")
	k.Dispatch("help")
	k.Dispatch("cls")
	k.Dispatch("ps")
}

func TestDispatchRunUsageErrorOnBadArgs(t *testing.T) {
	k := newTestKernel(t, &fakeDisk{total: 4})
	k.Dispatch("run abc 1")
	if k.Ring.Len() != 0 {
		t.Fatalf("expected no process admitted on a malformed run command")
	}
}

func TestSplitFieldsCollapsesRepeatedSpaces(t *testing.T) {
	got := splitFields("run   10  2")
	want := []string{"run", "10", "2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseLBAAndCountRejectsGarbage(t *testing.T) {
	if _, _, ok := parseLBAAndCount([]string{"abc", "2"}); ok {
		t.Fatalf("expected failure on non-numeric lba")
	}
	if _, _, ok := parseLBAAndCount([]string{"10"}); ok {
		t.Fatalf("expected failure on missing count")
	}
	if _, _, ok := parseLBAAndCount([]string{"10", "9999"}); ok {
		t.Fatalf("expected failure on out-of-range count")
	}
	lba, count, ok := parseLBAAndCount([]string{"10", "2"})
	if !ok || lba != 10 || count != 2 {
		t.Fatalf("got (%d, %d, %v), want (10, 2, true)", lba, count, ok)
	}
}
