// Package kmain is the kernel entrypoint: it brings up physical and virtual
// memory, the process arena, the synchronization tables, the trap gateway
// and the syscall dispatch table, then drives the console command loop
// described by the external shell interface (help, cls, uptime, ps,
// shutdown, diskdump, run).
package kmain

import (
	"unsafe"

	"sos/device/disk"
	"sos/device/keyboard"
	"sos/kernel"
	"sos/kernel/cpu"
	"sos/kernel/gate"
	"sos/kernel/goruntime"
	"sos/kernel/ipc"
	"sos/kernel/kfmt"
	"sos/kernel/mm"
	"sos/kernel/mm/pmm"
	"sos/kernel/mm/vmm"
	"sos/kernel/proc"
	"sos/kernel/sched"
	"sos/kernel/sync"
	"sos/kernel/syscall"
	"sos/kernel/trap"
)

// CommandSource is the out-of-scope command-line collaborator: a line editor
// sitting on top of the keyboard and TTY devices. The core only consumes one
// operation from it, matching the shell's line-at-a-time interaction.
type CommandSource interface {
	// ReadLine blocks until a full command line is available and returns
	// it without the trailing newline. ok is false if the source has
	// been closed.
	ReadLine() (line string, ok bool)
}

// userCodeBase is the fixed virtual address every loaded program's code
// segment starts at. Nothing in the memory map fixes this exactly; it is
// chosen low enough to leave the null page unmapped (so a nil user pointer
// still faults) and far below the stack, which grows down from KernelBase.
const userCodeBase = uintptr(0x00010000)

// userCodeSelector and userDataSelector are the ring-3 GDT selectors the
// out-of-scope GDT setup collaborator is expected to install at these
// conventional slots (entries 3 and 4, 8 bytes each, RPL 3 requested via the
// low two bits).
const (
	userCodeSelector = uint32(0x18 | 3)
	userDataSelector = uint32(0x20 | 3)
)

var (
	allocFramesFn     = pmm.AllocFrames
	deallocFramesFn   = pmm.DeallocFrames
	newAddressSpaceFn = vmm.NewAddressSpace
	mapTemporaryFn    = vmm.MapTemporary
	unmapFn           = vmm.Unmap
	memcopyFn         = kernel.Memcopy

	// pdtMapFn indirects through PageDirectoryTable.Map rather than calling
	// it directly so tests can substitute an in-memory mapping table
	// instead of a pdt backed by a real (unsafely dereferenced) frame.
	pdtMapFn = func(pdt vmm.PageDirectoryTable, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}

	// criticalEnterFn and criticalExitFn indirect CriticalSection's
	// Enter/Exit rather than calling them directly so tests can run
	// cmdRun without linking the interrupt-flag assembly they bottom out
	// in.
	criticalEnterFn = func(cs *sync.CriticalSection) { cs.Enter() }
	criticalExitFn  = func(cs *sync.CriticalSection) { cs.Exit() }

	errDiskRead  = &kernel.Error{Module: "kmain", Message: "disk read failed"}
	errDiskRange = &kernel.Error{Module: "kmain", Message: "requested sectors extend past the end of the device"}
	errNoSlots   = &kernel.Error{Module: "kmain", Message: "process table full"}
)

// Kernel bundles every subsystem the command loop and the process loader
// touch. It is exported (rather than kept as package globals) so tests can
// construct one against fakes without a real machine underneath.
type Kernel struct {
	Arena     *proc.Arena
	Ring      *proc.Ring
	Scheduler *sched.Scheduler
	Mutex     *ipc.MutexTable
	Sem       *ipc.SemaphoreTable
	Shm       *ipc.ShmTable
	Services  *syscall.Services
	Trap      *trap.Gateway

	Disk         disk.BlockDevice
	ConsoleIndex int
}

// New wires every subsystem together against a freshly allocated arena and
// console PCB. tssEsp0Addr is the kernel virtual address of the active
// TSS's esp0 field, installed by the out-of-scope GDT/TSS setup.
func New(diskDev disk.BlockDevice, keys keyboard.KeySource, tssEsp0Addr uintptr) *Kernel {
	arena := &proc.Arena{}
	ring := proc.NewRing(arena)

	consoleIndex, _, _ := arena.Alloc()
	scheduler := sched.New(arena, ring, consoleIndex)

	mutex := ipc.NewMutexTable(arena)
	sem := ipc.NewSemaphoreTable(arena)
	shm := ipc.NewShmTable(arena)
	ipc.SetFrameAllocators(
		func(n uintptr) (mm.Frame, *kernel.Error) { return pmm.AllocFrames(n, pmm.UserZone) },
		func(base mm.Frame, n uintptr) *kernel.Error { return pmm.DeallocFrames(base, n) },
	)

	svc := &syscall.Services{
		Arena:     arena,
		Scheduler: scheduler,
		Mutex:     mutex,
		Sem:       sem,
		Shm:       shm,
		Keys:      keys,
	}

	gw := trap.New(arena, scheduler, mutex, sem, shm, svc, tssEsp0Addr)

	return &Kernel{
		Arena:        arena,
		Ring:         ring,
		Scheduler:    scheduler,
		Mutex:        mutex,
		Sem:          sem,
		Shm:          shm,
		Services:     svc,
		Trap:         gw,
		Disk:         diskDev,
		ConsoleIndex: consoleIndex,
	}
}

// Kmain is the Go-side kernel entrypoint. It performs every boot-time
// initialization step and then runs the console command loop forever; it
// never returns in practice (the command loop only exits if cmds is
// closed, which a running kernel never does).
func Kmain(tssEsp0Addr uintptr, diskDev disk.BlockDevice, keys keyboard.KeySource, cmds CommandSource) {
	pmm.Init()
	if err := vmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	goruntime.Init()
	gate.Init()

	k := New(diskDev, keys, tssEsp0Addr)
	k.Trap.Install()
	vmm.SetTerminateFaultingProcessFn(k.Trap.OnFatalFault)

	cpu.EnableInterrupts()

	kfmt.Printf("SOS ready.\n")
	for {
		line, ok := cmds.ReadLine()
		if !ok {
			return
		}
		k.Dispatch(line)
	}
}

// Dispatch parses and runs a single shell command line, printing its result
// or an error through kfmt the same way every other kernel subsystem does.
func (k *Kernel) Dispatch(line string) {
	fields := splitFields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "help":
		k.cmdHelp()
	case "cls":
		k.cmdCls()
	case "uptime":
		k.cmdUptime()
	case "ps":
		k.cmdPs()
	case "shutdown":
		k.cmdShutdown()
	case "diskdump":
		k.cmdDiskdump(fields[1:])
	case "run":
		k.cmdRun(fields[1:])
	default:
		kfmt.Printf("unknown command: %s\n", fields[0])
	}
}

func (k *Kernel) cmdHelp() {
	kfmt.Printf("help cls uptime ps shutdown diskdump <lba> <count> run <lba> <count>\n")
}

func (k *Kernel) cmdCls() {
	// Clearing the framebuffer is owned by the out-of-scope console
	// collaborator; nothing in the core needs to participate.
}

func (k *Kernel) cmdUptime() {
	kfmt.Printf("%dms\n", k.Scheduler.Epoch()*sched.EpochMillis)
}

func (k *Kernel) cmdPs() {
	kfmt.Printf("PID STATE\n")
	for i := 0; i < proc.MaxProcesses; i++ {
		pcb := k.Arena.Get(i)
		if pcb.State() == proc.StateFree {
			continue
		}
		kfmt.Printf("%d %s\n", pcb.Pid(), pcb.State().String())
	}
}

func (k *Kernel) cmdShutdown() {
	kfmt.Printf("halting\n")
	cpu.Halt()
}

func (k *Kernel) cmdDiskdump(args []string) {
	lba, count, ok := parseLBAAndCount(args)
	if !ok {
		kfmt.Printf("usage: diskdump <lba> <count>\n")
		return
	}

	buf := make([]byte, disk.SectorCount(count)*disk.SectorSize)
	status, err := k.Disk.ReadSectors(lba, count, buf)
	if err != nil || status != disk.StatusOK {
		kfmt.Printf("diskdump failed\n")
		return
	}

	for row := 0; row < len(buf); row += 16 {
		end := row + 16
		if end > len(buf) {
			end = len(buf)
		}
		for _, b := range buf[row:end] {
			kfmt.Printf("%x ", b)
		}
		kfmt.Printf("\n")
	}
}

func (k *Kernel) cmdRun(args []string) {
	lba, count, ok := parseLBAAndCount(args)
	if !ok {
		kfmt.Printf("usage: run <lba> <count>\n")
		return
	}

	// The PCB handoff from the arena into the ready ring must not be split
	// across a timer tick: a preemption landing between Alloc and Admit
	// would leave the scheduler free to reap or scan a ring that does not
	// yet (or does) contain this slot while loadProgram is still writing
	// its VM/Context fields. Disabling interrupts for the handoff is the
	// same discipline CriticalSection documents for any state this console
	// context shares with the trap handlers.
	var admission sync.CriticalSection
	criticalEnterFn(&admission)
	index, err := k.loadProgram(lba, count)
	if err == nil {
		k.Scheduler.Admit(index)
	}
	criticalExitFn(&admission)

	if err != nil {
		kfmt.Printf("run failed: %s\n", err.Error())
		return
	}
	kfmt.Printf("started pid %d\n", k.Arena.Get(index).Pid())
}

// loadProgram reads count sectors starting at lba from disk, maps them as
// the code segment of a fresh address space (init_logical_memory), sets the
// heap break to the end of the code segment (StartBrk = Brk, no heap page
// mapped), maps a one-page user stack ending just below the kernel
// base, and a one-page kernel-mode stack at the fixed per-process address,
// then returns the new PCB's arena index. The process is left in StateNew;
// the caller (cmdRun) is responsible for admitting it to the ring.
func (k *Kernel) loadProgram(lba uint32, nSectors uint8) (int, *kernel.Error) {
	total := disk.SectorCount(nSectors)
	if lba+total > k.Disk.TotalSectors() {
		return -1, errDiskRange
	}
	size := uintptr(total) * disk.SectorSize

	buf := make([]byte, size)
	status, rerr := k.Disk.ReadSectors(lba, nSectors, buf)
	if rerr != nil {
		return -1, rerr
	}
	if status != disk.StatusOK {
		return -1, errDiskRead
	}

	pdt, err := newAddressSpaceFn()
	if err != nil {
		return -1, err
	}

	codeFrames := pmm.BytesToFrames(size)
	codeBase, err := allocFramesFn(codeFrames, pmm.UserZone)
	if err != nil {
		return -1, err
	}
	codePage := mm.PageFromAddress(userCodeBase)
	if err := copyAndMap(pdt, codeBase, codePage, codeFrames, buf, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		deallocFramesFn(codeBase, codeFrames)
		return -1, err
	}

	stackFrame, err := allocFramesFn(1, pmm.UserZone)
	if err != nil {
		deallocFramesFn(codeBase, codeFrames)
		return -1, err
	}
	stackPage := mm.PageFromAddress(vmm.KernelBase) - 1
	if err := pdtMapFn(pdt, stackPage, stackFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		deallocFramesFn(codeBase, codeFrames)
		deallocFramesFn(stackFrame, 1)
		return -1, err
	}

	kstackFrame, err := allocFramesFn(1, pmm.KernelZone)
	if err != nil {
		deallocFramesFn(codeBase, codeFrames)
		deallocFramesFn(stackFrame, 1)
		return -1, err
	}
	kstackPage := mm.PageFromAddress(trap.KernelStackTop - mm.PageSize)
	if err := pdtMapFn(pdt, kstackPage, kstackFrame, vmm.FlagPresent|vmm.FlagRW); err != nil {
		deallocFramesFn(codeBase, codeFrames)
		deallocFramesFn(stackFrame, 1)
		deallocFramesFn(kstackFrame, 1)
		return -1, err
	}

	index, pcb, ok := k.Arena.Alloc()
	if !ok {
		deallocFramesFn(codeBase, codeFrames)
		deallocFramesFn(stackFrame, 1)
		deallocFramesFn(kstackFrame, 1)
		return -1, errNoSlots
	}

	endCode := userCodeBase + size
	pcb.VM = proc.VMDescriptor{
		PDT:        pdt,
		StartCode:  userCodeBase,
		EndCode:    endCode,
		StartBrk:   endCode,
		Brk:        endCode,
		StartStack: vmm.KernelBase,
	}
	pcb.Disk = proc.DiskDescriptor{LBA: lba, NSectors: total, Loaded: true}
	pcb.Context = gate.Registers{
		EIP:    uint32(userCodeBase),
		CS:     userCodeSelector,
		EFlags: 0x200, // IF
		ESP:    uint32(vmm.KernelBase),
		SS:     userDataSelector,
	}

	return index, nil
}

// copyAndMap writes src into frameCount frames starting at base (via a
// temporary kernel mapping, since pdt is not the active address space yet)
// and installs each frame into pdt at consecutive pages starting at
// startPage.
func copyAndMap(pdt vmm.PageDirectoryTable, base mm.Frame, startPage mm.Page, frameCount uintptr, src []byte, flags vmm.PageTableEntryFlag) *kernel.Error {
	for i := uintptr(0); i < frameCount; i++ {
		frame := base + mm.Frame(i)

		tmpPage, err := mapTemporaryFn(frame)
		if err != nil {
			return err
		}

		off := i * mm.PageSize
		end := off + mm.PageSize
		if end > uintptr(len(src)) {
			end = uintptr(len(src))
		}
		if end > off {
			memcopyFn(uintptr(unsafe.Pointer(&src[off])), tmpPage.Address(), end-off)
		}

		if uerr := unmapFn(tmpPage); uerr != nil {
			return uerr
		}

		if err := pdtMapFn(pdt, startPage+mm.Page(i), frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// splitFields splits a command line on single spaces, skipping empty
// fields, without pulling in the strings package's full Fields (which
// treats all Unicode whitespace as a separator — more than this single-byte
// text-mode console ever produces).
func splitFields(line string) []string {
	var fields []string
	start := -1
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func parseLBAAndCount(args []string) (lba uint32, count uint8, ok bool) {
	if len(args) != 2 {
		return 0, 0, false
	}
	l, ok1 := parseUint(args[0])
	c, ok2 := parseUint(args[1])
	if !ok1 || !ok2 || c > 255 {
		return 0, 0, false
	}
	return uint32(l), uint8(c), true
}

func parseUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		v = v*10 + uint64(s[i]-'0')
	}
	return v, true
}
