// Package syscall implements the fourteen kernel-service bodies reached
// through trap vector 0x94: the dispatch table maps the syscall number
// carried in eax to a handler, replacing the switch-on-number dispatch of
// the system this kernel was modeled on.
package syscall

import (
	"unsafe"

	"sos/kernel"
	"sos/kernel/ipc"
	"sos/kernel/kfmt"
	"sos/kernel/mm/vmm"
	"sos/kernel/proc"
	"sos/kernel/sched"
)

// EpochMillis re-exports the scheduler's epoch duration, used to translate
// sleep's millisecond argument into an epoch count.
const EpochMillis = sched.EpochMillis

// Number identifies a kernel service, carried in the caller's eax.
type Number uint32

const (
	Getc          Number = 1
	Printf        Number = 2
	Sleep         Number = 3
	MutexCreate   Number = 4
	MutexDestroy  Number = 5
	MutexLock     Number = 6
	MutexUnlock   Number = 7
	SemCreate     Number = 8
	SemDestroy    Number = 9
	SemUp         Number = 10
	SemDown       Number = 11
	ShmCreate     Number = 12
	ShmAttach     Number = 13
	ShmDetach     Number = 14

	maxSyscallNumber = 14
)

// KeySource is the subset of device/keyboard.KeySource the getc handler
// needs; declared locally so this package does not import device/keyboard
// only for a one-method interface.
type KeySource interface {
	ReadKey() (code uint8, ok bool)
}

// Services bundles the kernel singletons a syscall body may need to touch.
// The trap gateway constructs one of these at boot and passes it to
// Dispatch on every syscall trap.
type Services struct {
	Arena     *proc.Arena
	Scheduler *sched.Scheduler
	Mutex     *ipc.MutexTable
	Sem       *ipc.SemaphoreTable
	Shm       *ipc.ShmTable
	Keys      KeySource
}

// handlerFn implements one syscall body. It receives the calling process's
// PCB and the two argument registers (ebx, ecx) and is responsible for
// setting pcb.Context.EDX and the process's resulting state: READY unless
// the call legitimately blocks.
type handlerFn func(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32)

var table [maxSyscallNumber + 1]handlerFn

func init() {
	table[Getc] = sysGetc
	table[Printf] = sysPrintf
	table[Sleep] = sysSleep
	table[MutexCreate] = sysMutexCreate
	table[MutexDestroy] = sysMutexDestroy
	table[MutexLock] = sysMutexLock
	table[MutexUnlock] = sysMutexUnlock
	table[SemCreate] = sysSemCreate
	table[SemDestroy] = sysSemDestroy
	table[SemUp] = sysSemUp
	table[SemDown] = sysSemDown
	table[ShmCreate] = sysShmCreate
	table[ShmAttach] = sysShmAttach
	table[ShmDetach] = sysShmDetach
}

// Dispatch routes a syscall trap to its handler. The caller (package trap)
// has already saved the interrupted context into the PCB and set its state
// to WAITING; Dispatch's handler typically overrides that back to READY
// before returning. sleep always leaves the caller WAITING, and mutex_lock
// and sem_down leave it WAITING when they block.
func Dispatch(svc *Services, callerIndex int, num uint32) {
	pcb := svc.Arena.Get(callerIndex)

	if num == 0 || num > maxSyscallNumber || table[num] == nil {
		pcb.Context.EDX = 0
		pcb.SetState(proc.StateReady)
		return
	}

	table[num](svc, pcb, callerIndex, pcb.Context.EBX, pcb.Context.ECX)
}

func sysGetc(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	code, ok := svc.Keys.ReadKey()
	if !ok {
		pcb.Context.EDX = 0
	} else {
		pcb.Context.EDX = uint32(code)
	}
	pcb.SetState(proc.StateReady)
}

func sysSleep(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	ms := ebx
	pcb.SleepEnd = svc.Scheduler.Epoch() + uint64(ms)/EpochMillis
	pcb.WaitReason = proc.WaitNone
	pcb.SetState(proc.StateWaiting)
}

func sysMutexCreate(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	pcb.Context.EDX = uint32(svc.Mutex.Create(pcb.Pid()))
	pcb.SetState(proc.StateReady)
}

func sysMutexDestroy(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	if svc.Mutex.Destroy(uint8(ebx), pcb.Pid()) {
		pcb.Context.EDX = 1
	} else {
		pcb.Context.EDX = 0
	}
	pcb.SetState(proc.StateReady)
}

func sysMutexLock(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	acquired, err := svc.Mutex.Lock(uint8(ebx), callerIndex)
	if err != nil {
		pcb.Context.EDX = 0
		pcb.SetState(proc.StateReady)
		return
	}
	if acquired {
		pcb.Context.EDX = 1
		pcb.SetState(proc.StateReady)
		return
	}
	// Blocked: Lock queued the caller; it stays WAITING until Unlock wakes it.
	pcb.SetState(proc.StateWaiting)
}

func sysMutexUnlock(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	if svc.Mutex.Unlock(uint8(ebx), callerIndex) {
		pcb.Context.EDX = 1
	} else {
		pcb.Context.EDX = 0
	}
	pcb.SetState(proc.StateReady)
}

func sysSemCreate(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	pcb.Context.EDX = uint32(svc.Sem.Create(pcb.Pid(), int32(ebx)))
	pcb.SetState(proc.StateReady)
}

func sysSemDestroy(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	if svc.Sem.Destroy(uint8(ebx), pcb.Pid()) {
		pcb.Context.EDX = 1
	} else {
		pcb.Context.EDX = 0
	}
	pcb.SetState(proc.StateReady)
}

func sysSemUp(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	svc.Sem.Up(uint8(ebx))
	pcb.SetState(proc.StateReady)
}

func sysSemDown(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	acquired, err := svc.Sem.Down(uint8(ebx), callerIndex)
	if err != nil {
		pcb.Context.EDX = 0
		pcb.SetState(proc.StateReady)
		return
	}
	if acquired {
		pcb.SetState(proc.StateReady)
		return
	}
	// Blocked: Down queued the caller; it stays WAITING until Up wakes it.
	pcb.SetState(proc.StateWaiting)
}

func sysShmCreate(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	addr, err := svc.Shm.Create(uint8(ebx), callerIndex, uintptr(ecx))
	if err != nil {
		pcb.Context.EDX = 0
	} else {
		pcb.Context.EDX = uint32(addr)
	}
	pcb.SetState(proc.StateReady)
}

func sysShmAttach(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	addr, err := svc.Shm.Attach(uint8(ebx), callerIndex, ipc.ShmMode(ecx))
	if err != nil {
		pcb.Context.EDX = 0
	} else {
		pcb.Context.EDX = uint32(addr)
	}
	pcb.SetState(proc.StateReady)
}

func sysShmDetach(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	svc.Shm.Detach(callerIndex)
	pcb.SetState(proc.StateReady)
}

// maxFormatLen and maxPrintfArgs bound how much of the caller's memory
// printf will ever walk, so a malformed or malicious format string cannot
// turn a syscall into an unbounded kernel-mode loop.
const (
	maxFormatLen  = 256
	maxPrintfArgs = 16
)

// translatePointerFn validates that a user virtual address is mapped and
// present in the currently active address space (which, at syscall time,
// is the caller's own) before the kernel dereferences it. It is a package
// var so tests can supply memory that was never run through vmm.
var translatePointerFn = func(addr uintptr) *kernel.Error {
	_, err := vmm.Translate(addr)
	return err
}

// readUserByteFn reads a single byte from a validated user virtual address.
// Real dereferencing of an architecture pointer is replaced by tests with a
// fake backing store.
var readUserByteFn = func(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}

func sysPrintf(svc *Services, pcb *proc.PCB, callerIndex int, ebx, ecx uint32) {
	format, ok := readUserCString(uintptr(ebx), maxFormatLen)
	if !ok {
		pcb.Context.EDX = 0
		pcb.SetState(proc.StateReady)
		return
	}

	args, ok := readPrintfArgs(format, uintptr(ecx))
	if !ok {
		pcb.Context.EDX = 0
		pcb.SetState(proc.StateReady)
		return
	}

	kfmt.Printf(format, args...)
	pcb.Context.EDX = 1
	pcb.SetState(proc.StateReady)
}

// readUserCString reads a NUL-terminated string starting at addr, stopping
// at maxLen bytes if no NUL is found. ok is false if any byte of the string
// lies outside the caller's mapped memory.
func readUserCString(addr uintptr, maxLen int) (string, bool) {
	buf := make([]byte, 0, maxLen)
	for i := 0; i < maxLen; i++ {
		cur := addr + uintptr(i)
		if err := translatePointerFn(cur); err != nil {
			return "", false
		}
		b := readUserByteFn(cur)
		if b == 0 {
			return string(buf), true
		}
		buf = append(buf, b)
	}
	return string(buf), true
}

// readUserWord reads a little-endian 32-bit word at addr, validating every
// byte it touches.
func readUserWord(addr uintptr) (uint32, bool) {
	var word uint32
	for i := uintptr(0); i < 4; i++ {
		cur := addr + i
		if err := translatePointerFn(cur); err != nil {
			return 0, false
		}
		word |= uint32(readUserByteFn(cur)) << (8 * i)
	}
	return word, true
}

// readPrintfArgs walks format looking for verbs understood by kfmt.Printf,
// consuming one 32-bit word per verb from the caller's varargs array
// (argsBase), in the cdecl convention of arguments packed consecutively on
// the stack. %s additionally dereferences the word as a second user
// pointer to a NUL-terminated string.
func readPrintfArgs(format string, argsBase uintptr) ([]interface{}, bool) {
	var args []interface{}
	argIndex := uintptr(0)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			continue
		}
		verb := format[i+1]
		i++
		if verb == '%' {
			continue
		}
		if len(args) >= maxPrintfArgs {
			return nil, false
		}

		word, ok := readUserWord(argsBase + argIndex*4)
		if !ok {
			return nil, false
		}
		argIndex++

		switch verb {
		case 's':
			str, ok := readUserCString(uintptr(word), maxFormatLen)
			if !ok {
				return nil, false
			}
			args = append(args, str)
		case 'c':
			args = append(args, byte(word))
		case 't':
			args = append(args, word != 0)
		default: // 'd', 'x', 'o' and anything else kfmt accepts as a bare integer
			args = append(args, word)
		}
	}

	return args, true
}
