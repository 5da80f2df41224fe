// Package proc implements the fixed-size process table, the per-CPU
// round-robin scheduler, fork/exit/wait, and the sleep/wakeup rendezvous
// every blocking wait in the kernel (pipes, the UART ring, sleeplocks,
// virtio completions) is built on.
package proc

import (
	"fmt"
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/arch"
	"github.com/mazarin-systems/riscv-kernel/internal/file"
	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
	"github.com/mazarin-systems/riscv-kernel/internal/vm"
)

// NProc and NCPU bound the process table and CPU array, fixed at
// compile time because there is no dynamic process-table growth.
const (
	NProc  = 64
	NCPU   = 8
	NOFile = 16
)

type State int

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Sleeping:
		return "sleeping"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return "?"
	}
}

// Proc is one process-table slot. Lock protects every field below it
// except those documented otherwise; waitLock (package-level, not here)
// additionally protects Parent.
type Proc struct {
	Lock spinlock.Spinlock

	// protected by Lock
	State  State
	Chan   uintptr // non-zero while Sleeping: the address being waited on
	Killed bool
	Xstate int
	Pid    int

	// protected by waitLock
	Parent *Proc

	// private to the owning process, no lock needed
	KStack      uintptr
	Sz          uintptr
	PageTable   vm.PageTable
	TrapFrame   *TrapFrame
	trapFramePA uintptr
	Context     arch.Context
	Name        [16]byte
	OpenFiles   [NOFile]*file.File
	Cwd         file.Inode // nil: the directory-resolution collaborator is out of scope
}

// CPU is one hart's scheduling state.
type CPU struct {
	Proc    *Proc
	Context arch.Context
}

var (
	table [NProc]Proc
	cpus  [NCPU]CPU

	pidLock spinlock.Spinlock
	nextPid = 1

	waitLock spinlock.Spinlock

	initProc *Proc

	allocator       vm.Allocator
	trampolinePhys  uintptr
)

func init() {
	for i := range table {
		table[i].Lock = *spinlock.New(fmt.Sprintf("proc-%d", i))
	}
	pidLock = *spinlock.New("pid")
	waitLock = *spinlock.New("wait_lock")
}

// SetAllocator wires the physical-page allocator every address-space
// operation needs; called once at boot before any process is created.
func SetAllocator(a vm.Allocator) { allocator = a }

// SetTrampoline records the physical address of the trampoline page
// (trap entry/exit code), mapped at vm.Trampoline in every address space.
func SetTrampoline(pa uintptr) { trampolinePhys = pa }

// trapReturn is bound at boot by the trap package to UserTrapRet,
// avoiding an import cycle: trap needs Proc/MyProc to handle a trap, and
// forkRet (in this package) needs to reach the user-trap return path to
// launch a brand-new process into user mode.
var trapReturn func(*Proc)

// SetTrapReturn wires the first return into a fresh process's user mode.
func SetTrapReturn(fn func(*Proc)) { trapReturn = fn }

// CPUID returns the calling hart's id. Callers must hold interrupts off
// (via PushOff, e.g. through a Lock.Acquire) since a hart's identity is
// meaningless if the caller can be rescheduled mid-read.
func CPUID() int { return arch.HartID() }

// MyCPU returns the calling hart's CPU struct. Caller must have
// interrupts disabled.
func MyCPU() *CPU { return &cpus[CPUID()] }

// MyProc returns the process running on the calling hart, or nil.
func MyProc() *Proc {
	spinlock.PushOff()
	p := MyCPU().Proc
	spinlock.PopOff()
	return p
}

func allocPid() int {
	pidLock.Acquire()
	defer pidLock.Release()
	pid := nextPid
	nextPid++
	return pid
}

// forkRetAddr is a sentinel recorded in Context.Ra so the scheduler
// recognizes a never-before-run process and calls forkRet directly
// instead of arch.Switch-ing into it, the way it would once genuinely
// running on its own kernel stack. Go cannot synthesize a bare code
// address for forkRet the way an assembly return-address trick would,
// so the scheduler special-cases this value instead.
const forkRetAddr = ^uint64(0)

// KStackVA returns the fixed kernel-stack virtual address for table slot
// i: the stacks hang just below the trampoline, each followed (at the
// next lower page) by an unmapped guard page, so a kernel-stack overflow
// faults instead of silently corrupting the neighboring stack.
func KStackVA(i int) uintptr {
	return vm.Trampoline - uintptr(i+1)*2*vm.PageSize
}

// MapStacks allocates one kernel stack per table slot and maps each into
// the shared kernel page table at its KStackVA, leaving the page below
// unmapped as the guard. Runs once at boot, before the first allocProc;
// these are the only writes to the kernel page table after it is built.
func MapStacks(a vm.Allocator, kpt vm.PageTable) error {
	for i := range table {
		pa := a.Alloc()
		if pa == 0 {
			return fmt.Errorf("proc: mapstacks: out of memory")
		}
		va := KStackVA(i)
		if err := vm.MapPages(a, kpt, va, pa, vm.PageSize, vm.PteR|vm.PteW); err != nil {
			return err
		}
		table[i].KStack = va
	}
	return nil
}

// allocProc scans the table for an Unused slot, assigns it a pid, and
// allocates its trapframe and page table (the kernel stack is the
// slot's own, mapped once at boot by MapStacks). Returns the slot
// locked, leaving the caller responsible for filling in the rest of the
// state and releasing the lock.
func allocProc() (*Proc, error) {
	for i := range table {
		p := &table[i]
		p.Lock.Acquire()
		if p.State != Unused {
			p.Lock.Release()
			continue
		}

		p.Pid = allocPid()
		p.State = Used

		tfPa := allocator.Alloc()
		if tfPa == 0 {
			freeProc(p)
			p.Lock.Release()
			return nil, fmt.Errorf("proc: allocproc: out of memory for trapframe")
		}
		p.trapFramePA = tfPa
		p.TrapFrame = (*TrapFrame)(unsafe.Pointer(tfPa))

		pt, err := procPageTable(p)
		if err != nil {
			freeProc(p)
			p.Lock.Release()
			return nil, err
		}
		p.PageTable = pt

		p.Context = arch.Context{}
		p.Context.Sp = uint64(p.KStack) + vm.PageSize
		p.Context.Ra = forkRetAddr

		return p, nil
	}
	return nil, fmt.Errorf("proc: allocproc: table full")
}

// freeProc clears a slot back to Unused, releasing everything allocProc
// handed out. Caller must hold p.Lock.
func freeProc(p *Proc) {
	if p.trapFramePA != 0 {
		allocator.Free(p.trapFramePA)
		p.trapFramePA = 0
		p.TrapFrame = nil
	}
	if p.PageTable != 0 {
		_ = vm.Unmap(allocator, p.PageTable, vm.Trampoline, 1, false)
		_ = vm.Unmap(allocator, p.PageTable, vm.Trapframe, 1, false)
		vm.Free(allocator, p.PageTable, p.Sz)
		p.PageTable = 0
	}
	p.Sz = 0
	p.Pid = 0
	p.Parent = nil
	p.Name = [16]byte{}
	p.Chan = 0
	p.Killed = false
	p.Xstate = 0
	p.OpenFiles = [NOFile]*file.File{}
	p.Cwd = nil
	p.State = Unused
}

// procPageTable builds a fresh user page table with the trampoline and
// this process's trapframe mapped at their fixed addresses.
func procPageTable(p *Proc) (vm.PageTable, error) {
	pt, err := vm.Create(allocator)
	if err != nil {
		return 0, err
	}
	if err := vm.MapPages(allocator, pt, vm.Trampoline, trampolinePhys, vm.PageSize, vm.PteR|vm.PteX); err != nil {
		vm.Free(allocator, pt, 0)
		return 0, err
	}
	if err := vm.MapPages(allocator, pt, vm.Trapframe, p.trapFramePA, vm.PageSize, vm.PteR|vm.PteW); err != nil {
		_ = vm.Unmap(allocator, pt, vm.Trampoline, 1, false)
		vm.Free(allocator, pt, 0)
		return 0, err
	}
	return pt, nil
}

// UserInit creates the first process: maps code (which must fit in one
// page) at virtual address 0, sets its trapframe to start execution at
// pc=0 with the stack at the top of that page, and marks it Runnable.
func UserInit(code []byte) (*Proc, error) {
	p, err := allocProc()
	if err != nil {
		return nil, err
	}
	if err := vm.First(allocator, p.PageTable, code); err != nil {
		p.Lock.Release()
		return nil, err
	}
	p.Sz = vm.PageSize
	p.TrapFrame.Epc = 0
	p.TrapFrame.Sp = uint64(vm.PageSize)
	copy(p.Name[:], "initcode")
	p.State = Runnable
	p.Lock.Release()
	initProc = p
	return p, nil
}

// GrowProc changes a process's memory size by n bytes (n may be
// negative), backing sbrk.
func GrowProc(p *Proc, n int) error {
	sz := p.Sz
	var err error
	switch {
	case n > 0:
		sz, err = vm.Grow(allocator, p.PageTable, sz, sz+uintptr(n), vm.PteW|vm.PteR|vm.PteX)
	case n < 0:
		sz, err = vm.Shrink(allocator, p.PageTable, sz, sz-uintptr(-n))
	}
	if err != nil {
		return err
	}
	p.Sz = sz
	return nil
}

// Fork creates a new process as a copy of p. The child's address space
// and open-file table are duplicated; its trapframe is copied wholesale
// and then a0 is zeroed so the child's fork() call appears to return 0.
// The child only becomes visible to Wait/Exit (via Parent) under
// waitLock, and only afterward is it marked Runnable: never hold a slot
// lock while acquiring waitLock, and never publish Parent without it.
func Fork(p *Proc) (int, error) {
	np, err := allocProc()
	if err != nil {
		return -1, err
	}

	if err := vm.Copy(allocator, p.PageTable, np.PageTable, p.Sz); err != nil {
		freeProc(np)
		np.Lock.Release()
		return -1, err
	}
	np.Sz = p.Sz

	*np.TrapFrame = *p.TrapFrame
	np.TrapFrame.A0 = 0

	for i, f := range p.OpenFiles {
		if f != nil {
			np.OpenFiles[i] = f.Dup()
		}
	}
	np.Cwd = p.Cwd
	np.Name = p.Name

	pid := np.Pid
	np.Lock.Release()

	waitLock.Acquire()
	np.Parent = p
	waitLock.Release()

	np.Lock.Acquire()
	np.State = Runnable
	np.Lock.Release()

	return pid, nil
}

// reparent gives every child of p to the init process and wakes init so
// it can reap zombies p is abandoning. Caller must hold waitLock.
func reparent(p *Proc) {
	for i := range table {
		pp := &table[i]
		if pp.Parent == p {
			pp.Parent = initProc
			Wakeup(procAddr(initProc))
		}
	}
}

// Exit terminates the calling process with the given status: it never
// returns. Children are reparented to init, the parent is woken, and the
// slot becomes a Zombie for the parent's Wait to reap.
func Exit(p *Proc, status int) {
	if p == initProc {
		panic("proc: exit: init process exiting")
	}

	for i, f := range p.OpenFiles {
		if f != nil {
			f.Close()
			p.OpenFiles[i] = nil
		}
	}
	p.Cwd = nil

	waitLock.Acquire()
	reparent(p)
	Wakeup(procAddr(p.Parent))

	p.Lock.Acquire()
	p.Xstate = status
	p.State = Zombie
	waitLock.Release()

	Sched(p)
	panic("proc: exit: zombie returned from Sched")
}

// Wait blocks until one of p's children exits, reaps it, and returns its
// pid and exit status. Returns an error if p has no children.
func Wait(p *Proc) (int, int, error) {
	waitLock.Acquire()
	for {
		haveKids := false
		for i := range table {
			pp := &table[i]
			if pp.Parent != p {
				continue
			}
			haveKids = true

			pp.Lock.Acquire()
			if pp.State == Zombie {
				pid := pp.Pid
				xstate := pp.Xstate
				freeProc(pp)
				pp.Lock.Release()
				waitLock.Release()
				return pid, xstate, nil
			}
			pp.Lock.Release()
		}

		if !haveKids || p.Killed {
			waitLock.Release()
			return -1, 0, fmt.Errorf("proc: wait: no children")
		}

		Sleep(procAddr(p), &waitLock)
	}
}

// Kill marks pid killed and, if it is Sleeping, makes it Runnable so it
// observes the kill promptly instead of sleeping forever.
func Kill(pid int) error {
	for i := range table {
		p := &table[i]
		p.Lock.Acquire()
		if p.Pid == pid {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			p.Lock.Release()
			return nil
		}
		p.Lock.Release()
	}
	return fmt.Errorf("proc: kill: no such pid %d", pid)
}

func SetKilled(p *Proc) {
	p.Lock.Acquire()
	p.Killed = true
	p.Lock.Release()
}

func Killed(p *Proc) bool {
	p.Lock.Acquire()
	defer p.Lock.Release()
	return p.Killed
}

// Dump prints a line per in-use process. Deliberately unlocked: it is
// the debug tool reached for when the kernel is already wedged, and
// acquiring locks in that state risks wedging it further.
func Dump(w interface{ WriteString(string) }) {
	for i := range table {
		p := &table[i]
		if p.State == Unused {
			continue
		}
		w.WriteString(fmt.Sprintf("%d %s %s\n", p.Pid, p.State, nameString(p)))
	}
}

func nameString(p *Proc) string {
	n := 0
	for n < len(p.Name) && p.Name[n] != 0 {
		n++
	}
	return string(p.Name[:n])
}

// procAddr gives a *Proc a stable integer identity to use as a sleep
// channel: table slots are never moved or freed, so the address is good
// for the life of the kernel.
func procAddr(p *Proc) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// CommitExec installs a freshly built user address space as p's own:
// the one piece of exec() that belongs in this package. ELF segment
// parsing, argv/argc stack layout, and building pt itself (including the
// guard page below the stack, via vm.Grow/vm.ClearUser) are the
// orchestrator's job and out of scope here — what belongs to the core is
// the atomic commit: pagetable, size, and the saved entry point/stack
// pointer all change together under p.Lock, and only once that succeeds
// does the old address space get freed, so a failure partway through
// exec never leaves p with a torn mix of old and new mappings.
func CommitExec(p *Proc, pt vm.PageTable, sz uintptr, epc, sp uint64) {
	oldPT := p.PageTable
	oldSz := p.Sz

	p.Lock.Acquire()
	p.PageTable = pt
	p.Sz = sz
	p.TrapFrame.Epc = epc
	p.TrapFrame.Sp = sp
	p.Lock.Release()

	_ = vm.Unmap(allocator, oldPT, vm.Trampoline, 1, false)
	_ = vm.Unmap(allocator, oldPT, vm.Trapframe, 1, false)
	vm.Free(allocator, oldPT, oldSz)
}
