// Package trap implements the supervisor trap pipeline: entry from user
// mode, entry from kernel mode, and the shared device-interrupt dispatch
// both paths fall into.
package trap

import (
	"fmt"
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/arch"
	"github.com/mazarin-systems/riscv-kernel/internal/plic"
	"github.com/mazarin-systems/riscv-kernel/internal/proc"
	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
	"github.com/mazarin-systems/riscv-kernel/internal/uart"
	"github.com/mazarin-systems/riscv-kernel/internal/virtio"
	"github.com/mazarin-systems/riscv-kernel/internal/vm"
)

const (
	sstatusSPP  = 1 << 8
	sstatusSPIE = 1 << 5
	sstatusSIE  = 1 << 1

	sipSSIP = 1 << 1

	// scauseInterruptBit marks the top bit of scause set on an
	// interrupt (as opposed to an exception); the low bits are then
	// the specific cause.
	scauseInterruptBit   = uint64(1) << 63
	causeSyscall         = 8
	causeMachineTimerFwd = scauseInterruptBit | 1
)

// Syscall is wired at boot to the syscall package's dispatcher, the same
// function-variable pattern proc uses to reach back into trap: trap
// can't import syscall, because syscall already imports trap (for
// Ticks, SleepTicks and SetSyscall).
var Syscall func(p *proc.Proc)

func SetSyscall(fn func(p *proc.Proc)) { Syscall = fn }

func init() {
	proc.SetTrapReturn(UserTrapRet)
	uart.Sleep = proc.Sleep
	uart.Wakeup = proc.Wakeup
	virtio.SetSleepWakeup(proc.Sleep, proc.Wakeup)
}

// UserTrap is entered (via the trampoline's uservec) whenever a trap
// arrives while a process is running in user mode.
func UserTrap(p *proc.Proc) {
	if arch.ReadSstatus()&sstatusSPP != 0 {
		panic("trap: usertrap: not from user mode")
	}

	arch.WriteStvec(arch.KernelVec())

	p.TrapFrame.Epc = arch.ReadSepc()

	cause := arch.ReadSCause()
	var which int
	switch {
	case cause == causeSyscall:
		if proc.Killed(p) {
			proc.Exit(p, -1)
		}
		p.TrapFrame.Epc += 4
		arch.IntrOn()
		if Syscall == nil {
			panic("trap: usertrap: syscall dispatch not wired")
		}
		Syscall(p)
	default:
		which = devIntr()
		if which == 0 {
			uart.Printf("trap: usertrap: unexpected scause=%x pid=%d stval=%x\n",
				cause, p.Pid, arch.ReadStval())
			proc.SetKilled(p)
		}
	}

	if proc.Killed(p) {
		proc.Exit(p, -1)
	}

	if which == 2 {
		proc.Yield(p)
	}

	UserTrapRet(p)
}

// UserTrapRet prepares a process's trapframe and CSRs for a return to
// user mode, then jumps through the trampoline. It is also the first
// thing a brand-new process's forkret runs, which is why it takes the
// process explicitly instead of always reading MyProc().
func UserTrapRet(p *proc.Proc) {
	arch.IntrOff()

	arch.WriteStvec(arch.TrampolineUserVec())

	p.TrapFrame.KernelSatp = arch.ReadSatp()
	p.TrapFrame.KernelSp = uint64(p.KStack) + vm.PageSize
	p.TrapFrame.KernelTrap = 0 // filled by the trampoline's own linkage
	p.TrapFrame.KernelHartid = uint64(proc.CPUID())

	status := arch.ReadSstatus()
	status &^= sstatusSPP
	status |= sstatusSPIE
	arch.WriteSstatus(status)

	arch.WriteSepc(p.TrapFrame.Epc)

	satp := makeSatp(p.PageTable)

	arch.JumpToUser(vm.Trapframe, satp)
}

func makeSatp(pt vm.PageTable) uint64 {
	const satpModeSv39 = uint64(8) << 60
	return satpModeSv39 | (uint64(pt) >> 12)
}

// KernelTrap handles a trap arriving while the kernel itself was
// running. Unlike usertrap it must preserve sepc/sstatus across a
// possible Yield, since whoever trapped here is still mid-instruction
// in kernel code, not about to return to user mode via the trampoline.
func KernelTrap() {
	sepc := arch.ReadSepc()
	status := arch.ReadSstatus()
	cause := arch.ReadSCause()

	if status&sstatusSPP == 0 {
		panic("trap: kerneltrap: not from supervisor mode")
	}
	if arch.IntrGet() {
		panic("trap: kerneltrap: interrupts enabled")
	}

	which := devIntr()
	if which == 0 {
		panic(fmt.Sprintf("trap: kerneltrap: unhandled scause=%#x", cause))
	}

	if which == 2 {
		if p := proc.MyProc(); p != nil {
			proc.Yield(p)
		}
	}

	arch.WriteSepc(sepc)
	arch.WriteSstatus(status)
}

// devIntr dispatches a device or timer interrupt and acknowledges it.
// Returns 2 for a timer interrupt, 1 for any other recognized device
// interrupt, 0 if scause didn't match anything this kernel handles.
func devIntr() int {
	cause := arch.ReadSCause()

	if cause&scauseInterruptBit != 0 && cause&0xff == 9 {
		irq := plic.Claim()
		switch irq {
		case plic.UART0IRQ:
			uart.Intr()
		case plic.Virtio0IRQ:
			virtio.Intr()
		case 0:
			// no interrupt pending, nothing to do
		default:
			uart.Printf("trap: devintr: unexpected irq=%d\n", irq)
		}
		if irq != 0 {
			plic.Complete(irq)
		}
		return 1
	}

	if cause == causeMachineTimerFwd {
		if proc.CPUID() == 0 {
			clockIntr()
		}
		// acknowledge the software interrupt the machine-mode
		// timer handler forwarded, by clearing SIP.SSIP.
		arch.WriteSip(arch.ReadSip() &^ sipSSIP)
		return 2
	}

	return 0
}

var (
	ticks     uint64
	ticksLock spinlock.Spinlock
)

func init() {
	ticksLock = *spinlock.New("time")
}

func ticksChan() uintptr { return uintptr(unsafe.Pointer(&ticks)) }

func clockIntr() {
	ticksLock.Acquire()
	ticks++
	proc.Wakeup(ticksChan())
	ticksLock.Release()
}

// Ticks returns the number of supervisor-timer interrupts serviced on
// hart 0 since boot.
func Ticks() uint64 {
	ticksLock.Acquire()
	defer ticksLock.Release()
	return ticks
}

// SleepTicks blocks the calling process for at least n timer ticks,
// waking early (and returning) if it is killed in the meantime. This is
// the implementation behind the sleep(n) syscall.
func SleepTicks(p *proc.Proc, n uint64) {
	ticksLock.Acquire()
	start := ticks
	for ticks-start < n {
		if proc.Killed(p) {
			break
		}
		proc.Sleep(ticksChan(), &ticksLock)
	}
	ticksLock.Release()
}
