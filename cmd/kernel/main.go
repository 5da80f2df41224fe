// Command kernel is the supervisor-mode entry point: it wires every
// internal package together, builds the shared kernel page table, brings
// up the secondary harts, and falls into the per-hart scheduler loop.
// The bootstrap assembly that lands here (clearing BSS, setting up an
// early stack per hart, parking harts other than 0 until told to
// proceed) is out of scope, the same external collaborator internal/arch
// already assumes for CSR access.
package main

import (
	"fmt"

	"github.com/mazarin-systems/riscv-kernel/internal/arch"
	"github.com/mazarin-systems/riscv-kernel/internal/panicfb"
	"github.com/mazarin-systems/riscv-kernel/internal/plic"
	"github.com/mazarin-systems/riscv-kernel/internal/pmm"
	"github.com/mazarin-systems/riscv-kernel/internal/proc"
	"github.com/mazarin-systems/riscv-kernel/internal/syscall"
	"github.com/mazarin-systems/riscv-kernel/internal/uart"
	"github.com/mazarin-systems/riscv-kernel/internal/virtio"
	"github.com/mazarin-systems/riscv-kernel/internal/vm"
)

// initcode is the first process's user-mode image: it stands in for the
// real init binary an ELF loader or embedded initramfs would supply,
// out of scope here the same way the bootstrap assembly is. It issues
// one ecall (a real init would exec("/init")) and then spins.
var initcode = []byte{
	0x73, 0x00, 0x00, 0x00, // ecall
	0x6f, 0x00, 0x00, 0x00, // j . (infinite loop)
}

// started is set by hart 0 once every singleton subsystem (the
// allocator, the kernel page table, the device drivers) is ready; every
// other hart spins on it before touching any shared state.
var started bool

var alloc *pmm.Allocator
var kpt vm.PageTable

func main() {
	defer func() {
		if r := recover(); r != nil {
			kernelPanic(fmt.Sprint(r))
		}
	}()

	if arch.HartID() == 0 {
		bootPrimary()
		arch.Fence()
		started = true
	} else {
		for !started {
		}
		arch.Fence()
		bootSecondary()
	}

	proc.Scheduler()
}

// bootPrimary runs once, on hart 0: every piece of kernel state that
// must exist exactly once is created here before any other hart is
// allowed to proceed.
func bootPrimary() {
	uart.Init()
	uart.WriteString("\nbooting\n")

	kernelEnd := uintptr(arch.KernelEnd())
	alloc = pmm.New(kernelEnd, physTop)
	proc.SetAllocator(alloc)

	trampolinePA := alloc.Alloc()
	if trampolinePA == 0 {
		panic("kernel: no memory for trampoline page")
	}
	proc.SetTrampoline(trampolinePA)

	pt, err := kvmMake(alloc, trampolinePA)
	if err != nil {
		panic(fmt.Sprintf("kernel: kvmMake: %v", err))
	}
	kpt = pt
	if err := proc.MapStacks(alloc, kpt); err != nil {
		panic(fmt.Sprintf("kernel: mapstacks: %v", err))
	}

	plic.Init()
	virtio.Init(alloc)
	syscall.SetAllocator(alloc)
	panicfb.Init()

	installKernelPageTable()
	plic.InitHart()

	if _, err := proc.UserInit(initcode); err != nil {
		panic(fmt.Sprintf("kernel: userinit: %v", err))
	}

	uart.WriteString("boot complete\n")
}

// bootSecondary runs on every hart other than 0, after bootPrimary has
// published the shared kernel page table and device state: each hart
// still needs its own paging enabled, its own trap vector installed, and
// its own PLIC per-hart enable/threshold set up.
func bootSecondary() {
	installKernelPageTable()
	plic.InitHart()
}

// installKernelPageTable points this hart's satp at the shared kernel
// page table and installs the kernel trap vector, the two pieces of
// per-hart state every hart (primary or secondary) needs before it's
// safe to take a trap or touch kernel memory through virtual addresses.
func installKernelPageTable() {
	arch.WriteStvec(arch.KernelVec())
	arch.WriteSatp(makeSatp(kpt))
	arch.Fence()
}

func makeSatp(pt vm.PageTable) uint64 {
	const satpModeSv39 = uint64(8) << 60
	return satpModeSv39 | uint64(pt)>>12
}

// kernelPanic is the fallback diagnostic path: main's top-level recover
// reaches here for any panic reaching the top of a hart's call stack
// (an unhandled trap cause, an out-of-memory condition with nowhere
// left to propagate an error), dumping the cause to both the UART and,
// if one was probed, the graphical panic console before halting.
func kernelPanic(cause string) {
	uart.SetPanicked()
	uart.Printf("panic: %s\n", cause)
	uart.WriteString("sepc=")
	uart.WriteHex64(arch.ReadSepc())
	uart.WriteString(" scause=")
	uart.WriteHex64(arch.ReadSCause())
	uart.WriteString(" stval=")
	uart.WriteHex64(arch.ReadStval())
	uart.PutCSync('\n')
	proc.Dump(uart.SyncWriter{})
	p := proc.MyProc()
	pid := -1
	if p != nil {
		pid = p.Pid
	}
	panicfb.Panic(cause, pid, map[string]uint64{
		"sepc":   arch.ReadSepc(),
		"scause": arch.ReadSCause(),
		"stval":  arch.ReadStval(),
	})
	for {
		arch.Wfi()
	}
}
