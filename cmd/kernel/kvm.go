package main

import (
	"github.com/mazarin-systems/riscv-kernel/internal/arch"
	"github.com/mazarin-systems/riscv-kernel/internal/pmm"
	"github.com/mazarin-systems/riscv-kernel/internal/uart"
	"github.com/mazarin-systems/riscv-kernel/internal/virtio"
	"github.com/mazarin-systems/riscv-kernel/internal/vm"
)

// physTop bounds the physical RAM QEMU's virt machine hands this kernel:
// 128 MiB starting at physBase.
const (
	physBase = 0x80000000
	physTop  = physBase + 128*1024*1024

	plicBase = 0x0C000000
	plicSize = 0x4000000
)

// kvmMake builds the single, shared kernel page table: identity maps for
// every MMIO window a driver in this tree touches, identity maps for the
// kernel's own text/rodata/data/free-RAM regions, and the trampoline
// page at its fixed top-of-address-space slot. Every hart loads this
// same satp; there is no per-hart kernel mapping.
func kvmMake(a vm.Allocator, trampolinePA uintptr) (vm.PageTable, error) {
	pt, err := vm.Create(a)
	if err != nil {
		return 0, err
	}

	mappings := []struct {
		va, pa, size uintptr
		perm         uint64
	}{
		{uart.Base, uart.Base, pmm.PageSize, vm.PteR | vm.PteW},
		{virtio.Base, virtio.Base, pmm.PageSize, vm.PteR | vm.PteW},
		{plicBase, plicBase, plicSize, vm.PteR | vm.PteW},
		{uintptr(arch.KernelTextStart()), uintptr(arch.KernelTextStart()),
			uintptr(arch.KernelTextEnd()) - uintptr(arch.KernelTextStart()), vm.PteR | vm.PteX},
		{uintptr(arch.KernelTextEnd()), uintptr(arch.KernelTextEnd()),
			uintptr(arch.KernelEnd()) - uintptr(arch.KernelTextEnd()), vm.PteR | vm.PteW},
		{uintptr(arch.KernelEnd()), uintptr(arch.KernelEnd()),
			physTop - uintptr(arch.KernelEnd()), vm.PteR | vm.PteW},
		{vm.Trampoline, trampolinePA, pmm.PageSize, vm.PteR | vm.PteX},
	}

	for _, m := range mappings {
		if m.size == 0 {
			continue
		}
		if err := vm.MapPages(a, pt, m.va, m.pa, m.size, m.perm); err != nil {
			return 0, err
		}
	}
	return pt, nil
}
