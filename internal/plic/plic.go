// Package plic drives the SiFive platform-level interrupt controller that
// routes UART and virtio-mmio interrupts to the supervisor harts.
package plic

import (
	"github.com/mazarin-systems/riscv-kernel/internal/arch"
)

// Base address and per-register layout match the QEMU virt machine's PLIC,
// the same memory map every other package in this kernel assumes.
const (
	Base = 0x0c000000

	UART0IRQ  = 10
	Virtio0IRQ = 1

	priorityBase = Base + 0x0
	pendingBase  = Base + 0x1000

	senableStride   = 0x80
	senableBase     = Base + 0x2080
	spriorityStride = 0x2000
	spriorityBase   = Base + 0x201000
	sclaimStride    = 0x2000
	sclaimBase      = Base + 0x201004
)

func priority(irq int) uintptr { return priorityBase + uintptr(irq)*4 }
func senable(hart int) uintptr { return senableBase + uintptr(hart)*senableStride }
func spriority(hart int) uintptr {
	return spriorityBase + uintptr(hart)*spriorityStride
}
func sclaim(hart int) uintptr { return sclaimBase + uintptr(hart)*sclaimStride }

// Init sets the priority of the two devices this kernel drives above zero
// (priority 0 means "never interrupt"), once, globally. Every other
// device's priority defaults to 0 and stays disabled.
func Init() {
	arch.MMIOWrite32(priority(UART0IRQ), 1)
	arch.MMIOWrite32(priority(Virtio0IRQ), 1)
}

// InitHart enables the S-mode interrupt sources for the calling hart and
// sets its threshold to 0 (accept every priority above 0). Must run on
// every hart, not just once at boot.
func InitHart() {
	hart := arch.HartID()
	arch.MMIOWrite32(senable(hart), (1<<UART0IRQ)|(1<<Virtio0IRQ))
	arch.MMIOWrite32(spriority(hart), 0)
}

// Claim asks the PLIC which interrupt this hart should service next,
// returning 0 if none is pending.
func Claim() int {
	return int(arch.MMIORead32(sclaim(arch.HartID())))
}

// Complete tells the PLIC this hart is done servicing irq, allowing it to
// fire again.
func Complete(irq int) {
	arch.MMIOWrite32(sclaim(arch.HartID()), uint32(irq))
}
