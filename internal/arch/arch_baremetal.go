//go:build baremetal

package arch

import _ "unsafe" // for go:linkname

// IntrOn enables interrupts on the calling hart (RISC-V: sets SSTATUS.SIE).
//
//go:linkname IntrOn arch.intrOn
//go:nosplit
func IntrOn()

// IntrOff disables interrupts on the calling hart.
//
//go:linkname IntrOff arch.intrOff
//go:nosplit
func IntrOff()

// IntrGet reports whether interrupts are currently enabled on this hart.
//
//go:linkname IntrGet arch.intrGet
//go:nosplit
func IntrGet() bool

// HartID returns the id of the calling hart (RISC-V: contents of tp).
//
//go:linkname HartID arch.hartID
//go:nosplit
func HartID() int

// ReadSatp returns the current page-table base register.
//
//go:linkname ReadSatp arch.readSatp
//go:nosplit
func ReadSatp() uint64

// WriteSatp installs a new page-table base register and flushes the TLB.
//
//go:linkname WriteSatp arch.writeSatp
//go:nosplit
func WriteSatp(satp uint64)

// ReadSCause returns the trap cause register.
//
//go:linkname ReadSCause arch.readSCause
//go:nosplit
func ReadSCause() uint64

// ReadSepc/WriteSepc access the exception program counter.
//
//go:linkname ReadSepc arch.readSepc
//go:nosplit
func ReadSepc() uint64

//go:linkname WriteSepc arch.writeSepc
//go:nosplit
func WriteSepc(uint64)

// ReadSstatus/WriteSstatus access the supervisor status register.
//
//go:linkname ReadSstatus arch.readSstatus
//go:nosplit
func ReadSstatus() uint64

//go:linkname WriteSstatus arch.writeSstatus
//go:nosplit
func WriteSstatus(uint64)

// ReadStval returns the faulting address/value for the current trap.
//
//go:linkname ReadStval arch.readStval
//go:nosplit
func ReadStval() uint64

// ReadSip/WriteSip access the supervisor pending-interrupt register.
//
//go:linkname ReadSip arch.readSip
//go:nosplit
func ReadSip() uint64

//go:linkname WriteSip arch.writeSip
//go:nosplit
func WriteSip(uint64)

// WriteStvec installs the trap vector.
//
//go:linkname WriteStvec arch.writeStvec
//go:nosplit
func WriteStvec(uint64)

// Fence orders this hart's prior memory writes before any subsequent
// ones become visible to a device or another hart (RISC-V FENCE).
//
//go:linkname Fence arch.fence
//go:nosplit
func Fence()

// Wfi parks the hart until the next interrupt.
//
//go:linkname Wfi arch.wfi
//go:nosplit
func Wfi()

// MMIORead32/MMIOWrite32 access a memory-mapped device register. Every
// driver package (plic, uart, virtio) goes through these rather than
// dereferencing a *uint32 directly, so volatile ordering and any
// required fence is centralized in one place.
//
//go:linkname MMIORead32 arch.mmioRead32
//go:nosplit
func MMIORead32(addr uintptr) uint32

//go:linkname MMIOWrite32 arch.mmioWrite32
//go:nosplit
func MMIOWrite32(addr uintptr, v uint32)

// MMIORead8/MMIOWrite8 access a single byte-wide device register (UART).
//
//go:linkname MMIORead8 arch.mmioRead8
//go:nosplit
func MMIORead8(addr uintptr) uint8

//go:linkname MMIOWrite8 arch.mmioWrite8
//go:nosplit
func MMIOWrite8(addr uintptr, v uint8)

// KernelVec returns the address of the kernel trap vector (the assembly
// stub trap handlers point stvec at while running in the kernel).
//
//go:linkname KernelVec arch.kernelvecAddr
//go:nosplit
func KernelVec() uint64

// TrampolineUserVec returns the virtual address, inside the trampoline
// page, of the code a trap from user mode vectors to.
//
//go:linkname TrampolineUserVec arch.trampolineUserVecAddr
//go:nosplit
func TrampolineUserVec() uint64

// KernelTextStart/KernelTextEnd/KernelDataStart/KernelEnd are the
// linker-placed boundaries of the kernel image (executable, read-only,
// writable, and the first byte past BSS respectively). The boot-time
// kernel page table builder identity-maps each region with different
// permissions, and the physical frame allocator starts handing out
// pages at KernelEnd. Defining these symbols is the bootstrap linker
// script's job, outside this module.
//
//go:linkname KernelTextStart arch.kernelTextStartAddr
//go:nosplit
func KernelTextStart() uintptr

//go:linkname KernelTextEnd arch.kernelTextEndAddr
//go:nosplit
func KernelTextEnd() uintptr

//go:linkname KernelDataStart arch.kernelDataStartAddr
//go:nosplit
func KernelDataStart() uintptr

//go:linkname KernelEnd arch.kernelEndAddr
//go:nosplit
func KernelEnd() uintptr

// JumpToUser restores user registers from the trapframe, switches satp,
// and srets to the saved epc. Go has no way to call through a raw code
// address, so the jump lives entirely in the trampoline assembly; this
// declaration never returns.
//
//go:linkname JumpToUser arch.jumpToUser
//go:nosplit
func JumpToUser(trapframe uintptr, satp uint64)

// Switch performs a context switch between two saved register sets. The
// implementation (in assembly) saves the callee-saved registers and
// return address into old, loads them from new, and returns into the
// caller of the Switch that saved new.
//
//go:linkname Switch arch.swtch
//go:nosplit
func Switch(old, new *Context)
