//go:build !baremetal

package arch

// Hosted builds substitute a one-hart machine emulation for the
// assembly-backed primitives: the interrupt flag and CSRs live in
// package variables, and the MMIO space is a sparse register file that
// driver tests can intercept through the read/write hooks. Anything
// with no sensible hosted meaning (a real context switch, the sret into
// user mode) panics with a recognizable message instead of silently
// misbehaving.

var (
	intrEnabled bool

	csrSatp    uint64
	csrSepc    uint64
	csrSstatus uint64
	csrSCause  uint64
	csrStval   uint64
	csrSip     uint64
	csrStvec   uint64
)

func IntrOn()       { intrEnabled = true }
func IntrOff()      { intrEnabled = false }
func IntrGet() bool { return intrEnabled }

func HartID() int { return 0 }

func ReadSatp() uint64     { return csrSatp }
func WriteSatp(v uint64)   { csrSatp = v }
func ReadSCause() uint64   { return csrSCause }
func ReadSepc() uint64     { return csrSepc }
func WriteSepc(v uint64)   { csrSepc = v }
func ReadSstatus() uint64  { return csrSstatus }
func WriteSstatus(v uint64) { csrSstatus = v }
func ReadStval() uint64    { return csrStval }
func ReadSip() uint64      { return csrSip }
func WriteSip(v uint64)    { csrSip = v }
func WriteStvec(v uint64)  { csrStvec = v }

// SetSCause/SetStval/SetSip load the read-only-from-supervisor trap CSRs,
// standing in for the hardware side of a trap on the emulated hart.
func SetSCause(v uint64) { csrSCause = v }
func SetStval(v uint64)  { csrStval = v }
func SetSip(v uint64)    { csrSip = v }

func Fence() {}
func Wfi()   {}

// MMIOReadHook/MMIOWriteHook, when set, intercept every register access
// before the sparse register file below. width is 8 or 32. A read hook
// returning ok=false (or a write hook returning false) falls through to
// the register file, so a test can model just the registers it cares
// about and let the rest behave as plain memory.
var (
	MMIOReadHook  func(addr uintptr, width int) (uint64, bool)
	MMIOWriteHook func(addr uintptr, width int, v uint64) bool

	mmio = map[uintptr]uint64{}
)

// ResetMMIO clears the register file and both hooks.
func ResetMMIO() {
	MMIOReadHook = nil
	MMIOWriteHook = nil
	mmio = map[uintptr]uint64{}
}

func MMIORead32(addr uintptr) uint32 {
	if MMIOReadHook != nil {
		if v, ok := MMIOReadHook(addr, 32); ok {
			return uint32(v)
		}
	}
	return uint32(mmio[addr])
}

func MMIOWrite32(addr uintptr, v uint32) {
	if MMIOWriteHook != nil && MMIOWriteHook(addr, 32, uint64(v)) {
		return
	}
	mmio[addr] = uint64(v)
}

func MMIORead8(addr uintptr) uint8 {
	if MMIOReadHook != nil {
		if v, ok := MMIOReadHook(addr, 8); ok {
			return uint8(v)
		}
	}
	return uint8(mmio[addr])
}

func MMIOWrite8(addr uintptr, v uint8) {
	if MMIOWriteHook != nil && MMIOWriteHook(addr, 8, uint64(v)) {
		return
	}
	mmio[addr] = uint64(v)
}

// Fixed fake addresses for the two trap vectors, distinct so a test can
// tell which one stvec currently points at.
func KernelVec() uint64          { return 0x1000 }
func TrampolineUserVec() uint64  { return 0x2000 }

func KernelTextStart() uintptr { return 0 }
func KernelTextEnd() uintptr   { return 0 }
func KernelDataStart() uintptr { return 0 }
func KernelEnd() uintptr       { return 0 }

func JumpToUser(trapframe uintptr, satp uint64) {
	panic("arch: jumpToUser: no user mode on hosted build")
}

func Switch(old, new *Context) {
	panic("arch: swtch: no machine context on hosted build")
}
