// Package arch declares the hart-level primitives the kernel needs and
// cannot express in Go: reading/writing CSRs, toggling interrupts,
// fencing, context switching, and memory-mapped I/O access. On a real
// machine (build tag "baremetal") each is bound by //go:linkname to an
// assembly symbol supplied by the bootstrap; hosted builds substitute a
// register-file emulation so the rest of the kernel can be exercised as
// ordinary Go.
package arch

// Context holds the callee-saved registers swapped on a context switch:
// ra, sp, and s0-s11, in the layout the assembly swtch routine expects.
type Context struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}
