// Package spinlock implements mutual exclusion across harts, plus the
// push_off/pop_off interrupt-disable nesting every other kernel package
// wraps its own locks in.
package spinlock

import (
	"sync/atomic"

	"github.com/mazarin-systems/riscv-kernel/internal/arch"
)

// Spinlock is a test-and-set lock. locked is an int32 rather than a bool
// so CompareAndSwapInt32 can do the acquire; Hart records which hart
// holds it, for diagnostics and the "already held" panic.
type Spinlock struct {
	locked int32
	Name   string
	Hart   int32 // -1 when not held
}

// New returns an unlocked spinlock with the given diagnostic name.
func New(name string) *Spinlock {
	return &Spinlock{Name: name, Hart: -1}
}

// Acquire spins until the lock is held, disabling interrupts on this hart
// for the duration (a lock held with interrupts on could deadlock against
// its own interrupt handler).
func (l *Spinlock) Acquire() {
	PushOff()
	if l.Holding() {
		panic("spinlock: acquire: already held: " + l.Name)
	}
	for !atomic.CompareAndSwapInt32(&l.locked, 0, 1) {
	}
	atomic.StoreInt32(&l.Hart, int32(arch.HartID()))
}

// Release unlocks l. Panics if the calling hart does not hold it.
func (l *Spinlock) Release() {
	if !l.Holding() {
		panic("spinlock: release: not held: " + l.Name)
	}
	atomic.StoreInt32(&l.Hart, -1)
	atomic.StoreInt32(&l.locked, 0)
	PopOff()
}

// Holding reports whether the calling hart holds l.
func (l *Spinlock) Holding() bool {
	return atomic.LoadInt32(&l.locked) == 1 && atomic.LoadInt32(&l.Hart) == int32(arch.HartID())
}

const maxHarts = 8

// hartState is per-hart push_off/pop_off bookkeeping: the depth of nested
// spinlock acquisitions and whether interrupts were enabled before the
// first one. Kept here rather than on the proc package's CPU record so
// this package has no dependency on proc; proc.Sched reaches them only
// through Depth, OuterIntrEnabled and SetOuterIntrEnabled.
type hartState struct {
	noff     int32
	wasIntOn bool
}

var harts [maxHarts]hartState

// PushOff disables interrupts, incrementing a per-hart nesting count. The
// interrupt-enabled state recorded is only ever the one captured by the
// outermost PushOff; nested calls must not disturb it.
func PushOff() {
	old := arch.IntrGet()
	arch.IntrOff()
	h := &harts[arch.HartID()]
	if h.noff == 0 {
		h.wasIntOn = old
	}
	h.noff++
}

// Depth returns the calling hart's PushOff nesting count: how many
// interrupt-disabling critical sections it is currently inside.
func Depth() int {
	return int(harts[arch.HartID()].noff)
}

// OuterIntrEnabled reports whether interrupts were enabled before the
// calling hart's outermost PushOff — the state PopOff will restore when
// the nesting count returns to zero.
func OuterIntrEnabled() bool {
	return harts[arch.HartID()].wasIntOn
}

// SetOuterIntrEnabled overwrites that recorded state. The flag is a
// property of the kernel thread that pushed, not of the hart it happens
// to be running on, so a context switch must carry it across: the
// switching thread saves it before handing over the hart and restores
// it when the hart comes back.
func SetOuterIntrEnabled(on bool) {
	harts[arch.HartID()].wasIntOn = on
}

// PopOff reverses one PushOff. Once the nesting count returns to zero,
// interrupts are restored to whatever state preceded the outermost
// PushOff — never unconditionally turned back on.
func PopOff() {
	h := &harts[arch.HartID()]
	if arch.IntrGet() {
		panic("spinlock: pop_off: interrupts enabled")
	}
	if h.noff < 1 {
		panic("spinlock: pop_off: unbalanced")
	}
	h.noff--
	if h.noff == 0 && h.wasIntOn {
		arch.IntrOn()
	}
}
