package proc

import (
	"github.com/mazarin-systems/riscv-kernel/internal/arch"
	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
)

// Scheduler runs forever on the calling hart: scan the table for a
// Runnable process, switch into it, and when it switches back (because
// it yielded, slept, or exited) go around again. Each hart runs its own
// copy of this loop.
func Scheduler() {
	c := MyCPU()
	c.Proc = nil
	for {
		arch.IntrOn()

		for i := range table {
			p := &table[i]
			p.Lock.Acquire()
			if p.State != Runnable {
				p.Lock.Release()
				continue
			}

			p.State = Running
			c.Proc = p

			if p.Context.Ra == forkRetAddr {
				// Never run before: there is no real kernel stack
				// frame to resume, so call forkret directly instead
				// of context-switching into one. forkret releases
				// p.Lock itself, the same as it does after a real
				// swtch lands inside it — see the note on
				// forkRetAddr in proc.go.
				forkRet(p)
				c.Proc = nil
				continue
			}

			arch.Switch(&c.Context, &p.Context)
			c.Proc = nil
			p.Lock.Release()
		}
	}
}

// Sched hands the CPU back to Scheduler. Caller must hold p.Lock and
// nothing else, have interrupts disabled, and must not be Running —
// violating any of these means the scheduler could resume a process
// that still thinks it's executing.
func Sched(p *Proc) {
	if !p.Lock.Holding() {
		panic("proc: sched: lock not held")
	}
	if spinlock.Depth() != 1 {
		panic("proc: sched: holding locks")
	}
	if p.State == Running {
		panic("proc: sched: process still running")
	}
	if arch.IntrGet() {
		panic("proc: sched: interrupts enabled")
	}

	// Whether interrupts were on at the outermost PushOff belongs to
	// this kernel thread, not to the hart: the scheduler loop runs with
	// its own interrupt state and will overwrite the per-hart record
	// before switching back in. Carry it across by hand.
	outerIntr := spinlock.OuterIntrEnabled()
	arch.Switch(&p.Context, &MyCPU().Context)
	spinlock.SetOuterIntrEnabled(outerIntr)
}

// Yield gives up the CPU for one scheduler round, without blocking on
// anything: the process stays Runnable and will be picked again.
func Yield(p *Proc) {
	p.Lock.Acquire()
	p.State = Runnable
	Sched(p)
	p.Lock.Release()
}

// forkRet is the first code a brand-new process's "kernel half" runs:
// release the slot lock Scheduler acquired when it picked this process,
// then fall into the user-trap return path that actually
// starts user-mode execution at the trapframe's saved pc.
func forkRet(p *Proc) {
	p.Lock.Release()
	if trapReturn == nil {
		panic("proc: forkret: trap return not wired")
	}
	trapReturn(p)
}
