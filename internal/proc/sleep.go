package proc

import (
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
)

// Sleep atomically releases lk and blocks the calling process on chan,
// then re-acquires lk before returning. The lock argument is what makes
// this safe against a lost wakeup: the caller must already hold both lk
// and the condition it's waiting on is only ever changed by someone
// holding lk, so no Wakeup(chan) can slip in between "I checked the
// condition" and "I'm asleep". p.Lock is acquired before lk is released
// and held across Sched — the process's own slot lock is what makes it
// safe for a wakeup to touch its State even with lk gone.
func Sleep(chanAddr uintptr, lk *spinlock.Spinlock) {
	p := MyProc()

	// Must acquire p.Lock before releasing lk, in case Wakeup runs on
	// another hart between the two: it needs p.Lock to change our
	// state, and won't be able to until we've set Chan/Sleeping below.
	if lk != &p.Lock {
		p.Lock.Acquire()
		lk.Release()
	}

	p.Chan = chanAddr
	p.State = Sleeping

	Sched(p)

	p.Chan = 0

	if lk != &p.Lock {
		p.Lock.Release()
		lk.Acquire()
	}
}

// Wakeup makes every process sleeping on chanAddr Runnable. It is a
// broadcast, not a signal: any caller relying on it must recheck its own
// condition in a loop after waking, since more than one sleeper can be
// waiting on the same address (e.g. every reader of a pipe).
func Wakeup(chanAddr uintptr) {
	me := MyProc()
	for i := range table {
		p := &table[i]
		if p == me {
			continue
		}
		p.Lock.Acquire()
		if p.State == Sleeping && p.Chan == chanAddr {
			p.State = Runnable
		}
		p.Lock.Release()
	}
}

// Sleeplock is a long-term lock layered directly on Sleep/Wakeup: unlike
// Spinlock it can be held across a blocking operation (e.g. a disk I/O)
// because it doesn't disable interrupts or busy-wait.
type Sleeplock struct {
	lk     spinlock.Spinlock
	locked bool
	Name   string
	pid    int
}

func NewSleeplock(name string) *Sleeplock {
	return &Sleeplock{lk: *spinlock.New(name), Name: name}
}

// Acquire blocks until the lock is free, sleeping on the lock itself
// while another holder has it.
func (l *Sleeplock) Acquire() {
	l.lk.Acquire()
	for l.locked {
		Sleep(uintptr(unsafe.Pointer(l)), &l.lk)
	}
	l.locked = true
	l.pid = MyProc().Pid
	l.lk.Release()
}

// Release frees the lock and wakes every waiter, who must each recheck
// locked and race for it again.
func (l *Sleeplock) Release() {
	l.lk.Acquire()
	l.locked = false
	l.pid = 0
	Wakeup(uintptr(unsafe.Pointer(l)))
	l.lk.Release()
}

// Holding reports whether the calling process holds l.
func (l *Sleeplock) Holding() bool {
	l.lk.Acquire()
	defer l.lk.Release()
	return l.locked && l.pid == MyProc().Pid
}
