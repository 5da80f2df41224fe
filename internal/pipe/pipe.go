// Package pipe implements the bounded-buffer IPC object pipe() creates:
// a 512-byte ring with two open ends, rendezvousing readers and writers
// through sleep/wakeup exactly as every other blocking primitive in this
// kernel does.
package pipe

import (
	"fmt"
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
)

// Size is the ring's capacity in bytes.
const Size = 512

// Allocator supplies the one physical page reserved per pipe, the same
// interface vm.Allocator uses.
type Allocator interface {
	Alloc() uintptr
	Free(pa uintptr)
}

// Pipe is one pipe's shared state: the ring, its two read/write cursors,
// and the open flags both ends toggle on Close.
type Pipe struct {
	lock spinlock.Spinlock

	data   [Size]byte
	nread  uint64
	nwrite uint64

	readOpen  bool
	writeOpen bool

	alloc   Allocator
	framePA uintptr
}

// Sleep/Wakeup/Killed are wired at boot to proc.Sleep, proc.Wakeup, and a
// predicate reading the calling process's killed flag. Pipes are built
// on proc's sleep/wakeup but proc must never import pipe (its fd table
// reaches pipes through the file package), so the link runs through
// function variables exactly the way uart and virtio reach proc.
var (
	Sleep  func(chanAddr uintptr, lk *spinlock.Spinlock)
	Wakeup func(chanAddr uintptr)
	Killed func() bool
)

// SetHooks wires the three calling-process primitives Read/Write/Close
// need. Called once at boot.
func SetHooks(sleep func(uintptr, *spinlock.Spinlock), wakeup func(uintptr), killed func() bool) {
	Sleep = sleep
	Wakeup = wakeup
	Killed = killed
}

// Alloc reserves one physical frame against the allocator and returns a
// new pipe with both ends open. The control block itself is an ordinary Go value
// rather than literally overlaid on that page: nothing ever maps a pipe
// into a page table the way a trapframe or page-table page is, so there
// is no requirement that it live at a specific physical address, and
// keeping it off the raw allocator memory lets the garbage collector see
// the lock's fields. The reserved frame is given back to the allocator
// in Close, once both ends report closed.
func Alloc(a Allocator) (*Pipe, error) {
	pa := a.Alloc()
	if pa == 0 {
		return nil, fmt.Errorf("pipe: alloc: out of memory")
	}
	return &Pipe{
		lock:      *spinlock.New("pipe"),
		readOpen:  true,
		writeOpen: true,
		alloc:     a,
		framePA:   pa,
	}, nil
}

func (p *Pipe) readChan() uintptr  { return uintptr(unsafe.Pointer(&p.nread)) }
func (p *Pipe) writeChan() uintptr { return uintptr(unsafe.Pointer(&p.nwrite)) }

// Write copies src into the ring one byte at a time, blocking while the
// ring is full, and wakes readers both while waiting for room and once
// more after the copy loop finishes, even for a zero-length write. If
// the read end is closed or the caller is killed, Write returns the
// count copied so far with an error at once, without that final wakeup.
func (p *Pipe) Write(src []byte) (int, error) {
	p.lock.Acquire()
	defer p.lock.Release()

	i := 0
	for i < len(src) {
		if !p.readOpen || (Killed != nil && Killed()) {
			return i, fmt.Errorf("pipe: write: broken pipe")
		}
		if p.nwrite == p.nread+Size {
			Wakeup(p.readChan())
			Sleep(p.writeChan(), &p.lock)
			continue
		}
		p.data[p.nwrite%Size] = src[i]
		p.nwrite++
		i++
	}
	Wakeup(p.readChan())
	return i, nil
}

// Read blocks while the ring is empty and the write end is still open,
// then drains whatever is available — up to len(dst), not necessarily
// all of it — into dst.
func (p *Pipe) Read(dst []byte) (int, error) {
	p.lock.Acquire()
	defer p.lock.Release()

	for p.nread == p.nwrite && p.writeOpen {
		if Killed != nil && Killed() {
			return 0, fmt.Errorf("pipe: read: killed")
		}
		Sleep(p.readChan(), &p.lock)
	}

	n := 0
	for n < len(dst) {
		if p.nread == p.nwrite {
			break
		}
		dst[n] = p.data[p.nread%Size]
		p.nread++
		n++
	}
	Wakeup(p.writeChan())
	return n, nil
}

// Close marks one end closed and wakes whoever is waiting on the other.
// Once both ends have closed, the backing frame is freed here, inside
// the locked section, so no wakeup racing the free can ever observe a
// freed page: a sleeper woken by this same call has already been
// dropped from both rings by the time the lock is released.
func (p *Pipe) Close(writable bool) {
	p.lock.Acquire()
	if writable {
		p.writeOpen = false
		Wakeup(p.readChan())
	} else {
		p.readOpen = false
		Wakeup(p.writeChan())
	}
	if !p.readOpen && !p.writeOpen {
		if p.alloc != nil && p.framePA != 0 {
			p.alloc.Free(p.framePA)
			p.framePA = 0
		}
	}
	p.lock.Release()
}
