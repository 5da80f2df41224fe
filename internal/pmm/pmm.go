// Package pmm is the physical frame allocator: a LIFO free list of
// 4096-byte pages under one lock. It hands out whole pages for user
// processes, kernel stacks, page-table pages and pipe buffers — nothing
// finer-grained, no per-CPU free lists, no buddy system.
package pmm

import (
	"fmt"
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
)

// PageSize is the hardware page size Sv39 and this allocator both assume.
const PageSize = 4096

// run is the free-list node overlaid on every free page: a single next
// pointer, living inside the page itself.
type run struct {
	next *run
}

// Allocator is a LIFO free list of physical pages drawn from [start, end).
// The zero value is not usable; construct with New.
type Allocator struct {
	lock     spinlock.Spinlock
	freelist *run
	start    uintptr
	end      uintptr
}

// New builds an allocator over the half-open range [start, end) and
// frees every whole page in it. start is normally the first address
// after the kernel image; it is rounded up to a page boundary before
// the walk.
func New(start, end uintptr) *Allocator {
	a := &Allocator{lock: *spinlock.New("kmem"), start: PageRoundUp(start), end: end}
	for p := a.start; p+PageSize <= end; p += PageSize {
		a.free(p)
	}
	return a
}

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to the containing page boundary.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// Alloc returns one physical page, poisoned with 0x5 so use-before-init
// bugs surface quickly, or 0 if none remain.
func (a *Allocator) Alloc() uintptr {
	a.lock.Acquire()
	r := a.freelist
	if r != nil {
		a.freelist = r.next
	}
	a.lock.Release()

	if r == nil {
		return 0
	}
	pa := uintptr(unsafe.Pointer(r))
	poison(pa, 0x5)
	return pa
}

// Free returns the page at pa to the free list. Panics if pa is not
// page-aligned or falls outside the managed range — a bad free here
// means a use-after-free or a double free, and both are fatal kernel
// bugs rather than conditions to ignore.
func (a *Allocator) Free(pa uintptr) {
	if pa%PageSize != 0 || pa < a.start || pa >= a.end {
		panic(fmt.Sprintf("pmm: free: bad address %#x", pa))
	}
	a.lock.Acquire()
	a.free(pa)
	a.lock.Release()
}

// free is the lock-held body shared by New's initial walk and the
// public Free.
func (a *Allocator) free(pa uintptr) {
	poison(pa, 0x1)
	r := (*run)(unsafe.Pointer(pa))
	r.next = a.freelist
	a.freelist = r
}

// poison fills a page with a junk byte, on both free (0x1) and allocate
// (0x5), so a stale pointer reads garbage instead of zero.
func poison(pa uintptr, b byte) {
	page := unsafe.Slice((*byte)(unsafe.Pointer(pa)), PageSize)
	for i := range page {
		page[i] = b
	}
}
