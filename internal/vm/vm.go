// Package vm implements the Sv39 three-level page table: walking,
// mapping, unmapping, growing/shrinking a user address space, copying a
// address space for fork, and the user<->kernel copy helpers trap
// handling and syscalls build on.
package vm

import (
	"fmt"
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/bitfield"
	"github.com/mazarin-systems/riscv-kernel/internal/pmm"
)

const (
	PageSize  = pmm.PageSize
	pteShift  = 12
	pxMask    = 0x1FF
	ptesPerPT = 512

	// PTE permission bits, in the layout bitfield.PTEFlags packs.
	PteV = 1 << 0
	PteR = 1 << 1
	PteW = 1 << 2
	PteX = 1 << 3
	PteU = 1 << 4
	PteG = 1 << 5
	PteA = 1 << 6
	PteD = 1 << 7

	// MaxVA is one bit less than the max allowed by Sv39, avoiding sign
	// extension ambiguity at the top of the VA space.
	MaxVA = 1 << (9 + 9 + 9 + 12 - 1)

	// TRAMPOLINE sits at the very top of every address space, kernel and
	// user alike, so trap entry/exit never needs a TLB miss on its own
	// code; TRAPFRAME sits just below it in user address spaces only.
	Trampoline = MaxVA - PageSize
	Trapframe  = Trampoline - PageSize
)

// PageTable is the physical address of a Sv39 root page-table page.
type PageTable uintptr

type Allocator interface {
	Alloc() uintptr
	Free(pa uintptr)
}

// pxShift returns the bit offset of the 9-bit index for page-table
// level, where level 2 is the root.
func pxShift(level int) uint {
	return pteShift + 9*uint(level)
}

func px(level int, va uintptr) uintptr {
	return (va >> pxShift(level)) & pxMask
}

func pa2pte(pa uintptr) uint64 { return uint64(pa>>pteShift) << 10 }
func pte2pa(pte uint64) uintptr { return uintptr(pte>>10) << pteShift }

func flags(pte uint64) bitfield.PTEFlags { return bitfield.UnpackPTEFlags(pte) }

func entries(pt PageTable) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(pt))), ptesPerPT)
}

// Create allocates and zeroes a fresh root page table.
func Create(a Allocator) (PageTable, error) {
	pa := a.Alloc()
	if pa == 0 {
		return 0, fmt.Errorf("vm: create: out of memory")
	}
	for i := range entries(PageTable(pa)) {
		entries(PageTable(pa))[i] = 0
	}
	return PageTable(pa), nil
}

// Walk returns a pointer to the level-0 PTE for va within pagetable,
// allocating intermediate page-table pages as it descends if alloc is
// true. Returns an error if an intermediate entry is a leaf (corrupt
// table) or allocation fails.
func Walk(a Allocator, pt PageTable, va uintptr, alloc bool) (*uint64, error) {
	if va >= MaxVA {
		return nil, fmt.Errorf("vm: walk: va %#x out of range", va)
	}
	for level := 2; level > 0; level-- {
		pte := &entries(pt)[px(level, va)]
		if *pte&PteV != 0 {
			if flags(*pte).IsLeaf() {
				return nil, fmt.Errorf("vm: walk: %#x is a leaf at level %d", va, level)
			}
			pt = PageTable(pte2pa(*pte))
			continue
		}
		if !alloc {
			return nil, fmt.Errorf("vm: walk: %#x not mapped", va)
		}
		child := a.Alloc()
		if child == 0 {
			return nil, fmt.Errorf("vm: walk: out of memory")
		}
		for i := range entries(PageTable(child)) {
			entries(PageTable(child))[i] = 0
		}
		*pte = pa2pte(child) | PteV
		pt = PageTable(child)
	}
	return &entries(pt)[px(0, va)], nil
}

// WalkAddr translates a user virtual address to a physical address,
// refusing to translate anything not both valid and user-accessible —
// the same guard copyin/copyout rely on to avoid a process reaching
// kernel-only mappings through a crafted address.
func WalkAddr(pt PageTable, va uintptr) (uintptr, error) {
	if va >= MaxVA {
		return 0, fmt.Errorf("vm: walkaddr: va %#x out of range", va)
	}
	pte, err := Walk(nil, pt, va, false)
	if err != nil {
		return 0, err
	}
	f := flags(*pte)
	if !f.Valid || !f.User {
		return 0, fmt.Errorf("vm: walkaddr: %#x not a valid user page", va)
	}
	return pte2pa(*pte), nil
}

// MapPages maps size bytes starting at va to the physical range starting
// at pa, with permission bits perm. Mapping over an already-valid entry
// is an error: remapping without an intervening Unmap is always a
// bookkeeping bug.
func MapPages(a Allocator, pt PageTable, va, pa uintptr, size uintptr, perm uint64) error {
	if size == 0 {
		return fmt.Errorf("vm: mappages: zero size")
	}
	first := pmm.PageRoundDown(va)
	last := pmm.PageRoundDown(va + size - 1)
	for p := first; ; p += PageSize {
		pte, err := Walk(a, pt, p, true)
		if err != nil {
			return err
		}
		if *pte&PteV != 0 {
			return fmt.Errorf("vm: mappages: %#x already mapped", p)
		}
		*pte = pa2pte(pa) | perm | PteV
		if p == last {
			break
		}
		pa += PageSize
	}
	return nil
}

// Unmap removes npages mappings starting at va. If free is true the
// backing physical pages are returned to a. Errors on any page that is
// unmapped, unaligned, or not a leaf, which is always a bookkeeping bug
// rather than a recoverable condition.
func Unmap(a Allocator, pt PageTable, va uintptr, npages int, free bool) error {
	if va%PageSize != 0 {
		return fmt.Errorf("vm: unmap: %#x not page aligned", va)
	}
	for i := 0; i < npages; i++ {
		p := va + uintptr(i)*PageSize
		pte, err := Walk(a, pt, p, false)
		if err != nil {
			return err
		}
		f := flags(*pte)
		if !f.Valid {
			return fmt.Errorf("vm: unmap: %#x not mapped", p)
		}
		if !f.IsLeaf() {
			return fmt.Errorf("vm: unmap: %#x not a leaf", p)
		}
		if free {
			a.Free(pte2pa(*pte))
		}
		*pte = 0
	}
	return nil
}

// First maps one page at virtual address 0 containing init's code image,
// for bootstrapping the very first process; the image must fit in one
// page.
func First(a Allocator, pt PageTable, code []byte) error {
	if len(code) > PageSize {
		return fmt.Errorf("vm: first: init code larger than one page")
	}
	pa := a.Alloc()
	if pa == 0 {
		return fmt.Errorf("vm: first: out of memory")
	}
	page := unsafe.Slice((*byte)(unsafe.Pointer(pa)), PageSize)
	for i := range page {
		page[i] = 0
	}
	copy(page, code)
	return MapPages(a, pt, 0, pa, PageSize, PteW|PteR|PteX|PteU)
}

// Grow extends a user address space from oldsz to newsz, mapping and
// zeroing freshly allocated pages with the given leaf permission bits
// plus PteU. Returns the new size, which equals oldsz (unchanged) if
// newsz <= oldsz.
func Grow(a Allocator, pt PageTable, oldsz, newsz uintptr, xperm uint64) (uintptr, error) {
	if newsz <= oldsz {
		return oldsz, nil
	}
	oldszUp := pmm.PageRoundUp(oldsz)
	for va := oldszUp; va < newsz; va += PageSize {
		pa := a.Alloc()
		if pa == 0 {
			Unmap(a, pt, oldszUp, int((va-oldszUp)/PageSize), true)
			return oldsz, fmt.Errorf("vm: grow: out of memory")
		}
		page := unsafe.Slice((*byte)(unsafe.Pointer(pa)), PageSize)
		for i := range page {
			page[i] = 0
		}
		if err := MapPages(a, pt, va, pa, PageSize, xperm|PteU); err != nil {
			a.Free(pa)
			Unmap(a, pt, oldszUp, int((va-oldszUp)/PageSize), true)
			return oldsz, err
		}
	}
	return newsz, nil
}

// Shrink releases pages beyond newsz, returning the new size.
func Shrink(a Allocator, pt PageTable, oldsz, newsz uintptr) (uintptr, error) {
	if newsz >= oldsz {
		return oldsz, nil
	}
	npages := int((pmm.PageRoundUp(oldsz) - pmm.PageRoundUp(newsz)) / PageSize)
	if npages > 0 {
		if err := Unmap(a, pt, pmm.PageRoundUp(newsz), npages, true); err != nil {
			return oldsz, err
		}
	}
	return newsz, nil
}

// freewalk recursively frees the page-table pages of pt, not the leaves
// they point to: callers must Unmap the user mappings with free=true
// first, and a leaf PTE still present here is an error.
func freewalk(a Allocator, pt PageTable) error {
	for _, pte := range entries(pt) {
		if pte&PteV == 0 {
			continue
		}
		if flags(pte).IsLeaf() {
			return fmt.Errorf("vm: freewalk: leaf PTE still present")
		}
		if err := freewalk(a, PageTable(pte2pa(pte))); err != nil {
			return err
		}
	}
	a.Free(uintptr(pt))
	return nil
}

// Free unmaps and frees every user page below sz, then frees the
// now-empty page-table pages themselves.
func Free(a Allocator, pt PageTable, sz uintptr) error {
	if sz > 0 {
		if err := Unmap(a, pt, 0, int(pmm.PageRoundUp(sz)/PageSize), true); err != nil {
			return err
		}
	}
	return freewalk(a, pt)
}

// Copy duplicates a parent's address space into a freshly mapped child,
// for fork: every mapped page below sz gets a new physical frame with
// the same content and permission bits.
func Copy(a Allocator, old, new PageTable, sz uintptr) error {
	for va := uintptr(0); va < sz; va += PageSize {
		pte, err := Walk(a, old, va, false)
		if err != nil {
			Unmap(a, new, 0, int(va/PageSize), true)
			return fmt.Errorf("vm: copy: %w", err)
		}
		f := flags(*pte)
		if !f.Valid {
			Unmap(a, new, 0, int(va/PageSize), true)
			return fmt.Errorf("vm: copy: %#x not mapped", va)
		}
		srcPa := pte2pa(*pte)
		dstPa := a.Alloc()
		if dstPa == 0 {
			Unmap(a, new, 0, int(va/PageSize), true)
			return fmt.Errorf("vm: copy: out of memory")
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(dstPa)), PageSize),
			unsafe.Slice((*byte)(unsafe.Pointer(srcPa)), PageSize))
		perm := (*pte) & 0x3FF &^ PteV
		if err := MapPages(a, new, va, dstPa, PageSize, perm); err != nil {
			a.Free(dstPa)
			Unmap(a, new, 0, int(va/PageSize), true)
			return err
		}
	}
	return nil
}

// ClearUser clears the PTE_U bit at va, used to turn the page just below
// a user stack into a guard page: still mapped (so a stray kernel access
// during copyin/copyout doesn't silently succeed past it) but no longer
// reachable from user mode.
func ClearUser(pt PageTable, va uintptr) error {
	pte, err := Walk(nil, pt, va, false)
	if err != nil {
		return err
	}
	*pte &^= PteU
	return nil
}

// CopyOut copies len(src) bytes from kernel memory to user virtual
// address dstva in pt, crossing page boundaries as needed.
func CopyOut(pt PageTable, dstva uintptr, src []byte) error {
	for len(src) > 0 {
		va0 := pmm.PageRoundDown(dstva)
		pa0, err := WalkAddr(pt, va0)
		if err != nil {
			return err
		}
		n := PageSize - (dstva - va0)
		if uintptr(len(src)) < n {
			n = uintptr(len(src))
		}
		dst := unsafe.Slice((*byte)(unsafe.Pointer(pa0+(dstva-va0))), n)
		copy(dst, src[:n])
		src = src[n:]
		dstva = va0 + PageSize
	}
	return nil
}

// CopyIn copies len(dst) bytes from user virtual address srcva in pt
// into kernel memory, crossing page boundaries as needed.
func CopyIn(pt PageTable, dst []byte, srcva uintptr) error {
	for len(dst) > 0 {
		va0 := pmm.PageRoundDown(srcva)
		pa0, err := WalkAddr(pt, va0)
		if err != nil {
			return err
		}
		n := PageSize - (srcva - va0)
		if uintptr(len(dst)) < n {
			n = uintptr(len(dst))
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(pa0+(srcva-va0))), n)
		copy(dst[:n], src)
		dst = dst[n:]
		srcva = va0 + PageSize
	}
	return nil
}

// CopyInStr copies a NUL-terminated string from user virtual address
// srcva into dst, stopping at the first NUL. Returns an error if no NUL
// is found within len(dst) bytes.
func CopyInStr(pt PageTable, dst []byte, srcva uintptr) (int, error) {
	got := 0
	for got < len(dst) {
		va0 := pmm.PageRoundDown(srcva)
		pa0, err := WalkAddr(pt, va0)
		if err != nil {
			return 0, err
		}
		n := PageSize - (srcva - va0)
		if uintptr(len(dst)-got) < n {
			n = uintptr(len(dst) - got)
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(pa0+(srcva-va0))), n)
		for i := uintptr(0); i < n; i++ {
			dst[got] = src[i]
			if src[i] == 0 {
				return got, nil
			}
			got++
		}
		srcva = va0 + PageSize
	}
	return 0, fmt.Errorf("vm: copyinstr: string exceeds %d bytes", len(dst))
}
