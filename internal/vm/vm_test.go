package vm

import (
	"testing"
	"unsafe"
)

// fakeAlloc is a trivial bump allocator over a fixed pool of pages, used
// so page-table logic can be exercised without the real pmm package or
// real physical memory.
type fakeAlloc struct {
	bufs  [][]byte
	pages [][]byte
	next  int
}

func newFakeAlloc(n int) *fakeAlloc {
	f := &fakeAlloc{}
	for i := 0; i < n; i++ {
		buf := make([]byte, 2*PageSize)
		raw := uintptr(unsafe.Pointer(&buf[0]))
		aligned := (raw + PageSize - 1) &^ (PageSize - 1)
		page := unsafe.Slice((*byte)(unsafe.Pointer(aligned)), PageSize)
		f.bufs = append(f.bufs, buf)
		f.pages = append(f.pages, page)
	}
	return f
}

func (f *fakeAlloc) Alloc() uintptr {
	if f.next >= len(f.pages) {
		return 0
	}
	p := &f.pages[f.next][0]
	f.next++
	return uintptr(unsafe.Pointer(p))
}

func (f *fakeAlloc) Free(pa uintptr) {}

func TestMapPagesAndWalkAddr(t *testing.T) {
	a := newFakeAlloc(8)
	pt, err := Create(a)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dataPa := a.Alloc()
	if err := MapPages(a, pt, 0x1000, dataPa, PageSize, PteR|PteW|PteU); err != nil {
		t.Fatalf("MapPages() error = %v", err)
	}

	got, err := WalkAddr(pt, 0x1000)
	if err != nil {
		t.Fatalf("WalkAddr() error = %v", err)
	}
	if got != dataPa {
		t.Errorf("WalkAddr() = %#x, want %#x", got, dataPa)
	}
}

func TestMapPagesRejectsDoubleMap(t *testing.T) {
	a := newFakeAlloc(8)
	pt, _ := Create(a)
	pa := a.Alloc()

	if err := MapPages(a, pt, 0x2000, pa, PageSize, PteR|PteU); err != nil {
		t.Fatalf("first MapPages() error = %v", err)
	}
	if err := MapPages(a, pt, 0x2000, pa, PageSize, PteR|PteU); err == nil {
		t.Fatal("second MapPages() over the same VA did not error")
	}
}

func TestWalkAddrRejectsKernelOnlyPage(t *testing.T) {
	a := newFakeAlloc(8)
	pt, _ := Create(a)
	pa := a.Alloc()

	if err := MapPages(a, pt, 0x3000, pa, PageSize, PteR|PteW); err != nil {
		t.Fatalf("MapPages() error = %v", err)
	}
	if _, err := WalkAddr(pt, 0x3000); err == nil {
		t.Fatal("WalkAddr() on a non-user page did not error")
	}
}

func TestGrowAndShrink(t *testing.T) {
	a := newFakeAlloc(16)
	pt, _ := Create(a)

	newsz, err := Grow(a, pt, 0, 3*PageSize, PteR|PteW)
	if err != nil {
		t.Fatalf("Grow() error = %v", err)
	}
	if newsz != 3*PageSize {
		t.Fatalf("Grow() size = %d, want %d", newsz, 3*PageSize)
	}
	for _, va := range []uintptr{0, PageSize, 2 * PageSize} {
		if _, err := WalkAddr(pt, va); err != nil {
			t.Errorf("WalkAddr(%#x) after Grow() error = %v", va, err)
		}
	}

	shrunk, err := Shrink(a, pt, newsz, PageSize)
	if err != nil {
		t.Fatalf("Shrink() error = %v", err)
	}
	if shrunk != PageSize {
		t.Fatalf("Shrink() size = %d, want %d", shrunk, PageSize)
	}
	if _, err := WalkAddr(pt, 2*PageSize); err == nil {
		t.Error("WalkAddr() on page released by Shrink() did not error")
	}
	if _, err := WalkAddr(pt, 0); err != nil {
		t.Errorf("WalkAddr(0) after Shrink() error = %v, want page still mapped", err)
	}
}

func TestCopyDuplicatesAddressSpace(t *testing.T) {
	a := newFakeAlloc(16)
	old, _ := Create(a)
	new_, _ := Create(a)

	pa := a.Alloc()
	page := unsafe.Slice((*byte)(unsafe.Pointer(pa)), PageSize)
	page[0] = 0xAB
	if err := MapPages(a, old, 0, pa, PageSize, PteR|PteW|PteU); err != nil {
		t.Fatalf("MapPages() error = %v", err)
	}

	if err := Copy(a, old, new_, PageSize); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}

	childPa, err := WalkAddr(new_, 0)
	if err != nil {
		t.Fatalf("WalkAddr() on child error = %v", err)
	}
	if childPa == pa {
		t.Fatal("Copy() child shares the parent's physical page instead of duplicating it")
	}
	childPage := unsafe.Slice((*byte)(unsafe.Pointer(childPa)), PageSize)
	if childPage[0] != 0xAB {
		t.Errorf("Copy() did not preserve page contents: got %#x, want 0xAB", childPage[0])
	}
}

func TestClearUserMakesPageInaccessibleFromUserMode(t *testing.T) {
	a := newFakeAlloc(8)
	pt, _ := Create(a)
	pa := a.Alloc()
	if err := MapPages(a, pt, 0x4000, pa, PageSize, PteR|PteW|PteU); err != nil {
		t.Fatalf("MapPages() error = %v", err)
	}

	if err := ClearUser(pt, 0x4000); err != nil {
		t.Fatalf("ClearUser() error = %v", err)
	}
	if _, err := WalkAddr(pt, 0x4000); err == nil {
		t.Error("WalkAddr() on a guard page did not error")
	}
	pte, err := Walk(nil, pt, 0x4000, false)
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if *pte&PteV == 0 {
		t.Error("guard page lost its mapping entirely; want valid but non-user")
	}
}

func TestCopyOutAndCopyInRoundTrip(t *testing.T) {
	a := newFakeAlloc(8)
	pt, _ := Create(a)
	pa := a.Alloc()
	if err := MapPages(a, pt, 0, pa, PageSize, PteR|PteW|PteU); err != nil {
		t.Fatalf("MapPages() error = %v", err)
	}

	msg := []byte("hello kernel")
	if err := CopyOut(pt, 16, msg); err != nil {
		t.Fatalf("CopyOut() error = %v", err)
	}

	back := make([]byte, len(msg))
	if err := CopyIn(pt, back, 16); err != nil {
		t.Fatalf("CopyIn() error = %v", err)
	}
	if string(back) != string(msg) {
		t.Errorf("CopyIn() = %q, want %q", back, msg)
	}
}

func TestCopyInStrStopsAtNUL(t *testing.T) {
	a := newFakeAlloc(8)
	pt, _ := Create(a)
	pa := a.Alloc()
	if err := MapPages(a, pt, 0, pa, PageSize, PteR|PteW|PteU); err != nil {
		t.Fatalf("MapPages() error = %v", err)
	}
	if err := CopyOut(pt, 0, []byte("argv0\x00trailing")); err != nil {
		t.Fatalf("CopyOut() error = %v", err)
	}

	buf := make([]byte, 32)
	n, err := CopyInStr(pt, buf, 0)
	if err != nil {
		t.Fatalf("CopyInStr() error = %v", err)
	}
	if string(buf[:n]) != "argv0" {
		t.Errorf("CopyInStr() = %q, want %q", buf[:n], "argv0")
	}
}
