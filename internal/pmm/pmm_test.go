package pmm

import (
	"testing"
	"unsafe"
)

// backing allocates a page-aligned fake RAM region for the allocator to
// manage, returning its start/end addresses.
func backing(t *testing.T, pages int) (start, end uintptr) {
	t.Helper()
	buf := make([]byte, (pages+1)*PageSize)
	raw := uintptr(unsafe.Pointer(&buf[0]))
	start = PageRoundUp(raw)
	end = start + uintptr(pages)*PageSize
	return start, end
}

func TestAllocFreeRoundTrip(t *testing.T) {
	start, end := backing(t, 4)
	a := New(start, end)

	var pages []uintptr
	for i := 0; i < 4; i++ {
		p := a.Alloc()
		if p == 0 {
			t.Fatalf("Alloc() returned 0 on iteration %d, want a page", i)
		}
		if p%PageSize != 0 {
			t.Fatalf("Alloc() returned unaligned page %#x", p)
		}
		pages = append(pages, p)
	}

	if p := a.Alloc(); p != 0 {
		t.Fatalf("Alloc() on exhausted allocator = %#x, want 0", p)
	}

	for _, p := range pages {
		a.Free(p)
	}

	seen := make(map[uintptr]bool)
	for i := 0; i < 4; i++ {
		p := a.Alloc()
		if p == 0 {
			t.Fatalf("Alloc() after freeing all pages returned 0 on iteration %d", i)
		}
		if seen[p] {
			t.Fatalf("Alloc() returned page %#x twice", p)
		}
		seen[p] = true
	}
}

func TestFreeRejectsUnalignedAddress(t *testing.T) {
	start, end := backing(t, 2)
	a := New(start, end)

	defer func() {
		if recover() == nil {
			t.Fatal("Free() on unaligned address did not panic")
		}
	}()
	a.Free(start + 1)
}

func TestFreeRejectsOutOfRange(t *testing.T) {
	start, end := backing(t, 2)
	a := New(start, end)

	defer func() {
		if recover() == nil {
			t.Fatal("Free() on out-of-range address did not panic")
		}
	}()
	a.Free(end + PageSize)
}

func TestAllocIsLIFO(t *testing.T) {
	start, end := backing(t, 3)
	a := New(start, end)

	p1 := a.Alloc()
	p2 := a.Alloc()
	a.Free(p2)

	if got := a.Alloc(); got != p2 {
		t.Errorf("Alloc() after freeing most-recent page = %#x, want %#x (LIFO reuse)", got, p2)
	}
	_ = p1
}
