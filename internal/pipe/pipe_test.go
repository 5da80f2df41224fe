package pipe

import (
	"testing"

	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
)

// fakeAlloc hands out a sequence of distinct non-zero "physical
// addresses" and records which ones were freed, enough to exercise
// Alloc/Close's frame accounting without a real pmm.
type fakeAlloc struct {
	next uintptr
	freed []uintptr
}

func (f *fakeAlloc) Alloc() uintptr {
	f.next += 0x1000
	return f.next
}

func (f *fakeAlloc) Free(pa uintptr) { f.freed = append(f.freed, pa) }

func init() {
	// This package's tests never write past a full ring or read an
	// empty ring with the write side open, so Sleep should never
	// actually be called; wire it to panic
	// so a test bug (accidental blocking) fails loudly instead of
	// hanging the test binary. Wakeup is a harmless no-op, and Killed
	// always reports "not killed".
	SetHooks(
		func(uintptr, *spinlock.Spinlock) { panic("pipe_test: unexpected Sleep") },
		func(uintptr) {},
		func() bool { return false },
	)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	a := &fakeAlloc{}
	p, err := Alloc(a)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}

	n, err := p.Write([]byte("Hi\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Write() = %d, want 3", n)
	}

	buf := make([]byte, 3)
	got, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != 3 || string(buf) != "Hi\n" {
		t.Errorf("Read() = %q (n=%d), want %q", buf[:got], got, "Hi\n")
	}
}

func TestReadDrainsWithoutBlockingOnceWriteSideCloses(t *testing.T) {
	a := &fakeAlloc{}
	p, err := Alloc(a)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}

	if _, err := p.Write([]byte("ab")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	p.Close(true) // close the write end

	buf := make([]byte, 10)
	n, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "ab" {
		t.Errorf("Read() = %q, want %q", buf[:n], "ab")
	}

	// A second read against an empty, write-closed pipe must return
	// immediately with zero bytes rather than blocking.
	n2, err := p.Read(buf)
	if err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if n2 != 0 {
		t.Errorf("second Read() = %d, want 0", n2)
	}
}

func TestWriteToClosedReadSideFails(t *testing.T) {
	a := &fakeAlloc{}
	p, err := Alloc(a)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	p.Close(false) // close the read end

	if _, err := p.Write([]byte("x")); err == nil {
		t.Fatal("Write() to a pipe with the read end closed did not error")
	}
}

func TestCloseFreesFrameOnlyOnceBothEndsClosed(t *testing.T) {
	a := &fakeAlloc{}
	p, err := Alloc(a)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}

	p.Close(true)
	if len(a.freed) != 0 {
		t.Fatalf("frame freed after only one end closed: %v", a.freed)
	}

	p.Close(false)
	if len(a.freed) != 1 {
		t.Fatalf("frame not freed after both ends closed: %v", a.freed)
	}
}

func TestWriterBacklogFitsExactlyOneRing(t *testing.T) {
	a := &fakeAlloc{}
	p, err := Alloc(a)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}

	msg := make([]byte, Size)
	for i := range msg {
		msg[i] = byte(i)
	}
	n, err := p.Write(msg)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != Size {
		t.Fatalf("Write() = %d, want %d", n, Size)
	}

	back := make([]byte, Size)
	got, err := p.Read(back)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != Size {
		t.Fatalf("Read() = %d, want %d", got, Size)
	}
	for i := range msg {
		if back[i] != msg[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, back[i], msg[i])
		}
	}
}
