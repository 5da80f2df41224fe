package syscall

import (
	"testing"
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/proc"
	"github.com/mazarin-systems/riscv-kernel/internal/vm"
)

// fakeAlloc is the bump allocator the vm and proc tests use, shared here
// so a whole process — page table, trapframe, user pages, pipe frame —
// can be built without real physical memory.
type fakeAlloc struct {
	bufs  [][]byte
	pages [][]byte
	next  int
}

func newFakeAlloc(n int) *fakeAlloc {
	f := &fakeAlloc{}
	for i := 0; i < n; i++ {
		buf := make([]byte, 2*vm.PageSize)
		raw := uintptr(unsafe.Pointer(&buf[0]))
		aligned := (raw + vm.PageSize - 1) &^ (vm.PageSize - 1)
		f.bufs = append(f.bufs, buf)
		f.pages = append(f.pages, unsafe.Slice((*byte)(unsafe.Pointer(aligned)), vm.PageSize))
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

// newProc builds a runnable-looking process with one mapped user page.
func newProc(t *testing.T) *proc.Proc {
	t.Helper()
	a := newFakeAlloc(64)
	proc.SetAllocator(a)
	proc.SetTrampoline(a.Alloc())
	SetAllocator(a)

	p, err := proc.UserInit([]byte{0x13, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("UserInit() error = %v", err)
	}
	return p
}

func call(p *proc.Proc, num uint64, args ...uint64) int64 {
	p.TrapFrame.A7 = num
	regs := []*uint64{&p.TrapFrame.A0, &p.TrapFrame.A1, &p.TrapFrame.A2}
	for i := range regs {
		*regs[i] = 0
	}
	for i, a := range args {
		*regs[i] = a
	}
	Dispatch(p)
	return int64(p.TrapFrame.A0)
}

func getInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func TestPipeWriteReadThroughDispatch(t *testing.T) {
	p := newProc(t)

	const fdArray = 0x200
	if ret := call(p, SysPipe, fdArray); ret != 0 {
		t.Fatalf("pipe() = %d, want 0", ret)
	}

	var fds [8]byte
	if err := vm.CopyIn(p.PageTable, fds[:], fdArray); err != nil {
		t.Fatalf("reading fd array back: %v", err)
	}
	rfd, wfd := uint64(getInt32(fds[0:4])), uint64(getInt32(fds[4:8]))
	if rfd == wfd {
		t.Fatalf("pipe() returned identical fds %d, %d", rfd, wfd)
	}

	const msgVA = 0x300
	if err := vm.CopyOut(p.PageTable, msgVA, []byte("Hi\n")); err != nil {
		t.Fatalf("staging user buffer: %v", err)
	}
	if ret := call(p, SysWrite, wfd, msgVA, 3); ret != 3 {
		t.Fatalf("write(pipe) = %d, want 3", ret)
	}

	const outVA = 0x340
	if ret := call(p, SysRead, rfd, outVA, 3); ret != 3 {
		t.Fatalf("read(pipe) = %d, want 3", ret)
	}
	var out [3]byte
	if err := vm.CopyIn(p.PageTable, out[:], outVA); err != nil {
		t.Fatalf("reading echoed bytes: %v", err)
	}
	if string(out[:]) != "Hi\n" {
		t.Errorf("pipe echo = %q, want %q", out[:], "Hi\n")
	}

	if ret := call(p, SysClose, rfd); ret != 0 {
		t.Errorf("close(rfd) = %d, want 0", ret)
	}
	if ret := call(p, SysClose, wfd); ret != 0 {
		t.Errorf("close(wfd) = %d, want 0", ret)
	}
}

func TestReadRejectsBadDescriptor(t *testing.T) {
	p := newProc(t)

	if ret := call(p, SysRead, uint64(proc.NOFile), 0x200, 1); ret != -1 {
		t.Errorf("read(fd out of range) = %d, want -1", ret)
	}
	if ret := call(p, SysRead, 3, 0x200, 1); ret != -1 {
		t.Errorf("read(empty fd slot) = %d, want -1", ret)
	}
}

func TestGetpidAndSbrk(t *testing.T) {
	p := newProc(t)

	if ret := call(p, SysGetpid); ret != int64(p.Pid) {
		t.Errorf("getpid() = %d, want %d", ret, p.Pid)
	}

	oldSz := p.Sz
	if ret := call(p, SysSbrk, uint64(vm.PageSize)); ret != int64(oldSz) {
		t.Errorf("sbrk(page) = %d, want previous size %d", ret, oldSz)
	}
	if p.Sz != oldSz+vm.PageSize {
		t.Errorf("sbrk left Sz = %d, want %d", p.Sz, oldSz+vm.PageSize)
	}
	if _, err := vm.WalkAddr(p.PageTable, oldSz); err != nil {
		t.Errorf("page added by sbrk not user-mapped: %v", err)
	}
}

func TestDupSharesOneDescription(t *testing.T) {
	p := newProc(t)

	const fdArray = 0x200
	if ret := call(p, SysPipe, fdArray); ret != 0 {
		t.Fatalf("pipe() = %d, want 0", ret)
	}
	var fds [8]byte
	if err := vm.CopyIn(p.PageTable, fds[:], fdArray); err != nil {
		t.Fatalf("reading fd array back: %v", err)
	}
	wfd := uint64(getInt32(fds[4:8]))

	dupfd := call(p, SysDup, wfd)
	if dupfd < 0 {
		t.Fatalf("dup(wfd) = %d, want a new fd", dupfd)
	}
	if p.OpenFiles[dupfd] != p.OpenFiles[wfd] {
		t.Error("dup() produced a distinct File instead of sharing the description")
	}
}
