// Package syscall decodes the arguments a trap frame carries for a
// system call, dispatches to the matching kernel operation, and writes
// the result back into a0. It is the only package that sits above proc,
// vm, pipe, file, and trap all at once, since argument decoding needs
// the trap frame and user-memory copies, and most handlers are thin
// wrappers over an operation those packages already expose.
package syscall

import (
	"github.com/mazarin-systems/riscv-kernel/internal/file"
	"github.com/mazarin-systems/riscv-kernel/internal/pipe"
	"github.com/mazarin-systems/riscv-kernel/internal/proc"
	"github.com/mazarin-systems/riscv-kernel/internal/trap"
	"github.com/mazarin-systems/riscv-kernel/internal/uart"
	"github.com/mazarin-systems/riscv-kernel/internal/vm"
)

// Syscall numbers. The values are ABI: a user-space libc compiled
// against this numbering keeps working across kernel rebuilds, so they
// are never renumbered, only appended to.
const (
	SysFork   = 1
	SysExit   = 2
	SysWait   = 3
	SysPipe   = 4
	SysRead   = 5
	SysKill   = 6
	SysExec   = 7
	SysFstat  = 8
	SysChdir  = 9
	SysDup    = 10
	SysGetpid = 11
	SysSbrk   = 12
	SysSleep  = 13
	SysUptime = 14
	SysOpen   = 15
	SysWrite  = 16
	SysMknod  = 17
	SysUnlink = 18
	SysLink   = 19
	SysMkdir  = 20
	SysClose  = 21
)

const maxPath = 128

// Allocator supplies the backing page each pipe() call reserves.
type Allocator interface {
	Alloc() uintptr
	Free(pa uintptr)
}

var allocator Allocator

// SetAllocator wires the physical-page allocator sys_pipe needs, the
// same once-at-boot wiring proc.SetAllocator and virtio.Init use.
func SetAllocator(a Allocator) { allocator = a }

func init() {
	pipe.SetHooks(proc.Sleep, proc.Wakeup, func() bool {
		p := proc.MyProc()
		return p != nil && proc.Killed(p)
	})
	trap.SetSyscall(Dispatch)
}

// Dispatch decodes p's trapframe for the syscall number in a7, calls the
// matching handler, and writes its result back into a0. Any failure —
// unknown number, bad argument, bad fd — yields -1, never a partial or
// garbage value; a handler that can't proceed returns promptly rather
// than guessing.
func Dispatch(p *proc.Proc) {
	num := p.TrapFrame.A7
	var ret int64

	switch num {
	case SysFork:
		ret = int64(sysFork(p))
	case SysExit:
		sysExit(p) // never returns
	case SysWait:
		ret = int64(sysWait(p))
	case SysPipe:
		ret = int64(sysPipe(p))
	case SysRead:
		ret = int64(sysRead(p))
	case SysKill:
		ret = int64(sysKill(p))
	case SysExec:
		ret = int64(sysExec(p))
	case SysFstat:
		ret = int64(sysFstat(p))
	case SysChdir:
		ret = int64(sysChdir(p))
	case SysDup:
		ret = int64(sysDup(p))
	case SysGetpid:
		ret = int64(p.Pid)
	case SysSbrk:
		ret = int64(sysSbrk(p))
	case SysSleep:
		ret = int64(sysSleep(p))
	case SysUptime:
		ret = int64(trap.Ticks())
	case SysOpen:
		ret = int64(sysOpen(p))
	case SysWrite:
		ret = int64(sysWrite(p))
	case SysMknod:
		ret = -1 // device-node creation delegates to the filesystem collaborator
	case SysUnlink:
		ret = -1
	case SysLink:
		ret = -1
	case SysMkdir:
		ret = -1
	case SysClose:
		ret = int64(sysClose(p))
	default:
		uart.Printf("syscall: %d %s: unknown syscall %d\n", p.Pid, procName(p), num)
		ret = -1
	}

	p.TrapFrame.A0 = uint64(ret)
}

func procName(p *proc.Proc) string {
	n := 0
	for n < len(p.Name) && p.Name[n] != 0 {
		n++
	}
	return string(p.Name[:n])
}

// rawArg reads the n'th (0-based) integer/pointer argument register,
// a0 through a5 as RISC-V's calling convention lays them out in the
// trapframe.
func rawArg(p *proc.Proc, n int) uint64 {
	switch n {
	case 0:
		return p.TrapFrame.A0
	case 1:
		return p.TrapFrame.A1
	case 2:
		return p.TrapFrame.A2
	case 3:
		return p.TrapFrame.A3
	case 4:
		return p.TrapFrame.A4
	case 5:
		return p.TrapFrame.A5
	default:
		panic("syscall: arg index out of range")
	}
}

func argInt(p *proc.Proc, n int) int       { return int(int64(rawArg(p, n))) }
func argUint64(p *proc.Proc, n int) uint64 { return rawArg(p, n) }

// argStr fetches a NUL-terminated path/string argument, bounded by
// len(buf), via copyinstr.
func argStr(p *proc.Proc, n int, buf []byte) (int, error) {
	return vm.CopyInStr(p.PageTable, buf, uintptr(rawArg(p, n)))
}

// fdArg validates and fetches the File behind the n'th argument: the fd
// must satisfy 0 <= fd < NOFile and the table slot must be non-empty.
func fdArg(p *proc.Proc, n int) (int, *file.File, bool) {
	fd := argInt(p, n)
	if fd < 0 || fd >= proc.NOFile {
		return 0, nil, false
	}
	f := p.OpenFiles[fd]
	if f == nil {
		return 0, nil, false
	}
	return fd, f, true
}

// allocFD installs f in the first free fd slot of p's table.
func allocFD(p *proc.Proc, f *file.File) (int, bool) {
	for i := 0; i < proc.NOFile; i++ {
		if p.OpenFiles[i] == nil {
			p.OpenFiles[i] = f
			return i, true
		}
	}
	return 0, false
}

func sysFork(p *proc.Proc) int {
	pid, err := proc.Fork(p)
	if err != nil {
		return -1
	}
	return pid
}

func sysExit(p *proc.Proc) {
	proc.Exit(p, argInt(p, 0))
}

func sysWait(p *proc.Proc) int {
	addr := argUint64(p, 0)
	pid, status, err := proc.Wait(p)
	if err != nil {
		return -1
	}
	if addr != 0 {
		var buf [4]byte
		putInt32(buf[:], int32(status))
		if err := vm.CopyOut(p.PageTable, uintptr(addr), buf[:]); err != nil {
			return -1
		}
	}
	return pid
}

func sysKill(p *proc.Proc) int {
	if err := proc.Kill(argInt(p, 0)); err != nil {
		return -1
	}
	return 0
}

func sysSbrk(p *proc.Proc) int {
	n := argInt(p, 0)
	addr := int(p.Sz)
	if err := proc.GrowProc(p, n); err != nil {
		return -1
	}
	return addr
}

func sysSleep(p *proc.Proc) int {
	n := argInt(p, 0)
	if n < 0 {
		return -1
	}
	trap.SleepTicks(p, uint64(n))
	return 0
}

// sysExec validates the path argument the way exec(path, argv) must,
// then fails: this build has no ELF-loading orchestrator to hand the
// validated path to (see proc.CommitExec's doc comment for the half of
// exec that does live in this module).
func sysExec(p *proc.Proc) int {
	var path [maxPath]byte
	if _, err := argStr(p, 0, path[:]); err != nil {
		return -1
	}
	return -1
}

func sysChdir(p *proc.Proc) int {
	var path [maxPath]byte
	if _, err := argStr(p, 0, path[:]); err != nil {
		return -1
	}
	// No filesystem collaborator wired into this build: any path,
	// valid or not, fails to resolve to a directory.
	return -1
}

func sysOpen(p *proc.Proc) int {
	var path [maxPath]byte
	if _, err := argStr(p, 0, path[:]); err != nil {
		return -1
	}
	_ = argInt(p, 1) // open flags; unusable without a filesystem collaborator
	return -1
}

func sysFstat(p *proc.Proc) int {
	_, f, ok := fdArg(p, 0)
	if !ok || f.Inode == nil {
		return -1
	}
	st, err := f.Inode.Stat()
	if err != nil {
		return -1
	}
	addr := argUint64(p, 1)
	var buf [16]byte
	putUint32(buf[0:4], st.Ino)
	putInt16(buf[4:6], st.Type)
	putInt16(buf[6:8], st.Nlink)
	putUint64(buf[8:16], st.Size)
	if err := vm.CopyOut(p.PageTable, uintptr(addr), buf[:]); err != nil {
		return -1
	}
	return 0
}

func sysPipe(p *proc.Proc) int {
	fdArrayVA := argUint64(p, 0)
	if allocator == nil {
		return -1
	}

	pp, err := pipe.Alloc(allocator)
	if err != nil {
		return -1
	}
	rf := file.NewPipe(pp, true, false)
	wf := file.NewPipe(pp, false, true)

	rfd, ok1 := allocFD(p, rf)
	if !ok1 {
		rf.Close()
		wf.Close()
		return -1
	}
	wfd, ok2 := allocFD(p, wf)
	if !ok2 {
		p.OpenFiles[rfd] = nil
		rf.Close()
		wf.Close()
		return -1
	}

	var buf [8]byte
	putInt32(buf[0:4], int32(rfd))
	putInt32(buf[4:8], int32(wfd))
	if err := vm.CopyOut(p.PageTable, uintptr(fdArrayVA), buf[:]); err != nil {
		p.OpenFiles[rfd] = nil
		p.OpenFiles[wfd] = nil
		rf.Close()
		wf.Close()
		return -1
	}
	return 0
}

func sysRead(p *proc.Proc) int {
	_, f, ok := fdArg(p, 0)
	if !ok {
		return -1
	}
	dstva := argUint64(p, 1)
	n := argInt(p, 2)
	if n < 0 {
		return -1
	}

	buf := make([]byte, n)
	got, err := f.Read(buf)
	if err != nil {
		return -1
	}
	if err := vm.CopyOut(p.PageTable, uintptr(dstva), buf[:got]); err != nil {
		return -1
	}
	return got
}

func sysWrite(p *proc.Proc) int {
	_, f, ok := fdArg(p, 0)
	if !ok {
		return -1
	}
	srcva := argUint64(p, 1)
	n := argInt(p, 2)
	if n < 0 {
		return -1
	}

	buf := make([]byte, n)
	if err := vm.CopyIn(p.PageTable, buf, uintptr(srcva)); err != nil {
		return -1
	}
	wrote, err := f.Write(buf)
	if err != nil {
		return -1
	}
	return wrote
}

func sysClose(p *proc.Proc) int {
	fd, f, ok := fdArg(p, 0)
	if !ok {
		return -1
	}
	p.OpenFiles[fd] = nil
	f.Close()
	return 0
}

func sysDup(p *proc.Proc) int {
	_, f, ok := fdArg(p, 0)
	if !ok {
		return -1
	}
	dup := f.Dup()
	nfd, ok2 := allocFD(p, dup)
	if !ok2 {
		dup.Close()
		return -1
	}
	return nfd
}

func putInt32(b []byte, v int32)   { putUint32(b, uint32(v)) }
func putUint32(b []byte, v uint32) { b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24) }
func putInt16(b []byte, v int16)   { b[0], b[1] = byte(v), byte(v>>8) }
func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
