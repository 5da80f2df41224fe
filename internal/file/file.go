// Package file implements the open-file-description layer every process
// table slot's fd array points into: a refcounted File shared across
// every fd that duplicated it via dup() or fork(), backed either by a
// pipe end or — once wired in — the out-of-scope filesystem collaborator.
package file

import (
	"fmt"
	"sync/atomic"
)

// Inode is the narrow surface the on-disk filesystem layer (an external
// collaborator of this module) would implement to back a regular file.
// Nothing in this module provides one: open/link/unlink/mkdir/mknod/
// chdir/fstat on a real path have no concrete backend here, but syscall
// dispatch can already call through a File uniformly once one exists.
type Inode interface {
	Read(dst []byte, off int64) (int, error)
	Write(src []byte, off int64) (int, error)
	Close() error
	Stat() (Stat, error)
}

// Stat mirrors the handful of fields fstat() reports.
type Stat struct {
	Ino   uint32
	Type  int16
	Nlink int16
	Size  uint64
}

// File is one open file description. A single File may be referenced by
// several fd-table slots (after dup() or fork()); the underlying pipe
// end or inode is only actually closed once the last reference drops.
type File struct {
	Readable bool
	Writable bool

	Pipe interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Close(writable bool)
	}
	Inode Inode

	ref int32
}

// NewPipe wraps one end of a pipe as a File, readable xor writable
// depending on which end it is.
func NewPipe(p interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close(writable bool)
}, readable, writable bool) *File {
	return &File{Pipe: p, Readable: readable, Writable: writable, ref: 1}
}

// NewInode wraps a filesystem-collaborator-backed file as a File.
func NewInode(in Inode, readable, writable bool) *File {
	return &File{Inode: in, Readable: readable, Writable: writable, ref: 1}
}

// Dup increments the reference count and returns f unchanged: there is
// exactly one File per pipe end or inode no matter how many fd slots or
// processes point at it. The count is atomic because fork on one hart
// can race close on another.
func (f *File) Dup() *File {
	if f == nil {
		return nil
	}
	atomic.AddInt32(&f.ref, 1)
	return f
}

// Close drops one reference. The underlying pipe end or inode is only
// actually closed when the last reference goes away.
func (f *File) Close() {
	if f == nil {
		return
	}
	if atomic.AddInt32(&f.ref, -1) > 0 {
		return
	}
	switch {
	case f.Pipe != nil:
		f.Pipe.Close(f.Writable)
	case f.Inode != nil:
		_ = f.Inode.Close()
	}
}

// Read and Write dispatch to whichever backend this File wraps. Both
// operate on plain kernel-side buffers: the syscall layer is responsible
// for the user<->kernel copy (vm.CopyIn/CopyOut) before and after, so
// every backend — pipes today, inodes once the filesystem collaborator
// exists — shares one copy path instead of each reimplementing it.
func (f *File) Read(dst []byte) (int, error) {
	switch {
	case f == nil || !f.Readable:
		return 0, fmt.Errorf("file: read: not readable")
	case f.Pipe != nil:
		return f.Pipe.Read(dst)
	case f.Inode != nil:
		return f.Inode.Read(dst, 0)
	default:
		return 0, fmt.Errorf("file: read: no backing store")
	}
}

func (f *File) Write(src []byte) (int, error) {
	switch {
	case f == nil || !f.Writable:
		return 0, fmt.Errorf("file: write: not writable")
	case f.Pipe != nil:
		return f.Pipe.Write(src)
	case f.Inode != nil:
		return f.Inode.Write(src, 0)
	default:
		return 0, fmt.Errorf("file: write: no backing store")
	}
}
