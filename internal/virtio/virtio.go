// Package virtio drives a legacy virtio-mmio block device: the disk
// backing the block cache, probed and wired up the way QEMU's virt
// machine exposes it.
package virtio

import (
	"fmt"
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/arch"
	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
)

const Base = 0x10001000

// MMIO register offsets, per the virtio 1.0 legacy MMIO transport.
const (
	regMagicValue      = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00c
	regDeviceFeatures  = 0x010
	regDriverFeatures  = 0x020
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptAck    = 0x064
	regStatus          = 0x070
	regQueueDescLow    = 0x080
	regQueueDescHigh   = 0x084
	regDriverDescLow   = 0x090
	regDriverDescHigh  = 0x094
	regDeviceDescLow   = 0x0a0
	regDeviceDescHigh  = 0x0a4
)

const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8

	blkFRO           = 5
	blkFSCSI         = 7
	blkFConfigWCE    = 11
	blkFMQ           = 12
	fAnyLayout       = 27
	ringFEventIdx    = 29
	ringFIndirectDesc = 28
)

// NUM is the queue depth: how many descriptors the driver hands the
// device, and therefore how many block commands can be in flight at
// once (three descriptors per command).
const NUM = 8

// BlockSize is the unit callers read and write; the device itself
// speaks 512-byte sectors, so each command covers two.
const (
	BlockSize  = 1024
	sectorSize = 512
)

const (
	descFNext  = 1
	descFWrite = 2
)

const (
	blkTIn  = 0
	blkTOut = 1
)

// VirtqDesc is one entry of the descriptor table, laid out exactly as
// the virtio spec and the device's DMA engine expect.
type VirtqDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// VirtqAvail is the driver-owned ring of descriptor-chain heads the
// device should process.
type VirtqAvail struct {
	Flags uint16
	Idx   uint16
	Ring  [NUM]uint16
}

// VirtqUsedElem/VirtqUsed is the device-owned ring of completed chains.
type VirtqUsedElem struct {
	ID  uint32
	Len uint32
}

type VirtqUsed struct {
	Flags uint16
	Idx   uint16
	Ring  [NUM]VirtqUsedElem
}

// BlkReq is the legacy virtio-blk request header, one descriptor's worth
// of "what kind of operation and which sector".
type BlkReq struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Buf is the unit of disk I/O: one block's worth of data plus the
// bookkeeping the block driver and its callers (the buffer cache, once
// wired in) share. Disk is 1 while the device owns the buffer.
type Buf struct {
	Valid   bool
	Disk    int32
	BlockNo uint64
	Data    [BlockSize]byte
}

type inflight struct {
	b      *Buf
	status byte
}

// Allocator supplies page-sized, page-aligned physical memory for the
// descriptor table and the two rings: the Alloc half of vm.Allocator.
type Allocator interface {
	Alloc() uintptr
}

type disk struct {
	desc   *[NUM]VirtqDesc
	avail  *VirtqAvail
	used   *VirtqUsed
	free   [NUM]bool
	usedIdx uint16

	info [NUM]inflight
	ops  [NUM]BlkReq

	lock spinlock.Spinlock

	// Sleep/Wakeup wired at boot to proc.Sleep/proc.Wakeup, same
	// reason uart wires them: this package sits below proc.
	Sleep  func(chanAddr uintptr, lk *spinlock.Spinlock)
	Wakeup func(chanAddr uintptr)
}

var d disk

func init() {
	d.lock = *spinlock.New("virtio_disk")
}

func reg32(offset uintptr) uintptr { return Base + offset }

// SetSleepWakeup wires the blocking primitives Rw needs to wait for a
// completion interrupt.
func SetSleepWakeup(sleep func(uintptr, *spinlock.Spinlock), wakeup func(uintptr)) {
	d.Sleep = sleep
	d.Wakeup = wakeup
}

// Init probes the device, negotiates features, and sets up queue 0. It
// panics if the device isn't present or doesn't match what this driver
// was written against — a kernel whose one disk is missing has nothing
// useful left to do, so there is no graceful "no disk" path.
func Init(a Allocator) {
	if arch.MMIORead32(reg32(regMagicValue)) != 0x74726976 ||
		arch.MMIORead32(reg32(regVersion)) != 2 ||
		arch.MMIORead32(reg32(regDeviceID)) != 2 ||
		arch.MMIORead32(reg32(regVendorID)) != 0x554d4551 {
		panic("virtio: disk not found")
	}

	var status uint32 = 0
	arch.MMIOWrite32(reg32(regStatus), status)

	status |= statusAcknowledge
	arch.MMIOWrite32(reg32(regStatus), status)

	status |= statusDriver
	arch.MMIOWrite32(reg32(regStatus), status)

	features := arch.MMIORead32(reg32(regDeviceFeatures))
	features &^= 1 << blkFRO
	features &^= 1 << blkFSCSI
	features &^= 1 << blkFConfigWCE
	features &^= 1 << blkFMQ
	features &^= 1 << fAnyLayout
	features &^= 1 << ringFEventIdx
	features &^= 1 << ringFIndirectDesc
	arch.MMIOWrite32(reg32(regDriverFeatures), features)

	status |= statusFeaturesOK
	arch.MMIOWrite32(reg32(regStatus), status)

	status = arch.MMIORead32(reg32(regStatus))
	if status&statusFeaturesOK == 0 {
		panic("virtio: disk FEATURES_OK unset")
	}

	arch.MMIOWrite32(reg32(regQueueSel), 0)
	if arch.MMIORead32(reg32(regQueueReady)) != 0 {
		panic("virtio: disk queue 0 already in use")
	}

	max := arch.MMIORead32(reg32(regQueueNumMax))
	if max == 0 {
		panic("virtio: disk has no queue 0")
	}
	if max < NUM {
		panic("virtio: disk max queue too short")
	}

	descPa := a.Alloc()
	availPa := a.Alloc()
	usedPa := a.Alloc()
	if descPa == 0 || availPa == 0 || usedPa == 0 {
		panic("virtio: disk out of memory for queue")
	}
	d.desc = (*[NUM]VirtqDesc)(unsafe.Pointer(descPa))
	d.avail = (*VirtqAvail)(unsafe.Pointer(availPa))
	d.used = (*VirtqUsed)(unsafe.Pointer(usedPa))
	*d.desc = [NUM]VirtqDesc{}
	*d.avail = VirtqAvail{}
	*d.used = VirtqUsed{}

	arch.MMIOWrite32(reg32(regQueueNum), NUM)

	arch.MMIOWrite32(reg32(regQueueDescLow), uint32(descPa))
	arch.MMIOWrite32(reg32(regQueueDescHigh), uint32(descPa>>32))
	arch.MMIOWrite32(reg32(regDriverDescLow), uint32(availPa))
	arch.MMIOWrite32(reg32(regDriverDescHigh), uint32(availPa>>32))
	arch.MMIOWrite32(reg32(regDeviceDescLow), uint32(usedPa))
	arch.MMIOWrite32(reg32(regDeviceDescHigh), uint32(usedPa>>32))

	arch.MMIOWrite32(reg32(regQueueReady), 1)

	for i := range d.free {
		d.free[i] = true
	}

	status |= statusDriverOK
	arch.MMIOWrite32(reg32(regStatus), status)
}

func allocDesc() int {
	for i := 0; i < NUM; i++ {
		if d.free[i] {
			d.free[i] = false
			return i
		}
	}
	return -1
}

func freeDesc(i int) {
	if i >= NUM {
		panic("virtio: free_desc: out of range")
	}
	if d.free[i] {
		panic("virtio: free_desc: already free")
	}
	d.desc[i] = VirtqDesc{}
	d.free[i] = true
	if d.Wakeup != nil {
		d.Wakeup(freeChan())
	}
}

func freeChain(i int) {
	for {
		flags := d.desc[i].Flags
		next := d.desc[i].Next
		freeDesc(i)
		if flags&descFNext != 0 {
			i = int(next)
		} else {
			break
		}
	}
}

func alloc3Desc() ([3]int, bool) {
	var idx [3]int
	for i := 0; i < 3; i++ {
		idx[i] = allocDesc()
		if idx[i] < 0 {
			for j := 0; j < i; j++ {
				freeDesc(idx[j])
			}
			return idx, false
		}
	}
	return idx, true
}

func freeChan() uintptr { return uintptr(unsafe.Pointer(&d.free[0])) }

// Rw performs one synchronous (from the caller's point of view) block
// transfer: it blocks the calling process, not the hart, until Intr
// reports completion.
func Rw(b *Buf, write bool) {
	sector := b.BlockNo * (BlockSize / sectorSize)

	d.lock.Acquire()

	var idx [3]int
	for {
		var ok bool
		idx, ok = alloc3Desc()
		if ok {
			break
		}
		if d.Sleep == nil {
			panic("virtio: rw: sleep not wired")
		}
		d.Sleep(freeChan(), &d.lock)
	}

	req := &d.ops[idx[0]]
	if write {
		req.Type = blkTOut
	} else {
		req.Type = blkTIn
	}
	req.Reserved = 0
	req.Sector = sector

	d.desc[idx[0]] = VirtqDesc{
		Addr:  uint64(uintptr(unsafe.Pointer(req))),
		Len:   uint32(unsafe.Sizeof(BlkReq{})),
		Flags: descFNext,
		Next:  uint16(idx[1]),
	}

	dataFlags := uint16(descFNext)
	if !write {
		dataFlags |= descFWrite
	}
	d.desc[idx[1]] = VirtqDesc{
		Addr:  uint64(uintptr(unsafe.Pointer(&b.Data[0]))),
		Len:   uint32(len(b.Data)),
		Flags: dataFlags,
		Next:  uint16(idx[2]),
	}

	d.info[idx[0]].status = 0xff
	d.desc[idx[2]] = VirtqDesc{
		Addr:  uint64(uintptr(unsafe.Pointer(&d.info[idx[0]].status))),
		Len:   1,
		Flags: descFWrite,
	}

	b.Disk = 1
	d.info[idx[0]].b = b

	d.avail.Ring[d.avail.Idx%NUM] = uint16(idx[0])
	arch.Fence()
	d.avail.Idx++
	arch.Fence()

	arch.MMIOWrite32(reg32(regQueueNotify), 0)

	for b.Disk == 1 {
		if d.Sleep == nil {
			panic("virtio: rw: sleep not wired")
		}
		d.Sleep(uintptr(unsafe.Pointer(b)), &d.lock)
	}

	d.info[idx[0]].b = nil
	freeChain(idx[0])

	d.lock.Release()
}

// Intr handles a completion interrupt: acknowledge it, then drain every
// newly completed chain from the used ring and wake its waiter.
func Intr() {
	d.lock.Acquire()

	status := arch.MMIORead32(reg32(regInterruptStatus))
	arch.MMIOWrite32(reg32(regInterruptAck), status&0x3)

	arch.Fence()

	for d.usedIdx != d.used.Idx {
		arch.Fence()
		id := d.used.Ring[d.usedIdx%NUM].ID

		if d.info[id].status != 0 {
			panic(fmt.Sprintf("virtio: intr: request %d failed, status=%d", id, d.info[id].status))
		}

		b := d.info[id].b
		b.Disk = 0
		if d.Wakeup != nil {
			d.Wakeup(uintptr(unsafe.Pointer(b)))
		}

		d.usedIdx++
	}

	d.lock.Release()
}
