// Package uart drives a 16550-compatible UART: an interrupt-driven output
// ring buffer for ordinary kernel/user output, plus a separate synchronous
// path used for panic output when interrupts can't be relied on.
package uart

import (
	"unsafe"

	"github.com/mazarin-systems/riscv-kernel/internal/arch"
	"github.com/mazarin-systems/riscv-kernel/internal/spinlock"
)

const Base = 0x10000000

// Register offsets from Base, all byte-wide (16550 with a 1-byte stride).
const (
	rhr = 0 // receive holding register (read)
	thr = 0 // transmit holding register (write)
	ier = 1 // interrupt enable register
	fcr = 2 // FIFO control register
	lcr = 3 // line control register
	lsr = 5 // line status register
)

const (
	ierRxEnable = 1 << 0
	ierTxEnable = 1 << 1

	fcrFifoEnable = 1 << 0
	fcrFifoClear  = 3 << 1

	lcrEightBits = 3
	lcrBaudLatch = 1 << 7

	lsrRxReady = 1 << 0
	lsrTxIdle  = 1 << 5
)

func reg(offset int) uintptr { return Base + uintptr(offset) }

const txBufSize = 32

var (
	txLock   spinlock.Spinlock
	txBuf    [txBufSize]byte
	txW, txR uint64
	panicked bool

	// Sleep/Wakeup are wired at boot to proc.Sleep/proc.Wakeup. uart
	// sits below proc in the dependency order (proc's trap handling
	// calls into uart, not the reverse), so it can't import proc
	// directly without a cycle; the same function-variable wiring
	// proc itself uses for forkret's return into trap.
	Sleep  func(chanAddr uintptr, lk *spinlock.Spinlock)
	Wakeup func(chanAddr uintptr)

	// RxHook, when set, is called with each received byte; the line
	// discipline that turns raw bytes into console input lines is out
	// of scope for this kernel, so by default received bytes are
	// simply dropped after being drained from the FIFO.
	RxHook func(c byte)
)

func init() {
	txLock = *spinlock.New("uart_tx")
}

// Init programs the UART for 38.4K baud, 8 data bits, no parity, one stop
// bit, and enables the receiver and transmitter-empty interrupts.
func Init() {
	arch.MMIOWrite8(reg(ier), 0)

	arch.MMIOWrite8(reg(lcr), lcrBaudLatch)
	arch.MMIOWrite8(reg(0), 0x03) // divisor low byte
	arch.MMIOWrite8(reg(1), 0x00) // divisor high byte

	arch.MMIOWrite8(reg(lcr), lcrEightBits)

	arch.MMIOWrite8(reg(fcr), fcrFifoEnable|fcrFifoClear)

	arch.MMIOWrite8(reg(ier), ierTxEnable|ierRxEnable)
}

// SetPanicked marks the UART's synchronous path as the only one to be
// trusted; PutC freezes once this is set, so a panicking hart's output
// is never interleaved with buffered bytes from anyone else.
func SetPanicked() { panicked = true }

// txRChan gives the ring's read cursor a stable address to use as a
// sleep/wakeup channel.
func txRChan() uintptr { return uintptr(unsafe.Pointer(&txR)) }

// PutC queues c for transmission, sleeping (not spinning) if the ring
// buffer is full. start is kicked after every byte queued; the rest
// drains as TX-empty interrupts arrive.
func PutC(c byte) {
	txLock.Acquire()
	defer txLock.Release()

	for {
		if panicked {
			for {
			}
		}
		if txW == txR+txBufSize {
			if Sleep == nil {
				panic("uart: putc: sleep not wired")
			}
			Sleep(txRChan(), &txLock)
			continue
		}
		break
	}

	txBuf[txW%txBufSize] = c
	txW++
	start()
}

// PutCSync writes c directly to the transmit holding register, busy-
// waiting for the UART to go idle first. Used for panic/diagnostic
// output where sleeping or relying on an interrupt firing isn't safe.
func PutCSync(c byte) {
	spinlock.PushOff()
	defer spinlock.PopOff()

	for arch.MMIORead8(reg(lsr))&lsrTxIdle == 0 {
	}
	arch.MMIOWrite8(reg(thr), c)
}

// start drains as much of the ring buffer into the transmit holding
// register as the UART will currently accept. Caller must hold txLock.
func start() {
	for {
		if txW == txR {
			return
		}
		if arch.MMIORead8(reg(lsr))&lsrTxIdle == 0 {
			return
		}
		c := txBuf[txR%txBufSize]
		txR++
		if Wakeup != nil {
			Wakeup(txRChan())
		}
		arch.MMIOWrite8(reg(thr), c)
	}
}

// GetC polls the receive holding register, returning -1 if no byte is
// waiting.
func GetC() int {
	if arch.MMIORead8(reg(lsr))&lsrRxReady == 0 {
		return -1
	}
	return int(arch.MMIORead8(reg(rhr)))
}

// Intr handles a UART interrupt: drain every waiting received byte to
// RxHook, then acquire txLock and drain the transmit ring.
func Intr() {
	for {
		c := GetC()
		if c < 0 {
			break
		}
		if RxHook != nil {
			RxHook(byte(c))
		}
	}

	txLock.Acquire()
	start()
	txLock.Release()
}
