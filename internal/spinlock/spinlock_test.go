package spinlock

import (
	"testing"

	"github.com/mazarin-systems/riscv-kernel/internal/arch"
)

func TestAcquireReleaseTogglesHolding(t *testing.T) {
	l := New("test")

	if l.Holding() {
		t.Fatal("Holding() on a fresh lock = true, want false")
	}
	l.Acquire()
	if !l.Holding() {
		t.Fatal("Holding() after Acquire() = false, want true")
	}
	if arch.IntrGet() {
		t.Error("interrupts enabled while a spinlock is held")
	}
	l.Release()
	if l.Holding() {
		t.Fatal("Holding() after Release() = true, want false")
	}
}

func TestRecursiveAcquirePanics(t *testing.T) {
	l := New("test")
	l.Acquire()
	defer l.Release()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("second Acquire() of a held lock did not panic")
			}
			// The failed Acquire got as far as its PushOff; undo it so
			// the nesting count is balanced for the deferred Release.
			PopOff()
		}()
		l.Acquire()
	}()
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	l := New("test")
	defer func() {
		if recover() == nil {
			t.Error("Release() of an unheld lock did not panic")
		}
	}()
	l.Release()
}

func TestPushOffPopOffRestoresInterruptState(t *testing.T) {
	arch.IntrOn()

	PushOff()
	if arch.IntrGet() {
		t.Fatal("interrupts still enabled after PushOff()")
	}
	PushOff()
	PopOff()
	if arch.IntrGet() {
		t.Fatal("interrupts re-enabled before the outermost PopOff()")
	}
	PopOff()
	if !arch.IntrGet() {
		t.Fatal("outermost PopOff() did not restore interrupts")
	}

	// When interrupts were off at the outermost push, they stay off.
	arch.IntrOff()
	PushOff()
	PopOff()
	if arch.IntrGet() {
		t.Fatal("PopOff() enabled interrupts that were off before PushOff()")
	}
}

func TestUnbalancedPopOffPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("PopOff() without a matching PushOff() did not panic")
		}
	}()
	arch.IntrOff()
	PopOff()
}
