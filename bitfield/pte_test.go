package bitfield

import "testing"

func TestUnpackPTEFlags(t *testing.T) {
	tests := []struct {
		name string
		pte  uint64
		want PTEFlags
	}{
		{"all clear", 0x00, PTEFlags{}},
		{"valid only", 0x01, PTEFlags{Valid: true}},
		{"valid+read+write", 0x07, PTEFlags{Valid: true, Readable: true, Writable: true}},
		{"leaf user rwx", 0x1F, PTEFlags{Valid: true, Readable: true, Writable: true, Executable: true, User: true}},
		{"accessed+dirty", 0xC1, PTEFlags{Valid: true, Accessed: true, Dirty: true}},
		{"every flag", 0xFF, PTEFlags{Valid: true, Readable: true, Writable: true, Executable: true, User: true, Global: true, Accessed: true, Dirty: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnpackPTEFlags(tt.pte); got != tt.want {
				t.Errorf("UnpackPTEFlags(%#x) = %+v, want %+v", tt.pte, got, tt.want)
			}
		})
	}
}

func TestUnpackPTEFlagsIgnoresPhysicalPageNumber(t *testing.T) {
	// A PPN occupying the high bits must not leak into the unpacked flags.
	pte := uint64(0x1FFFFFFFFFF)<<10 | 0x0B
	want := PTEFlags{Valid: true, Readable: true, Executable: true}
	if got := UnpackPTEFlags(pte); got != want {
		t.Errorf("UnpackPTEFlags(%#x) = %+v, want %+v", pte, got, want)
	}
}

func TestIsLeaf(t *testing.T) {
	tests := []struct {
		name string
		f    PTEFlags
		leaf bool
	}{
		{"pointer to next level", PTEFlags{Valid: true}, false},
		{"readable leaf", PTEFlags{Valid: true, Readable: true}, true},
		{"executable leaf", PTEFlags{Valid: true, Executable: true}, true},
		{"invalid but would-be-leaf bits", PTEFlags{Readable: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.IsLeaf(); got != tt.leaf {
				t.Errorf("IsLeaf() = %v, want %v", got, tt.leaf)
			}
		})
	}
}
