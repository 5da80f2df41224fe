package bitfield

// PTEFlags is the low byte of a Sv39 page-table-entry: the permission and
// status bits that sit below the 44-bit physical page number. Entries are
// built from raw shift constants where they are written; this decode
// exists for the walkers and checks that need to ask questions of one.
type PTEFlags struct {
	Valid      bool `bitfield:",1"` // V: entry is a valid mapping
	Readable   bool `bitfield:",1"` // R
	Writable   bool `bitfield:",1"` // W
	Executable bool `bitfield:",1"` // X
	User       bool `bitfield:",1"` // U: accessible from user mode
	Global     bool `bitfield:",1"` // G
	Accessed   bool `bitfield:",1"` // A
	Dirty      bool `bitfield:",1"` // D
}

// UnpackPTEFlags extracts the flag bits from a full PTE word.
func UnpackPTEFlags(pte uint64) PTEFlags {
	var flags PTEFlags
	_ = Unpack(pte&0xFF, &flags)
	return flags
}

// IsLeaf reports whether a PTE with the given flags points at data rather
// than at the next page-table level: a Sv39 PTE is a leaf as soon as any
// of R/W/X is set.
func (f PTEFlags) IsLeaf() bool {
	return f.Readable || f.Writable || f.Executable
}
