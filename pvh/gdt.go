// Package pvh builds the flat GDT/IDT used by every 32-bit boot protocol
// (bzImage, Multiboot, PVH itself) and the Xen PVH entry-point contract:
// the hvm_start_info structure, its memmap, and the ELF PT_NOTE scan that
// finds a PVH kernel's 32-bit entry point.
package pvh

import "github.com/bobuhiro11/microvm/kvm"

// Segment descriptor templates, one GDT slot each. access/flags follow the
// x86 GDT descriptor byte layout directly; flag packs them as
// access | (flagsNibble << 12) for GdtEntry/SegmentFromGDT.
const (
	// __BOOT_CS / __BOOT_CS64 (selector 0x10)
	codeSegment32Flag = 0xc09b
	codeSegment64Flag = 0xa09b

	// __BOOT_DS (selector 0x18)
	dataSegmentFlag = 0xc093

	// TSS (selector 0x20)
	tssSegmentFlag = 0x008b
)

const (
	limit4G  = 0xffffffff
	limit1M  = 0xfffff
	tssLimit = 0x67
)

// GdtEntry packs a GDT descriptor's base/limit/access/flags into the raw
// 8-byte little-endian entry the guest's GDT holds. flag's low byte is the
// access byte; bits 12-15 are the 4-bit flags nibble (G, DB, L, AVL).
func GdtEntry(flag uint16, base, limit uint32) uint64 {
	access := uint64(flag & 0xff)
	flags := uint64((flag >> 12) & 0xf)
	b, l := uint64(base), uint64(limit)

	entry := (b & 0xffff) << 16
	entry |= (b & 0xff0000) << 16
	entry |= (b & 0xff000000) << 32
	entry |= l & 0xffff
	entry |= (l & 0xf0000) << 32
	entry |= access << 40
	entry |= flags << 52

	return entry
}

// SegmentFromGDT decodes a raw GDT entry (as produced by GdtEntry) back
// into the register layout KVM's KVM_SET_SREGS expects, with the selector
// computed from tableIndex (the entry's position in the GDT, each slot 8
// bytes apart).
func SegmentFromGDT(entry uint64, tableIndex uint8) kvm.Segment {
	base := uint32((entry>>16)&0xffff | (entry>>32)&0xff<<16 | (entry>>56)&0xff<<24)
	rawLimit := uint32(entry&0xffff | (entry>>48)&0xf<<16)
	access := uint8((entry >> 40) & 0xff)
	flags := uint8((entry >> 52) & 0xf)

	g := (flags >> 3) & 1

	limit := rawLimit
	if g == 1 {
		limit = (rawLimit << 12) | 0xfff
	}

	return kvm.Segment{
		Base:     uint64(base),
		Limit:    limit,
		Selector: uint16(tableIndex) * 8,
		Typ:      access & 0xf,
		S:        (access >> 4) & 1,
		DPL:      (access >> 5) & 3,
		Present:  (access >> 7) & 1,
		DB:       (flags >> 2) & 1,
		L:        (flags >> 1) & 1,
		G:        g,
		AVL:      flags & 1,
		Unusable: (^access >> 7) & 1,
	}
}

// CreateGDT builds the 32-bit flat GDT: null, 32-bit code, data, TSS -- the
// layout every 32-bit entry protocol (bzImage, Multiboot, PVH) shares.
func CreateGDT() []uint64 {
	return []uint64{
		0, // null
		GdtEntry(codeSegment32Flag, 0, limit4G),
		GdtEntry(dataSegmentFlag, 0, limit4G),
		GdtEntry(tssSegmentFlag, 0, tssLimit),
	}
}

// CreateGDT64 builds the long-mode GDT used by the 64-bit (vmlinux/ELF64)
// entry protocol: the code segment carries L=1 instead of DB=1, and the
// TSS descriptor needs an extra qword for its upper 32 base bits.
func CreateGDT64() []uint64 {
	return []uint64{
		0, // null
		GdtEntry(codeSegment64Flag, 0, limit1M),
		GdtEntry(dataSegmentFlag, 0, limit4G),
		GdtEntry(tssSegmentFlag, 0, tssLimit),
		0, // upper 32 bits of TSS base
	}
}

// CreateIDT returns an empty (unused) IDT for the 32-bit protocols.
func CreateIDT() []uint64 { return []uint64{0} }

// CreateIDT64 returns an empty (unused) IDT for the 64-bit protocol.
func CreateIDT64() []uint64 { return []uint64{0, 0} }

// CodeSelector and DataSelector/TSSSelector are the fixed selectors implied
// by CreateGDT's/CreateGDT64's slot ordering.
const (
	CodeSelector = 0x8
	DataSelector = 0x10
	TSSSelector  = 0x18
)

// DataSegment, TSSSegment are the segment register contents every protocol
// installs into ds/es/fs/gs/ss and tr respectively.
func DataSegment() kvm.Segment { return SegmentFromGDT(GdtEntry(dataSegmentFlag, 0, limit4G), 2) }
func TSSSegment() kvm.Segment  { return SegmentFromGDT(GdtEntry(tssSegmentFlag, 0, tssLimit), 3) }

// CodeSegment32, CodeSegment64 are the code segment register contents for
// the 32-bit and 64-bit entry protocols respectively.
func CodeSegment32() kvm.Segment {
	return SegmentFromGDT(GdtEntry(codeSegment32Flag, 0, limit4G), 1)
}

func CodeSegment64() kvm.Segment {
	return SegmentFromGDT(GdtEntry(codeSegment64Flag, 0, limit1M), 1)
}
