package pvh

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/bobuhiro11/microvm/memory"
)

// ErrNoPHYS32EntryNote is returned when an ELF64 image has no PT_NOTE
// segment carrying a Xen PHYS32_ENTRY note, meaning it isn't a PVH kernel.
var ErrNoPHYS32EntryNote = errors.New("pvh: no Xen PHYS32_ENTRY note found")

const (
	// xenElfnotePhys32Entry is XEN_ELFNOTE_PHYS32_ENTRY, the note type a PVH
	// kernel uses to advertise its 32-bit entry point.
	xenElfnotePhys32Entry = 18

	// startMagic is XEN_HVM_START_MAGIC_VALUE, written into hvm_start_info
	// so the kernel can confirm it was handed a PVH boot block.
	startMagic = 0x336ec578

	// memmapTypeRAM is XEN_HVM_MEMMAP_TYPE_RAM.
	memmapTypeRAM = 1

	ebdaStart       = 0x9fc00
	highMemoryStart = memory.HighMemoryStart

	elfNoteHeaderSize = 12 // Elf64_Nhdr: n_namesz, n_descsz, n_type, all uint32
	ptNote            = 4  // ELF PT_NOTE program header type
)

// StartInfo mirrors Xen's struct hvm_start_info (public/arch-x86/hvm/start_info.h),
// the header a PVH kernel finds in %ebx at entry.
type StartInfo struct {
	Magic          uint32
	Version        uint32
	Flags          uint32
	NrModules      uint32
	ModlistPAddr   uint64
	CmdlinePAddr   uint64
	RSDPPAddr      uint64
	MemmapPAddr    uint64 // version 1
	MemmapEntries  uint32 // version 1
	_              uint32 // reserved, version 1
}

// MemmapEntry mirrors struct hvm_memmap_table_entry.
type MemmapEntry struct {
	Addr     uint64
	Size     uint64
	Type     uint32
	Reserved uint32
}

// FindEntryPoint scans an ELF64 image's PT_NOTE segments for the Xen
// PHYS32_ENTRY note and returns the 32-bit entry address it advertises.
// phdrs is the image's program header table; image is the full file.
func FindEntryPoint(image []byte, phdrs []Elf64Phdr) (uint32, error) {
	for _, phdr := range phdrs {
		if phdr.Type != ptNote {
			continue
		}

		end := phdr.Offset + phdr.Filesz
		offset := phdr.Offset

		for offset < end {
			if offset+elfNoteHeaderSize > uint64(len(image)) {
				break
			}

			nameSize := binary.LittleEndian.Uint32(image[offset:])
			descSize := binary.LittleEndian.Uint32(image[offset+4:])
			noteType := binary.LittleEndian.Uint32(image[offset+8:])
			offset += elfNoteHeaderSize

			name := image[offset : offset+uint64(nameSize)]
			offset += roundUp4(uint64(nameSize))

			desc := image[offset : offset+uint64(descSize)]
			offset += roundUp4(uint64(descSize))

			if string(name) == "Xen\x00" && noteType == xenElfnotePhys32Entry {
				if len(desc) < 4 {
					return 0, ErrNoPHYS32EntryNote
				}

				return binary.LittleEndian.Uint32(desc), nil
			}
		}
	}

	return 0, ErrNoPHYS32EntryNote
}

func roundUp4(n uint64) uint64 {
	if n%4 == 0 {
		return n
	}

	return n + (4 - n%4)
}

// Elf64Phdr is the subset of an ELF64 program header this package needs to
// walk PT_NOTE segments; the bootproto package owns the full ELF parser.
type Elf64Phdr struct {
	Type   uint32
	Offset uint64
	Filesz uint64
}

// WriteStartInfo allocates and writes the hvm_start_info block, an optional
// command line, and the two-entry RAM memory map a PVH kernel expects,
// starting at exeEnd (the first guest-physical address past the loaded
// kernel image). It returns the guest-physical address of the start_info
// block itself, which goes in %ebx per the PVH boot ABI.
func WriteStartInfo(guest *memory.Guest, exeEnd uint64, cmdline string) (uint64, error) {
	alloc := memory.NewRangeAllocator(exeEnd)

	paramsAddr := alloc.Alloc(uint64(binary.Size(StartInfo{})), 8)

	var cmdlinePAddr uint64

	if cmdline != "" {
		raw := append([]byte(cmdline), 0)
		addr := alloc.Alloc(uint64(len(raw)), 1)

		if err := guest.CopyTo(addr, raw); err != nil {
			return 0, err
		}

		cmdlinePAddr = addr
	}

	entries := []MemmapEntry{
		{Addr: 0, Size: ebdaStart, Type: memmapTypeRAM},
		{Addr: highMemoryStart, Size: uint64(guest.Size()) - highMemoryStart, Type: memmapTypeRAM},
	}

	memmapAddr := alloc.Alloc(uint64(binary.Size(MemmapEntry{}))*uint64(len(entries)), 8)

	var memmapBuf bytes.Buffer
	if err := binary.Write(&memmapBuf, binary.LittleEndian, entries); err != nil {
		return 0, err
	}

	if err := guest.CopyTo(memmapAddr, memmapBuf.Bytes()); err != nil {
		return 0, err
	}

	info := StartInfo{
		Magic:         startMagic,
		Version:       1,
		CmdlinePAddr:  cmdlinePAddr,
		MemmapPAddr:   memmapAddr,
		MemmapEntries: uint32(len(entries)),
	}

	var infoBuf bytes.Buffer
	if err := binary.Write(&infoBuf, binary.LittleEndian, info); err != nil {
		return 0, err
	}

	if err := guest.CopyTo(paramsAddr, infoBuf.Bytes()); err != nil {
		return 0, err
	}

	return paramsAddr, nil
}
