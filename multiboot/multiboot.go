// Package multiboot writes the Multiboot v1 information structure a
// Multiboot-compliant kernel expects in %ebx on entry, per
// https://www.gnu.org/software/grub/manual/multiboot/multiboot.html.
package multiboot

import (
	"bytes"
	"encoding/binary"

	"github.com/bobuhiro11/microvm/memory"
)

// Info flag bits (multiboot_info_t.flags).
const (
	InfoMemory   uint32 = 1 << 0
	InfoCmdline  uint32 = 1 << 2
	InfoMods     uint32 = 1 << 3
	InfoMemMap   uint32 = 1 << 6
)

// BootloaderMagic is MULTIBOOT_BOOTLOADER_MAGIC, the value a Multiboot
// kernel expects in %eax at entry.
const BootloaderMagic = 0x2badb002

const (
	// ModuleAlign is MULTIBOOT_MOD_ALIGN, the alignment each loaded module
	// (the initrd) is placed at.
	ModuleAlign = 0x1000

	// InfoAlign is MULTIBOOT_INFO_ALIGN, the alignment the info structure
	// itself is placed at.
	InfoAlign = 4

	memoryAvailable uint32 = 1
)

// Info mirrors multiboot_info_t up to the VBE fields (the framebuffer
// fields are omitted). WriteInfo fills in only the flags, memory map,
// modules and an optional command line; the other fields stay zero.
type Info struct {
	Flags           uint32
	MemLower        uint32
	MemUpper        uint32
	BootDeviceField uint32
	Cmdline         uint32
	ModsCount       uint32
	ModsAddr        uint32
	Syms            [4]uint32
	MmapLength      uint32
	MmapAddr        uint32
	DrivesLength    uint32
	DrivesAddr      uint32
	ConfigTable     uint32
	BootLoaderName  uint32
	APMTable        uint32
	VBEControlInfo  uint32
	VBEModeInfo     uint32
	VBEMode         uint16
	VBEInterfaceSeg uint16
	VBEInterfaceOff uint16
	VBEInterfaceLen uint16
}

// Module mirrors multiboot_module_t: the location of one loaded module
// (the initrd) and an optional per-module command line.
type Module struct {
	ModStart uint32
	ModEnd   uint32
	Cmdline  uint32
	Pad      uint32
}

// MemoryMapEntry mirrors multiboot_memory_map_t: one BIOS-style memory
// range.
type MemoryMapEntry struct {
	Size uint32
	Addr uint64
	Len  uint64
	Type uint32
}

// ModuleImage is a named module image to embed (the initrd, typically the only
// one a minimal loader carries).
type ModuleImage struct {
	Path string
	Data []byte
}

// WriteInfo allocates and writes the Multiboot info structure, its memory
// map, command line and module table into guest memory starting at
// exeEnd. It returns the guest-physical address of the info structure,
// which goes in %ebx per the Multiboot entry contract.
func WriteInfo(guest *memory.Guest, exeEnd uint64, cmdline string, modules []ModuleImage) (uint64, error) {
	alloc := memory.NewRangeAllocator(exeEnd)

	infoAddr := alloc.Alloc(uint64(binary.Size(Info{})), InfoAlign)
	modsAddr := alloc.Alloc(uint64(binary.Size(Module{}))*uint64(len(modules)), 4)
	mmapAddr := alloc.Alloc(uint64(binary.Size(MemoryMapEntry{})), 4)

	info := Info{
		Flags:      InfoMods | InfoMemMap,
		ModsCount:  uint32(len(modules)),
		ModsAddr:   uint32(modsAddr),
		MmapAddr:   uint32(mmapAddr),
		MmapLength: uint32(binary.Size(MemoryMapEntry{})),
	}

	if cmdline != "" {
		raw := append([]byte(cmdline), 0)
		addr := alloc.Alloc(uint64(len(raw)), 1)

		if err := guest.CopyTo(addr, raw); err != nil {
			return 0, err
		}

		info.Cmdline = uint32(addr)
		info.Flags |= InfoCmdline
	}

	modEntryAddr := modsAddr

	for _, mod := range modules {
		modStart := alloc.Alloc(uint64(len(mod.Data)), ModuleAlign)
		modEnd := modStart + uint64(len(mod.Data))

		pathBytes := append([]byte(mod.Path), 0)
		cmdAddr := alloc.Alloc(uint64(len(pathBytes)), 1)

		entry := Module{
			ModStart: uint32(modStart),
			ModEnd:   uint32(modEnd),
			Cmdline:  uint32(cmdAddr),
		}

		if err := writeStruct(guest, modEntryAddr, entry); err != nil {
			return 0, err
		}

		if err := guest.CopyTo(modStart, mod.Data); err != nil {
			return 0, err
		}

		if err := guest.CopyTo(cmdAddr, pathBytes); err != nil {
			return 0, err
		}

		modEntryAddr += uint64(binary.Size(Module{}))
	}

	if err := writeStruct(guest, infoAddr, info); err != nil {
		return 0, err
	}

	mmap := MemoryMapEntry{
		Size: uint32(binary.Size(MemoryMapEntry{})) - 4, // excludes the Size field itself
		Addr: memory.HighMemoryStart,
		Len:  uint64(guest.Size()) - memory.HighMemoryStart,
		Type: memoryAvailable,
	}

	if err := writeStruct(guest, mmapAddr, mmap); err != nil {
		return 0, err
	}

	return infoAddr, nil
}

func writeStruct(guest *memory.Guest, addr uint64, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}

	return guest.CopyTo(addr, buf.Bytes())
}
