// Package bootproto identifies and loads a kernel image, choosing among
// the boot protocols a type-2 hypervisor supports: PVH, 64-bit Linux,
// Multiboot, 32-bit Linux, and the Linux bzImage wrapper. The chooser
// order mirrors the fallback chain every loader of this kind uses: try
// the richest protocol the image's container format can support, and
// fall back from there.
package bootproto

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/bobuhiro11/microvm/bootparam"
	"github.com/bobuhiro11/microvm/memory"
	"github.com/bobuhiro11/microvm/multiboot"
	"github.com/bobuhiro11/microvm/platform"
	"github.com/bobuhiro11/microvm/pvh"
)

// ErrInvalidKernelImageFormat is returned when an image matches none of
// the supported boot protocols.
var ErrInvalidKernelImageFormat = errors.New("bootproto: unrecognized kernel image format")

// ErrCmdlineTooLong is returned when the command line exceeds the
// kernel's advertised setup_header.cmdline_size.
var ErrCmdlineTooLong = errors.New("bootproto: command line too long for this kernel")

// ErrInitrdTooLarge is returned when the initrd doesn't fit below the
// kernel's advertised setup_header.initrd_addr_max.
var ErrInitrdTooLarge = errors.New("bootproto: initrd too large for this kernel")

const (
	multibootHeaderMagic = 0x1badb002
	multibootSearch      = 8192 // bytes of the image header searched for the magic

	ptLoad = 1

	elfClass32     = 1
	elfClass64     = 2
	elfData2LSB    = 1
	elfMagic       = "\x7fELF"
	setupHeaderMagic = 0x53726448 // "HdrS"

	ebdaStart        = 0x9fc00
	bootparamBufSize = 4096
)

// Params is everything about a boot the caller controls: the command
// line, an optional initrd, and (for Multiboot) module images.
type Params struct {
	Cmdline string
	Initrd  []byte
	Modules []multiboot.ModuleImage
}

// Load identifies kernel's boot protocol and places it (and its boot
// parameters) into guest memory, returning the resulting entry point and
// protocol contract.
func Load(guest *memory.Guest, kernel []byte, params Params) (*platform.Bootable, error) {
	if exe, err := loadELF64(guest, kernel); err == nil {
		if b, err := loadPVH(guest, kernel, exe, params); err == nil {
			return b, nil
		}

		return loadLinux(guest, bootparam.NewDefault(), exe.maxAddr, exe.entryAddr, platform.Linux64, params)
	}

	if exe, err := loadELF32(guest, kernel); err == nil {
		if hasMultibootMagic(kernel) {
			return loadMultiboot(guest, exe.maxAddr, exe.entryAddr, params)
		}

		return loadLinux(guest, bootparam.NewDefault(), exe.maxAddr, exe.entryAddr, platform.Linux32, params)
	}

	if b, err := loadBzImage(guest, kernel, params); err == nil {
		return b, nil
	}

	return nil, ErrInvalidKernelImageFormat
}

type loadedExecutable struct {
	entryAddr uint64
	maxAddr   uint64
}

// elf64Ehdr is the ELF64 file header.
type elf64Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// elf64Phdr is the ELF64 program header.
type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// elf32Ehdr is the ELF32 file header.
type elf32Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// elf32Phdr is the ELF32 program header.
type elf32Phdr struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

func loadELF64(guest *memory.Guest, image []byte) (loadedExecutable, error) {
	var ehdr elf64Ehdr
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &ehdr); err != nil {
		return loadedExecutable{}, ErrInvalidKernelImageFormat
	}

	if !validElfIdent(ehdr.Ident, elfClass64) ||
		int(ehdr.Phentsize) != binary.Size(elf64Phdr{}) ||
		uint64(ehdr.Phoff) < uint64(binary.Size(elf64Ehdr{})) {
		return loadedExecutable{}, ErrInvalidKernelImageFormat
	}

	var maxAddr uint64

	for i := 0; i < int(ehdr.Phnum); i++ {
		var phdr elf64Phdr

		off := int(ehdr.Phoff) + i*int(ehdr.Phentsize)
		if err := binary.Read(bytes.NewReader(image[off:]), binary.LittleEndian, &phdr); err != nil {
			return loadedExecutable{}, ErrInvalidKernelImageFormat
		}

		if phdr.Type != ptLoad {
			continue
		}

		if err := copySegment(guest, image, phdr.Offset, phdr.Filesz, phdr.Memsz, phdr.Paddr); err != nil {
			return loadedExecutable{}, err
		}

		if end := phdr.Paddr + phdr.Memsz; end > maxAddr {
			maxAddr = end
		}
	}

	return loadedExecutable{entryAddr: ehdr.Entry, maxAddr: maxAddr}, nil
}

func loadELF32(guest *memory.Guest, image []byte) (loadedExecutable, error) {
	var ehdr elf32Ehdr
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &ehdr); err != nil {
		return loadedExecutable{}, ErrInvalidKernelImageFormat
	}

	if !validElfIdent(ehdr.Ident, elfClass32) ||
		int(ehdr.Phentsize) != binary.Size(elf32Phdr{}) ||
		uint64(ehdr.Phoff) < uint64(binary.Size(elf32Ehdr{})) {
		return loadedExecutable{}, ErrInvalidKernelImageFormat
	}

	var maxAddr uint64

	for i := 0; i < int(ehdr.Phnum); i++ {
		var phdr elf32Phdr

		off := int(ehdr.Phoff) + i*int(ehdr.Phentsize)
		if err := binary.Read(bytes.NewReader(image[off:]), binary.LittleEndian, &phdr); err != nil {
			return loadedExecutable{}, ErrInvalidKernelImageFormat
		}

		if phdr.Type != ptLoad {
			continue
		}

		if err := copySegment(guest, image, uint64(phdr.Offset), uint64(phdr.Filesz),
			uint64(phdr.Memsz), uint64(phdr.Paddr)); err != nil {
			return loadedExecutable{}, err
		}

		if end := uint64(phdr.Paddr) + uint64(phdr.Memsz); end > maxAddr {
			maxAddr = end
		}
	}

	return loadedExecutable{entryAddr: uint64(ehdr.Entry), maxAddr: maxAddr}, nil
}

func validElfIdent(ident [16]byte, class byte) bool {
	return bytes.Equal(ident[:4], []byte(elfMagic)) &&
		ident[4] == class &&
		ident[5] == elfData2LSB
}

// copySegment copies a PT_LOAD segment's file contents to its load
// address and zero-fills the rest of its memory image (the .bss tail).
func copySegment(guest *memory.Guest, image []byte, offset, filesz, memsz, paddr uint64) error {
	if offset+filesz > uint64(len(image)) {
		return ErrInvalidKernelImageFormat
	}

	if err := guest.CopyTo(paddr, image[offset:offset+filesz]); err != nil {
		return err
	}

	if memsz > filesz {
		zeros := make([]byte, memsz-filesz)
		if err := guest.CopyTo(paddr+filesz, zeros); err != nil {
			return err
		}
	}

	return nil
}

func loadPVH(guest *memory.Guest, image []byte, exe loadedExecutable, params Params) (*platform.Bootable, error) {
	var ehdr elf64Ehdr
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &ehdr); err != nil {
		return nil, ErrInvalidKernelImageFormat
	}

	phdrs := make([]pvh.Elf64Phdr, 0, ehdr.Phnum)

	for i := 0; i < int(ehdr.Phnum); i++ {
		var phdr elf64Phdr

		off := int(ehdr.Phoff) + i*int(ehdr.Phentsize)
		if err := binary.Read(bytes.NewReader(image[off:]), binary.LittleEndian, &phdr); err != nil {
			return nil, ErrInvalidKernelImageFormat
		}

		phdrs = append(phdrs, pvh.Elf64Phdr{Type: phdr.Type, Offset: phdr.Offset, Filesz: phdr.Filesz})
	}

	entryAddr, err := pvh.FindEntryPoint(image, phdrs)
	if err != nil {
		return nil, err
	}

	paramsAddr, err := pvh.WriteStartInfo(guest, exe.maxAddr, params.Cmdline)
	if err != nil {
		return nil, err
	}

	return &platform.Bootable{
		Protocol:   platform.PVH,
		EntryAddr:  uint64(entryAddr),
		ParamsAddr: paramsAddr,
	}, nil
}

func hasMultibootMagic(image []byte) bool {
	limit := len(image)
	if limit > multibootSearch {
		limit = multibootSearch
	}

	for i := 0; i+4 <= limit; i += 4 {
		if binary.LittleEndian.Uint32(image[i:]) == multibootHeaderMagic {
			return true
		}
	}

	return false
}

func loadMultiboot(guest *memory.Guest, maxAddr, entryAddr uint64, params Params) (*platform.Bootable, error) {
	modules := params.Modules
	if len(modules) == 0 && len(params.Initrd) > 0 {
		modules = []multiboot.ModuleImage{{Path: "initrd", Data: params.Initrd}}
	}

	paramsAddr, err := multiboot.WriteInfo(guest, maxAddr, params.Cmdline, modules)
	if err != nil {
		return nil, err
	}

	return &platform.Bootable{
		Protocol:   platform.Multiboot,
		EntryAddr:  entryAddr,
		ParamsAddr: paramsAddr,
	}, nil
}

func loadLinux(guest *memory.Guest, bp *bootparam.BootParam, maxAddr, entryAddr uint64,
	proto platform.Protocol, params Params,
) (*platform.Bootable, error) {
	paramsAddr, err := writeLinuxBootParams(guest, bp, maxAddr, params)
	if err != nil {
		return nil, err
	}

	return &platform.Bootable{Protocol: proto, EntryAddr: entryAddr, ParamsAddr: paramsAddr}, nil
}

// writeLinuxBootParams fills in the dynamic parts of a setup_header
// (command line, initrd), appends the two flat E820 RAM entries every
// protocol uses, and writes the resulting boot_params page to guest
// memory starting at exeEnd.
func writeLinuxBootParams(guest *memory.Guest, bp *bootparam.BootParam, exeEnd uint64, params Params) (uint64, error) {
	bp.Hdr.TypeOfLoader = 0xff
	bp.Hdr.LoadFlags |= bootparam.CanUseHeap
	bp.Hdr.HeapEndPtr = 0xfe00

	alloc := memory.NewRangeAllocator(exeEnd)

	if params.Cmdline != "" {
		maxLen := int(bp.Hdr.CmdlineSize)
		if len(params.Cmdline) > maxLen {
			return 0, ErrCmdlineTooLong
		}

		raw := append([]byte(params.Cmdline), 0)
		addr := alloc.Alloc(uint64(len(raw)), 1)

		if err := guest.CopyTo(addr, raw); err != nil {
			return 0, err
		}

		bp.Hdr.CmdLinePtr = uint32(addr)
	}

	if len(params.Initrd) > 0 {
		addr := alloc.Alloc(uint64(len(params.Initrd)), memory.HighMemoryStart)
		if addr > uint64(bp.Hdr.InitrdAddrMax) {
			return 0, ErrInitrdTooLarge
		}

		if err := guest.CopyTo(addr, params.Initrd); err != nil {
			return 0, err
		}

		bp.Hdr.RamdiskImage = uint32(addr)
		bp.Hdr.RamdiskSize = uint32(len(params.Initrd))
	}

	bp.AddE820Entry(0, ebdaStart, bootparam.E820Ram)
	bp.AddE820Entry(memory.HighMemoryStart, uint64(guest.Size())-memory.HighMemoryStart, bootparam.E820Ram)

	zeroPageAddr := alloc.Alloc(bootparamBufSize, 8)

	raw, err := bp.Bytes()
	if err != nil {
		return 0, err
	}

	if err := guest.CopyTo(zeroPageAddr, raw); err != nil {
		return 0, err
	}

	return zeroPageAddr, nil
}

func loadBzImage(guest *memory.Guest, kernel []byte, params Params) (*platform.Bootable, error) {
	bp, err := bootparam.New(bytes.NewReader(kernel))
	if err != nil {
		return nil, err
	}

	if bp.Hdr.Header != setupHeaderMagic || bp.Hdr.Version < 0x206 || bp.Hdr.LoadFlags&1 == 0 {
		return nil, ErrInvalidKernelImageFormat
	}

	setupSects := bp.Hdr.SetupSects
	if setupSects == 0 {
		setupSects = 4
	}

	setupSize := (int(setupSects) + 1) << 9
	if setupSize > len(kernel) {
		return nil, ErrInvalidKernelImageFormat
	}

	image := kernel[setupSize:]
	if err := guest.CopyTo(memory.HighMemoryStart, image); err != nil {
		return nil, err
	}

	maxAddr := uint64(memory.HighMemoryStart) + uint64(len(image))

	paramsAddr, err := writeLinuxBootParams(guest, bp, maxAddr, params)
	if err != nil {
		return nil, err
	}

	// Both 32-bit and 64-bit bzImage kernels share the Linux32 entry contract.
	return &platform.Bootable{
		Protocol:   platform.Linux32,
		EntryAddr:  uint64(bp.Hdr.Code32Start),
		ParamsAddr: paramsAddr,
	}, nil
}
